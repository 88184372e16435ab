package sdk

// Executable selects the JavaScript runtime used to run a non-native
// CLI entrypoint (a .js/.ts script instead of a compiled binary).
type Executable string

const (
	ExecutableNode Executable = "node"
	ExecutableDeno Executable = "deno"
	ExecutableBun  Executable = "bun"
)

// ClaudeCodeOptions configures how the child process is spawned.
// Zero values mean "not set"; only set fields emit CLI flags.
type ClaudeCodeOptions struct {
	// Paths
	WorkingDir            string
	PathToExecutable      string // binary or script; looked up on PATH when bare
	AdditionalDirectories []string

	// Environment
	Env map[string]string

	// Prompts
	CustomSystemPrompt string
	AppendSystemPrompt string

	// Tools
	AllowedTools    []string
	DisallowedTools []string

	// Permissions
	PermissionMode           PermissionMode
	PermissionPromptToolName string
	CanUseTool               CanUseToolFunc

	// Session management
	Resume   string
	Continue bool

	// Model configuration
	Model         string
	FallbackModel string

	// Limits
	MaxTurns *int

	// Runtime selection for non-native entrypoints
	Executable     Executable
	ExecutableArgs []string

	// Streaming
	IncludePartialMessages bool

	// MCP
	StrictMCPConfig bool

	// Arbitrary extra flags; nil value emits the bare flag
	ExtraArgs map[string]*string

	// Stderr receives child stderr lines when Env["DEBUG"] is set
	Stderr func(line string)
}
