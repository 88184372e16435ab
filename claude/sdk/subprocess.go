package sdk

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/liuzsen/niu-code/log"
)

// jsExtensions mark a CLI entrypoint as non-native: it must run under a
// JavaScript runtime instead of being executed directly.
var jsExtensions = []string{".js", ".mjs", ".ts", ".tsx", ".jsx"}

// buildArgs assembles the CLI argument list (without the binary itself).
// Flag order follows the reference CLI integration so argv stays
// bit-comparable across hosts.
func buildArgs(prompt PromptSource, opts *ClaudeCodeOptions) ([]string, error) {
	args := []string{"--output-format", "stream-json", "--verbose"}

	if opts.CustomSystemPrompt != "" {
		args = append(args, "--system-prompt", opts.CustomSystemPrompt)
	}
	if opts.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.AppendSystemPrompt)
	}
	if opts.MaxTurns != nil {
		args = append(args, "--max-turns", strconv.Itoa(*opts.MaxTurns))
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if _, ok := opts.Env["DEBUG"]; ok {
		args = append(args, "--debug-to-stderr")
	}

	if opts.CanUseTool != nil {
		if prompt.IsOneshot() {
			return nil, &SpawnError{Message: "canUseTool callback requires --input-format stream-json; pass a streaming prompt"}
		}
		if opts.PermissionPromptToolName != "" {
			return nil, &SpawnError{Message: "canUseTool callback cannot be used with permissionPromptToolName; use one or the other"}
		}
		args = append(args, "--permission-prompt-tool", "stdio")
	} else if opts.PermissionPromptToolName != "" {
		args = append(args, "--permission-prompt-tool", opts.PermissionPromptToolName)
	}

	if opts.Continue {
		args = append(args, "--continue")
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	if opts.StrictMCPConfig {
		args = append(args, "--strict-mcp-config")
	}
	if opts.PermissionMode != "" && opts.PermissionMode != PermissionModeDefault {
		args = append(args, "--permission-mode", opts.PermissionMode.cliValue())
	}
	if opts.FallbackModel != "" {
		if opts.FallbackModel == opts.Model {
			return nil, &SpawnError{Message: "fallback model cannot be the same as the main model"}
		}
		args = append(args, "--fallback-model", opts.FallbackModel)
	}
	if opts.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}

	if prompt.IsOneshot() {
		args = append(args, "--print", "--", strings.TrimSpace(prompt.oneshot))
	} else {
		args = append(args, "--input-format", "stream-json")
	}

	for _, dir := range opts.AdditionalDirectories {
		args = append(args, "--add-dir", dir)
	}
	for key, value := range opts.ExtraArgs {
		if value != nil {
			args = append(args, "--"+key, *value)
		} else {
			args = append(args, "--"+key)
		}
	}

	return args, nil
}

// resolveExecutable finds the CLI entrypoint and decides how to run it.
// A bare name is looked up on PATH. A path ending in a JS extension runs
// under the configured runtime (Node by default) with the script path
// spliced in front of the CLI args.
func resolveExecutable(opts *ClaudeCodeOptions, cliArgs []string) (command string, args []string, err error) {
	binPath := opts.PathToExecutable
	if binPath == "" {
		binPath = "claude"
	}

	if filepath.Dir(binPath) == "." && !strings.ContainsRune(binPath, os.PathSeparator) {
		resolved, err := exec.LookPath(binPath)
		if err != nil {
			return "", nil, &SpawnError{Message: "claude executable not found on PATH; is Claude Code installed?", Cause: err}
		}
		binPath = resolved
	} else if _, err := os.Stat(binPath); err != nil {
		return "", nil, &SpawnError{Message: "claude executable not found at " + binPath, Cause: err}
	}

	native := true
	for _, ext := range jsExtensions {
		if strings.HasSuffix(binPath, ext) {
			native = false
			break
		}
	}

	if native {
		return binPath, cliArgs, nil
	}

	runtime := opts.Executable
	if runtime == "" {
		runtime = ExecutableNode
	}
	args = append(args, opts.ExecutableArgs...)
	args = append(args, binPath)
	args = append(args, cliArgs...)
	return string(runtime), args, nil
}

// spawn starts the child process with stdio wired per the prompt mode:
// stdout always piped, stdin piped only in streaming mode, stderr piped
// so lines can reach the callback (when DEBUG is set) or the log.
func spawn(prompt PromptSource, opts *ClaudeCodeOptions) (*exec.Cmd, error) {
	cliArgs, err := buildArgs(prompt, opts)
	if err != nil {
		return nil, err
	}

	command, args, err := resolveExecutable(opts, cliArgs)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(command, args...)
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}

	env := os.Environ()
	if _, ok := os.LookupEnv("CLAUDE_CODE_ENTRYPOINT"); !ok {
		env = append(env, "CLAUDE_CODE_ENTRYPOINT=sdk-go")
	}
	for key, value := range opts.Env {
		env = append(env, key+"="+value)
	}
	cmd.Env = env

	log.Info().
		Str("command", command).
		Strs("args", args).
		Str("cwd", opts.WorkingDir).
		Bool("oneshot", prompt.IsOneshot()).
		Msg("spawning claude child process")

	return cmd, nil
}
