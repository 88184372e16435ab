package sdk

import (
	"encoding/json"
	"fmt"
)

// PermissionMode controls how the CLI authorizes tool use.
type PermissionMode string

const (
	PermissionModeDefault           PermissionMode = "default"
	PermissionModeAcceptEdits       PermissionMode = "acceptEdits"
	PermissionModeBypassPermissions PermissionMode = "bypassPermissions"
	PermissionModePlan              PermissionMode = "plan"
)

// cliValue is the kebab-case form the CLI expects for --permission-mode.
func (m PermissionMode) cliValue() string {
	switch m {
	case PermissionModeAcceptEdits:
		return "accept-edits"
	case PermissionModeBypassPermissions:
		return "bypass-permissions"
	case PermissionModePlan:
		return "plan"
	default:
		return "default"
	}
}

// Message is one decoded data message from the child's stdout.
// The original bytes are preserved and re-emitted verbatim on marshal so
// unknown CLI message kinds pass through untouched.
type Message struct {
	Type      string
	Subtype   string
	SessionID string
	Raw       json.RawMessage
}

// ParseMessage decodes the envelope fields of a data message.
func ParseMessage(data []byte) (*Message, error) {
	var envelope struct {
		Type      string `json:"type"`
		Subtype   string `json:"subtype"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("message has no type field")
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return &Message{
		Type:      envelope.Type,
		Subtype:   envelope.Subtype,
		SessionID: envelope.SessionID,
		Raw:       raw,
	}, nil
}

// MarshalJSON returns the original bytes.
func (m Message) MarshalJSON() ([]byte, error) {
	return m.Raw, nil
}

// StreamItem is one element of a QueryStream's output: a data message or
// a terminal decode/write error.
type StreamItem struct {
	Message *Message
	Err     error
}

// UserMessage is an outbound user message written to the child's stdin.
type UserMessage struct {
	Type            string         `json:"type"`
	UUID            *string        `json:"uuid,omitempty"`
	SessionID       string         `json:"session_id"`
	Message         APIUserMessage `json:"message"`
	ParentToolUseID *string        `json:"parent_tool_use_id"`
}

// APIUserMessage is the message body of a UserMessage.
type APIUserMessage struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// NewUserMessage wraps plain text as a user-message envelope.
func NewUserMessage(content string) UserMessage {
	return UserMessage{
		Type:      "user",
		SessionID: "",
		Message: APIUserMessage{
			Content: content,
			Role:    "user",
		},
	}
}

// ToolUse names a tool invocation awaiting permission. Input schemas vary
// per tool, so the payload is kept raw with typed accessors for the
// common tools.
type ToolUse struct {
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input"`
}

// BashInput is the input schema of the Bash tool.
type BashInput struct {
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
	Timeout     *int   `json:"timeout,omitempty"`
}

// FileEditInput is the input schema of the Edit tool.
type FileEditInput struct {
	FilePath   string `json:"file_path"`
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
}

// FileWriteInput is the input schema of the Write tool.
type FileWriteInput struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

// AsBash decodes the input as a Bash invocation.
func (t *ToolUse) AsBash() (*BashInput, error) {
	if t.ToolName != "Bash" {
		return nil, fmt.Errorf("tool is %s, not Bash", t.ToolName)
	}
	var input BashInput
	if err := json.Unmarshal(t.Input, &input); err != nil {
		return nil, err
	}
	return &input, nil
}

// AsEdit decodes the input as an Edit invocation.
func (t *ToolUse) AsEdit() (*FileEditInput, error) {
	if t.ToolName != "Edit" {
		return nil, fmt.Errorf("tool is %s, not Edit", t.ToolName)
	}
	var input FileEditInput
	if err := json.Unmarshal(t.Input, &input); err != nil {
		return nil, err
	}
	return &input, nil
}

// AsWrite decodes the input as a Write invocation.
func (t *ToolUse) AsWrite() (*FileWriteInput, error) {
	if t.ToolName != "Write" {
		return nil, fmt.Errorf("tool is %s, not Write", t.ToolName)
	}
	var input FileWriteInput
	if err := json.Unmarshal(t.Input, &input); err != nil {
		return nil, err
	}
	return &input, nil
}

// PermissionBehavior discriminates a PermissionResult.
type PermissionBehavior string

const (
	PermissionAllow PermissionBehavior = "allow"
	PermissionDeny  PermissionBehavior = "deny"
)

// PermissionResult is the answer to a can_use_tool control request.
// behavior selects which of the remaining fields are meaningful:
// allow carries updatedInput (and optional updatedPermissions), deny
// carries message and the optional interrupt flag.
type PermissionResult struct {
	Behavior           PermissionBehavior `json:"behavior"`
	UpdatedInput       json.RawMessage    `json:"updatedInput,omitempty"`
	UpdatedPermissions []PermissionUpdate `json:"updatedPermissions,omitempty"`
	Message            string             `json:"message,omitempty"`
	Interrupt          bool               `json:"interrupt,omitempty"`
}

// PermissionUpdate is a permission-rule change suggested by the CLI or
// returned with an allow result.
type PermissionUpdate struct {
	Type        string                `json:"type"`
	Rules       []PermissionRuleValue `json:"rules,omitempty"`
	Behavior    string                `json:"behavior,omitempty"`
	Mode        PermissionMode        `json:"mode,omitempty"`
	Directories []string              `json:"directories,omitempty"`
	Destination string                `json:"destination,omitempty"`
}

// PermissionRuleValue is one rule inside a PermissionUpdate.
type PermissionRuleValue struct {
	ToolName    string  `json:"toolName"`
	RuleContent *string `json:"ruleContent,omitempty"`
}

// CanUseToolRequest carries a tool-permission question from the child.
type CanUseToolRequest struct {
	ToolUse     ToolUse            `json:"tool_use"`
	Suggestions []PermissionUpdate `json:"suggestions,omitempty"`
}

// CanUseToolFunc answers a tool-permission question. It runs on its own
// goroutine and may block until a user decides. Returning an error makes
// the transport send an error control response to the child.
type CanUseToolFunc func(req CanUseToolRequest) (*PermissionResult, error)

// SlashCommand describes one slash command reported by the initialize
// handshake.
type SlashCommand struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	ArgumentHint string `json:"argumentHint"`
}

// ModelInfo describes one model reported by the initialize handshake.
type ModelInfo struct {
	Value       string `json:"value"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

// SysInfo is the cached result of the initialize handshake.
type SysInfo struct {
	Commands []SlashCommand `json:"commands"`
	Models   []ModelInfo    `json:"models"`
}
