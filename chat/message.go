package chat

import (
	"encoding/json"

	"github.com/liuzsen/niu-code/claude/sdk"
)

// ChatID is the client-chosen conversation identity used to address a
// session over the wire.
type ChatID = string

// ClientMessage is one inbound WebSocket frame.
type ClientMessage struct {
	ChatID ChatID     `json:"chat_id"`
	Data   ClientData `json:"data"`
}

// Client message kinds.
const (
	ClientRegister       = "register"
	ClientUserInput      = "user_input"
	ClientPermissionResp = "permission_resp"
	ClientSetMode        = "set_mode"
	ClientSetModel       = "set_model"
	ClientGetInfo        = "get_info"
	ClientStopSession    = "stop_session"
	ClientInterrupt      = "interrupt"
	ClientStartChat      = "start_chat"
)

// ClientData is the kind-discriminated payload of a ClientMessage.
// Which fields are set depends on Kind.
type ClientData struct {
	Kind string `json:"kind"`

	// user_input
	Content string `json:"content,omitempty"`

	// permission_resp
	Permission *sdk.PermissionResult `json:"permission,omitempty"`

	// set_mode
	Mode sdk.PermissionMode `json:"mode,omitempty"`

	// set_model
	Model string `json:"model,omitempty"`

	// start_chat
	Start *StartChatOptions `json:"start,omitempty"`
}

// StartChatOptions are the inputs of the start/resume state machine.
type StartChatOptions struct {
	ChatID     ChatID             `json:"chat_id"`
	WorkDir    string             `json:"work_dir"`
	Mode       sdk.PermissionMode `json:"mode,omitempty"`
	Resume     string             `json:"resume,omitempty"`
	ConfigName string             `json:"config_name,omitempty"`
}

// ServerMessage is one outbound WebSocket frame.
type ServerMessage struct {
	ChatID ChatID     `json:"chat_id"`
	Data   ServerData `json:"data"`
}

// Server message kinds.
const (
	ServerClaude      = "claude"
	ServerError       = "server_error"
	ServerSystemInfo  = "system_info"
	ServerCanUseTool  = "can_use_tool"
	ServerChatRemoved = "chat_removed"
)

// ServerData is the kind-discriminated payload of a ServerMessage.
// Payload fields stay raw so CLI messages pass through byte-identical.
type ServerData struct {
	Kind string `json:"kind"`

	// claude: one CLI data message, verbatim
	Claude json.RawMessage `json:"claude,omitempty"`

	// server_error
	Error string `json:"error,omitempty"`

	// system_info: marshaled sdk.SysInfo
	Info json.RawMessage `json:"info,omitempty"`

	// can_use_tool: marshaled CanUseToolParams
	Request json.RawMessage `json:"request,omitempty"`
}

// CanUseToolParams is the permission question forwarded to the client.
type CanUseToolParams struct {
	ToolUse     sdk.ToolUse            `json:"tool_use"`
	Suggestions []sdk.PermissionUpdate `json:"suggestions,omitempty"`
}

// ClaudeData wraps a raw CLI message.
func ClaudeData(raw json.RawMessage) ServerData {
	return ServerData{Kind: ServerClaude, Claude: raw}
}

// ErrorData wraps an error string.
func ErrorData(msg string) ServerData {
	return ServerData{Kind: ServerError, Error: msg}
}

// SystemInfoData wraps the cached commands/models lists.
func SystemInfoData(info *sdk.SysInfo) ServerData {
	raw, _ := json.Marshal(info)
	return ServerData{Kind: ServerSystemInfo, Info: raw}
}

// CanUseToolData wraps a permission question.
func CanUseToolData(params *CanUseToolParams) ServerData {
	raw, _ := json.Marshal(params)
	return ServerData{Kind: ServerCanUseTool, Request: raw}
}

// ChatRemovedData signals that the chat's session went away (stopped,
// expired, or its subscription was taken over).
func ChatRemovedData() ServerData {
	return ServerData{Kind: ServerChatRemoved}
}

// WsWriter delivers server messages to one connection. Implementations
// must be safe to call from the manager goroutine and return an error
// when the connection can no longer accept messages.
type WsWriter interface {
	Send(msg ServerMessage) error
}

// BizError is an expected business failure, distinct from transport/IO
// errors. The closed set of codes is part of the API contract.
type BizError struct {
	Code string
	Tip  string
}

func (e *BizError) Error() string {
	if e.Tip == "" {
		return e.Code
	}
	return e.Code + ": " + e.Tip
}

var (
	ErrChatNotRegistered = &BizError{Code: "chat-not-registered"}
	ErrConfigNotFound    = &BizError{Code: "config-not-found"}
	ErrSessionNotFound   = &BizError{Code: "session-not-found"}
)

// withTip returns a copy of the error with detail attached.
func (e *BizError) withTip(tip string) *BizError {
	return &BizError{Code: e.Code, Tip: tip}
}
