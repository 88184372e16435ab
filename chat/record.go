package chat

import (
	"encoding/json"
	"time"
)

// RecordKind classifies a cached message.
type RecordKind string

const (
	// RecordUserInput and RecordPermissionResp are inbound-only: they are
	// kept for history but never replayed to a reconnecting subscriber.
	RecordUserInput      RecordKind = "user_input"
	RecordPermissionResp RecordKind = "permission_resp"

	RecordCliData    RecordKind = "cli_data"
	RecordSystemInfo RecordKind = "system_info"
	RecordCanUseTool RecordKind = "can_use_tool"
)

// MessageRecord is one entry of a session's in-memory cache.
type MessageRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Kind      RecordKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// replayable reports whether the record is sent back to a subscriber on
// reattach. Inbound events originated from the client; it already has
// them.
func (r *MessageRecord) replayable() bool {
	return r.Kind != RecordUserInput && r.Kind != RecordPermissionResp
}

// toServerData reconstructs the wire payload for replay.
func (r *MessageRecord) toServerData() ServerData {
	switch r.Kind {
	case RecordCliData:
		return ClaudeData(r.Payload)
	case RecordSystemInfo:
		return ServerData{Kind: ServerSystemInfo, Info: r.Payload}
	case RecordCanUseTool:
		return ServerData{Kind: ServerCanUseTool, Request: r.Payload}
	default:
		return ServerData{}
	}
}

// recordOf builds the cache record for an outbound payload, or nil for
// kinds that are not cached (errors, chat_removed).
func recordOf(data ServerData, now time.Time) *MessageRecord {
	switch data.Kind {
	case ServerClaude:
		return &MessageRecord{Timestamp: now, Kind: RecordCliData, Payload: data.Claude}
	case ServerSystemInfo:
		return &MessageRecord{Timestamp: now, Kind: RecordSystemInfo, Payload: data.Info}
	case ServerCanUseTool:
		return &MessageRecord{Timestamp: now, Kind: RecordCanUseTool, Payload: data.Request}
	default:
		return nil
	}
}
