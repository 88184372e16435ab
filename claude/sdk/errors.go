package sdk

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamingOnly is returned when an operation needs the streaming
	// control channel (--input-format stream-json) but the stream was
	// started with a oneshot prompt.
	ErrStreamingOnly = errors.New("operation requires --input-format stream-json")

	// ErrStopped is returned when the transport shut down before a
	// control request could be answered.
	ErrStopped = errors.New("transport stopped")
)

// StopReason records why a QueryStream shut down.
type StopReason string

const (
	// StopUser: explicit stop from the owning session.
	StopUser StopReason = "user"
	// StopNoMoreOutput: child closed stdout (exited).
	StopNoMoreOutput StopReason = "no_more_output"
	// StopInvalidFrame: child emitted a frame without a type field.
	StopInvalidFrame StopReason = "invalid_frame"
	// StopDecodeFailed: a data message could not be decoded.
	StopDecodeFailed StopReason = "decode_failed"
	// StopWriteFailed: writing to child stdin failed.
	StopWriteFailed StopReason = "write_failed"
	// StopParseControlRequest: an inbound control request could not be
	// deserialized. Fatal protocol violation.
	StopParseControlRequest StopReason = "parse_control_request"
)

// StreamError is a terminal error surfaced through the message stream
// before the transport tears down.
type StreamError struct {
	Reason StopReason
	Detail string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("claude stream error (%s): %s", e.Reason, e.Detail)
}

// SpawnError reports a failed attempt to start the child process.
type SpawnError struct {
	Message string
	Cause   error
}

func (e *SpawnError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("spawn claude: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("spawn claude: %s", e.Message)
}

func (e *SpawnError) Unwrap() error {
	return e.Cause
}
