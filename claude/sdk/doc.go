// Package sdk drives a Claude Code CLI child process over its
// newline-delimited JSON protocol.
//
// A QueryStream owns one child process and four cooperating goroutines:
// a stdout reader, a stdin writer, a control-protocol handler, and a
// supervisor that kills the child once the shared stop signal fires.
// Data messages flow out through Messages(); control requests from the
// child (tool permissions) are answered through the CanUseTool callback.
// Control requests to the child each carry a request ID; only initialize
// waits for its correlated reply, while interrupt, set_permission_mode
// and set_model are fire-and-forget.
//
// Two prompt modes exist. A oneshot prompt is passed on the command line
// (`--print -- <prompt>`); the child's stdin stays closed and no control
// writes are possible. A streaming prompt feeds user messages through a
// channel and enables the full bidirectional control protocol.
package sdk
