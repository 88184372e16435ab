package chat

import (
	"github.com/liuzsen/niu-code/claude/sdk"
)

// Handle is the thread-safe request surface of the manager: each call
// posts a mailbox message. Connect, Disconnect and Dispatch return once
// the message is posted; the query methods also pass a reply channel and
// wait for the actor (or a worker it spawned) to answer.
type Handle struct {
	mailbox chan<- managerMsg
}

// Connect registers a connection's writer with the manager.
func (h Handle) Connect(connID uint32, writer WsWriter) {
	h.mailbox <- msgNewConnect{ConnID: connID, Writer: writer}
}

// Disconnect tells the manager a connection is gone.
func (h Handle) Disconnect(connID uint32) {
	h.mailbox <- msgConnectionClosed{ConnID: connID}
}

// Dispatch forwards a decoded client frame.
func (h Handle) Dispatch(connID uint32, msg ClientMessage) {
	h.mailbox <- msgClientMessage{ConnID: connID, Msg: msg}
}

// StartChat runs the start/resume state machine and returns the cache
// records of the (possibly resumed) session. The *BizError return is the
// closed set of expected failures; error is a system failure.
func (h Handle) StartChat(options StartChatOptions) ([]MessageRecord, *BizError, error) {
	reply := make(chan startChatResult, 1)
	h.mailbox <- msgStartChat{Options: options, Reply: reply}
	result := <-reply
	return result.Records, result.BizErr, result.Err
}

// SessionsByWorkDir lists the live sessions rooted at workDir.
func (h Handle) SessionsByWorkDir(workDir string) []SessionBrief {
	reply := make(chan []SessionBrief, 1)
	h.mailbox <- msgGetSessionsByWorkDir{WorkDir: workDir, Reply: reply}
	return <-reply
}

// ClaudeInfo probes a disposable CLI instance for its supported commands
// and models.
func (h Handle) ClaudeInfo(workDir string) (*sdk.SysInfo, error) {
	reply := make(chan claudeInfoResult, 1)
	h.mailbox <- msgGetClaudeInfo{WorkDir: workDir, Reply: reply}
	result := <-reply
	return result.Info, result.Err
}
