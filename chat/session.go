package chat

import (
	"fmt"

	"github.com/liuzsen/niu-code/claude/sdk"
	"github.com/liuzsen/niu-code/log"
)

// CliStream is the slice of a running CLI transport the session actor
// drives. *sdk.QueryStream satisfies it; tests substitute a mock.
type CliStream interface {
	Messages() <-chan sdk.StreamItem
	Stop()
	Interrupt() error
	SetPermissionMode(mode sdk.PermissionMode) error
	SetModel(model string) error
	SupportedCommands() ([]sdk.SlashCommand, error)
	SupportedModels() ([]sdk.ModelInfo, error)
}

// session-actor mailbox commands
type sessionCommand interface{ commandName() string }

type cmdUserInput struct{ Content string }
type cmdPermissionResp struct{ Result *sdk.PermissionResult }
type cmdSetMode struct{ Mode sdk.PermissionMode }
type cmdSetModel struct{ Model string }
type cmdInterrupt struct{}
type cmdGetInfo struct{}
type cmdCanUseTool struct {
	Req   sdk.CanUseToolRequest
	Reply chan *sdk.PermissionResult
}
type cmdStop struct{}

func (cmdUserInput) commandName() string      { return "UserInput" }
func (cmdPermissionResp) commandName() string { return "PermissionResp" }
func (cmdSetMode) commandName() string        { return "SetMode" }
func (cmdSetModel) commandName() string       { return "SetModel" }
func (cmdInterrupt) commandName() string      { return "Interrupt" }
func (cmdGetInfo) commandName() string        { return "GetInfo" }
func (cmdCanUseTool) commandName() string     { return "CanUseTool" }
func (cmdStop) commandName() string           { return "Stop" }

// sessionActor owns one CLI transport: it pumps child messages up to the
// manager and services commands from its mailbox. At most one permission
// question is outstanding at a time.
type sessionActor struct {
	cliID          uint32
	mailbox        chan sessionCommand
	managerMailbox chan<- managerMsg
	prompts        chan<- sdk.UserMessage

	// reply sink of the outstanding permission question, nil when none
	pendingPermission chan *sdk.PermissionResult
}

func newSessionActor(cliID uint32, mailbox chan sessionCommand, managerMailbox chan<- managerMsg, prompts chan<- sdk.UserMessage) *sessionActor {
	return &sessionActor{
		cliID:          cliID,
		mailbox:        mailbox,
		managerMailbox: managerMailbox,
		prompts:        prompts,
	}
}

// permissionCallback bridges the transport's can_use_tool control request
// into the actor's mailbox and waits for the client's answer. A dropped
// (closed) reply sink surfaces as an error, which the transport turns
// into an error control response.
func (a *sessionActor) permissionCallback() sdk.CanUseToolFunc {
	return func(req sdk.CanUseToolRequest) (*sdk.PermissionResult, error) {
		reply := make(chan *sdk.PermissionResult, 1)
		a.mailbox <- cmdCanUseTool{Req: req, Reply: reply}

		result, ok := <-reply
		if !ok {
			return nil, fmt.Errorf("permission question cancelled")
		}
		return result, nil
	}
}

// run is the actor loop. It exits on Stop or when the transport's
// message channel closes (child gone).
func (a *sessionActor) run(stream CliStream) {
	log.Debug().Uint32("cliId", a.cliID).Msg("session actor serving")

	for {
		select {
		case item, ok := <-stream.Messages():
			if !ok {
				log.Info().Uint32("cliId", a.cliID).Msg("claude stream ended")
				a.shutdown(stream)
				a.managerMailbox <- msgSessionExited{CliID: a.cliID}
				return
			}
			a.handleStreamItem(item)

		case cmd := <-a.mailbox:
			if _, isStop := cmd.(cmdStop); isStop {
				a.shutdown(stream)
				return
			}
			a.handleCommand(stream, cmd)
		}
	}
}

func (a *sessionActor) shutdown(stream CliStream) {
	log.Debug().Uint32("cliId", a.cliID).Msg("session actor stopping")
	a.dropPendingPermission()
	stream.Stop()
}

// dropPendingPermission cancels the outstanding permission question, if
// any, by closing its sink.
func (a *sessionActor) dropPendingPermission() {
	if a.pendingPermission != nil {
		close(a.pendingPermission)
		a.pendingPermission = nil
	}
}

func (a *sessionActor) handleStreamItem(item sdk.StreamItem) {
	if item.Err != nil {
		a.forward(ErrorData(item.Err.Error()))
		return
	}
	a.forward(ClaudeData(item.Message.Raw))
}

func (a *sessionActor) handleCommand(stream CliStream, cmd sessionCommand) {
	log.Debug().Uint32("cliId", a.cliID).Str("command", cmd.commandName()).Msg("session command")

	switch c := cmd.(type) {
	case cmdUserInput:
		a.prompts <- sdk.NewUserMessage(c.Content)

	case cmdPermissionResp:
		if a.pendingPermission == nil {
			log.Warn().Uint32("cliId", a.cliID).Msg("permission response with no pending question, dropping")
			return
		}
		a.pendingPermission <- c.Result
		a.pendingPermission = nil

	case cmdCanUseTool:
		a.forward(CanUseToolData(&CanUseToolParams{
			ToolUse:     c.Req.ToolUse,
			Suggestions: c.Req.Suggestions,
		}))
		if a.pendingPermission != nil {
			log.Warn().Uint32("cliId", a.cliID).Msg("replacing pending permission question, dropping stale sink")
			close(a.pendingPermission)
		}
		a.pendingPermission = c.Reply

	case cmdSetMode:
		if err := stream.SetPermissionMode(c.Mode); err != nil {
			log.Warn().Err(err).Uint32("cliId", a.cliID).Msg("set permission mode failed")
		}

	case cmdSetModel:
		if err := stream.SetModel(c.Model); err != nil {
			log.Warn().Err(err).Uint32("cliId", a.cliID).Msg("set model failed")
		}

	case cmdInterrupt:
		if err := stream.Interrupt(); err != nil {
			log.Warn().Err(err).Uint32("cliId", a.cliID).Msg("interrupt failed")
		}

	case cmdGetInfo:
		commands, err := stream.SupportedCommands()
		if err != nil {
			a.forward(ErrorData(err.Error()))
			return
		}
		models, err := stream.SupportedModels()
		if err != nil {
			a.forward(ErrorData(err.Error()))
			return
		}
		a.forward(SystemInfoData(&sdk.SysInfo{Commands: commands, Models: models}))
	}
}

// forward hands outbound data to the manager for caching and delivery.
func (a *sessionActor) forward(data ServerData) {
	a.managerMailbox <- msgCliMessage{CliID: a.cliID, Data: data}
}
