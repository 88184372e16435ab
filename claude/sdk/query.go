package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/liuzsen/niu-code/log"
)

const (
	// maxLineSize bounds a single stdout line (large tool results).
	maxLineSize = 10 * 1024 * 1024

	initializeTimeout = 60 * time.Second
)

// stopSignal is a write-once broadcast: the first Notify wins, every
// goroutine observes it through Done(). Notifying again is a no-op, which
// makes shutdown idempotent.
type stopSignal struct {
	once   sync.Once
	reason StopReason
	detail string
	done   chan struct{}
}

func newStopSignal() *stopSignal {
	return &stopSignal{done: make(chan struct{})}
}

func (s *stopSignal) Notify(reason StopReason, detail string) {
	s.once.Do(func() {
		s.reason = reason
		s.detail = detail
		close(s.done)
	})
}

func (s *stopSignal) Done() <-chan struct{} {
	return s.done
}

// Reason is only meaningful after Done() is closed.
func (s *stopSignal) Reason() (StopReason, string) {
	return s.reason, s.detail
}

// control-handler mailbox variants
type controlMsg interface{ controlMsg() }

type registerResponseChan struct {
	id string
	ch chan json.RawMessage
}

type inboundControlResponse struct{ raw json.RawMessage }

type inboundControlRequest struct{ raw json.RawMessage }

func (registerResponseChan) controlMsg()   {}
func (inboundControlResponse) controlMsg() {}
func (inboundControlRequest) controlMsg()  {}

// QueryStream is a running CLI child process presented as a structured
// duplex. Data messages arrive on Messages(); control operations go
// through the typed methods. Stop tears everything down and kills the
// child; it is safe to call more than once.
type QueryStream struct {
	items    <-chan StreamItem
	writerCh chan<- any // nil in oneshot mode
	ctrlCh   chan<- controlMsg
	sysInfo  *SysInfo
	stop     *stopSignal
}

// Query spawns the CLI child process and starts the transport goroutines.
// In streaming mode it also performs the initialize handshake before
// returning, so SupportedCommands/SupportedModels are immediately
// available.
func Query(ctx context.Context, prompt PromptSource, opts ClaudeCodeOptions) (*QueryStream, error) {
	cmd, err := spawn(prompt, &opts)
	if err != nil {
		return nil, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Message: "stdout pipe", Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Message: "stderr pipe", Cause: err}
	}
	var stdin io.WriteCloser
	if !prompt.IsOneshot() {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, &SpawnError{Message: "stdin pipe", Cause: err}
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Message: "failed to start CLI process", Cause: err}
	}

	log.Info().Int("pid", cmd.Process.Pid).Msg("claude child process running")

	stop := newStopSignal()
	items := make(chan StreamItem, 256)
	ctrlCh := make(chan controlMsg, 64)

	stderrCallback := opts.Stderr
	if _, debug := opts.Env["DEBUG"]; !debug {
		stderrCallback = nil
	}
	go readStderr(stderr, stderrCallback)
	go runReader(stdout, ctrlCh, items, stop)

	var writerCh chan any
	if !prompt.IsOneshot() {
		writerCh = make(chan any, 64)
		go runWriter(stdin, prompt.stream, writerCh, stop)
	}

	go runControlHandler(ctrlCh, writerCh, opts.CanUseTool, stop)
	go supervise(cmd, stdin, stop)

	qs := &QueryStream{
		items:    items,
		writerCh: writerCh,
		ctrlCh:   ctrlCh,
		stop:     stop,
	}

	if !prompt.IsOneshot() {
		info, err := qs.initialize(ctx)
		if err != nil {
			qs.Stop()
			return nil, fmt.Errorf("initialize handshake: %w", err)
		}
		qs.sysInfo = info
	}

	return qs, nil
}

// Messages returns the stream of decoded data messages. The channel
// closes when the transport stops.
func (q *QueryStream) Messages() <-chan StreamItem {
	return q.items
}

// Stop shuts the transport down and kills the child. Idempotent.
func (q *QueryStream) Stop() {
	q.stop.Notify(StopUser, "")
}

// Interrupt asks the CLI to abort the current turn.
func (q *QueryStream) Interrupt() error {
	return q.sendControlRequest(map[string]any{"subtype": "interrupt"})
}

// SetPermissionMode switches the CLI's permission mode mid-session.
func (q *QueryStream) SetPermissionMode(mode PermissionMode) error {
	return q.sendControlRequest(map[string]any{
		"subtype": "set_permission_mode",
		"mode":    string(mode),
	})
}

// SetModel switches the model mid-session.
func (q *QueryStream) SetModel(model string) error {
	return q.sendControlRequest(map[string]any{
		"subtype": "set_model",
		"model":   model,
	})
}

// SupportedCommands returns the slash commands cached from the
// initialize handshake. Only available in streaming mode.
func (q *QueryStream) SupportedCommands() ([]SlashCommand, error) {
	if q.sysInfo == nil {
		return nil, ErrStreamingOnly
	}
	return q.sysInfo.Commands, nil
}

// SupportedModels returns the models cached from the initialize
// handshake. Only available in streaming mode.
func (q *QueryStream) SupportedModels() ([]ModelInfo, error) {
	if q.sysInfo == nil {
		return nil, ErrStreamingOnly
	}
	return q.sysInfo.Models, nil
}

// sendControlRequest writes a fire-and-forget control request. No reply
// sink is registered; a response arriving later is dropped by the
// control handler with a warning, which is the intended behavior for
// interrupt/set_permission_mode/set_model.
func (q *QueryStream) sendControlRequest(request map[string]any) error {
	if q.writerCh == nil {
		return ErrStreamingOnly
	}
	frame := map[string]any{
		"request_id": newRequestID(),
		"type":       "control_request",
		"request":    request,
	}
	select {
	case q.writerCh <- frame:
		return nil
	case <-q.stop.Done():
		return ErrStopped
	}
}

// initialize performs the control handshake and parses the reply into
// the supported commands and models lists.
func (q *QueryStream) initialize(ctx context.Context) (*SysInfo, error) {
	id := newRequestID()
	reply := make(chan json.RawMessage, 1)

	select {
	case q.ctrlCh <- registerResponseChan{id: id, ch: reply}:
	case <-q.stop.Done():
		return nil, ErrStopped
	}

	frame := map[string]any{
		"request_id": id,
		"type":       "control_request",
		"request":    map[string]any{"subtype": "initialize"},
	}
	select {
	case q.writerCh <- frame:
	case <-q.stop.Done():
		return nil, ErrStopped
	}

	timer := time.NewTimer(initializeTimeout)
	defer timer.Stop()

	select {
	case raw, ok := <-reply:
		if !ok {
			return nil, ErrStopped
		}
		// raw is the full control_response frame; the payload sits at
		// response.response
		var resp struct {
			Response struct {
				Response SysInfo `json:"response"`
			} `json:"response"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("decode initialize response: %w", err)
		}
		return &resp.Response.Response, nil
	case <-timer.C:
		return nil, fmt.Errorf("timed out waiting for initialize response")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.stop.Done():
		return nil, ErrStopped
	}
}

func newRequestID() string {
	return ulid.Make().String()
}

// runReader decodes stdout lines and routes them by type: control frames
// to the control handler, everything else to the item stream. Terminal
// conditions raise the stop signal.
func runReader(stdout io.Reader, ctrlCh chan<- controlMsg, items chan<- StreamItem, stop *stopSignal) {
	defer close(items)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &envelope); err != nil || envelope.Type == "" {
			detail := "frame has no type field"
			if err != nil {
				detail = err.Error()
			}
			emit(items, stop, StreamItem{Err: &StreamError{Reason: StopInvalidFrame, Detail: detail}})
			stop.Notify(StopInvalidFrame, detail)
			return
		}

		raw := make(json.RawMessage, len(line))
		copy(raw, line)

		switch envelope.Type {
		case "control_response":
			sendCtrl(ctrlCh, stop, inboundControlResponse{raw: raw})
		case "control_request":
			sendCtrl(ctrlCh, stop, inboundControlRequest{raw: raw})
		case "control_cancel_request":
			log.Warn().Str("frame", string(line)).Msg("control_cancel_request is unsupported")
		default:
			msg, err := ParseMessage(raw)
			if err != nil {
				emit(items, stop, StreamItem{Err: &StreamError{Reason: StopDecodeFailed, Detail: err.Error()}})
				stop.Notify(StopDecodeFailed, err.Error())
				return
			}
			if !emit(items, stop, StreamItem{Message: msg}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("claude stdout read error")
	}
	log.Info().Msg("claude stdout closed, reader exiting")
	stop.Notify(StopNoMoreOutput, "")
}

func emit(items chan<- StreamItem, stop *stopSignal, item StreamItem) bool {
	select {
	case items <- item:
		return true
	case <-stop.Done():
		return false
	}
}

func sendCtrl(ctrlCh chan<- controlMsg, stop *stopSignal, msg controlMsg) {
	select {
	case ctrlCh <- msg:
	case <-stop.Done():
	}
}

// runWriter multiplexes the prompt stream and direct control writes onto
// child stdin, one JSON object per line. When the prompt stream ends the
// writer closes stdin to signal EOF.
func runWriter(stdin io.WriteCloser, prompts <-chan UserMessage, direct <-chan any, stop *stopSignal) {
	defer stdin.Close()

	write := func(v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			log.Error().Err(err).Msg("marshal outbound message")
			return true
		}
		data = append(data, '\n')
		if _, err := stdin.Write(data); err != nil {
			stop.Notify(StopWriteFailed, err.Error())
			return false
		}
		return true
	}

	for {
		select {
		case prompt, ok := <-prompts:
			if !ok {
				log.Info().Msg("no more prompts, writer exiting")
				return
			}
			if !write(prompt) {
				return
			}
		case msg := <-direct:
			if !write(msg) {
				return
			}
		case <-stop.Done():
			return
		}
	}
}

// controlRequestWrapper is the envelope of an inbound control request.
type controlRequestWrapper struct {
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype     string             `json:"subtype"`
		ToolName    string             `json:"tool_name"`
		Input       json.RawMessage    `json:"input"`
		Suggestions []PermissionUpdate `json:"permission_suggestions"`
	} `json:"request"`
}

// runControlHandler owns the request-ID correlator and the inbound
// control-request dispatch. On stop every pending reply sink is closed so
// waiting callers observe cancellation.
func runControlHandler(ctrlCh <-chan controlMsg, writerCh chan<- any, canUseTool CanUseToolFunc, stop *stopSignal) {
	pending := make(map[string]chan json.RawMessage)

	defer func() {
		for id, ch := range pending {
			close(ch)
			delete(pending, id)
		}
		// registrations still queued when stop fired are pending too
		for {
			select {
			case msg := <-ctrlCh:
				if m, ok := msg.(registerResponseChan); ok {
					close(m.ch)
				}
			default:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-ctrlCh:
			switch m := msg.(type) {
			case registerResponseChan:
				if old, ok := pending[m.id]; ok {
					log.Warn().Str("requestId", m.id).Msg("duplicate response chan registration, dropping old sink")
					close(old)
				}
				pending[m.id] = m.ch
			case inboundControlResponse:
				handleControlResponse(pending, m.raw)
			case inboundControlRequest:
				handleControlRequest(m.raw, writerCh, canUseTool, stop)
			}
		case <-stop.Done():
			return
		}
	}
}

// handleControlResponse delivers a child control response to its
// registered sink. Unknown request IDs are logged and dropped.
func handleControlResponse(pending map[string]chan json.RawMessage, raw json.RawMessage) {
	var frame struct {
		Response struct {
			RequestID string `json:"request_id"`
		} `json:"response"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Response.RequestID == "" {
		log.Warn().Str("frame", string(raw)).Msg("control_response without request_id")
		return
	}

	id := frame.Response.RequestID
	ch, ok := pending[id]
	if !ok {
		log.Warn().Str("requestId", id).Msg("no response listener for control_response")
		return
	}
	delete(pending, id)

	// deliver the full frame; callers extract response fields themselves
	ch <- raw
	close(ch)
}

// handleControlRequest dispatches an inbound control request. Only
// can_use_tool is supported; the callback runs on its own goroutine so a
// slow user decision never blocks response routing.
func handleControlRequest(raw json.RawMessage, writerCh chan<- any, canUseTool CanUseToolFunc, stop *stopSignal) {
	var wrapper controlRequestWrapper
	if err := json.Unmarshal(raw, &wrapper); err != nil || wrapper.RequestID == "" || wrapper.Request.Subtype == "" {
		detail := "control_request missing request_id or subtype"
		if err != nil {
			detail = err.Error()
		}
		log.Error().Str("frame", string(raw)).Str("detail", detail).Msg("cannot deserialize control request")
		stop.Notify(StopParseControlRequest, detail)
		return
	}

	respond := func(response json.RawMessage, respErr error) {
		if writerCh == nil {
			log.Error().Str("requestId", wrapper.RequestID).Msg("cannot answer control request without a writer")
			return
		}
		var frame map[string]any
		if respErr != nil {
			frame = map[string]any{
				"type": "control_response",
				"response": map[string]any{
					"subtype":    "error",
					"request_id": wrapper.RequestID,
					"error":      respErr.Error(),
				},
			}
		} else {
			frame = map[string]any{
				"type": "control_response",
				"response": map[string]any{
					"subtype":    "success",
					"request_id": wrapper.RequestID,
					"response":   response,
				},
			}
		}
		select {
		case writerCh <- frame:
		case <-stop.Done():
		}
	}

	switch wrapper.Request.Subtype {
	case "can_use_tool":
		if canUseTool == nil {
			respond(nil, fmt.Errorf("canUseTool callback is not provided"))
			return
		}
		req := CanUseToolRequest{
			ToolUse: ToolUse{
				ToolName: wrapper.Request.ToolName,
				Input:    wrapper.Request.Input,
			},
			Suggestions: wrapper.Request.Suggestions,
		}
		go func() {
			result, err := canUseTool(req)
			if err != nil {
				respond(nil, fmt.Errorf("CanUseTool call error: %w", err))
				return
			}
			data, err := json.Marshal(result)
			if err != nil {
				respond(nil, fmt.Errorf("serialize permission result: %w", err))
				return
			}
			respond(data, nil)
		}()
	case "hook_callback":
		respond(nil, fmt.Errorf("unsupported HookCallback"))
	case "mcp_message":
		respond(nil, fmt.Errorf("unsupported McpMessage"))
	default:
		detail := "unknown control request subtype: " + wrapper.Request.Subtype
		log.Error().Str("frame", string(raw)).Msg(detail)
		stop.Notify(StopParseControlRequest, detail)
	}
}

// supervise waits for the stop signal, then kills the child and reaps it.
// Also the single place cmd.Wait is called.
func supervise(cmd *exec.Cmd, stdin io.WriteCloser, stop *stopSignal) {
	<-stop.Done()

	reason, detail := stop.Reason()
	log.Info().Str("reason", string(reason)).Str("detail", detail).Msg("stopping claude child process")

	if stdin != nil {
		stdin.Close()
	}
	if cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil {
			log.Debug().Err(err).Msg("kill claude child (likely already exited)")
		}
	}
	if err := cmd.Wait(); err != nil {
		log.Debug().Err(err).Msg("claude child process exited")
	}
}

// readStderr pumps child stderr lines to the callback when provided,
// otherwise to the debug log.
func readStderr(stderr io.Reader, callback func(string)) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if callback != nil {
			callback(line)
		} else {
			log.Debug().Str("stderr", line).Msg("claude stderr")
		}
	}
}
