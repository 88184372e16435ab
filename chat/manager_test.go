package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/liuzsen/niu-code/claude/sdk"
	"github.com/liuzsen/niu-code/config"
	"github.com/liuzsen/niu-code/transcript"
)

// mockWriter collects delivered server messages; it can be told to fail.
type mockWriter struct {
	mu       sync.Mutex
	messages []ServerMessage
	failing  bool
	arrived  chan ServerMessage
}

func newMockWriter() *mockWriter {
	return &mockWriter{arrived: make(chan ServerMessage, 64)}
}

func (w *mockWriter) Send(msg ServerMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failing {
		return errors.New("writer failed")
	}
	w.messages = append(w.messages, msg)
	select {
	case w.arrived <- msg:
	default:
	}
	return nil
}

func (w *mockWriter) setFailing(failing bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failing = failing
}

func (w *mockWriter) recv(t *testing.T) ServerMessage {
	t.Helper()
	select {
	case msg := <-w.arrived:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server message")
		return ServerMessage{}
	}
}

func (w *mockWriter) recvKind(t *testing.T, kind string) ServerMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-w.arrived:
			if msg.Data.Kind == kind {
				return msg
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s message", kind)
			return ServerMessage{}
		}
	}
}

// testEnv runs a manager with a mock spawner.
type testEnv struct {
	manager *Manager
	handle  Handle
	cancel  context.CancelFunc

	mu        sync.Mutex
	streams   []*mockStream
	callbacks []sdk.CanUseToolFunc
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithTTL(t, time.Hour)
}

func newTestEnvWithTTL(t *testing.T, ttl time.Duration) *testEnv {
	t.Helper()

	// keep the prompt hub away from the real home directory
	config.Get().NiuCodeDir = t.TempDir()

	env := &testEnv{}
	m := NewManager()
	m.sessionTTL = ttl
	m.spawn = func(options StartChatOptions, callback sdk.CanUseToolFunc, prompts <-chan sdk.UserMessage) (CliStream, error) {
		stream := newMockStream()
		env.mu.Lock()
		env.streams = append(env.streams, stream)
		env.callbacks = append(env.callbacks, callback)
		env.mu.Unlock()
		return stream, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	env.manager = m
	env.handle = m.Handle()
	env.cancel = cancel
	t.Cleanup(cancel)
	return env
}

func (env *testEnv) lastStream(t *testing.T) *mockStream {
	t.Helper()
	env.mu.Lock()
	defer env.mu.Unlock()
	if len(env.streams) == 0 {
		t.Fatal("no stream spawned")
	}
	return env.streams[len(env.streams)-1]
}

// connect registers a connection and a chat on it.
func (env *testEnv) connect(connID uint32, chatID ChatID) *mockWriter {
	writer := newMockWriter()
	env.handle.Connect(connID, writer)
	env.handle.Dispatch(connID, ClientMessage{ChatID: chatID, Data: ClientData{Kind: ClientRegister}})
	return writer
}

func assistantFrame(sessionID, text string) string {
	return fmt.Sprintf(`{"type":"assistant","session_id":%q,"message":{"content":[{"type":"text","text":%q}]}}`, sessionID, text)
}

func TestStartChatRequiresRegisteredChat(t *testing.T) {
	env := newTestEnv(t)

	_, bizErr, err := env.handle.StartChat(StartChatOptions{ChatID: "ghost", WorkDir: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	if bizErr != ErrChatNotRegistered {
		t.Fatalf("expected chat-not-registered, got %v", bizErr)
	}
}

func TestStartChatUnknownConfigProfile(t *testing.T) {
	env := newTestEnv(t)
	env.connect(1, "chat-1")

	_, bizErr, err := env.handle.StartChat(StartChatOptions{
		ChatID:     "chat-1",
		WorkDir:    "/w",
		ConfigName: "no-such-profile",
	})
	if err != nil {
		t.Fatal(err)
	}
	if bizErr == nil || bizErr.Code != ErrConfigNotFound.Code {
		t.Fatalf("expected config-not-found, got %v", bizErr)
	}
}

func TestStartChatNewSessionDeliversLive(t *testing.T) {
	env := newTestEnv(t)
	writer := env.connect(1, "chat-1")

	records, bizErr, err := env.handle.StartChat(StartChatOptions{ChatID: "chat-1", WorkDir: "/w"})
	if err != nil || bizErr != nil {
		t.Fatalf("start chat failed: %v %v", err, bizErr)
	}
	if len(records) != 0 {
		t.Fatalf("new session should return no records, got %d", len(records))
	}

	frame := assistantFrame("sess-1", "hi")
	env.lastStream(t).emit(frame)

	msg := writer.recvKind(t, ServerClaude)
	if msg.ChatID != "chat-1" {
		t.Errorf("wrong chat id: %s", msg.ChatID)
	}
	var got, want any
	json.Unmarshal(msg.Data.Claude, &got)
	json.Unmarshal([]byte(frame), &want)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("claude payload not verbatim:\n got %v\nwant %v", got, want)
	}

	// first message filled in the session ID
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		briefs := env.handle.SessionsByWorkDir("/w")
		if len(briefs) == 1 && briefs[0].SessionID == "sess-1" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session ID never recorded")
}

func TestUserInputRoutedAndRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.connect(1, "chat-1")
	env.handle.StartChat(StartChatOptions{ChatID: "chat-1", WorkDir: "/w"})
	env.lastStream(t).emit(assistantFrame("sess-1", "ready"))

	env.handle.Dispatch(1, ClientMessage{
		ChatID: "chat-1",
		Data:   ClientData{Kind: ClientUserInput, Content: "Hello"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		briefs := env.handle.SessionsByWorkDir("/w")
		if len(briefs) == 1 && briefs[0].LastUserInput == "Hello" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("user input never recorded")
}

func TestUserInputWithoutSessionReportsError(t *testing.T) {
	env := newTestEnv(t)
	writer := env.connect(1, "chat-1")

	env.handle.Dispatch(1, ClientMessage{
		ChatID: "chat-1",
		Data:   ClientData{Kind: ClientUserInput, Content: "hi"},
	})

	msg := writer.recvKind(t, ServerError)
	if msg.Data.Error == "" {
		t.Error("expected error detail")
	}
}

func TestDisconnectLagsAndReplayOnReregister(t *testing.T) {
	env := newTestEnv(t)
	writer := env.connect(1, "chat-1")
	env.handle.StartChat(StartChatOptions{ChatID: "chat-1", WorkDir: "/w"})
	stream := env.lastStream(t)

	stream.emit(assistantFrame("sess-1", "before"))
	writer.recvKind(t, ServerClaude)

	// user input recorded before the gap; it must not be replayed
	env.handle.Dispatch(1, ClientMessage{
		ChatID: "chat-1",
		Data:   ClientData{Kind: ClientUserInput, Content: "question"},
	})

	env.handle.Disconnect(1)

	stream.emit(assistantFrame("sess-1", "gap-1"))
	stream.emit(assistantFrame("sess-1", "gap-2"))
	stream.emit(assistantFrame("sess-1", "gap-3"))

	// reconnect with a fresh connection and re-register the same chat
	time.Sleep(50 * time.Millisecond)
	writer2 := env.connect(2, "chat-1")

	var texts []string
	for i := 0; i < 3; i++ {
		msg := writer2.recvKind(t, ServerClaude)
		var decoded struct {
			Message struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(msg.Data.Claude, &decoded); err != nil {
			t.Fatal(err)
		}
		texts = append(texts, decoded.Message.Content[0].Text)
	}

	want := []string{"gap-1", "gap-2", "gap-3"}
	for i := range want {
		if texts[i] != want[i] {
			t.Fatalf("replay out of order: got %v want %v", texts, want)
		}
	}

	// live forwarding resumes after replay
	stream.emit(assistantFrame("sess-1", "after"))
	writer2.recvKind(t, ServerClaude)
}

func TestWriterFailureCountsLag(t *testing.T) {
	env := newTestEnv(t)
	writer := env.connect(1, "chat-1")
	env.handle.StartChat(StartChatOptions{ChatID: "chat-1", WorkDir: "/w"})
	stream := env.lastStream(t)

	writer.setFailing(true)
	stream.emit(assistantFrame("sess-1", "lost-to-writer"))
	time.Sleep(50 * time.Millisecond)
	writer.setFailing(false)

	// re-register triggers replay of the lagged message
	env.handle.Dispatch(1, ClientMessage{ChatID: "chat-1", Data: ClientData{Kind: ClientRegister}})
	msg := writer.recvKind(t, ServerClaude)
	if msg.Data.Kind != ServerClaude {
		t.Error("lagged message lost")
	}
}

func TestResumeActiveSwapsSubscriberAndNotifies(t *testing.T) {
	env := newTestEnv(t)
	writer1 := env.connect(1, "chat-1")
	env.handle.StartChat(StartChatOptions{ChatID: "chat-1", WorkDir: "/w"})
	stream := env.lastStream(t)

	stream.emit(assistantFrame("sess-1", "hello"))
	writer1.recvKind(t, ServerClaude)

	writer2 := env.connect(2, "chat-2")
	records, bizErr, err := env.handle.StartChat(StartChatOptions{
		ChatID:  "chat-2",
		WorkDir: "/w",
		Resume:  "sess-1",
	})
	if err != nil || bizErr != nil {
		t.Fatalf("resume failed: %v %v", err, bizErr)
	}
	if len(records) != 1 {
		t.Fatalf("expected full cache on resume, got %d records", len(records))
	}

	// the prior subscriber learns its chat was taken over
	writer1.recvKind(t, ServerChatRemoved)

	// live messages now go to the new subscriber; the session kept running
	stream.emit(assistantFrame("sess-1", "for-chat-2"))
	msg := writer2.recvKind(t, ServerClaude)
	if msg.ChatID != "chat-2" {
		t.Errorf("message went to %s", msg.ChatID)
	}
	if stream.stopCount() != 0 {
		t.Error("resume must not stop the session")
	}
}

func TestStopSessionRemovesAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	writer := env.connect(1, "chat-1")
	env.handle.StartChat(StartChatOptions{ChatID: "chat-1", WorkDir: "/w"})
	stream := env.lastStream(t)
	stream.emit(assistantFrame("sess-1", "hello"))
	writer.recvKind(t, ServerClaude)

	env.handle.Dispatch(1, ClientMessage{ChatID: "chat-1", Data: ClientData{Kind: ClientStopSession}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(env.handle.SessionsByWorkDir("/w")) > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if briefs := env.handle.SessionsByWorkDir("/w"); len(briefs) != 0 {
		t.Fatalf("session not removed: %+v", briefs)
	}

	// second stop is a no-op reported as an error, not a crash
	env.handle.Dispatch(1, ClientMessage{ChatID: "chat-1", Data: ClientData{Kind: ClientStopSession}})
	writer.recvKind(t, ServerError)
}

func TestSpontaneousExitNotifiesAndRemoves(t *testing.T) {
	env := newTestEnv(t)
	writer := env.connect(1, "chat-1")
	env.handle.StartChat(StartChatOptions{ChatID: "chat-1", WorkDir: "/w"})
	stream := env.lastStream(t)
	stream.emit(assistantFrame("sess-1", "hello"))
	writer.recvKind(t, ServerClaude)

	close(stream.items)

	msg := writer.recvKind(t, ServerError)
	if msg.Data.Error == "" {
		t.Error("expected exit error detail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(env.handle.SessionsByWorkDir("/w")) > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if len(env.handle.SessionsByWorkDir("/w")) != 0 {
		t.Error("dead session still listed")
	}
}

func TestIdleSweepKeepsFreshSessions(t *testing.T) {
	env := newTestEnv(t)
	writer := env.connect(1, "chat-1")
	env.handle.StartChat(StartChatOptions{ChatID: "chat-1", WorkDir: "/w"})
	stream := env.lastStream(t)
	stream.emit(assistantFrame("sess-1", "hello"))
	writer.recvKind(t, ServerClaude)

	env.manager.mailbox <- msgCleanSessions{}
	time.Sleep(50 * time.Millisecond)
	if len(env.handle.SessionsByWorkDir("/w")) != 1 {
		t.Fatal("session should survive sweep inside TTL")
	}
}

func TestIdleTTLSweepStopsSession(t *testing.T) {
	env := newTestEnvWithTTL(t, time.Millisecond)
	writer := env.connect(1, "chat-1")
	env.handle.StartChat(StartChatOptions{ChatID: "chat-1", WorkDir: "/w"})
	stream := env.lastStream(t)
	stream.emit(assistantFrame("sess-1", "hello"))
	writer.recvKind(t, ServerClaude)

	time.Sleep(10 * time.Millisecond)
	env.manager.mailbox <- msgCleanSessions{}

	writer.recvKind(t, ServerChatRemoved)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(env.handle.SessionsByWorkDir("/w")) > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if len(env.handle.SessionsByWorkDir("/w")) != 0 {
		t.Error("expired session still listed")
	}

	if stream.stopCount() == 0 {
		t.Error("expired session's transport never stopped")
	}
}

func TestConnectionCloseCleansRoutingTables(t *testing.T) {
	env := newTestEnv(t)
	env.connect(1, "chat-1")
	env.handle.StartChat(StartChatOptions{ChatID: "chat-1", WorkDir: "/w"})
	stream := env.lastStream(t)

	env.handle.Disconnect(1)

	// messages after the close accumulate as lag instead of being lost
	stream.emit(assistantFrame("sess-1", "while-away"))
	time.Sleep(50 * time.Millisecond)

	writer := env.connect(2, "chat-1")
	writer.recvKind(t, ServerClaude)
}

func TestSetModeInterruptForwarded(t *testing.T) {
	env := newTestEnv(t)
	env.connect(1, "chat-1")
	env.handle.StartChat(StartChatOptions{ChatID: "chat-1", WorkDir: "/w"})
	stream := env.lastStream(t)

	env.handle.Dispatch(1, ClientMessage{
		ChatID: "chat-1",
		Data:   ClientData{Kind: ClientSetMode, Mode: sdk.PermissionModePlan},
	})
	env.handle.Dispatch(1, ClientMessage{ChatID: "chat-1", Data: ClientData{Kind: ClientInterrupt}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stream.mu.Lock()
		modes, interrupts := len(stream.modes), stream.interrupts
		stream.mu.Unlock()
		if modes == 1 && interrupts == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("set_mode/interrupt never reached the stream")
}

func TestPermissionPromptAllowEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	writer := env.connect(1, "chat-1")
	env.handle.StartChat(StartChatOptions{ChatID: "chat-1", WorkDir: "/w"})

	// the callback the manager handed to spawn is what the transport
	// would invoke on a can_use_tool control request
	env.mu.Lock()
	callback := env.callbacks[len(env.callbacks)-1]
	env.mu.Unlock()

	resultCh := make(chan *sdk.PermissionResult, 1)
	go func() {
		result, err := callback(sdk.CanUseToolRequest{
			ToolUse: sdk.ToolUse{ToolName: "Bash", Input: json.RawMessage(`{"command":"ls"}`)},
		})
		if err != nil {
			t.Error(err)
		}
		resultCh <- result
	}()

	// the question reaches the client as a can_use_tool envelope
	msg := writer.recvKind(t, ServerCanUseTool)
	var params CanUseToolParams
	if err := json.Unmarshal(msg.Data.Request, &params); err != nil {
		t.Fatal(err)
	}
	if params.ToolUse.ToolName != "Bash" {
		t.Fatalf("wrong tool: %s", params.ToolUse.ToolName)
	}

	// the client answers allow with updated input
	env.handle.Dispatch(1, ClientMessage{
		ChatID: "chat-1",
		Data: ClientData{
			Kind: ClientPermissionResp,
			Permission: &sdk.PermissionResult{
				Behavior:     sdk.PermissionAllow,
				UpdatedInput: json.RawMessage(`{"command":"ls"}`),
			},
		},
	})

	select {
	case result := <-resultCh:
		if result.Behavior != sdk.PermissionAllow {
			t.Errorf("expected allow, got %s", result.Behavior)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("permission answer never reached the callback")
	}
}

func TestPermissionPromptDenyEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	writer := env.connect(1, "chat-1")
	env.handle.StartChat(StartChatOptions{ChatID: "chat-1", WorkDir: "/w"})

	env.mu.Lock()
	callback := env.callbacks[len(env.callbacks)-1]
	env.mu.Unlock()

	resultCh := make(chan *sdk.PermissionResult, 1)
	go func() {
		result, _ := callback(sdk.CanUseToolRequest{
			ToolUse: sdk.ToolUse{ToolName: "Bash", Input: json.RawMessage(`{"command":"rm -rf /"}`)},
		})
		resultCh <- result
	}()

	writer.recvKind(t, ServerCanUseTool)

	env.handle.Dispatch(1, ClientMessage{
		ChatID: "chat-1",
		Data: ClientData{
			Kind:       ClientPermissionResp,
			Permission: &sdk.PermissionResult{Behavior: sdk.PermissionDeny, Message: "no"},
		},
	})

	select {
	case result := <-resultCh:
		if result.Behavior != sdk.PermissionDeny || result.Message != "no" {
			t.Errorf("unexpected result: %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deny never reached the callback")
	}
}

func TestResumeFromDiskSeedsCache(t *testing.T) {
	env := newTestEnv(t)
	env.connect(1, "chat-1")

	// an on-disk transcript with content and non-content lines
	config.Get().ClaudeConfigDir = t.TempDir()
	workDir := "/work/project"
	dir := transcript.ProjectDir(workDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	lines := `{"type":"user","sessionId":"disk-1","uuid":"u1","timestamp":"2025-01-02T10:00:00Z","message":{"content":"hello"}}
{"type":"summary","summary":"s","leafUuid":"u1"}
{"type":"assistant","sessionId":"disk-1","uuid":"a1","timestamp":"2025-01-02T10:00:05Z","message":{"content":[{"type":"text","text":"hi"}]}}
`
	if err := os.WriteFile(filepath.Join(dir, "disk-1.jsonl"), []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}

	records, bizErr, err := env.handle.StartChat(StartChatOptions{
		ChatID:  "chat-1",
		WorkDir: workDir,
		Resume:  "disk-1",
	})
	if err != nil || bizErr != nil {
		t.Fatalf("resume from disk failed: %v %v", err, bizErr)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 seeded records (summary filtered), got %d", len(records))
	}
	for _, record := range records {
		if record.Kind != RecordCliData {
			t.Errorf("seeded record kind %s", record.Kind)
		}
	}

	// the spawner saw the resume request and the session is live
	env.mu.Lock()
	spawned := len(env.streams)
	env.mu.Unlock()
	if spawned != 1 {
		t.Fatalf("expected one spawned transport, got %d", spawned)
	}
	briefs := env.handle.SessionsByWorkDir(workDir)
	if len(briefs) != 1 || briefs[0].SessionID != "disk-1" {
		t.Fatalf("resumed session not listed: %+v", briefs)
	}
}

func TestResumeUnknownSessionNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.connect(1, "chat-1")
	config.Get().ClaudeConfigDir = t.TempDir()

	_, bizErr, err := env.handle.StartChat(StartChatOptions{
		ChatID:  "chat-1",
		WorkDir: "/work/project",
		Resume:  "never-existed",
	})
	if err != nil {
		t.Fatal(err)
	}
	if bizErr == nil || bizErr.Code != ErrSessionNotFound.Code {
		t.Fatalf("expected session-not-found, got %v", bizErr)
	}
}

func TestRecordsAppendOnly(t *testing.T) {
	env := newTestEnv(t)
	writer := env.connect(1, "chat-1")
	env.handle.StartChat(StartChatOptions{ChatID: "chat-1", WorkDir: "/w"})
	stream := env.lastStream(t)

	for i := 0; i < 5; i++ {
		stream.emit(assistantFrame("sess-1", fmt.Sprintf("m%d", i)))
		writer.recvKind(t, ServerClaude)
	}

	records, _, _ := env.handle.StartChat(StartChatOptions{
		ChatID: "chat-1", WorkDir: "/w", Resume: "sess-1",
	})
	if len(records) != 5 {
		t.Fatalf("expected 5 cached records, got %d", len(records))
	}
	for i, record := range records {
		if record.Kind != RecordCliData {
			t.Errorf("record %d has kind %s", i, record.Kind)
		}
	}
}
