package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/liuzsen/niu-code/claude/sdk"
	"github.com/liuzsen/niu-code/config"
	"github.com/liuzsen/niu-code/log"
	"github.com/liuzsen/niu-code/prompthub"
	"github.com/liuzsen/niu-code/setting"
	"github.com/liuzsen/niu-code/transcript"
)

// session is one live conversation with a CLI child process. All fields
// are owned by the manager goroutine; nothing else reads or writes them.
type session struct {
	cliID        uint32
	sessionID    string // issued by the child on its first message
	workDir      string
	createdAt    time.Time
	lastActivity time.Time
	records      []MessageRecord
	subscriber   ChatID // bound chat; live only while that chat has a connection
	mailbox      chan sessionCommand
	lagCount     int
}

// manager mailbox variants
type managerMsg interface{ managerMsg() }

type msgNewConnect struct {
	ConnID uint32
	Writer WsWriter
}
type msgConnectionClosed struct{ ConnID uint32 }
type msgClientMessage struct {
	ConnID uint32
	Msg    ClientMessage
}
type msgCliMessage struct {
	CliID uint32
	Data  ServerData
}
type msgSessionExited struct{ CliID uint32 }
type msgStartChat struct {
	Options StartChatOptions
	Reply   chan startChatResult
}
type msgGetSessionsByWorkDir struct {
	WorkDir string
	Reply   chan []SessionBrief
}
type msgGetClaudeInfo struct {
	WorkDir string
	Reply   chan claudeInfoResult
}
type msgCleanSessions struct{}

func (msgNewConnect) managerMsg()           {}
func (msgConnectionClosed) managerMsg()     {}
func (msgClientMessage) managerMsg()        {}
func (msgCliMessage) managerMsg()           {}
func (msgSessionExited) managerMsg()        {}
func (msgStartChat) managerMsg()            {}
func (msgGetSessionsByWorkDir) managerMsg() {}
func (msgGetClaudeInfo) managerMsg()        {}
func (msgCleanSessions) managerMsg()        {}

type startChatResult struct {
	Records []MessageRecord
	BizErr  *BizError
	Err     error
}

type claudeInfoResult struct {
	Info *sdk.SysInfo
	Err  error
}

// SessionBrief is one row of the active-session listing.
type SessionBrief struct {
	SessionID     string    `json:"session_id"`
	WorkDir       string    `json:"work_dir"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
	MessageCount  int       `json:"message_count"`
	LastUserInput string    `json:"last_user_input"`
}

// spawnFunc starts a CLI transport for a session. Tests substitute a
// mock; the default spawns a real child via sdk.Query.
type spawnFunc func(options StartChatOptions, callback sdk.CanUseToolFunc, prompts <-chan sdk.UserMessage) (CliStream, error)

// Manager is the single-writer actor owning every routing table. One
// goroutine drains the mailbox; every state mutation happens there, which
// is what holds the cross-table invariants together without locks.
type Manager struct {
	mailbox chan managerMsg

	conns        map[uint32]WsWriter // connID → writer
	chatConns    map[ChatID]uint32   // chat → connection
	chatSessions map[ChatID]*session // chat → bound session
	sessionIDs   map[string]*session // child-issued session ID → session
	cliSessions  map[uint32]*session // internal cli ID → session

	nextCliID uint32

	spawn      spawnFunc
	sessionTTL time.Duration
}

// NewManager creates the manager. Call Run to start the actor loop.
func NewManager() *Manager {
	return &Manager{
		mailbox:      make(chan managerMsg, 1024),
		conns:        make(map[uint32]WsWriter),
		chatConns:    make(map[ChatID]uint32),
		chatSessions: make(map[ChatID]*session),
		sessionIDs:   make(map[string]*session),
		cliSessions:  make(map[uint32]*session),
		spawn:        spawnClaude,
		sessionTTL:   config.Get().SessionTTL,
	}
}

// spawnClaude is the production spawner.
func spawnClaude(options StartChatOptions, callback sdk.CanUseToolFunc, prompts <-chan sdk.UserMessage) (CliStream, error) {
	return sdk.Query(context.Background(), sdk.StreamPrompt(prompts), sdk.ClaudeCodeOptions{
		WorkingDir:     options.WorkDir,
		PermissionMode: options.Mode,
		Resume:         options.Resume,
		CanUseTool:     callback,
	})
}

// Handle returns the thread-safe request surface of the manager.
func (m *Manager) Handle() Handle {
	return Handle{mailbox: m.mailbox}
}

// Run drains the mailbox until ctx is cancelled, then stops every
// session. It also drives the periodic idle sweep.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(config.Get().CleanupInterval)
	defer ticker.Stop()

	log.Info().Msg("chat manager running")

	for {
		select {
		case msg := <-m.mailbox:
			m.handleMsg(msg)
		case <-ticker.C:
			m.cleanSessions()
		case <-ctx.Done():
			log.Info().Int("sessions", len(m.cliSessions)).Msg("chat manager shutting down")
			for _, sess := range m.cliSessions {
				m.removeSession(sess, false)
			}
			return
		}
	}
}

func (m *Manager) handleMsg(msg managerMsg) {
	switch v := msg.(type) {
	case msgNewConnect:
		log.Debug().Uint32("connId", v.ConnID).Msg("connection registered")
		m.conns[v.ConnID] = v.Writer

	case msgConnectionClosed:
		m.handleConnectionClosed(v.ConnID)

	case msgClientMessage:
		m.handleClientMessage(v.ConnID, v.Msg)

	case msgCliMessage:
		m.handleCliMessage(v.CliID, v.Data)

	case msgSessionExited:
		m.handleSessionExited(v.CliID)

	case msgStartChat:
		records, bizErr, err := m.startChat(v.Options)
		v.Reply <- startChatResult{Records: records, BizErr: bizErr, Err: err}

	case msgGetSessionsByWorkDir:
		v.Reply <- m.sessionsByWorkDir(v.WorkDir)

	case msgGetClaudeInfo:
		// Touches no shared state; run off the actor so a slow handshake
		// does not stall routing.
		go func() {
			info, err := probeClaudeInfo(v.WorkDir)
			v.Reply <- claudeInfoResult{Info: info, Err: err}
		}()

	case msgCleanSessions:
		m.cleanSessions()
	}
}

// handleConnectionClosed removes the writer and every chat registration
// pointing at it. Bound sessions keep running; their subscribers are
// simply absent until the chat re-registers, and messages accumulate as
// lag in the meantime.
func (m *Manager) handleConnectionClosed(connID uint32) {
	log.Debug().Uint32("connId", connID).Msg("connection closed")
	delete(m.conns, connID)
	for chatID, cid := range m.chatConns {
		if cid == connID {
			delete(m.chatConns, chatID)
		}
	}
}

func (m *Manager) handleClientMessage(connID uint32, msg ClientMessage) {
	chatID := msg.ChatID
	log.Debug().Uint32("connId", connID).Str("chatId", chatID).Str("kind", msg.Data.Kind).Msg("client message")

	switch msg.Data.Kind {
	case ClientRegister:
		m.registerChat(connID, chatID)

	case ClientUserInput:
		sess := m.chatSessions[chatID]
		if sess == nil {
			m.reportError(connID, chatID, "no session bound to this chat")
			return
		}
		sess.records = append(sess.records, MessageRecord{
			Timestamp: time.Now(),
			Kind:      RecordUserInput,
			Payload:   mustJSON(msg.Data.Content),
		})
		sess.lastActivity = time.Now()
		prompthub.Get().Add(msg.Data.Content, sess.workDir)
		m.forwardToSession(connID, chatID, cmdUserInput{Content: msg.Data.Content})

	case ClientPermissionResp:
		if msg.Data.Permission == nil {
			m.reportError(connID, chatID, "permission_resp without permission payload")
			return
		}
		if sess := m.chatSessions[chatID]; sess != nil {
			sess.records = append(sess.records, MessageRecord{
				Timestamp: time.Now(),
				Kind:      RecordPermissionResp,
				Payload:   mustJSON(msg.Data.Permission),
			})
			sess.lastActivity = time.Now()
		}
		m.forwardToSession(connID, chatID, cmdPermissionResp{Result: msg.Data.Permission})

	case ClientSetMode:
		m.forwardToSession(connID, chatID, cmdSetMode{Mode: msg.Data.Mode})

	case ClientSetModel:
		m.forwardToSession(connID, chatID, cmdSetModel{Model: msg.Data.Model})

	case ClientGetInfo:
		m.forwardToSession(connID, chatID, cmdGetInfo{})

	case ClientInterrupt:
		m.forwardToSession(connID, chatID, cmdInterrupt{})

	case ClientStopSession:
		sess := m.chatSessions[chatID]
		if sess == nil {
			m.reportError(connID, chatID, "no session bound to this chat")
			return
		}
		m.removeSession(sess, false)

	case ClientStartChat:
		options := StartChatOptions{ChatID: chatID}
		if msg.Data.Start != nil {
			options = *msg.Data.Start
			options.ChatID = chatID
		}
		if _, bizErr, err := m.startChat(options); bizErr != nil {
			m.reportError(connID, chatID, bizErr.Error())
		} else if err != nil {
			m.reportError(connID, chatID, fmt.Sprintf("cannot start chat: %v", err))
		}

	default:
		m.reportError(connID, chatID, "unknown message kind: "+msg.Data.Kind)
	}
}

// registerChat binds the chat to the connection. If the chat is already
// bound to a session with lag, the gap is replayed through the new
// writer in original order, skipping inbound-only records.
func (m *Manager) registerChat(connID uint32, chatID ChatID) {
	m.chatConns[chatID] = connID

	sess := m.chatSessions[chatID]
	if sess == nil || sess.lagCount == 0 {
		return
	}
	writer := m.conns[connID]
	if writer == nil {
		return
	}

	var lagged []*MessageRecord
	for i := range sess.records {
		if sess.records[i].replayable() {
			lagged = append(lagged, &sess.records[i])
		}
	}
	if sess.lagCount < len(lagged) {
		lagged = lagged[len(lagged)-sess.lagCount:]
	}

	log.Info().Str("chatId", chatID).Int("count", len(lagged)).Msg("replaying lagged messages")
	for i, record := range lagged {
		if err := writer.Send(ServerMessage{ChatID: chatID, Data: record.toServerData()}); err != nil {
			// next replay picks up where this one stopped
			sess.lagCount = len(lagged) - i
			log.Warn().Err(err).Str("chatId", chatID).Int("remaining", sess.lagCount).Msg("replay interrupted")
			return
		}
	}
	sess.lagCount = 0
}

// handleCliMessage caches an outbound message and delivers it to the
// session's subscriber, counting lag when nobody can receive it.
func (m *Manager) handleCliMessage(cliID uint32, data ServerData) {
	sess := m.cliSessions[cliID]
	if sess == nil {
		log.Debug().Uint32("cliId", cliID).Msg("message from removed session, dropping")
		return
	}
	sess.lastActivity = time.Now()

	// first sight of the child-issued session ID completes the routing tables
	if data.Kind == ServerClaude && sess.sessionID == "" {
		if sid := extractSessionID(data.Claude); sid != "" {
			if other, ok := m.sessionIDs[sid]; ok && other != sess {
				log.Warn().Str("sessionId", sid).Msg("session ID already mapped to another live session, remapping")
			}
			sess.sessionID = sid
			m.sessionIDs[sid] = sess
			log.Info().Uint32("cliId", cliID).Str("sessionId", sid).Msg("session ID assigned")
		}
	}

	record := recordOf(data, time.Now())
	if record != nil {
		sess.records = append(sess.records, *record)
	}

	// only cached kinds count as lag; they are what replay can recover
	missed := func() {
		if record != nil {
			sess.lagCount++
		}
	}

	if sess.subscriber == "" {
		missed()
		return
	}
	connID, ok := m.chatConns[sess.subscriber]
	if !ok {
		missed()
		return
	}
	writer := m.conns[connID]
	if writer == nil {
		missed()
		return
	}
	if err := writer.Send(ServerMessage{ChatID: sess.subscriber, Data: data}); err != nil {
		log.Warn().Err(err).Str("chatId", sess.subscriber).Msg("writer failed, counting lag")
		missed()
	}
}

// handleSessionExited cleans up after a child that died on its own (not
// via stop): the subscriber gets a terminal error and the session is
// removed.
func (m *Manager) handleSessionExited(cliID uint32) {
	sess := m.cliSessions[cliID]
	if sess == nil {
		return
	}
	log.Warn().Uint32("cliId", cliID).Str("sessionId", sess.sessionID).Msg("claude exited unexpectedly")
	m.notifySubscriber(sess, ErrorData("claude exited unexpectedly"))
	m.removeSession(sess, false)
}

// removeSession tears a session out of every table, stops its actor, and
// optionally tells the subscriber the chat is gone.
func (m *Manager) removeSession(sess *session, notify bool) {
	if notify {
		m.notifySubscriber(sess, ChatRemovedData())
	}

	delete(m.cliSessions, sess.cliID)
	if sess.sessionID != "" && m.sessionIDs[sess.sessionID] == sess {
		delete(m.sessionIDs, sess.sessionID)
	}
	for chatID, bound := range m.chatSessions {
		if bound == sess {
			delete(m.chatSessions, chatID)
		}
	}

	// non-blocking: the actor may already be gone
	select {
	case sess.mailbox <- cmdStop{}:
	default:
	}

	log.Info().Uint32("cliId", sess.cliID).Str("sessionId", sess.sessionID).Msg("session removed")
}

func (m *Manager) notifySubscriber(sess *session, data ServerData) {
	if sess.subscriber == "" {
		return
	}
	connID, ok := m.chatConns[sess.subscriber]
	if !ok {
		return
	}
	if writer := m.conns[connID]; writer != nil {
		if err := writer.Send(ServerMessage{ChatID: sess.subscriber, Data: data}); err != nil {
			log.Debug().Err(err).Str("chatId", sess.subscriber).Msg("subscriber notify failed")
		}
	}
}

func (m *Manager) forwardToSession(connID uint32, chatID ChatID, cmd sessionCommand) {
	sess := m.chatSessions[chatID]
	if sess == nil {
		log.Info().Str("chatId", chatID).Msg("no session for chat")
		m.reportError(connID, chatID, "no session bound to this chat")
		return
	}
	sess.mailbox <- cmd
}

func (m *Manager) reportError(connID uint32, chatID ChatID, errMsg string) {
	writer := m.conns[connID]
	if writer == nil {
		return
	}
	if err := writer.Send(ServerMessage{ChatID: chatID, Data: ErrorData(errMsg)}); err != nil {
		log.Debug().Err(err).Uint32("connId", connID).Msg("error report failed")
	}
}

// startChat drives the start/resume state machine. The chat must already
// be registered on a connection.
func (m *Manager) startChat(options StartChatOptions) ([]MessageRecord, *BizError, error) {
	log.Debug().
		Str("chatId", options.ChatID).
		Str("workDir", options.WorkDir).
		Str("resume", options.Resume).
		Str("config", options.ConfigName).
		Msg("start chat")

	if _, ok := m.chatConns[options.ChatID]; !ok {
		return nil, ErrChatNotRegistered, nil
	}

	// resume of a session that is still live: swap subscribers
	if options.Resume != "" {
		if sess, ok := m.sessionIDs[options.Resume]; ok {
			return m.resumeActive(sess, options), nil, nil
		}
	}

	var seed []MessageRecord
	if options.Resume != "" {
		entries, err := transcript.LoadSession(options.Resume, options.WorkDir)
		if err != nil {
			return nil, ErrSessionNotFound.withTip(options.Resume), nil
		}
		for _, entry := range entries {
			ts := entry.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			seed = append(seed, MessageRecord{Timestamp: ts, Kind: RecordCliData, Payload: entry.Raw})
		}
	}

	sess, bizErr, err := m.buildSession(options)
	if bizErr != nil || err != nil {
		return nil, bizErr, err
	}
	sess.records = seed
	sess.sessionID = options.Resume
	if sess.sessionID != "" {
		m.sessionIDs[sess.sessionID] = sess
	}

	// rebind the chat if it pointed at another session
	if old := m.chatSessions[options.ChatID]; old != nil && old != sess {
		old.subscriber = ""
	}
	m.chatSessions[options.ChatID] = sess
	sess.subscriber = options.ChatID

	records := make([]MessageRecord, len(sess.records))
	copy(records, sess.records)
	return records, nil, nil
}

// resumeActive attaches the requesting chat to a live session, detaching
// and notifying the previous subscriber, and returns the full cache.
func (m *Manager) resumeActive(sess *session, options StartChatOptions) []MessageRecord {
	if sess.subscriber != "" && sess.subscriber != options.ChatID {
		m.notifySubscriber(sess, ChatRemovedData())
		delete(m.chatSessions, sess.subscriber)
	}

	m.chatSessions[options.ChatID] = sess
	sess.subscriber = options.ChatID
	sess.lagCount = 0
	sess.lastActivity = time.Now()

	if options.Mode != "" {
		sess.mailbox <- cmdSetMode{Mode: options.Mode}
	}

	log.Info().Str("chatId", options.ChatID).Str("sessionId", sess.sessionID).Msg("resumed active session")

	records := make([]MessageRecord, len(sess.records))
	copy(records, sess.records)
	return records
}

// buildSession spawns a transport and its session actor. When a settings
// profile is named it is installed around the spawn and restored after.
func (m *Manager) buildSession(options StartChatOptions) (*session, *BizError, error) {
	var restore func()
	if options.ConfigName != "" {
		r, err := setting.InstallProfile(options.ConfigName)
		if err != nil {
			return nil, ErrConfigNotFound.withTip(options.ConfigName), nil
		}
		restore = r
	}

	m.nextCliID++
	cliID := m.nextCliID

	prompts := make(chan sdk.UserMessage, 64)
	mailbox := make(chan sessionCommand, 256)
	actor := newSessionActor(cliID, mailbox, m.mailbox, prompts)

	stream, err := m.spawn(options, actor.permissionCallback(), prompts)
	if restore != nil {
		restore()
	}
	if err != nil {
		return nil, nil, err
	}

	go actor.run(stream)

	sess := &session{
		cliID:        cliID,
		workDir:      options.WorkDir,
		createdAt:    time.Now(),
		lastActivity: time.Now(),
		mailbox:      mailbox,
	}
	m.cliSessions[cliID] = sess

	log.Info().Uint32("cliId", cliID).Str("workDir", options.WorkDir).Msg("claude session spawned")
	return sess, nil, nil
}

func (m *Manager) sessionsByWorkDir(workDir string) []SessionBrief {
	var briefs []SessionBrief
	for _, sess := range m.cliSessions {
		if sess.workDir != workDir || sess.sessionID == "" {
			continue
		}
		brief := SessionBrief{
			SessionID:    sess.sessionID,
			WorkDir:      sess.workDir,
			CreatedAt:    sess.createdAt,
			LastActivity: sess.lastActivity,
			MessageCount: len(sess.records),
		}
		for i := len(sess.records) - 1; i >= 0; i-- {
			if sess.records[i].Kind == RecordUserInput {
				var content string
				if json.Unmarshal(sess.records[i].Payload, &content) == nil {
					brief.LastUserInput = content
				}
				break
			}
		}
		briefs = append(briefs, brief)
	}
	return briefs
}

// cleanSessions stops every session idle past the TTL. Subscribers (if
// connected) learn about it through chat_removed.
func (m *Manager) cleanSessions() {
	ttl := m.sessionTTL
	cutoff := time.Now().Add(-ttl)

	var expired []*session
	for _, sess := range m.cliSessions {
		if sess.lastActivity.Before(cutoff) {
			expired = append(expired, sess)
		}
	}
	for _, sess := range expired {
		log.Info().Uint32("cliId", sess.cliID).Str("sessionId", sess.sessionID).Dur("ttl", ttl).Msg("idle session expired")
		m.removeSession(sess, true)
	}
}

// probeClaudeInfo spawns a disposable transport just to run the
// initialize handshake, then drops it.
func probeClaudeInfo(workDir string) (*sdk.SysInfo, error) {
	prompts := make(chan sdk.UserMessage)

	stream, err := sdk.Query(context.Background(), sdk.StreamPrompt(prompts), sdk.ClaudeCodeOptions{
		WorkingDir: workDir,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Stop()
	defer close(prompts)

	commands, err := stream.SupportedCommands()
	if err != nil {
		return nil, err
	}
	models, err := stream.SupportedModels()
	if err != nil {
		return nil, err
	}
	return &sdk.SysInfo{Commands: commands, Models: models}, nil
}

// extractSessionID pulls session_id out of a raw CLI message.
func extractSessionID(raw json.RawMessage) string {
	var envelope struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ""
	}
	return envelope.SessionID
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}
