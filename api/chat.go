package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/liuzsen/niu-code/chat"
	"github.com/liuzsen/niu-code/log"
	"github.com/liuzsen/niu-code/transcript"
)

// StartChat handles POST /api/chat/start. The response data is the
// session's cache records: empty for a new session, the full cache for a
// resumed one.
func (h *Handlers) StartChat(c *gin.Context) {
	var options chat.StartChatOptions
	if err := c.ShouldBindJSON(&options); err != nil {
		respondBadRequest(c, "invalid start chat options")
		return
	}

	records, bizErr, err := h.manager.StartChat(options)
	if bizErr != nil {
		respondBizError(c, bizErr)
		return
	}
	if err != nil {
		respondSystemError(c, err)
		return
	}

	log.Debug().Str("chatId", options.ChatID).Int("records", len(records)).Msg("chat started")
	if records == nil {
		records = []chat.MessageRecord{}
	}
	respondOK(c, records)
}

// unifiedSessionInfo merges transcript-derived and live session views.
type unifiedSessionInfo struct {
	SessionID     string `json:"session_id"`
	LastUserInput string `json:"last_user_input"`
	LastActivity  string `json:"last_activity"`
	MessageCount  int    `json:"message_count"`
	IsActive      bool   `json:"is_active"`
}

// SessionList handles GET /api/chat/sessions?work_dir=. On-disk
// transcripts are listed and flagged active when a live session carries
// the same session ID.
func (h *Handlers) SessionList(c *gin.Context) {
	workDir := c.Query("work_dir")
	if workDir == "" {
		respondBadRequest(c, "work_dir is required")
		return
	}

	fileSessions, err := transcript.LoadSessionInfos(workDir)
	if err != nil {
		respondSystemError(c, err)
		return
	}

	active := make(map[string]bool)
	for _, brief := range h.manager.SessionsByWorkDir(workDir) {
		active[brief.SessionID] = true
	}

	sessions := make([]unifiedSessionInfo, 0, len(fileSessions))
	for _, info := range fileSessions {
		sessions = append(sessions, unifiedSessionInfo{
			SessionID:     info.SessionID,
			LastUserInput: info.LastUserInput,
			LastActivity:  info.LastActivity.Format(time.RFC3339),
			MessageCount:  info.MessageCount,
			IsActive:      active[info.SessionID],
		})
	}
	respondOK(c, sessions)
}

// ClaudeInfo handles GET /api/chat/info?work_dir=. It spawns a throwaway
// CLI instance to learn the supported commands and models.
func (h *Handlers) ClaudeInfo(c *gin.Context) {
	workDir := c.Query("work_dir")
	if workDir == "" {
		respondBadRequest(c, "work_dir is required")
		return
	}

	info, err := h.manager.ClaudeInfo(workDir)
	if err != nil {
		respondSystemError(c, err)
		return
	}
	respondOK(c, info)
}
