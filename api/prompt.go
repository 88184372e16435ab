package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/liuzsen/niu-code/log"
	"github.com/liuzsen/niu-code/prompthub"
)

// PromptStream handles GET /api/prompt/stream: an SSE feed that replays
// the prompt history and then follows new prompts as they are recorded.
func (h *Handlers) PromptStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		respondSystemError(c, fmt.Errorf("streaming unsupported"))
		return
	}

	// room for the whole history replay, which runs before the loop below
	events := make(chan prompthub.Record, prompthub.MaxPrompts+64)
	done := c.Request.Context().Done()

	prompthub.Get().AddListener(func(record prompthub.Record) error {
		select {
		case events <- record:
			return nil
		case <-done:
			return fmt.Errorf("client gone")
		default:
			return fmt.Errorf("client too slow")
		}
	})

	for {
		select {
		case record := <-events:
			data, err := json.Marshal(record)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
				log.Debug().Err(err).Msg("prompt SSE write failed")
				return
			}
			flusher.Flush()
		case <-done:
			return
		case <-h.shutdownCtx.Done():
			return
		}
	}
}

// PromptHistory handles GET /api/prompt/history.
func (h *Handlers) PromptHistory(c *gin.Context) {
	respondOK(c, prompthub.Get().All())
}
