package api

import (
	"github.com/gin-gonic/gin"

	"github.com/liuzsen/niu-code/setting"
)

// settingSummary exposes profile names without their payloads (profiles
// may hold tokens).
type settingSummary struct {
	Name string `json:"name"`
}

// ClaudeSettings handles GET /api/setting/claude and lists the available
// settings profile names.
func (h *Handlers) ClaudeSettings(c *gin.Context) {
	profiles := setting.Current().ClaudeSettings
	summaries := make([]settingSummary, 0, len(profiles))
	for _, profile := range profiles {
		summaries = append(summaries, settingSummary{Name: profile.Name})
	}
	respondOK(c, summaries)
}
