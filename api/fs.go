package api

import (
	"github.com/gin-gonic/gin"

	"github.com/liuzsen/niu-code/workdir"
)

// Ls handles GET /api/fs/ls?dir= and lists subdirectories for the
// working-directory picker.
func (h *Handlers) Ls(c *gin.Context) {
	dir := c.Query("dir")
	if dir == "" {
		respondBadRequest(c, "dir is required")
		return
	}

	entries, err := workdir.Ls(dir)
	if err != nil {
		respondSystemError(c, err)
		return
	}
	respondOK(c, entries)
}

// Home handles GET /api/fs/home.
func (h *Handlers) Home(c *gin.Context) {
	home, err := workdir.Home()
	if err != nil {
		respondSystemError(c, err)
		return
	}
	respondOK(c, home)
}
