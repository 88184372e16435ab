package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/liuzsen/niu-code/config"
	"github.com/liuzsen/niu-code/log"
	"github.com/liuzsen/niu-code/server"
)

func main() {
	cfg := config.Get()
	log.Info().Int("port", cfg.Port).Str("env", cfg.Env).Msg("starting niu-code")

	checkClaudeCli()

	srv := server.New()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

// checkClaudeCli warns at startup when the claude binary is missing.
// The server still starts; chat functionality will fail until it is
// installed.
func checkClaudeCli() {
	path, err := exec.LookPath("claude")
	if err != nil {
		log.Warn().Msg("claude CLI not found on PATH; install it with: npm install -g @anthropic-ai/claude-code")
		return
	}
	log.Info().Str("path", path).Msg("found claude CLI")
}
