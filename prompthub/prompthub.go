// Package prompthub records user prompts across chats: a bounded
// in-memory history, an append-only JSONL file, and a listener fan-out
// that backs the SSE prompt stream.
package prompthub

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/liuzsen/niu-code/config"
	"github.com/liuzsen/niu-code/log"
)

// MaxPrompts bounds the in-memory history.
const MaxPrompts = 100

// Record is one remembered prompt.
type Record struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	WorkDir   string    `json:"work_dir,omitempty"`
}

// Listener receives new prompts. Returning an error unsubscribes it.
type Listener func(record Record) error

// Hub is the prompt history store.
type Hub struct {
	mu        sync.Mutex
	prompts   []Record
	listeners []Listener
	path      string
}

var (
	hub     *Hub
	hubOnce sync.Once
)

// Get returns the global hub, creating it on first use.
func Get() *Hub {
	hubOnce.Do(func() {
		dir := config.Get().NiuCodeDir
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error().Err(err).Str("dir", dir).Msg("cannot create prompt hub dir")
		}
		hub = newHub(filepath.Join(dir, "prompts.jsonl"))
	})
	return hub
}

// newHub builds a hub backed by the given JSONL file, loading whatever
// history the file already holds.
func newHub(path string) *Hub {
	h := &Hub{path: path}
	if err := h.loadFromFile(); err != nil {
		log.Warn().Err(err).Msg("cannot load prompt history")
	}
	return h
}

// Add records a new prompt, persists it, and notifies listeners.
func (h *Hub) Add(content, workDir string) {
	record := Record{
		Content:   content,
		Timestamp: time.Now().UTC(),
		WorkDir:   workDir,
	}

	h.mu.Lock()
	h.prompts = append(h.prompts, record)
	if len(h.prompts) > MaxPrompts {
		h.prompts = h.prompts[len(h.prompts)-MaxPrompts:]
	}
	h.mu.Unlock()

	if err := h.appendToFile(record); err != nil {
		log.Warn().Err(err).Msg("cannot persist prompt record")
	}

	h.notify(record)
}

// AddListener subscribes a listener and replays the current history to
// it first. A listener that errors during replay is not registered.
func (h *Hub) AddListener(listener Listener) {
	h.mu.Lock()
	history := make([]Record, len(h.prompts))
	copy(history, h.prompts)
	h.mu.Unlock()

	for _, record := range history {
		if err := listener(record); err != nil {
			log.Info().Msg("prompt listener failed during history replay")
			return
		}
	}

	h.mu.Lock()
	h.listeners = append(h.listeners, listener)
	h.mu.Unlock()
}

// All returns a copy of the in-memory history.
func (h *Hub) All() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, len(h.prompts))
	copy(out, h.prompts)
	return out
}

// notify fans a record out to listeners, pruning any that error.
func (h *Hub) notify(record Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kept := h.listeners[:0]
	for _, listener := range h.listeners {
		if err := listener(record); err == nil {
			kept = append(kept, listener)
		}
	}
	h.listeners = kept
}

func (h *Hub) loadFromFile() error {
	file, err := os.Open(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	var prompts []Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(text), &record); err != nil {
			log.Warn().Err(err).Msg("skipping bad prompt record")
			continue
		}
		prompts = append(prompts, record)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if len(prompts) > MaxPrompts {
		prompts = prompts[len(prompts)-MaxPrompts:]
	}
	h.prompts = prompts
	log.Info().Int("count", len(prompts)).Msg("prompt history loaded")
	return nil
}

func (h *Hub) appendToFile(record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("serialize prompt record: %w", err)
	}

	file, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.Write(append(data, '\n'))
	return err
}
