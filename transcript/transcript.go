// Package transcript reads the Claude CLI's on-disk session logs.
//
// The CLI appends one JSON object per line to
// ${CLAUDE_CONFIG_DIR:-~/.claude}/projects/<project-id>/<sessionID>.jsonl,
// where project-id is the canonicalized working directory. This package
// turns those files back into cache records for session resume and into
// summaries for the session list.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liuzsen/niu-code/config"
	"github.com/liuzsen/niu-code/log"
)

// Entry is one replayable line of a session transcript.
type Entry struct {
	Type      string          // "user" or "assistant"
	SessionID string
	UUID      string
	Timestamp time.Time
	Raw       json.RawMessage // full original line
}

// SessionInfo summarizes one on-disk session for listing.
type SessionInfo struct {
	SessionID     string    `json:"session_id"`
	LastUserInput string    `json:"last_user_input"`
	LastActivity  time.Time `json:"last_activity"`
	MessageCount  int       `json:"message_count"`
}

// line is the loosely-typed shape of a transcript line. Only the fields
// the host needs are decoded; Raw keeps the rest.
type line struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	UUID      string          `json:"uuid"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

// ProjectDir maps a working directory to its transcript directory.
// The CLI canonicalizes the path and replaces every path separator,
// colon, and dot with a hyphen.
func ProjectDir(workDir string) string {
	canonical, err := filepath.Abs(workDir)
	if err != nil {
		canonical = workDir
	}
	if resolved, err := filepath.EvalSymlinks(canonical); err == nil {
		canonical = resolved
	}

	projectID := strings.NewReplacer("/", "-", "\\", "-", ":", "-", ".", "-").Replace(canonical)
	return filepath.Join(config.Get().ClaudeConfigDir, "projects", projectID)
}

// LoadSession reads one session transcript and returns its replayable
// entries. Only user and assistant lines are promoted; summaries,
// file-history snapshots, and system lines are filtered out.
func LoadSession(sessionID, workDir string) ([]Entry, error) {
	path := filepath.Join(ProjectDir(workDir), sessionID+".jsonl")
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var l line
		if err := json.Unmarshal([]byte(text), &l); err != nil {
			log.Warn().Err(err).Int("line", lineNum).Str("sessionId", sessionID).Msg("skipping unparseable transcript line")
			continue
		}
		if l.Type != "user" && l.Type != "assistant" {
			continue
		}

		raw := make(json.RawMessage, len(text))
		copy(raw, text)
		entry := Entry{
			Type:      l.Type,
			SessionID: l.SessionID,
			UUID:      l.UUID,
			Raw:       raw,
		}
		if ts, err := time.Parse(time.RFC3339, l.Timestamp); err == nil {
			entry.Timestamp = ts
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	return entries, nil
}

// LoadSessionInfos summarizes every transcript under workDir's project
// directory. Files are parsed concurrently; a missing project directory
// yields an empty list.
func LoadSessionInfos(workDir string) ([]SessionInfo, error) {
	dir := ProjectDir(workDir)
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read project dir: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(8)

	infos := make([]SessionInfo, len(dirEntries))
	valid := make([]bool, len(dirEntries))
	for i, de := range dirEntries {
		i, de := i, de
		if de.IsDir() || filepath.Ext(de.Name()) != ".jsonl" {
			continue
		}
		g.Go(func() error {
			info, err := summarize(filepath.Join(dir, de.Name()))
			if err != nil {
				log.Warn().Err(err).Str("file", de.Name()).Msg("skipping unreadable transcript")
				return nil
			}
			infos[i] = info
			valid[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make([]SessionInfo, 0, len(dirEntries))
	for i := range infos {
		if valid[i] {
			result = append(result, infos[i])
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActivity.After(result[j].LastActivity)
	})
	return result, nil
}

// summarize extracts the session ID, last user input, message count, and
// last activity from one transcript file.
func summarize(path string) (SessionInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return SessionInfo{}, err
	}
	defer file.Close()

	info := SessionInfo{
		SessionID: strings.TrimSuffix(filepath.Base(path), ".jsonl"),
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var l line
		if err := json.Unmarshal([]byte(text), &l); err != nil {
			continue
		}
		if l.Type != "user" && l.Type != "assistant" {
			continue
		}
		info.MessageCount++
		if ts, err := time.Parse(time.RFC3339, l.Timestamp); err == nil && ts.After(info.LastActivity) {
			info.LastActivity = ts
		}
		if l.Type == "user" {
			if content := userContent(l.Message); content != "" {
				info.LastUserInput = content
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return SessionInfo{}, err
	}
	if stat, err := file.Stat(); err == nil && info.LastActivity.IsZero() {
		info.LastActivity = stat.ModTime()
	}

	return info, nil
}

// userContent pulls the plain-text content out of a user message body.
// Tool results and block arrays are not user prompts; those return "".
func userContent(message json.RawMessage) string {
	var body struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(message, &body); err != nil {
		return ""
	}
	var text string
	if err := json.Unmarshal(body.Content, &text); err != nil {
		return ""
	}
	return text
}
