// Package setting manages named Claude settings profiles.
//
// Profiles live in a single JSON file (default
// ~/.config/.niu-code/settings.json) and are hot-reloaded when the file
// changes. A profile can be temporarily installed as the CLI's own
// settings file while a chat is being spawned.
package setting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/liuzsen/niu-code/config"
	"github.com/liuzsen/niu-code/log"
)

const reloadDebounce = 500 * time.Millisecond

// ClaudeSetting is one named settings profile.
type ClaudeSetting struct {
	Name    string          `json:"name"`
	Setting json.RawMessage `json:"setting"`
}

// Setting is the full profile file.
type Setting struct {
	ClaudeSettings []ClaudeSetting `json:"claude_settings"`
}

// Get returns the profile with the given name, or nil.
func (s *Setting) Get(name string) *ClaudeSetting {
	for i := range s.ClaudeSettings {
		if s.ClaudeSettings[i].Name == name {
			return &s.ClaudeSettings[i]
		}
	}
	return nil
}

// defaultSetting ships a single "ccr" profile pointing the CLI at a
// local claude-code-router proxy.
func defaultSetting() *Setting {
	ccr, _ := json.Marshal(map[string]any{
		"env": map[string]string{
			"ANTHROPIC_AUTH_TOKEN": "your-secret-key",
			"ANTHROPIC_BASE_URL":   "http://127.0.0.1:3456",
		},
	})
	return &Setting{
		ClaudeSettings: []ClaudeSetting{{Name: "ccr", Setting: ccr}},
	}
}

var current atomic.Pointer[Setting]

func init() {
	current.Store(defaultSetting())
}

// Current returns the live profile set.
func Current() *Setting {
	return current.Load()
}

// Init loads the profile file and starts the hot-reload watcher.
func Init() {
	current.Store(loadOrDefault())
	go watchLoop()
}

func loadOrDefault() *Setting {
	path := config.Get().SettingsPath

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", path).Msg("settings file not found, using defaults")
		} else {
			log.Error().Err(err).Str("path", path).Msg("cannot read settings file, using defaults")
		}
		return defaultSetting()
	}

	var s Setting
	if err := json.Unmarshal(content, &s); err != nil {
		log.Error().Err(err).Str("path", path).Msg("cannot parse settings file, using defaults")
		return defaultSetting()
	}

	log.Info().Str("path", path).Int("profiles", len(s.ClaudeSettings)).Msg("settings loaded")
	return &s
}

// watchLoop keeps a watcher running on the settings directory, restarting
// after failures.
func watchLoop() {
	path := config.Get().SettingsPath
	log.Info().Str("path", path).Msg("settings watcher started")

	for {
		if err := watch(path); err != nil {
			log.Error().Err(err).Msg("settings watcher failed, retrying in 5s")
		} else {
			log.Error().Msg("settings watcher exited unexpectedly, restarting in 5s")
		}
		time.Sleep(5 * time.Second)
	}
}

func watch(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	var debounce *time.Timer
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create):
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					current.Store(loadOrDefault())
					log.Info().Msg("settings hot reloaded")
				})
			case event.Op.Has(fsnotify.Remove):
				log.Warn().Msg("settings file deleted, using defaults")
				current.Store(defaultSetting())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("settings watcher error")
		}
	}
}

// claudeSettingsPath is the CLI's own settings file.
func claudeSettingsPath() string {
	return filepath.Join(config.Get().ClaudeConfigDir, "settings.json")
}

// InstallProfile writes the named profile as the CLI's settings file and
// returns a restore function that puts the previous file back. The swap
// is not safe for concurrent installs; callers serialize (the manager's
// single actor loop does).
func InstallProfile(name string) (restore func(), err error) {
	profile := Current().Get(name)
	if profile == nil {
		return nil, fmt.Errorf("no settings profile named %q", name)
	}

	target := claudeSettingsPath()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("create claude config dir: %w", err)
	}

	// unique suffix so a stale backup from a crashed install is never clobbered
	backup := target + ".niu-backup-" + uuid.NewString()
	hadOriginal := false
	if _, err := os.Stat(target); err == nil {
		if err := os.Rename(target, backup); err != nil {
			return nil, fmt.Errorf("back up claude settings: %w", err)
		}
		hadOriginal = true
	}

	if err := os.WriteFile(target, profile.Setting, 0o644); err != nil {
		if hadOriginal {
			os.Rename(backup, target)
		}
		return nil, fmt.Errorf("install settings profile: %w", err)
	}

	log.Info().Str("profile", name).Str("path", target).Msg("settings profile installed")

	return func() {
		if hadOriginal {
			if err := os.Rename(backup, target); err != nil {
				log.Error().Err(err).Msg("restore claude settings backup")
			}
		} else if err := os.Remove(target); err != nil {
			log.Warn().Err(err).Msg("remove installed settings profile")
		}
	}, nil
}
