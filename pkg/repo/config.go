package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gitconfig "github.com/go-git/go-git/v5/plumbing/format/config"
)

// Config holds the repository settings barehub honors.
type Config struct {
	Bare bool
	// LogAllRefUpdates mirrors core.logAllRefUpdates: when unset it defaults
	// to false for bare repositories and true otherwise.
	LogAllRefUpdates bool
	// LogAlways is set by core.logAllRefUpdates=always.
	LogAlways bool
}

func (r *Repo) configPath() string {
	return filepath.Join(r.GitDir, "config")
}

// ReadConfig decodes the repository's config file. A missing file yields
// the defaults for a bare repository.
func (r *Repo) ReadConfig() (*Config, error) {
	f, err := os.Open(r.configPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{Bare: true}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	defer f.Close()

	raw := gitconfig.New()
	if err := gitconfig.NewDecoder(f).Decode(raw); err != nil {
		return nil, fmt.Errorf("read config: decode: %w", err)
	}

	core := raw.Section("core")
	cfg := &Config{Bare: true}
	if core.HasOption("bare") {
		cfg.Bare = parseGitBool(core.Options.Get("bare"))
	}
	cfg.LogAllRefUpdates = !cfg.Bare
	if core.HasOption("logallrefupdates") {
		v := core.Options.Get("logallrefupdates")
		if strings.EqualFold(strings.TrimSpace(v), "always") {
			cfg.LogAllRefUpdates = true
			cfg.LogAlways = true
		} else {
			cfg.LogAllRefUpdates = parseGitBool(v)
		}
	}
	return cfg, nil
}

func writeConfig(path string, cfg *gitconfig.Config) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := gitconfig.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		return fmt.Errorf("write config: encode: %w", err)
	}
	return f.Close()
}

// parseGitBool follows git's boolean syntax; a key with no value is true.
func parseGitBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "true", "yes", "on", "1":
		return true
	default:
		return false
	}
}
