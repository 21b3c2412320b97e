package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds library-level settings: named remotes, pack tuning, and
// transport timeouts. It lives in TOML at <gitdir>/grit.toml; parsing of
// the canonical config file is a separate concern this library does not
// take on.
type Config struct {
	Remotes map[string]RemoteConfig `toml:"remotes"`

	Pack      PackConfig      `toml:"pack"`
	Transport TransportConfig `toml:"transport"`
}

// RemoteConfig names one remote.
type RemoteConfig struct {
	URL string `toml:"url"`
}

// PackConfig tunes pack generation.
type PackConfig struct {
	// Window is the delta search window size.
	Window int `toml:"window"`
	// Depth caps delta chain length.
	Depth int `toml:"depth"`
	// CompressionLevel is the zlib level for pack entries.
	CompressionLevel int `toml:"compression_level"`
}

// TransportConfig tunes the network carriers.
type TransportConfig struct {
	// TimeoutSeconds bounds dials, git:// socket IO, and HTTP requests;
	// external SSH subprocess IO is not bounded.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration.
func (t TransportConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

func configPath(gitDir string) string {
	return filepath.Join(gitDir, "grit.toml")
}

// LoadConfig reads the repository's grit.toml. A missing file yields the
// zero config.
func LoadConfig(gitDir string) (*Config, error) {
	cfg := &Config{Remotes: make(map[string]RemoteConfig)}
	data, err := os.ReadFile(configPath(gitDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if cfg.Remotes == nil {
		cfg.Remotes = make(map[string]RemoteConfig)
	}
	return cfg, nil
}

// Save atomically writes the config back to grit.toml.
func (c *Config) Save(gitDir string) error {
	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	tmp, err := os.CreateTemp(gitDir, ".grit-toml-*")
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(buf.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpName, configPath(gitDir)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// SetRemote stores or updates a named remote URL.
func (r *Repository) SetRemote(name, url string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("set remote: remote name is required")
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return fmt.Errorf("set remote: remote URL is required")
	}
	r.Config.Remotes[name] = RemoteConfig{URL: url}
	return r.Config.Save(r.GitDir)
}

// RemoteURL resolves a remote name to its URL. A name that parses as a
// URL or path is passed through.
func (r *Repository) RemoteURL(name string) (string, error) {
	if rc, ok := r.Config.Remotes[name]; ok {
		return rc.URL, nil
	}
	if strings.Contains(name, "://") || strings.Contains(name, ":") || strings.Contains(name, "/") {
		return name, nil
	}
	return "", fmt.Errorf("unknown remote %q", name)
}
