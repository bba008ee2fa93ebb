package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config describes how to reach the agent runtime.
type Config struct {
	// URL is the runtime's base URL.
	URL string `json:"url" yaml:"url"`

	// TokenEnv names the environment variable holding the bearer token.
	TokenEnv string `json:"token_env,omitempty" yaml:"token_env,omitempty"`

	// SessionsDir is the runtime's sessions directory holding sessions.json
	// and the JSONL transcripts. Empty disables the transcript strategy.
	SessionsDir string `json:"sessions_dir,omitempty" yaml:"sessions_dir,omitempty"`

	// PollInterval is the fixed interval between reply checks (e.g. "2s").
	PollInterval string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`

	// HistoryLimit is how many turns the history strategy requests.
	HistoryLimit int `json:"history_limit,omitempty" yaml:"history_limit,omitempty"`

	// RequestTimeout bounds each HTTP call (e.g. "30s").
	RequestTimeout string `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`

	// Watch enables filesystem nudges for the transcript strategy.
	Watch bool `json:"watch,omitempty" yaml:"watch,omitempty"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("gateway: url is required")
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("gateway: url must be http(s): %s", c.URL)
	}
	if _, err := c.pollInterval(); err != nil {
		return err
	}
	if _, err := c.requestTimeout(); err != nil {
		return err
	}
	return nil
}

func (c *Config) pollInterval() (time.Duration, error) {
	return parseDuration("poll_interval", c.PollInterval, DefaultPollInterval)
}

func (c *Config) requestTimeout() (time.Duration, error) {
	return parseDuration("request_timeout", c.RequestTimeout, 30*time.Second)
}

func parseDuration(field, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("gateway: invalid %s %q", field, value)
	}
	return d, nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Build assembles an Adapter from configuration. The returned watcher is
// nil unless Watch is set; the caller starts and stops it.
func Build(cfg Config, logger *slog.Logger) (*Adapter, *TranscriptWatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	poll, _ := cfg.pollInterval()
	timeout, _ := cfg.requestTimeout()

	opts := []ClientOption{WithLogger(logger), WithHTTPClient(&http.Client{Timeout: timeout})}
	if cfg.TokenEnv != "" {
		opts = append(opts, WithToken(os.Getenv(cfg.TokenEnv)))
	}
	client := NewClient(cfg.URL, opts...)

	var strategies []Strategy
	var watcher *TranscriptWatcher
	if cfg.SessionsDir != "" {
		dir := expandHome(cfg.SessionsDir)
		strategies = append(strategies, NewLogReader(dir))
		if cfg.Watch {
			w, err := NewTranscriptWatcher(dir, logger)
			if err != nil {
				return nil, nil, fmt.Errorf("create transcript watcher: %w", err)
			}
			watcher = w
		}
	}
	strategies = append(strategies, NewHistoryFetcher(client, cfg.HistoryLimit))

	adapterOpts := []AdapterOption{WithPollInterval(poll), WithAdapterLogger(logger)}
	if watcher != nil {
		adapterOpts = append(adapterOpts, WithNudges(watcher.Nudges()))
	}
	return NewAdapter(client, strategies, adapterOpts...), watcher, nil
}
