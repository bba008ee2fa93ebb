package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "semcontrol.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/semcontrol"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// UserDataDir holds the default SQLite database
	UserDataDir = ".local/share/semcontrol"
	// DefaultDatabaseFile is the SQLite file name used when storage.path is unset
	DefaultDatabaseFile = "semcontrol.db"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
	// workDir overrides the directory the project config search starts from
	workDir string
	// homeDir overrides the user's home directory
	homeDir string
}

// NewLoader returns a Loader; a nil logger means slog.Default().
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load starts from DefaultConfig and merges, in order, the user config
// (~/.config/semcontrol/config.yaml) and the nearest semcontrol.yaml found
// walking up from the working directory. Later layers win field by field.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	layers := []struct {
		kind     string
		path     string
		optional bool
	}{
		{"user", l.userConfigPath(), true},
		{"project", l.findProjectConfig(), false},
	}
	for _, layer := range layers {
		if layer.path == "" {
			l.logger.Debug("Config layer not present", "layer", layer.kind)
			continue
		}
		overlay, err := loadLayer(layer.path)
		switch {
		case err == nil:
			cfg.Merge(overlay)
			l.logger.Debug("Merged config layer", "layer", layer.kind, "path", layer.path)
		case layer.optional && errors.Is(err, fs.ErrNotExist):
		default:
			l.logger.Warn("Skipping unreadable config layer", "layer", layer.kind, "path", layer.path, "error", err)
		}
	}

	if cfg.Storage.Backend == BackendSQLite && cfg.Storage.Path == "" {
		if home := l.home(); home != "" {
			cfg.Storage.Path = filepath.Join(home, UserDataDir, DefaultDatabaseFile)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureUserConfig writes DefaultConfig to the user config path unless a
// file is already there.
func (l *Loader) EnsureUserConfig() error {
	path := l.userConfigPath()
	if path == "" {
		return errors.New("cannot resolve home directory")
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := DefaultConfig().SaveToFile(path); err != nil {
		return err
	}
	l.logger.Info("Wrote default user config", "path", path)
	return nil
}

// loadLayer reads a config file without defaults so that only the values
// it sets take part in Merge.
func loadLayer(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	layer := &Config{}
	if err := yaml.Unmarshal(data, layer); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return layer, nil
}

func (l *Loader) home() string {
	if l.homeDir != "" {
		return l.homeDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home := l.home()
	if home == "" {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig returns the first semcontrol.yaml found from workDir (or
// the process working directory) up to the filesystem root, or "".
func (l *Loader) findProjectConfig() string {
	dir := l.workDir
	if dir == "" {
		var err error
		if dir, err = os.Getwd(); err != nil {
			return ""
		}
	}

	for prev := ""; dir != prev; prev, dir = dir, filepath.Dir(dir) {
		candidate := filepath.Join(dir, ProjectConfigFile)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}
