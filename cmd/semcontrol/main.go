// Package main provides the semcontrol binary entry point.
// Semcontrol is a task-and-agent control plane: it tracks tasks through
// their lifecycle, keeps agent status consistent with task state, and runs
// planning conversations with an external agent runtime.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	semconfig "github.com/c360studio/semcontrol/config"
	"github.com/c360studio/semcontrol/llm"
	planningmonitor "github.com/c360studio/semcontrol/processor/planning-monitor"
	taskapi "github.com/c360studio/semcontrol/processor/task-api"
	"github.com/c360studio/semcontrol/workflow"
	"github.com/c360studio/semstreams/config"
	"github.com/c360studio/semstreams/types"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semcontrol"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		_, _ = color.New(color.FgRed, color.Bold).Fprint(os.Stderr, "Error: ")
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		envFile    string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Task and agent control plane",
		Long: `Semcontrol tracks tasks through their lifecycle and keeps agent
status consistent with the work assigned to them.

It provides:
- Task lifecycle with a master-agent approval gate
- Agent status derived from in-progress work
- Multi-round planning conversations with an agent runtime
- Dispatch notifications when a task is assigned

Without --config, settings come from ~/.config/semcontrol/config.yaml and
semcontrol.yaml in the working directory or its parents.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, envFile)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Platform config file path (JSON)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before config (ignored if missing)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	cmd.AddCommand(extractCmd())
	cmd.AddCommand(initConfigCmd())

	return cmd
}

// extractCmd prints the JSON object embedded in agent text read from stdin.
func extractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Extract the JSON object embedded in agent text from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runExtract(in io.Reader, out io.Writer) error {
	data, err := io.ReadAll(io.LimitReader(in, llm.MaxExtractInput+1))
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	obj, ok := llm.ExtractObject(string(data))
	if !ok {
		return fmt.Errorf("no JSON object found")
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(obj)
}

// initConfigCmd writes the default user config if none exists.
func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Create ~/.config/semcontrol/config.yaml with defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return semconfig.NewLoader(slog.Default()).EnsureUserConfig()
		},
	}
}

func run(configPath, logLevel, envFile string) error {
	printBanner()

	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	// Variables already set in the environment win over the file.
	if loaded, err := loadEnvFile(envFile); err != nil {
		return fmt.Errorf("load env file: %w", err)
	} else if loaded {
		logger.Debug("Loaded environment file", "path", envFile)
	}

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := startNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer node.close()

	logger.Info("Semcontrol running", "version", Version, "org", node.platform.Org, "platform", node.platform.Platform)
	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func printBanner() {
	frame := color.New(color.FgCyan)
	title := color.New(color.FgCyan, color.Bold)
	frame.Println("╔═══════════════════════════════════════════════╗")
	title.Println("║            Semcontrol v" + Version + "                  ║")
	frame.Println("║       Task and Agent Control Plane            ║")
	frame.Println("╚═══════════════════════════════════════════════╝")
}

// loadEnvFile loads path into the process environment without overriding
// existing variables. A missing file is not an error.
func loadEnvFile(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		return false, err
	}
	return true, nil
}

// loadConfig reads the platform config from configPath, or builds one from
// the layered YAML settings when no path is given.
func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath != "" {
		return loadConfigWithEnvSubstitution(configPath)
	}

	settings, err := semconfig.NewLoader(logger).Load()
	if err != nil {
		return nil, err
	}
	return buildDefaultConfig(settings)
}

// loadConfigWithEnvSubstitution reads a config file and expands environment
// variables before parsing. Supports ${VAR} and ${VAR:-default} syntax.
func loadConfigWithEnvSubstitution(configPath string) (*config.Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := config.ExpandEnvWithDefaults(string(data))

	loader := config.NewLoader()
	return loader.LoadFromBytes([]byte(expanded))
}

// buildDefaultConfig turns semcontrol settings into a platform config that
// runs the task-api and planning-monitor components.
func buildDefaultConfig(settings *semconfig.Config) (*config.Config, error) {
	taskAPIJSON, err := json.Marshal(taskapi.Config{
		Gateway:             settings.Gateway,
		MaxRounds:           settings.Planning.MaxRounds,
		ReplyTimeout:        settings.Planning.ReplyTimeout.String(),
		DefaultOrchestrator: settings.Planning.DefaultOrchestrator,
		WebhookURL:          settings.Dispatch.WebhookURL,
		DispatchTimeout:     settings.Dispatch.Timeout.String(),
		StorageBackend:      settings.Storage.Backend,
		StoragePath:         settings.Storage.Path,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal task-api config: %w", err)
	}

	monitorJSON, err := json.Marshal(planningmonitor.Config{
		CheckInterval:  settings.Planning.CheckInterval.String(),
		StaleAfter:     settings.Planning.StaleAfter.String(),
		StorageBackend: settings.Storage.Backend,
		StoragePath:    settings.Storage.Path,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal planning-monitor config: %w", err)
	}

	// The monitor needs a store shared with the task-api.
	monitorEnabled := settings.Storage.Backend != semconfig.BackendMemory &&
		settings.Planning.StaleAfter > 0 && settings.Planning.CheckInterval > 0

	cfg := &config.Config{
		Version: "1.0.0",
		Platform: config.PlatformConfig{
			Org:         "semcontrol",
			ID:          "semcontrol-local",
			Environment: "dev",
		},
		NATS: config.NATSConfig{
			URLs:          []string{settings.NATS.URL},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			JetStream: config.JetStreamConfig{
				Enabled: true,
			},
		},
		Services: types.ServiceConfigs{},
		Components: config.ComponentConfigs{
			"task-api": types.ComponentConfig{
				Name:    "task-api",
				Type:    types.ComponentTypeProcessor,
				Enabled: true,
				Config:  taskAPIJSON,
			},
			"planning-monitor": types.ComponentConfig{
				Name:    "planning-monitor",
				Type:    types.ComponentTypeProcessor,
				Enabled: monitorEnabled,
				Config:  monitorJSON,
			},
		},
		Streams: config.StreamConfigs{
			workflow.TasksStream: config.StreamConfig{
				Subjects: []string{
					workflow.DispatchSubjectPrefix + ">",
				},
				MaxAge:   "72h",
				Storage:  "file",
				Replicas: 1,
			},
		},
	}

	ensureServiceManagerConfig(cfg, settings.HTTP.Port)
	return cfg, nil
}
