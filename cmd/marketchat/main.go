package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"marketchat/internal/auth"
	"marketchat/internal/bus"
	"marketchat/internal/config"
	"marketchat/internal/conversation"
	"marketchat/internal/dispatch"
	"marketchat/internal/gateway"
	"marketchat/internal/metrics"
	"marketchat/internal/registry"
	"marketchat/internal/store"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "marketchat",
		Short: "Marketplace chat gateway",
		Long:  "marketchat serves real-time buyer/seller conversations over WebSocket, backed by a SQLite message log.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file, .json or .yaml (default: ~/.marketchat/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(serviceCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: `Writes a default configuration. The JWT secret is left as a reference
to $MARKETCHAT_JWT_SECRET, which can be set in the environment or a .env file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			cfg := config.Template()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dataDir := filepath.Dir(config.ExpandPath(cfg.Store.DBPath))
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data", dataDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the chat gateway",
		Long:  "Accepts WebSocket connections, persists messages and fans them out to online participants. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = log

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwtSecret is not set (config or $%s)", config.EnvJWTSecret)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	msgStore, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("message store: %w", err)
	}
	defer msgStore.Close()

	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, auth.Options{
		Issuer: cfg.Auth.Issuer,
		Leeway: time.Duration(cfg.Auth.LeewaySeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("token verifier: %w", err)
	}

	events := bus.NewEventBus(logger)
	metrics.Watch(events)

	opts := []conversation.Option{conversation.WithTimeout(cfg.StoreTimeout())}
	if cfg.Chat.CacheConversations {
		opts = append(opts, conversation.WithCache())
	}
	deriver := conversation.New(msgStore, logger, opts...)
	deriver.Watch(events)

	reg := registry.NewLocal()
	dispatcher := dispatch.New(msgStore, reg, events, logger, dispatch.Config{
		StoreTimeout:     cfg.StoreTimeout(),
		MaxContentLength: cfg.Chat.MaxContentLength,
	})

	srv := gateway.NewServer(gatewayConfig(cfg), gateway.Deps{
		Verifier:      verifier,
		Registry:      reg,
		Conversations: deriver,
		Dispatcher:    dispatcher,
		Events:        events,
		Logger:        logger,
	})

	logger.Info("gateway starting", "version", version, "config", cfgPath, "db", cfg.Store.DBPath)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func gatewayConfig(cfg *config.Config) gateway.Config {
	return gateway.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Path:            cfg.Server.Path,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxFrameBytes:   cfg.Server.MaxFrameBytes,
		WriteTimeout:    time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		PongTimeout:     time.Duration(cfg.Server.PongTimeoutSeconds) * time.Second,
		PingInterval:    time.Duration(cfg.Server.PingIntervalSeconds) * time.Second,
		FramesPerMinute: float64(cfg.Chat.FramesPerMinute),
		FrameBurst:      cfg.Chat.FrameBurst,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsPath:     cfg.Metrics.Endpoint,
	}
}

// newLogger builds the process logger from config. The returned func closes
// the log file, if one was opened.
func newLogger(lc config.LogConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	if lc.File != "" {
		if err := os.MkdirAll(filepath.Dir(lc.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("cannot create log directory: %w", err)
		}
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(lc.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), closeFn, nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. server.port)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadForEdit(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. chat.maxContentLength 2000)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if err := config.SetInFile(cfgPath, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadForEdit(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			paths := config.ListPaths(sanitized)
			for _, key := range config.SortedPaths(sanitized) {
				data, _ := json.Marshal(paths[key])
				fmt.Printf("%-34s %s\n", key, data)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
