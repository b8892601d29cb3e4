package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"marketchat/internal/config"
	"marketchat/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the marketchat installation",
		Long: `Verifies that the configuration, JWT secret, message database and
listen port are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("marketchat doctor v%s\n\n", version)

			r := &report{}

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'marketchat init' to create a default configuration.\n")
				return r.result()
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.result()
			}
			r.pass("Config validation", "valid")

			if cfg.Auth.JWTSecret == "" {
				r.fail("JWT secret", fmt.Sprintf("not set (config or $%s)", config.EnvJWTSecret))
			} else {
				r.pass("JWT secret", "configured")
			}
			if cfg.Auth.Issuer == "" {
				r.warn("JWT issuer", "not checked (auth.issuer is empty)")
			}

			if st, err := checkDatabase(cfg); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", fmt.Sprintf("%s (%s messages, %s unread, %s products)",
					cfg.Store.DBPath, humanize.Comma(int64(st.Messages)),
					humanize.Comma(int64(st.Unread)), humanize.Comma(int64(st.Products))))
			}

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				r.warn("Listen port", fmt.Sprintf("%d may be in use: %v", cfg.Server.Port, err))
			} else {
				r.pass("Listen port", fmt.Sprintf("%s:%d available", cfg.Server.Host, cfg.Server.Port))
			}

			if len(cfg.Server.AllowedOrigins) == 0 {
				r.warn("Origins", "any origin may connect (server.allowedOrigins is empty)")
			} else {
				r.pass("Origins", fmt.Sprintf("%d allowed", len(cfg.Server.AllowedOrigins)))
			}

			if cfg.Log.File != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.Log.File)
				}
			}

			return r.result()
		},
	}
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *report) result() error {
	fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

// checkDatabase opens the store, which applies pending migrations, and reads its totals.
func checkDatabase(cfg *config.Config) (store.Stats, error) {
	s, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return store.Stats{}, err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout())
	defer cancel()

	if err := s.Ping(ctx); err != nil {
		return store.Stats{}, fmt.Errorf("cannot ping: %w", err)
	}
	return s.Stats(ctx)
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}

// fileAge is a short human description of a file's modification time.
func fileAge(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "missing"
	}
	return humanize.RelTime(info.ModTime(), time.Now(), "ago", "from now")
}
