package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"marketchat/internal/config"
)

const serviceName = "marketchat"

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install or remove marketchat as a systemd service",
	}

	var system bool
	install := &cobra.Command{
		Use:   "install",
		Short: "Write a systemd unit that runs 'marketchat serve'",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runtime.GOOS != "linux" {
				return fmt.Errorf("unsupported OS: %s (systemd units are linux only)", runtime.GOOS)
			}
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			cfgPath, err := filepath.Abs(resolveConfigPath())
			if err != nil {
				return err
			}

			unitPath, err := unitFilePath(system)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(unitPath, []byte(renderUnit(execPath, cfgPath, system)), 0o644); err != nil {
				return err
			}

			ctl := systemctl(system)
			fmt.Printf("Service installed: %s\n", unitPath)
			fmt.Printf("To start:  %s start %s\n", ctl, serviceName)
			fmt.Printf("To enable: %s enable %s\n", ctl, serviceName)
			fmt.Printf("To stop:   %s stop %s\n", ctl, serviceName)
			return nil
		},
	}
	install.Flags().BoolVar(&system, "system", false, "install a system unit in /etc/systemd/system instead of a user unit")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the systemd unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			unitPath, err := unitFilePath(system)
			if err != nil {
				return err
			}
			if err := os.Remove(unitPath); err != nil {
				return fmt.Errorf("remove unit: %w", err)
			}
			fmt.Printf("Service uninstalled: %s\n", unitPath)
			return nil
		},
	}
	uninstall.Flags().BoolVar(&system, "system", false, "remove the system unit")

	cmd.AddCommand(install, uninstall)
	return cmd
}

func unitFilePath(system bool) (string, error) {
	if system {
		return filepath.Join("/etc/systemd/system", serviceName+".service"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "systemd", "user", serviceName+".service"), nil
}

func systemctl(system bool) string {
	if system {
		return "systemctl"
	}
	return "systemctl --user"
}

// renderUnit fills the unit template. A .env file in the config directory is
// passed to the service when present.
func renderUnit(execPath, cfgPath string, system bool) string {
	target := "default.target"
	if system {
		target = "multi-user.target"
	}
	r := strings.NewReplacer(
		"{{EXEC}}", execPath,
		"{{CONFIG}}", cfgPath,
		"{{ENVFILE}}", filepath.Join(filepath.Dir(cfgPath), ".env"),
		"{{ENVVAR}}", config.EnvJWTSecret,
		"{{TARGET}}", target,
	)
	return r.Replace(systemdTemplate)
}

const systemdTemplate = `[Unit]
Description=marketchat gateway
After=network.target

[Service]
Type=simple
ExecStart={{EXEC}} serve --config {{CONFIG}}
# {{ENVVAR}} may be provided here instead of in the config file.
EnvironmentFile=-{{ENVFILE}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy={{TARGET}}
`
