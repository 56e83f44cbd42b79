package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"statdeck/internal/config"
	"statdeck/internal/keyboard"
	"statdeck/internal/serial"
)

var version = "dev"

func main() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "statdeck",
		Short: "Host companion for a USB stats display",
		Long: `statdeck streams host CPU, memory and network usage together with typing
statistics to a USB-serial display. It reconnects the display across sleep
and hot-plug, and restarts the keyboard listener when it stops delivering.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String(FlagConfig, "", "Config file path (default: ~/.config/statdeck/config.yaml)")
	rootCmd.PersistentFlags().String(FlagDataDir, "", "Directory for state, logs and the PID file")
	rootCmd.PersistentFlags().String(FlagLogLevel, "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool(FlagLogConsole, true, "Log to stderr")
	rootCmd.PersistentFlags().Bool(FlagLogFile, true, "Log to a rotated file in the data dir")
	rootCmd.PersistentFlags().Bool(FlagLogJSON, false, "Use JSON console log format")
	rootCmd.PersistentFlags().String(FlagListen, "", "Control server listen address")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}
	runCmd.Flags().String(FlagPort, "", "Serial port to connect on startup")
	runCmd.Flags().Int(FlagBaudRate, 0, "Serial baud rate")
	runCmd.Flags().Bool(FlagAutoConnect, true, "Reconnect to the last used port on startup")
	runCmd.Flags().Bool(FlagServer, true, "Serve the UI WebSocket and control API")
	runCmd.Flags().String(FlagKeyDevice, "", "Keyboard input device (default: all keyboards)")

	portsCmd := &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serial.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("No serial ports found")
				return nil
			}
			for _, p := range ports {
				line := p.Path
				if p.IsUSB {
					line += fmt.Sprintf("\t%s:%s", p.VID, p.PID)
				}
				if p.Product != "" {
					line += "\t" + p.Product
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return printStatus(cmd.Context(), cfg.Server.Listen, os.Stdout)
		},
	}

	backupCmd := &cobra.Command{
		Use:   "backup <file>",
		Short: "Copy the state database while no instance is running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := backupState(cfg.DataDir, args[0], zap.NewNop()); err != nil {
				return err
			}
			fmt.Printf("State written to %s\n", args[0])
			return nil
		},
	}

	listenerCmd := &cobra.Command{
		Use:    "keylistener",
		Short:  "Keyboard listener helper, started by run",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			device, _ := cmd.Flags().GetString(flagDevice)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return keyboard.RunListener(ctx, os.Stdin, os.Stdout, device)
		},
	}
	listenerCmd.Flags().String(flagDevice, "", "Input device path")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("statdeck %s\n", version)
		},
	}

	rootCmd.AddCommand(runCmd, portsCmd, statusCmd, backupCmd, listenerCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig binds the command's flags and resolves the configuration.
// Only flags set explicitly override files and environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.GetViper()
	bind := func(f *pflag.Flag) {
		if f.Name == flagDevice {
			return
		}
		if f.Changed || f.Name == FlagConfig {
			_ = v.BindPFlag(f.Name, f)
		}
	}
	cmd.Flags().VisitAll(bind)
	cmd.InheritedFlags().VisitAll(bind)
	return config.LoadConfig(v)
}

// printStatus queries the control API of a running instance
func printStatus(ctx context.Context, listen string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+listen+"/api/status", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("statdeck not running on %s: %w", listen, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var status map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("invalid status response: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}
