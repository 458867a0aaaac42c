package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"optrack/driver-agent/internal/agentclient"
	"optrack/driver-agent/internal/config"
)

type rootOptions struct {
	configPath string
	agentAddr  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:          "optrack",
		Short:        "Driver operational tracking agent",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/optrack/config.toml)")
	rootCmd.PersistentFlags().StringVar(&opts.agentAddr, "agent", "", "agent address (default from http_addr)")

	rootCmd.AddCommand(
		newServeCommand(opts),
		newLoginCommand(opts),
		newLogoutCommand(opts),
		newPressCommand(opts),
		newSyncCommand(opts),
		newStatusCommand(opts),
		newRestartLocationCommand(opts),
	)
	return rootCmd
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func (o *rootOptions) client() (*agentclient.Client, error) {
	addr := strings.TrimSpace(o.agentAddr)
	if addr == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.AgentURL()
	}
	return agentclient.NewClient(addr)
}

func logLevel(level string) slog.Leveler {
	var lvl slog.Level

	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	lv := new(slog.LevelVar)
	lv.Set(lvl)
	return lv
}
