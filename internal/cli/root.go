// Package cli implements the configurun command line client. Every command
// opens a control connection, runs against the synchronized queue mirror,
// and exits; the server keeps all state.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Woutah/configurun/internal/client"
	"github.com/Woutah/configurun/internal/config"
	"github.com/Woutah/configurun/internal/logging"
)

var (
	flagServer    string
	flagPassword  string
	flagName      string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
)

// defaultServer returns the default server address, checking the
// CONFIGURUN_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("CONFIGURUN_SERVER"); s != "" {
		return s
	}
	return fmt.Sprintf("localhost:%d", config.DefaultPort)
}

func password() string {
	if flagPassword != "" {
		return flagPassword
	}
	return os.Getenv("CONFIGURUN_PASSWORD")
}

// NewRootCmd creates the root cobra command for the configurun CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "configurun",
		Short: "configurun is the control client for a configurun run queue server",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Server address (or CONFIGURUN_SERVER env)")
	root.PersistentFlags().StringVar(&flagPassword, "password", "", "Server password (or CONFIGURUN_PASSWORD env)")
	root.PersistentFlags().StringVar(&flagName, "name", "", "Client name shown in server logs")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newAddCmd(),
		newListCmd(),
		newStatusCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newCancelCmd(),
		newRemoveCmd(),
		newMoveCmd(),
		newProcsCmd(),
		newAutoCmd(),
		newLogsCmd(),
	)

	return root
}

// withClient connects, optionally takes control, runs fn and disconnects.
// Commands that mutate the queue need control; read-only ones do not.
func withClient(cmd *cobra.Command, takeControl bool, fn func(ctx context.Context, c *client.Client) error) error {
	cfg := config.DefaultClientConfig()
	cfg.Addr = flagServer
	cfg.Password = password()
	if flagName != "" {
		cfg.Name = flagName
	}

	c := client.New(cfg, logger)
	ctx := cmd.Context()
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Addr, err)
	}
	defer c.Close()

	if takeControl {
		if err := c.RequestControl(ctx); err != nil {
			return fmt.Errorf("request control: %w", err)
		}
	}
	return fn(ctx, c)
}
