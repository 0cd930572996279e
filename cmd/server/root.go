package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/termbridge/internal/config"
)

// flags override the environment when set explicitly.
type flags struct {
	port      string
	staticDir string
	logLevel  string
	dev       bool
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "termbridge",
		Short: "Browser terminal server",
		Long: `termbridge serves a browser terminal: every websocket connection on the
terminal path gets its own shell on a pseudo-terminal, with resize support and
ping based liveness checks. It also serves the static frontend, a single-file
upload endpoint and two fixed script triggers.

Configuration is read from the environment; the flags below take precedence.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&f.port, "port", "", "HTTP listen port (env PORT)")
	cmd.Flags().StringVar(&f.staticDir, "static-dir", "", "directory served for unmatched routes (env STATIC_DIR)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (env LOG_LEVEL)")
	cmd.Flags().BoolVar(&f.dev, "dev", false, "human readable development logging (env LOG_DEV)")

	cmd.SetContext(context.Background())
	return cmd
}

func (f flags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = f.port
	}
	if cmd.Flags().Changed("static-dir") {
		cfg.Server.StaticDir = f.staticDir
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if cmd.Flags().Changed("dev") {
		cfg.Logging.Development = f.dev
	}
}
