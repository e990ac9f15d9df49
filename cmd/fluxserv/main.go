package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/speedflux/internal/config"
	"github.com/sheerbytes/speedflux/internal/logging"
	"github.com/sheerbytes/speedflux/internal/server"
	"github.com/spf13/cobra"
)

const serverVersion = "v0.2.0"

func newRootCmd() *cobra.Command {
	cfg := config.DefaultServerConfig()
	envErr := config.ApplyServerEnv(&cfg)

	cmd := &cobra.Command{
		Use:          "fluxserv",
		Short:        "fluxserv serves speedflux transfers over HTTP, WebSocket and QUIC",
		Version:      serverVersion,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			if err := config.ResolveServer(cmd.Flags(), &cfg); err != nil {
				return err
			}
			logger := logging.New("fluxserv", cfg.LogLevel)
			return server.Run(cmd.Context(), cfg, logger)
		},
	}
	config.BindServerFlags(cmd.Flags(), &cfg)
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
