// Command scrambler runs the cluster manager daemon: a peer discovers
// other nodes over authenticated multicast, elects a coordinator, and
// converges each node's containers toward its declared policies.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"scrambler/internal/config"
	"scrambler/internal/containeragent"
	"scrambler/internal/logging"
	"scrambler/internal/manager"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func main() {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:     "scrambler <interface>",
		Short:   "Multicast-gossip cluster manager",
		Args:    cobra.ExactArgs(1),
		Version: "dev",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			iface := args[0]

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Connection.Interface == "" {
				cfg.Connection.Interface = iface
			}

			engine, err := containeragent.NewDockerEngine()
			if err != nil {
				return err
			}

			mgr, err := manager.New(ctx, cfg, engine)
			if err != nil {
				return err
			}
			return mgr.Run(ctx)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&configPath, "config", config.DefaultPath, "Path to scrambler.json")
	return cmd
}
