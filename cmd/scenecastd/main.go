// Command scenecastd runs the scene-snapshot streaming service: it listens
// for one producer, decodes each streamed snapshot, and republishes the
// latest one to consumers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scenecast/scenecast/internal/api"
	"github.com/scenecast/scenecast/internal/broadcast"
	"github.com/scenecast/scenecast/internal/config"
	"github.com/scenecast/scenecast/internal/observability"
	"github.com/scenecast/scenecast/internal/receiver"
	"github.com/scenecast/scenecast/internal/scene"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "scenecastd",
		Short:         "Scene snapshot streaming service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		opsAddr    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept a producer connection and stream snapshots to consumers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if opsAddr != "" {
				cfg.OpsAddr = opsAddr
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "producer listen address (overrides config)")
	cmd.Flags().StringVar(&opsAddr, "ops", "", "ops HTTP address (overrides config)")

	return cmd
}

func serve(cfg config.Config) error {
	zl := observability.InitLogger("scenecastd")
	logger := observability.NewZerologAdapter(zl)
	observability.RegisterMetrics()

	svc, err := receiver.New(
		receiver.WithDecoder(scene.USDZDecoder{}),
		receiver.WithLogger(logger),
		receiver.WithMaxFrameBytes(cfg.MaxFrameBytes),
		receiver.WithStatusThrottle(time.Duration(cfg.StatusThrottle)),
		receiver.WithStagingDir(cfg.StagingDir),
	)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Start(cfg.ListenAddr); err != nil {
		return err
	}

	// Log each decoded snapshot; with no renderer attached this is the
	// daemon's consumer.
	sub := svc.Subscribe()
	go logSnapshots(sub, logger)

	var ops *api.Server
	if cfg.OpsAddr != "" {
		ops = api.NewServer(cfg.OpsAddr, svc, logger)
		go func() {
			if err := ops.ListenAndServe(); err != nil {
				logger.Error("ops server failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	svc.Close()
	if ops != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ops.Shutdown(ctx)
	}
	return nil
}

func logSnapshots(sub *broadcast.Subscription[scene.Handle], logger observability.Logger) {
	defer sub.Cancel()
	for {
		h, err := sub.Next(context.Background())
		if err != nil {
			return
		}
		logger.Info("snapshot ready", "name", h.Name())
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("scenecastd %s (%s)\n", version, commit)
		},
	}
}
