package commands

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/studio/internal/config"
	"github.com/dohr-michael/studio/internal/events"
	"github.com/dohr-michael/studio/internal/gateway"
	"github.com/dohr-michael/studio/internal/heartbeat"
	"github.com/dohr-michael/studio/internal/sessions"
	"github.com/dohr-michael/studio/internal/storage"
)

const heartbeatFile = "heartbeat.json"

// gatewayDataDir is where a local gateway keeps its own state.
func gatewayDataDir() string {
	return filepath.Join(config.StudioPath(), "gateway")
}

// NewGatewayCommand returns the gateway subcommand.
func NewGatewayCommand() *cli.Command {
	return &cli.Command{
		Name:  "gateway",
		Usage: "Start the local development gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer credential clients must present (empty = open)",
				Sources: cli.EnvVars("STUDIO_GATEWAY_TOKEN"),
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "Where the gateway keeps session history",
				Value: gatewayDataDir(),
			},
			&cli.DurationFlag{
				Name:  "chunk-delay",
				Usage: "Pause between streamed chunks",
				Value: 20 * time.Millisecond,
			},
		},
		Action: runGateway,
	}
}

func runGateway(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	dataDir := cmd.String("data-dir")
	if cfg.Storage.Journal() {
		journal, err := storage.Open(ctx, filepath.Join(dataDir, "journal.db"), slog.Default())
		if err != nil {
			return err
		}
		defer journal.Close()
		detach := journal.Attach(bus)
		defer detach()
	}

	server := gateway.NewServer(gateway.Config{
		Host:       cfg.Gateway.Host,
		Port:       cfg.Gateway.Port,
		Store:      sessions.NewFileStore(filepath.Join(dataDir, "sessions")),
		Bus:        bus,
		Token:      cmd.String("token"),
		ChunkDelay: cmd.Duration("chunk-delay"),
		Logger:     slog.Default(),
	})

	beat := heartbeat.NewWriter(filepath.Join(dataDir, heartbeatFile),
		net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)), nil, 0)
	if err := beat.Start(); err != nil {
		slog.Warn("heartbeat disabled", "error", err)
	}
	defer beat.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
