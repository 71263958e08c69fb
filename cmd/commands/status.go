package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/studio/internal/heartbeat"
	"github.com/dohr-michael/studio/internal/secrets"
)

// printLocalGateway reports the heartbeat of a gateway started on this machine.
func printLocalGateway() {
	path := filepath.Join(gatewayDataDir(), heartbeatFile)
	status, hb, err := heartbeat.Check(path, 2*heartbeat.DefaultInterval, time.Now())
	if err != nil {
		fmt.Printf("Local:      unknown (%v)\n", err)
		return
	}
	switch status {
	case heartbeat.StatusAlive:
		fmt.Printf("Local:      ALIVE on %s (PID %d, uptime %s)\n", hb.Addr, hb.PID, hb.Uptime())
	case heartbeat.StatusStale:
		fmt.Printf("Local:      STALE (PID %d, last heartbeat %s ago)\n",
			hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
	case heartbeat.StatusDead:
		fmt.Println("Local:      no gateway running")
	}
}

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show backend reachability and local credential state",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Printf("Config:     %s\n", configPathHint(cmd))
			fmt.Printf("Backend:    %s\n", cfg.Session.BaseURL)

			switch _, err := credentialStore(cfg).Resolve(cfg.Credentials.Token); {
			case err == nil:
				fmt.Println("Credential: configured")
			case errors.Is(err, secrets.ErrNoCredential):
				fmt.Println("Credential: none")
			default:
				fmt.Printf("Credential: unreadable (%v)\n", err)
			}

			printLocalGateway()

			client, err := newClient(cfg)
			if err != nil {
				// An unreadable credential still lets the health check run.
				client, err = newClientWithToken(cfg, "")
				if err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			h, err := client.Health(ctx)
			if err != nil {
				fmt.Printf("Gateway:    NOT REACHABLE (%v)\n", err)
				return nil
			}
			fmt.Printf("Gateway:    %s (sockets %d, pending approvals %d)\n", h.Status, h.Sockets, h.Pending)
			return nil
		},
	}
}
