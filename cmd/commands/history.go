package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

// NewHistoryCommand returns the history subcommand.
func NewHistoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Show or clear a session's history on the backend",
		ArgsUsage: "<session_id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "clear",
				Usage: "Delete the history instead of printing it",
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Usage:   "Output format: text, json or yaml",
				Value:   "text",
			},
		},
		Action: runHistory,
	}
}

func runHistory(ctx context.Context, cmd *cli.Command) error {
	sessionID := cmd.Args().First()
	if sessionID == "" {
		return fmt.Errorf("usage: studio history <session_id>")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	if cmd.Bool("clear") {
		if err := client.ClearHistory(ctx, sessionID); err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
		fmt.Printf("History of %s cleared.\n", sessionID)
		return nil
	}

	msgs, err := client.FetchAllMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	switch f := cmd.String("format"); f {
	case "text":
	case "json", "yaml":
		return encode(os.Stdout, f, msgs)
	default:
		return fmt.Errorf("unknown format %q", f)
	}
	if len(msgs) == 0 {
		fmt.Println("No messages in this session.")
		return nil
	}
	for _, m := range msgs {
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04:05"), m.Role, m.Content)
	}
	return nil
}
