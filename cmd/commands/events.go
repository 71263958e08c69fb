package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/studio/internal/events"
	"github.com/dohr-michael/studio/internal/storage"
)

// NewEventsCommand returns the events subcommand.
func NewEventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Inspect the local event journal",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Only this session"},
			&cli.StringFlag{Name: "turn", Usage: "Only this turn"},
			&cli.StringFlag{Name: "type", Usage: "Only this event type (e.g. assistant.complete)"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Number of events", Value: 50},
			&cli.BoolFlag{Name: "payload", Usage: "Print event payloads"},
			&cli.DurationFlag{Name: "prune", Usage: "Delete events older than this instead of listing"},
		},
		Action: runEvents,
	}
}

func runEvents(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	journal, err := storage.Open(ctx, cfg.Storage.JournalPath, nil)
	if err != nil {
		return err
	}
	defer journal.Close()

	if cmd.IsSet("prune") {
		n, err := journal.Prune(ctx, time.Now().Add(-cmd.Duration("prune")))
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d events.\n", n)
		return nil
	}

	records, err := journal.Recent(ctx, storage.Query{
		SessionID: cmd.String("session"),
		TurnID:    cmd.String("turn"),
		Type:      events.EventType(cmd.String("type")),
		Limit:     cmd.Int("limit"),
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No events recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tTYPE\tSOURCE\tSESSION\tTURN")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.Seq, r.Timestamp.Local().Format("2006-01-02 15:04:05"), r.Type, r.Source, r.SessionID, orDash(r.TurnID))
		if cmd.Bool("payload") {
			fmt.Fprintf(w, "\t%s\n", r.Payload)
		}
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
