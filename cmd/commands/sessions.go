package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/dohr-michael/studio/internal/config"
	"github.com/dohr-michael/studio/internal/sessions"
)

// NewSessionsCommand returns the sessions subcommand.
func NewSessionsCommand() *cli.Command {
	format := &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: text, json or yaml",
		Value:   "text",
	}
	return &cli.Command{
		Name:  "sessions",
		Usage: "Browse the local session archive",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List archived sessions",
				Flags:  []cli.Flag{format},
				Action: runSessionsList,
			},
			{
				Name:      "show",
				Usage:     "Show the messages of a session",
				ArgsUsage: "<session_id>",
				Flags:     []cli.Flag{format},
				Action:    runSessionsShow,
			},
			{
				Name:      "close",
				Usage:     "Mark a session closed",
				ArgsUsage: "<session_id>",
				Action:    runSessionsClose,
			},
		},
		DefaultCommand: "list",
	}
}

func newArchive(cmd *cli.Command) (*sessions.FileStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return sessions.NewFileStore(cfg.Storage.SessionsDir), nil
}

func runSessionsList(_ context.Context, cmd *cli.Command) error {
	store, err := newArchive(cmd)
	if err != nil {
		return err
	}
	list, err := store.List()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	switch f := cmd.String("format"); f {
	case "text":
	case "json", "yaml":
		return encode(os.Stdout, f, list)
	default:
		return fmt.Errorf("unknown format %q", f)
	}

	if len(list) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tMODE\tMESSAGES\tUPDATED\tTITLE")
	for _, s := range list {
		title := s.Title
		if title == "" {
			title = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID,
			s.Status,
			s.Mode,
			s.MessageCount,
			s.UpdatedAt.Format("2006-01-02 15:04"),
			title,
		)
	}
	return w.Flush()
}

// sessionExport is the json/yaml shape of `sessions show`.
type sessionExport struct {
	Session  *sessions.Session `json:"session" yaml:"session"`
	Messages []exportMessage   `json:"messages" yaml:"messages"`
}

type exportMessage struct {
	ID      string `json:"id" yaml:"id"`
	TurnID  string `json:"turn_id,omitempty" yaml:"turn_id,omitempty"`
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
	Time    string `json:"created_at" yaml:"created_at"`
}

func runSessionsShow(_ context.Context, cmd *cli.Command) error {
	sessionID := cmd.Args().First()
	if sessionID == "" {
		return fmt.Errorf("usage: studio sessions show <session_id>")
	}
	store, err := newArchive(cmd)
	if err != nil {
		return err
	}

	meta, err := store.Get(sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	msgs, err := store.LoadMessages(sessionID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	switch f := cmd.String("format"); f {
	case "text":
	case "json", "yaml":
		out := sessionExport{Session: meta, Messages: make([]exportMessage, 0, len(msgs))}
		for _, m := range msgs {
			out.Messages = append(out.Messages, exportMessage{
				ID:      m.ID,
				TurnID:  m.TurnID,
				Role:    m.Role,
				Content: m.Content,
				Time:    m.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			})
		}
		return encode(os.Stdout, f, out)
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

func runSessionsClose(_ context.Context, cmd *cli.Command) error {
	sessionID := cmd.Args().First()
	if sessionID == "" {
		return fmt.Errorf("usage: studio sessions close <session_id>")
	}
	store, err := newArchive(cmd)
	if err != nil {
		return err
	}
	if err := store.Close(sessionID); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	fmt.Printf("Session %s closed.\n", sessionID)
	return nil
}

func encode(w io.Writer, format string, v any) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// configPathHint is printed by commands that point the user at the config.
func configPathHint(cmd *cli.Command) string {
	if p := cmd.String("config"); p != "" {
		return p
	}
	return config.ConfigPath()
}
