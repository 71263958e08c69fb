package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/dohr-michael/studio/clients/console"
	"github.com/dohr-michael/studio/internal/api"
	"github.com/dohr-michael/studio/internal/config"
	"github.com/dohr-michael/studio/internal/protocol"
	"github.com/dohr-michael/studio/internal/secrets"
	"github.com/dohr-michael/studio/internal/sessions"
	"github.com/dohr-michael/studio/internal/storage"
	"github.com/dohr-michael/studio/internal/studio"
	"github.com/dohr-michael/studio/internal/transcript"
)

// sessionFlags are shared by the commands that open a conversation.
func sessionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "session",
			Aliases: []string{"s"},
			Usage:   "Session ID to resume (empty = new session)",
		},
		&cli.StringFlag{
			Name:  "project",
			Usage: "Project ID (overrides session.project_id)",
		},
		&cli.StringFlag{
			Name:  "mode",
			Usage: "Execution mode: streaming or iterative",
		},
		&cli.StringFlag{
			Name:  "edit-mode",
			Usage: "Permission level: ask, allow or plan",
		},
	}
}

// loadConfig loads the config named by --config and sets up logging.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	setupLogging(cmd, cfg)
	return cfg, nil
}

func setupLogging(cmd *cli.Command, cfg *config.Config) {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.Events.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// credentialStore is the age-protected credential written by `studio login`.
func credentialStore(cfg *config.Config) secrets.CredentialStore {
	return secrets.CredentialStore{KeyPath: config.KeyPath(), File: cfg.Credentials.File}
}

// resolveCredential returns the bearer credential. No credential at all is
// not an error: a local gateway may run without one.
func resolveCredential(cfg *config.Config) (string, error) {
	token, err := credentialStore(cfg).Resolve(cfg.Credentials.Token)
	if errors.Is(err, secrets.ErrNoCredential) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve credential: %w", err)
	}
	return token, nil
}

func newClient(cfg *config.Config) (*api.Client, error) {
	token, err := resolveCredential(cfg)
	if err != nil {
		return nil, err
	}
	return newClientWithToken(cfg, token)
}

func newClientWithToken(cfg *config.Config, token string) (*api.Client, error) {
	return api.NewClient(api.Config{BaseURL: cfg.Session.BaseURL, Token: token})
}

// applySessionFlags lets command flags override the session section.
func applySessionFlags(cmd *cli.Command, cfg *config.Config) error {
	if cmd.IsSet("project") {
		cfg.Session.ProjectID = cmd.String("project")
	}
	if cmd.IsSet("mode") {
		cfg.Session.Mode = cmd.String("mode")
	}
	if cmd.IsSet("edit-mode") {
		cfg.Session.EditMode = cmd.String("edit-mode")
	}
	return cfg.Validate()
}

// conversation is an open studio.Session with its local stores.
type conversation struct {
	*studio.Session
	journal *storage.EventLog
}

func (c *conversation) close(ctx context.Context) {
	if err := c.Session.Close(ctx); err != nil {
		slog.Warn("close session", "error", err)
	}
	if err := c.journal.Close(); err != nil {
		slog.Warn("close journal", "error", err)
	}
}

// openConversation builds a session from the config. It is not started.
func openConversation(ctx context.Context, cfg *config.Config, sessionID string, out io.Writer, onChange func(transcript.Change)) (*conversation, error) {
	token, err := resolveCredential(cfg)
	if err != nil {
		return nil, err
	}
	client, err := newClientWithToken(cfg, token)
	if err != nil {
		return nil, err
	}
	mode, err := protocol.ParseMode(cfg.Session.Mode)
	if err != nil {
		return nil, err
	}
	editMode, err := protocol.ParseEditMode(cfg.Session.EditMode)
	if err != nil {
		return nil, err
	}

	var journal *storage.EventLog
	if cfg.Storage.Journal() {
		if journal, err = storage.Open(ctx, cfg.Storage.JournalPath, slog.Default()); err != nil {
			return nil, err
		}
	}

	s, err := studio.New(studio.Config{
		SessionID:         sessionID,
		ProjectID:         cfg.Session.ProjectID,
		AgentID:           cfg.Session.AgentID,
		Mode:              mode,
		EditMode:          editMode,
		WriteTools:        cfg.Approvals.WriteTools,
		SocketURL:         cfg.Session.SocketURL,
		Credential:        token,
		Backend:           client,
		Archive:           sessions.NewFileStore(cfg.Storage.SessionsDir),
		Journal:           journal,
		HeartbeatInterval: cfg.Connection.HeartbeatInterval.Duration(),
		BaseDelay:         cfg.Connection.BaseDelay.Duration(),
		MaxDelay:          cfg.Connection.MaxDelay.Duration(),
		MaxAttempts:       cfg.Connection.MaxAttempts,
		CancelWindow:      cfg.Cancel.Window.Duration(),
		HistorySize:       cfg.Events.BufferSize,
		Notifier:          notifier(out),
		OnChange:          onChange,
		Logger:            slog.Default(),
	})
	if err != nil {
		journal.Close()
		return nil, err
	}
	return &conversation{Session: s, journal: journal}, nil
}

// notifier prints notifications below the transcript.
func notifier(out io.Writer) transcript.Notifier {
	return transcript.NotifierFunc(func(n transcript.Notification) {
		line := console.ErrorStyle.Render("! " + n.Title)
		if n.Detail != "" {
			line += " " + console.Hint(n.Detail)
		}
		fmt.Fprintln(out, line)
	})
}

// newPrinter renders markdown only on a terminal.
func newPrinter(out *os.File) *console.Printer {
	fd := int(out.Fd())
	if !term.IsTerminal(fd) {
		return console.NewPrinter(out, nil)
	}
	width, _, err := term.GetSize(fd)
	if err != nil || width <= 0 {
		width = 100
	}
	md, err := console.NewMarkdown(min(width, 120))
	if err != nil {
		slog.Debug("markdown renderer unavailable", "error", err)
	}
	return console.NewPrinter(out, md)
}

// parseDecision maps a typed answer to an approval decision.
func parseDecision(answer string) (protocol.Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes", "once":
		return protocol.DecisionAllowOnce, true
	case "a", "all", "always":
		return protocol.DecisionAllowAll, true
	case "n", "no", "stop":
		return protocol.DecisionStop, true
	}
	return "", false
}
