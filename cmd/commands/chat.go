package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/studio/clients/console"
	"github.com/dohr-michael/studio/internal/config"
	"github.com/dohr-michael/studio/internal/execution"
	"github.com/dohr-michael/studio/internal/protocol"
)

// NewChatCommand returns the interactive chat subcommand.
func NewChatCommand() *cli.Command {
	return &cli.Command{
		Name:   "chat",
		Usage:  "Start an interactive conversation with the agent",
		Flags:  sessionFlags(),
		Action: runChat,
	}
}

const chatHelp = `/mode [streaming|iterative]  switch execution mode (toggles without argument)
/edit                        cycle edit mode ask → allow → plan
/cancel                      press twice to stop the running iterative turn
/clear                       delete this session's history
/reload                      reload config and .env
/quit                        leave`

func runChat(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applySessionFlags(cmd, cfg); err != nil {
		return err
	}

	printer := newPrinter(os.Stdout)
	conv, err := openConversation(ctx, cfg, cmd.String("session"), os.Stderr, printer.Handle)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conv.close(closeCtx)
	}()

	if err := conv.Start(ctx); err != nil {
		return err
	}

	reloader := config.NewReloader(cmd.String("config"), config.DotenvPath(), cfg)
	reloader.OnReload(func(prev, next *config.Config) {
		if next.Session.Mode == prev.Session.Mode {
			return
		}
		if err := conv.SetMode(protocol.Mode(next.Session.Mode)); err != nil {
			slog.Warn("mode not applied", "error", err)
		}
	})

	fmt.Printf("%s %s  %s\n",
		console.UserStyle.Render("studio"),
		console.Hint("session "+conv.ID()),
		console.Hint(fmt.Sprintf("mode %s · edit %s · /help for commands", conv.Mode(), conv.EditMode())))

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	c := &chat{conv: conv, reloader: reloader, out: os.Stdout}
	lines := readLines(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-interrupts:
			if !c.interrupt() {
				return nil
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// readLines feeds stdin lines to a channel, closed at EOF.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

type chat struct {
	conv     *conversation
	reloader *config.Reloader
	out      io.Writer
}

func (c *chat) hint(format string, args ...any) {
	fmt.Fprintln(c.out, console.Hint(fmt.Sprintf(format, args...)))
}

// interrupt handles Ctrl-C. It returns false when the chat should end.
func (c *chat) interrupt() bool {
	turn, ok := c.conv.ActiveTurn()
	if !ok {
		return false
	}
	c.cancel(turn)
	return true
}

func (c *chat) cancel(turn execution.Turn) {
	switch c.conv.TriggerCancel() {
	case execution.GestureWarned:
		c.hint("press again to stop")
	case execution.GestureFired:
		c.hint("stopping…")
	default:
		if turn.Mode == protocol.ModeStreaming {
			c.hint("streaming turns run to completion")
		}
	}
}

// handle processes one input line and reports whether to quit.
func (c *chat) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if req, ok := c.conv.PendingApproval(); ok && !strings.HasPrefix(line, "/") {
		decision, ok := parseDecision(line)
		if !ok {
			c.hint("answer y (allow once), a (allow all) or n (stop)")
			return false
		}
		if err := c.conv.Respond(ctx, req.ID, decision); err != nil {
			c.hint("approval not sent: %v", err)
		}
		return false
	}

	if strings.HasPrefix(line, "/") {
		return c.command(ctx, line)
	}

	if _, err := c.conv.Submit(ctx, line); err != nil {
		if errors.Is(err, execution.ErrTurnActive) {
			c.hint("a turn is still running")
			return false
		}
		c.hint("not sent: %v", err)
	}
	return false
}

func (c *chat) command(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "quit", "exit", "q":
		return true
	case "help", "?":
		fmt.Fprintln(c.out, console.Hint(chatHelp))
	case "mode":
		mode := protocol.Mode(arg)
		if arg == "" {
			mode = protocol.ModeIterative
			if c.conv.Mode() == protocol.ModeIterative {
				mode = protocol.ModeStreaming
			}
		}
		if err := c.conv.SetMode(mode); err != nil {
			c.hint("mode unchanged: %v", err)
			return false
		}
		c.hint("mode %s", mode)
	case "edit":
		c.hint("edit mode %s", c.conv.ToggleEditMode())
	case "cancel":
		turn, ok := c.conv.ActiveTurn()
		if !ok {
			c.hint("nothing to cancel")
			return false
		}
		c.cancel(turn)
	case "clear":
		if err := c.conv.ClearHistory(ctx); err != nil {
			c.hint("history not cleared: %v", err)
		}
	case "reload":
		if err := c.reloader.Reload(); err != nil {
			c.hint("reload failed: %v", err)
			return false
		}
		c.hint("config reloaded")
	default:
		c.hint("unknown command /%s (try /help)", name)
	}
	return false
}
