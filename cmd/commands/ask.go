package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/studio/internal/events"
	"github.com/dohr-michael/studio/internal/protocol"
	"github.com/dohr-michael/studio/internal/transcript"
)

// NewAskCommand returns the ask subcommand.
func NewAskCommand() *cli.Command {
	flags := append(sessionFlags(),
		&cli.BoolFlag{
			Name:    "yes",
			Aliases: []string{"y"},
			Usage:   "Allow every file change without asking (edit mode allow)",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Give up after this long",
			Value: 5 * time.Minute,
		},
	)
	return &cli.Command{
		Name:      "ask",
		Usage:     "Send one message to the agent and print the response",
		ArgsUsage: "<message>",
		Flags:     flags,
		Action:    runAsk,
	}
}

func runAsk(ctx context.Context, cmd *cli.Command) error {
	message := strings.Join(cmd.Args().Slice(), " ")
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("usage: studio ask <message>")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Bool("yes") {
		cfg.Session.EditMode = string(protocol.EditModeAllow)
	}
	if err := applySessionFlags(cmd, cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()

	printer := newPrinter(os.Stdout)
	approvals := make(chan protocol.ToolApprovalRequest, 1)
	onChange := func(c transcript.Change) {
		printer.Handle(c)
		if c.Op == transcript.OpUpsert && c.Message.Approval != nil {
			select {
			case approvals <- *c.Message.Approval:
			default:
			}
		}
	}

	conv, err := openConversation(ctx, cfg, cmd.String("session"), os.Stderr, onChange)
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
	if cmd.String("session") == "" {
		fmt.Fprintf(os.Stderr, "session: %s\n", conv.ID())
	}

	go answerApprovals(ctx, conv, approvals)

	result, err := conv.Ask(ctx, message)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("timeout waiting for response")
		}
		return err
	}
	if err := conv.Flush(ctx); err != nil {
		return err
	}

	switch p := result.Payload.(type) {
	case events.ErrorPayload:
		return fmt.Errorf("agent error: %s", p.Reason)
	case events.CancelledPayload:
		return errors.New("stopped")
	}
	return nil
}

// answerApprovals prompts on stdin for each approval request.
func answerApprovals(ctx context.Context, conv *conversation, requests <-chan protocol.ToolApprovalRequest) {
	lines := readLines(os.Stdin)
	for {
		var req protocol.ToolApprovalRequest
		select {
		case <-ctx.Done():
			return
		case req = <-requests:
		}
		if err := conv.Flush(ctx); err != nil {
			return
		}
		if pending, ok := conv.PendingApproval(); !ok || pending.ID != req.ID {
			continue
		}
		for {
			fmt.Fprint(os.Stderr, "[y/a/N] ")
			var line string
			select {
			case <-ctx.Done():
				return
			case l, ok := <-lines:
				if !ok {
					l = "n"
				}
				line = l
			}
			decision, ok := parseDecision(line)
			if strings.TrimSpace(line) == "" {
				decision, ok = protocol.DecisionStop, true
			}
			if !ok {
				continue
			}
			if err := conv.Respond(ctx, req.ID, decision); err != nil {
				fmt.Fprintf(os.Stderr, "warning: send approval: %v\n", err)
			}
			break
		}
	}
}
