package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/studio/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "studio",
		Usage: "Talk to the app-building agent from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewChatCommand(),
			NewAskCommand(),
			NewGatewayCommand(),
			NewSessionsCommand(),
			NewHistoryCommand(),
			NewEventsCommand(),
			NewLoginCommand(),
			NewLogoutCommand(),
			NewStatusCommand(),
		},
	}
}
