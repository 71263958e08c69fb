package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/dohr-michael/studio/internal/config"
	"github.com/dohr-michael/studio/internal/secrets"
)

// tokenEnvVar is the .env entry written by `login --dotenv`.
const tokenEnvVar = "STUDIO_TOKEN"

// NewLoginCommand returns the login subcommand.
func NewLoginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Store the backend credential, encrypted at rest",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "token",
				Usage: "Credential to store (prompted when omitted)",
			},
			&cli.BoolFlag{
				Name:  "dotenv",
				Usage: "Write the sealed credential to the .env file as " + tokenEnvVar,
			},
		},
		Action: runLogin,
	}
}

// NewLogoutCommand returns the logout subcommand.
func NewLogoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Forget the stored credential",
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := credentialStore(cfg).Delete(); err != nil {
				return err
			}
			if err := secrets.RemoveEntry(config.DotenvPath(), tokenEnvVar); err != nil {
				return fmt.Errorf("update .env: %w", err)
			}
			fmt.Println("Credential removed.")
			return nil
		},
	}
}

func runLogin(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	token := cmd.String("token")
	if token == "" {
		if token, err = promptToken(); err != nil {
			return err
		}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("empty credential")
	}

	store := credentialStore(cfg)
	if !cmd.Bool("dotenv") {
		if err := store.Save(token); err != nil {
			return err
		}
		fmt.Printf("Credential saved to %s.\n", cfg.Credentials.File)
		return nil
	}

	blob, err := store.Seal(token)
	if err != nil {
		return err
	}
	if err := secrets.SetEntry(config.DotenvPath(), tokenEnvVar, blob); err != nil {
		return fmt.Errorf("update .env: %w", err)
	}
	fmt.Printf("Sealed credential written to %s.\n", config.DotenvPath())
	fmt.Printf("Reference it from %s with \"token\": \"${{ .Env.%s }}\".\n", configPathHint(cmd), tokenEnvVar)
	return nil
}

// promptToken reads the credential without echo on a terminal, or one line
// from a pipe.
func promptToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Token: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read token: %w", err)
	}
	return line, nil
}
