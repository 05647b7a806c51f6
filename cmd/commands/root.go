// Package commands holds the quorum CLI: onboarding, the serve loop, and
// the client subcommands that talk to a running gateway.
package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/quorum/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "quorum",
		Usage: "Recursive multi-model agent orchestrator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.StringFlag{
				Name:  "gateway",
				Usage: "Gateway base URL for client commands",
				Value: "http://127.0.0.1:18420",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewInitCommand(),
			NewServeCommand(),
			NewTaskCommand(),
			NewSecretCommand(),
			NewScheduleCommand(),
			NewStatusCommand(),
			NewDashCommand(),
		},
	}
}
