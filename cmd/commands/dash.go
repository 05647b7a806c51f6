package commands

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/quorum/clients/tui"
)

// NewDashCommand returns the dashboard subcommand.
func NewDashCommand() *cli.Command {
	return &cli.Command{
		Name:  "dash",
		Usage: "Open the live dashboard",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client := newAPIClient(cmd)
			return tui.Run(ctx, client.base, client.wsURL())
		},
	}
}
