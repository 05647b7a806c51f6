package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/heartbeat"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show orchestrator status",
		Action: func(_ context.Context, _ *cli.Command) error {
			status, hb, err := heartbeat.Check(config.HeartbeatPath(), 2*time.Minute)
			if err != nil {
				return fmt.Errorf("check heartbeat: %w", err)
			}

			switch status {
			case heartbeat.StatusAlive:
				fmt.Printf("Orchestrator: ALIVE (PID %d, uptime %s, %d task(s), %d agent(s))\n",
					hb.PID, hb.Uptime, hb.ActiveTasks, hb.ActiveAgents)
			case heartbeat.StatusStale:
				fmt.Printf("Orchestrator: STALE (PID %d, last heartbeat %s ago)\n",
					hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
			case heartbeat.StatusDead:
				fmt.Println("Orchestrator: NOT RUNNING")
			}
			return nil
		},
	}
}
