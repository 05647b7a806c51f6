package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/quorum/internal/store"
)

// NewScheduleCommand returns the schedule subcommand.
func NewScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Manage recurring tasks",
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Add a cron-triggered task",
				ArgsUsage: "<prompt>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "cron", Usage: "Five-field cron expression", Required: true},
					&cli.StringFlag{Name: "name", Usage: "Schedule name"},
					&cli.FloatFlag{Name: "budget", Usage: "Budget limit per run in dollars", Value: -1},
					&cli.IntFlag{Name: "max-runs", Usage: "Disable after this many runs (0 = unlimited)"},
				},
				Action: runScheduleAdd,
			},
			{
				Name:   "ls",
				Usage:  "List schedules",
				Action: runScheduleList,
			},
			{
				Name:      "rm",
				Usage:     "Remove a schedule",
				ArgsUsage: "<schedule_id>",
				Action:    runScheduleRemove,
			},
		},
		DefaultCommand: "ls",
	}
}

func runScheduleAdd(ctx context.Context, cmd *cli.Command) error {
	prompt := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if prompt == "" {
		return fmt.Errorf("usage: quorum schedule add --cron <expr> <prompt>")
	}

	req := map[string]any{
		"prompt":    prompt,
		"cron_expr": cmd.String("cron"),
		"name":      cmd.String("name"),
	}
	if v := cmd.Float("budget"); v >= 0 {
		req["budget_limit"] = v
	}
	if v := int(cmd.Int("max-runs")); v > 0 {
		req["max_runs"] = v
	}

	var row store.Schedule
	if err := newAPIClient(cmd).do(ctx, http.MethodPost, "/api/schedules", req, &row); err != nil {
		return err
	}
	fmt.Printf("Schedule %s added (%s).\n", row.ID, row.CronExpr)
	return nil
}

func runScheduleList(ctx context.Context, cmd *cli.Command) error {
	var rows []store.Schedule
	if err := newAPIClient(cmd).do(ctx, http.MethodGet, "/api/schedules", nil, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No schedules.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCRON\tENABLED\tRUNS\tPROMPT")
	for _, r := range rows {
		runs := fmt.Sprintf("%d", r.RunCount)
		if r.MaxRuns > 0 {
			runs = fmt.Sprintf("%d/%d", r.RunCount, r.MaxRuns)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
			r.ID, r.Name, r.CronExpr, r.Enabled, runs, truncate(r.Prompt, 40))
	}
	return w.Flush()
}

func runScheduleRemove(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: quorum schedule rm <schedule_id>")
	}
	if err := newAPIClient(cmd).do(ctx, http.MethodDelete, "/api/schedules/"+id, nil, nil); err != nil {
		return err
	}
	fmt.Printf("Schedule %s removed.\n", id)
	return nil
}
