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

// NewTaskCommand returns the task subcommand.
func NewTaskCommand() *cli.Command {
	return &cli.Command{
		Name:  "task",
		Usage: "Manage tasks on a running orchestrator",
		Commands: []*cli.Command{
			{
				Name:      "submit",
				Usage:     "Submit a new task",
				ArgsUsage: "<prompt>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "profile", Usage: "Agent profile for the root agent"},
					&cli.StringSliceFlag{Name: "model", Usage: "Model provider to consult (repeatable)"},
					&cli.FloatFlag{Name: "budget", Usage: "Budget limit in dollars", Value: -1},
				},
				Action: runTaskSubmit,
			},
			{
				Name:   "list",
				Usage:  "List all tasks",
				Action: runTaskList,
			},
			{
				Name:      "show",
				Usage:     "Show task details and costs",
				ArgsUsage: "<task_id>",
				Action:    runTaskShow,
			},
			{
				Name:      "pause",
				Usage:     "Pause a running task",
				ArgsUsage: "<task_id>",
				Action:    transitionAction("pause"),
			},
			{
				Name:      "resume",
				Usage:     "Resume a paused or failed task",
				ArgsUsage: "<task_id>",
				Action:    transitionAction("resume"),
			},
			{
				Name:      "rm",
				Usage:     "Delete a task and its rows",
				ArgsUsage: "<task_id>",
				Action:    runTaskRemove,
			},
			{
				Name:      "message",
				Usage:     "Send a message to a task's root agent",
				ArgsUsage: "<task_id> <content>",
				Action:    runTaskMessage,
			},
		},
		DefaultCommand: "list",
	}
}

func runTaskSubmit(ctx context.Context, cmd *cli.Command) error {
	prompt := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if prompt == "" {
		return fmt.Errorf("usage: quorum task submit <prompt>")
	}

	req := map[string]any{"prompt": prompt}
	if v := cmd.String("profile"); v != "" {
		req["profile"] = v
	}
	if v := cmd.StringSlice("model"); len(v) > 0 {
		req["models"] = v
	}
	if v := cmd.Float("budget"); v >= 0 {
		req["budget_limit"] = v
	}

	var t store.Task
	if err := newAPIClient(cmd).do(ctx, http.MethodPost, "/api/tasks", req, &t); err != nil {
		return err
	}
	fmt.Printf("Task %s submitted (%s).\n", t.ID, t.Status)
	return nil
}

func runTaskList(ctx context.Context, cmd *cli.Command) error {
	var list []store.Task
	if err := newAPIClient(cmd).do(ctx, http.MethodGet, "/api/tasks", nil, &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tBUDGET\tCREATED\tPROMPT")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			t.Status,
			fmtBudget(t.BudgetLimit),
			t.CreatedAt.Format("2006-01-02 15:04"),
			truncate(t.Prompt, 60),
		)
	}
	return w.Flush()
}

func runTaskShow(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: quorum task show <task_id>")
	}
	client := newAPIClient(cmd)

	var t store.Task
	if err := client.do(ctx, http.MethodGet, "/api/tasks/"+id, nil, &t); err != nil {
		return err
	}

	fmt.Printf("ID:       %s\n", t.ID)
	fmt.Printf("Status:   %s\n", t.Status)
	fmt.Printf("Budget:   %s\n", fmtBudget(t.BudgetLimit))
	fmt.Printf("Created:  %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:  %s\n", t.UpdatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("\nPrompt:\n%s\n", t.Prompt)
	if t.Result != "" {
		fmt.Printf("\nResult:\n%s\n", t.Result)
	}
	if t.ErrorMessage != "" {
		fmt.Printf("\nError: %s\n", t.ErrorMessage)
	}

	var costs struct {
		Total float64            `json:"total"`
		Costs []store.CostRecord `json:"costs"`
	}
	if err := client.do(ctx, http.MethodGet, "/api/tasks/"+id+"/costs", nil, &costs); err == nil && len(costs.Costs) > 0 {
		fmt.Printf("\nSpend: $%.4f across %d records\n", costs.Total, len(costs.Costs))
	}

	var agents []store.AgentRow
	if err := client.do(ctx, http.MethodGet, "/api/agents?task_id="+id, nil, &agents); err == nil && len(agents) > 0 {
		fmt.Println("\nAgents:")
		for _, a := range agents {
			parent := a.ParentID
			if parent == "" {
				parent = "(root)"
			}
			fmt.Printf("  %s  parent=%s\n", a.ID, parent)
		}
	}
	return nil
}

func transitionAction(verb string) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		id := cmd.Args().First()
		if id == "" {
			return fmt.Errorf("usage: quorum task %s <task_id>", verb)
		}
		var t store.Task
		if err := newAPIClient(cmd).do(ctx, http.MethodPost, "/api/tasks/"+id+"/"+verb, nil, &t); err != nil {
			return err
		}
		fmt.Printf("Task %s is %s.\n", t.ID, t.Status)
		return nil
	}
}

func runTaskRemove(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: quorum task rm <task_id>")
	}
	if err := newAPIClient(cmd).do(ctx, http.MethodDelete, "/api/tasks/"+id, nil, nil); err != nil {
		return err
	}
	fmt.Printf("Task %s deleted.\n", id)
	return nil
}

func runTaskMessage(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	content := strings.TrimSpace(strings.Join(cmd.Args().Tail(), " "))
	if id == "" || content == "" {
		return fmt.Errorf("usage: quorum task message <task_id> <content>")
	}
	req := map[string]string{"content": content}
	if err := newAPIClient(cmd).do(ctx, http.MethodPost, "/api/tasks/"+id+"/messages", req, nil); err != nil {
		return err
	}
	fmt.Println("Message delivered.")
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
