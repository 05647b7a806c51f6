package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/events"
	"github.com/dohr-michael/quorum/internal/fault"
)

// messageExecutor delivers send_message. Recipients resolve from the
// special targets parent, children and announcement, or from an explicit
// id list. Delivery is best-effort per recipient; a dead agent is skipped
// and reported, not an error.
type messageExecutor struct {
	d *Dispatcher
}

func (e *messageExecutor) Execute(ctx context.Context, scope agent.Scope, act action.Action) Outcome {
	content := pstr(act.Params, "content")
	registry := e.d.env.Registry

	var targets []string
	switch to := act.Params["to"].(type) {
	case string:
		switch to {
		case "parent":
			if scope.ParentID == "" {
				// Root agents report to the user: the message rides the
				// task topic instead of another mailbox.
				e.d.env.Bus.Publish(events.TopicTaskMessages(scope.TaskID), events.Message{
					ID:          "msg_" + uuid.NewString()[:8],
					SenderID:    scope.AgentID,
					RecipientID: "user",
					Content:     content,
					At:          time.Now(),
				})
				if pbool(act.Params, "final") {
					return e.finishTask(ctx, scope, act, content)
				}
				return successData(act, "delivered to user", map[string]any{"sent_to": []string{"user"}})
			}
			targets = []string{scope.ParentID}
		case "children":
			for _, h := range registry.Children(scope.AgentID) {
				targets = append(targets, h.ID)
			}
		case "announcement":
			for _, h := range registry.Descendants(scope.AgentID) {
				targets = append(targets, h.ID)
			}
		default:
			return failure(act, fault.New(fault.InvalidParam, "unknown send_message target %q", to))
		}
	default:
		targets = pstrs(act.Params, "to")
		if len(targets) == 0 {
			return failure(act, fault.New(fault.InvalidParam, "send_message: no recipients in %v", act.Params["to"]))
		}
	}

	var sent, skipped []string
	for _, id := range targets {
		h, ok := registry.Get(id)
		if !ok || !h.Deliver(agent.UserMessage{From: scope.AgentID, Content: content}) {
			skipped = append(skipped, id)
			continue
		}
		sent = append(sent, id)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "delivered to %d recipient(s)", len(sent))
	if len(sent) > 0 {
		b.WriteString(": " + strings.Join(sent, ", "))
	}
	if len(skipped) > 0 {
		b.WriteString("; unreachable: " + strings.Join(skipped, ", "))
	}
	return successData(act, b.String(), map[string]any{"sent_to": sent})
}

// finishTask settles the task when the root agent marks a parent report as
// final: the report's content becomes the task result and the manager
// terminates the agent tree. The result below usually never reaches the
// root's history; its mailbox is already shutting down.
func (e *messageExecutor) finishTask(ctx context.Context, scope agent.Scope, act action.Action, content string) Outcome {
	if e.d.tasks == nil {
		return failure(act, fault.New(fault.ServiceUnavailable, "no task lifecycle bound, final report not recorded"))
	}
	if err := e.d.tasks.Complete(ctx, scope.TaskID, content); err != nil {
		return failure(act, err)
	}
	return successData(act, "final result recorded, task completed",
		map[string]any{"sent_to": []string{"user"}, "final": true})
}
