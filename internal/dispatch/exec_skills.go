package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/fault"
	"github.com/dohr-michael/quorum/internal/skills"
)

// learnSkillsExecutor loads skill bodies into the conversation.
type learnSkillsExecutor struct {
	skills *skills.Registry
}

func (e *learnSkillsExecutor) Execute(_ context.Context, _ agent.Scope, act action.Action) Outcome {
	if e.skills == nil {
		return failure(act, fault.New(fault.ServiceUnavailable, "learn_skills: skill library not configured"))
	}
	names := pstrs(act.Params, "names")
	if len(names) == 0 {
		return failure(act, fault.New(fault.InvalidParam, "learn_skills: names is empty"))
	}

	found, missing := e.skills.Lookup(names)
	if len(found) == 0 {
		return failure(act, fault.New(fault.NotFound, "learn_skills: no such skills: %s", strings.Join(missing, ", ")))
	}

	var b strings.Builder
	for _, s := range found {
		fmt.Fprintf(&b, "## skill: %s\n%s\n\n%s\n\n", s.Name, s.Description, s.Body)
	}
	if len(missing) > 0 {
		fmt.Fprintf(&b, "[not found: %s]", strings.Join(missing, ", "))
	}
	return success(act, strings.TrimRight(b.String(), "\n"))
}

// createSkillExecutor writes a new skill document to the library.
type createSkillExecutor struct {
	skills *skills.Registry
}

func (e *createSkillExecutor) Execute(_ context.Context, _ agent.Scope, act action.Action) Outcome {
	if e.skills == nil {
		return failure(act, fault.New(fault.ServiceUnavailable, "create_skill: skill library not configured"))
	}
	s, err := e.skills.Create(
		pstr(act.Params, "name"),
		pstr(act.Params, "description"),
		pstr(act.Params, "body"),
	)
	if err != nil {
		return failure(act, fault.Wrap(fault.InvalidParam, err, "create_skill"))
	}
	return success(act, fmt.Sprintf("skill %q created at %s", s.Name, s.Path))
}
