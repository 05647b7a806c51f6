package consensus

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/fault"
)

// Proposal is one model's parsed decision, before merging.
type Proposal struct {
	Model  string
	Kind   action.Kind
	Params map[string]any
	Wait   action.Wait
	Raw    string
}

// ParseReply extracts a {action, params, wait} decision from a model reply.
// Models wrap the JSON in prose or markdown fences often enough that the
// parser falls back to scanning for the first balanced object.
func ParseReply(model, text string) (Proposal, error) {
	payload, ok := extractJSON(text)
	if !ok {
		return Proposal{}, fault.New(fault.ParseFailed, "no JSON object in reply")
	}

	var env struct {
		Action string         `json:"action"`
		Params map[string]any `json:"params"`
		Wait   any            `json:"wait"`
	}
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Proposal{}, fault.Wrap(fault.ParseFailed, err, "decode decision")
	}
	if env.Action == "" {
		return Proposal{}, fault.New(fault.ParseFailed, "decision has no action")
	}

	wait, err := coerceWait(env.Wait)
	if err != nil {
		return Proposal{}, err
	}

	params := env.Params
	if params == nil {
		params = map[string]any{}
	}

	return Proposal{
		Model:  model,
		Kind:   action.Kind(env.Action),
		Params: params,
		Wait:   wait,
		Raw:    strings.TrimSpace(text),
	}, nil
}

// coerceWait normalizes the response-level wait: booleans pass through,
// numbers above zero become timed waits, and the strings "true"/"false"
// (a recurring model tic) are coerced.
func coerceWait(v any) (action.Wait, error) {
	switch w := v.(type) {
	case nil:
		return action.Wait{}, nil
	case bool:
		return action.Wait{Enabled: w}, nil
	case float64:
		if w > 0 {
			return action.Wait{Enabled: true, Seconds: w}, nil
		}
		return action.Wait{}, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(w)) {
		case "true":
			return action.Wait{Enabled: true}, nil
		case "false", "":
			return action.Wait{}, nil
		}
		if n, err := strconv.ParseFloat(strings.TrimSpace(w), 64); err == nil {
			return coerceWait(n)
		}
		return action.Wait{}, fault.New(fault.ParseFailed, "wait %q is neither boolean nor seconds", w)
	default:
		return action.Wait{}, fault.New(fault.ParseFailed, "wait has unsupported type %T", v)
	}
}

// extractJSON returns the first balanced top-level JSON object in text.
// Handles plain replies, ```json fences, and prose-wrapped objects.
func extractJSON(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return trimmed, true
	}

	if idx := strings.Index(trimmed, "```"); idx >= 0 {
		rest := trimmed[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			candidate := strings.TrimSpace(rest[:end])
			if strings.HasPrefix(candidate, "{") && json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
	}

	for start := 0; start < len(trimmed); start++ {
		if trimmed[start] != '{' {
			continue
		}
		if end, ok := balancedEnd(trimmed, start); ok {
			candidate := trimmed[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
	}
	return "", false
}

// balancedEnd finds the index of the brace closing the object opened at
// start, skipping braces inside string literals.
func balancedEnd(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
