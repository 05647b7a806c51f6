package secrets

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

var secretTemplateRe = regexp.MustCompile(`\{\{\s*SECRET:([A-Za-z0-9_.-]+)\s*\}\}`)

// Resolver expands {{SECRET:name}} templates in action parameters right
// before execution. Resolved plaintext goes to the executor only; history
// and events keep the template form.
type Resolver struct {
	vault *Vault
}

func NewResolver(vault *Vault) *Resolver {
	return &Resolver{vault: vault}
}

// ResolveParams returns a deep copy of params with every template
// expanded, together with the plaintext of each secret used, keyed by
// name. The input map is never mutated.
func (r *Resolver) ResolveParams(ctx context.Context, params map[string]any) (map[string]any, map[string]string, error) {
	used := make(map[string]string)
	resolved, err := r.resolveValue(ctx, params, used)
	if err != nil {
		return nil, nil, err
	}
	out, _ := resolved.(map[string]any)
	return out, used, nil
}

// ResolveString expands templates in a single string.
func (r *Resolver) ResolveString(ctx context.Context, s string) (string, map[string]string, error) {
	used := make(map[string]string)
	out, err := r.resolveString(ctx, s, used)
	if err != nil {
		return "", nil, err
	}
	return out, used, nil
}

func (r *Resolver) resolveValue(ctx context.Context, v any, used map[string]string) (any, error) {
	switch val := v.(type) {
	case string:
		return r.resolveString(ctx, val, used)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.resolveValue(ctx, item, used)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.resolveValue(ctx, item, used)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *Resolver) resolveString(ctx context.Context, s string, used map[string]string) (string, error) {
	matches := secretTemplateRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	out := s
	for _, m := range matches {
		name := m[1]
		plain, ok := used[name]
		if !ok {
			var err error
			plain, err = r.vault.Get(ctx, name)
			if err != nil {
				return "", err
			}
			used[name] = plain
		}
		out = strings.ReplaceAll(out, m[0], plain)
	}
	return out, nil
}

// Scrub replaces every resolved secret value appearing in text with a
// [SECRET:name] marker, longest value first so overlapping values cannot
// leave fragments behind.
func Scrub(text string, used map[string]string) string {
	if len(used) == 0 {
		return text
	}
	names := make([]string, 0, len(used))
	for name := range used {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return len(used[names[i]]) > len(used[names[j]])
	})
	for _, name := range names {
		value := used[name]
		if value == "" {
			continue
		}
		text = strings.ReplaceAll(text, value, "[SECRET:"+name+"]")
	}
	return text
}

// ContainsTemplate reports whether s references any secret.
func ContainsTemplate(s string) bool {
	return secretTemplateRe.MatchString(s)
}
