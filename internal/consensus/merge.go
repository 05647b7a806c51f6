package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/dohr-michael/quorum/internal/action"
)

// disagreement describes one parameter that failed its merge rule, carried
// into the refinement directive.
type disagreement struct {
	Param  string
	Rule   action.RuleName
	Values []any
}

// mergeParams combines the winning proposals' parameters per the kind's
// declared rules. Parameters nobody supplied are omitted. A non-nil
// disagreement list means the round must refine; a non-nil error means the
// merge itself failed (embedder transport) and the round is abandoned.
func (e *Engine) mergeParams(ctx context.Context, kind action.Kind, winners []Proposal) (map[string]any, []disagreement, error) {
	names := paramNames(winners)
	merged := make(map[string]any, len(names))
	var conflicts []disagreement

	for _, name := range names {
		values := suppliedValues(winners, name)
		if len(values) == 0 {
			continue
		}
		rule := action.RuleFor(kind, name)
		value, conflict, err := e.mergeParam(ctx, name, values, rule)
		if err != nil {
			return nil, nil, err
		}
		if conflict != nil {
			conflicts = append(conflicts, *conflict)
			continue
		}
		merged[name] = value
	}

	if len(conflicts) > 0 {
		return nil, conflicts, nil
	}
	return merged, nil, nil
}

func (e *Engine) mergeParam(ctx context.Context, name string, values []any, rule action.Rule) (any, *disagreement, error) {
	switch rule.Name {
	case action.RuleExactMatch:
		first := canon(values[0])
		for _, v := range values[1:] {
			if canon(v) != first {
				return nil, &disagreement{Param: name, Rule: rule.Name, Values: values}, nil
			}
		}
		return values[0], nil, nil

	case action.RuleModeSelection:
		return modeValue(values), nil, nil

	case action.RuleSemanticSimilarity:
		return e.semanticValue(ctx, name, values, rule.Threshold)

	case action.RulePercentile:
		v, ok := percentileValue(values, rule.Percentile)
		if !ok {
			return nil, &disagreement{Param: name, Rule: rule.Name, Values: values}, nil
		}
		return v, nil, nil

	case action.RuleUnionMerge:
		return unionLists(values), nil, nil

	case action.RuleStructuralMerge:
		return structuralValue(values), nil, nil

	case action.RuleMergeMaps:
		return mergedMaps(values), nil, nil

	case action.RuleBatchSequence:
		return batchSequenceValue(values), nil, nil

	default: // first_non_nil and anything undeclared
		return values[0], nil, nil
	}
}

// semanticValue requires every pairwise cosine similarity to clear the
// threshold and picks the medoid. Identical strings short-circuit without
// touching the embedder; with no embedder configured the rule degrades to
// mode selection.
func (e *Engine) semanticValue(ctx context.Context, name string, values []any, threshold float64) (any, *disagreement, error) {
	texts := make([]string, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			return modeValue(values), nil, nil
		}
		texts[i] = s
	}

	allEqual := true
	for _, t := range texts[1:] {
		if t != texts[0] {
			allEqual = false
			break
		}
	}
	if allEqual {
		return texts[0], nil, nil
	}

	if e.embedder == nil {
		e.degradedOnce.Do(func() {
			e.log.Warn("no embedder configured, semantic merges degrade to mode selection")
		})
		return modeValue(values), nil, nil
	}

	vectors, err := e.embedder.EmbedStrings(ctx, texts)
	if err != nil {
		return nil, nil, fmt.Errorf("embed %q proposals: %w", name, err)
	}
	if len(vectors) != len(texts) {
		return nil, nil, fmt.Errorf("embed %q proposals: got %d vectors for %d texts", name, len(vectors), len(texts))
	}

	sums := make([]float64, len(texts))
	for i := 0; i < len(texts); i++ {
		for j := i + 1; j < len(texts); j++ {
			sim := cosine(vectors[i], vectors[j])
			if sim < threshold {
				return nil, &disagreement{Param: name, Rule: action.RuleSemanticSimilarity, Values: values}, nil
			}
			sums[i] += sim
			sums[j] += sim
		}
	}

	medoid := 0
	for i := 1; i < len(sums); i++ {
		if sums[i] > sums[medoid] {
			medoid = i
		}
	}
	return texts[medoid], nil, nil
}

// modeValue picks the most common value by canonical encoding; ties go to
// the earliest ballot appearance.
func modeValue(values []any) any {
	counts := make(map[string]int, len(values))
	first := make(map[string]int, len(values))
	for i, v := range values {
		key := canon(v)
		counts[key]++
		if _, seen := first[key]; !seen {
			first[key] = i
		}
	}

	bestIdx := 0
	bestCount := 0
	for key, count := range counts {
		idx := first[key]
		if count > bestCount || (count == bestCount && idx < bestIdx) {
			bestCount = count
			bestIdx = idx
		}
	}
	return values[bestIdx]
}

// percentileValue picks the p-th percentile of the numeric values by the
// nearest-rank method, returning an original value rather than an average.
func percentileValue(values []any, p float64) (any, bool) {
	type numbered struct {
		n float64
		v any
	}
	nums := make([]numbered, 0, len(values))
	for _, v := range values {
		if n, ok := asNumber(v); ok {
			nums = append(nums, numbered{n: n, v: v})
		}
	}
	if len(nums) == 0 {
		return nil, false
	}
	sort.SliceStable(nums, func(i, j int) bool { return nums[i].n < nums[j].n })

	rank := int(math.Ceil(p / 100 * float64(len(nums))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(nums) {
		rank = len(nums)
	}
	return nums[rank-1].v, true
}

// unionLists concatenates list values in ballot order, deduplicating
// elements by canonical encoding. Scalars count as single-element lists.
func unionLists(values []any) []any {
	seen := make(map[string]struct{})
	var out []any
	add := func(v any) {
		key := canon(v)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	for _, v := range values {
		if list, ok := v.([]any); ok {
			for _, item := range list {
				add(item)
			}
			continue
		}
		add(v)
	}
	return out
}

// mergedMaps unions map keys; conflicting values for a key resolve by mode.
func mergedMaps(values []any) map[string]any {
	perKey := make(map[string][]any)
	var order []string
	for _, v := range values {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, seen := perKey[k]; !seen {
				order = append(order, k)
			}
			perKey[k] = append(perKey[k], m[k])
		}
	}

	out := make(map[string]any, len(order))
	for _, k := range order {
		out[k] = modeValue(perKey[k])
	}
	return out
}

// structuralValue merges nested structures: maps merge key-wise and recurse,
// lists union, and scalar conflicts resolve by mode. Total by construction,
// so structural parameters never trigger refinement.
func structuralValue(values []any) any {
	nonNil := values[:0:0]
	for _, v := range values {
		if v != nil {
			nonNil = append(nonNil, v)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}

	allMaps := true
	allLists := true
	for _, v := range nonNil {
		if _, ok := v.(map[string]any); !ok {
			allMaps = false
		}
		if _, ok := v.([]any); !ok {
			allLists = false
		}
	}

	switch {
	case allMaps:
		perKey := make(map[string][]any)
		var order []string
		for _, v := range nonNil {
			m := v.(map[string]any)
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if _, seen := perKey[k]; !seen {
					order = append(order, k)
				}
				perKey[k] = append(perKey[k], m[k])
			}
		}
		out := make(map[string]any, len(order))
		for _, k := range order {
			out[k] = structuralValue(perKey[k])
		}
		return out
	case allLists:
		return unionLists(nonNil)
	default:
		return modeValue(nonNil)
	}
}

// batchSequenceValue picks one proposed sub-action sequence: most common by
// canonical encoding, ties to the shortest (fewest sub-actions), then
// ballot order.
func batchSequenceValue(values []any) any {
	counts := make(map[string]int, len(values))
	for _, v := range values {
		counts[canon(v)]++
	}

	best := values[0]
	bestKey := canon(best)
	for _, v := range values[1:] {
		key := canon(v)
		switch {
		case counts[key] > counts[bestKey]:
			best, bestKey = v, key
		case counts[key] == counts[bestKey] && seqLen(v) < seqLen(best):
			best, bestKey = v, key
		}
	}
	return best
}

func seqLen(v any) int {
	if list, ok := v.([]any); ok {
		return len(list)
	}
	return 1
}

// paramNames returns every parameter name any winner supplied, ordered by
// first appearance (ballot order, then each proposal's sorted keys).
func paramNames(winners []Proposal) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, p := range winners {
		keys := make([]string, 0, len(p.Params))
		for k := range p.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			names = append(names, k)
		}
	}
	return names
}

func suppliedValues(winners []Proposal, name string) []any {
	var out []any
	for _, p := range winners {
		if v, ok := p.Params[name]; ok && v != nil {
			out = append(out, v)
		}
	}
	return out
}

// canon returns a deterministic comparison key. encoding/json sorts map
// keys, which is enough for JSON-decoded values.
func canon(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
