package consensus

import (
	"context"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dohr-michael/quorum/internal/action"
)

func mergeEngine(emb *stubEmbedder) *Engine {
	if emb == nil {
		return New(newStubCaller(), nil, testConsensusConfig(), quietLogger())
	}
	return New(newStubCaller(), emb, testConsensusConfig(), quietLogger())
}

func TestMergeParam_ExactMatch(t *testing.T) {
	e := mergeEngine(nil)
	rule := action.Rule{Name: action.RuleExactMatch}

	v, conflict, err := e.mergeParam(context.Background(), "to", []any{"parent", "parent", "parent"}, rule)
	if err != nil || conflict != nil {
		t.Fatalf("agreeing values: conflict=%v err=%v", conflict, err)
	}
	if v != "parent" {
		t.Errorf("got %v, want parent", v)
	}

	_, conflict, err = e.mergeParam(context.Background(), "to", []any{"parent", "children"}, rule)
	if err != nil {
		t.Fatal(err)
	}
	if conflict == nil {
		t.Fatal("disagreeing values should conflict")
	}
	if conflict.Param != "to" || len(conflict.Values) != 2 {
		t.Errorf("conflict = %+v", conflict)
	}
}

func TestModeValue(t *testing.T) {
	if got := modeValue([]any{"a", "b", "b"}); got != "b" {
		t.Errorf("majority: got %v, want b", got)
	}
	// Ties go to the earliest ballot appearance.
	if got := modeValue([]any{"x", "y"}); got != "x" {
		t.Errorf("tie: got %v, want x", got)
	}
	if got := modeValue([]any{float64(3)}); got != float64(3) {
		t.Errorf("single: got %v", got)
	}
}

func TestMergeParam_SemanticBelowThreshold(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float64{
		"north": {1, 0},
		"east":  {0, 1},
	}}
	e := mergeEngine(emb)
	rule := action.Rule{Name: action.RuleSemanticSimilarity, Threshold: 0.85}

	_, conflict, err := e.mergeParam(context.Background(), "content", []any{"north", "east"}, rule)
	if err != nil {
		t.Fatal(err)
	}
	if conflict == nil {
		t.Fatal("orthogonal texts should conflict at 0.85")
	}
}

func TestMergeParam_SemanticIdenticalSkipsEmbedder(t *testing.T) {
	// No vectors registered: EmbedStrings would fail if called.
	e := mergeEngine(&stubEmbedder{vectors: map[string][]float64{}})
	rule := action.Rule{Name: action.RuleSemanticSimilarity, Threshold: 0.85}

	v, conflict, err := e.mergeParam(context.Background(), "content", []any{"same", "same"}, rule)
	if err != nil || conflict != nil {
		t.Fatalf("identical texts: conflict=%v err=%v", conflict, err)
	}
	if v != "same" {
		t.Errorf("got %v", v)
	}
}

func TestMergeParam_SemanticWithoutEmbedderDegradesToMode(t *testing.T) {
	e := mergeEngine(nil)
	rule := action.Rule{Name: action.RuleSemanticSimilarity, Threshold: 0.85}

	v, conflict, err := e.mergeParam(context.Background(), "content", []any{"alpha", "beta", "beta"}, rule)
	if err != nil || conflict != nil {
		t.Fatalf("degraded merge: conflict=%v err=%v", conflict, err)
	}
	if v != "beta" {
		t.Errorf("got %v, want the mode beta", v)
	}
}

func TestMergeParam_SemanticNonStringsFallToMode(t *testing.T) {
	e := mergeEngine(&stubEmbedder{vectors: map[string][]float64{}})
	rule := action.Rule{Name: action.RuleSemanticSimilarity, Threshold: 0.85}

	v, conflict, err := e.mergeParam(context.Background(), "content", []any{float64(1), float64(1), float64(2)}, rule)
	if err != nil || conflict != nil {
		t.Fatalf("conflict=%v err=%v", conflict, err)
	}
	if v != float64(1) {
		t.Errorf("got %v, want 1", v)
	}
}

func TestPercentileValue(t *testing.T) {
	cases := []struct {
		name   string
		values []any
		p      float64
		want   any
	}{
		{"median of four", []any{float64(10), float64(20), float64(30), float64(40)}, 50, float64(20)},
		{"median of three", []any{float64(30), float64(10), float64(20)}, 50, float64(20)},
		{"p90 of three", []any{float64(10), float64(20), float64(30)}, 90, float64(30)},
		{"skips non-numeric", []any{float64(10), "n/a", float64(30)}, 50, float64(10)},
		{"single", []any{float64(7)}, 50, float64(7)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := percentileValue(tc.values, tc.p)
			if !ok {
				t.Fatal("expected a value")
			}
			if got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}

	if _, ok := percentileValue([]any{"only", "text"}, 50); ok {
		t.Error("all non-numeric should report no value")
	}
}

func TestUnionLists(t *testing.T) {
	got := unionLists([]any{
		[]any{"a", "b"},
		[]any{"b", "c"},
	})
	want := []any{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	// Scalars count as single-element lists.
	got = unionLists([]any{"a", []any{"b", "a"}})
	want = []any{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("mixed: got %v, want %v", got, want)
	}
}

func TestMergedMaps(t *testing.T) {
	got := mergedMaps([]any{
		map[string]any{"region": "eu", "tier": "fast"},
		map[string]any{"tier": "fast", "retries": float64(3)},
		map[string]any{"tier": "slow"},
	})
	want := map[string]any{"region": "eu", "tier": "fast", "retries": float64(3)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStructuralValue(t *testing.T) {
	got := structuralValue([]any{
		map[string]any{"a": map[string]any{"x": float64(1)}, "b": []any{"p"}},
		map[string]any{"a": map[string]any{"y": float64(2)}, "b": []any{"q", "p"}},
	})
	want := map[string]any{
		"a": map[string]any{"x": float64(1), "y": float64(2)},
		"b": []any{"p", "q"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}

	if got := structuralValue([]any{"a", "b", "b"}); got != "b" {
		t.Errorf("scalar fallback: got %v, want b", got)
	}
	if got := structuralValue([]any{nil, "only"}); got != "only" {
		t.Errorf("nil filtering: got %v", got)
	}
	if got := structuralValue([]any{nil, nil}); got != nil {
		t.Errorf("all nil: got %v", got)
	}
}

func TestBatchSequenceValue(t *testing.T) {
	long := []any{
		map[string]any{"action": "orient"},
		map[string]any{"action": "todo"},
	}
	short := []any{map[string]any{"action": "orient"}}

	// Majority wins.
	got := batchSequenceValue([]any{long, short, short})
	if !reflect.DeepEqual(got, short) {
		t.Errorf("majority: got %v", got)
	}

	// Ties go to the shortest sequence.
	got = batchSequenceValue([]any{long, short})
	if !reflect.DeepEqual(got, short) {
		t.Errorf("tie: got %v, want the shorter sequence", got)
	}
}

func TestMergeParams_OmitsUnsuppliedParams(t *testing.T) {
	e := mergeEngine(nil)
	winners := []Proposal{
		{Model: "a", Kind: action.KindFetchWeb, Params: map[string]any{"url": "https://x.test", "prompt": "find the price"}},
		{Model: "b", Kind: action.KindFetchWeb, Params: map[string]any{"url": "https://x.test"}},
	}

	merged, conflicts, err := e.mergeParams(context.Background(), action.KindFetchWeb, winners)
	if err != nil || conflicts != nil {
		t.Fatalf("conflicts=%v err=%v", conflicts, err)
	}
	if merged["url"] != "https://x.test" {
		t.Errorf("url: got %v", merged["url"])
	}
	// first_non_nil keeps the one supplied prompt.
	if merged["prompt"] != "find the price" {
		t.Errorf("prompt: got %v", merged["prompt"])
	}
	if _, ok := merged["max_bytes"]; ok {
		t.Error("never-supplied parameter should be absent")
	}
}

func TestMergeParams_UndeclaredParamUsesFirstNonNil(t *testing.T) {
	e := mergeEngine(nil)
	winners := []Proposal{
		{Model: "a", Kind: action.KindOrient, Params: map[string]any{"thoughts": "same", "mood": "upbeat"}},
		{Model: "b", Kind: action.KindOrient, Params: map[string]any{"thoughts": "same", "mood": "grim"}},
	}

	merged, conflicts, err := e.mergeParams(context.Background(), action.KindOrient, winners)
	if err != nil || conflicts != nil {
		t.Fatalf("conflicts=%v err=%v", conflicts, err)
	}
	if merged["mood"] != "upbeat" {
		t.Errorf("stray extras take the first value, got %v", merged["mood"])
	}
}

func TestMergeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("mode value is always taken from the input", prop.ForAll(
		func(values []string) bool {
			if len(values) == 0 {
				return true
			}
			in := make([]any, len(values))
			for i, v := range values {
				in[i] = v
			}
			got, ok := modeValue(in).(string)
			if !ok {
				return false
			}
			for _, v := range values {
				if v == got {
					return true
				}
			}
			return false
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("union has no duplicates and keeps every element", prop.ForAll(
		func(a, b []string) bool {
			la := make([]any, len(a))
			for i, v := range a {
				la[i] = v
			}
			lb := make([]any, len(b))
			for i, v := range b {
				lb[i] = v
			}
			got := unionLists([]any{la, lb})

			seen := make(map[any]bool, len(got))
			for _, v := range got {
				if seen[v] {
					return false
				}
				seen[v] = true
			}
			for _, v := range a {
				if !seen[v] {
					return false
				}
			}
			for _, v := range b {
				if !seen[v] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("percentile picks an original value", prop.ForAll(
		func(nums []float64, p float64) bool {
			if len(nums) == 0 {
				return true
			}
			in := make([]any, len(nums))
			for i, n := range nums {
				in[i] = n
			}
			got, ok := percentileValue(in, p)
			if !ok {
				return false
			}
			for _, n := range nums {
				if n == got {
					return true
				}
			}
			return false
		},
		gen.SliceOf(gen.Float64Range(-1e6, 1e6)),
		gen.Float64Range(0, 100),
	))

	properties.TestingRun(t)
}
