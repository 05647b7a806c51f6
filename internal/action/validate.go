package action

import (
	"fmt"
	"strings"

	"github.com/dohr-michael/quorum/internal/fault"
)

// Validate checks params against the schema for k. Parameters not declared
// by the schema are ignored; the consensus layer already merges them
// permissively and executors never read them.
func Validate(k Kind, params map[string]any) error {
	s, ok := schemas[k]
	if !ok {
		return fault.New(fault.InvalidParam, "unknown action kind %q", k)
	}
	for _, name := range s.Required {
		v, present := params[name]
		if !present || v == nil {
			return fault.New(fault.MissingRequiredParam, "%s: missing required parameter %q", k, name)
		}
	}
	for _, group := range s.XOR {
		n := 0
		for _, name := range group {
			if v, present := params[name]; present && v != nil {
				n++
			}
		}
		if n != 1 {
			return fault.New(fault.InvalidParam, "%s: exactly one of %s required", k, strings.Join(group, ", "))
		}
	}
	for name, v := range params {
		t, declared := s.Types[name]
		if !declared || v == nil {
			continue
		}
		if err := t.Check(v); err != nil {
			return fault.Wrap(fault.InvalidParam, err, "%s: parameter %q", k, name)
		}
	}
	return nil
}

// Compile cross-checks the static tables at startup: every kind carries a
// schema, every declared parameter has a type and a merge rule with sane
// knobs, and XOR groups reference declared parameters. A non-nil return is
// a programming error, not an input error.
func Compile() error {
	for _, k := range Kinds() {
		s, ok := schemas[k]
		if !ok {
			return fmt.Errorf("kind %q has no schema", k)
		}
		declared := map[string]bool{}
		for _, name := range s.Params() {
			declared[name] = true
			if _, ok := s.Types[name]; !ok {
				return fmt.Errorf("%s.%s: no type", k, name)
			}
			r, ok := s.Rules[name]
			if !ok {
				return fmt.Errorf("%s.%s: no merge rule", k, name)
			}
			switch r.Name {
			case RuleSemanticSimilarity:
				if r.Threshold <= 0 || r.Threshold > 1 {
					return fmt.Errorf("%s.%s: similarity threshold %v out of (0,1]", k, name, r.Threshold)
				}
			case RulePercentile:
				if r.Percentile <= 0 || r.Percentile > 100 {
					return fmt.Errorf("%s.%s: percentile %v out of (0,100]", k, name, r.Percentile)
				}
			}
		}
		for _, group := range s.XOR {
			for _, name := range group {
				if !declared[name] {
					return fmt.Errorf("%s: xor group references undeclared %q", k, name)
				}
			}
		}
	}
	return nil
}
