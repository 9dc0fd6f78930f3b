// Package condition evaluates the declarative field rules attached to an
// intake: simple comparisons against submitted data, and/or composites, and
// the visible/required/validate effects they drive.
package condition

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"
	"sync"
)

type Operator string

const (
	OpEq        Operator = "eq"
	OpNeq       Operator = "neq"
	OpIn        Operator = "in"
	OpNotIn     Operator = "not_in"
	OpGt        Operator = "gt"
	OpGte       Operator = "gte"
	OpLt        Operator = "lt"
	OpLte       Operator = "lte"
	OpExists    Operator = "exists"
	OpNotExists Operator = "not_exists"
	OpMatches   Operator = "matches"
)

// Condition is either a field rule (When/Op/Value) or a composite (And/Or).
// When both And and Or are set, both must hold.
type Condition struct {
	When  string      `json:"when,omitempty" yaml:"when,omitempty"`
	Op    Operator    `json:"op,omitempty" yaml:"op,omitempty"`
	Value any         `json:"value,omitempty" yaml:"value,omitempty"`
	And   []Condition `json:"and,omitempty" yaml:"and,omitempty"`
	Or    []Condition `json:"or,omitempty" yaml:"or,omitempty"`
}

func (c Condition) composite() bool { return c.And != nil || c.Or != nil }

// Validate reports structural problems: unknown operators, missing field
// paths, and set-membership operators without a list operand.
func (c Condition) Validate() error {
	if c.composite() {
		if c.When != "" || c.Op != "" {
			return fmt.Errorf("condition mixes field rule %q with and/or", c.When)
		}
		for _, sub := range append(append([]Condition(nil), c.And...), c.Or...) {
			if err := sub.Validate(); err != nil {
				return err
			}
		}
		return nil
	}
	if strings.TrimSpace(c.When) == "" {
		return fmt.Errorf("condition missing field path")
	}
	switch c.Op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpExists, OpNotExists:
		return nil
	case OpIn, OpNotIn:
		if _, ok := c.Value.([]any); !ok {
			return fmt.Errorf("operator %s on %q requires a list value", c.Op, c.When)
		}
		return nil
	case OpMatches:
		if _, ok := c.Value.(string); !ok {
			return fmt.Errorf("operator matches on %q requires a string pattern", c.When)
		}
		return nil
	default:
		return fmt.Errorf("unknown operator %q on %q", c.Op, c.When)
	}
}

// Evaluate reports whether c holds for data. An empty condition holds.
func Evaluate(c Condition, data map[string]any) bool {
	if c.composite() {
		for _, sub := range c.And {
			if !Evaluate(sub, data) {
				return false
			}
		}
		if c.Or != nil {
			for _, sub := range c.Or {
				if Evaluate(sub, data) {
					return true
				}
			}
			return false
		}
		return true
	}
	if c.When == "" {
		return true
	}

	v, ok := Lookup(data, c.When)
	present := ok && v != nil

	switch c.Op {
	case OpExists:
		return present
	case OpNotExists:
		return !present
	case OpEq:
		return present && equal(v, c.Value)
	case OpNeq:
		return !present || !equal(v, c.Value)
	case OpIn:
		return present && member(v, c.Value)
	case OpNotIn:
		return !present || !member(v, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		if !present {
			return false
		}
		return compare(c.Op, v, c.Value)
	case OpMatches:
		if !present {
			return false
		}
		return matches(v, c.Value)
	default:
		return false
	}
}

// Refs returns the field paths c reads, including those nested in composites.
func (c Condition) Refs() []string {
	var out []string
	if c.When != "" {
		out = append(out, c.When)
	}
	for _, sub := range c.And {
		out = append(out, sub.Refs()...)
	}
	for _, sub := range c.Or {
		out = append(out, sub.Refs()...)
	}
	return out
}

// Lookup resolves a dotted path. A flat key equal to the whole path wins over
// nested traversal.
func Lookup(data map[string]any, path string) (any, bool) {
	if data == nil {
		return nil, false
	}
	if v, ok := data[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		return nil, false
	}
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func member(v, list any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if equal(v, item) {
			return true
		}
	}
	return false
}

func compare(op Operator, a, b any) bool {
	fa, ok := toFloat(a)
	if !ok {
		return false
	}
	fb, ok := toFloat(b)
	if !ok {
		return false
	}
	switch op {
	case OpGt:
		return fa > fb
	case OpGte:
		return fa >= fb
	case OpLt:
		return fa < fb
	case OpLte:
		return fa <= fb
	}
	return false
}

// toFloat accepts Go numeric kinds and json.Number. Strings are not coerced.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case interface{ Float64() (float64, error) }:
		x, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = x
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

var patterns sync.Map // pattern -> *regexp.Regexp, or nil when it does not compile

func matches(v, pattern any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	p, ok := pattern.(string)
	if !ok {
		return false
	}
	re := compilePattern(p)
	if re == nil {
		return false
	}
	return re.MatchString(s)
}

func compilePattern(p string) *regexp.Regexp {
	if cached, ok := patterns.Load(p); ok {
		re, _ := cached.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(p)
	if err != nil {
		patterns.Store(p, (*regexp.Regexp)(nil))
		return nil
	}
	patterns.Store(p, re)
	return re
}
