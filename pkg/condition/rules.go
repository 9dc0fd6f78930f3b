package condition

import (
	"sort"
	"strings"
)

// FieldRules attaches conditional behavior to one field. A nil condition
// keeps the default: visible, schema-required, validated.
type FieldRules struct {
	Visible  *Condition `json:"visibleWhen,omitempty" yaml:"visibleWhen,omitempty"`
	Required *Condition `json:"requiredWhen,omitempty" yaml:"requiredWhen,omitempty"`
	Validate *Condition `json:"validateWhen,omitempty" yaml:"validateWhen,omitempty"`
}

type Effect struct {
	Visible           bool `json:"visible"`
	Required          bool `json:"required"`
	ValidationEnabled bool `json:"validationEnabled"`
}

func (r FieldRules) Refs() []string {
	var out []string
	for _, c := range []*Condition{r.Visible, r.Required, r.Validate} {
		if c != nil {
			out = append(out, c.Refs()...)
		}
	}
	return out
}

// Resolve computes the effect of rules for data. A hidden field is never
// required and never validated.
func Resolve(rules FieldRules, schemaRequired bool, data map[string]any) Effect {
	if rules.Visible != nil && !Evaluate(*rules.Visible, data) {
		return Effect{}
	}
	eff := Effect{Visible: true, Required: schemaRequired, ValidationEnabled: true}
	if rules.Required != nil {
		eff.Required = Evaluate(*rules.Required, data)
	}
	if rules.Validate != nil {
		eff.ValidationEnabled = Evaluate(*rules.Validate, data)
	}
	return eff
}

// ResolveAll resolves every field that has rules or is schema-required.
// Fields absent from the result have the default effect.
func ResolveAll(rules map[string]FieldRules, schemaRequired []string, data map[string]any) map[string]Effect {
	required := make(map[string]bool, len(schemaRequired))
	for _, f := range schemaRequired {
		required[f] = true
	}
	out := make(map[string]Effect, len(rules)+len(required))
	for f := range required {
		out[f] = Resolve(rules[f], true, data)
	}
	for f, r := range rules {
		out[f] = Resolve(r, required[f], data)
	}
	return out
}

// DetectCycles returns every elementary cycle in the graph where field A
// points at field B when one of A's rules reads B. Each cycle is reported
// once, rotated so its smallest field comes first. Results are sorted.
func DetectCycles(rules map[string]FieldRules) [][]string {
	graph := map[string][]string{}
	nodes := map[string]bool{}
	for field, r := range rules {
		nodes[field] = true
		seen := map[string]bool{}
		for _, ref := range r.Refs() {
			if seen[ref] {
				continue
			}
			seen[ref] = true
			nodes[ref] = true
			graph[field] = append(graph[field], ref)
		}
		sort.Strings(graph[field])
	}

	ordered := make([]string, 0, len(nodes))
	for n := range nodes {
		ordered = append(ordered, n)
	}
	sort.Strings(ordered)

	var cycles [][]string
	for _, start := range ordered {
		onPath := map[string]bool{start: true}
		path := []string{start}
		var walk func(n string)
		walk = func(n string) {
			for _, next := range graph[n] {
				if next == start {
					cycles = append(cycles, append([]string(nil), path...))
					continue
				}
				// Only nodes ordered after start, so each cycle is found from its minimum.
				if next < start || onPath[next] {
					continue
				}
				onPath[next] = true
				path = append(path, next)
				walk(next)
				path = path[:len(path)-1]
				onPath[next] = false
			}
		}
		walk(start)
	}

	sort.Slice(cycles, func(i, j int) bool {
		return strings.Join(cycles[i], "\x00") < strings.Join(cycles[j], "\x00")
	})
	return cycles
}
