package domain

import (
	"time"

	"github.com/amitpaz1/formbridge/pkg/condition"
)

// Destination is where finished submissions are delivered.
type Destination struct {
	URL     string            `json:"url" yaml:"url"`
	Secret  string            `json:"-" yaml:"secret"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// ApprovalGate routes a submission to review when Condition holds. A nil
// Condition always triggers.
type ApprovalGate struct {
	Name      string               `json:"name" yaml:"name"`
	Condition *condition.Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

type IntakeDefinition struct {
	ID            string                          `json:"id" yaml:"id"`
	Name          string                          `json:"name" yaml:"name"`
	Schema        map[string]any                  `json:"schema" yaml:"schema"`
	FieldRules    map[string]condition.FieldRules `json:"fieldRules,omitempty" yaml:"fieldRules,omitempty"`
	ApprovalGates []ApprovalGate                  `json:"approvalGates,omitempty" yaml:"approvalGates,omitempty"`
	Destination   *Destination                    `json:"destination,omitempty" yaml:"destination,omitempty"`
	// TTL bounds how long a submission may stay open. Zero means no expiry.
	TTL time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// TriggeredGates returns the names of gates whose condition holds for data.
func (d *IntakeDefinition) TriggeredGates(data map[string]any) []string {
	var out []string
	for _, g := range d.ApprovalGates {
		if g.Condition == nil || condition.Evaluate(*g.Condition, data) {
			out = append(out, g.Name)
		}
	}
	return out
}
