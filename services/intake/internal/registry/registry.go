package registry

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/amitpaz1/formbridge/pkg/condition"
	"github.com/amitpaz1/formbridge/pkg/domain"
)

// Validate rejects definitions the lifecycle cannot run: missing ids or
// schemas, malformed rules, rule cycles and unusable destinations.
func Validate(def *domain.IntakeDefinition) error {
	if def == nil || strings.TrimSpace(def.ID) == "" {
		return fmt.Errorf("intake id is required")
	}
	if def.Schema == nil {
		return fmt.Errorf("intake %s: schema is required", def.ID)
	}
	fields := make([]string, 0, len(def.FieldRules))
	for f := range def.FieldRules {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		r := def.FieldRules[f]
		for _, c := range []*condition.Condition{r.Visible, r.Required, r.Validate} {
			if c == nil {
				continue
			}
			if err := c.Validate(); err != nil {
				return fmt.Errorf("intake %s: rule on %s: %w", def.ID, f, err)
			}
		}
	}
	if cycles := condition.DetectCycles(def.FieldRules); len(cycles) > 0 {
		parts := make([]string, 0, len(cycles))
		for _, c := range cycles {
			parts = append(parts, strings.Join(append(c, c[0]), " -> "))
		}
		return fmt.Errorf("intake %s: conditional rules form cycles: %s", def.ID, strings.Join(parts, "; "))
	}
	for _, g := range def.ApprovalGates {
		if g.Condition == nil {
			continue
		}
		if err := g.Condition.Validate(); err != nil {
			return fmt.Errorf("intake %s: approval gate %s: %w", def.ID, g.Name, err)
		}
	}
	if def.Destination != nil {
		u, err := url.Parse(def.Destination.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("intake %s: destination url %q is not an http(s) url", def.ID, def.Destination.URL)
		}
	}
	return nil
}

type Memory struct {
	mu   sync.RWMutex
	defs map[string]*domain.IntakeDefinition
}

func NewMemory() *Memory { return &Memory{defs: map[string]*domain.IntakeDefinition{}} }

func (m *Memory) Register(def *domain.IntakeDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.ID] = def
	return nil
}

func (m *Memory) GetIntake(_ context.Context, id string) (*domain.IntakeDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.defs[id]
	if !ok {
		return nil, &domain.IntakeNotFoundError{IntakeID: id}
	}
	return def, nil
}

func (m *Memory) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.defs))
	for id := range m.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
