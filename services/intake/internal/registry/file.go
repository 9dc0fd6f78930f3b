package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/amitpaz1/formbridge/pkg/condition"
	"github.com/amitpaz1/formbridge/pkg/domain"

	"github.com/go-yaml/yaml"
)

type fileDestination struct {
	URL     string            `json:"url"`
	Secret  string            `json:"secret"`
	Headers map[string]string `json:"headers"`
}

type fileIntake struct {
	ID            string                          `json:"id"`
	Name          string                          `json:"name"`
	TTL           string                          `json:"ttl"`
	Schema        map[string]any                  `json:"schema"`
	FieldRules    map[string]condition.FieldRules `json:"fieldRules"`
	ApprovalGates []domain.ApprovalGate           `json:"approvalGates"`
	Destination   *fileDestination                `json:"destination"`
}

type fileDoc struct {
	Intakes []fileIntake `json:"intakes"`
}

// LoadFile reads intake definitions from a YAML document of the form
// {intakes: [...]}. Destination secrets may reference environment
// variables as ${NAME}.
func LoadFile(path string) ([]*domain.IntakeDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) ([]*domain.IntakeDefinition, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("parse intakes yaml: %w", err)
	}
	// Round-trip through JSON so schemas and conditions decode with JSON types.
	b, err := json.Marshal(stringKeys(generic))
	if err != nil {
		return nil, fmt.Errorf("parse intakes yaml: %w", err)
	}
	var doc fileDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse intakes yaml: %w", err)
	}

	out := make([]*domain.IntakeDefinition, 0, len(doc.Intakes))
	for _, fi := range doc.Intakes {
		def := &domain.IntakeDefinition{
			ID:            fi.ID,
			Name:          fi.Name,
			Schema:        fi.Schema,
			FieldRules:    fi.FieldRules,
			ApprovalGates: fi.ApprovalGates,
		}
		if fi.TTL != "" {
			ttl, err := time.ParseDuration(fi.TTL)
			if err != nil {
				return nil, fmt.Errorf("intake %s: ttl: %w", fi.ID, err)
			}
			def.TTL = ttl
		}
		if fi.Destination != nil {
			def.Destination = &domain.Destination{
				URL:     fi.Destination.URL,
				Secret:  os.ExpandEnv(fi.Destination.Secret),
				Headers: fi.Destination.Headers,
			}
		}
		out = append(out, def)
	}
	return out, nil
}

// stringKeys converts the map[interface{}]interface{} values yaml produces.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = stringKeys(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = stringKeys(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = stringKeys(t[i])
		}
		return out
	default:
		return v
	}
}
