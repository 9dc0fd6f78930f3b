package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/amitpaz1/formbridge/pkg/canonhash"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// EngineError is one leaf failure reported by a schema engine.
type EngineError struct {
	// InstancePath is a JSON pointer into the validated document.
	InstancePath string
	Keyword      string
	Message      string
}

type Compiled interface {
	Validate(doc any) ([]EngineError, error)
}

// Compiler turns a schema document into something reusable.
type Compiler interface {
	Compile(schema map[string]any) (Compiled, error)
}

type jsonSchemaCompiler struct{}

// NewJSONSchemaCompiler returns the default Compiler, with format assertion on.
func NewJSONSchemaCompiler() Compiler { return jsonSchemaCompiler{} }

func (jsonSchemaCompiler) Compile(schema map[string]any) (Compiled, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	ref := "formbridge://schemas/" + strings.TrimPrefix(canonhash.SumBytes(b), "sha256:") + ".json"

	c := jsonschema.NewCompiler()
	c.AssertFormat = true
	if err := c.AddResource(ref, bytes.NewReader(b)); err != nil {
		return nil, err
	}
	sch, err := c.Compile(ref)
	if err != nil {
		return nil, err
	}
	return compiledSchema{sch: sch}, nil
}

type compiledSchema struct {
	sch *jsonschema.Schema
}

func (s compiledSchema) Validate(doc any) ([]EngineError, error) {
	err := s.sch.Validate(doc)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, err
	}
	var out []EngineError
	collectLeaves(ve, &out)
	return out, nil
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]EngineError) {
	if len(ve.Causes) == 0 {
		loc := ve.KeywordLocation
		keyword := loc[strings.LastIndex(loc, "/")+1:]
		*out = append(*out, EngineError{
			InstancePath: ve.InstanceLocation,
			Keyword:      keyword,
			Message:      ve.Message,
		})
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}
