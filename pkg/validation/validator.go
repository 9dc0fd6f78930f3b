// Package validation checks submission data against an intake schema,
// honoring conditional field rules and upload state, and translates every
// failure into a stable error code plus a next action for the caller.
package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/amitpaz1/formbridge/pkg/canonhash"
	"github.com/amitpaz1/formbridge/pkg/condition"

	"github.com/patrickmn/go-cache"
)

type Options struct {
	Mode Mode
	// Rules are the intake's conditional field rules.
	Rules map[string]condition.FieldRules
	// Uploads holds the latest upload per file field.
	Uploads map[string]UploadState
}

type Validator struct {
	compiler Compiler
	cache    *cache.Cache
}

type Option func(*Validator)

func WithCompiler(c Compiler) Option {
	return func(v *Validator) { v.compiler = c }
}

func New(opts ...Option) *Validator {
	v := &Validator{
		compiler: NewJSONSchemaCompiler(),
		cache:    cache.New(30*time.Minute, 10*time.Minute),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate checks data against schema. It returns an error only when the
// schema itself cannot be compiled or the data cannot be encoded.
func (v *Validator) Validate(schema, data map[string]any, opts Options) (Result, error) {
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	normalized, err := normalize(data)
	if err != nil {
		return Result{}, fmt.Errorf("normalize data: %w", err)
	}
	doc := expandDotted(normalized)

	files := FileFields(schema)
	effects := condition.ResolveAll(opts.Rules, RequiredFields(schema), doc)
	effectOf := func(field string) condition.Effect {
		if eff, ok := effects[field]; ok {
			return eff
		}
		return condition.Effect{Visible: true, ValidationEnabled: true}
	}

	var errs []FieldError

	if opts.Mode == ModeFull {
		for field, eff := range effects {
			if !eff.Required {
				continue
			}
			if _, isFile := files[field]; isFile {
				continue
			}
			if !present(doc, field) {
				errs = append(errs, FieldError{Field: field, Code: CodeRequired, Message: fmt.Sprintf("%s is required", field)})
			}
		}
	}

	for field, fc := range files {
		eff := effectOf(field)
		if !eff.Visible || (!eff.ValidationEnabled && !eff.Required) {
			continue
		}
		errs = append(errs, checkUpload(field, fc, eff, opts, present(doc, field))...)
	}

	engineDoc := make(map[string]any, len(doc))
	for field, val := range doc {
		if _, isFile := files[field]; isFile {
			continue
		}
		if !effectOf(field).ValidationEnabled {
			continue
		}
		engineDoc[field] = val
	}
	compiled, err := v.compile(engineSchema(schema, files))
	if err != nil {
		return Result{}, err
	}
	engineErrs, err := compiled.Validate(engineDoc)
	if err != nil {
		return Result{}, fmt.Errorf("validate: %w", err)
	}
	for _, ee := range engineErrs {
		for _, fe := range translate(ee) {
			if opts.Mode == ModePartial && fe.Code == CodeRequired {
				continue
			}
			errs = append(errs, fe)
		}
	}

	return buildResult(schema, errs), nil
}

func (v *Validator) compile(schema map[string]any) (Compiled, error) {
	key, _, err := canonhash.SumObject(schema)
	if err != nil {
		return nil, fmt.Errorf("hash schema: %w", err)
	}
	if cached, ok := v.cache.Get(key); ok {
		return cached.(Compiled), nil
	}
	compiled, err := v.compiler.Compile(schema)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache.SetDefault(key, compiled)
	return compiled, nil
}

func checkUpload(field string, fc FileConstraint, eff condition.Effect, opts Options, hasValue bool) []FieldError {
	up, ok := opts.Uploads[field]
	full := opts.Mode == ModeFull
	if !ok {
		if full && eff.Required && !hasValue {
			return []FieldError{{Field: field, Code: CodeFileRequired, Message: fmt.Sprintf("%s requires an uploaded file", field)}}
		}
		return nil
	}

	var errs []FieldError
	if fc.MaxBytes > 0 && up.SizeBytes > fc.MaxBytes {
		errs = append(errs, FieldError{Field: field, Code: CodeFileTooLarge,
			Message: fmt.Sprintf("%s exceeds the %d byte limit", field, fc.MaxBytes)})
	}
	if up.MimeType != "" && !fc.Allows(up.MimeType) {
		errs = append(errs, FieldError{Field: field, Code: CodeFileWrongType,
			Message: fmt.Sprintf("%s does not accept %s", field, up.MimeType)})
	}
	if !full {
		return errs
	}
	switch up.Status {
	case UploadPending:
		errs = append(errs, FieldError{Field: field, Code: CodeUploadPending, Message: fmt.Sprintf("upload for %s has not been confirmed", field)})
	case UploadFailed:
		msg := fmt.Sprintf("upload for %s failed", field)
		if up.Error != "" {
			msg += ": " + up.Error
		}
		errs = append(errs, FieldError{Field: field, Code: CodeUploadFailed, Message: msg})
	}
	return errs
}

var quotedName = regexp.MustCompile(`'((?:[^'\\]|\\.)*)'`)

func translate(ee EngineError) []FieldError {
	field := pointerToPath(ee.InstancePath)
	switch ee.Keyword {
	case "required":
		var out []FieldError
		for _, m := range quotedName.FindAllStringSubmatch(ee.Message, -1) {
			name := joinPath(field, m[1])
			out = append(out, FieldError{Field: name, Code: CodeRequired, Message: fmt.Sprintf("%s is required", name)})
		}
		return out
	case "additionalProperties":
		var out []FieldError
		for _, m := range quotedName.FindAllStringSubmatch(ee.Message, -1) {
			name := joinPath(field, m[1])
			out = append(out, FieldError{Field: name, Code: CodeInvalidValue, Message: fmt.Sprintf("%s is not an allowed field", name)})
		}
		return out
	}
	if field == "" {
		field = "$"
	}
	return []FieldError{{Field: field, Code: keywordCode(ee.Keyword), Message: fmt.Sprintf("%s: %s", field, ee.Message)}}
}

func keywordCode(keyword string) Code {
	switch keyword {
	case "type":
		return CodeInvalidType
	case "format", "pattern":
		return CodeInvalidFormat
	case "minLength", "minItems", "minProperties":
		return CodeTooShort
	case "maxLength", "maxItems", "maxProperties":
		return CodeTooLong
	case "minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum", "multipleOf":
		return CodeOutOfRange
	default:
		return CodeInvalidValue
	}
}

func buildResult(schema map[string]any, errs []FieldError) Result {
	sort.SliceStable(errs, func(i, j int) bool {
		if errs[i].Field != errs[j].Field {
			return errs[i].Field < errs[j].Field
		}
		return errs[i].Code < errs[j].Code
	})

	res := Result{
		Valid:         len(errs) == 0,
		Errors:        []FieldError{},
		NextActions:   []NextAction{},
		MissingFields: []string{},
		InvalidFields: []string{},
	}
	seenAction := map[string]bool{}
	seenMissing := map[string]bool{}
	seenInvalid := map[string]bool{}
	files := FileFields(schema)
	for _, e := range errs {
		res.Errors = append(res.Errors, e)
		if e.Code.missing() {
			if !seenMissing[e.Field] {
				seenMissing[e.Field] = true
				res.MissingFields = append(res.MissingFields, e.Field)
			}
		} else if !seenInvalid[e.Field] {
			seenInvalid[e.Field] = true
			res.InvalidFields = append(res.InvalidFields, e.Field)
		}
		if seenAction[e.Field] {
			continue
		}
		seenAction[e.Field] = true
		res.NextActions = append(res.NextActions, nextAction(schema, files, e))
	}
	return res
}

func nextAction(schema map[string]any, files map[string]FileConstraint, e FieldError) NextAction {
	na := NextAction{Field: e.Field, Hint: e.Message}
	prop := propertyAt(schema, e.Field)
	switch e.Code {
	case CodeRequired, CodeInvalidType, CodeInvalidFormat:
		na.Action = ActionCollectField
	case CodeInvalidValue:
		na.Action = ActionAdjustValue
		if opts := optionsOf(prop); len(opts) > 0 {
			na.Action = ActionSelectOption
			na.Options = opts
		}
	case CodeTooShort, CodeTooLong, CodeOutOfRange:
		na.Action = ActionAdjustValue
		na.Constraints = constraintsOf(prop)
	case CodeUploadPending:
		na.Action = ActionConfirmUpload
	default:
		na.Action = ActionRequestUpload
		if fc, ok := files[e.Field]; ok {
			na.Constraints = map[string]any{}
			if fc.MaxBytes > 0 {
				na.Constraints["maxBytes"] = fc.MaxBytes
			}
			if len(fc.Accept) > 0 {
				na.Constraints["accept"] = fc.Accept
			}
		}
	}
	return na
}

func optionsOf(prop map[string]any) []any {
	if prop == nil {
		return nil
	}
	if enum, ok := prop["enum"].([]any); ok {
		return enum
	}
	if c, ok := prop["const"]; ok {
		return []any{c}
	}
	return nil
}

func constraintsOf(prop map[string]any) map[string]any {
	out := map[string]any{}
	for _, k := range []string{"minLength", "maxLength", "minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum", "minItems", "maxItems", "multipleOf"} {
		if val, ok := prop[k]; ok {
			out[k] = val
		}
	}
	return out
}

func present(doc map[string]any, field string) bool {
	v, ok := condition.Lookup(doc, field)
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
		return false
	}
	return true
}

// expandDotted turns {"address.zip": "1"} into {"address": {"zip": "1"}}.
// An existing non-object value at a prefix keeps the flat key as is. Nested
// maps of data are written to, so callers pass a private copy.
func expandDotted(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	var dotted []string
	for k, v := range data {
		if strings.Contains(k, ".") {
			dotted = append(dotted, k)
			continue
		}
		out[k] = v
	}
	sort.Strings(dotted)
	for _, k := range dotted {
		parts := strings.Split(k, ".")
		cur := out
		ok := true
		for _, p := range parts[:len(parts)-1] {
			next, exists := cur[p]
			if !exists {
				m := map[string]any{}
				cur[p] = m
				cur = m
				continue
			}
			m, isMap := next.(map[string]any)
			if !isMap {
				ok = false
				break
			}
			cur = m
		}
		if ok {
			cur[parts[len(parts)-1]] = data[k]
		} else {
			out[k] = data[k]
		}
	}
	return out
}

// normalize round-trips through JSON so the engine sees only JSON types.
func normalize(data map[string]any) (map[string]any, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func pointerToPath(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return ""
	}
	parts := strings.Split(ptr, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return strings.Join(parts, ".")
}

func joinPath(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + "." + child
}
