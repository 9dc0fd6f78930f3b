package validation

import "strings"

const uploadExtension = "x-upload"

// FileConstraint describes a file field: a string property with
// "format": "binary", optionally constrained by "x-upload".
type FileConstraint struct {
	MaxBytes int64
	Accept   []string
}

func properties(schema map[string]any) map[string]any {
	props, _ := schema["properties"].(map[string]any)
	return props
}

// RequiredFields returns the schema's top-level required list.
func RequiredFields(schema map[string]any) []string {
	raw, _ := schema["required"].([]any)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		if ss, ok := schema["required"].([]string); ok {
			out = append(out, ss...)
		}
	}
	return out
}

// FileFields returns the top-level file fields of schema.
func FileFields(schema map[string]any) map[string]FileConstraint {
	out := map[string]FileConstraint{}
	for name, raw := range properties(schema) {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		_, hasExt := prop[uploadExtension]
		if format, _ := prop["format"].(string); format != "binary" && !hasExt {
			continue
		}
		fc := FileConstraint{}
		if ext, ok := prop[uploadExtension].(map[string]any); ok {
			if n, ok := number(ext["maxBytes"]); ok {
				fc.MaxBytes = int64(n)
			}
			switch acc := ext["accept"].(type) {
			case []any:
				for _, a := range acc {
					if s, ok := a.(string); ok {
						fc.Accept = append(fc.Accept, s)
					}
				}
			case []string:
				fc.Accept = append(fc.Accept, acc...)
			}
		}
		out[name] = fc
	}
	return out
}

// Allows reports whether mimeType matches one of the accepted patterns.
// "image/*" style wildcards are supported; an empty list accepts anything.
func (fc FileConstraint) Allows(mimeType string) bool {
	if len(fc.Accept) == 0 {
		return true
	}
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	for _, a := range fc.Accept {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "*/*" || a == mt {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "/*"); ok && strings.HasPrefix(mt, prefix+"/") {
			return true
		}
	}
	return false
}

// propertyAt walks "properties" along a dotted path.
func propertyAt(schema map[string]any, path string) map[string]any {
	cur := schema
	for _, p := range strings.Split(path, ".") {
		next, ok := properties(cur)[p].(map[string]any)
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// engineSchema drops what the engine must not see: the top-level required
// list, handled with condition effects, and file properties, handled
// against upload state.
func engineSchema(schema map[string]any, files map[string]FileConstraint) map[string]any {
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if k == "required" {
			continue
		}
		out[k] = v
	}
	if props := properties(schema); props != nil && len(files) > 0 {
		trimmed := make(map[string]any, len(props))
		for name, p := range props {
			if _, isFile := files[name]; isFile {
				continue
			}
			trimmed[name] = p
		}
		out["properties"] = trimmed
	}
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
