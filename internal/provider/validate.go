package provider

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// FieldError describes one rejected configuration field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every offending field of a configuration.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// FieldNames returns the names of the offending fields.
func (e *ValidationError) FieldNames() []string {
	out := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		out = append(out, f.Field)
	}
	return out
}

// AsValidationError unwraps err into a ValidationError.
func AsValidationError(err error) (*ValidationError, bool) {
	var v *ValidationError
	ok := errors.As(err, &v)
	return v, ok
}

// Validate checks config against the version's declared parameters and
// returns a normalized copy: defaults filled, values coerced to their
// declared types, undeclared keys dropped. All violations are reported
// together.
func Validate(v Version, config map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(v.Parameters))
	var fields []FieldError
	for _, p := range v.Parameters {
		raw, present := config[p.Name]
		if !present || raw == nil {
			if p.Default != nil {
				out[p.Name] = p.Default
				continue
			}
			if p.Required {
				fields = append(fields, FieldError{Field: p.Name, Reason: "required"})
			}
			continue
		}
		val, reason := coerce(p, raw)
		if reason != "" {
			fields = append(fields, FieldError{Field: p.Name, Reason: reason})
			continue
		}
		if reason := checkBounds(p, val); reason != "" {
			fields = append(fields, FieldError{Field: p.Name, Reason: reason})
			continue
		}
		out[p.Name] = val
	}
	if len(fields) > 0 {
		sort.SliceStable(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
		return nil, &ValidationError{Fields: fields}
	}
	return out, nil
}

// Public returns config without the version's private parameters.
func Public(v Version, config map[string]any) map[string]any {
	out := make(map[string]any, len(config))
	for k, val := range config {
		if p, ok := v.Param(k); ok && p.Private {
			continue
		}
		out[k] = val
	}
	return out
}

func coerce(p Param, raw any) (any, string) {
	switch p.Type {
	case TypeString, "":
		s, ok := raw.(string)
		if !ok {
			return nil, "must be a string"
		}
		return s, ""
	case TypeInteger:
		switch n := raw.(type) {
		case int:
			return int64(n), ""
		case int64:
			return n, ""
		case float64:
			if n != math.Trunc(n) {
				return nil, "must be an integer"
			}
			return int64(n), ""
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
			if err != nil {
				return nil, "must be an integer"
			}
			return i, ""
		}
		return nil, "must be an integer"
	case TypeNumber:
		if f, ok := toFloat(raw); ok {
			return f, ""
		}
		if s, ok := raw.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err == nil {
				return f, ""
			}
		}
		return nil, "must be a number"
	case TypeBoolean:
		switch b := raw.(type) {
		case bool:
			return b, ""
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err == nil {
				return parsed, ""
			}
		}
		return nil, "must be a boolean"
	case TypeArray:
		switch a := raw.(type) {
		case []any:
			return a, ""
		case []string:
			out := make([]any, len(a))
			for i, s := range a {
				out[i] = s
			}
			return out, ""
		}
		return nil, "must be an array"
	}
	return nil, fmt.Sprintf("unsupported parameter type %q", p.Type)
}

func checkBounds(p Param, val any) string {
	if len(p.Allowed) > 0 {
		match := false
		for _, a := range p.Allowed {
			if fmt.Sprint(a) == fmt.Sprint(val) {
				match = true
				break
			}
		}
		if !match {
			return fmt.Sprintf("must be one of %v", p.Allowed)
		}
	}
	f, numeric := toFloat(val)
	if !numeric {
		return ""
	}
	if p.Minimum != nil && f < *p.Minimum {
		return fmt.Sprintf("must be >= %v", *p.Minimum)
	}
	if p.Maximum != nil && f > *p.Maximum {
		return fmt.Sprintf("must be <= %v", *p.Maximum)
	}
	return ""
}
