package tools

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"ibkrmcp/internal/domain"
)

// Schema is the JSON Schema subset advertised as a tool's inputSchema.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes one tool argument.
type Property struct {
	Type             string   `json:"type"`
	Description      string   `json:"description,omitempty"`
	Enum             []string `json:"enum,omitempty"`
	Default          any      `json:"default,omitempty"`
	ExclusiveMinimum *float64 `json:"exclusiveMinimum,omitempty"`
}

// Args are decoded tool arguments. After validation, numbers are float64,
// enum values are in their canonical spelling and defaults are filled in.
type Args map[string]any

// String returns a string argument, or "" when absent.
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Float returns a number argument and whether it was present.
func (a Args) Float(name string) (float64, bool) {
	f, ok := a[name].(float64)
	return f, ok
}

// Int returns an integer argument, or 0 when absent.
func (a Args) Int(name string) int64 {
	f, _ := a[name].(float64)
	return int64(f)
}

func object(required []string, props map[string]Property) Schema {
	if props == nil {
		props = map[string]Property{}
	}
	return Schema{Type: "object", Properties: props, Required: required}
}

func positive() *float64 {
	zero := 0.0
	return &zero
}

// validate checks args against the schema and normalizes them in place.
// Every failure names the offending field.
func (s Schema) validate(args Args) error {
	for _, name := range s.Required {
		v, ok := args[name]
		if !ok || v == nil {
			return domain.NewInvalidParameter(name, fmt.Sprintf("%s is required", name))
		}
		if str, isStr := v.(string); isStr && strings.TrimSpace(str) == "" {
			return domain.NewInvalidParameter(name, fmt.Sprintf("%s is required", name))
		}
	}

	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop := s.Properties[name]
		v, ok := args[name]
		if !ok || v == nil {
			if prop.Default != nil {
				args[name] = prop.Default
			}
			continue
		}
		norm, err := prop.check(name, v)
		if err != nil {
			return err
		}
		args[name] = norm
	}
	return nil
}

func (p Property) check(name string, v any) (any, error) {
	switch p.Type {
	case "string":
		s, ok := v.(string)
		if !ok {
			return nil, domain.NewInvalidParameter(name, fmt.Sprintf("%s must be a string", name))
		}
		s = strings.TrimSpace(s)
		if len(p.Enum) > 0 {
			for _, allowed := range p.Enum {
				if strings.EqualFold(s, allowed) {
					return allowed, nil
				}
			}
			return nil, domain.NewInvalidParameter(name,
				fmt.Sprintf("%s must be one of %s, got %q", name, strings.Join(p.Enum, ", "), s))
		}
		return s, nil

	case "number", "integer":
		f, err := toFloat(v)
		if err != nil {
			return nil, domain.NewInvalidParameter(name, fmt.Sprintf("%s must be a number", name))
		}
		if p.Type == "integer" && f != math.Trunc(f) {
			return nil, domain.NewInvalidParameter(name, fmt.Sprintf("%s must be an integer", name))
		}
		if p.ExclusiveMinimum != nil && f <= *p.ExclusiveMinimum {
			return nil, domain.NewInvalidParameter(name,
				fmt.Sprintf("%s must be greater than %g", name, *p.ExclusiveMinimum))
		}
		return f, nil

	case "boolean":
		b, ok := v.(bool)
		if !ok {
			return nil, domain.NewInvalidParameter(name, fmt.Sprintf("%s must be a boolean", name))
		}
		return b, nil
	}
	return v, nil
}

// toFloat accepts JSON numbers and numeric strings.
func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("not finite")
		}
		return n, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("not finite")
		}
		return f, nil
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}
