package transform

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// CustomFunc is the signature for registered transformation functions. It
// receives the rule's source value and the full source record.
type CustomFunc func(value interface{}, record map[string]interface{}) (interface{}, error)

// FunctionRegistry maps function names to implementations. Names are
// validated at registration; unknown names fail the rule deterministically
// at apply time.
type FunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]CustomFunc
}

// NewFunctionRegistry creates a registry preloaded with the built-ins.
func NewFunctionRegistry() *FunctionRegistry {
	r := &FunctionRegistry{functions: make(map[string]CustomFunc)}
	for name, fn := range builtinFunctions() {
		r.functions[name] = fn
	}
	return r
}

// Register adds a function under the given name. Empty names, nil functions,
// and duplicate names are rejected.
func (r *FunctionRegistry) Register(name string, fn CustomFunc) error {
	if name == "" {
		return fmt.Errorf("function name is required")
	}
	if fn == nil {
		return fmt.Errorf("function %s: implementation is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.functions[name]; exists {
		return fmt.Errorf("function %s already registered", name)
	}
	r.functions[name] = fn
	return nil
}

// Get returns the function registered under name.
func (r *FunctionRegistry) Get(name string) (CustomFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.functions[name]
	if !ok {
		return nil, fmt.Errorf("function not found: %s", name)
	}
	return fn, nil
}

// Names returns the registered function names.
func (r *FunctionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	return names
}

// builtinFunctions returns the functions every registry starts with.
func builtinFunctions() map[string]CustomFunc {
	return map[string]CustomFunc{
		"uppercase": func(value interface{}, _ map[string]interface{}) (interface{}, error) {
			return strings.ToUpper(fmt.Sprintf("%v", value)), nil
		},
		"lowercase": func(value interface{}, _ map[string]interface{}) (interface{}, error) {
			return strings.ToLower(fmt.Sprintf("%v", value)), nil
		},
		"trim": func(value interface{}, _ map[string]interface{}) (interface{}, error) {
			return strings.TrimSpace(fmt.Sprintf("%v", value)), nil
		},
		// ageFromDate converts an ISO date of birth to whole years.
		"ageFromDate": func(value interface{}, _ map[string]interface{}) (interface{}, error) {
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("ageFromDate: expected string date, got %T", value)
			}
			dob, err := parseDate(s)
			if err != nil {
				return nil, fmt.Errorf("ageFromDate: %w", err)
			}
			now := time.Now()
			years := now.Year() - dob.Year()
			if now.YearDay() < dob.YearDay() {
				years--
			}
			return years, nil
		},
		"round": func(value interface{}, _ map[string]interface{}) (interface{}, error) {
			n, err := toFloat(value)
			if err != nil {
				return nil, fmt.Errorf("round: %w", err)
			}
			return math.Round(n), nil
		},
		"abs": func(value interface{}, _ map[string]interface{}) (interface{}, error) {
			n, err := toFloat(value)
			if err != nil {
				return nil, fmt.Errorf("abs: %w", err)
			}
			return math.Abs(n), nil
		},
	}
}

// parseDate accepts the date layouts seen across HL7v2 and FHIR payloads.
func parseDate(s string) (time.Time, error) {
	layouts := []string{time.RFC3339, "2006-01-02", "20060102"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
