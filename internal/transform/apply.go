package transform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/medbridge/medbridge/pkg/dotpath"
)

var templatePattern = regexp.MustCompile(`\{\{\s*([^}\s]+)\s*\}\}`)

// applyRule dispatches on the rule's transformation type. Errors are caught
// by the caller and recorded against the rule.
func (e *Engine) applyRule(rule *MappingRule, value interface{}, record map[string]interface{}) (interface{}, error) {
	switch rule.Type {
	case TransformDirect:
		return value, nil

	case TransformLookup:
		return e.applyLookup(rule.Config.LookupTableID, value)

	case TransformCalculation:
		return evalExpression(rule.Config.Expression, value, record)

	case TransformConcatenation:
		parts := make([]string, 0, len(rule.Config.SourceFields))
		for _, field := range rule.Config.SourceFields {
			if v, ok := dotpath.Get(record, field); ok {
				parts = append(parts, fmt.Sprintf("%v", v))
			}
		}
		return strings.Join(parts, rule.Config.Separator), nil

	case TransformSplit:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("split: expected string, got %T", value)
		}
		sep := rule.Config.Separator
		if sep == "" {
			sep = ","
		}
		pieces := strings.Split(s, sep)
		if rule.Config.Index == nil {
			return pieces, nil
		}
		idx := *rule.Config.Index
		if idx < 0 || idx >= len(pieces) {
			return nil, fmt.Errorf("split: index %d out of range for %d elements", idx, len(pieces))
		}
		return pieces[idx], nil

	case TransformFormat:
		return applyFormat(rule.Config.Format, value)

	case TransformConditional:
		for _, c := range rule.Config.Cases {
			if evalCondition(c.Condition, record) {
				return c.Value, nil
			}
		}
		return rule.Config.Default, nil

	case TransformCustom:
		fn, err := e.functions.Get(rule.Config.FunctionName)
		if err != nil {
			return nil, err
		}
		return fn(value, record)

	case TransformRegex:
		return applyRegex(rule.Config, value)

	case TransformTemplate:
		return templatePattern.ReplaceAllStringFunc(rule.Config.Template, func(match string) string {
			path := templatePattern.FindStringSubmatch(match)[1]
			if v, ok := dotpath.Get(record, path); ok {
				return fmt.Sprintf("%v", v)
			}
			return ""
		}), nil

	default:
		return nil, fmt.Errorf("unsupported transformation type: %s", rule.Type)
	}
}

// applyLookup substitutes the value through the named table, falling back to
// the table default and then the original value.
func (e *Engine) applyLookup(tableID string, value interface{}) (interface{}, error) {
	e.mu.RLock()
	table, ok := e.lookups[tableID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("lookup table not found: %s", tableID)
	}

	needle := fmt.Sprintf("%v", value)
	for _, pair := range table.Entries {
		if table.CaseSensitive {
			if pair.SourceValue == needle {
				return pair.TargetValue, nil
			}
		} else if strings.EqualFold(pair.SourceValue, needle) {
			return pair.TargetValue, nil
		}
	}

	if table.DefaultValue != nil {
		return table.DefaultValue, nil
	}
	return value, nil
}

// evalCondition evaluates a single rule condition against the record.
func evalCondition(c RuleCondition, record map[string]interface{}) bool {
	value, exists := dotpath.Get(record, c.Field)

	switch c.Operator {
	case OpExists:
		return exists
	case OpNotExists:
		return !exists
	}

	if !exists {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return fmt.Sprintf("%v", value) == fmt.Sprintf("%v", c.Value)
	case OpNotEquals:
		return fmt.Sprintf("%v", value) != fmt.Sprintf("%v", c.Value)
	case OpContains:
		return strings.Contains(fmt.Sprintf("%v", value), fmt.Sprintf("%v", c.Value))
	case OpNotContains:
		return !strings.Contains(fmt.Sprintf("%v", value), fmt.Sprintf("%v", c.Value))
	case OpGreaterThan:
		a, errA := toFloat(value)
		b, errB := toFloat(c.Value)
		return errA == nil && errB == nil && a > b
	case OpLessThan:
		a, errA := toFloat(value)
		b, errB := toFloat(c.Value)
		return errA == nil && errB == nil && a < b
	case OpRegex:
		re, err := regexp.Compile(fmt.Sprintf("%v", c.Value))
		return err == nil && re.MatchString(fmt.Sprintf("%v", value))
	default:
		return false
	}
}

// evalExpression evaluates a calculation expression. Supported forms:
// "value <op> <operand>" for + - * /, a bare field path into the record, or
// a registered helper name invoked through the calculation config.
func evalExpression(expr string, value interface{}, record map[string]interface{}) (interface{}, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("calculation: empty expression")
	}

	fields := strings.Fields(expr)
	if len(fields) == 3 {
		left, err := resolveOperand(fields[0], value, record)
		if err != nil {
			return nil, fmt.Errorf("calculation: %w", err)
		}
		right, err := resolveOperand(fields[2], value, record)
		if err != nil {
			return nil, fmt.Errorf("calculation: %w", err)
		}

		switch fields[1] {
		case "+":
			return left + right, nil
		case "-":
			return left - right, nil
		case "*":
			return left * right, nil
		case "/":
			if right == 0 {
				return nil, fmt.Errorf("calculation: division by zero")
			}
			return left / right, nil
		default:
			return nil, fmt.Errorf("calculation: unsupported operator %q", fields[1])
		}
	}

	if len(fields) == 1 {
		n, err := resolveOperand(fields[0], value, record)
		if err != nil {
			return nil, fmt.Errorf("calculation: %w", err)
		}
		return n, nil
	}

	return nil, fmt.Errorf("calculation: cannot parse expression %q", expr)
}

// resolveOperand turns an expression token into a number: the literal
// "value" token, a numeric literal, or a dotted path into the record.
func resolveOperand(token string, value interface{}, record map[string]interface{}) (float64, error) {
	if token == "value" {
		return toFloat(value)
	}
	if n, err := strconv.ParseFloat(token, 64); err == nil {
		return n, nil
	}
	if v, ok := dotpath.Get(record, token); ok {
		return toFloat(v)
	}
	return 0, fmt.Errorf("unresolvable operand %q", token)
}

// applyFormat coerces the value per the configured format.
func applyFormat(format string, value interface{}) (interface{}, error) {
	switch format {
	case "uppercase":
		return strings.ToUpper(fmt.Sprintf("%v", value)), nil
	case "lowercase":
		return strings.ToLower(fmt.Sprintf("%v", value)), nil
	case "date":
		t, err := parseDate(fmt.Sprintf("%v", value))
		if err != nil {
			return nil, fmt.Errorf("format date: %w", err)
		}
		return t.Format("2006-01-02"), nil
	case "datetime":
		t, err := parseDate(fmt.Sprintf("%v", value))
		if err != nil {
			return nil, fmt.Errorf("format datetime: %w", err)
		}
		return t.Format(time.RFC3339), nil
	case "number":
		return toFloat(value)
	case "string":
		return fmt.Sprintf("%v", value), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// applyRegex handles replace, extract, and test modes.
func applyRegex(cfg RuleConfig, value interface{}) (interface{}, error) {
	re, err := regexp.Compile(cfg.Pattern)
	if err != nil {
		return nil, fmt.Errorf("regex: %w", err)
	}
	s := fmt.Sprintf("%v", value)

	switch cfg.RegexMode {
	case "replace":
		return re.ReplaceAllString(s, cfg.Replacement), nil
	case "extract":
		matches := re.FindStringSubmatch(s)
		if matches == nil {
			return nil, fmt.Errorf("regex: no match for %q", cfg.Pattern)
		}
		group := cfg.CaptureGroup
		if group < 0 || group >= len(matches) {
			return nil, fmt.Errorf("regex: capture group %d out of range", group)
		}
		return matches[group], nil
	case "test":
		return re.MatchString(s), nil
	default:
		return nil, fmt.Errorf("regex: unsupported mode %q", cfg.RegexMode)
	}
}

// toFloat coerces the numeric types JSON decoding produces, plus numeric
// strings.
func toFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("not a number: %T", value)
	}
}
