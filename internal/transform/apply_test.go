package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyOne(t *testing.T, rule *MappingRule, record map[string]interface{}) interface{} {
	t.Helper()
	e := newTestEngine(t)
	rule.SourceSystem = "src"
	rule.TargetSystem = "tgt"
	rule.Active = true
	if rule.TargetField == "" {
		rule.TargetField = "out"
	}
	require.NoError(t, e.AddMappingRule(rule))

	result := e.Transform(record, MappingContext{SourceSystem: "src", TargetSystem: "tgt"})
	require.True(t, result.Success, "errors: %v", result.Errors)
	return result.Data["out"]
}

func TestApplyRule_Calculation(t *testing.T) {
	tests := []struct {
		name string
		expr string
		rec  map[string]interface{}
		want float64
	}{
		{"value times literal", "value * 2.20462", map[string]interface{}{"w": 80.0}, 176.3696},
		{"value plus field", "value + vitals.offset", map[string]interface{}{"w": 10.0, "vitals": map[string]interface{}{"offset": 5}}, 15},
		{"bare numeric literal", "42", map[string]interface{}{"w": 0}, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := &MappingRule{SourceField: "w", Type: TransformCalculation}
			rule.Config.Expression = tt.expr
			got := applyOne(t, rule, tt.rec)
			assert.InDelta(t, tt.want, got.(float64), 1e-9)
		})
	}
}

func TestApplyRule_CalculationErrors(t *testing.T) {
	e := newTestEngine(t)
	rule := &MappingRule{
		SourceSystem: "src", TargetSystem: "tgt",
		SourceField: "w", TargetField: "out",
		Type: TransformCalculation, Active: true,
	}
	rule.Config.Expression = "value / 0"
	require.NoError(t, e.AddMappingRule(rule))

	result := e.Transform(map[string]interface{}{"w": 5}, MappingContext{
		SourceSystem: "src", TargetSystem: "tgt",
	})
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "division by zero")
}

func TestApplyRule_Concatenation(t *testing.T) {
	rule := &MappingRule{SourceField: "family", Type: TransformConcatenation}
	rule.Config.SourceFields = []string{"name.family", "name.given"}
	rule.Config.Separator = ", "

	got := applyOne(t, rule, map[string]interface{}{
		"name": map[string]interface{}{"family": "Garcia", "given": "Maria"},
	})
	assert.Equal(t, "Garcia, Maria", got)
}

func TestApplyRule_Split(t *testing.T) {
	idx := 1
	rule := &MappingRule{SourceField: "raw", Type: TransformSplit}
	rule.Config.Separator = "^"
	rule.Config.Index = &idx

	got := applyOne(t, rule, map[string]interface{}{"raw": "Garcia^Maria^L"})
	assert.Equal(t, "Maria", got)
}

func TestApplyRule_SplitWithoutIndexKeepsSlice(t *testing.T) {
	rule := &MappingRule{SourceField: "raw", Type: TransformSplit}
	rule.Config.Separator = "|"

	got := applyOne(t, rule, map[string]interface{}{"raw": "a|b|c"})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestApplyRule_Format(t *testing.T) {
	tests := []struct {
		format string
		input  interface{}
		want   interface{}
	}{
		{"uppercase", "ab-123", "AB-123"},
		{"lowercase", "MRN77", "mrn77"},
		{"date", "20240315", "2024-03-15"},
		{"number", "12.5", 12.5},
		{"string", 42, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			rule := &MappingRule{SourceField: "v", Type: TransformFormat}
			rule.Config.Format = tt.format
			got := applyOne(t, rule, map[string]interface{}{"v": tt.input})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyRule_Conditional(t *testing.T) {
	rule := &MappingRule{SourceField: "age", Type: TransformConditional}
	rule.Config.Cases = []ConditionalCase{
		{Condition: RuleCondition{Field: "age", Operator: OpLessThan, Value: 18}, Value: "pediatric"},
		{Condition: RuleCondition{Field: "age", Operator: OpGreaterThan, Value: 64}, Value: "geriatric"},
	}
	rule.Config.Default = "adult"

	assert.Equal(t, "pediatric", applyOne(t, rule, map[string]interface{}{"age": 7}))
	assert.Equal(t, "geriatric", applyOne(t, rule, map[string]interface{}{"age": 70}))
	assert.Equal(t, "adult", applyOne(t, rule, map[string]interface{}{"age": 30}))
}

func TestApplyRule_Regex(t *testing.T) {
	t.Run("replace", func(t *testing.T) {
		rule := &MappingRule{SourceField: "phone", Type: TransformRegex}
		rule.Config.Pattern = `\D`
		rule.Config.Replacement = ""
		rule.Config.RegexMode = "replace"
		assert.Equal(t, "5551234567", applyOne(t, rule, map[string]interface{}{"phone": "(555) 123-4567"}))
	})

	t.Run("extract capture group", func(t *testing.T) {
		rule := &MappingRule{SourceField: "id", Type: TransformRegex}
		rule.Config.Pattern = `^urn:oid:(.+)$`
		rule.Config.RegexMode = "extract"
		rule.Config.CaptureGroup = 1
		assert.Equal(t, "2.16.840.1", applyOne(t, rule, map[string]interface{}{"id": "urn:oid:2.16.840.1"}))
	})

	t.Run("test", func(t *testing.T) {
		rule := &MappingRule{SourceField: "mrn", Type: TransformRegex}
		rule.Config.Pattern = `^\d{6}$`
		rule.Config.RegexMode = "test"
		assert.Equal(t, true, applyOne(t, rule, map[string]interface{}{"mrn": "123456"}))
	})
}

func TestApplyRule_Template(t *testing.T) {
	rule := &MappingRule{SourceField: "name", Type: TransformTemplate}
	rule.Config.Template = "{{name.given}} {{name.family}} ({{mrn}})"

	got := applyOne(t, rule, map[string]interface{}{
		"name": map[string]interface{}{"given": "Maria", "family": "Garcia"},
		"mrn":  "0042",
	})
	assert.Equal(t, "Maria Garcia (0042)", got)
}

func TestApplyRule_TemplateMissingFieldsRenderEmpty(t *testing.T) {
	rule := &MappingRule{SourceField: "name", Type: TransformTemplate}
	rule.Config.AllowUndefined = true
	rule.Config.Template = "[{{absent}}]"

	got := applyOne(t, rule, map[string]interface{}{"other": 1})
	assert.Equal(t, "[]", got)
}

func TestEvalCondition_Operators(t *testing.T) {
	record := map[string]interface{}{
		"status": "final",
		"count":  5,
		"code":   "ICD-10",
	}

	tests := []struct {
		name string
		cond RuleCondition
		want bool
	}{
		{"equals", RuleCondition{Field: "status", Operator: OpEquals, Value: "final"}, true},
		{"not-equals", RuleCondition{Field: "status", Operator: OpNotEquals, Value: "draft"}, true},
		{"contains", RuleCondition{Field: "code", Operator: OpContains, Value: "ICD"}, true},
		{"not-contains", RuleCondition{Field: "code", Operator: OpNotContains, Value: "LOINC"}, true},
		{"greater-than", RuleCondition{Field: "count", Operator: OpGreaterThan, Value: 3}, true},
		{"less-than false", RuleCondition{Field: "count", Operator: OpLessThan, Value: 3}, false},
		{"regex", RuleCondition{Field: "code", Operator: OpRegex, Value: `^ICD-\d+$`}, true},
		{"exists", RuleCondition{Field: "status", Operator: OpExists}, true},
		{"not-exists", RuleCondition{Field: "missing", Operator: OpNotExists}, true},
		{"missing field fails comparison", RuleCondition{Field: "missing", Operator: OpEquals, Value: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evalCondition(tt.cond, record))
		})
	}
}
