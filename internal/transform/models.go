// Package transform implements the declarative field-mapping engine that
// converts records between healthcare system schemas (HL7v2 feeds, FHIR
// resources, internal models) using ordered, conditioned mapping rules.
package transform

import "time"

// TransformationType identifies how a rule derives its target value.
type TransformationType string

// Supported transformation types.
const (
	TransformDirect        TransformationType = "direct"
	TransformLookup        TransformationType = "lookup"
	TransformCalculation   TransformationType = "calculation"
	TransformConcatenation TransformationType = "concatenation"
	TransformSplit         TransformationType = "split"
	TransformFormat        TransformationType = "format"
	TransformConditional   TransformationType = "conditional"
	TransformCustom        TransformationType = "custom"
	TransformRegex         TransformationType = "regex"
	TransformTemplate      TransformationType = "template"
)

// ConditionOperator compares a source field against a rule condition value.
type ConditionOperator string

// Supported condition operators.
const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not-equals"
	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "not-contains"
	OpGreaterThan ConditionOperator = "greater-than"
	OpLessThan    ConditionOperator = "less-than"
	OpRegex       ConditionOperator = "regex"
	OpExists      ConditionOperator = "exists"
	OpNotExists   ConditionOperator = "not-exists"
)

// RuleCondition is one pre-condition gating a mapping rule. All of a rule's
// conditions must hold for the rule to apply.
type RuleCondition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    interface{}       `json:"value,omitempty"`
}

// RuleConfig carries the transformation-specific settings for one rule.
// Only the fields relevant to the rule's type are consulted.
type RuleConfig struct {
	// Lookup
	LookupTableID string `json:"lookup_table_id,omitempty"`

	// Calculation: "value <op> operand" against the source value, or a
	// named helper (see functions.go).
	Expression string `json:"expression,omitempty"`

	// Concatenation
	SourceFields []string `json:"source_fields,omitempty"`
	Separator    string   `json:"separator,omitempty"`

	// Split: Index selects one element; nil keeps the whole slice.
	Index *int `json:"index,omitempty"`

	// Format: "uppercase", "lowercase", "date", "datetime", "number", "string".
	Format string `json:"format,omitempty"`

	// Conditional: first matching case wins, else Default.
	Cases   []ConditionalCase `json:"cases,omitempty"`
	Default interface{}       `json:"default,omitempty"`

	// Custom
	FunctionName string `json:"function_name,omitempty"`

	// Regex
	Pattern      string `json:"pattern,omitempty"`
	Replacement  string `json:"replacement,omitempty"`
	RegexMode    string `json:"regex_mode,omitempty"` // "replace", "extract", "test"
	CaptureGroup int    `json:"capture_group,omitempty"`

	// Template: "{{field.path}}" placeholders resolved from the source record.
	Template string `json:"template,omitempty"`

	// AllowUndefined applies the rule even when the source field is absent.
	AllowUndefined bool `json:"allow_undefined,omitempty"`
}

// ConditionalCase is one branch of a conditional transformation.
type ConditionalCase struct {
	Condition RuleCondition `json:"condition"`
	Value     interface{}   `json:"value"`
}

// MappingRule maps one source field to one target field between a pair of
// systems. Rules are grouped by (SourceSystem, TargetSystem) and applied in
// ascending priority order.
type MappingRule struct {
	ID           string             `json:"id"`
	SourceSystem string             `json:"source_system"`
	TargetSystem string             `json:"target_system"`
	SourceField  string             `json:"source_field"`
	TargetField  string             `json:"target_field"`
	Type         TransformationType `json:"type"`
	Config       RuleConfig         `json:"config"`
	Conditions   []RuleCondition    `json:"conditions,omitempty"`
	Active       bool               `json:"active"`
	Priority     int                `json:"priority"`
	Version      int                `json:"version"`
}

// LookupTable substitutes source values for target values, optionally case
// insensitive, with a default for unmatched inputs.
type LookupTable struct {
	ID            string       `json:"id"`
	Entries       []LookupPair `json:"entries"`
	DefaultValue  interface{}  `json:"default_value,omitempty"`
	CaseSensitive bool         `json:"case_sensitive"`
}

// LookupPair is one (source, target) substitution.
type LookupPair struct {
	SourceValue string      `json:"source_value"`
	TargetValue interface{} `json:"target_value"`
}

// MappingContext identifies the system pair and options for one transform.
type MappingContext struct {
	SourceSystem string

	TargetSystem string

	// PreserveUnmapped copies source leaf fields no rule touched into the
	// same path on the target.
	PreserveUnmapped bool

	// ValidateTarget validates the result against the registered target
	// schema, when one exists.
	ValidateTarget bool
}

// ErrorSeverityLevel grades a mapping error.
type ErrorSeverityLevel string

// Mapping error severities.
const (
	MappingSeverityError   ErrorSeverityLevel = "error"
	MappingSeverityWarning ErrorSeverityLevel = "warning"
)

// MappingError records one per-rule or validation failure. Rule failures do
// not abort the whole transformation.
type MappingError struct {
	RuleID   string             `json:"rule_id,omitempty"`
	Field    string             `json:"field,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ErrorSeverityLevel `json:"severity"`
}

// MappingStats summarizes one transformation run.
type MappingStats struct {
	RulesEvaluated int           `json:"rules_evaluated"`
	RulesApplied   int           `json:"rules_applied"`
	RulesSkipped   int           `json:"rules_skipped"`
	RulesFailed    int           `json:"rules_failed"`
	Duration       time.Duration `json:"duration"`
}

// MappingResult is the outcome of a transformation. Success is false only
// when an error-severity entry is present.
type MappingResult struct {
	Success  bool                   `json:"success"`
	Data     map[string]interface{} `json:"data"`
	Errors   []MappingError         `json:"errors,omitempty"`
	Warnings []MappingError         `json:"warnings,omitempty"`
	Stats    MappingStats           `json:"stats"`
}

// Error codes attached to MappingError entries.
const (
	CodeNoRules               = "NO_RULES"
	CodeRuleApplicationFailed = "RULE_APPLICATION_FAILED"
	CodeSchemaValidation      = "SCHEMA_VALIDATION"
	CodeUnknownFunction       = "UNKNOWN_FUNCTION"
)
