// Package faults implements the error classification, retry scheduling, and
// escalation engine for integration failures. Raw failures are classified
// into a closed taxonomy, driven through a status state machine, retried
// with configurable backoff, and matched against automation patterns.
package faults

import "time"

// ErrorType is the closed classification taxonomy.
type ErrorType string

// Error taxonomy.
const (
	TypeNetwork             ErrorType = "network"
	TypeTimeout             ErrorType = "timeout"
	TypeAuthentication      ErrorType = "authentication"
	TypeAuthorization       ErrorType = "authorization"
	TypeValidation          ErrorType = "validation"
	TypeParsing             ErrorType = "parsing"
	TypeTransformation      ErrorType = "transformation"
	TypeBusinessLogic       ErrorType = "business-logic"
	TypeResourceNotFound    ErrorType = "resource-not-found"
	TypeDuplicateRecord     ErrorType = "duplicate-record"
	TypeConstraintViolation ErrorType = "constraint-violation"
	TypeExternalService     ErrorType = "external-service"
	TypeConfiguration       ErrorType = "configuration"
	TypeUnknown             ErrorType = "unknown"
)

// ErrorCategory groups taxonomy types for reporting.
type ErrorCategory string

// Error categories.
const (
	CategorySystem      ErrorCategory = "system"
	CategoryIntegration ErrorCategory = "integration"
	CategorySecurity    ErrorCategory = "security"
	CategoryData        ErrorCategory = "data"
	CategoryBusiness    ErrorCategory = "business"
)

// ErrorSeverity grades an integration error.
type ErrorSeverity string

// Error severities.
const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// ErrorStatus is the state machine position of an integration error.
//
//	NEW -> {ACKNOWLEDGED, IN_PROGRESS, RETRY_SCHEDULED}
//	    -> {RESOLVED, RETRY_EXHAUSTED, ESCALATED, IGNORED}
//
// The last four are terminal unless manually re-opened.
type ErrorStatus string

// Error statuses.
const (
	StatusNew            ErrorStatus = "NEW"
	StatusAcknowledged   ErrorStatus = "ACKNOWLEDGED"
	StatusInProgress     ErrorStatus = "IN_PROGRESS"
	StatusRetryScheduled ErrorStatus = "RETRY_SCHEDULED"
	StatusResolved       ErrorStatus = "RESOLVED"
	StatusRetryExhausted ErrorStatus = "RETRY_EXHAUSTED"
	StatusEscalated      ErrorStatus = "ESCALATED"
	StatusIgnored        ErrorStatus = "IGNORED"
)

// IsTerminal reports whether the status ends the error's automated lifecycle.
func (s ErrorStatus) IsTerminal() bool {
	switch s {
	case StatusResolved, StatusRetryExhausted, StatusEscalated, StatusIgnored:
		return true
	}
	return false
}

// ErrorContext carries operation metadata attached to a failure. A patient
// identifier promotes severity to at least HIGH.
type ErrorContext struct {
	OperationID   string      `json:"operation_id,omitempty"`
	PatientID     string      `json:"patient_id,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	HTTPStatus    int         `json:"http_status,omitempty"`
	Request       interface{} `json:"request,omitempty"`
	Response      interface{} `json:"response,omitempty"`
}

// Resolution records how an error was closed out.
type Resolution struct {
	ResolvedBy         string    `json:"resolved_by"`
	ResolvedAt         time.Time `json:"resolved_at"`
	Resolution         string    `json:"resolution"`
	ActionsTaken       []string  `json:"actions_taken,omitempty"`
	PreventionMeasures []string  `json:"prevention_measures,omitempty"`
}

// IntegrationError is one classified failure tracked through retries and
// escalation.
type IntegrationError struct {
	ID          string        `json:"id"`
	Type        ErrorType     `json:"type"`
	Category    ErrorCategory `json:"category"`
	Severity    ErrorSeverity `json:"severity"`
	Message     string        `json:"message"`
	Source      string        `json:"source"`
	Timestamp   time.Time     `json:"timestamp"`
	Context     ErrorContext  `json:"context"`
	RetryCount  int           `json:"retry_count"`
	MaxRetries  int           `json:"max_retries"`
	Status      ErrorStatus   `json:"status"`
	NextRetryAt *time.Time    `json:"next_retry_at,omitempty"`
	Resolution  *Resolution   `json:"resolution,omitempty"`
}

// BackoffStrategy selects the retry delay curve.
type BackoffStrategy string

// Backoff strategies.
const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
)

// RetryConfig controls retry eligibility and delay computation. The
// boolean fields are pointers so a partial override distinguishes "unset"
// (keep the merged-under default) from an explicit false.
type RetryConfig struct {
	// Enabled toggles retry scheduling. Unset means enabled.
	Enabled *bool

	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Strategy     BackoffStrategy

	// Jitter adds a random offset to each delay. Unset means no jitter.
	Jitter *bool

	RetryableErrors []ErrorType
}

// Bool returns a pointer to b, for RetryConfig literals.
func Bool(b bool) *bool { return &b }

// DefaultRetryConfig mirrors the retry defaults used across integrations.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:      Bool(true),
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Strategy:     BackoffExponential,
		Jitter:       Bool(true),
		RetryableErrors: []ErrorType{
			TypeNetwork,
			TypeTimeout,
			TypeExternalService,
		},
	}
}

// retryable reports whether t is in the config's retryable set.
func (c RetryConfig) retryable(t ErrorType) bool {
	for _, rt := range c.RetryableErrors {
		if rt == t {
			return true
		}
	}
	return false
}

// enabled reports whether retries are on, treating unset as enabled.
func (c RetryConfig) enabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// jittered reports whether delays carry a random offset.
func (c RetryConfig) jittered() bool {
	return c.Jitter != nil && *c.Jitter
}

// PatternActionType is the automated action a matched pattern fires.
type PatternActionType string

// Pattern action types.
const (
	ActionRetry    PatternActionType = "retry"
	ActionEscalate PatternActionType = "escalate"
	ActionIgnore   PatternActionType = "ignore"
	ActionNotify   PatternActionType = "notify"
	ActionCustom   PatternActionType = "custom"
)

// PatternAction is one ordered action on a matched pattern.
type PatternAction struct {
	Type PatternActionType `json:"type"`

	// RetryOverride replaces the retry config when Type is ActionRetry.
	RetryOverride *RetryConfig `json:"-"`

	// Hook runs when Type is ActionCustom.
	Hook func(e *IntegrationError) `json:"-"`

	// Message annotates notify actions.
	Message string `json:"message,omitempty"`
}

// PatternCondition matches one field of a new error. Field is one of
// "type", "category", "severity", "source", "message"; Operator is
// "equals" or "contains".
type PatternCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// ErrorPattern triggers automated actions when a new error matches all of
// its conditions. Patterns are evaluated in descending priority; only the
// first match fires.
type ErrorPattern struct {
	ID         string             `json:"id"`
	Conditions []PatternCondition `json:"conditions"`
	Actions    []PatternAction    `json:"actions"`
	Priority   int                `json:"priority"`
	Active     bool               `json:"active"`

	// Trigger bookkeeping, maintained by the matcher.
	TriggerCount  int64      `json:"trigger_count"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
}

// ErrorMetrics aggregates the error registry for reporting.
type ErrorMetrics struct {
	Total            int                   `json:"total"`
	ByType           map[ErrorType]int     `json:"by_type"`
	ByCategory       map[ErrorCategory]int `json:"by_category"`
	BySeverity       map[ErrorSeverity]int `json:"by_severity"`
	ByStatus         map[ErrorStatus]int   `json:"by_status"`
	BySource         map[string]int        `json:"by_source"`
	MeanResolutionMs float64               `json:"mean_resolution_ms"`
	RetrySuccessRate float64               `json:"retry_success_rate"`
	EscalationRate   float64               `json:"escalation_rate"`
}
