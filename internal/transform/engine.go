package transform

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/medbridge/medbridge/pkg/dotpath"
)

const meterName = "github.com/medbridge/medbridge/internal/transform"

// Engine applies mapping rule sets between system pairs. Rules, lookup
// tables, and schemas are read-mostly after load; Transform takes immutable
// snapshots under a read lock.
type Engine struct {
	mu        sync.RWMutex
	rules     map[string][]*MappingRule
	lookups   map[string]*LookupTable
	schemas   map[string]*TargetSchema
	functions *FunctionRegistry
	logger    zerolog.Logger
	applied   metric.Int64Counter
	shutdown  bool
}

// EngineConfig holds configuration for the transformation engine.
type EngineConfig struct {
	Logger zerolog.Logger
}

// NewEngine creates a transformation engine with built-in functions loaded.
func NewEngine(cfg EngineConfig) *Engine {
	applied, err := otel.Meter(meterName).Int64Counter(
		"integration.transforms.applied",
		metric.WithDescription("Total transformation runs completed"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		cfg.Logger.Warn().Err(err).Msg("creating transform metrics")
	}

	return &Engine{
		rules:     make(map[string][]*MappingRule),
		lookups:   make(map[string]*LookupTable),
		schemas:   make(map[string]*TargetSchema),
		functions: NewFunctionRegistry(),
		logger:    cfg.Logger,
		applied:   applied,
	}
}

func ruleSetKey(sourceSystem, targetSystem string) string {
	return sourceSystem + "->" + targetSystem
}

// AddMappingRule registers a rule. Custom-function rules must name a
// function known to the registry; unknown names are rejected here rather
// than silently no-opping at apply time.
func (e *Engine) AddMappingRule(rule *MappingRule) error {
	if rule.SourceSystem == "" || rule.TargetSystem == "" {
		return fmt.Errorf("mapping rule requires source and target systems")
	}
	if rule.TargetField == "" {
		return fmt.Errorf("mapping rule requires a target field")
	}
	if rule.Type == TransformCustom {
		if _, err := e.functions.Get(rule.Config.FunctionName); err != nil {
			return fmt.Errorf("mapping rule %s: %w", rule.ID, err)
		}
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Sort a copy and swap it in, so in-flight transforms keep iterating
	// the snapshot they read under the lock.
	key := ruleSetKey(rule.SourceSystem, rule.TargetSystem)
	updated := make([]*MappingRule, 0, len(e.rules[key])+1)
	updated = append(updated, e.rules[key]...)
	updated = append(updated, rule)
	sort.SliceStable(updated, func(i, j int) bool {
		return updated[i].Priority < updated[j].Priority
	})
	e.rules[key] = updated

	e.logger.Debug().
		Str("rule_id", rule.ID).
		Str("systems", key).
		Str("type", string(rule.Type)).
		Msg("mapping rule registered")

	return nil
}

// AddLookupTable registers a lookup table by id.
func (e *Engine) AddLookupTable(table *LookupTable) error {
	if table.ID == "" {
		return fmt.Errorf("lookup table requires an id")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lookups[table.ID] = table
	return nil
}

// RegisterSchema registers the target schema for a system. Transform
// validates against it when the context asks for validation.
func (e *Engine) RegisterSchema(schema *TargetSchema) error {
	if schema.System == "" {
		return fmt.Errorf("target schema requires a system name")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.schemas[schema.System] = schema
	return nil
}

// RegisterFunction adds a caller-supplied custom function.
func (e *Engine) RegisterFunction(name string, fn CustomFunc) error {
	return e.functions.Register(name, fn)
}

// Transform applies the active rule set for the context's system pair to
// sourceData. Rule failures are captured per rule and never abort the run.
func (e *Engine) Transform(sourceData map[string]interface{}, ctx MappingContext) *MappingResult {
	start := time.Now()

	e.mu.RLock()
	rules := e.rules[ruleSetKey(ctx.SourceSystem, ctx.TargetSystem)]
	schema := e.schemas[ctx.TargetSystem]
	e.mu.RUnlock()

	result := &MappingResult{
		Success: true,
		Data:    make(map[string]interface{}),
	}

	active := make([]*MappingRule, 0, len(rules))
	for _, r := range rules {
		if r.Active {
			active = append(active, r)
		}
	}

	if len(active) == 0 {
		result.Success = false
		result.Errors = append(result.Errors, MappingError{
			Code:     CodeNoRules,
			Message:  fmt.Sprintf("no active mapping rules for %s -> %s", ctx.SourceSystem, ctx.TargetSystem),
			Severity: MappingSeverityError,
		})
		result.Stats.Duration = time.Since(start)
		return result
	}

	touched := make(map[string]bool)

	for _, rule := range active {
		result.Stats.RulesEvaluated++

		if !e.conditionsMet(rule.Conditions, sourceData) {
			result.Stats.RulesSkipped++
			continue
		}

		value, exists := dotpath.Get(sourceData, rule.SourceField)
		if !exists && !rule.Config.AllowUndefined && rule.Type != TransformConcatenation && rule.Type != TransformTemplate {
			result.Stats.RulesSkipped++
			continue
		}

		output, err := e.applyRule(rule, value, sourceData)
		if err != nil {
			result.Stats.RulesFailed++
			result.Errors = append(result.Errors, MappingError{
				RuleID:   rule.ID,
				Field:    rule.SourceField,
				Code:     CodeRuleApplicationFailed,
				Message:  err.Error(),
				Severity: MappingSeverityError,
			})
			continue
		}

		dotpath.Set(result.Data, rule.TargetField, output)
		touched[rule.SourceField] = true
		for _, f := range rule.Config.SourceFields {
			touched[f] = true
		}
		result.Stats.RulesApplied++
	}

	if ctx.PreserveUnmapped {
		for _, path := range dotpath.Flatten(sourceData) {
			if touched[path] {
				continue
			}
			if value, ok := dotpath.Get(sourceData, path); ok {
				dotpath.Set(result.Data, path, value)
			}
		}
	}

	if ctx.ValidateTarget && schema != nil {
		for _, issue := range schema.Validate(result.Data) {
			if issue.Severity == MappingSeverityError {
				result.Errors = append(result.Errors, issue)
			} else {
				result.Warnings = append(result.Warnings, issue)
			}
		}
	}

	for _, issue := range result.Errors {
		if issue.Severity == MappingSeverityError {
			result.Success = false
			break
		}
	}

	result.Stats.Duration = time.Since(start)

	if e.applied != nil {
		e.applied.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("source_system", ctx.SourceSystem),
			attribute.String("target_system", ctx.TargetSystem),
			attribute.Bool("success", result.Success),
		))
	}

	e.logger.Debug().
		Str("systems", ruleSetKey(ctx.SourceSystem, ctx.TargetSystem)).
		Int("applied", result.Stats.RulesApplied).
		Int("skipped", result.Stats.RulesSkipped).
		Int("failed", result.Stats.RulesFailed).
		Bool("success", result.Success).
		Msg("transformation completed")

	return result
}

// conditionsMet reports whether every rule condition holds for the record.
func (e *Engine) conditionsMet(conditions []RuleCondition, data map[string]interface{}) bool {
	for _, c := range conditions {
		if !evalCondition(c, data) {
			return false
		}
	}
	return true
}

// GetHealthStatus reports the engine's lifecycle health and load counts.
func (e *Engine) GetHealthStatus() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ruleCount := 0
	for _, rs := range e.rules {
		ruleCount += len(rs)
	}

	status := "UP"
	if e.shutdown {
		status = "DEGRADED"
	}

	return map[string]interface{}{
		"status":        status,
		"rule_sets":     len(e.rules),
		"rules":         ruleCount,
		"lookup_tables": len(e.lookups),
		"functions":     len(e.functions.Names()),
	}
}

// Shutdown clears all registered rules, tables, and schemas. Idempotent.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shutdown {
		return
	}
	e.shutdown = true
	e.rules = make(map[string][]*MappingRule)
	e.lookups = make(map[string]*LookupTable)
	e.schemas = make(map[string]*TargetSchema)
}
