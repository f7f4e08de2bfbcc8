package faults

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RegisterPattern adds an error pattern. Patterns are kept sorted by
// descending priority; the first whose conditions all match a new error
// fires its actions.
func (s *Service) RegisterPattern(p *ErrorPattern) error {
	if len(p.Conditions) == 0 {
		return fmt.Errorf("error pattern requires at least one condition")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.patterns = append(s.patterns, p)
	sort.SliceStable(s.patterns, func(i, j int) bool {
		return s.patterns[i].Priority > s.patterns[j].Priority
	})
	return nil
}

// matchPattern finds the highest-priority active pattern matching the error
// and records its trigger, or returns nil.
func (s *Service) matchPattern(e *IntegrationError) *ErrorPattern {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.patterns {
		if !p.Active {
			continue
		}
		if patternMatches(p, e) {
			p.TriggerCount++
			now := time.Now()
			p.LastTriggered = &now
			return p
		}
	}
	return nil
}

func patternMatches(p *ErrorPattern, e *IntegrationError) bool {
	for _, c := range p.Conditions {
		if !conditionMatches(c, e) {
			return false
		}
	}
	return true
}

func conditionMatches(c PatternCondition, e *IntegrationError) bool {
	var actual string
	switch c.Field {
	case "type":
		actual = string(e.Type)
	case "category":
		actual = string(e.Category)
	case "severity":
		actual = string(e.Severity)
	case "source":
		actual = e.Source
	case "message":
		actual = e.Message
	default:
		return false
	}

	switch c.Operator {
	case "equals":
		return actual == c.Value
	case "contains":
		return strings.Contains(actual, c.Value)
	default:
		return false
	}
}

// executePattern runs the pattern's actions in order. Returns true when an
// action drove the error to a terminal state, which stops default handling.
func (s *Service) executePattern(p *ErrorPattern, e *IntegrationError, cfg *RetryConfig) bool {
	for _, action := range p.Actions {
		switch action.Type {
		case ActionRetry:
			if action.RetryOverride != nil {
				*cfg = mergeRetryConfig(*cfg, *action.RetryOverride)
			}
			if s.eligible(e, *cfg) {
				s.scheduleRetry(e, *cfg)
				return true
			}

		case ActionEscalate:
			s.escalate(e, "pattern "+p.ID)
			return true

		case ActionIgnore:
			s.setStatus(e, StatusIgnored)
			s.logger.Debug().
				Str("error_id", e.ID).
				Str("pattern_id", p.ID).
				Msg("error ignored by pattern")
			return true

		case ActionNotify:
			s.raiseAlert(e, action.Message)

		case ActionCustom:
			if action.Hook != nil {
				action.Hook(e)
			}
		}

		if e.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// Patterns returns a snapshot of registered patterns, highest priority first.
func (s *Service) Patterns() []*ErrorPattern {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ErrorPattern, len(s.patterns))
	copy(out, s.patterns)
	return out
}
