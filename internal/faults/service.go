package faults

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/medbridge/medbridge/internal/faults"

// Service errors.
var (
	// ErrErrorNotFound is returned for an unknown error id.
	ErrErrorNotFound = errors.New("integration error not found")

	// ErrNotRetryable is returned when RetryOperation is called for an
	// error that is not eligible for retry.
	ErrNotRetryable = errors.New("error is not eligible for retry")

	// ErrInvalidTransition is returned for a disallowed status change.
	ErrInvalidTransition = errors.New("invalid error status transition")
)

// ServiceConfig holds configuration for the error service.
type ServiceConfig struct {
	// Retry is the default retry policy, merged under caller-supplied
	// configs. Zero value falls back to DefaultRetryConfig.
	Retry RetryConfig

	// Sinks receive escalation alerts. A LogSink is always prepended.
	Sinks []AlertSink

	// Logger for service operations.
	Logger zerolog.Logger
}

// serviceMetrics holds the OpenTelemetry instruments for the error service.
type serviceMetrics struct {
	errorsHandled    metric.Int64Counter
	retriesScheduled metric.Int64Counter
	alertsRaised     metric.Int64Counter
}

func newServiceMetrics() (*serviceMetrics, error) {
	meter := otel.Meter(meterName)

	errorsHandled, err := meter.Int64Counter(
		"integration.errors.handled",
		metric.WithDescription("Total integration errors classified"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	retriesScheduled, err := meter.Int64Counter(
		"integration.retries.scheduled",
		metric.WithDescription("Total retries scheduled"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	alertsRaised, err := meter.Int64Counter(
		"integration.alerts.raised",
		metric.WithDescription("Total escalation alerts raised"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, err
	}

	return &serviceMetrics{
		errorsHandled:    errorsHandled,
		retriesScheduled: retriesScheduled,
		alertsRaised:     alertsRaised,
	}, nil
}

// Service is the error classification and retry scheduling engine. All
// state is in-memory and process-scoped.
type Service struct {
	mu       sync.Mutex
	errors   map[string]*IntegrationError
	cfgs     map[string]RetryConfig
	patterns []*ErrorPattern
	queues   map[string][]string
	timers   map[string]*time.Timer
	shutdown bool

	defaultRetry RetryConfig
	sinks        []AlertSink
	listeners    []Listener
	logger       zerolog.Logger
	metrics      *serviceMetrics
}

// NewService creates an error service with a log alert sink registered.
func NewService(cfg ServiceConfig) (*Service, error) {
	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.InitialDelay == 0 {
		retry = DefaultRetryConfig()
	}

	metrics, err := newServiceMetrics()
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	sinks := append([]AlertSink{&LogSink{Logger: cfg.Logger}}, cfg.Sinks...)

	return &Service{
		errors:       make(map[string]*IntegrationError),
		cfgs:         make(map[string]RetryConfig),
		queues:       make(map[string][]string),
		timers:       make(map[string]*time.Timer),
		defaultRetry: retry,
		sinks:        sinks,
		logger:       cfg.Logger,
		metrics:      metrics,
	}, nil
}

// AddListener registers a lifecycle observer.
func (s *Service) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// AddAlertSink registers an additional alert delivery channel.
func (s *Service) AddAlertSink(sink AlertSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// HandleError classifies a raw failure, registers it, runs the pattern
// matcher, and either schedules a retry or routes to escalation/alerting.
func (s *Service) HandleError(rawErr error, source string, errCtx ErrorContext, retryCfg *RetryConfig) *IntegrationError {
	errType := Classify(rawErr, errCtx)

	e := &IntegrationError{
		ID:        uuid.NewString(),
		Type:      errType,
		Category:  CategoryOf(errType),
		Severity:  SeverityOf(errType, errCtx),
		Message:   rawErr.Error(),
		Source:    source,
		Timestamp: time.Now(),
		Context:   errCtx,
		Status:    StatusNew,
	}

	cfg := s.defaultRetry
	if retryCfg != nil {
		cfg = mergeRetryConfig(s.defaultRetry, *retryCfg)
	}
	e.MaxRetries = cfg.MaxRetries

	s.mu.Lock()
	s.errors[e.ID] = e
	s.cfgs[e.ID] = cfg
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	s.metrics.errorsHandled.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", string(e.Type)),
		attribute.String("severity", string(e.Severity)),
		attribute.String("source", source),
	))

	s.logger.Info().
		Str("error_id", e.ID).
		Str("type", string(e.Type)).
		Str("category", string(e.Category)).
		Str("severity", string(e.Severity)).
		Str("source", source).
		Msg("integration error classified")

	for _, l := range listeners {
		l.ErrorOccurred(e)
	}

	if p := s.matchPattern(e); p != nil {
		if s.executePattern(p, e, &cfg) {
			s.mu.Lock()
			s.cfgs[e.ID] = cfg
			s.mu.Unlock()
			return e
		}
		s.mu.Lock()
		s.cfgs[e.ID] = cfg
		s.mu.Unlock()
	}

	switch {
	case s.eligible(e, cfg):
		s.scheduleRetry(e, cfg)
	case e.Severity == SeverityCritical:
		s.escalate(e, "critical severity")
	default:
		s.raiseAlert(e, "")
	}

	return e
}

// mergeRetryConfig overlays the caller-supplied config on the defaults,
// keeping defaults for unset fields. Boolean overrides only apply when
// the pointer is set, so a partial override never disables retries or
// jitter by omission.
func mergeRetryConfig(base, override RetryConfig) RetryConfig {
	merged := base
	if override.Enabled != nil {
		merged.Enabled = override.Enabled
	}
	if override.MaxRetries != 0 {
		merged.MaxRetries = override.MaxRetries
	}
	if override.InitialDelay != 0 {
		merged.InitialDelay = override.InitialDelay
	}
	if override.MaxDelay != 0 {
		merged.MaxDelay = override.MaxDelay
	}
	if override.Multiplier != 0 {
		merged.Multiplier = override.Multiplier
	}
	if override.Strategy != "" {
		merged.Strategy = override.Strategy
	}
	if override.Jitter != nil {
		merged.Jitter = override.Jitter
	}
	if len(override.RetryableErrors) > 0 {
		merged.RetryableErrors = override.RetryableErrors
	}
	return merged
}

// eligible implements the retry eligibility rule.
func (s *Service) eligible(e *IntegrationError, cfg RetryConfig) bool {
	return cfg.enabled() &&
		e.RetryCount < cfg.MaxRetries &&
		cfg.retryable(e.Type) &&
		e.Status != StatusResolved
}

// scheduleRetry enqueues the error on its source's FIFO retry queue and
// arms a timer for the computed backoff delay. The timer marks readiness;
// consuming the queue stays caller-driven via RetryOperation.
func (s *Service) scheduleRetry(e *IntegrationError, cfg RetryConfig) {
	delay := RetryDelay(cfg, e.RetryCount)
	next := time.Now().Add(delay)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	e.Status = StatusRetryScheduled
	e.NextRetryAt = &next
	s.queues[e.Source] = append(s.queues[e.Source], e.ID)
	s.timers[e.ID] = time.AfterFunc(delay, func() {
		s.logger.Debug().
			Str("error_id", e.ID).
			Str("source", e.Source).
			Msg("retry ready")
	})
	s.mu.Unlock()

	s.metrics.retriesScheduled.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("source", e.Source),
	))

	s.logger.Info().
		Str("error_id", e.ID).
		Dur("delay", delay).
		Int("attempt", e.RetryCount).
		Msg("retry scheduled")
}

// NextRetry returns the head of the source's retry queue whose delay has
// elapsed, or nil when nothing is ready.
func (s *Service) NextRetry(source string) *IntegrationError {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.queues[source]
	if len(queue) == 0 {
		return nil
	}
	e, ok := s.errors[queue[0]]
	if !ok {
		s.queues[source] = queue[1:]
		return nil
	}
	if e.NextRetryAt != nil && time.Now().Before(*e.NextRetryAt) {
		return nil
	}
	return e
}

// RetryOperation is the caller-driven retry entry point: it re-invokes the
// original operation for the scheduled error. Success resolves the error
// with an automatic resolution record; renewed failure either reschedules
// or exhausts the retry budget and alerts.
func (s *Service) RetryOperation(ctx context.Context, errorID string, operation func(context.Context) error) error {
	s.mu.Lock()
	e, ok := s.errors[errorID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrErrorNotFound, errorID)
	}
	cfg := s.cfgs[errorID]
	if !s.eligibleLocked(e, cfg) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s (status %s, retry %d/%d)", ErrNotRetryable, errorID, e.Status, e.RetryCount, cfg.MaxRetries)
	}
	e.Status = StatusInProgress
	e.RetryCount++
	s.dequeueLocked(e)
	s.mu.Unlock()

	opErr := operation(ctx)
	if opErr == nil {
		now := time.Now()
		s.mu.Lock()
		e.Status = StatusResolved
		e.Resolution = &Resolution{
			ResolvedBy:   "system",
			ResolvedAt:   now,
			Resolution:   "resolved automatically after retry",
			ActionsTaken: []string{fmt.Sprintf("retry attempt %d succeeded", e.RetryCount)},
		}
		listeners := append([]Listener(nil), s.listeners...)
		s.mu.Unlock()

		for _, l := range listeners {
			l.ErrorResolved(e)
		}

		s.logger.Info().
			Str("error_id", e.ID).
			Int("attempts", e.RetryCount).
			Msg("error resolved after retry")
		return nil
	}

	if e.RetryCount < cfg.MaxRetries {
		s.scheduleRetry(e, cfg)
		return opErr
	}

	s.mu.Lock()
	e.Status = StatusRetryExhausted
	s.mu.Unlock()
	s.raiseAlert(e, fmt.Sprintf("retry budget exhausted after %d attempts: %v", e.RetryCount, opErr))

	s.logger.Warn().
		Str("error_id", e.ID).
		Int("attempts", e.RetryCount).
		Msg("retries exhausted")
	return opErr
}

// eligibleLocked is eligible for callers already holding s.mu.
func (s *Service) eligibleLocked(e *IntegrationError, cfg RetryConfig) bool {
	return cfg.enabled() &&
		e.RetryCount < cfg.MaxRetries &&
		cfg.retryable(e.Type) &&
		e.Status != StatusResolved &&
		!e.Status.IsTerminal()
}

// dequeueLocked removes the error from its source queue and stops its timer.
func (s *Service) dequeueLocked(e *IntegrationError) {
	queue := s.queues[e.Source]
	for i, id := range queue {
		if id == e.ID {
			s.queues[e.Source] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if t, ok := s.timers[e.ID]; ok {
		t.Stop()
		delete(s.timers, e.ID)
	}
}

// AcknowledgeError manually marks an error as acknowledged.
func (s *Service) AcknowledgeError(errorID string) error {
	return s.manualTransition(errorID, StatusAcknowledged, nil)
}

// ResolveError manually closes an error with a resolution record.
func (s *Service) ResolveError(errorID string, res Resolution) error {
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = time.Now()
	}
	if err := s.manualTransition(errorID, StatusResolved, &res); err != nil {
		return err
	}

	s.mu.Lock()
	e := s.errors[errorID]
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l.ErrorResolved(e)
	}
	return nil
}

// EscalateError manually escalates an error and raises an alert.
func (s *Service) EscalateError(errorID, reason string) error {
	s.mu.Lock()
	e, ok := s.errors[errorID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrErrorNotFound, errorID)
	}

	s.escalate(e, reason)
	return nil
}

// ReopenError moves a terminal error back to acknowledged for rework. This
// is the only way out of a terminal status.
func (s *Service) ReopenError(errorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.errors[errorID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrErrorNotFound, errorID)
	}
	if !e.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, e.Status)
	}
	e.Status = StatusAcknowledged
	e.Resolution = nil
	return nil
}

// manualTransition applies an explicit status change, rejecting moves out
// of terminal states.
func (s *Service) manualTransition(errorID string, to ErrorStatus, res *Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.errors[errorID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrErrorNotFound, errorID)
	}
	if e.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}

	e.Status = to
	if res != nil {
		e.Resolution = res
	}
	s.dequeueLocked(e)
	return nil
}

// setStatus applies an automated status change, never leaving terminal states.
func (s *Service) setStatus(e *IntegrationError, to ErrorStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Status.IsTerminal() {
		return
	}
	e.Status = to
	if to.IsTerminal() {
		s.dequeueLocked(e)
	}
}

// escalate marks the error escalated and raises an alert.
func (s *Service) escalate(e *IntegrationError, reason string) {
	s.setStatus(e, StatusEscalated)
	s.raiseAlert(e, "escalated: "+reason)
}

// raiseAlert delivers to every sink and notifies listeners. Sink failures
// are logged, never propagated.
func (s *Service) raiseAlert(e *IntegrationError, message string) {
	alert := newAlert(e, message)

	s.mu.Lock()
	sinks := append([]AlertSink(nil), s.sinks...)
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	s.metrics.alertsRaised.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("severity", string(alert.Severity)),
	))

	for _, sink := range sinks {
		if err := sink.Deliver(context.Background(), alert); err != nil {
			s.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("alert delivery failed")
		}
	}
	for _, l := range listeners {
		l.AlertCreated(alert)
	}
}

// GetError returns the tracked error by id.
func (s *Service) GetError(errorID string) (*IntegrationError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.errors[errorID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrErrorNotFound, errorID)
	}
	return e, nil
}

// GetErrorMetrics aggregates the registry. A zero timeframe covers all
// tracked errors; otherwise only those within the trailing window count.
func (s *Service) GetErrorMetrics(timeframe time.Duration) ErrorMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics := ErrorMetrics{
		ByType:     make(map[ErrorType]int),
		ByCategory: make(map[ErrorCategory]int),
		BySeverity: make(map[ErrorSeverity]int),
		ByStatus:   make(map[ErrorStatus]int),
		BySource:   make(map[string]int),
	}

	cutoff := time.Time{}
	if timeframe > 0 {
		cutoff = time.Now().Add(-timeframe)
	}

	var resolutionTotal time.Duration
	var resolvedCount, retried, retriedResolved, escalated int

	for _, e := range s.errors {
		if !cutoff.IsZero() && e.Timestamp.Before(cutoff) {
			continue
		}

		metrics.Total++
		metrics.ByType[e.Type]++
		metrics.ByCategory[e.Category]++
		metrics.BySeverity[e.Severity]++
		metrics.ByStatus[e.Status]++
		metrics.BySource[e.Source]++

		if e.Status == StatusResolved && e.Resolution != nil {
			resolvedCount++
			resolutionTotal += e.Resolution.ResolvedAt.Sub(e.Timestamp)
		}
		if e.RetryCount > 0 {
			retried++
			if e.Status == StatusResolved {
				retriedResolved++
			}
		}
		if e.Status == StatusEscalated {
			escalated++
		}
	}

	if resolvedCount > 0 {
		metrics.MeanResolutionMs = float64(resolutionTotal.Milliseconds()) / float64(resolvedCount)
	}
	if retried > 0 {
		metrics.RetrySuccessRate = float64(retriedResolved) / float64(retried)
	}
	if metrics.Total > 0 {
		metrics.EscalationRate = float64(escalated) / float64(metrics.Total)
	}

	return metrics
}

// GetHealthStatus reports lifecycle health: DEGRADED when critical errors
// are outstanding, UP otherwise.
func (s *Service) GetHealthStatus() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	outstanding := 0
	for _, e := range s.errors {
		if e.Severity == SeverityCritical && !e.Status.IsTerminal() {
			outstanding++
		}
	}

	status := "UP"
	if s.shutdown || outstanding > 0 {
		status = "DEGRADED"
	}

	return map[string]interface{}{
		"status":               status,
		"tracked_errors":       len(s.errors),
		"outstanding_critical": outstanding,
		"patterns":             len(s.patterns),
	}
}

// Shutdown stops all pending retry timers and clears the registry. Idempotent.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}
	s.shutdown = true

	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[string]*time.Timer)
	s.queues = make(map[string][]string)
	s.errors = make(map[string]*IntegrationError)
	s.cfgs = make(map[string]RetryConfig)

	s.logger.Info().Msg("error service shut down")
}
