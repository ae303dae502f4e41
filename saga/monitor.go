package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-conductor/conductor/log"
	"github.com/go-conductor/conductor/pubsub"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

const (
	AlertTimeout      AlertType = "timeout"
	AlertFailure      AlertType = "failure"
	AlertCompensation AlertType = "compensation"
	AlertStuck        AlertType = "stuck"
)

type AlertType string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Severity string

const (
	timeoutThreshold = time.Minute * 30
	stuckThreshold   = time.Minute * 10
	alertRetention   = time.Hour * 24
	completedWindow  = 100
)

// Alert is an in-memory monitor finding. Alerts are not persisted; a process
// restart starts with a clean slate and the periodic checks re-raise whatever
// still applies.
type Alert struct {
	UID        string            `json:"uid"`
	SagaUID    string            `json:"saga_uid"`
	Type       AlertType         `json:"type"`
	Severity   Severity          `json:"severity"`
	Message    string            `json:"message"`
	CreatedAt  time.Time         `json:"created_at"`
	Resolved   bool              `json:"resolved"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type Metrics struct {
	CountsByStatus    map[Status]int64 `json:"counts_by_status"`
	AvgCompletionTime time.Duration    `json:"avg_completion_time"`
	SuccessRate       float64          `json:"success_rate"`
	CompensationRate  float64          `json:"compensation_rate"`
	TopFailureReasons []string         `json:"top_failure_reasons"`
}

type Report struct {
	Timestamp       time.Time `json:"timestamp"`
	Metrics         Metrics   `json:"metrics"`
	ActiveAlerts    []Alert   `json:"active_alerts"`
	Recommendations []string  `json:"recommendations"`
}

// Monitor watches saga executions independently of the orchestrator's own
// retry machinery: it raises alerts, remediates timed-out and stuck sagas,
// keeps aggregate metrics and emits an hourly report.
type Monitor struct {
	store        Store
	orchestrator Orchestrator
	bus          pubsub.Bus
	logger       log.Logger
	cron         *cron.Cron

	mutex   sync.RWMutex
	alerts  map[string]*Alert
	metrics Metrics

	sagasTotal       *prometheus.GaugeVec
	successRate      prometheus.Gauge
	compensationRate prometheus.Gauge
	avgDuration      prometheus.Gauge
	unresolvedAlerts *prometheus.GaugeVec
}

func NewMonitor(store Store, orchestrator Orchestrator, bus pubsub.Bus, logger log.Logger) *Monitor {
	m := &Monitor{
		store:        store,
		orchestrator: orchestrator,
		bus:          bus,
		logger:       logger,
		cron:         cron.New(),
		alerts:       make(map[string]*Alert),
		metrics:      Metrics{SuccessRate: 1.0},
		sagasTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conductor_sagas_total",
			Help: "Number of saga executions by status",
		}, []string{"status"}),
		successRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_saga_success_rate",
			Help: "Share of finished sagas that completed successfully",
		}),
		compensationRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_saga_compensation_rate",
			Help: "Share of finished sagas that ended compensated",
		}),
		avgDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_saga_avg_duration_seconds",
			Help: "Average completion time over recently completed sagas",
		}),
		unresolvedAlerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conductor_unresolved_alerts",
			Help: "Number of unresolved monitor alerts by severity",
		}, []string{"severity"}),
	}

	bus.SubscribeFamily(TopicFamily, m.onSagaEvent)

	return m
}

// Collectors returns the monitor's prometheus collectors for the caller to
// register on its registry of choice.
func (m *Monitor) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.sagasTotal,
		m.successRate,
		m.compensationRate,
		m.avgDuration,
		m.unresolvedAlerts,
	}
}

func (m *Monitor) Start() error {
	if _, err := m.cron.AddFunc("@every 1m", m.tick); err != nil {
		return errors.Wrap(err, "scheduling monitor tick")
	}

	if _, err := m.cron.AddFunc("@hourly", m.report); err != nil {
		return errors.Wrap(err, "scheduling monitor report")
	}

	m.cron.Start()
	m.logger.Log(log.InfoLevel, "saga monitor started")

	return nil
}

func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
	m.logger.Log(log.InfoLevel, "saga monitor stopped")
}

func (m *Monitor) tick() {
	ctx := context.Background()

	var wg sync.WaitGroup

	for _, check := range []func(context.Context){
		m.checkTimeouts,
		m.checkStuck,
		m.refreshMetrics,
		m.pruneAlerts,
	} {
		wg.Add(1)

		go func(check func(context.Context)) {
			defer wg.Done()
			check(ctx)
		}(check)
	}

	wg.Wait()
}

func (m *Monitor) checkTimeouts(ctx context.Context) {
	stale, err := m.store.GetByFilter(ctx,
		WithStatus(StatusRunning),
		WithStartedBefore(time.Now().UTC().Add(-timeoutThreshold)),
	)

	if err != nil {
		m.logger.Logf(log.ErrorLevel, "querying timed out sagas: %s", err)
		return
	}

	for _, execution := range stale {
		if !m.raiseOnce(execution.UID, AlertTimeout, SeverityHigh,
			fmt.Sprintf("saga %s running longer than %s", execution.UID, timeoutThreshold), nil) {
			continue
		}

		sagaUID := execution.UID

		go func() {
			if err := m.orchestrator.Compensate(context.Background(), sagaUID, ""); err != nil {
				m.logger.Logf(log.ErrorLevel, "compensating timed out saga %s: %s", sagaUID, err)
			}
		}()
	}
}

func (m *Monitor) checkStuck(ctx context.Context) {
	running, err := m.store.GetByFilter(ctx, WithStatus(StatusRunning))
	if err != nil {
		m.logger.Logf(log.ErrorLevel, "querying running sagas: %s", err)
		return
	}

	cutoff := time.Now().UTC().Add(-stuckThreshold)

	for _, execution := range running {
		if execution.LastActivityAt().After(cutoff) {
			continue
		}

		if !m.raiseOnce(execution.UID, AlertStuck, SeverityMedium,
			fmt.Sprintf("saga %s has no step activity for over %s", execution.UID, stuckThreshold), nil) {
			continue
		}

		sagaUID := execution.UID

		go func() {
			if err := m.orchestrator.Resume(context.Background(), sagaUID); err != nil {
				m.logger.Logf(log.ErrorLevel, "resuming stuck saga %s: %s", sagaUID, err)
			}
		}()
	}
}

func (m *Monitor) refreshMetrics(ctx context.Context) {
	counts, err := m.store.CountByStatus(ctx)
	if err != nil {
		m.logger.Logf(log.ErrorLevel, "counting sagas by status: %s", err)
		return
	}

	completed, err := m.store.RecentlyCompleted(ctx, completedWindow)
	if err != nil {
		m.logger.Logf(log.ErrorLevel, "loading recently completed sagas: %s", err)
		return
	}

	var total time.Duration
	var avg time.Duration

	for _, execution := range completed {
		if execution.CompletedAt != nil {
			total += execution.CompletedAt.Sub(execution.StartedAt)
		}
	}

	if len(completed) > 0 {
		avg = total / time.Duration(len(completed))
	}

	finished := counts[StatusCompleted] + counts[StatusFailed] + counts[StatusCompensated]

	successRate := 1.0
	compensationRate := 0.0

	if finished > 0 {
		successRate = float64(counts[StatusCompleted]) / float64(finished)
		compensationRate = float64(counts[StatusCompensated]) / float64(finished)
	}

	metrics := Metrics{
		CountsByStatus:    counts,
		AvgCompletionTime: avg,
		SuccessRate:       successRate,
		CompensationRate:  compensationRate,
		TopFailureReasons: m.topFailureReasons(ctx),
	}

	m.mutex.Lock()
	m.metrics = metrics
	m.mutex.Unlock()

	m.sagasTotal.Reset()
	for status, count := range counts {
		m.sagasTotal.WithLabelValues(status.String()).Set(float64(count))
	}

	m.successRate.Set(successRate)
	m.compensationRate.Set(compensationRate)
	m.avgDuration.Set(avg.Seconds())

	m.unresolvedAlerts.Reset()
	for severity, count := range m.unresolvedBySeverity() {
		m.unresolvedAlerts.WithLabelValues(string(severity)).Set(float64(count))
	}
}

func (m *Monitor) topFailureReasons(ctx context.Context) []string {
	failed, err := m.store.GetByFilter(ctx, WithStatus(StatusFailed), WithOffsetAndLimit(0, completedWindow))
	if err != nil {
		m.logger.Logf(log.ErrorLevel, "loading failed sagas: %s", err)
		return nil
	}

	tally := make(map[string]int)
	for _, execution := range failed {
		for _, state := range execution.Steps {
			if state.Error != "" {
				tally[state.Error]++
			}
		}
	}

	var reasons []string
	for len(tally) > 0 && len(reasons) < 5 {
		top := ""
		for reason := range tally {
			if top == "" || tally[reason] > tally[top] {
				top = reason
			}
		}

		reasons = append(reasons, top)
		delete(tally, top)
	}

	return reasons
}

func (m *Monitor) pruneAlerts(_ context.Context) {
	cutoff := time.Now().UTC().Add(-alertRetention)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for uid, alert := range m.alerts {
		if alert.Resolved && alert.ResolvedAt != nil && alert.ResolvedAt.Before(cutoff) {
			delete(m.alerts, uid)
		}
	}
}

func (m *Monitor) onSagaEvent(ev pubsub.Envelope) {
	event, ok := ev.Payload.(Event)
	if !ok {
		return
	}

	switch event.Type {
	case EventSagaCompleted:
		m.resolveFor(event.SagaUID, AlertTimeout, AlertStuck)
	case EventSagaFailed:
		m.raise(event.SagaUID, AlertFailure, SeverityHigh,
			fmt.Sprintf("saga %s failed", event.SagaUID), eventMetadata(event))
	case EventSagaCompensated:
		m.raise(event.SagaUID, AlertCompensation, SeverityMedium,
			fmt.Sprintf("saga %s was compensated", event.SagaUID), eventMetadata(event))
	case EventStepFailed:
		if retryCount, ok := event.Data["retry_count"].(int); ok && retryCount > 2 {
			m.raise(event.SagaUID, AlertFailure, SeverityCritical,
				fmt.Sprintf("saga %s keeps failing after %d retries", event.SagaUID, retryCount), eventMetadata(event))
		}
	}
}

func eventMetadata(event Event) map[string]string {
	metadata := make(map[string]string, len(event.Data))
	for key, val := range event.Data {
		metadata[key] = fmt.Sprint(val)
	}

	return metadata
}

// raiseOnce raises an alert unless an unresolved one of the same type already
// exists for the saga. Reports whether a new alert was created, which gates
// the one-shot remediation actions.
func (m *Monitor) raiseOnce(sagaUID string, alertType AlertType, severity Severity, message string, metadata map[string]string) bool {
	m.mutex.Lock()

	for _, alert := range m.alerts {
		if alert.SagaUID == sagaUID && alert.Type == alertType && !alert.Resolved {
			m.mutex.Unlock()
			return false
		}
	}
	m.mutex.Unlock()

	m.raise(sagaUID, alertType, severity, message, metadata)

	return true
}

func (m *Monitor) raise(sagaUID string, alertType AlertType, severity Severity, message string, metadata map[string]string) {
	alert := &Alert{
		UID:       uuid.New().String(),
		SagaUID:   sagaUID,
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}

	m.mutex.Lock()
	m.alerts[alert.UID] = alert
	m.mutex.Unlock()

	m.logger.WithFields([]log.Field{{Name: "saga_id", Val: sagaUID}}).
		Logf(log.WarnLevel, "%s alert (%s): %s", alertType, severity, message)

	if severity == SeverityHigh || severity == SeverityCritical {
		m.bus.Publish(TopicUrgent, *alert)
	}
}

func (m *Monitor) resolveFor(sagaUID string, types ...AlertType) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := time.Now().UTC()

	for _, alert := range m.alerts {
		if alert.SagaUID != sagaUID || alert.Resolved {
			continue
		}

		for _, alertType := range types {
			if alert.Type == alertType {
				alert.Resolved = true
				alert.ResolvedAt = &now
			}
		}
	}
}

func (m *Monitor) ResolveAlert(alertUID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	alert, exists := m.alerts[alertUID]
	if !exists {
		return errors.Errorf("alert %s not found", alertUID)
	}

	now := time.Now().UTC()
	alert.Resolved = true
	alert.ResolvedAt = &now

	return nil
}

// Alerts returns a copy of all retained alerts, unresolved first is not
// guaranteed; callers sort as needed.
func (m *Monitor) Alerts() []Alert {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	alerts := make([]Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		alerts = append(alerts, *alert)
	}

	return alerts
}

func (m *Monitor) Metrics() Metrics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.metrics
}

func (m *Monitor) unresolvedBySeverity() map[Severity]int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	counts := make(map[Severity]int)
	for _, alert := range m.alerts {
		if !alert.Resolved {
			counts[alert.Severity]++
		}
	}

	return counts
}

func (m *Monitor) report() {
	m.mutex.RLock()
	metrics := m.metrics
	m.mutex.RUnlock()

	var active []Alert
	for _, alert := range m.Alerts() {
		if !alert.Resolved {
			active = append(active, alert)
		}
	}

	report := Report{
		Timestamp:       time.Now().UTC(),
		Metrics:         metrics,
		ActiveAlerts:    active,
		Recommendations: recommendations(metrics, active),
	}

	m.bus.Publish(TopicReport, report)

	m.logger.Logf(log.InfoLevel, "monitoring report: success rate %.2f, compensation rate %.2f, %d active alerts",
		metrics.SuccessRate, metrics.CompensationRate, len(active))
}

func recommendations(metrics Metrics, active []Alert) []string {
	var out []string

	if metrics.SuccessRate < 0.9 {
		out = append(out, "success rate below 90%, review step handler error handling")
	}

	if metrics.CompensationRate > 0.1 {
		out = append(out, "compensation rate above 10%, review business logic and payload validation")
	}

	if metrics.AvgCompletionTime > time.Minute*5 {
		out = append(out, "average execution time above 5 minutes, review step parallelism")
	}

	if metrics.CountsByStatus[StatusRunning] > 100 {
		out = append(out, "more than 100 sagas running, investigate bottlenecks and deadlocks")
	}

	criticals := 0
	for _, alert := range active {
		if alert.Severity == SeverityCritical {
			criticals++
		}
	}

	if criticals > 5 {
		out = append(out, "more than 5 unresolved critical alerts, needs immediate attention")
	}

	return out
}

// HealthCheck reports whether the saga subsystem is healthy: success rate at
// least 80%, at most 50 running sagas, no unresolved critical alert.
func (m *Monitor) HealthCheck() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.metrics.SuccessRate < 0.8 {
		return false
	}

	if m.metrics.CountsByStatus[StatusRunning] > 50 {
		return false
	}

	for _, alert := range m.alerts {
		if !alert.Resolved && alert.Severity == SeverityCritical {
			return false
		}
	}

	return true
}