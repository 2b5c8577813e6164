// Copyright 2026 The Restartvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package restartvisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/claude-mpm/restartvisor"

// Options configures a RestartManager.  Every field is optional.
type Options struct {
	// Name distinguishes manager instances in logs.
	Name string

	// StateDir holds restart-history.json.  When empty, history is
	// kept in memory only.
	StateDir string

	// Config is the restart policy.  The zero value means
	// DefaultRestartConfig.
	Config RestartConfig

	// PollInterval is how often the crash detector checks health.
	PollInterval time.Duration

	Logger   *zap.Logger
	Registry *prometheus.Registry
	Clock    backoff.Clock
}

// RestartManager restarts deployments, automatically when the crash
// detector reports a crash and auto-restart is enabled for the deployment,
// or manually on request.  It owns the restart history and the
// auto-restart settings of every deployment.
//
// A deployment is never restarted twice concurrently.  Distinct
// deployments restart independently of one another.
type RestartManager struct {
	name        string
	pm          ProcessManager
	hm          HealthManager
	book        *HistoryBook
	policy      *RestartPolicy
	detector    *CrashDetector
	file        *historyFile
	deployments cmap.ConcurrentMap[string, *deployment]
	logger      *zap.Logger
	log         *Log
	metrics     *metrics
	registry    *prometheus.Registry
	tracer      trace.Tracer
	ctx         context.Context
	cancel      context.CancelFunc
	initOnce    sync.Once
	initErr     error
	shutOnce    sync.Once
}

// NewRestartManager returns a manager driving pm and hm.  It fails only if
// the restart config is invalid, with an error wrapping ErrInvalidConfig.
// Initialize must be called before auto-restart can be enabled.
func NewRestartManager(pm ProcessManager, hm HealthManager, o Options) (*RestartManager, error) {
	if o.Name == "" {
		o.Name = "restartvisor"
	}
	if o.Config == (RestartConfig{}) {
		o.Config = DefaultRestartConfig()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Registry == nil {
		o.Registry = prometheus.NewRegistry()
	}

	book := NewHistoryBook()
	policy, err := NewRestartPolicy(o.Config, book, o.Clock)
	if err != nil {
		return nil, err
	}

	m := &RestartManager{
		name:        o.Name,
		pm:          pm,
		hm:          hm,
		book:        book,
		policy:      policy,
		deployments: cmap.New[*deployment](),
		log:         NewLog(0),
		registry:    o.Registry,
		metrics:     newMetrics(o.Registry),
		tracer:      otel.Tracer(tracerName),
	}
	m.logger = fanOut(o.Logger, m.log).With(zap.String("manager", m.name))
	if o.StateDir != "" {
		m.file = &historyFile{dir: o.StateDir}
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.detector = NewCrashDetector(hm, o.PollInterval, m.logger)
	m.detector.SetCrashHandler(m.handleCrash)
	return m, nil
}

// Name returns the name the manager was created with.
func (m *RestartManager) Name() string {
	return m.name
}

// Policy returns the restart policy in use.
func (m *RestartManager) Policy() *RestartPolicy {
	return m.policy
}

// Registry returns the Prometheus registry holding the manager's metrics.
func (m *RestartManager) Registry() *prometheus.Registry {
	return m.registry
}

// Initialize loads any persisted restart history and starts the crash
// detector.  A missing or unreadable history file is logged and
// otherwise ignored.  Calling Initialize again does nothing.
func (m *RestartManager) Initialize() error {
	m.initOnce.Do(func() {
		m.loadHistory()
		m.initErr = m.detector.Initialize()
		m.logger.Info("*** Restart supervisor initialized ***")
	})
	return m.initErr
}

func (m *RestartManager) deployment(id string) *deployment {
	if d, ok := m.deployments.Get(id); ok {
		return d
	}
	return m.deployments.Upsert(id, nil, func(exist bool, cur, _ *deployment) *deployment {
		if exist {
			return cur
		}
		return newDeployment(id)
	})
}

// Ready returns nil once the manager is initialized, until it is shut
// down.
func (m *RestartManager) Ready() error {
	return m.detector.Ready()
}

// Register makes a deployment known to the manager without enabling
// auto-restart for it, so that it is listed by Deployments.  It fails with
// ErrDeploymentNotFound if the ProcessManager does not know it.
func (m *RestartManager) Register(id string) error {
	if m.pm.GetStatus(id) == nil {
		return fmt.Errorf("%w: %s", ErrDeploymentNotFound, id)
	}
	m.deployment(id)
	return nil
}

// EnableAutoRestart turns on automatic restarts for the deployment and
// starts monitoring it.  It fails with ErrDeploymentNotFound if the
// ProcessManager does not know the deployment.
func (m *RestartManager) EnableAutoRestart(id string) error {
	if m.pm.GetStatus(id) == nil {
		m.logger.Warn("Cannot enable auto-restart for unknown deployment",
			zap.String("deployment", id))
		return fmt.Errorf("%w: %s", ErrDeploymentNotFound, id)
	}
	if err := m.detector.StartMonitoring(id); err != nil {
		return err
	}
	if m.deployment(id).setAutoRestart(true, "Auto-restart enabled") {
		m.logger.Info("Enabled auto-restart", zap.String("deployment", id))
	}
	return nil
}

// DisableAutoRestart turns off automatic restarts for the deployment and
// stops monitoring it.  A restart already in progress runs to completion.
// Disabling a deployment that is not enabled does nothing.
func (m *RestartManager) DisableAutoRestart(id string) {
	m.detector.StopMonitoring(id)
	if d, ok := m.deployments.Get(id); ok {
		if d.setAutoRestart(false, "Auto-restart disabled") {
			m.logger.Info("Disabled auto-restart", zap.String("deployment", id))
		}
	}
}

// IsAutoRestartEnabled reports whether automatic restarts are on for the
// deployment.
func (m *RestartManager) IsAutoRestartEnabled(id string) bool {
	if d, ok := m.deployments.Get(id); ok {
		return d.autoRestartEnabled()
	}
	return false
}

// RestartDeployment restarts the deployment and reports whether it came
// back healthy.
//
// If a restart of the same deployment is already running, it returns
// false at once.  Automatic restarts (manual false) must also be allowed
// by the restart policy, and wait out the policy's backoff first; manual
// restarts skip both, since an operator asked for them.  Either way the
// attempt is recorded in the history, and counts towards the circuit
// breaker.
//
// Failures never surface as errors.  The reason for a failed attempt is
// kept in the history.  Cancelling ctx during the backoff abandons the
// restart without recording an attempt.
func (m *RestartManager) RestartDeployment(ctx context.Context, id string, manual bool) bool {
	ctx, span := m.tracer.Start(ctx, "RestartDeployment", trace.WithAttributes(
		attribute.String("deployment.id", id),
		attribute.Bool("restart.manual", manual),
	))
	defer span.End()

	log := m.logger.With(zap.String("deployment", id),
		zap.String("trigger", trigger(manual)))

	d := m.deployment(id)
	if !d.beginRestart() {
		log.Info("Restart already in progress")
		m.metrics.blocked.WithLabelValues(id, "in_progress").Inc()
		span.SetAttributes(attribute.String("restart.blocked", "in_progress"))
		return false
	}
	result := "Restart failed"
	defer func() {
		d.endRestart(result)
		m.metrics.circuit.WithLabelValues(id).Set(float64(m.policy.CircuitBreakerState(id)))
	}()

	if !manual {
		if reason, ok := m.policy.check(id); !ok {
			log.Warn("Restart refused by policy", zap.String("reason", reason))
			m.metrics.blocked.WithLabelValues(id, reason).Inc()
			span.SetAttributes(attribute.String("restart.blocked", reason))
			result = "Restart refused: " + reason
			return false
		}
		delay := m.policy.CalculateBackoff(id)
		m.metrics.backoff.Observe(delay.Seconds())
		log.Info("Waiting before restart", zap.Duration("backoff", delay))
		if err := m.sleep(ctx, delay); err != nil {
			log.Info("Restart abandoned", zap.Error(err))
			span.SetStatus(codes.Error, "abandoned")
			result = "Restart abandoned"
			return false
		}
	}

	ok, reason := m.attempt(ctx, id)
	a := m.policy.RecordRestartAttempt(id, ok, reason)
	m.metrics.attempts.WithLabelValues(id, trigger(manual), outcome(ok)).Inc()
	m.saveHistory()

	span.SetAttributes(attribute.Int("restart.attempt", a.AttemptNumber))
	if !ok {
		log.Warn("Restart failed", zap.Int("attempt", a.AttemptNumber),
			zap.String("reason", reason))
		span.SetStatus(codes.Error, reason)
		result = "Restart failed: " + reason
		return false
	}
	log.Info("Restarted", zap.Int("attempt", a.AttemptNumber))
	result = "Restarted"
	return true
}

// attempt performs the restart and the health verification.  The returned
// string is the failure reason.
func (m *RestartManager) attempt(ctx context.Context, id string) (bool, string) {
	if _, err := m.restartProcess(ctx, id); err != nil {
		return false, err.Error()
	}
	health, err := m.hm.CheckHealth(ctx, id)
	if err != nil {
		return false, "health check failed: " + err.Error()
	}
	status := HealthUnknown
	if health != nil {
		status = health.OverallStatus
	}
	if status != HealthHealthy {
		return false, fmt.Sprintf("deployment is %s after restart", status)
	}
	return true, ""
}

// restartProcess calls the ProcessManager, turning a panic into an error.
func (m *RestartManager) restartProcess(ctx context.Context, id string) (st *DeploymentState, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("process manager panicked: %v", r)
		}
	}()
	return m.pm.Restart(ctx, id)
}

func (m *RestartManager) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrShutdown
	}
}

// handleCrash is the crash detector's handler.
func (m *RestartManager) handleCrash(id string) {
	m.metrics.crashes.WithLabelValues(id).Inc()
	if !m.IsAutoRestartEnabled(id) {
		return
	}
	m.logger.Warn("Deployment crashed, restarting", zap.String("deployment", id))
	m.RestartDeployment(m.ctx, id, false)
}

// History returns a copy of the deployment's restart history, or nil if
// it has none.
func (m *RestartManager) History(id string) *RestartHistory {
	return m.book.Get(id)
}

// ClearHistory forgets the deployment's restart history, which also
// closes its circuit, and persists the change.
func (m *RestartManager) ClearHistory(id string) {
	if m.book.Clear(id) {
		m.logger.Info("Cleared restart history", zap.String("deployment", id))
	}
	m.saveHistory()
}

// CircuitState returns the circuit breaker state of the deployment.
func (m *RestartManager) CircuitState(id string) CircuitBreakerState {
	return m.policy.CircuitBreakerState(id)
}

// Deployment returns a snapshot of the deployment.  Deployments the
// manager has never dealt with are not found.
func (m *RestartManager) Deployment(id string) (*DeploymentInfo, bool) {
	d, ok := m.deployments.Get(id)
	if !ok {
		return nil, false
	}
	h := m.book.Get(id)
	info := &DeploymentInfo{
		ID:          id,
		State:       d.state(),
		AutoRestart: d.autoRestartEnabled(),
		Monitoring:  m.detector.IsMonitoring(id),
		Health:      m.detector.LastStatus(id),
		Circuit:     m.policy.CircuitBreakerState(id),
		Attempts:    h.AttemptCount(),
		LastAttempt: h.LatestAttempt(),
	}
	info.Status, info.TimeStamp = d.Status()
	return info, true
}

// Deployments returns snapshots of every known deployment, ordered by id.
func (m *RestartManager) Deployments() []*DeploymentInfo {
	ids := m.deployments.Keys()
	sort.Strings(ids)
	rv := make([]*DeploymentInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := m.Deployment(id); ok {
			rv = append(rv, info)
		}
	}
	return rv
}

// GetLog returns the supervisor's event log, see Log.GetRecords.
func (m *RestartManager) GetLog(lastid int64) ([]LogRecord, int64) {
	return m.log.GetRecords(lastid)
}

// WatchLog waits for the event log to change, see Log.Watch.
func (m *RestartManager) WatchLog(old int64, expire time.Duration) int64 {
	return m.log.Watch(old, expire)
}

func (m *RestartManager) saveHistory() {
	if m.file == nil {
		return
	}
	if err := m.file.save(m.book); err != nil {
		m.logger.Warn("Failed to save restart history", zap.Error(err))
	}
}

func (m *RestartManager) loadHistory() {
	if m.file == nil {
		return
	}
	histories, err := m.file.load()
	if err != nil {
		m.logger.Warn("Ignoring restart history", zap.Error(err))
		return
	}
	m.book.Replace(histories)
	for id := range histories {
		m.deployment(id)
	}
	m.logger.Info("Loaded restart history", zap.Int("deployments", len(histories)))
}

// Shutdown stops crash detection, abandons restarts still waiting out
// their backoff, and saves the history.  Automatic restarts already
// talking to the ProcessManager are waited for.
func (m *RestartManager) Shutdown() {
	m.shutOnce.Do(func() {
		m.cancel()
		m.detector.Shutdown()
		m.saveHistory()
		m.logger.Info("*** Restart supervisor shut down ***")
		_ = m.logger.Sync()
	})
}
