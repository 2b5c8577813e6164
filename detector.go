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
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

const (
	// DefaultPollInterval is a "prime" number of milliseconds, to ensure
	// a more or less even distribution of clock events.
	DefaultPollInterval = 587 * time.Millisecond

	// DefaultCheckWorkers bounds the number of health checks in flight.
	DefaultCheckWorkers = 16
)

type watch struct {
	last     HealthStatus
	checking bool
}

// CrashDetector watches the health of monitored deployments and reports a
// crash when one goes from healthy to unhealthy.  Any other transition,
// such as unknown to unhealthy or unhealthy to unhealthy, is not a crash;
// a deployment that stays down is reported only once.
//
// A single poller visits every monitored deployment once per interval.
// Health checks run on a bounded worker pool, and crash handlers on
// goroutines of their own, so that neither a slow check nor a slow handler
// holds up the poller.
type CrashDetector struct {
	hm       HealthManager
	interval time.Duration
	workers  int
	logger   *zap.Logger
	watches  map[string]*watch
	onCrash  func(deploymentID string)
	pool     *ants.Pool
	ready    bool
	closed   bool
	initErr  error
	once     sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	poller   sync.WaitGroup
	calls    sync.WaitGroup
	mx       sync.Mutex
}

// NewCrashDetector returns a detector that polls hm every interval.  A
// zero interval means DefaultPollInterval.  Initialize must be called
// before monitoring starts.
func NewCrashDetector(hm HealthManager, interval time.Duration, logger *zap.Logger) *CrashDetector {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CrashDetector{
		hm:       hm,
		interval: interval,
		workers:  DefaultCheckWorkers,
		logger:   logger.Named("detector"),
		watches:  make(map[string]*watch),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetCrashHandler registers the function called when a monitored
// deployment crashes.  There is only one handler; the RestartManager
// owns it.
func (d *CrashDetector) SetCrashHandler(fn func(deploymentID string)) {
	d.mx.Lock()
	d.onCrash = fn
	d.mx.Unlock()
}

// Initialize sets up the worker pool and starts the poller.  Calling it
// more than once is harmless.
func (d *CrashDetector) Initialize() error {
	d.once.Do(func() {
		pool, err := ants.NewPool(d.workers,
			ants.WithNonblocking(true),
			ants.WithPanicHandler(func(v interface{}) {
				d.logger.Error("Health check panicked", zap.Any("panic", v))
			}))
		if err != nil {
			d.initErr = err
			return
		}
		d.mx.Lock()
		d.pool = pool
		d.ready = true
		d.mx.Unlock()

		d.poller.Add(1)
		go d.monitor()
		d.logger.Debug("Crash detector initialized",
			zap.Duration("interval", d.interval))
	})
	return d.initErr
}

// StartMonitoring begins observing the deployment.  Its health is
// considered unknown until the first check completes.
func (d *CrashDetector) StartMonitoring(id string) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.closed {
		return ErrShutdown
	}
	if !d.ready {
		return ErrNotInitialized
	}
	if _, ok := d.watches[id]; ok {
		return nil
	}
	d.watches[id] = &watch{last: HealthUnknown}
	d.logger.Info("Started monitoring", zap.String("deployment", id))
	return nil
}

// StopMonitoring stops observing the deployment.  Once it returns, no
// crash will be reported for the deployment, including from checks that
// were already running.
func (d *CrashDetector) StopMonitoring(id string) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if _, ok := d.watches[id]; ok {
		delete(d.watches, id)
		d.logger.Info("Stopped monitoring", zap.String("deployment", id))
	}
}

// Ready returns nil if the detector is initialized and not shut down.
func (d *CrashDetector) Ready() error {
	d.mx.Lock()
	defer d.mx.Unlock()
	switch {
	case d.closed:
		return ErrShutdown
	case !d.ready:
		return ErrNotInitialized
	}
	return nil
}

// IsMonitoring reports whether the deployment is being observed.
func (d *CrashDetector) IsMonitoring(id string) bool {
	d.mx.Lock()
	_, ok := d.watches[id]
	d.mx.Unlock()
	return ok
}

// Monitored returns the ids of the monitored deployments, sorted.
func (d *CrashDetector) Monitored() []string {
	d.mx.Lock()
	ids := make([]string, 0, len(d.watches))
	for id := range d.watches {
		ids = append(ids, id)
	}
	d.mx.Unlock()
	sort.Strings(ids)
	return ids
}

// LastStatus returns the health last observed for the deployment.
func (d *CrashDetector) LastStatus(id string) HealthStatus {
	d.mx.Lock()
	defer d.mx.Unlock()
	if w, ok := d.watches[id]; ok {
		return w.last
	}
	return HealthUnknown
}

// Shutdown stops the poller and waits for running checks and crash
// handlers to return.
func (d *CrashDetector) Shutdown() {
	d.mx.Lock()
	if d.closed {
		d.mx.Unlock()
		return
	}
	d.closed = true
	d.watches = make(map[string]*watch)
	pool := d.pool
	d.mx.Unlock()

	d.cancel()
	d.poller.Wait()
	d.calls.Wait()
	if pool != nil {
		pool.Release()
	}
}

func (d *CrashDetector) monitor() {
	defer d.poller.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.poll()
		}
	}
}

// poll submits a check for every monitored deployment that does not
// already have one in flight.
func (d *CrashDetector) poll() {
	type due struct {
		id string
		w  *watch
	}
	var checks []due

	d.mx.Lock()
	if d.closed {
		d.mx.Unlock()
		return
	}
	for id, w := range d.watches {
		if !w.checking {
			w.checking = true
			checks = append(checks, due{id, w})
		}
	}
	d.calls.Add(len(checks))
	d.mx.Unlock()

	for _, c := range checks {
		c := c
		err := d.pool.Submit(func() {
			defer d.calls.Done()
			d.check(c.id, c.w)
		})
		if err != nil {
			d.calls.Done()
			d.mx.Lock()
			c.w.checking = false
			d.mx.Unlock()
			d.logger.Debug("Health check skipped",
				zap.String("deployment", c.id), zap.Error(err))
		}
	}
}

func (d *CrashDetector) check(id string, w *watch) {
	status := HealthUnknown
	health, err := d.hm.CheckHealth(d.ctx, id)
	switch {
	case err != nil:
		d.logger.Debug("Health check failed",
			zap.String("deployment", id), zap.Error(err))
	case health != nil:
		status = health.OverallStatus
	}

	d.mx.Lock()
	w.checking = false
	if d.watches[id] != w {
		// Monitoring was stopped (and maybe restarted) meanwhile;
		// this result belongs to nobody.
		d.mx.Unlock()
		return
	}
	old := w.last
	w.last = status
	d.mx.Unlock()

	if old != status {
		d.onHealthStatusChange(id, old, status)
	}
}

// onHealthStatusChange decides whether a health transition is a crash,
// and if so dispatches the crash handler.
func (d *CrashDetector) onHealthStatusChange(id string, old, status HealthStatus) {
	d.logger.Debug("Health changed", zap.String("deployment", id),
		zap.String("from", string(old)), zap.String("to", string(status)))

	if old != HealthHealthy || status != HealthUnhealthy {
		return
	}

	d.mx.Lock()
	_, monitoring := d.watches[id]
	cb := d.onCrash
	if !monitoring || cb == nil || d.closed {
		d.mx.Unlock()
		return
	}
	d.calls.Add(1)
	d.mx.Unlock()

	d.logger.Warn("Crash detected", zap.String("deployment", id))
	go func() {
		defer d.calls.Done()
		// Monitoring may have been stopped since the transition was
		// seen.
		if d.IsMonitoring(id) {
			cb(id)
		}
	}()
}
