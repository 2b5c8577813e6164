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
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Reasons reported when the policy refuses a restart.
const (
	blockedCircuitOpen = "circuit_open"
	blockedMaxAttempts = "max_attempts"
)

// RestartPolicy decides whether and when a deployment may be restarted.
// It keeps no state of its own: everything is derived from the restart
// history held in the HistoryBook, so the same policy serves every
// deployment.
//
// Attempt counts (for MaxAttempts and for the backoff exponent) only
// consider attempts made within the trailing CircuitBreakerWindow, so a
// deployment that has been stable for a while starts again from the
// initial backoff.
type RestartPolicy struct {
	cfg   RestartConfig
	book  *HistoryBook
	clock backoff.Clock
}

// NewRestartPolicy returns a policy over the given history.  A nil clock
// means the system clock.  An invalid config is rejected with an error
// wrapping ErrInvalidConfig.
func NewRestartPolicy(cfg RestartConfig, book *HistoryBook, clock backoff.Clock) (*RestartPolicy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if book == nil {
		book = NewHistoryBook()
	}
	if clock == nil {
		clock = backoff.SystemClock
	}
	return &RestartPolicy{cfg: cfg, book: book, clock: clock}, nil
}

// Config returns a copy of the policy's configuration.
func (p *RestartPolicy) Config() RestartConfig {
	return p.cfg
}

// ShouldRestart reports whether a restart of the deployment is permitted
// right now.  It is false while the circuit is open, or when MaxAttempts
// attempts were already made in the window.  A half-open circuit always
// permits its trial restart.
func (p *RestartPolicy) ShouldRestart(id string) bool {
	_, ok := p.check(id)
	return ok
}

func (p *RestartPolicy) check(id string) (string, bool) {
	now := p.clock.Now()
	attempts := p.attempts(id)
	switch circuitState(attempts, p.cfg, now) {
	case CircuitOpen:
		return blockedCircuitOpen, false
	case CircuitHalfOpen:
		return "", true
	}
	if p.recent(attempts, now) >= p.cfg.MaxAttempts {
		return blockedMaxAttempts, false
	}
	return "", true
}

// CalculateBackoff returns the delay to wait before the next attempt:
// InitialBackoff * BackoffMultiplier^(N-1), capped at MaxBackoff, where N
// is the number of the attempt about to be made.
func (p *RestartPolicy) CalculateBackoff(id string) time.Duration {
	n := p.recent(p.attempts(id), p.clock.Now()) + 1

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          p.cfg.BackoffMultiplier,
		MaxInterval:         p.cfg.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               p.clock,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < n && d < p.cfg.MaxBackoff; i++ {
		d = b.NextBackOff()
	}
	return d
}

// RecordRestartAttempt appends an attempt, stamped with the current time,
// to the deployment's history.  Callers serialize attempts per deployment.
func (p *RestartPolicy) RecordRestartAttempt(id string, success bool, reason string) RestartAttempt {
	return p.book.Record(id, success, reason, p.clock.Now())
}

// CircuitBreakerState returns the current state of the deployment's
// circuit.
func (p *RestartPolicy) CircuitBreakerState(id string) CircuitBreakerState {
	return circuitState(p.attempts(id), p.cfg, p.clock.Now())
}

func (p *RestartPolicy) attempts(id string) []RestartAttempt {
	if h := p.book.Get(id); h != nil {
		return h.Attempts
	}
	return nil
}

// recent counts the attempts inside the trailing window.
func (p *RestartPolicy) recent(attempts []RestartAttempt, now time.Time) int {
	cutoff := now.Add(-p.cfg.CircuitBreakerWindow)
	n := 0
	for i := len(attempts) - 1; i >= 0; i-- {
		t := attempts[i].Timestamp
		if !t.After(cutoff) {
			break
		}
		if !t.After(now) {
			n++
		}
	}
	return n
}
