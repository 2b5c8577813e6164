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
	"fmt"
	"time"
)

// CircuitBreakerState is the state of a deployment's restart circuit.
//
// The state is computed on demand from the restart history, the config
// and the clock.  It is deliberately never stored or persisted.
type CircuitBreakerState int

const (
	CircuitClosed   CircuitBreakerState = iota // restarts allowed
	CircuitOpen                                // restarts refused
	CircuitHalfOpen                            // one trial restart allowed
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	}
	return fmt.Sprintf("CircuitBreakerState(%d)", int(s))
}

func (s CircuitBreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *CircuitBreakerState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "closed":
		*s = CircuitClosed
	case "open":
		*s = CircuitOpen
	case "half_open":
		*s = CircuitHalfOpen
	default:
		return fmt.Errorf("unknown circuit breaker state %q", string(b))
	}
	return nil
}

// circuitState replays the attempts in order to work out the state of the
// circuit at the given time.
//
//   - While closed, a failure that brings the number of failures inside
//     the trailing window up to the threshold opens the circuit.
//   - An open circuit reads as half-open once the reset timeout has
//     elapsed since the failure that opened it.
//   - Any attempt recorded while not closed decides the outcome: success
//     closes the circuit (and forgets prior failures), failure opens it
//     again and restarts the reset timer.
//
// Attempts stamped after now are ignored.
func circuitState(attempts []RestartAttempt, cfg RestartConfig, now time.Time) CircuitBreakerState {
	state := CircuitClosed
	var openedAt time.Time
	var failures []time.Time

	for _, a := range attempts {
		t := a.Timestamp
		if t.After(now) {
			break
		}
		if state == CircuitOpen && !t.Before(openedAt.Add(cfg.CircuitBreakerReset)) {
			state = CircuitHalfOpen
		}
		if state != CircuitClosed {
			if a.Success {
				state = CircuitClosed
				failures = failures[:0]
			} else {
				state = CircuitOpen
				openedAt = t
			}
			continue
		}
		if a.Success {
			continue
		}
		failures = append(pruneBefore(failures, t.Add(-cfg.CircuitBreakerWindow)), t)
		if len(failures) >= cfg.CircuitBreakerThreshold {
			state = CircuitOpen
			openedAt = t
		}
	}

	if state == CircuitOpen && !now.Before(openedAt.Add(cfg.CircuitBreakerReset)) {
		state = CircuitHalfOpen
	}
	return state
}

// pruneBefore drops the leading timestamps that are not after the cutoff.
// The slice must be in chronological order.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
