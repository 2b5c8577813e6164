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

// RestartConfig holds the tunables of a RestartPolicy.  The policy takes a
// copy at construction time, so a config is effectively immutable once in
// use.
type RestartConfig struct {
	// MaxAttempts is the number of restart attempts permitted within
	// CircuitBreakerWindow.
	MaxAttempts int `json:"max_attempts"`

	// InitialBackoff is the delay before the first attempt.
	InitialBackoff time.Duration `json:"initial_backoff"`

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration `json:"max_backoff"`

	// BackoffMultiplier is the growth factor applied per attempt.
	BackoffMultiplier float64 `json:"backoff_multiplier"`

	// CircuitBreakerThreshold is the number of failures within
	// CircuitBreakerWindow that opens the circuit.
	CircuitBreakerThreshold int `json:"circuit_breaker_threshold"`

	// CircuitBreakerWindow is the trailing window in which failures (and
	// attempts) are counted.
	CircuitBreakerWindow time.Duration `json:"circuit_breaker_window"`

	// CircuitBreakerReset is how long an open circuit stays open before
	// allowing a single trial restart.
	CircuitBreakerReset time.Duration `json:"circuit_breaker_reset"`
}

// DefaultRestartConfig returns the configuration used when none is given.
func DefaultRestartConfig() RestartConfig {
	return RestartConfig{
		MaxAttempts:             5,
		InitialBackoff:          2 * time.Second,
		MaxBackoff:              300 * time.Second,
		BackoffMultiplier:       2.0,
		CircuitBreakerThreshold: 3,
		CircuitBreakerWindow:    300 * time.Second,
		CircuitBreakerReset:     600 * time.Second,
	}
}

// Validate checks the configuration.  The returned error wraps
// ErrInvalidConfig.
func (c RestartConfig) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be at least 1, got %d",
			ErrInvalidConfig, c.MaxAttempts)
	case c.InitialBackoff <= 0:
		return fmt.Errorf("%w: initial_backoff must be positive, got %v",
			ErrInvalidConfig, c.InitialBackoff)
	case c.MaxBackoff < c.InitialBackoff:
		return fmt.Errorf("%w: max_backoff %v is less than initial_backoff %v",
			ErrInvalidConfig, c.MaxBackoff, c.InitialBackoff)
	case c.BackoffMultiplier <= 1:
		return fmt.Errorf("%w: backoff_multiplier must be greater than 1, got %v",
			ErrInvalidConfig, c.BackoffMultiplier)
	case c.CircuitBreakerThreshold < 1:
		return fmt.Errorf("%w: circuit_breaker_threshold must be at least 1, got %d",
			ErrInvalidConfig, c.CircuitBreakerThreshold)
	case c.CircuitBreakerWindow <= 0:
		return fmt.Errorf("%w: circuit_breaker_window must be positive, got %v",
			ErrInvalidConfig, c.CircuitBreakerWindow)
	case c.CircuitBreakerReset < 0:
		return fmt.Errorf("%w: circuit_breaker_reset must not be negative, got %v",
			ErrInvalidConfig, c.CircuitBreakerReset)
	}
	return nil
}
