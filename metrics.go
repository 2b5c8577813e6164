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
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "restartvisor"

type metrics struct {
	attempts *prometheus.CounterVec
	blocked  *prometheus.CounterVec
	crashes  *prometheus.CounterVec
	circuit  *prometheus.GaugeVec
	backoff  prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "restart_attempts_total",
			Help:      "Restart attempts by deployment, trigger and outcome.",
		}, []string{"deployment", "trigger", "outcome"}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "restarts_blocked_total",
			Help:      "Restarts refused by the restart policy or by a restart already in progress.",
		}, []string{"deployment", "reason"}),
		crashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "crashes_detected_total",
			Help:      "Healthy to unhealthy transitions seen on monitored deployments.",
		}, []string{"deployment"}),
		circuit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state after the last restart decision (0 closed, 1 open, 2 half open).",
		}, []string{"deployment"}),
		backoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "restart_backoff_seconds",
			Help:      "Backoff applied before automatic restart attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 13),
		}),
	}
	reg.MustRegister(m.attempts, m.blocked, m.crashes, m.circuit, m.backoff)
	return m
}

func trigger(manual bool) string {
	if manual {
		return "manual"
	}
	return "automatic"
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
