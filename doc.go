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

// Package restartvisor supervises locally run deployments (dev servers and
// similar tool-managed processes) and restarts them when they crash.
//
// A crash is a transition of a monitored deployment from healthy to
// unhealthy, as observed by a HealthManager.  When auto-restart is enabled
// for a deployment, the RestartManager reacts to the crash by asking the
// ProcessManager to restart it, after waiting out an exponential backoff,
// and then verifies that the deployment came back healthy.  Operators may
// also request restarts manually.
//
// Restarts are governed by a RestartPolicy.  The policy bounds the number
// of attempts made within a window, and carries a circuit breaker that
// stops automatic restarts once a deployment keeps failing.  The state of
// the breaker is never stored; it is derived from the restart history and
// the clock each time it is needed, so that the persisted history is the
// only source of truth.
//
// Restart history survives supervisor restarts.  It is written as JSON to
// restart-history.json in the state directory every time an attempt is
// recorded.
//
// Process management and health probing are not part of this package.
// They are supplied by the caller through the ProcessManager and
// HealthManager interfaces.  Package local provides implementations
// suitable for running real child processes.
//
// A single RestartManager should be created at startup and shared by all
// callers.  There are no package level singletons.
package restartvisor
