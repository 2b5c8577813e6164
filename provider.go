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
)

// ProcessStatus is the state of a deployment's process as reported by the
// ProcessManager.
type ProcessStatus string

const (
	ProcessRunning  ProcessStatus = "running"
	ProcessStarting ProcessStatus = "starting"
	ProcessStopped  ProcessStatus = "stopped"
	ProcessFailed   ProcessStatus = "failed"
)

// HealthStatus is the overall health of a deployment.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// ProcessInfo describes the process backing a deployment.
type ProcessInfo struct {
	DeploymentID string        `json:"deployment_id"`
	ProcessID    int           `json:"process_id"`
	Status       ProcessStatus `json:"status"`
	Port         int           `json:"port,omitempty"`
}

// DeploymentState is what the ProcessManager returns after a restart.
type DeploymentState struct {
	ProcessInfo
	Command          []string `json:"command"`
	WorkingDirectory string   `json:"working_directory"`
}

// HealthCheckResult is the outcome of one individual check.
type HealthCheckResult struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// DeploymentHealth is the result of checking a deployment's health.
type DeploymentHealth struct {
	DeploymentID  string              `json:"deployment_id"`
	OverallStatus HealthStatus        `json:"overall_status"`
	Checks        []HealthCheckResult `json:"checks"`
}

// ProcessManager is what process managers must implement.  The restart
// supervisor never spawns or stops processes itself; it only asks the
// ProcessManager to do so.  Implementations must be safe for concurrent
// use, although the supervisor promises never to restart the same
// deployment concurrently.
type ProcessManager interface {
	// GetStatus returns information about the deployment's process, or
	// nil if the deployment is not known.
	GetStatus(deploymentID string) *ProcessInfo

	// Restart stops and starts the deployment.  It blocks until the
	// process has been started again, or has definitively failed.
	Restart(ctx context.Context, deploymentID string) (*DeploymentState, error)
}

// HealthManager performs health checks.  CheckHealth runs synchronously.
// An error means the health could not be determined at all; a deployment
// that is simply sick is reported through OverallStatus.
type HealthManager interface {
	CheckHealth(ctx context.Context, deploymentID string) (*DeploymentHealth, error)
}
