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

package local

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/heptiolabs/healthcheck"
	psprocess "github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/claude-mpm/restartvisor"
)

// DefaultProbeTimeout bounds each individual probe.
const DefaultProbeTimeout = 2 * time.Second

// Targeter resolves a deployment id to the things worth probing.
// ExecProcessManager is one.
type Targeter interface {
	Target(id string) (Target, bool)
}

// ProbeHealthManager implements restartvisor.HealthManager by probing
// the deployment's process, and its port and health URL when the manifest
// names them.  A deployment is healthy only if every probe passes.
type ProbeHealthManager struct {
	targets Targeter
	timeout time.Duration
	logger  *zap.Logger
}

// NewProbeHealthManager returns a health manager for the targets.  A zero
// timeout means DefaultProbeTimeout.
func NewProbeHealthManager(targets Targeter, timeout time.Duration, logger *zap.Logger) *ProbeHealthManager {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProbeHealthManager{targets: targets, timeout: timeout, logger: logger}
}

// CheckHealth probes the deployment.  An unknown deployment has unknown
// health.  Probes after a failed process probe are skipped, since there
// is nothing for them to reach.
func (h *ProbeHealthManager) CheckHealth(ctx context.Context, id string) (*restartvisor.DeploymentHealth, error) {
	rv := &restartvisor.DeploymentHealth{
		DeploymentID:  id,
		OverallStatus: restartvisor.HealthUnknown,
	}
	t, ok := h.targets.Target(id)
	if !ok {
		return rv, nil
	}

	pr := h.checkProcess(ctx, t)
	rv.Checks = append(rv.Checks, pr)
	if pr.Status == restartvisor.HealthHealthy {
		if t.Port > 0 {
			addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(t.Port))
			rv.Checks = append(rv.Checks,
				h.probe("tcp", healthcheck.TCPDialCheck(addr, h.timeout)))
		}
		if t.HealthURL != "" {
			rv.Checks = append(rv.Checks, h.probe("http",
				healthcheck.Timeout(healthcheck.HTTPGetCheck(t.HealthURL, h.timeout), h.timeout)))
		}
	}

	rv.OverallStatus = restartvisor.HealthHealthy
	for _, c := range rv.Checks {
		switch c.Status {
		case restartvisor.HealthUnhealthy:
			rv.OverallStatus = restartvisor.HealthUnhealthy
			return rv, nil
		case restartvisor.HealthUnknown:
			rv.OverallStatus = restartvisor.HealthUnknown
		}
	}
	return rv, nil
}

func (h *ProbeHealthManager) checkProcess(ctx context.Context, t Target) restartvisor.HealthCheckResult {
	res := restartvisor.HealthCheckResult{Name: "process", Status: restartvisor.HealthUnhealthy}
	if t.Status != restartvisor.ProcessRunning || t.PID <= 0 {
		res.Message = fmt.Sprintf("process is %s", t.Status)
		return res
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	alive, err := psprocess.PidExistsWithContext(ctx, int32(t.PID))
	switch {
	case err != nil:
		res.Status = restartvisor.HealthUnknown
		res.Message = err.Error()
	case !alive:
		res.Message = fmt.Sprintf("pid %d is gone", t.PID)
	default:
		res.Status = restartvisor.HealthHealthy
	}
	return res
}

func (h *ProbeHealthManager) probe(name string, check healthcheck.Check) restartvisor.HealthCheckResult {
	if err := check(); err != nil {
		h.logger.Debug("Probe failed", zap.String("probe", name), zap.Error(err))
		return restartvisor.HealthCheckResult{
			Name:    name,
			Status:  restartvisor.HealthUnhealthy,
			Message: err.Error(),
		}
	}
	return restartvisor.HealthCheckResult{Name: name, Status: restartvisor.HealthHealthy}
}
