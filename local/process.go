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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/claude-mpm/restartvisor"
)

// DefaultStopTime is the time a process gets to exit after SIGTERM.
const DefaultStopTime = 10 * time.Second

var ErrExited = errors.New("Process exited during startup")

// process is an actual operating system level process, or rather the
// succession of them that one deployment goes through.
type process struct {
	m       ProcessManifest
	logger  *zap.Logger
	cmd     *exec.Cmd
	done    chan struct{}
	status  restartvisor.ProcessStatus
	reason  error
	stopped bool

	ops  sync.Mutex // serializes start, stop and restart
	lock sync.Mutex
}

func (p *process) start() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.cmd != nil && p.status == restartvisor.ProcessRunning {
		return nil
	}

	cmd := exec.Command(p.m.Command[0], p.m.Command[1:]...)
	cmd.Dir = p.m.Directory
	if len(p.m.Env) != 0 {
		cmd.Env = append(os.Environ(), p.m.Env...)
	}
	// Gather stdout/stderr in lines.
	stdout := &zapio.Writer{Log: p.logger.With(zap.String("stream", "stdout")), Level: zapcore.InfoLevel}
	stderr := &zapio.Writer{Log: p.logger.With(zap.String("stream", "stderr")), Level: zapcore.WarnLevel}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	p.status = restartvisor.ProcessStarting
	p.stopped = false
	p.reason = nil
	if err := cmd.Start(); err != nil {
		p.status = restartvisor.ProcessFailed
		p.reason = err
		p.cmd = nil
		p.logger.Warn("Failed to start", zap.Error(err))
		return err
	}
	p.cmd = cmd
	p.done = make(chan struct{})
	p.status = restartvisor.ProcessRunning
	p.logger.Info("Started", zap.Int("pid", cmd.Process.Pid))

	go p.doWait(cmd, p.done, stdout, stderr)
	return nil
}

func (p *process) doWait(cmd *exec.Cmd, done chan struct{}, out ...*zapio.Writer) {
	e := cmd.Wait()
	for _, w := range out {
		w.Close()
	}

	p.lock.Lock()
	if p.cmd == cmd {
		if p.stopped {
			p.status = restartvisor.ProcessStopped
		} else {
			if e == nil {
				e = errors.New("Unexpected termination")
			}
			p.status = restartvisor.ProcessFailed
			p.reason = e
			p.logger.Warn("Failed", zap.Error(e))
		}
	}
	p.lock.Unlock()
	close(done)
}

// stop sends SIGTERM, and kills the process if it has not exited within
// the manifest's stop time.
func (p *process) stop() {
	p.lock.Lock()
	p.stopped = true
	cmd, done := p.cmd, p.done
	if cmd == nil {
		p.status = restartvisor.ProcessStopped
		p.lock.Unlock()
		return
	}
	p.lock.Unlock()

	wait := time.Duration(p.m.StopTime)
	if wait <= 0 {
		wait = DefaultStopTime
	}
	if e := cmd.Process.Signal(syscall.SIGTERM); e != nil {
		p.logger.Debug("Failed sending SIGTERM", zap.Error(e))
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.logger.Warn("Graceful shutdown timed out")
		if e := cmd.Process.Kill(); e != nil {
			p.logger.Warn("Failed killing", zap.Error(e))
		}
		<-done
	}

	p.lock.Lock()
	if p.cmd == cmd {
		p.status = restartvisor.ProcessStopped
	}
	p.lock.Unlock()
	p.logger.Info("Stopped")
}

// settle waits out the manifest's start time, failing if the process
// exits meanwhile.
func (p *process) settle(ctx context.Context) error {
	d := time.Duration(p.m.StartTime)
	if d <= 0 {
		return nil
	}
	p.lock.Lock()
	done := p.done
	p.lock.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-done:
		p.lock.Lock()
		defer p.lock.Unlock()
		if p.reason != nil {
			return fmt.Errorf("%w: %v", ErrExited, p.reason)
		}
		return ErrExited
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *process) info() *restartvisor.ProcessInfo {
	p.lock.Lock()
	defer p.lock.Unlock()
	info := &restartvisor.ProcessInfo{
		DeploymentID: p.m.ID,
		Status:       p.status,
		Port:         p.m.Port,
	}
	if p.cmd != nil && p.status == restartvisor.ProcessRunning {
		info.ProcessID = p.cmd.Process.Pid
	}
	return info
}

// Target is what a health probe needs to know about a deployment.
type Target struct {
	PID       int
	Status    restartvisor.ProcessStatus
	Port      int
	HealthURL string
}

// ExecProcessManager runs deployments as child processes of the current
// process, as described by their manifests.  It implements
// restartvisor.ProcessManager.
type ExecProcessManager struct {
	procs  cmap.ConcurrentMap[string, *process]
	logger *zap.Logger
}

// NewExecProcessManager returns an empty process manager.  A nil logger
// discards process output.
func NewExecProcessManager(logger *zap.Logger) *ExecProcessManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecProcessManager{
		procs:  cmap.New[*process](),
		logger: logger,
	}
}

// Add registers a deployment.  It does not start it.
func (pm *ExecProcessManager) Add(m ProcessManifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	m.Command = append([]string(nil), m.Command...)
	m.Env = append([]string(nil), m.Env...)
	p := &process{
		m:      m,
		logger: pm.logger.With(zap.String("deployment", m.ID)),
		status: restartvisor.ProcessStopped,
	}
	if !pm.procs.SetIfAbsent(m.ID, p) {
		return fmt.Errorf("%w: %s", ErrDuplicate, m.ID)
	}
	return nil
}

func (pm *ExecProcessManager) find(id string) (*process, error) {
	p, ok := pm.procs.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", restartvisor.ErrDeploymentNotFound, id)
	}
	return p, nil
}

// Start starts the deployment's process, if it is not already running.
func (pm *ExecProcessManager) Start(id string) error {
	p, err := pm.find(id)
	if err != nil {
		return err
	}
	p.ops.Lock()
	defer p.ops.Unlock()
	return p.start()
}

// Stop stops the deployment's process.  Stopping a stopped deployment
// does nothing.
func (pm *ExecProcessManager) Stop(id string) error {
	p, err := pm.find(id)
	if err != nil {
		return err
	}
	p.ops.Lock()
	defer p.ops.Unlock()
	p.stop()
	return nil
}

// Restart stops the deployment's process if it is running, and starts it
// again.
func (pm *ExecProcessManager) Restart(ctx context.Context, id string) (*restartvisor.DeploymentState, error) {
	p, err := pm.find(id)
	if err != nil {
		return nil, err
	}
	p.ops.Lock()
	defer p.ops.Unlock()

	p.stop()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.start(); err != nil {
		return nil, err
	}
	if err := p.settle(ctx); err != nil {
		return nil, err
	}
	return &restartvisor.DeploymentState{
		ProcessInfo:      *p.info(),
		Command:          append([]string(nil), p.m.Command...),
		WorkingDirectory: p.m.Directory,
	}, nil
}

// GetStatus returns the deployment's process information, or nil if the
// deployment is unknown.
func (pm *ExecProcessManager) GetStatus(id string) *restartvisor.ProcessInfo {
	p, ok := pm.procs.Get(id)
	if !ok {
		return nil
	}
	return p.info()
}

// Target returns what the health probes need for the deployment.
func (pm *ExecProcessManager) Target(id string) (Target, bool) {
	p, ok := pm.procs.Get(id)
	if !ok {
		return Target{}, false
	}
	info := p.info()
	return Target{
		PID:       info.ProcessID,
		Status:    info.Status,
		Port:      p.m.Port,
		HealthURL: p.m.HealthURL,
	}, true
}

// Manifest returns the manifest the deployment was added with.
func (pm *ExecProcessManager) Manifest(id string) (ProcessManifest, bool) {
	p, ok := pm.procs.Get(id)
	if !ok {
		return ProcessManifest{}, false
	}
	return p.m, true
}

// IDs returns the ids of all deployments, sorted.
func (pm *ExecProcessManager) IDs() []string {
	ids := pm.procs.Keys()
	sort.Strings(ids)
	return ids
}

// Shutdown stops every process, in parallel.
func (pm *ExecProcessManager) Shutdown() {
	var wg sync.WaitGroup
	for _, p := range pm.procs.Items() {
		wg.Add(1)
		go func(p *process) {
			defer wg.Done()
			p.ops.Lock()
			defer p.ops.Unlock()
			p.stop()
		}(p)
	}
	wg.Wait()
}
