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
	"sync"
	"time"
)

// SupervisionState is where a deployment stands with respect to the
// restart supervisor.
//
// Deployments go through the states illustrated below.  Enabling
// auto-restart moves an unmanaged deployment to monitored; disabling it
// moves it back.  A restart, automatic or manual, passes through the
// transient restarting state and then returns to monitored or unmanaged
// depending on whether auto-restart is enabled at that moment.
//
//	                +-------------+
//	                |             |
//	     +---------->  Unmanaged  +---------+
//	     |          |             |         |
//	     |          +--+-------A--+         |
//	     |    enable   |       |  disable   | manual
//	     |          +--V-------+--+         | restart
//	     |          |             |         |
//	     |          |  Monitored  |         |
//	     |          |             |         |
//	     |          +--+-------A--+         |
//	     |     crash / |       |            |
//	     |     manual  |       | done       |
//	     |          +--V-------+--+         |
//	     |   done   |             |         |
//	     +----------+ Restarting  <---------+
//	                |             |
//	                +-------------+
type SupervisionState int

const (
	Unmanaged SupervisionState = iota
	Monitored
	Restarting
)

func (s SupervisionState) String() string {
	switch s {
	case Unmanaged:
		return "unmanaged"
	case Monitored:
		return "monitored"
	case Restarting:
		return "restarting"
	}
	return fmt.Sprintf("SupervisionState(%d)", int(s))
}

func (s SupervisionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SupervisionState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "unmanaged":
		*s = Unmanaged
	case "monitored":
		*s = Monitored
	case "restarting":
		*s = Restarting
	default:
		return fmt.Errorf("unknown supervision state %q", string(b))
	}
	return nil
}

// DeploymentInfo is a consistent snapshot of what the manager knows about
// a deployment.
type DeploymentInfo struct {
	ID          string              `json:"id"`
	State       SupervisionState    `json:"state"`
	AutoRestart bool                `json:"auto_restart"`
	Monitoring  bool                `json:"monitoring"`
	Health      HealthStatus        `json:"health"`
	Circuit     CircuitBreakerState `json:"circuit"`
	Attempts    int                 `json:"attempts"`
	LastAttempt *RestartAttempt     `json:"last_attempt,omitempty"`
	Status      string              `json:"status"`
	TimeStamp   time.Time           `json:"tstamp"`
}

// deployment is the manager's record for one deployment id.  Records are
// created on first use and never removed, which keeps the per-deployment
// restart lock stable.  The set of locally supervised deployments is small,
// so the growth is not a concern.
type deployment struct {
	id          string
	restart     sync.Mutex // held for the whole of a restart
	autoRestart bool
	restarting  bool
	stamp       time.Time
	reason      string
	mx          sync.Mutex
}

func newDeployment(id string) *deployment {
	return &deployment{id: id, stamp: time.Now(), reason: "Added deployment"}
}

func (d *deployment) state() SupervisionState {
	d.mx.Lock()
	defer d.mx.Unlock()
	switch {
	case d.restarting:
		return Restarting
	case d.autoRestart:
		return Monitored
	}
	return Unmanaged
}

// Status returns the most recent status message, and the time when it
// was recorded.
func (d *deployment) Status() (string, time.Time) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.reason, d.stamp
}

func (d *deployment) autoRestartEnabled() bool {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.autoRestart
}

// setAutoRestart reports whether the setting changed.
func (d *deployment) setAutoRestart(on bool, reason string) bool {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.autoRestart == on {
		return false
	}
	d.autoRestart = on
	d.reason = reason
	d.stamp = time.Now()
	return true
}

// beginRestart takes the restart lock without waiting.  It returns false
// if another restart of this deployment is in progress.
func (d *deployment) beginRestart() bool {
	if !d.restart.TryLock() {
		return false
	}
	d.mx.Lock()
	d.restarting = true
	d.reason = "Restarting"
	d.stamp = time.Now()
	d.mx.Unlock()
	return true
}

// endRestart releases the restart lock taken by beginRestart.
func (d *deployment) endRestart(reason string) {
	d.mx.Lock()
	d.restarting = false
	d.reason = reason
	d.stamp = time.Now()
	d.mx.Unlock()
	d.restart.Unlock()
}
