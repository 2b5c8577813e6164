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
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap/zaptest"
)

// testHealth is a HealthManager whose answers the tests control.
type testHealth struct {
	status map[string]HealthStatus
	errs   map[string]error
	checks int
	mx     sync.Mutex
}

func newTestHealth() *testHealth {
	return &testHealth{
		status: make(map[string]HealthStatus),
		errs:   make(map[string]error),
	}
}

func (h *testHealth) set(id string, s HealthStatus) {
	h.mx.Lock()
	h.status[id] = s
	h.mx.Unlock()
}

func (h *testHealth) fail(id string, err error) {
	h.mx.Lock()
	h.errs[id] = err
	h.mx.Unlock()
}

func (h *testHealth) CheckHealth(ctx context.Context, id string) (*DeploymentHealth, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.checks++
	if err := h.errs[id]; err != nil {
		return nil, err
	}
	s, ok := h.status[id]
	if !ok {
		s = HealthUnknown
	}
	return &DeploymentHealth{DeploymentID: id, OverallStatus: s}, nil
}

// eventually polls cond for up to two seconds.
func eventually(cond func() bool) bool {
	for i := 0; i < 200; i++ {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func received(ch <-chan string, d time.Duration) (string, bool) {
	select {
	case id := <-ch:
		return id, true
	case <-time.After(d):
		return "", false
	}
}

func TestCrashDetectorLifecycle(t *testing.T) {
	Convey("Monitoring needs an initialized detector", t, func() {
		d := NewCrashDetector(newTestHealth(), time.Hour, zaptest.NewLogger(t))
		So(d.StartMonitoring("svc1"), ShouldEqual, ErrNotInitialized)
		So(d.Ready(), ShouldEqual, ErrNotInitialized)
		So(d.Initialize(), ShouldBeNil)
		So(d.Initialize(), ShouldBeNil)
		So(d.Ready(), ShouldBeNil)

		So(d.StartMonitoring("svc1"), ShouldBeNil)
		So(d.StartMonitoring("svc1"), ShouldBeNil)
		So(d.IsMonitoring("svc1"), ShouldBeTrue)
		So(d.LastStatus("svc1"), ShouldEqual, HealthUnknown)
		So(d.Monitored(), ShouldResemble, []string{"svc1"})

		d.StopMonitoring("svc1")
		d.StopMonitoring("svc1")
		So(d.IsMonitoring("svc1"), ShouldBeFalse)

		d.Shutdown()
		d.Shutdown()
		So(d.StartMonitoring("svc1"), ShouldEqual, ErrShutdown)
		So(d.Ready(), ShouldEqual, ErrShutdown)
	})
}

func TestCrashDetectorTransitions(t *testing.T) {
	Convey("Given a monitoring detector", t, func() {
		crashes := make(chan string, 10)
		d := NewCrashDetector(newTestHealth(), time.Hour, zaptest.NewLogger(t))
		d.SetCrashHandler(func(id string) { crashes <- id })
		So(d.Initialize(), ShouldBeNil)
		So(d.StartMonitoring("svc1"), ShouldBeNil)
		Reset(d.Shutdown)

		Convey("Healthy to unhealthy is a crash", func() {
			d.onHealthStatusChange("svc1", HealthHealthy, HealthUnhealthy)
			id, ok := received(crashes, time.Second)
			So(ok, ShouldBeTrue)
			So(id, ShouldEqual, "svc1")
			_, ok = received(crashes, 50*time.Millisecond)
			So(ok, ShouldBeFalse)
		})

		Convey("Other transitions are not", func() {
			d.onHealthStatusChange("svc1", HealthUnknown, HealthUnhealthy)
			d.onHealthStatusChange("svc1", HealthUnhealthy, HealthUnhealthy)
			d.onHealthStatusChange("svc1", HealthHealthy, HealthUnknown)
			d.onHealthStatusChange("svc1", HealthUnhealthy, HealthHealthy)
			_, ok := received(crashes, 50*time.Millisecond)
			So(ok, ShouldBeFalse)
		})

		Convey("Unmonitored deployments never crash", func() {
			d.StopMonitoring("svc1")
			d.onHealthStatusChange("svc1", HealthHealthy, HealthUnhealthy)
			d.onHealthStatusChange("svc2", HealthHealthy, HealthUnhealthy)
			_, ok := received(crashes, 50*time.Millisecond)
			So(ok, ShouldBeFalse)
		})
	})

	Convey("A slow crash handler does not hold up detection", t, func() {
		gate := make(chan struct{})
		crashes := make(chan string, 10)
		d := NewCrashDetector(newTestHealth(), time.Hour, zaptest.NewLogger(t))
		d.SetCrashHandler(func(id string) {
			crashes <- id
			<-gate
		})
		So(d.Initialize(), ShouldBeNil)
		So(d.StartMonitoring("svc1"), ShouldBeNil)
		So(d.StartMonitoring("svc2"), ShouldBeNil)

		start := time.Now()
		d.onHealthStatusChange("svc1", HealthHealthy, HealthUnhealthy)
		d.onHealthStatusChange("svc2", HealthHealthy, HealthUnhealthy)
		So(time.Since(start), ShouldBeLessThan, 100*time.Millisecond)

		_, ok1 := received(crashes, time.Second)
		_, ok2 := received(crashes, time.Second)
		So(ok1 && ok2, ShouldBeTrue)
		close(gate)
		d.Shutdown()
	})
}

func TestCrashDetectorPolling(t *testing.T) {
	Convey("Given a detector polling every 10ms", t, func() {
		hm := newTestHealth()
		crashes := make(chan string, 10)
		d := NewCrashDetector(hm, 10*time.Millisecond, zaptest.NewLogger(t))
		d.SetCrashHandler(func(id string) { crashes <- id })
		So(d.Initialize(), ShouldBeNil)
		Reset(d.Shutdown)

		Convey("A deployment going down is reported once", func() {
			hm.set("svc1", HealthHealthy)
			So(d.StartMonitoring("svc1"), ShouldBeNil)
			So(eventually(func() bool { return d.LastStatus("svc1") == HealthHealthy }), ShouldBeTrue)

			hm.set("svc1", HealthUnhealthy)
			id, ok := received(crashes, 2*time.Second)
			So(ok, ShouldBeTrue)
			So(id, ShouldEqual, "svc1")
			_, ok = received(crashes, 100*time.Millisecond)
			So(ok, ShouldBeFalse)

			Convey("And again after recovering", func() {
				hm.set("svc1", HealthHealthy)
				So(eventually(func() bool { return d.LastStatus("svc1") == HealthHealthy }), ShouldBeTrue)
				hm.set("svc1", HealthUnhealthy)
				_, ok := received(crashes, 2*time.Second)
				So(ok, ShouldBeTrue)
			})
		})

		Convey("A deployment that starts unhealthy has not crashed", func() {
			hm.set("svc2", HealthUnhealthy)
			So(d.StartMonitoring("svc2"), ShouldBeNil)
			So(eventually(func() bool { return d.LastStatus("svc2") == HealthUnhealthy }), ShouldBeTrue)
			_, ok := received(crashes, 100*time.Millisecond)
			So(ok, ShouldBeFalse)
		})

		Convey("Health check errors read as unknown", func() {
			hm.set("svc3", HealthHealthy)
			So(d.StartMonitoring("svc3"), ShouldBeNil)
			So(eventually(func() bool { return d.LastStatus("svc3") == HealthHealthy }), ShouldBeTrue)
			hm.fail("svc3", errors.New("probe exploded"))
			So(eventually(func() bool { return d.LastStatus("svc3") == HealthUnknown }), ShouldBeTrue)
			_, ok := received(crashes, 50*time.Millisecond)
			So(ok, ShouldBeFalse)
		})
	})
}
