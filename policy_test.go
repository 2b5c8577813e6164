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
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

type testClock struct {
	now time.Time
	mx  sync.Mutex
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mx.Lock()
	c.now = c.now.Add(d)
	c.mx.Unlock()
}

func testConfig() RestartConfig {
	return RestartConfig{
		MaxAttempts:             5,
		InitialBackoff:          100 * time.Millisecond,
		MaxBackoff:              time.Second,
		BackoffMultiplier:       2.0,
		CircuitBreakerThreshold: 3,
		CircuitBreakerWindow:    300 * time.Second,
		CircuitBreakerReset:     600 * time.Second,
	}
}

func TestRestartConfig(t *testing.T) {
	Convey("The default config is valid", t, func() {
		So(DefaultRestartConfig().Validate(), ShouldBeNil)
		So(testConfig().Validate(), ShouldBeNil)
	})

	Convey("Invalid configs are rejected", t, func() {
		bad := []func(c *RestartConfig){
			func(c *RestartConfig) { c.MaxAttempts = 0 },
			func(c *RestartConfig) { c.InitialBackoff = 0 },
			func(c *RestartConfig) { c.MaxBackoff = c.InitialBackoff / 2 },
			func(c *RestartConfig) { c.BackoffMultiplier = 1.0 },
			func(c *RestartConfig) { c.CircuitBreakerThreshold = 0 },
			func(c *RestartConfig) { c.CircuitBreakerWindow = 0 },
			func(c *RestartConfig) { c.CircuitBreakerReset = -time.Second },
		}
		for _, mutate := range bad {
			c := testConfig()
			mutate(&c)
			err := c.Validate()
			So(errors.Is(err, ErrInvalidConfig), ShouldBeTrue)

			_, err = NewRestartPolicy(c, nil, nil)
			So(errors.Is(err, ErrInvalidConfig), ShouldBeTrue)
		}
	})
}

func TestHistoryBook(t *testing.T) {
	Convey("Given an empty history book", t, func() {
		b := NewHistoryBook()
		now := time.Now()
		So(b.Get("svc1"), ShouldBeNil)
		So(b.Get("svc1").AttemptCount(), ShouldEqual, 0)
		So(b.Get("svc1").LatestAttempt(), ShouldBeNil)

		Convey("Attempts are numbered from one", func() {
			a := b.Record("svc1", false, "boom", now)
			So(a.AttemptNumber, ShouldEqual, 1)
			So(a.DeploymentID, ShouldEqual, "svc1")
			a = b.Record("svc1", true, "", now)
			So(a.AttemptNumber, ShouldEqual, 2)
			So(b.Record("svc2", true, "", now).AttemptNumber, ShouldEqual, 1)

			h := b.Get("svc1")
			So(h.AttemptCount(), ShouldEqual, 2)
			So(h.LatestAttempt().Success, ShouldBeTrue)
			So(h.Attempts[0].Error, ShouldEqual, "boom")
			So(b.IDs(), ShouldResemble, []string{"svc1", "svc2"})

			Convey("Copies are independent of the book", func() {
				h.Attempts[0].Error = "changed"
				So(b.Get("svc1").Attempts[0].Error, ShouldEqual, "boom")
			})

			Convey("Clearing starts numbering over", func() {
				So(b.Clear("svc1"), ShouldBeTrue)
				So(b.Clear("svc1"), ShouldBeFalse)
				So(b.Get("svc1"), ShouldBeNil)
				So(b.Record("svc1", true, "", now).AttemptNumber, ShouldEqual, 1)
			})

			Convey("Replace swaps everything", func() {
				b.Replace(map[string]*RestartHistory{
					"svc3": {Attempts: []RestartAttempt{{AttemptNumber: 7}}},
				})
				So(b.IDs(), ShouldResemble, []string{"svc3"})
				So(b.Get("svc3").Attempts[0].DeploymentID, ShouldEqual, "svc3")
				So(b.Record("svc3", true, "", now).AttemptNumber, ShouldEqual, 8)
			})
		})
	})
}

func TestRestartPolicy(t *testing.T) {
	Convey("Given a policy with a fake clock", t, func() {
		clock := newTestClock()
		p, err := NewRestartPolicy(testConfig(), NewHistoryBook(), clock)
		So(err, ShouldBeNil)
		fail := func() {
			p.RecordRestartAttempt("svc1", false, "failed")
			clock.Advance(time.Second)
		}

		Convey("A fresh deployment may restart after the initial backoff", func() {
			So(p.ShouldRestart("svc1"), ShouldBeTrue)
			So(p.CalculateBackoff("svc1"), ShouldEqual, 100*time.Millisecond)
			So(p.CircuitBreakerState("svc1"), ShouldEqual, CircuitClosed)
		})

		Convey("One failure doubles the backoff", func() {
			fail()
			So(p.CalculateBackoff("svc1"), ShouldEqual, 200*time.Millisecond)
		})

		Convey("The backoff grows monotonically up to the maximum", func() {
			cfg := testConfig()
			cfg.MaxAttempts = 50
			cfg.CircuitBreakerThreshold = 50
			p, err := NewRestartPolicy(cfg, NewHistoryBook(), clock)
			So(err, ShouldBeNil)
			prev := time.Duration(0)
			for i := 0; i < 20; i++ {
				d := p.CalculateBackoff("svc1")
				So(d, ShouldBeGreaterThanOrEqualTo, prev)
				So(d, ShouldBeLessThanOrEqualTo, cfg.MaxBackoff)
				prev = d
				p.RecordRestartAttempt("svc1", false, "failed")
			}
			So(prev, ShouldEqual, cfg.MaxBackoff)
		})

		Convey("Successes count towards the backoff too", func() {
			p.RecordRestartAttempt("svc1", true, "")
			p.RecordRestartAttempt("svc1", true, "")
			So(p.CalculateBackoff("svc1"), ShouldEqual, 400*time.Millisecond)
			So(p.CircuitBreakerState("svc1"), ShouldEqual, CircuitClosed)
		})

		Convey("Threshold failures open the circuit", func() {
			fail()
			fail()
			So(p.CircuitBreakerState("svc1"), ShouldEqual, CircuitClosed)
			fail()
			So(p.CircuitBreakerState("svc1"), ShouldEqual, CircuitOpen)
			So(p.ShouldRestart("svc1"), ShouldBeFalse)
			reason, _ := p.check("svc1")
			So(reason, ShouldEqual, blockedCircuitOpen)

			Convey("Other deployments are unaffected", func() {
				So(p.ShouldRestart("svc2"), ShouldBeTrue)
				So(p.CircuitBreakerState("svc2"), ShouldEqual, CircuitClosed)
			})

			Convey("The circuit half opens after the reset timeout", func() {
				// The third failure was recorded a second ago.
				clock.Advance(598 * time.Second)
				So(p.CircuitBreakerState("svc1"), ShouldEqual, CircuitOpen)
				clock.Advance(time.Second)
				So(p.CircuitBreakerState("svc1"), ShouldEqual, CircuitHalfOpen)
				So(p.ShouldRestart("svc1"), ShouldBeTrue)

				Convey("A successful trial closes it", func() {
					p.RecordRestartAttempt("svc1", true, "")
					So(p.CircuitBreakerState("svc1"), ShouldEqual, CircuitClosed)
					So(p.ShouldRestart("svc1"), ShouldBeTrue)
				})

				Convey("A failed trial opens it again", func() {
					p.RecordRestartAttempt("svc1", false, "still broken")
					So(p.CircuitBreakerState("svc1"), ShouldEqual, CircuitOpen)
					clock.Advance(600 * time.Second)
					So(p.CircuitBreakerState("svc1"), ShouldEqual, CircuitHalfOpen)
				})
			})
		})

		Convey("Failures outside the window do not open the circuit", func() {
			fail()
			fail()
			clock.Advance(300 * time.Second)
			fail()
			So(p.CircuitBreakerState("svc1"), ShouldEqual, CircuitClosed)
			So(p.CalculateBackoff("svc1"), ShouldEqual, 200*time.Millisecond)
		})

		Convey("Successes in between do not reset the failure count", func() {
			fail()
			fail()
			p.RecordRestartAttempt("svc1", true, "")
			fail()
			So(p.CircuitBreakerState("svc1"), ShouldEqual, CircuitOpen)
		})

		Convey("Max attempts in the window are enforced", func() {
			cfg := testConfig()
			cfg.MaxAttempts = 2
			p, err := NewRestartPolicy(cfg, NewHistoryBook(), clock)
			So(err, ShouldBeNil)
			p.RecordRestartAttempt("svc1", true, "")
			So(p.ShouldRestart("svc1"), ShouldBeTrue)
			p.RecordRestartAttempt("svc1", true, "")
			So(p.ShouldRestart("svc1"), ShouldBeFalse)
			reason, _ := p.check("svc1")
			So(reason, ShouldEqual, blockedMaxAttempts)

			clock.Advance(301 * time.Second)
			So(p.ShouldRestart("svc1"), ShouldBeTrue)
		})
	})
}

func TestCircuitBreakerStateText(t *testing.T) {
	Convey("Circuit states round trip through text", t, func() {
		for _, s := range []CircuitBreakerState{CircuitClosed, CircuitOpen, CircuitHalfOpen} {
			b, err := s.MarshalText()
			So(err, ShouldBeNil)
			var r CircuitBreakerState
			So(r.UnmarshalText(b), ShouldBeNil)
			So(r, ShouldEqual, s)
		}
		var r CircuitBreakerState
		So(r.UnmarshalText([]byte("ajar")), ShouldNotBeNil)
		So(CircuitHalfOpen.String(), ShouldEqual, "half_open")
	})
}
