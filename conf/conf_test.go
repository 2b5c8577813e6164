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

package conf

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/spf13/pflag"

	"github.com/claude-mpm/restartvisor"
)

func TestLoad(t *testing.T) {
	Convey("Defaults apply with no file", t, func() {
		c, err := Load("", nil)
		So(err, ShouldBeNil)
		So(c.Restart, ShouldResemble, restartvisor.DefaultRestartConfig())
		So(c.PollInterval, ShouldEqual, restartvisor.DefaultPollInterval)
		So(c.Log.Level, ShouldEqual, "info")
	})

	Convey("A config file overrides defaults", t, func() {
		path := filepath.Join(t.TempDir(), "restartvisor.yaml")
		body := "state_dir: /tmp/rv\nrestart:\n  max_attempts: 2\n  initial_backoff: 1s\n  backoff_multiplier: 3\nlog:\n  format: json\n"
		So(os.WriteFile(path, []byte(body), 0644), ShouldBeNil)

		c, err := Load(path, nil)
		So(err, ShouldBeNil)
		So(c.StateDir, ShouldEqual, "/tmp/rv")
		So(c.Restart.MaxAttempts, ShouldEqual, 2)
		So(c.Restart.InitialBackoff, ShouldEqual, time.Second)
		So(c.Restart.BackoffMultiplier, ShouldEqual, 3.0)
		So(c.Restart.MaxBackoff, ShouldEqual, 300*time.Second)
		So(c.Log.Format, ShouldEqual, "json")

		Convey("The environment overrides the file", func() {
			t.Setenv("RESTARTVISOR_RESTART_MAX_ATTEMPTS", "7")
			c, err := Load(path, nil)
			So(err, ShouldBeNil)
			So(c.Restart.MaxAttempts, ShouldEqual, 7)

			Convey("And flags override the environment", func() {
				fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
				fs.String("state-dir", "", "")
				So(fs.Parse([]string{"--state-dir", "/srv/rv"}), ShouldBeNil)
				c, err := Load(path, fs)
				So(err, ShouldBeNil)
				So(c.StateDir, ShouldEqual, "/srv/rv")
			})
		})
	})

	Convey("A missing config file is an error", t, func() {
		_, err := Load(filepath.Join(t.TempDir(), "none.yaml"), nil)
		So(err, ShouldNotBeNil)
	})

	Convey("An invalid restart config is rejected", t, func() {
		t.Setenv("RESTARTVISOR_RESTART_BACKOFF_MULTIPLIER", "0.5")
		_, err := Load("", nil)
		So(errors.Is(err, restartvisor.ErrInvalidConfig), ShouldBeTrue)
	})
}
