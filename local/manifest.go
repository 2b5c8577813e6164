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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	ErrNoCommand   = errors.New("Manifest has no command")
	ErrNoID        = errors.New("Manifest has no id")
	ErrDuplicate   = errors.New("Duplicate deployment id")
	ErrBadDuration = errors.New("Bad duration")
)

// Duration is a time.Duration that reads from JSON either as a string
// accepted by time.ParseDuration ("10s"), or as a number of nanoseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		*d = Duration(v)
	case string:
		t, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadDuration, err)
		}
		*d = Duration(t)
	default:
		return fmt.Errorf("%w: %s", ErrBadDuration, string(b))
	}
	return nil
}

// ProcessManifest describes one locally supervised deployment.
type ProcessManifest struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Command     []string `json:"command"`
	Directory   string   `json:"directory"`
	Env         []string `json:"env"`

	// Port, when set, is probed with a TCP dial.
	Port int `json:"port"`

	// HealthURL, when set, is probed with an HTTP GET.  Any 2xx
	// response is healthy.
	HealthURL string `json:"health_url"`

	// StopTime is how long a process is given to exit after SIGTERM
	// before it is killed.  Zero means DefaultStopTime.
	StopTime Duration `json:"stop_time"`

	// StartTime is how long a restart waits for the new process to
	// settle before reporting it started.
	StartTime Duration `json:"start_time"`

	// AutoRestart asks the daemon to enable auto-restart for the
	// deployment once it is started.
	AutoRestart bool `json:"auto_restart"`
}

// Validate checks that the manifest can be started.
func (m *ProcessManifest) Validate() error {
	if m.ID == "" {
		return ErrNoID
	}
	if len(m.Command) == 0 || m.Command[0] == "" {
		return fmt.Errorf("%w: %s", ErrNoCommand, m.ID)
	}
	return nil
}

// NewManifestFromJSON decodes and validates a single manifest.
func NewManifestFromJSON(r io.Reader) (ProcessManifest, error) {
	var m ProcessManifest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return m, err
	}
	return m, m.Validate()
}

// LoadManifests reads every *.json file in dir, in name order.  Ids must
// be unique across the directory.
func LoadManifests(dir string) ([]ProcessManifest, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]bool)
	rv := make([]ProcessManifest, 0, len(names))
	for _, name := range names {
		m, err := loadManifest(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("%s: %w: %s", name, ErrDuplicate, m.ID)
		}
		seen[m.ID] = true
		rv = append(rv, m)
	}
	return rv, nil
}

func loadManifest(path string) (ProcessManifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return ProcessManifest{}, err
	}
	defer f.Close()
	return NewManifestFromJSON(f)
}
