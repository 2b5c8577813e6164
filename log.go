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
	"bytes"
	"sync"
	"time"
)

// MaxLogRecords is the default capacity of an event Log.
const MaxLogRecords = 1000

// LogRecord is one line of the supervisor's event log.
type LogRecord struct {
	Id   int64     `json:"id,string"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Log keeps the most recent lines written to it, so that clients can
// see what the supervisor has been doing without access to its log files.
// It is a zapcore.WriteSyncer, fed by the manager's logger.
//
// The log has a version, which changes on every write or clear.  Clients
// use it as an Etag, and wait for it to move with Watch.
type Log struct {
	ring    []LogRecord
	start   int // index of the oldest record
	count   int
	version int64
	changed chan struct{} // closed when version moves
	mx      sync.Mutex
}

// bump advances the version and wakes watchers.  mx must be held.
func (log *Log) bump() {
	log.version++
	close(log.changed)
	log.changed = make(chan struct{})
}

// Write stores each line of b as a record.
func (log *Log) Write(b []byte) (int, error) {
	now := time.Now()
	lines := bytes.Split(bytes.TrimRight(b, "\n"), []byte{'\n'})

	log.mx.Lock()
	defer log.mx.Unlock()
	for _, line := range lines {
		rec := LogRecord{Id: log.version + 1, Time: now, Text: string(line)}
		if log.count < len(log.ring) {
			log.ring[(log.start+log.count)%len(log.ring)] = rec
			log.count++
		} else {
			log.ring[log.start] = rec
			log.start = (log.start + 1) % len(log.ring)
		}
		log.bump()
	}
	return len(b), nil
}

// Sync has nothing to flush.
func (log *Log) Sync() error {
	return nil
}

// Clear discards all records.
func (log *Log) Clear() {
	log.mx.Lock()
	defer log.mx.Unlock()
	log.start, log.count = 0, 0
	log.bump()
}

// GetRecords returns the stored records, oldest first, together with the
// log version.  If last is still the current version, nothing has changed
// and the records are nil.
func (log *Log) GetRecords(last int64) ([]LogRecord, int64) {
	log.mx.Lock()
	defer log.mx.Unlock()
	if log.version == last {
		return nil, last
	}
	recs := make([]LogRecord, log.count)
	for i := range recs {
		recs[i] = log.ring[(log.start+i)%len(log.ring)]
	}
	return recs, log.version
}

// Watch blocks until the version differs from last, or until expire has
// passed, and returns the version.  An expire of zero does not wait.
func (log *Log) Watch(last int64, expire time.Duration) int64 {
	log.mx.Lock()
	version, changed := log.version, log.changed
	log.mx.Unlock()
	if version != last || expire <= 0 {
		return version
	}

	t := time.NewTimer(expire)
	defer t.Stop()
	select {
	case <-changed:
	case <-t.C:
	}

	log.mx.Lock()
	defer log.mx.Unlock()
	return log.version
}

// NewLog returns a Log holding up to max records.  A max of zero means
// MaxLogRecords.
func NewLog(max int) *Log {
	if max <= 0 {
		max = MaxLogRecords
	}
	return &Log{
		ring: make([]LogRecord, max),
		// Start from the clock, so that versions from before a
		// restart of the daemon are not mistaken for current ones.
		version: time.Now().UnixNano(),
		changed: make(chan struct{}),
	}
}
