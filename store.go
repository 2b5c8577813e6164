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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/valyala/bytebufferpool"
)

// HistoryFileName is the name of the state file within the state
// directory.
const HistoryFileName = "restart-history.json"

// attemptRecord is the on-disk form of a RestartAttempt.  The deployment id
// is the key of the enclosing object, so it is not repeated.
type attemptRecord struct {
	AttemptNumber int       `json:"attempt_number"`
	Timestamp     time.Time `json:"timestamp"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
}

// historyFile reads and writes restart-history.json.  Writes within the
// process are serialized by mx; the flock guards against another process
// sharing the same state directory.
type historyFile struct {
	dir string
	mx  sync.Mutex
}

func (f *historyFile) path() string {
	return filepath.Join(f.dir, HistoryFileName)
}

func (f *historyFile) lock() *flock.Flock {
	return flock.New(f.path() + ".lock")
}

// save rewrites the whole file from the book.  The snapshot is taken with
// the write lock held, so that the last writer always writes the latest
// state.  The content goes to a temporary file which is then renamed over
// the old one, so readers never see a partial file.
func (f *historyFile) save(book *HistoryBook) error {
	f.mx.Lock()
	defer f.mx.Unlock()

	histories := book.Snapshot()
	doc := make(map[string][]attemptRecord, len(histories))
	for id, h := range histories {
		recs := make([]attemptRecord, 0, len(h.Attempts))
		for _, a := range h.Attempts {
			recs = append(recs, attemptRecord{
				AttemptNumber: a.AttemptNumber,
				Timestamp:     a.Timestamp.UTC(),
				Success:       a.Success,
				Error:         a.Error,
			})
		}
		doc[id] = recs
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	enc := json.NewEncoder(buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding restart history: %w", err)
	}

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	fl := f.lock()
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("locking restart history: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	tmp, err := os.CreateTemp(f.dir, HistoryFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating restart history temp file: %w", err)
	}
	if _, err := tmp.Write(buf.B); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing restart history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing restart history: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path()); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing restart history: %w", err)
	}
	return nil
}

// load reads the file.  A missing file yields an empty map and no error.
// Records are put in attempt number order; records with a non-positive or
// repeated attempt number are dropped.
func (f *historyFile) load() (map[string]*RestartHistory, error) {
	f.mx.Lock()
	defer f.mx.Unlock()

	fl := f.lock()
	if err := fl.RLock(); err == nil {
		defer func() { _ = fl.Unlock() }()
	}

	data, err := os.ReadFile(f.path())
	if os.IsNotExist(err) {
		return map[string]*RestartHistory{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading restart history: %w", err)
	}

	var doc map[string][]attemptRecord
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding restart history %s: %w", f.path(), err)
	}

	rv := make(map[string]*RestartHistory, len(doc))
	for id, recs := range doc {
		sort.SliceStable(recs, func(i, j int) bool {
			return recs[i].AttemptNumber < recs[j].AttemptNumber
		})
		h := &RestartHistory{DeploymentID: id}
		last := 0
		for _, r := range recs {
			if r.AttemptNumber <= last {
				continue
			}
			last = r.AttemptNumber
			h.Attempts = append(h.Attempts, RestartAttempt{
				DeploymentID:  id,
				AttemptNumber: r.AttemptNumber,
				Timestamp:     r.Timestamp,
				Success:       r.Success,
				Error:         r.Error,
			})
		}
		rv[id] = h
	}
	return rv, nil
}
