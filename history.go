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
	"sort"
	"sync"
	"time"
)

// RestartAttempt records a single restart attempt, manual or automatic.
type RestartAttempt struct {
	DeploymentID  string    `json:"deployment_id"`
	AttemptNumber int       `json:"attempt_number"`
	Timestamp     time.Time `json:"timestamp"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
}

// RestartHistory is the ordered list of attempts made for one deployment.
// Attempts are only ever appended, and each append carries the next
// attempt number.
type RestartHistory struct {
	DeploymentID string           `json:"deployment_id"`
	Attempts     []RestartAttempt `json:"attempts"`
}

// AttemptCount returns the number of attempts in the history.
func (h *RestartHistory) AttemptCount() int {
	if h == nil {
		return 0
	}
	return len(h.Attempts)
}

// LatestAttempt returns the most recent attempt, or nil if there is none.
func (h *RestartHistory) LatestAttempt() *RestartAttempt {
	if h == nil || len(h.Attempts) == 0 {
		return nil
	}
	a := h.Attempts[len(h.Attempts)-1]
	return &a
}

func (h *RestartHistory) add(success bool, reason string, when time.Time) RestartAttempt {
	n := 1
	if last := h.LatestAttempt(); last != nil {
		n = last.AttemptNumber + 1
	}
	a := RestartAttempt{
		DeploymentID:  h.DeploymentID,
		AttemptNumber: n,
		Timestamp:     when,
		Success:       success,
		Error:         reason,
	}
	h.Attempts = append(h.Attempts, a)
	return a
}

func (h *RestartHistory) clone() *RestartHistory {
	return &RestartHistory{
		DeploymentID: h.DeploymentID,
		Attempts:     append([]RestartAttempt{}, h.Attempts...),
	}
}

// HistoryBook holds the restart history of every deployment.  The
// RestartManager owns the book; the RestartPolicy reads from it and records
// into it.  It is safe for concurrent use.
type HistoryBook struct {
	entries map[string]*RestartHistory
	mx      sync.RWMutex
}

// NewHistoryBook returns an empty book.
func NewHistoryBook() *HistoryBook {
	return &HistoryBook{entries: make(map[string]*RestartHistory)}
}

// Get returns a copy of the history for the deployment, or nil if no
// attempt was ever recorded for it.
func (b *HistoryBook) Get(id string) *RestartHistory {
	b.mx.RLock()
	defer b.mx.RUnlock()
	if h, ok := b.entries[id]; ok {
		return h.clone()
	}
	return nil
}

// Record appends an attempt to the deployment's history.
func (b *HistoryBook) Record(id string, success bool, reason string, when time.Time) RestartAttempt {
	b.mx.Lock()
	defer b.mx.Unlock()
	h, ok := b.entries[id]
	if !ok {
		h = &RestartHistory{DeploymentID: id}
		b.entries[id] = h
	}
	return h.add(success, reason, when)
}

// Clear forgets the history of a deployment.  It reports whether there
// was anything to forget.
func (b *HistoryBook) Clear(id string) bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	_, ok := b.entries[id]
	delete(b.entries, id)
	return ok
}

// IDs returns the deployment ids that have history, sorted.
func (b *HistoryBook) IDs() []string {
	b.mx.RLock()
	ids := make([]string, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	b.mx.RUnlock()
	sort.Strings(ids)
	return ids
}

// Snapshot returns a deep copy of every history in the book.
func (b *HistoryBook) Snapshot() map[string]*RestartHistory {
	b.mx.RLock()
	defer b.mx.RUnlock()
	rv := make(map[string]*RestartHistory, len(b.entries))
	for id, h := range b.entries {
		rv[id] = h.clone()
	}
	return rv
}

// Replace swaps the content of the book for the given histories.  Used
// when loading persisted state.
func (b *HistoryBook) Replace(histories map[string]*RestartHistory) {
	entries := make(map[string]*RestartHistory, len(histories))
	for id, h := range histories {
		c := h.clone()
		c.DeploymentID = id
		for i := range c.Attempts {
			c.Attempts[i].DeploymentID = id
		}
		entries[id] = c
	}
	b.mx.Lock()
	b.entries = entries
	b.mx.Unlock()
}
