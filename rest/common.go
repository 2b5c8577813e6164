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

package rest

import (
	"github.com/claude-mpm/restartvisor"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	// PollEtagHeader and PollTimeHeader ask the server to hold a GET of
	// the log until its Etag no longer matches, or the given number of
	// seconds has passed.
	PollEtagHeader = "X-Restartvisor-Poll-Etag"
	PollTimeHeader = "X-Restartvisor-Poll-Time"

	// MaxPollTime caps the seconds a long poll may wait.
	MaxPollTime = 300
)

var ok struct{}

// RestartResult is the response to a manual restart.  Attempt is the
// latest attempt in the deployment's history, which is not the one just
// made if the restart was refused because another was in progress.
type RestartResult struct {
	Success bool                         `json:"success"`
	Attempt *restartvisor.RestartAttempt `json:"attempt,omitempty"`
}

// LogInfo is a fetched copy of the supervisor's event log.
type LogInfo struct {
	etag    string
	Records []restartvisor.LogRecord
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}
