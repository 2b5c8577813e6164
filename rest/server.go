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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/claude-mpm/restartvisor"
)

// Handler wraps a RestartManager, adding http.Handler functionality.
type Handler struct {
	m      *restartvisor.RestartManager
	r      *mux.Router
	health healthcheck.Handler
	logger *zap.Logger
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

// toError maps manager errors onto HTTP status codes.
func toError(err error) *Error {
	switch {
	case errors.Is(err, restartvisor.ErrDeploymentNotFound):
		return &Error{http.StatusNotFound, err.Error()}
	case errors.Is(err, restartvisor.ErrNotInitialized),
		errors.Is(err, restartvisor.ErrShutdown):
		return &Error{http.StatusServiceUnavailable, err.Error()}
	}
	return &Error{http.StatusBadRequest, err.Error()}
}

func (h *Handler) listDeployments(w http.ResponseWriter, r *http.Request) {
	infos := h.m.Deployments()
	l := make([]string, 0, len(infos))
	for _, info := range infos {
		l = append(l, info.ID)
	}
	h.writeJson(w, l)
}

func (h *Handler) findDeployment(id string) (*restartvisor.DeploymentInfo, *Error) {
	if info, found := h.m.Deployment(id); found {
		return info, nil
	}
	return nil, &Error{http.StatusNotFound, "Deployment not found"}
}

func (h *Handler) getDeployment(w http.ResponseWriter, r *http.Request) {
	if info, e := h.findDeployment(mux.Vars(r)["deployment"]); e != nil {
		h.writeError(w, e)
	} else {
		h.writeJson(w, info)
	}
}

func (h *Handler) enableDeployment(w http.ResponseWriter, r *http.Request) {
	if err := h.m.EnableAutoRestart(mux.Vars(r)["deployment"]); err != nil {
		h.writeError(w, toError(err))
	} else {
		h.writeJson(w, ok)
	}
}

func (h *Handler) disableDeployment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["deployment"]
	if _, e := h.findDeployment(id); e != nil {
		h.writeError(w, e)
	} else {
		h.m.DisableAutoRestart(id)
		h.writeJson(w, ok)
	}
}

func (h *Handler) restartDeployment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["deployment"]
	if _, e := h.findDeployment(id); e != nil {
		h.writeError(w, e)
		return
	}
	h.logger.Info("Manual restart requested", zap.String("deployment", id),
		zap.String("remote", r.RemoteAddr))
	res := RestartResult{Success: h.m.RestartDeployment(r.Context(), id, true)}
	res.Attempt = h.m.History(id).LatestAttempt()
	h.writeJson(w, res)
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["deployment"]
	if _, e := h.findDeployment(id); e != nil {
		h.writeError(w, e)
		return
	}
	hist := h.m.History(id)
	if hist == nil {
		hist = &restartvisor.RestartHistory{
			DeploymentID: id,
			Attempts:     []restartvisor.RestartAttempt{},
		}
	}
	h.writeJson(w, hist)
}

func (h *Handler) clearHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["deployment"]
	if _, e := h.findDeployment(id); e != nil {
		h.writeError(w, e)
	} else {
		h.m.ClearHistory(id)
		h.writeJson(w, ok)
	}
}

func parseEtag(s string) (int64, bool) {
	n, err := strconv.ParseInt(strings.Trim(s, `"`), 10, 64)
	return n, err == nil
}

// getLog returns the event log.  With If-None-Match it answers 304 when
// the log is unchanged; with the poll headers it first waits for a change.
func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	var last int64
	if etag, valid := parseEtag(r.Header.Get(PollEtagHeader)); valid {
		secs, _ := strconv.Atoi(r.Header.Get(PollTimeHeader))
		if secs > MaxPollTime {
			secs = MaxPollTime
		}
		if secs > 0 {
			h.m.WatchLog(etag, time.Duration(secs)*time.Second)
		}
	}
	if etag, valid := parseEtag(r.Header.Get("If-None-Match")); valid {
		last = etag
	}

	recs, id := h.m.GetLog(last)
	w.Header().Set("Etag", strconv.Quote(strconv.FormatInt(id, 10)))
	if recs == nil && last != 0 {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if recs == nil {
		recs = []restartvisor.LogRecord{}
	}
	h.writeJson(w, recs)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

// NewHandler returns the REST interface to m.  Besides the deployment
// resources, it serves Prometheus metrics from the manager's registry on
// /metrics, and liveness and readiness on /live and /ready.
func NewHandler(m *restartvisor.RestartManager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := mux.NewRouter()
	h := &Handler{
		m:      m,
		r:      r,
		health: healthcheck.NewMetricsHandler(m.Registry(), "restartvisor"),
		logger: logger.Named("rest"),
	}
	h.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	h.health.AddReadinessCheck("manager", m.Ready)

	r.HandleFunc("/deployments", h.listDeployments).Methods("GET")
	r.HandleFunc("/deployments/{deployment}", h.getDeployment).Methods("GET")
	r.HandleFunc("/deployments/{deployment}/enable", h.enableDeployment).Methods("POST")
	r.HandleFunc("/deployments/{deployment}/disable", h.disableDeployment).Methods("POST")
	r.HandleFunc("/deployments/{deployment}/restart", h.restartDeployment).Methods("POST")
	r.HandleFunc("/deployments/{deployment}/history", h.getHistory).Methods("GET")
	r.HandleFunc("/deployments/{deployment}/clear", h.clearHistory).Methods("POST")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/live", h.health.LiveEndpoint).Methods("GET")
	r.HandleFunc("/ready", h.health.ReadyEndpoint).Methods("GET")
	return h
}
