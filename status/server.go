// Copyright 2024 The upgradecheck Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mbrt/upgradecheck/internal/errors"
)

const shutdownTimeout = 5 * time.Second

func NewServer(t *Tracker, g prometheus.Gatherer, log *slog.Logger) *Server {
	s := &Server{tracker: t, log: log}
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/status/phases/{state}", s.handlePhase).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router = r
	return s
}

// Server serves the progress of a run.
type Server struct {
	tracker *Tracker
	router  *mux.Router
	log     *slog.Logger
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(l)
	}()
	s.log.LogAttrs(ctx, slog.LevelInfo, "status server listening",
		slog.String("addr", l.Addr().String()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	if serr := <-errc; !errors.Is(serr, http.ErrServerClosed) {
		err = errors.Combine(err, serr)
	}
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	state := mux.Vars(r)["state"]
	snap := s.tracker.Snapshot()
	for i := len(snap.Phases) - 1; i >= 0; i-- {
		if snap.Phases[i].State == state {
			writeJSON(w, http.StatusOK, snap.Phases[i])
			return
		}
	}
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "phase " + state + " not started"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
