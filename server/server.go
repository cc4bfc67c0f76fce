// Package server exposes the HTTP surface: job submission and listing, the
// WebSocket event stream, and Prometheus metrics.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/beamgen-go/beam"
	"github.com/dshills/beamgen-go/ws"
)

// Server wires the registry and orchestrator behind net/http handlers.
type Server struct {
	Registry     *beam.Registry
	Orchestrator *beam.Orchestrator
	Fanout       *ws.Fanout
	Metrics      prometheus.Gatherer
	Logger       *log.Logger

	upgrader websocket.Upgrader
}

// New creates a Server over the given registry and orchestrator.
func New(registry *beam.Registry, orch *beam.Orchestrator, gatherer prometheus.Gatherer) *Server {
	return &Server{
		Registry:     registry,
		Orchestrator: orch,
		Fanout:       ws.NewFanout(registry),
		Metrics:      gatherer,
		Logger:       log.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Event streaming is same-origin-agnostic; auth sits in front.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", s.handleSubmit)
	mux.HandleFunc("GET /jobs", s.handleList)
	mux.HandleFunc("GET /jobs/{id}", s.handleGet)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Metrics, promhttp.HandlerOpts{}))
	}
	return mux
}

type submitResponse struct {
	JobID  string      `json:"jobId"`
	Status string      `json:"status"`
	Params beam.Params `json:"params"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var params beam.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	job, err := s.Registry.Create(r.Context(), params)
	if err != nil {
		var ve *beam.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Message, Field: ve.Field})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	go s.Orchestrator.Run(job)
	s.Logger.Printf("[server] accepted %s", job.ID)

	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:  job.ID,
		Status: "started",
		Params: job.Params,
	})
}

type jobSummary struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	jobs := s.Registry.List()
	out := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobSummary{
			JobID:     j.ID,
			Status:    string(j.Status()),
			Prompt:    j.Params.Prompt,
			CreatedAt: j.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, jobSummary{
		JobID:     job.ID,
		Status:    string(job.Status()),
		Prompt:    job.Params.Prompt,
		CreatedAt: job.CreatedAt,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.Registry.Cancel(r.PathValue("id")); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.Registry.History(r.Context(), 100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	type historyEntry struct {
		JobID      string    `json:"jobId"`
		Status     string    `json:"status"`
		Prompt     string    `json:"prompt"`
		WinnerID   string    `json:"winnerId,omitempty"`
		CostUSD    float64   `json:"costUsd"`
		FinishedAt time.Time `json:"finishedAt"`
	}
	out := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, historyEntry{
			JobID:      rec.JobID,
			Status:     rec.Status,
			Prompt:     rec.Prompt,
			WinnerID:   rec.WinnerID,
			CostUSD:    rec.CostUSD,
			FinishedAt: rec.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Printf("[server] upgrade failed: %v", err)
		return
	}
	s.Fanout.ServeConn(r.Context(), conn)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
