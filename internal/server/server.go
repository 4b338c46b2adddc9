package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"imodalign/internal/pipeline"
	"imodalign/internal/storage"
	"imodalign/internal/xf"
)

// Jobs is the part of the pipeline the HTTP API drives.
type Jobs interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes job submission, job history and decoded transforms over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	jobs     Jobs
	log      *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
	hub      *hub
}

// NewServer creates a Server listening on addr.
func NewServer(addr string, store *storage.Store, jobs Jobs, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:  addr,
		store: store,
		jobs:  jobs,
		log:   log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hub: newHub(log),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.hub.run(ctx, s.jobs)

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down http server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("http server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/transforms", s.handleTransforms).Methods("GET")
	r.HandleFunc("/xf/decode", s.handleDecode).Methods("POST")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type jobResponse struct {
	storage.JobRecord
	Meta map[string]any `json:"meta,omitempty"`
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := jobResponse{JobRecord: rec}
	if meta, err := s.store.JobMeta(id); err == nil {
		delete(meta, "transforms")
		resp.Meta = meta
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTransforms(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.Job(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	recs, err := s.store.Transforms(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.TransformRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var job pipeline.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, "invalid job: "+err.Error(), http.StatusBadRequest)
		return
	}
	switch job.Type {
	case pipeline.JobFiducials, pipeline.JobPatchTracking, pipeline.JobScan:
	default:
		http.Error(w, "unknown job type: "+string(job.Type), http.StatusBadRequest)
		return
	}
	if job.InputPath == "" {
		http.Error(w, "input_path is required", http.StatusBadRequest)
		return
	}
	if job.ID == "" {
		job.ID = pipeline.NewJobID(job.Type)
	}
	if err := s.jobs.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type decodeResponse struct {
	Transforms []xf.Decoded `json:"transforms"`
	Ambiguous  bool         `json:"ambiguous"`
	Flipped    bool         `json:"flipped"`
	Warnings   []string     `json:"warnings,omitempty"`
}

// handleDecode decodes an .xf table posted as the request body. The optional
// rotation query parameter is the nominal tilt-axis angle used to pick the
// rotation sign.
func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	var hint *float64
	if v := r.URL.Query().Get("rotation"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			http.Error(w, "invalid rotation", http.StatusBadRequest)
			return
		}
		hint = &f
	}
	table, err := xf.Parse(http.MaxBytesReader(w, r.Body, 16<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	decoded, rot := table.Decode(hint)
	writeJSON(w, http.StatusOK, decodeResponse{
		Transforms: decoded,
		Ambiguous:  rot.Ambiguous,
		Flipped:    rot.Flipped,
		Warnings:   rot.Warnings,
	})
}

// jobEvent is the wire form of a pipeline.Result.
type jobEvent struct {
	Job    pipeline.Job   `json:"job"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func newJobEvent(res pipeline.Result) jobEvent {
	ev := jobEvent{Job: res.Job, Status: "completed", Meta: res.Meta}
	if res.Error != nil {
		ev.Status = "failed"
		ev.Error = res.Error.Error()
	}
	return ev
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	flusher.Flush()
	resCh, unsubscribe := s.jobs.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(newJobEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.register(conn)

	go func() {
		defer s.hub.unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
