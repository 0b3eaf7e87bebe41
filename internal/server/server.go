package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"bestfocus/internal/pipeline"
	"bestfocus/internal/storage"
)

// jobQueue is the part of the pipeline the server drives.
type jobQueue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes the job queue over HTTP, WebSocket and gRPC health checks.
type Server struct {
	addr     string
	grpcAddr string
	store    *storage.Store
	pipeline jobQueue
	log      *slog.Logger
	server   *http.Server
	hub      *hub
	health   *health.Server
	upgrader websocket.Upgrader
}

// NewServer creates a server. An empty grpcAddr disables the gRPC listener.
func NewServer(addr, grpcAddr string, store *storage.Store, pipe jobQueue, log *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		grpcAddr: grpcAddr,
		store:    store,
		pipeline: pipe,
		log:      log,
		hub:      newHub(log),
		health:   health.NewServer(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	results, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	go s.hub.run(ctx, results)

	var gs *grpc.Server
	if s.grpcAddr != "" {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		gs = newGRPCServer(s.health)
		go func() {
			s.log.Info("gRPC health server starting", "addr", s.grpcAddr)
			if err := gs.Serve(lis); err != nil {
				s.log.Error("gRPC server stopped", "error", err)
			}
		}()
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		s.health.Shutdown()
		if gs != nil {
			gs.GracefulStop()
		}

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// setupRoutes configures HTTP routes.
func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// Serve runs a server until ctx ends.
func Serve(ctx context.Context, addr, grpcAddr string, store *storage.Store, pipe jobQueue, log *slog.Logger) error {
	return NewServer(addr, grpcAddr, store, pipe, log).Start(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type jobDetail struct {
	Job      storage.JobRecord             `json:"job"`
	Meta     map[string]any                `json:"meta,omitempty"`
	Channels []storage.ChannelOutputRecord `json:"channels,omitempty"`
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	detail := jobDetail{Job: rec}
	if meta, err := s.store.JobMeta(id); err == nil {
		detail.Meta = meta
	}
	if chans, err := s.store.ChannelOutputs(id); err == nil {
		detail.Channels = chans
	}
	writeJSON(w, http.StatusOK, detail)
}

// submitRequest is the body of POST /jobs.
type submitRequest struct {
	Type    pipeline.JobType `json:"type"`
	Input   string           `json:"input"`
	Output  string           `json:"output"`
	Options map[string]any   `json:"options"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid job: "+err.Error(), http.StatusBadRequest)
		return
	}
	switch req.Type {
	case pipeline.JobSelect, pipeline.JobChannels, pipeline.JobPlan:
	default:
		http.Error(w, fmt.Sprintf("unknown job type %q", req.Type), http.StatusBadRequest)
		return
	}
	if req.Options == nil {
		req.Options = map[string]any{}
	}
	req.Options["source"] = "http"

	job := pipeline.Job{
		ID:        string(req.Type) + "-" + uuid.NewString(),
		Type:      req.Type,
		InputPath: req.Input,
		Output:    req.Output,
		Options:   req.Options,
	}
	if err := s.pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

// jobEvent is the wire form of a pipeline result.
type jobEvent struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func newJobEvent(res pipeline.Result) jobEvent {
	ev := jobEvent{ID: res.Job.ID, Type: string(res.Job.Type), Status: "completed", Meta: res.Meta}
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
	resCh, unsubscribe := s.pipeline.Subscribe()
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
	s.hub.add(conn)

	go func() {
		defer s.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
