package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"motioncorr/internal/pipeline"
	"motioncorr/internal/storage"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Source is anything batch results can be subscribed to, usually a
// running *pipeline.Pipeline.
type Source interface {
	Subscribe() (<-chan pipeline.Result, func())
}

// Event is the JSON form of a batch result sent to stream and websocket
// clients.
type Event struct {
	pipeline.Result
	Error string `json:"error,omitempty"`
}

func newEvent(res pipeline.Result) Event {
	return Event{Result: res, Error: res.ErrorText()}
}

// Server exposes run progress over HTTP
type Server struct {
	addr     string
	store    *storage.Store
	log      *slog.Logger
	hub      *hub
	upgrader websocket.Upgrader
	server   *http.Server

	mu     sync.Mutex
	source Source
}

// NewServer creates a status server backed by store.
func NewServer(addr string, store *storage.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:  addr,
		store: store,
		log:   log,
		hub:   newHub(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Attach makes src the source of /stream and forwards its results to
// websocket clients until src closes the subscription.
func (s *Server) Attach(src Source) {
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()

	ch, _ := src.Subscribe()
	go func() {
		for res := range ch {
			payload, err := json.Marshal(newEvent(res))
			if err != nil {
				s.log.Warn("Failed to encode batch event", "batch", res.Batch.ID, "error", err)
				continue
			}
			s.hub.send(payload)
		}
	}()
}

// AttachPipeline is Attach with the signature protocol.Options expects.
func (s *Server) AttachPipeline(p *pipeline.Pipeline) { s.Attach(p) }

func (s *Server) current() Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// Handler returns the router with every route installed.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
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

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/runs/{id}/batches", s.handleBatches).Methods("GET")
	r.HandleFunc("/runs/{id}/micrographs", s.handleMicrographs).Methods("GET")
	r.HandleFunc("/runs/{id}/failed", s.handleFailed).Methods("GET")
	r.HandleFunc("/runs/{id}/movies/{movie:[0-9]+}/shifts", s.handleShifts).Methods("GET")
	r.HandleFunc("/batches", s.handleBatches).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.RecentRuns(limit(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := s.store.GetRun(id)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.store.RunStats(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"run": run, "stats": stats})
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	if runID == "" {
		runID = r.URL.Query().Get("run")
	}
	recs, err := s.store.RecentBatches(runID, limit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleMicrographs(w http.ResponseWriter, r *http.Request) {
	mics, err := s.store.Micrographs(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, mics)
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.FailedMovies(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleShifts(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	movieID, _ := strconv.Atoi(vars["movie"])
	first, xs, ys, err := s.store.Shifts(vars["id"], movieID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"first": first, "x": xs, "y": ys})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	src := s.current()
	if src == nil {
		http.Error(w, "no active run", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := src.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(newEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
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

func limit(r *http.Request, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
