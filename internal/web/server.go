package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/conorfennell/tutorsync/internal/cache"
	"github.com/conorfennell/tutorsync/internal/connectivity"
	"github.com/conorfennell/tutorsync/internal/domain"
	"github.com/conorfennell/tutorsync/internal/events"
	"github.com/conorfennell/tutorsync/internal/storage"
	"github.com/conorfennell/tutorsync/internal/sync"
	"github.com/conorfennell/tutorsync/internal/validation"
)

const maxResultBytes = 1 << 20

// Deps are the components the server exposes.
type Deps struct {
	Store       *storage.DB
	Coordinator *sync.Coordinator
	Loader      *cache.Loader
	Monitor     *connectivity.Monitor
	// Events, when set, is mounted at /ws.
	Events   http.Handler
	Notifier events.Notifier
	Logger   *slog.Logger
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	Deps
	router *http.ServeMux
}

// NewServer creates and configures a new server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = events.Discard
	}
	s := &Server{
		Deps:   deps,
		router: http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes sets up the routing for the server.
func (s *Server) routes() {
	s.router.HandleFunc("/status", s.handleGetStatus())
	s.router.HandleFunc("/sync", s.handlePostSync())
	s.router.HandleFunc("/refresh", s.handlePostRefresh())
	s.router.HandleFunc("/results", s.handlePostResult())
	s.router.HandleFunc("/flashcards", s.handleGetFlashcards())
	s.router.HandleFunc("/tests", s.handleGetTests())
	if s.Events != nil {
		s.router.Handle("/ws", s.Events)
	}
}

// Status is the body of GET /status.
type Status struct {
	Online bool               `json:"online"`
	Queue  storage.QueueStats `json:"queue"`
}

// handleGetStatus reports connectivity and queue depth.
func (s *Server) handleGetStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		stats, err := s.Store.QueueStats(r.Context())
		if err != nil {
			s.Logger.Error("Error getting queue stats", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, Status{Online: s.Monitor.Online(), Queue: stats})
	}
}

// handlePostSync triggers a manual sync and waits for it to finish.
func (s *Server) handlePostSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		summary, err := s.Coordinator.SyncNow(r.Context(), sync.ReasonManual) // Run in the foreground to make the user wait
		if err != nil {
			s.Logger.Error("Manual sync failed", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, summary)
	}
}

// handlePostRefresh pulls fresh flashcards and tests into the cache.
func (s *Server) handlePostRefresh() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		summary, err := s.Loader.Refresh(r.Context())
		if err != nil {
			s.Logger.Warn("Refresh failed", "error", err)
			s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		s.Notifier.Notify(events.New(events.RefreshComplete, "content updated", summary))
		s.writeJSON(w, http.StatusOK, summary)
	}
}

// resultResponse is the body of POST /results.
type resultResponse struct {
	Queued bool                  `json:"queued"`
	Result *domain.PendingResult `json:"result,omitempty"`
	Error  string                `json:"error,omitempty"`
	Errors map[string]string     `json:"errors,omitempty"`
}

// handlePostResult queues a completed test or flashcard session.
func (s *Server) handlePostResult() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var nr domain.NewResult
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxResultBytes)).Decode(&nr); err != nil {
			s.writeJSON(w, http.StatusBadRequest, resultResponse{Error: "invalid JSON body: " + err.Error()})
			return
		}

		result, err := s.Coordinator.SaveResultOffline(r.Context(), nr)
		switch {
		case err == nil:
			s.writeJSON(w, http.StatusAccepted, resultResponse{Queued: true, Result: &result})
		case validation.IsInvalid(err):
			s.writeJSON(w, http.StatusBadRequest, resultResponse{Errors: validation.Messages(err)})
		case errors.Is(err, sync.ErrNotQueued):
			s.writeJSON(w, http.StatusServiceUnavailable, resultResponse{Error: "result could not be saved locally: " + err.Error()})
		default:
			s.Logger.Error("Error queueing result", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	}
}

// listResponse wraps items served through the cache.
type listResponse[T any] struct {
	Items      []T          `json:"items"`
	Source     cache.Source `json:"source"`
	Stale      bool         `json:"stale"`
	FetchError string       `json:"fetchError,omitempty"`
}

func newListResponse[T any](res cache.Result[T]) listResponse[T] {
	lr := listResponse[T]{Items: res.Items, Source: res.Source, Stale: res.Stale()}
	if res.FetchErr != nil {
		lr.FetchError = res.FetchErr.Error()
	}
	return lr
}

// handleGetFlashcards serves flashcards network-first.
func (s *Server) handleGetFlashcards() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		res, err := s.Loader.Flashcards(r.Context(), r.URL.Query().Get("subject"))
		if err != nil {
			s.Logger.Error("Error loading flashcards", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, newListResponse(res))
	}
}

// handleGetTests serves the tests of a subject network-first.
func (s *Server) handleGetTests() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		subject := r.URL.Query().Get("subject")
		if subject == "" {
			http.Error(w, "subject is required", http.StatusBadRequest)
			return
		}
		res, err := s.Loader.Tests(r.Context(), subject)
		if err != nil {
			s.Logger.Error("Error loading tests", "subject", subject, "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, newListResponse(res))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("Failed to write response", "error", err)
	}
}
