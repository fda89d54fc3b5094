package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/super-hydro/superhydro/internal/models"
	"github.com/super-hydro/superhydro/internal/protocol"
	"github.com/super-hydro/superhydro/internal/service"
	"github.com/super-hydro/superhydro/internal/storage"
	"github.com/super-hydro/superhydro/pkg/logger"
)

// Handler holds all HTTP handlers
type Handler struct {
	registry  *service.Registry
	journal   storage.SessionRepository
	announcer *service.Announcer
	directory storage.Directory
	models    []string
	viewerFPS float64
	logger    *logger.Logger
}

// Options are the optional dependencies of a Handler. Nil journal or
// directory disables the endpoints that need them.
type Options struct {
	Journal   storage.SessionRepository
	Announcer *service.Announcer
	Directory storage.Directory
	Models    []string
	ViewerFPS float64
}

// NewHandler creates a new handler
func NewHandler(registry *service.Registry, opts Options, logger *logger.Logger) *Handler {
	if opts.ViewerFPS <= 0 {
		opts.ViewerFPS = 20
	}
	return &Handler{
		registry:  registry,
		journal:   opts.Journal,
		announcer: opts.Announcer,
		directory: opts.Directory,
		models:    opts.Models,
		viewerFPS: opts.ViewerFPS,
		logger:    logger,
	}
}

// Routes sets up all routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.Health)
	r.Get("/models", h.ListModels)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Get("/{name}", h.GetSession)
		r.Post("/{name}/commands", h.RunCommand)
		r.Get("/{name}/ws", h.Viewer)
	})

	r.Route("/directory", func(r chi.Router) {
		r.Get("/", h.ListDirectory)
		r.Get("/{name}", h.ResolveSession)
	})

	return r
}

// Health handles health check requests
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": len(h.registry.ListActive()),
		"time":     time.Now().UTC(),
	})
}

// ListModels returns the model catalog
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string][]string{"models": h.models})
}

// ListSessions returns every live session
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.registry.Sessions()
	infos := make([]models.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": infos})
}

// GetSession returns a session's live state and journal record
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var details models.SessionDetails

	if s, err := h.registry.Lookup(name); err == nil {
		info := s.Info()
		details.Info = &info
	}
	if h.journal != nil {
		rec, err := h.journal.GetSession(r.Context(), name)
		switch {
		case err == nil:
			details.Record = rec
		case err != storage.ErrSessionNotFound:
			h.logger.Error("Failed to read journal", logger.F("session", name), logger.Err(err),
				logger.F("request_id", GetRequestID(r.Context())))
		}
	}

	if details.Info == nil && details.Record == nil {
		h.respondError(w, http.StatusNotFound, "session not found", name)
		return
	}
	h.respondJSON(w, http.StatusOK, details)
}

// RunCommand runs one command against a live session. Arrays are returned
// as application/octet-stream in the array payload encoding.
func (h *Handler) RunCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	requestID := GetRequestID(r.Context())

	var req models.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	cmd, ok := protocol.ParseCommand(req.Command)
	if !ok || cmd.IsRegistry() || cmd == protocol.CommandSetArray {
		h.respondError(w, http.StatusBadRequest, "unsupported command", req.Command)
		return
	}

	s, err := h.registry.Lookup(name)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "session not found", name)
		return
	}

	h.logger.Debug("Running command", logger.F("session", name), logger.F("cmd", req.Command),
		logger.F("target", req.Target), logger.F("request_id", requestID))

	resp := s.Dispatch(models.Request{
		Command: cmd,
		Session: name,
		Target:  req.Target,
		Value:   req.Value,
	})
	if resp.Failed() {
		h.respondError(w, http.StatusUnprocessableEntity, "command failed", resp.Err)
		return
	}

	if resp.Array != nil {
		data, err := protocol.Encode(resp.Array)
		if err != nil {
			h.respondError(w, http.StatusInternalServerError, "failed to encode array", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}

	h.respondJSON(w, http.StatusOK, models.CommandResponse{Status: "ok", Value: resp.Value})
}

// ListDirectory returns the sessions every server has announced
func (h *Handler) ListDirectory(w http.ResponseWriter, r *http.Request) {
	if h.directory == nil {
		h.respondError(w, http.StatusNotFound, "directory disabled", "")
		return
	}
	entries, err := h.directory.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list directory", logger.Err(err), logger.F("request_id", GetRequestID(r.Context())))
		h.respondError(w, http.StatusInternalServerError, "failed to list directory", err.Error())
		return
	}
	if entries == nil {
		entries = []*models.DirectoryEntry{}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// ResolveSession reports which server hosts a session
func (h *Handler) ResolveSession(w http.ResponseWriter, r *http.Request) {
	if h.announcer == nil {
		h.respondError(w, http.StatusNotFound, "directory disabled", "")
		return
	}
	name := chi.URLParam(r, "name")
	entry, err := h.announcer.Resolve(r.Context(), name)
	if err == storage.ErrEntryNotFound {
		h.respondError(w, http.StatusNotFound, "session not found", name)
		return
	}
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to resolve session", err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, entry)
}

// respondJSON sends a JSON response
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func (h *Handler) respondError(w http.ResponseWriter, status int, errorMsg, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Error:   errorMsg,
		Message: message,
	})
}
