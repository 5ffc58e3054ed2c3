package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/peterje/coderunner/internal/lang"
	"github.com/peterje/coderunner/internal/models"
	"github.com/peterje/coderunner/internal/terminal"
	"github.com/rs/zerolog"
)

const defaultHistoryLimit = 50

type SessionHistory interface {
	List(ctx context.Context, key string, limit int) ([]models.Session, error)
}

type RunHistory interface {
	Recent(ctx context.Context, limit int) ([]models.Run, error)
}

type SessionsHandler struct {
	controller terminal.Controller
	sessions   SessionHistory
	runs       RunHistory
	logger     *zerolog.Logger
}

func NewSessionsHandler(controller terminal.Controller, sessions SessionHistory, runs RunHistory, logger *zerolog.Logger) *SessionsHandler {
	return &SessionsHandler{controller: controller, sessions: sessions, runs: runs, logger: logger}
}

func (h *SessionsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var body models.StartRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCodeBytes)).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Language == "" {
		WriteError(w, http.StatusBadRequest, "language is required")
		return
	}

	// Failures have already been reported on the session topic.
	if err := h.controller.Start(r.Context(), key, body.Code, body.Language); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, lang.ErrUnsupportedLanguage) {
			status = http.StatusBadRequest
		}
		WriteError(w, status, err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{
		"session_key": key,
		"topic":       terminal.Topic(key),
	})
}

func (h *SessionsHandler) HandleInput(w http.ResponseWriter, r *http.Request) {
	var body models.InputRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	h.controller.HandleInput(r.PathValue("key"), body.Data)
	w.WriteHeader(http.StatusAccepted)
}

func (h *SessionsHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.controller.Stop(r.PathValue("key"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionsHandler) HandleActive(w http.ResponseWriter, _ *http.Request) {
	keys := h.controller.Active()
	if keys == nil {
		keys = []string{}
	}
	WriteJSON(w, http.StatusOK, keys)
}

func (h *SessionsHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	sessions, err := h.sessions.List(r.Context(), r.URL.Query().Get("key"), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("list sessions")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	WriteJSON(w, http.StatusOK, sessions)
}

func (h *SessionsHandler) HandleRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	runs, err := h.runs.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("list runs")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	WriteJSON(w, http.StatusOK, runs)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}
