package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/peterje/coderunner/internal/models"
	"github.com/peterje/coderunner/internal/runner"
)

const maxCodeBytes = 1 << 20

// Executor runs code synchronously.
type Executor interface {
	Run(ctx context.Context, req runner.Request) runner.Result
}

type RunHandler struct {
	exec Executor
}

func NewRunHandler(exec Executor) *RunHandler {
	return &RunHandler{exec: exec}
}

// HandleRun executes the submitted code and replies with the plain-text
// report, or the structured result when the caller asks for JSON.
func (h *RunHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var body models.RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCodeBytes)).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Language == "" {
		WriteError(w, http.StatusBadRequest, "language is required")
		return
	}

	res := h.exec.Run(r.Context(), runner.Request{
		Code:     body.Code,
		Language: body.Language,
		Input:    body.Input,
	})

	if wantsJSON(r) {
		WriteJSON(w, http.StatusOK, res)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(res.String()))
}

func wantsJSON(r *http.Request) bool {
	if r.URL.Query().Get("format") == "json" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
