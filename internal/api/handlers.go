package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bobarin/renderd/internal/models"
	"github.com/bobarin/renderd/internal/pkg/apperr"
	"github.com/bobarin/renderd/internal/pkg/logger"
	"github.com/bobarin/renderd/internal/worker"
)

// maxBodyBytes bounds a job description. Media travels by URL, never inline.
const maxBodyBytes = 4 << 20

// Renderer runs render jobs and reports on them.
type Renderer interface {
	Submit(ctx context.Context, job models.RenderJob) (models.RenderResponse, error)
	Status(ctx context.Context, jobID string) (models.JobRecord, error)
	Draining() bool
}

type Handler struct {
	renderer Renderer
	defaults models.Settings
	log      *logger.Logger
}

func NewHandler(r Renderer, defaults models.Settings, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		renderer: r,
		defaults: defaults,
		log:      log.WithComponent("api"),
	}
}

// Render handles POST /render/{style}. The response is written once the
// video is published or the job has failed.
func (h *Handler) Render(w http.ResponseWriter, r *http.Request) {
	style := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "style")))

	var req models.RenderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		h.respondError(w, r, apperr.Validation("invalid request body", map[string]string{"body": decodeProblem(err)}))
		return
	}

	settings, scenes := req.Canonical(style, h.defaults)
	job := models.RenderJob{
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
		Settings:       settings,
		Scenes:         scenes,
		Status:         models.JobStatusPending,
	}
	if job.IdempotencyKey == "" {
		job.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	}

	resp, err := h.renderer.Submit(r.Context(), job)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /render/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := h.renderer.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// Health reports 503 while draining so load balancers stop routing here.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.renderer.Draining() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeProblem(err error) string {
	var tooLarge *http.MaxBytesError
	var syntax *json.SyntaxError
	var typ *json.UnmarshalTypeError
	switch {
	case errors.As(err, &tooLarge):
		return "body exceeds 4 MiB"
	case errors.As(err, &syntax):
		return "malformed JSON"
	case errors.As(err, &typ):
		return "field " + typ.Field + " must be " + typ.Type.String()
	default:
		return err.Error()
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err, "")
	status := e.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.log.FromContext(r.Context()).Error("request failed", "code", string(e.Code), "stage", string(e.Stage), "error", e.Error())
	}
	respondJSON(w, status, models.ErrorResponse{Error: worker.ErrorBody(e)})
}
