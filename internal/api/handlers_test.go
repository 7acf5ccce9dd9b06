package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobarin/renderd/internal/models"
	"github.com/bobarin/renderd/internal/pkg/apperr"
)

type fakeRenderer struct {
	jobs     []models.RenderJob
	resp     models.RenderResponse
	err      error
	records  map[string]models.JobRecord
	draining bool
}

func (f *fakeRenderer) Submit(ctx context.Context, job models.RenderJob) (models.RenderResponse, error) {
	f.jobs = append(f.jobs, job)
	return f.resp, f.err
}

func (f *fakeRenderer) Status(ctx context.Context, jobID string) (models.JobRecord, error) {
	rec, ok := f.records[jobID]
	if !ok {
		return models.JobRecord{}, apperr.New(apperr.CodeNotFound, "", "job not found").WithField("job_id", jobID)
	}
	return rec, nil
}

func (f *fakeRenderer) Draining() bool { return f.draining }

var defaults = models.Settings{Width: 1080, Height: 1920, FPS: 30, EffectMode: "random", DefaultLength: 5, Bucket: "renders"}

func newTestRouter(r Renderer, cfg RouterConfig) http.Handler {
	return NewRouter(NewHandler(r, defaults, nil), cfg)
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) models.ErrorBody {
	t.Helper()
	var env models.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode error envelope: %v", err)
	}
	return env.Error
}

func TestRenderSuccess(t *testing.T) {
	fr := &fakeRenderer{resp: models.RenderResponse{URL: "https://cdn/x.mp4", JobID: "j1", TotalDuration: 16}}
	h := newTestRouter(fr, RouterConfig{})

	body := `{"job_name":"ep1","header":"테스트","idempotency_key":"body-key","scenes":[
		{"narration":"a","duration":4,"image_url":"https://m/1.png"},
		{"script":"b","duration_sec":6,"video_url":"https://m/2.mp4"}]}`
	req := httptest.NewRequest(http.MethodPost, "/render/Shorts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := do(t, h, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp models.RenderResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.URL != "https://cdn/x.mp4" || resp.TotalDuration != 16 {
		t.Errorf("response = %+v", resp)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}

	if len(fr.jobs) != 1 {
		t.Fatalf("Submit called %d times", len(fr.jobs))
	}
	job := fr.jobs[0]
	if job.Settings.Style != "shorts" || job.Settings.Header != "테스트" || job.Settings.Width != 1080 {
		t.Errorf("settings = %+v", job.Settings)
	}
	if len(job.Scenes) != 2 || job.Scenes[1].Source.Kind != models.VisualVideo || *job.Scenes[1].Duration != 6 {
		t.Errorf("scenes = %+v", job.Scenes)
	}
	if job.IdempotencyKey != "body-key" {
		t.Errorf("IdempotencyKey = %q", job.IdempotencyKey)
	}
}

func TestRenderIdempotencyHeaderWins(t *testing.T) {
	fr := &fakeRenderer{}
	h := newTestRouter(fr, RouterConfig{})

	req := httptest.NewRequest(http.MethodPost, "/render/shorts", strings.NewReader(`{"idempotency_key":"body-key","scenes":[]}`))
	req.Header.Set("Idempotency-Key", "header-key")
	do(t, h, req)

	if fr.jobs[0].IdempotencyKey != "header-key" {
		t.Errorf("IdempotencyKey = %q, want header-key", fr.jobs[0].IdempotencyKey)
	}
}

func TestRenderMalformedBody(t *testing.T) {
	fr := &fakeRenderer{}
	h := newTestRouter(fr, RouterConfig{})

	rec := do(t, h, httptest.NewRequest(http.MethodPost, "/render/shorts", strings.NewReader(`{"scenes": [`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Code != "VALIDATION_ERROR" || body.Stage != "validation" {
		t.Errorf("error = %+v", body)
	}
	if len(fr.jobs) != 0 {
		t.Error("malformed body must not reach the renderer")
	}
}

func TestRenderErrorEnvelope(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", apperr.Validation("invalid render request", map[string]string{"style": `unknown style "x"`}), 400, "VALIDATION_ERROR"},
		{"asset", apperr.Asset(2, "https://m/2.png", os.ErrNotExist), 502, "ASSET_ERROR"},
		{"composition", apperr.Composition("nothing to render"), 422, "COMPOSITION_ERROR"},
		{"busy", apperr.Unavailable("render capacity exhausted"), 503, "UNAVAILABLE"},
		{"conflict", apperr.Conflict("in progress"), 409, "CONFLICT"},
		{"plain", os.ErrPermission, 500, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(&fakeRenderer{err: tt.err}, RouterConfig{})
			rec := do(t, h, httptest.NewRequest(http.MethodPost, "/render/shorts", strings.NewReader(`{}`)))
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if body := decodeError(t, rec); body.Code != tt.code {
				t.Errorf("code = %s, want %s", body.Code, tt.code)
			}
		})
	}
}

func TestRenderErrorDetails(t *testing.T) {
	h := newTestRouter(&fakeRenderer{err: apperr.Asset(2, "https://m/2.png", os.ErrNotExist)}, RouterConfig{})
	rec := do(t, h, httptest.NewRequest(http.MethodPost, "/render/shorts", strings.NewReader(`{}`)))

	body := decodeError(t, rec)
	if body.Stage != "fetch" {
		t.Errorf("stage = %s", body.Stage)
	}
	if body.Details["scene"] != float64(2) || body.Details["url"] != "https://m/2.png" {
		t.Errorf("details = %v", body.Details)
	}
}

func TestGetJob(t *testing.T) {
	fr := &fakeRenderer{records: map[string]models.JobRecord{
		"j1": {JobID: "j1", Status: models.JobStatusRendering},
	}}
	h := newTestRouter(fr, RouterConfig{})

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/render/jobs/j1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got models.JobRecord
	json.NewDecoder(rec.Body).Decode(&got)
	if got.Status != models.JobStatusRendering {
		t.Errorf("status = %s", got.Status)
	}

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/render/jobs/other", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	fr := &fakeRenderer{}
	h := newTestRouter(fr, RouterConfig{})

	if rec := do(t, h, httptest.NewRequest(http.MethodGet, "/health", nil)); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	fr.draining = true
	if rec := do(t, h, httptest.NewRequest(http.MethodGet, "/health", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("draining status = %d", rec.Code)
	}
}

func TestMetricsAndFiles(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "renders", "shorts"), 0o755)
	os.WriteFile(filepath.Join(root, "renders", "shorts", "ep1.mp4"), []byte("video"), 0o644)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("renderd_jobs_active 0\n")) })
	h := newTestRouter(&fakeRenderer{}, RouterConfig{Metrics: metrics, FilesRoot: root})

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "renderd_jobs_active") {
		t.Errorf("metrics: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/files/renders/shorts/ep1.mp4", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "video" {
		t.Errorf("files: %d %q", rec.Code, rec.Body)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestRouter(&fakeRenderer{}, RouterConfig{CorsAllowedOrigins: "https://app.example.com, https://admin.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/render/shorts", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := do(t, h, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/render/shorts", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = do(t, h, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unlisted origin allowed: %q", got)
	}
}
