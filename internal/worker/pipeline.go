package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"slices"
	"time"

	"github.com/bobarin/renderd/internal/composer"
	"github.com/bobarin/renderd/internal/executor"
	"github.com/bobarin/renderd/internal/fetcher"
	"github.com/bobarin/renderd/internal/kenburns"
	"github.com/bobarin/renderd/internal/models"
	"github.com/bobarin/renderd/internal/normalizer"
	"github.com/bobarin/renderd/internal/pkg/apperr"
	"github.com/bobarin/renderd/internal/publisher"
	"github.com/bobarin/renderd/internal/timeline"
	"github.com/bobarin/renderd/internal/workspace"
)

// stageOf maps a job status to the stage its failures belong to.
var stageOf = map[models.JobStatus]apperr.Stage{
	models.JobStatusPending:     apperr.StageAdmission,
	models.JobStatusFetching:    apperr.StageFetch,
	models.JobStatusNormalizing: apperr.StageNormalize,
	models.JobStatusComposing:   apperr.StageCompose,
	models.JobStatusRendering:   apperr.StageRender,
	models.JobStatusUploading:   apperr.StageUpload,
}

// run executes every stage inside a fresh workspace. The workspace is
// removed on every exit path, panics included.
func (w *Worker) run(ctx context.Context, job models.RenderJob, st *status) (resp models.RenderResponse, err error) {
	log := w.log.FromContext(ctx)

	ws, err := w.deps.Workspaces.Create(job.ID)
	if err != nil {
		return resp, apperr.Internal(apperr.StageFetch, fmt.Errorf("failed to create workspace: %w", err))
	}
	defer func() {
		if cerr := ws.Close(); cerr != nil {
			log.Warn("workspace cleanup failed", "error", cerr)
		}
		w.deps.Metrics.WorkspaceReserved.Set(float64(w.deps.Workspaces.Reserved()))
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = apperr.Internal(stageOf[st.current()], fmt.Errorf("panic: %v", r))
		}
	}()

	s := job.Settings
	scenes := timeline.Sort(job.Scenes)
	var stats models.RenderStats

	// Fetching: media, narration lengths, schedule.
	st.advance(ctx, models.JobStatusFetching)
	started := time.Now()
	sources, err := w.fetch(ctx, ws, s, scenes)
	if err != nil {
		return resp, err
	}
	probed, err := w.probeAudio(ctx, scenes, sources)
	if err != nil {
		return resp, err
	}
	sched, err := timeline.Build(s, scenes, probed.narration)
	if err != nil {
		return resp, err
	}
	if len(probed.silent) > 0 {
		sched.Audio = slices.DeleteFunc(sched.Audio, func(a models.AudioTrack) bool {
			return a.Kind == models.AudioClip && probed.silent[a.Source]
		})
	}
	stats.FetchSeconds = w.observe(apperr.StageFetch, started)
	w.deps.Metrics.FetchedBytes.Add(float64(ws.Reserved()))
	w.deps.Metrics.WorkspaceReserved.Set(float64(w.deps.Workspaces.Reserved()))
	log.Info("media fetched", "assets", len(sources), "bytes", ws.Reserved(), "total_duration", sched.Total)

	// Normalizing
	st.advance(ctx, models.JobStatusNormalizing)
	started = time.Now()
	clips, err := clipsFor(s, scenes, sched, sources)
	if err != nil {
		return resp, err
	}
	target := normalizer.Target{Width: s.Width, Height: s.Height, FPS: s.FPS}
	normalized, err := w.deps.Normalizer.NormalizeAll(ctx, ws, target, clips)
	if err != nil {
		return resp, err
	}
	stats.NormalizeSeconds = w.observe(apperr.StageNormalize, started)

	// Composing
	st.advance(ctx, models.JobStatusComposing)
	started = time.Now()
	spec, err := w.compose(ws, s, sched, normalized, sources)
	if err != nil {
		return resp, err
	}
	w.observe(apperr.StageCompose, started)

	// Rendering
	st.advance(ctx, models.JobStatusRendering)
	started = time.Now()
	out, err := w.renderExclusive(ctx, ws, spec)
	if err != nil {
		return resp, err
	}
	w.observe(apperr.StageRender, started)
	stats.EncodeSeconds = seconds(out.Elapsed)
	stats.OutputBytes = out.Bytes

	// Uploading
	st.advance(ctx, models.JobStatusUploading)
	started = time.Now()
	key := publisher.ObjectKey(s.Path, s.JobName, job.ID)
	pub, err := w.deps.Publisher.Publish(ctx, out.Path, s.Bucket, key)
	if err != nil {
		return resp, err
	}
	w.observe(apperr.StageUpload, started)
	w.deps.Metrics.UploadedBytes.Add(float64(pub.Bytes))
	stats.UploadSeconds = seconds(pub.Elapsed)
	stats.SceneCount = len(sched.Entries)

	return models.RenderResponse{
		URL:           pub.URL,
		JobID:         job.ID,
		TotalDuration: sched.Total,
		Stats:         stats,
	}, nil
}

// fetch downloads every remote asset and imports the default music file.
// The result maps each source (URL or local path) to its workspace path.
func (w *Worker) fetch(ctx context.Context, ws *workspace.Workspace, s models.Settings, scenes []models.SceneInput) (map[string]string, error) {
	sources, err := w.deps.Fetcher.FetchAll(ctx, ws, fetchRequests(s, scenes))
	if err != nil {
		return nil, err
	}
	if s.BGMURL == "" && s.BGMPath != "" && s.BGMVolume > 0 {
		p, err := fetcher.Import(ws, s.BGMPath)
		if err != nil {
			return nil, apperr.Asset(-1, s.BGMPath, err)
		}
		sources[s.BGMPath] = p
	}
	return sources, nil
}

func fetchRequests(s models.Settings, scenes []models.SceneInput) []fetcher.Request {
	reqs := make([]fetcher.Request, 0, 2*len(scenes)+1)
	for _, sc := range scenes {
		kind := models.AssetImage
		if sc.Source.Kind == models.VisualVideo {
			kind = models.AssetVideo
		}
		reqs = append(reqs, fetcher.Request{Scene: sc.Index, URL: sc.Source.URL, Kind: kind})
		if sc.AudioURL != "" {
			reqs = append(reqs, fetcher.Request{Scene: sc.Index, URL: sc.AudioURL, Kind: models.AssetAudio})
		}
	}
	if s.BGMURL != "" && s.BGMVolume > 0 {
		reqs = append(reqs, fetcher.Request{Scene: -1, URL: s.BGMURL, Kind: models.AssetAudio})
	}
	return reqs
}

type probeResult struct {
	narration map[int]float64 // SceneInput.Order -> seconds
	silent    map[string]bool // clip URLs without an audio stream
}

// probeAudio measures narration files and checks that clips asked to keep
// their audio actually have some.
func (w *Worker) probeAudio(ctx context.Context, scenes []models.SceneInput, sources map[string]string) (probeResult, error) {
	res := probeResult{narration: map[int]float64{}, silent: map[string]bool{}}
	log := w.log.FromContext(ctx)

	for _, sc := range scenes {
		if sc.AudioURL != "" {
			info, err := w.deps.Prober.Probe(ctx, sources[sc.AudioURL])
			if err != nil {
				if ctx.Err() != nil {
					return res, apperr.Canceled(apperr.StageFetch, ctx.Err())
				}
				return res, apperr.Asset(sc.Index, sc.AudioURL, fmt.Errorf("unreadable narration: %w", err))
			}
			if !info.HasAudio || info.Duration <= 0 {
				return res, apperr.Asset(sc.Index, sc.AudioURL, errors.New("narration has no audio"))
			}
			res.narration[sc.Order] = info.Duration
		}

		if sc.UseClipAudio && sc.Source.Kind == models.VisualVideo {
			info, err := w.deps.Prober.Probe(ctx, sources[sc.Source.URL])
			if err != nil {
				if ctx.Err() != nil {
					return res, apperr.Canceled(apperr.StageFetch, ctx.Err())
				}
				return res, apperr.Asset(sc.Index, sc.Source.URL, fmt.Errorf("unreadable clip: %w", err))
			}
			if !info.HasAudio {
				log.Warn("clip has no audio stream, skipping clip audio", "scene", sc.Index)
				res.silent[sc.Source.URL] = true
			}
		}
	}
	return res, nil
}

// clipsFor pairs each timeline entry with its source and motion. Entries
// follow the same order as timeline.Sort.
func clipsFor(s models.Settings, scenes []models.SceneInput, sched models.Schedule, sources map[string]string) ([]normalizer.Clip, error) {
	mode, err := kenburns.ParseMode(s.EffectMode)
	if err != nil {
		return nil, apperr.Validation("invalid effect mode", map[string]string{"effect_mode": err.Error()})
	}

	clips := make([]normalizer.Clip, len(sched.Entries))
	for i, e := range sched.Entries {
		sc := scenes[e.Position]
		c := normalizer.Clip{
			Position: e.Position,
			Scene:    e.Scene,
			Kind:     sc.Source.Kind,
			Input:    sources[sc.Source.URL],
			Duration: e.Duration,
		}
		if sc.Source.Kind == models.VisualImage {
			effect, err := kenburns.Select(sc.Effect, s.Effect, mode, s.EffectSeed, sc.Index)
			if err != nil {
				return nil, apperr.Validation("invalid effect", map[string]string{fmt.Sprintf("scenes[%d].effect", sc.Order): err.Error()})
			}
			c.Effect = effect
		}
		clips[i] = c
	}
	return clips, nil
}

// compose resolves the RenderSpec and writes the overlay script next to it.
func (w *Worker) compose(ws *workspace.Workspace, s models.Settings, sched models.Schedule, normalized []string, sources map[string]string) (models.RenderSpec, error) {
	clips := make([]string, len(normalized))
	for i, p := range normalized {
		rel, err := ws.Rel(p)
		if err != nil {
			return models.RenderSpec{}, apperr.Internal(apperr.StageCompose, err)
		}
		clips[i] = rel
	}

	rels := make(map[string]string, len(sched.Audio))
	for _, a := range sched.Audio {
		p, ok := sources[a.Source]
		if !ok {
			continue
		}
		rel, err := ws.Rel(p)
		if err != nil {
			return models.RenderSpec{}, apperr.Internal(apperr.StageCompose, err)
		}
		rels[a.Source] = rel
	}

	spec, err := composer.Build(composer.Input{
		Settings: s,
		Schedule: sched,
		Clips:    clips,
		Sources:  rels,
		Encoding: w.opts.Encoding,
	})
	if err != nil {
		return models.RenderSpec{}, err
	}
	if spec.Subtitles != "" {
		if err := composer.WriteASS(ws.Path(spec.Subtitles), spec); err != nil {
			return models.RenderSpec{}, apperr.Internal(apperr.StageCompose, err)
		}
	}
	return spec, nil
}

// renderExclusive holds a render slot for the duration of the encode only.
func (w *Worker) renderExclusive(ctx context.Context, ws *workspace.Workspace, spec models.RenderSpec) (executor.Result, error) {
	if err := w.render.Acquire(ctx, 1); err != nil {
		return executor.Result{}, apperr.Canceled(apperr.StageRender, err)
	}
	defer w.render.Release(1)

	w.deps.Metrics.RenderingJobs.Inc()
	defer w.deps.Metrics.RenderingJobs.Dec()

	return w.deps.Executor.Render(ctx, ws, spec, nil)
}

func (w *Worker) observe(stage apperr.Stage, started time.Time) float64 {
	d := time.Since(started)
	w.deps.Metrics.ObserveStage(string(stage), d)
	return seconds(d)
}

func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}
