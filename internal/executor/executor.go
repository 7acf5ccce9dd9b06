// Package executor runs the final encode for a RenderSpec under a
// wall-clock budget.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/bobarin/renderd/internal/composer"
	"github.com/bobarin/renderd/internal/models"
	"github.com/bobarin/renderd/internal/pkg/apperr"
	"github.com/bobarin/renderd/internal/pkg/logger"
	"github.com/bobarin/renderd/internal/services"
	"github.com/bobarin/renderd/internal/workspace"
)

// Options bound the encode time: max(Min, Factor * output duration).
type Options struct {
	Factor float64
	Min    time.Duration
}

// Result describes a finished encode.
type Result struct {
	Path    string // absolute
	Bytes   int64
	Elapsed time.Duration
}

// Executor runs the render engine.
type Executor struct {
	engine services.Engine
	opts   Options
	log    *logger.Logger
}

func New(engine services.Engine, opts Options, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Nop()
	}
	if opts.Factor <= 0 {
		opts.Factor = 10
	}
	return &Executor{engine: engine, opts: opts, log: log.WithComponent("executor")}
}

// Timeout returns the encode budget for an output of the given length.
func (e *Executor) Timeout(duration float64) time.Duration {
	t := time.Duration(e.opts.Factor * duration * float64(time.Second))
	if t < e.opts.Min {
		t = e.opts.Min
	}
	return t
}

// Render encodes spec into spec.Output.File. The engine writes a partial
// file that is renamed into place only after a clean exit.
func (e *Executor) Render(ctx context.Context, ws *workspace.Workspace, spec models.RenderSpec, onProgress func(services.Progress)) (Result, error) {
	final := ws.Path(spec.Output.File)
	partialRel := path.Join(path.Dir(spec.Output.File), ".partial-"+path.Base(spec.Output.File))
	partial := ws.Path(partialRel)

	timeout := e.Timeout(spec.Output.Duration)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := e.log.FromContext(ctx)
	total := time.Duration(spec.Output.Duration * float64(time.Second))
	lastLogged := time.Time{}
	progress := func(p services.Progress) {
		if onProgress != nil {
			onProgress(p)
		}
		if p.Done || time.Since(lastLogged) >= 5*time.Second {
			lastLogged = time.Now()
			pct := 0.0
			if total > 0 {
				pct = min(100, 100*float64(p.OutTime)/float64(total))
			}
			log.Debug("render progress", "percent", fmt.Sprintf("%.1f", pct), "speed", p.Speed)
		}
	}

	log.Info("render started", "duration", spec.Output.Duration, "timeout", timeout.String(), "clips", len(spec.Clips))
	start := time.Now()
	err := e.engine.Run(runCtx, services.Invocation{
		Dir:      ws.Dir,
		Args:     composer.Args(spec, partialRel),
		Progress: progress,
	})
	elapsed := time.Since(start)

	if err != nil {
		os.Remove(partial)
		switch {
		case ctx.Err() != nil:
			return Result{}, apperr.Canceled(apperr.StageRender, ctx.Err())
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			tail, _ := services.IsExit(err)
			return Result{}, apperr.RenderTimeout(timeout, tail)
		default:
			tail, _ := services.IsExit(err)
			return Result{}, apperr.RenderEngine(err, tail)
		}
	}

	info, err := os.Stat(partial)
	if err != nil {
		return Result{}, apperr.RenderEngine(fmt.Errorf("engine produced no output: %w", err), "")
	}
	if info.Size() == 0 {
		os.Remove(partial)
		return Result{}, apperr.RenderEngine(errors.New("engine produced an empty file"), "")
	}
	if err := os.Rename(partial, final); err != nil {
		os.Remove(partial)
		return Result{}, apperr.Internal(apperr.StageRender, fmt.Errorf("failed to move output into place: %w", err))
	}
	// Disk accounting only; the file already exists.
	if err := ws.Reserve(info.Size()); err != nil {
		log.Warn("output exceeds disk quota", "bytes", info.Size(), "error", err)
	}

	log.Info("render finished", "elapsed", elapsed.String(), "bytes", info.Size())
	return Result{Path: final, Bytes: info.Size(), Elapsed: elapsed}, nil
}
