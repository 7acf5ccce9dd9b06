// Package normalizer brings every scene's visual to the job's common
// resolution, frame rate, pixel format and codec. Still images become clips
// through a Ken Burns motion path.
package normalizer

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"golang.org/x/sync/errgroup"

	"github.com/bobarin/renderd/internal/kenburns"
	"github.com/bobarin/renderd/internal/models"
	"github.com/bobarin/renderd/internal/pkg/apperr"
	"github.com/bobarin/renderd/internal/pkg/logger"
	"github.com/bobarin/renderd/internal/services"
	"github.com/bobarin/renderd/internal/workspace"
)

const (
	targetCodec  = "h264"
	targetPixFmt = "yuv420p"
)

// Target is the common clip format of a job.
type Target struct {
	Width  int
	Height int
	FPS    int
}

// Clip is one visual to normalize.
type Clip struct {
	Position int // timeline slot, used for the output name
	Scene    int
	Kind     models.VisualKind
	Input    string // absolute path inside the workspace
	Duration float64
	Effect   kenburns.Effect // images only
}

// Options are the encoder settings for intermediate clips.
type Options struct {
	Preset     string
	CRF        int
	Oversample int
	// Concurrency is the number of clips encoded at once within a job.
	// The engine is multi-threaded, so 1 is usually fastest overall.
	Concurrency int
}

// Normalizer runs one engine invocation per clip.
type Normalizer struct {
	engine services.Engine
	prober services.Prober
	opts   Options
	log    *logger.Logger
}

func New(engine services.Engine, prober services.Prober, opts Options, log *logger.Logger) *Normalizer {
	if log == nil {
		log = logger.Nop()
	}
	if opts.Preset == "" {
		opts.Preset = "ultrafast"
	}
	if opts.CRF <= 0 {
		opts.CRF = 28
	}
	if opts.Oversample < 1 {
		opts.Oversample = 1
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Normalizer{engine: engine, prober: prober, opts: opts, log: log.WithComponent("normalizer")}
}

// NormalizeAll processes clips, Options.Concurrency at a time, and returns
// the normalized absolute paths in the same order. The first failure stops
// the run.
func (n *Normalizer) NormalizeAll(ctx context.Context, ws *workspace.Workspace, target Target, clips []Clip) ([]string, error) {
	out := make([]string, len(clips))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.opts.Concurrency)
	for i, c := range clips {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := n.Normalize(gctx, ws, target, c)
			if err != nil {
				return err
			}
			out[i] = p
			return nil
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return nil, apperr.Canceled(apperr.StageNormalize, ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Normalize returns the path of a clip matching target. A video that already
// matches is returned unchanged.
func (n *Normalizer) Normalize(ctx context.Context, ws *workspace.Workspace, target Target, c Clip) (string, error) {
	start := time.Now()
	log := n.log.With("scene", c.Scene, "kind", string(c.Kind))

	var (
		path string
		err  error
	)
	switch c.Kind {
	case models.VisualImage:
		path, err = n.image(ctx, ws, target, c)
	case models.VisualVideo:
		path, err = n.video(ctx, ws, target, c)
	default:
		err = fmt.Errorf("unknown visual kind %q", c.Kind)
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", apperr.Canceled(apperr.StageNormalize, ctx.Err())
		}
		e := apperr.Normalization(c.Scene, err)
		if tail, ok := services.IsExit(err); ok {
			e.WithField("stderr", tail)
		}
		return "", e
	}

	log.Info("scene normalized", "duration", c.Duration, "elapsed", time.Since(start).String())
	return path, nil
}

func (n *Normalizer) image(ctx context.Context, ws *workspace.Workspace, target Target, c Clip) (string, error) {
	in, err := ws.Rel(c.Input)
	if err != nil {
		return "", err
	}
	outPath := ws.Path(workspace.DirNorm, OutputName(c.Position))
	out, _ := ws.Rel(outPath)

	args := ImageArgs(in, out, c.Effect, c.Duration, target, n.opts)
	if err := n.engine.Run(ctx, services.Invocation{Dir: ws.Dir, Args: args}); err != nil {
		return "", err
	}
	return outPath, nil
}

func (n *Normalizer) video(ctx context.Context, ws *workspace.Workspace, target Target, c Clip) (string, error) {
	info, err := n.prober.Probe(ctx, c.Input)
	if err != nil {
		return "", err
	}
	if !info.HasVideo {
		return "", fmt.Errorf("source has no video stream")
	}
	if Matches(info, target, c.Duration) {
		n.log.Debug("passing clip through", "scene", c.Scene)
		return c.Input, nil
	}

	in, err := ws.Rel(c.Input)
	if err != nil {
		return "", err
	}
	outPath := ws.Path(workspace.DirNorm, OutputName(c.Position))
	out, _ := ws.Rel(outPath)

	args := VideoArgs(in, out, info.Duration, c.Duration, target, n.opts)
	if err := n.engine.Run(ctx, services.Invocation{Dir: ws.Dir, Args: args}); err != nil {
		return "", err
	}
	return outPath, nil
}

// OutputName is the normalized clip's file name for a timeline slot.
func OutputName(position int) string {
	return fmt.Sprintf("scene_%03d.mp4", position)
}

// Matches reports whether a probed video can be used as-is: same geometry,
// square pixels, frame rate, pixel format and codec, and a length within one
// frame of the scheduled duration.
func Matches(info services.MediaInfo, target Target, duration float64) bool {
	frame := 1 / float64(target.FPS)
	return info.Width == target.Width &&
		info.Height == target.Height &&
		math.Abs(info.FPS-float64(target.FPS)) < 0.01 &&
		info.PixFmt == targetPixFmt &&
		info.VideoCodec == targetCodec &&
		squarePixels(info.SAR) &&
		math.Abs(info.Duration-duration) <= frame
}

// squarePixels reports whether a probed sample aspect ratio is 1:1. ffprobe
// reports "0:1" or nothing when the stream does not say.
func squarePixels(sar string) bool {
	switch sar {
	case "", "1:1", "0:1":
		return true
	}
	return false
}

// ImageArgs renders a still image into a clip of exactly
// round(duration*fps) frames.
func ImageArgs(in, out string, effect kenburns.Effect, duration float64, target Target, opts Options) []string {
	frames := kenburns.Frames(duration, target.FPS)
	vf := kenburns.Chain(effect, duration, target.Width, target.Height, target.FPS, opts.Oversample)

	return ffmpeg.Input(in).
		Output(out, ffmpeg.KwArgs{
			"vf":       vf,
			"frames:v": frames,
			"r":        target.FPS,
			"c:v":      "libx264",
			"preset":   opts.Preset,
			"crf":      opts.CRF,
			"pix_fmt":  targetPixFmt,
			"an":       "",
		}).
		OverWriteOutput().
		GetArgs()
}

// VideoArgs re-encodes a clip to the target format. It is cover-scaled and
// center-cropped, extended by cloning its last frame when short and trimmed
// when long.
func VideoArgs(in, out string, srcDuration, duration float64, target Target, opts Options) []string {
	vf := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,setsar=1,fps=%d",
		target.Width, target.Height, target.Width, target.Height, target.FPS)
	if pad := duration - srcDuration; pad > 0 || srcDuration <= 0 {
		if srcDuration <= 0 {
			pad = duration
		}
		// One extra frame so trim always has enough to cut.
		pad += 1 / float64(target.FPS)
		vf += ",tpad=stop_mode=clone:stop_duration=" + seconds(pad)
	}
	vf += ",trim=duration=" + seconds(duration) + ",setpts=PTS-STARTPTS,format=" + targetPixFmt

	return ffmpeg.Input(in).
		Output(out, ffmpeg.KwArgs{
			"vf":       vf,
			"frames:v": kenburns.Frames(duration, target.FPS),
			"c:v":      "libx264",
			"preset":   opts.Preset,
			"crf":      opts.CRF,
			"pix_fmt":  targetPixFmt,
			"an":       "",
		}).
		OverWriteOutput().
		GetArgs()
}

func seconds(v float64) string {
	return strconv.FormatFloat(math.Round(v*1000)/1000, 'f', -1, 64)
}
