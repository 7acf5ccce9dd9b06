// Package composer turns a schedule and its normalized clips into an
// immutable RenderSpec, and a RenderSpec into engine arguments.
package composer

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/bobarin/renderd/internal/models"
	"github.com/bobarin/renderd/internal/pkg/apperr"
	"github.com/bobarin/renderd/internal/services"
)

const (
	// OutputFile is where the final render lands inside the workspace.
	OutputFile = "out/render.mp4"
	// OverlayScript is the ASS script holding every text overlay.
	OverlayScript = "overlays.ass"

	sampleRate   = 48000
	audioBitrate = "192k"

	// Windows may overrun the timeline by float noise only.
	epsilon = 1e-6
)

// Encoding holds the final encode settings.
type Encoding struct {
	Preset   string
	CRF      int
	FontsDir string
}

// Input is everything Build needs. Clips holds the normalized clip path for
// each schedule entry, in entry order. Sources maps every audio track's
// Source (remote URL or local file) to its fetched path. All paths are
// relative to the workspace.
type Input struct {
	Settings models.Settings
	Schedule models.Schedule
	Clips    []string
	Sources  map[string]string
	Encoding Encoding
}

// Build resolves the schedule into a RenderSpec. It fails with a
// CompositionError when an element cannot be placed on the timeline.
func Build(in Input) (models.RenderSpec, error) {
	sched := in.Schedule
	total := sched.Total
	if total <= 0 || len(sched.Entries) == 0 {
		return models.RenderSpec{}, apperr.Composition("nothing to render")
	}
	if len(in.Clips) != len(sched.Entries) {
		return models.RenderSpec{}, apperr.Composition("have %d clips for %d timeline entries", len(in.Clips), len(sched.Entries))
	}

	spec := models.RenderSpec{
		Output: models.OutputParams{
			File:         OutputFile,
			Width:        in.Settings.Width,
			Height:       in.Settings.Height,
			FPS:          in.Settings.FPS,
			Duration:     total,
			VideoCodec:   "libx264",
			PixFmt:       "yuv420p",
			Preset:       in.Encoding.Preset,
			CRF:          in.Encoding.CRF,
			AudioCodec:   "aac",
			AudioBitrate: audioBitrate,
			SampleRate:   sampleRate,
		},
		Clips:      make([]models.ClipTrack, 0, len(sched.Entries)),
		Contiguous: true,
		Audio:      make([]models.AudioTrack, 0, len(sched.Audio)),
		Overlays:   make([]models.OverlayElement, 0, len(sched.Overlays)),
		FontsDir:   in.Encoding.FontsDir,
	}
	if spec.Output.Preset == "" {
		spec.Output.Preset = "medium"
	}
	if spec.Output.CRF <= 0 {
		spec.Output.CRF = 20
	}

	prevEnd := 0.0
	for i, e := range sched.Entries {
		if e.Duration <= 0 || e.Start < -epsilon || e.End() > total+epsilon {
			return models.RenderSpec{}, apperr.Composition("scene %d window [%v, %v) is outside the timeline", e.Scene, e.Start, e.End())
		}
		if in.Clips[i] == "" {
			return models.RenderSpec{}, apperr.Composition("scene %d has no normalized clip", e.Scene)
		}
		if math.Abs(e.Start-prevEnd) > epsilon {
			spec.Contiguous = false
		}
		prevEnd = e.End()
		spec.Clips = append(spec.Clips, models.ClipTrack{Scene: e.Scene, Path: in.Clips[i], Start: e.Start, Duration: e.Duration})
	}

	for _, a := range sched.Audio {
		if a.Duration <= 0 || a.Start < -epsilon || a.End() > total+epsilon {
			return models.RenderSpec{}, apperr.Composition("%s audio window [%v, %v) is outside the %vs timeline", a.Kind, a.Start, a.End(), total)
		}
		path, ok := in.Sources[a.Source]
		if !ok || path == "" {
			return models.RenderSpec{}, apperr.Composition("%s audio for scene %d was not fetched", a.Kind, a.Scene)
		}
		a.Source = path
		spec.Audio = append(spec.Audio, a)
	}
	spec.Ducking = in.Settings.Ducking && hasKind(spec.Audio, models.AudioBGM) && len(spec.Audio) > 1

	for _, o := range sched.Overlays {
		if o.Duration <= 0 || o.Start < -epsilon || o.End() > total+epsilon {
			return models.RenderSpec{}, apperr.Composition("%s overlay window [%v, %v) is outside the %vs timeline", o.Kind, o.Start, o.End(), total)
		}
		spec.Overlays = append(spec.Overlays, o)
	}
	// Layer decides stacking; within a layer the schedule's order is kept.
	slices.SortStableFunc(spec.Overlays, func(a, b models.OverlayElement) int { return a.Layer - b.Layer })
	if len(spec.Overlays) > 0 {
		spec.Subtitles = OverlayScript
	}

	return spec, nil
}

func hasKind(tracks []models.AudioTrack, kind models.AudioKind) bool {
	for _, t := range tracks {
		if t.Kind == kind {
			return true
		}
	}
	return false
}

// Args renders spec into ffmpeg arguments writing to out. The result is a
// pure function of its inputs.
func Args(spec models.RenderSpec, out string) []string {
	var (
		args   []string
		graph  []string
		inputs int
	)
	addInput := func(in ...string) int {
		args = append(args, in...)
		inputs++
		return inputs - 1
	}

	total := num(spec.Output.Duration)

	clipIdx := make([]int, len(spec.Clips))
	for i, c := range spec.Clips {
		clipIdx[i] = addInput("-i", c.Path)
	}

	// Video
	if spec.Contiguous {
		var b strings.Builder
		for _, idx := range clipIdx {
			fmt.Fprintf(&b, "[%d:v]", idx)
		}
		fmt.Fprintf(&b, "concat=n=%d:v=1:a=0[vcat]", len(clipIdx))
		graph = append(graph, b.String())
	} else {
		// Gapped placement. timeline.Build is always contiguous, so this
		// serves hand-built schedules.
		base := addInput("-f", "lavfi", "-i", fmt.Sprintf("color=c=black:s=%dx%d:r=%d:d=%s",
			spec.Output.Width, spec.Output.Height, spec.Output.FPS, total))
		prev := fmt.Sprintf("%d:v", base)
		for i, c := range spec.Clips {
			graph = append(graph, fmt.Sprintf("[%d:v]setpts=PTS-STARTPTS+%s/TB[clip%d]", clipIdx[i], num(c.Start), i))
			next := fmt.Sprintf("place%d", i)
			graph = append(graph, fmt.Sprintf("[%s][clip%d]overlay=eof_action=pass:enable='between(t,%s,%s)'[%s]",
				prev, i, num(c.Start), num(c.Start+c.Duration), next))
			prev = next
		}
		graph = append(graph, fmt.Sprintf("[%s]null[vcat]", prev))
	}

	vchain := "[vcat]"
	if spec.Subtitles != "" {
		ass := "ass=filename=" + services.EscapeFilterPath(spec.Subtitles)
		if spec.FontsDir != "" {
			ass += ":fontsdir=" + services.EscapeFilterPath(spec.FontsDir)
		}
		vchain += ass + ","
	}
	vchain += "format=" + spec.Output.PixFmt + "[vout]"
	graph = append(graph, vchain)

	// Audio
	aformat := fmt.Sprintf("aformat=sample_rates=%d:channel_layouts=stereo", spec.Output.SampleRate)
	var voices []string
	bgm := ""
	for i, a := range spec.Audio {
		var idx int
		if a.Loop {
			idx = addInput("-stream_loop", "-1", "-i", a.Source)
		} else {
			idx = addInput("-i", a.Source)
		}
		label := fmt.Sprintf("a%d", i)
		chain := fmt.Sprintf("[%d:a]atrim=duration=%s,asetpts=PTS-STARTPTS,volume=%s,%s", idx, num(a.Duration), num(a.Volume), aformat)
		if ms := int64(math.Round(a.Start * 1000)); ms > 0 {
			chain += fmt.Sprintf(",adelay=%d:all=1", ms)
		}
		graph = append(graph, chain+"["+label+"]")
		if a.Kind == models.AudioBGM && bgm == "" {
			bgm = label
		} else {
			voices = append(voices, label)
		}
	}

	finish := fmt.Sprintf("apad,atrim=duration=%s[aout]", total)
	switch {
	case len(spec.Audio) == 0:
		idx := addInput("-f", "lavfi", "-i", fmt.Sprintf("anullsrc=channel_layout=stereo:sample_rate=%d", spec.Output.SampleRate))
		graph = append(graph, fmt.Sprintf("[%d:a]%s", idx, finish))
	case spec.Ducking && bgm != "" && len(voices) > 0:
		graph = append(graph, mix(voices)+"[voice]")
		graph = append(graph, "[voice]asplit=2[voice_mix][voice_key]")
		graph = append(graph, fmt.Sprintf("[%s][voice_key]sidechaincompress=threshold=0.05:ratio=8:attack=20:release=400[bgm_ducked]", bgm))
		graph = append(graph, mix([]string{"voice_mix", "bgm_ducked"})+","+finish)
	default:
		labels := voices
		if bgm != "" {
			labels = append(slices.Clone(voices), bgm)
		}
		if len(labels) == 1 {
			graph = append(graph, fmt.Sprintf("[%s]%s", labels[0], finish))
		} else {
			graph = append(graph, mix(labels)+","+finish)
		}
	}

	args = append(args,
		"-filter_complex", strings.Join(graph, ";"),
		"-map", "[vout]",
		"-map", "[aout]",
		"-c:v", spec.Output.VideoCodec,
		"-preset", spec.Output.Preset,
		"-crf", strconv.Itoa(spec.Output.CRF),
		"-pix_fmt", spec.Output.PixFmt,
		"-r", strconv.Itoa(spec.Output.FPS),
		"-c:a", spec.Output.AudioCodec,
		"-b:a", spec.Output.AudioBitrate,
		"-ar", strconv.Itoa(spec.Output.SampleRate),
		"-t", total,
		"-movflags", "+faststart",
		"-f", "mp4",
		"-y", out,
	)
	return args
}

// mix feeds labels into amix without attenuating them. The chain is left
// open for the caller to label or extend.
func mix(labels []string) string {
	var b strings.Builder
	for _, l := range labels {
		b.WriteString("[" + l + "]")
	}
	fmt.Fprintf(&b, "amix=inputs=%d:duration=longest:dropout_transition=0:normalize=0", len(labels))
	return b.String()
}

// num formats seconds with millisecond precision and no trailing zeros.
func num(v float64) string {
	return strconv.FormatFloat(math.Round(v*1000)/1000, 'f', -1, 64)
}
