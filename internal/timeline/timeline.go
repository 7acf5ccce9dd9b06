// Package timeline schedules scenes on the global clock and derives the
// overlay and audio elements that hang off each scene.
package timeline

import (
	"fmt"
	"math"
	"net/url"
	"slices"

	"github.com/bobarin/renderd/internal/kenburns"
	"github.com/bobarin/renderd/internal/models"
	"github.com/bobarin/renderd/internal/pkg/apperr"
)

const (
	LayerBase     = 0 // header and footer
	LayerSubtitle = 1

	maxFPS       = 120
	maxDimension = 4096
	maxBGMVolume = 4.0
	windowSlack  = 1e-6
)

// Validate rejects everything about a job that is detectable without
// downloading anything. It runs before any workspace or fetch exists.
func Validate(s models.Settings, scenes []models.SceneInput) error {
	fields := map[string]string{}

	if _, ok := LookupStyle(s.Style, "", s.Height); !ok {
		fields["style"] = fmt.Sprintf("unknown style %q", s.Style)
	}
	if s.Width <= 0 || s.Height <= 0 || s.Width > maxDimension || s.Height > maxDimension {
		fields["size"] = fmt.Sprintf("width and height must be within 1..%d", maxDimension)
	} else if s.Width%2 != 0 || s.Height%2 != 0 {
		fields["size"] = "width and height must be even"
	}
	if s.FPS <= 0 || s.FPS > maxFPS {
		fields["fps"] = fmt.Sprintf("fps must be within 1..%d", maxFPS)
	}

	mode, err := kenburns.ParseMode(s.EffectMode)
	if err != nil {
		fields["effect_mode"] = err.Error()
	} else if mode == kenburns.ModeFixed {
		if _, err := kenburns.ParseEffect(s.Effect); err != nil {
			fields["effect"] = err.Error()
		}
	}

	if s.BGMVolume < 0 || s.BGMVolume > maxBGMVolume || math.IsNaN(s.BGMVolume) {
		fields["bgm_volume"] = fmt.Sprintf("must be within 0..%v", maxBGMVolume)
	}
	if s.BGMURL != "" && !validURL(s.BGMURL) {
		fields["bgm_url"] = "must be an absolute http(s) URL"
	}
	checkWindow(fields, "header_window", s.HeaderWindow)
	checkWindow(fields, "footer_window", s.FooterWindow)

	if len(scenes) == 0 {
		fields["scenes"] = "at least one scene is required"
	}

	known := true
	total := 0.0
	for i, sc := range scenes {
		key := fmt.Sprintf("scenes[%d]", i)
		switch {
		case sc.MultipleSources:
			fields[key+".source"] = "exactly one of video_url or image_url is allowed"
		case sc.Source.URL == "":
			fields[key+".source"] = "video_url or image_url is required"
		case !validURL(sc.Source.URL):
			fields[key+".source"] = "must be an absolute http(s) URL"
		}
		if sc.AudioURL != "" && !validURL(sc.AudioURL) {
			fields[key+".audio_url"] = "must be an absolute http(s) URL"
		}
		if sc.Effect != "" && sc.Source.Kind == models.VisualImage {
			if _, err := kenburns.Select(sc.Effect, s.Effect, kenburns.ModeRandom, "", sc.Index); err != nil {
				fields[key+".effect"] = err.Error()
			}
		}
		if sc.UseClipAudio && sc.Source.Kind != models.VisualVideo {
			fields[key+".use_clip_audio"] = "only video scenes carry clip audio"
		}

		switch {
		case sc.Duration != nil:
			d := *sc.Duration
			if d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
				fields[key+".duration"] = "must be positive"
				continue
			}
			total += d
		case sc.AudioURL != "":
			known = false
		default:
			total += s.DefaultLength
		}
	}

	// With every duration known up front, the timeline length is too.
	if known && total > 0 {
		checkWindowEnd(fields, "header_window", s.HeaderWindow, total)
		checkWindowEnd(fields, "footer_window", s.FooterWindow, total)
	}

	if len(fields) > 0 {
		return apperr.Validation("invalid render request", fields)
	}
	if known && total <= 0 {
		return apperr.Validation("total duration must be positive", map[string]string{"scenes": "total duration is zero"})
	}
	return nil
}

func checkWindow(fields map[string]string, key string, w *models.TimeWindow) {
	if w == nil {
		return
	}
	if w.Start < 0 || w.Duration <= 0 {
		fields[key] = "start must be >= 0 and duration > 0"
	}
}

func checkWindowEnd(fields map[string]string, key string, w *models.TimeWindow, total float64) {
	if w == nil || fields[key] != "" {
		return
	}
	if w.End() > total+windowSlack {
		fields[key] = fmt.Sprintf("ends at %vs, past the %vs timeline", w.End(), total)
	}
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Sort returns the scenes ordered by index, ties kept in request order.
func Sort(scenes []models.SceneInput) []models.SceneInput {
	sorted := slices.Clone(scenes)
	slices.SortStableFunc(sorted, func(a, b models.SceneInput) int {
		if a.Index != b.Index {
			return a.Index - b.Index
		}
		return a.Order - b.Order
	})
	return sorted
}

// ResolveDuration applies explicit -> narration audio length + pad ->
// default. audioLen <= 0 means unknown.
func ResolveDuration(sc models.SceneInput, audioLen float64, s models.Settings) float64 {
	if sc.Duration != nil {
		return *sc.Duration
	}
	if audioLen > 0 {
		return roundMillis(audioLen + s.TailPad)
	}
	return s.DefaultLength
}

// Build schedules the scenes. audioLens maps SceneInput.Order to the probed
// narration length in seconds. The result is a pure function of its inputs.
func Build(s models.Settings, scenes []models.SceneInput, audioLens map[int]float64) (models.Schedule, error) {
	if len(scenes) == 0 {
		return models.Schedule{}, apperr.Validation("at least one scene is required", map[string]string{"scenes": "empty"})
	}
	style, ok := LookupStyle(s.Style, s.Font, s.Height)
	if !ok {
		return models.Schedule{}, apperr.Validation("unknown style", map[string]string{"style": s.Style})
	}

	sorted := Sort(scenes)
	sched := models.Schedule{
		Entries:  make([]models.TimelineEntry, 0, len(sorted)),
		Overlays: []models.OverlayElement{},
		Audio:    []models.AudioTrack{},
	}

	start := 0.0
	for pos, sc := range sorted {
		audioLen := audioLens[sc.Order]
		d := ResolveDuration(sc, audioLen, s)
		if d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
			return models.Schedule{}, apperr.Validation("scene duration must be positive",
				map[string]string{fmt.Sprintf("scenes[%d].duration", sc.Order): "resolved to a non-positive value"})
		}

		sched.Entries = append(sched.Entries, models.TimelineEntry{Position: pos, Scene: sc.Index, Start: start, Duration: d})

		if s.Subtitles && sc.Narration != "" {
			text := sc.Narration
			if style.SpeakerPrefix && sc.Speaker != "" {
				text = sc.Speaker + ": " + text
			}
			sched.Overlays = append(sched.Overlays, models.OverlayElement{
				Kind: models.OverlaySubtitlePrimary, Scene: sc.Index, Text: text,
				Start: start, Duration: d, Anchor: style.SubtitleAnchor, Style: style.Primary, Layer: LayerSubtitle,
			})
		}
		if s.Subtitles && s.SecondarySubtitles && sc.Secondary != "" {
			sched.Overlays = append(sched.Overlays, models.OverlayElement{
				Kind: models.OverlaySubtitleSecondary, Scene: sc.Index, Text: sc.Secondary,
				Start: start, Duration: d, Anchor: style.SecondaryAnchor, Style: style.Secondary, Layer: LayerSubtitle,
			})
		}

		if sc.AudioURL != "" {
			span := d
			if audioLen > 0 && audioLen < d {
				span = roundMillis(audioLen)
			}
			sched.Audio = append(sched.Audio, models.AudioTrack{
				Kind: models.AudioNarration, Scene: sc.Index, Source: sc.AudioURL, Start: start, Duration: span, Volume: 1.0,
			})
		}
		if sc.UseClipAudio && sc.Source.Kind == models.VisualVideo {
			sched.Audio = append(sched.Audio, models.AudioTrack{
				Kind: models.AudioClip, Scene: sc.Index, Source: sc.Source.URL, Start: start, Duration: d, Volume: 1.0,
			})
		}

		start += d
	}
	sched.Total = start

	if sched.Total <= 0 {
		return models.Schedule{}, apperr.Validation("total duration must be positive", map[string]string{"scenes": "total duration is zero"})
	}

	if s.Header != "" {
		sched.Overlays = append(sched.Overlays, spanning(models.OverlayHeader, s.Header, s.HeaderWindow, sched.Total, style.HeaderAnchor, style.Header))
	}
	if s.Footer != "" {
		sched.Overlays = append(sched.Overlays, spanning(models.OverlayFooter, s.Footer, s.FooterWindow, sched.Total, style.FooterAnchor, style.Footer))
	}

	bgm := s.BGMURL
	if bgm == "" {
		bgm = s.BGMPath
	}
	if bgm != "" && s.BGMVolume > 0 {
		sched.Audio = append(sched.Audio, models.AudioTrack{
			Kind: models.AudioBGM, Scene: -1, Source: bgm, Start: 0, Duration: sched.Total, Volume: s.BGMVolume, Loop: true,
		})
	}

	return sched, nil
}

func spanning(kind models.OverlayKind, text string, w *models.TimeWindow, total float64, anchor models.Anchor, st models.OverlayStyle) models.OverlayElement {
	o := models.OverlayElement{Kind: kind, Scene: -1, Text: text, Start: 0, Duration: total, Anchor: anchor, Style: st, Layer: LayerBase}
	if w != nil {
		o.Start = w.Start
		o.Duration = w.Duration
	}
	return o
}

func roundMillis(v float64) float64 {
	return math.Round(v*1000) / 1000
}
