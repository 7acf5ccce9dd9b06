package timeline

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/bobarin/renderd/internal/models"
	"github.com/bobarin/renderd/internal/pkg/apperr"
)

func settings() models.Settings {
	return models.Settings{
		Style: "shorts", Width: 1080, Height: 1920, FPS: 30,
		Subtitles: true, SecondarySubtitles: true,
		BGMVolume: 0.12, EffectMode: "random", DefaultLength: 5, TailPad: 0.3,
		Font: "Noto Sans CJK KR",
	}
}

func dur(v float64) *float64 { return &v }

func imageScene(order int, d *float64, narration string) models.SceneInput {
	return models.SceneInput{
		Index: order + 1, Order: order, Duration: d, Narration: narration,
		Source: models.Source{Kind: models.VisualImage, URL: "https://media.example.com/s.png"},
	}
}

func TestBuildStartsAreRunningSums(t *testing.T) {
	durations := []float64{4, 6, 6, 2.5, 0.75}
	var scenes []models.SceneInput
	for i, d := range durations {
		scenes = append(scenes, imageScene(i, dur(d), "line"))
	}

	sched, err := Build(settings(), scenes, nil)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	sum := 0.0
	for k, e := range sched.Entries {
		if e.Start != sum {
			t.Errorf("entry %d: start %v, want %v", k, e.Start, sum)
		}
		if k > 0 && e.Start != sched.Entries[k-1].Start+sched.Entries[k-1].Duration {
			t.Errorf("entry %d is not contiguous with entry %d", k, k-1)
		}
		sum += durations[k]
	}
	if sched.Total != sum {
		t.Errorf("total %v, want %v", sched.Total, sum)
	}
}

func TestBuildSixteenSeconds(t *testing.T) {
	s := settings()
	s.Header = "테스트"
	s.Footer = "땅콩TV"
	scenes := []models.SceneInput{imageScene(0, dur(4), "a"), imageScene(1, dur(6), "b"), imageScene(2, dur(6), "c")}

	sched, err := Build(s, scenes, nil)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if sched.Total != 16 {
		t.Fatalf("total %v, want 16", sched.Total)
	}

	var header, footer *models.OverlayElement
	for i := range sched.Overlays {
		o := &sched.Overlays[i]
		switch o.Kind {
		case models.OverlayHeader:
			header = o
		case models.OverlayFooter:
			footer = o
		}
	}
	if header == nil || header.Start != 0 || header.Duration != 16 || header.Layer != LayerBase {
		t.Errorf("header should span the timeline on the base layer: %+v", header)
	}
	if footer == nil || footer.Text != "땅콩TV" || footer.Anchor != models.AnchorBottom {
		t.Errorf("footer mismatch: %+v", footer)
	}
	for _, a := range sched.Audio {
		if a.Kind == models.AudioBGM {
			t.Error("no bgm was requested")
		}
	}
}

func TestBuildSortsByIndexStable(t *testing.T) {
	scenes := []models.SceneInput{
		{Index: 3, Order: 0, Duration: dur(1), Source: models.Source{Kind: models.VisualImage, URL: "https://m/a.png"}},
		{Index: 1, Order: 1, Duration: dur(2), Source: models.Source{Kind: models.VisualImage, URL: "https://m/b.png"}},
		{Index: 3, Order: 2, Duration: dur(3), Source: models.Source{Kind: models.VisualImage, URL: "https://m/c.png"}},
	}
	sched, err := Build(settings(), scenes, nil)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	wantDur := []float64{2, 1, 3}
	for i, e := range sched.Entries {
		if e.Duration != wantDur[i] || e.Position != i {
			t.Errorf("entry %d: %+v", i, e)
		}
	}
}

func TestSubtitleWindowsInsideScene(t *testing.T) {
	scenes := []models.SceneInput{
		{Index: 1, Order: 0, Duration: dur(3.5), Narration: "hello", Secondary: "안녕", Source: models.Source{Kind: models.VisualImage, URL: "https://m/1.png"}},
		{Index: 2, Order: 1, Narration: "no duration", AudioURL: "https://m/2.mp3", Source: models.Source{Kind: models.VisualVideo, URL: "https://m/2.mp4"}},
		{Index: 3, Order: 2, Narration: "default", Source: models.Source{Kind: models.VisualImage, URL: "https://m/3.png"}},
	}
	sched, err := Build(settings(), scenes, map[int]float64{1: 2.2})
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	windows := map[int]models.TimelineEntry{}
	for _, e := range sched.Entries {
		windows[e.Scene] = e
	}
	if d := windows[2].Duration; math.Abs(d-2.5) > 1e-9 {
		t.Errorf("audio-derived duration should be length + pad = 2.5, got %v", d)
	}
	if d := windows[3].Duration; d != 5 {
		t.Errorf("default duration should apply, got %v", d)
	}

	subs := 0
	for _, o := range sched.Overlays {
		if o.Kind != models.OverlaySubtitlePrimary && o.Kind != models.OverlaySubtitleSecondary {
			continue
		}
		subs++
		w := windows[o.Scene]
		if o.Start < w.Start || o.End() > w.End()+1e-9 {
			t.Errorf("subtitle for scene %d [%v,%v] outside [%v,%v]", o.Scene, o.Start, o.End(), w.Start, w.End())
		}
		if o.Layer != LayerSubtitle {
			t.Errorf("subtitles belong on layer %d", LayerSubtitle)
		}
	}
	if subs != 4 {
		t.Errorf("expected 4 subtitle overlays (3 primary + 1 secondary), got %d", subs)
	}

	var narration *models.AudioTrack
	for i := range sched.Audio {
		if sched.Audio[i].Kind == models.AudioNarration {
			narration = &sched.Audio[i]
		}
	}
	if narration == nil || narration.Start != windows[2].Start || narration.Duration != 2.2 {
		t.Errorf("narration track should start with its scene and last the audio length: %+v", narration)
	}
}

func TestBuildSubtitleToggles(t *testing.T) {
	s := settings()
	s.SecondarySubtitles = false
	scenes := []models.SceneInput{{Index: 1, Duration: dur(2), Narration: "p", Secondary: "s", Source: models.Source{Kind: models.VisualImage, URL: "https://m/1.png"}}}

	sched, _ := Build(s, scenes, nil)
	for _, o := range sched.Overlays {
		if o.Kind == models.OverlaySubtitleSecondary {
			t.Error("secondary subtitles were disabled")
		}
	}

	s.Subtitles = false
	sched, _ = Build(s, scenes, nil)
	if len(sched.Overlays) != 0 {
		t.Errorf("all subtitles disabled, got %d overlays", len(sched.Overlays))
	}
}

func TestBuildDialogueSpeakerPrefix(t *testing.T) {
	s := settings()
	s.Style = "dialogue"
	scenes := []models.SceneInput{{Index: 1, Duration: dur(2), Narration: "hi", Speaker: "Host", Source: models.Source{Kind: models.VisualImage, URL: "https://m/1.png"}}}

	sched, err := Build(s, scenes, nil)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if sched.Overlays[0].Text != "Host: hi" {
		t.Errorf("dialogue style prefixes the speaker, got %q", sched.Overlays[0].Text)
	}
}

func TestBuildBGM(t *testing.T) {
	s := settings()
	s.BGMURL = "https://m/bgm.mp3"
	scenes := []models.SceneInput{imageScene(0, dur(4), ""), imageScene(1, dur(3), "")}

	sched, err := Build(s, scenes, nil)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if len(sched.Audio) != 1 {
		t.Fatalf("expected only the bgm track, got %d", len(sched.Audio))
	}
	bgm := sched.Audio[0]
	if bgm.Kind != models.AudioBGM || !bgm.Loop || bgm.Duration != 7 || bgm.Volume != 0.12 {
		t.Errorf("bgm should loop over the whole timeline at the configured volume: %+v", bgm)
	}
}

func TestBuildDeterministic(t *testing.T) {
	s := settings()
	s.Header = "h"
	scenes := []models.SceneInput{imageScene(0, dur(4), "a"), imageScene(1, nil, "b")}

	a, _ := Build(s, scenes, map[int]float64{})
	b, _ := Build(s, scenes, map[int]float64{})
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if string(ja) != string(jb) {
		t.Errorf("schedules differ:\n%s\n%s", ja, jb)
	}
}

func TestValidate(t *testing.T) {
	valid := []models.SceneInput{imageScene(0, dur(4), "a")}
	if err := Validate(settings(), valid); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(s *models.Settings, scenes *[]models.SceneInput)
		field  string
	}{
		{"zero scenes", func(s *models.Settings, sc *[]models.SceneInput) { *sc = nil }, "scenes"},
		{"zero duration", func(s *models.Settings, sc *[]models.SceneInput) { (*sc)[0].Duration = dur(0) }, "scenes[0].duration"},
		{"negative duration", func(s *models.Settings, sc *[]models.SceneInput) { (*sc)[0].Duration = dur(-2) }, "scenes[0].duration"},
		{"no source", func(s *models.Settings, sc *[]models.SceneInput) { (*sc)[0].Source = models.Source{} }, "scenes[0].source"},
		{"two sources", func(s *models.Settings, sc *[]models.SceneInput) { (*sc)[0].MultipleSources = true }, "scenes[0].source"},
		{"relative url", func(s *models.Settings, sc *[]models.SceneInput) { (*sc)[0].Source.URL = "/tmp/a.png" }, "scenes[0].source"},
		{"bad effect", func(s *models.Settings, sc *[]models.SceneInput) { (*sc)[0].Effect = "spin" }, "scenes[0].effect"},
		{"clip audio on image", func(s *models.Settings, sc *[]models.SceneInput) { (*sc)[0].UseClipAudio = true }, "scenes[0].use_clip_audio"},
		{"unknown style", func(s *models.Settings, sc *[]models.SceneInput) { s.Style = "vlog" }, "style"},
		{"odd width", func(s *models.Settings, sc *[]models.SceneInput) { s.Width = 1081 }, "size"},
		{"bad mode", func(s *models.Settings, sc *[]models.SceneInput) { s.EffectMode = "chaos" }, "effect_mode"},
		{"fixed without effect", func(s *models.Settings, sc *[]models.SceneInput) { s.EffectMode = "fixed" }, "effect"},
		{"bad header window", func(s *models.Settings, sc *[]models.SceneInput) { s.HeaderWindow = &models.TimeWindow{Start: -1, Duration: 2} }, "header_window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := settings()
			scenes := []models.SceneInput{imageScene(0, dur(4), "a")}
			tt.mutate(&s, &scenes)

			err := Validate(s, scenes)
			if !apperr.IsCode(err, apperr.CodeValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			e := apperr.From(err, apperr.StageValidation)
			fields, _ := e.Fields["fields"].(map[string]string)
			if _, ok := fields[tt.field]; !ok {
				t.Errorf("expected field %q in %v", tt.field, fields)
			}
		})
	}
}

func TestValidateWindowPastTimeline(t *testing.T) {
	s := settings()
	s.FooterWindow = &models.TimeWindow{Start: 3, Duration: 2}
	scenes := []models.SceneInput{imageScene(0, dur(4), "a")}

	err := Validate(s, scenes)
	if !apperr.IsCode(err, apperr.CodeValidation) {
		t.Fatalf("footer ending at 5s on a 4s timeline should be rejected, got %v", err)
	}
	fields, _ := apperr.From(err, apperr.StageValidation).Fields["fields"].(map[string]string)
	if _, ok := fields["footer_window"]; !ok {
		t.Errorf("expected footer_window in %v", fields)
	}

	s.FooterWindow = &models.TimeWindow{Start: 2, Duration: 2}
	if err := Validate(s, scenes); err != nil {
		t.Errorf("window ending exactly at the total should pass: %v", err)
	}

	// Narration-timed scenes leave the total unknown until audio is probed.
	s.FooterWindow = &models.TimeWindow{Start: 3, Duration: 20}
	narrated := imageScene(0, nil, "a")
	narrated.AudioURL = "https://media.example.com/a.mp3"
	if err := Validate(s, []models.SceneInput{narrated}); err != nil {
		t.Errorf("unknown total should defer the window check: %v", err)
	}
}

func TestValidateZeroTotal(t *testing.T) {
	s := settings()
	s.DefaultLength = 0
	scenes := []models.SceneInput{imageScene(0, nil, "a")}

	if err := Validate(s, scenes); !apperr.IsCode(err, apperr.CodeValidation) {
		t.Errorf("zero total should be rejected before fetching, got %v", err)
	}
}

func TestLookupStyleScales(t *testing.T) {
	full, _ := LookupStyle("shorts", "F", 1920)
	half, _ := LookupStyle("SHORTS", "F", 960)
	if half.Primary.Size*2 != full.Primary.Size {
		t.Errorf("sizes should scale with height: %d vs %d", half.Primary.Size, full.Primary.Size)
	}
	if full.Header.Font != "F" {
		t.Errorf("font not applied: %q", full.Header.Font)
	}
	if _, ok := LookupStyle("nope", "", 1920); ok {
		t.Error("unknown style should not resolve")
	}
	if names := StyleNames(); len(names) != 3 || names[0] != "dialogue" {
		t.Errorf("unexpected style names %v", names)
	}
}
