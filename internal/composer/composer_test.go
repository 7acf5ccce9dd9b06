package composer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"testing"

	"github.com/bobarin/renderd/internal/models"
	"github.com/bobarin/renderd/internal/pkg/apperr"
	"github.com/bobarin/renderd/internal/timeline"
)

func ptr(v float64) *float64 { return &v }

func settings() models.Settings {
	return models.Settings{
		Style: "shorts", Width: 1080, Height: 1920, FPS: 30,
		Header: "테스트", Footer: "땅콩TV",
		Subtitles: true, Font: "Noto Sans CJK KR",
		EffectMode: "random", DefaultLength: 5, TailPad: 0.3,
	}
}

func scenes() []models.SceneInput {
	return []models.SceneInput{
		{Index: 1, Order: 0, Source: models.Source{Kind: models.VisualImage, URL: "https://cdn.example.com/1.png"}, Duration: ptr(4), Narration: "첫 번째"},
		{Index: 2, Order: 1, Source: models.Source{Kind: models.VisualVideo, URL: "https://cdn.example.com/2.mp4"}, Duration: ptr(6), Narration: "두 번째"},
		{Index: 3, Order: 2, Source: models.Source{Kind: models.VisualImage, URL: "https://cdn.example.com/3.png"}, Duration: ptr(6)},
	}
}

func buildInput(t *testing.T, s models.Settings, sc []models.SceneInput, audio map[int]float64) Input {
	t.Helper()
	sched, err := timeline.Build(s, sc, audio)
	if err != nil {
		t.Fatalf("timeline.Build() error: %v", err)
	}
	clips := make([]string, len(sched.Entries))
	for i := range clips {
		clips[i] = "norm/scene_00" + string(rune('0'+i)) + ".mp4"
	}
	return Input{
		Settings: s,
		Schedule: sched,
		Clips:    clips,
		Sources:  map[string]string{},
		Encoding: Encoding{Preset: "medium", CRF: 20},
	}
}

func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestBuildContiguous(t *testing.T) {
	spec, err := Build(buildInput(t, settings(), scenes(), nil))
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	if !spec.Contiguous {
		t.Error("timeline entries are contiguous")
	}
	if spec.Output.Duration != 16 || spec.Output.Width != 1080 || spec.Output.FPS != 30 {
		t.Errorf("unexpected output params: %+v", spec.Output)
	}
	if spec.Output.File != OutputFile || spec.Subtitles != OverlayScript {
		t.Errorf("paths must be workspace-relative constants: %s, %s", spec.Output.File, spec.Subtitles)
	}
	if len(spec.Clips) != 3 || spec.Clips[2].Start != 10 {
		t.Errorf("unexpected clips: %+v", spec.Clips)
	}

	// Layer 0 (header/footer) first, subtitles above.
	for i := 1; i < len(spec.Overlays); i++ {
		if spec.Overlays[i].Layer < spec.Overlays[i-1].Layer {
			t.Fatalf("overlays not ordered by layer: %+v", spec.Overlays)
		}
	}
	if spec.Overlays[0].Kind != models.OverlayHeader || spec.Overlays[1].Kind != models.OverlayFooter {
		t.Errorf("header and footer should come first, got %s, %s", spec.Overlays[0].Kind, spec.Overlays[1].Kind)
	}

	args := Args(spec, "out/.render.tmp.mp4")
	graph := argValue(args, "-filter_complex")
	for _, want := range []string{
		"[0:v][1:v][2:v]concat=n=3:v=1:a=0[vcat]",
		"[vcat]ass=filename=overlays.ass,format=yuv420p[vout]",
		"[3:a]apad,atrim=duration=16[aout]",
	} {
		if !strings.Contains(graph, want) {
			t.Errorf("filter graph missing %q:\n%s", want, graph)
		}
	}
	if !strings.Contains(strings.Join(args, " "), "-f lavfi -i anullsrc=channel_layout=stereo:sample_rate=48000") {
		t.Errorf("silent audio source missing: %v", args)
	}
	if argValue(args, "-t") != "16" || argValue(args, "-preset") != "medium" || argValue(args, "-crf") != "20" {
		t.Errorf("unexpected output args: %v", args)
	}
	if args[len(args)-1] != "out/.render.tmp.mp4" {
		t.Errorf("output should be last, got %s", args[len(args)-1])
	}
}

func TestBuildDeterministic(t *testing.T) {
	s := settings()
	s.BGMURL = "https://cdn.example.com/bgm.mp3"
	s.BGMVolume = 0.12
	s.Ducking = true
	sc := scenes()
	sc[0].AudioURL = "https://cdn.example.com/n1.mp3"

	render := func() ([]byte, []string, string) {
		in := buildInput(t, s, sc, map[int]float64{0: 2.5})
		in.Sources = map[string]string{
			"https://cdn.example.com/bgm.mp3": "assets/job_audio_x.mp3",
			"https://cdn.example.com/n1.mp3":  "assets/001_audio_y.mp3",
		}
		spec, err := Build(in)
		if err != nil {
			t.Fatalf("Build() error: %v", err)
		}
		data, _ := json.Marshal(spec)
		var ass bytes.Buffer
		RenderASS(&ass, spec)
		return data, Args(spec, "out/x.mp4"), ass.String()
	}

	s1, a1, ass1 := render()
	s2, a2, ass2 := render()
	if !bytes.Equal(s1, s2) {
		t.Error("RenderSpec differs between identical builds")
	}
	if !slices.Equal(a1, a2) {
		t.Error("engine args differ between identical builds")
	}
	if ass1 != ass2 {
		t.Error("ASS script differs between identical builds")
	}
}

func TestBuildRejectsOverlayOutsideTimeline(t *testing.T) {
	in := buildInput(t, settings(), scenes(), nil)
	in.Schedule.Overlays = append(in.Schedule.Overlays, models.OverlayElement{
		Kind: models.OverlayHeader, Text: "late", Start: 15, Duration: 5,
	})

	_, err := Build(in)
	if !apperr.IsCode(err, apperr.CodeComposition) {
		t.Fatalf("expected CompositionError, got %v", err)
	}
	if e := apperr.From(err, apperr.StageCompose); e.HTTPStatus() != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", e.HTTPStatus())
	}
}

func TestBuildRejectsAudioOutsideTimeline(t *testing.T) {
	in := buildInput(t, settings(), scenes(), nil)
	in.Schedule.Audio = append(in.Schedule.Audio, models.AudioTrack{Kind: models.AudioNarration, Scene: 1, Source: "x", Start: 14, Duration: 3})
	in.Sources["x"] = "assets/x.mp3"

	if _, err := Build(in); !apperr.IsCode(err, apperr.CodeComposition) {
		t.Fatalf("expected CompositionError, got %v", err)
	}
}

func TestBuildRejectsUnfetchedAudio(t *testing.T) {
	sc := scenes()
	sc[1].AudioURL = "https://cdn.example.com/n2.mp3"
	in := buildInput(t, settings(), sc, nil)

	if _, err := Build(in); !apperr.IsCode(err, apperr.CodeComposition) {
		t.Fatalf("expected CompositionError, got %v", err)
	}
}

func TestBuildClipCountMismatch(t *testing.T) {
	in := buildInput(t, settings(), scenes(), nil)
	in.Clips = in.Clips[:2]
	if _, err := Build(in); !apperr.IsCode(err, apperr.CodeComposition) {
		t.Fatalf("expected CompositionError, got %v", err)
	}
}

func TestArgsMixAndDucking(t *testing.T) {
	s := settings()
	s.BGMURL = "https://cdn.example.com/bgm.mp3"
	s.BGMVolume = 0.12
	sc := scenes()
	sc[1].AudioURL = "https://cdn.example.com/n2.mp3"

	in := buildInput(t, s, sc, map[int]float64{1: 5})
	in.Sources = map[string]string{
		"https://cdn.example.com/bgm.mp3": "assets/bgm.mp3",
		"https://cdn.example.com/n2.mp3":  "assets/n2.mp3",
	}

	spec, err := Build(in)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if spec.Ducking {
		t.Error("ducking is off unless requested")
	}
	args := Args(spec, "out/x.mp4")
	graph := argValue(args, "-filter_complex")

	// Narration for scene 2 starts at 4s and lasts 5s (shorter than the scene).
	if !strings.Contains(graph, "[3:a]atrim=duration=5,asetpts=PTS-STARTPTS,volume=1,aformat=sample_rates=48000:channel_layouts=stereo,adelay=4000:all=1[a0]") {
		t.Errorf("narration chain missing:\n%s", graph)
	}
	if !strings.Contains(graph, "[4:a]atrim=duration=16,asetpts=PTS-STARTPTS,volume=0.12,") {
		t.Errorf("bgm chain missing:\n%s", graph)
	}
	if !strings.Contains(graph, "[a0][a1]amix=inputs=2:duration=longest:dropout_transition=0:normalize=0,apad,atrim=duration=16[aout]") {
		t.Errorf("mix missing:\n%s", graph)
	}
	if !strings.Contains(strings.Join(args, " "), "-stream_loop -1 -i assets/bgm.mp3") {
		t.Errorf("bgm should loop: %v", args)
	}

	in.Settings.Ducking = true
	spec, _ = Build(in)
	if !spec.Ducking {
		t.Fatal("ducking requested with narration and bgm")
	}
	graph = argValue(Args(spec, "out/x.mp4"), "-filter_complex")
	for _, want := range []string{
		"[a0]amix=inputs=1:duration=longest:dropout_transition=0:normalize=0[voice]",
		"[voice]asplit=2[voice_mix][voice_key]",
		"[a1][voice_key]sidechaincompress=",
		"[voice_mix][bgm_ducked]amix=inputs=2",
	} {
		if !strings.Contains(graph, want) {
			t.Errorf("ducking graph missing %q:\n%s", want, graph)
		}
	}
}

func TestArgsTimedPlacement(t *testing.T) {
	spec := models.RenderSpec{
		Output: models.OutputParams{Width: 1080, Height: 1920, FPS: 30, Duration: 10, VideoCodec: "libx264",
			PixFmt: "yuv420p", Preset: "medium", CRF: 20, AudioCodec: "aac", AudioBitrate: "192k", SampleRate: 48000},
		Clips: []models.ClipTrack{
			{Scene: 1, Path: "norm/scene_000.mp4", Start: 0, Duration: 4},
			{Scene: 2, Path: "norm/scene_001.mp4", Start: 6, Duration: 4},
		},
	}
	graph := argValue(Args(spec, "out/x.mp4"), "-filter_complex")
	for _, want := range []string{
		"[1:v]setpts=PTS-STARTPTS+6/TB[clip1]",
		"overlay=eof_action=pass:enable='between(t,6,10)'[place1]",
		"[place1]null[vcat]",
		"[vcat]format=yuv420p[vout]",
	} {
		if !strings.Contains(graph, want) {
			t.Errorf("graph missing %q:\n%s", want, graph)
		}
	}
	args := strings.Join(Args(spec, "out/x.mp4"), " ")
	if !strings.Contains(args, "-f lavfi -i color=c=black:s=1080x1920:r=30:d=10") {
		t.Errorf("black base missing: %s", args)
	}
}

func TestBuildMarksGapsNonContiguous(t *testing.T) {
	in := buildInput(t, settings(), scenes(), nil)
	in.Schedule.Entries[2].Start = 10.5
	in.Schedule.Entries[2].Duration = 5.5
	spec, err := Build(in)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if spec.Contiguous {
		t.Error("a gap must switch to timed placement")
	}
}
