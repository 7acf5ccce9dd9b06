package models

import (
	"time"
)

// Enums
type JobStatus string

const (
	JobStatusPending     JobStatus = "pending"
	JobStatusFetching    JobStatus = "fetching"
	JobStatusNormalizing JobStatus = "normalizing"
	JobStatusComposing   JobStatus = "composing"
	JobStatusRendering   JobStatus = "rendering"
	JobStatusUploading   JobStatus = "uploading"
	JobStatusDone        JobStatus = "done"
	JobStatusFailed      JobStatus = "failed"
)

var statusOrder = map[JobStatus]int{
	JobStatusPending:     0,
	JobStatusFetching:    1,
	JobStatusNormalizing: 2,
	JobStatusComposing:   3,
	JobStatusRendering:   4,
	JobStatusUploading:   5,
	JobStatusDone:        6,
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// CanTransition reports whether s -> to is a forward move. Any non-terminal
// status may fail; Done is only reachable from Uploading.
func (s JobStatus) CanTransition(to JobStatus) bool {
	if s.Terminal() {
		return false
	}
	if to == JobStatusFailed {
		return true
	}
	from, ok := statusOrder[s]
	if !ok {
		return false
	}
	next, ok := statusOrder[to]
	if !ok {
		return false
	}
	if to == JobStatusDone {
		return s == JobStatusUploading
	}
	return next > from
}

type VisualKind string

const (
	VisualVideo VisualKind = "video"
	VisualImage VisualKind = "image"
)

type AssetKind string

const (
	AssetVideo AssetKind = "video"
	AssetImage AssetKind = "image"
	AssetAudio AssetKind = "audio"
)

// Settings are the job-wide render parameters after defaults are applied.
type Settings struct {
	Style  string `json:"style"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	FPS    int    `json:"fps"`

	Header       string      `json:"header,omitempty"`
	Footer       string      `json:"footer,omitempty"`
	HeaderWindow *TimeWindow `json:"header_window,omitempty"`
	FooterWindow *TimeWindow `json:"footer_window,omitempty"`

	Subtitles          bool   `json:"subtitles"`
	SecondarySubtitles bool   `json:"secondary_subtitles"`
	Font               string `json:"font"`

	BGMURL        string  `json:"bgm_url,omitempty"`
	BGMPath       string  `json:"bgm_path,omitempty"` // local file, set by use_default_bgm
	BGMVolume     float64 `json:"bgm_volume"`
	Ducking       bool    `json:"ducking"`
	EffectMode    string  `json:"effect_mode"`
	Effect        string  `json:"effect,omitempty"`
	EffectSeed    string  `json:"effect_seed,omitempty"`
	DefaultLength float64 `json:"default_duration"`
	TailPad       float64 `json:"tail_pad"`

	Bucket  string `json:"bucket,omitempty"`
	Path    string `json:"path,omitempty"`
	JobName string `json:"job_name,omitempty"`
}

// TimeWindow bounds an overlay. A nil window means the whole timeline.
type TimeWindow struct {
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// End returns Start + Duration.
func (w TimeWindow) End() float64 { return w.Start + w.Duration }

// Source is the single visual input of a scene.
type Source struct {
	Kind VisualKind `json:"kind"`
	URL  string     `json:"url"`
}

// SceneInput is the canonical scene produced at ingress.
type SceneInput struct {
	Index        int      `json:"index"` // caller index, 1-based position when omitted
	Order        int      `json:"order"` // 0-based position in the request, breaks index ties
	Source       Source   `json:"source"`
	Duration     *float64 `json:"duration,omitempty"` // explicit seconds
	Narration    string   `json:"narration,omitempty"`
	Secondary    string   `json:"secondary,omitempty"`
	Speaker      string   `json:"speaker,omitempty"`
	Effect       string   `json:"effect,omitempty"`
	AudioURL     string   `json:"audio_url,omitempty"`
	UseClipAudio bool     `json:"use_clip_audio,omitempty"`

	MultipleSources bool `json:"-"` // both a video and an image were given
}

// RenderJob is one request's worth of work.
type RenderJob struct {
	ID             string       `json:"id"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Settings       Settings     `json:"settings"`
	Scenes         []SceneInput `json:"scenes"`
	Status         JobStatus    `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
}

// TimelineEntry places one scene's visual on the global clock. Position is
// the 0-based slot on the timeline; Scene is the scene's index.
type TimelineEntry struct {
	Position int     `json:"position"`
	Scene    int     `json:"scene"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// End returns Start + Duration.
func (e TimelineEntry) End() float64 { return e.Start + e.Duration }

type OverlayKind string

const (
	OverlayHeader            OverlayKind = "header"
	OverlayFooter            OverlayKind = "footer"
	OverlaySubtitlePrimary   OverlayKind = "subtitle_primary"
	OverlaySubtitleSecondary OverlayKind = "subtitle_secondary"
)

type Anchor string

const (
	AnchorTop    Anchor = "top"
	AnchorCenter Anchor = "center"
	AnchorBottom Anchor = "bottom"
)

// OverlayStyle is the visual treatment of a text overlay. Colors are
// RRGGBB hex strings; BoxColor empty means no background box.
type OverlayStyle struct {
	Font         string `json:"font"`
	Size         int    `json:"size"`
	Color        string `json:"color"`
	OutlineColor string `json:"outline_color,omitempty"`
	Outline      int    `json:"outline"`
	BoxColor     string `json:"box_color,omitempty"`
	BoxOpacity   int    `json:"box_opacity,omitempty"` // 0 (opaque) .. 255 (transparent)
	Bold         bool   `json:"bold,omitempty"`
	MarginV      int    `json:"margin_v"`
	MarginH      int    `json:"margin_h"`
}

// OverlayElement is one burned-in text draw.
type OverlayElement struct {
	Kind     OverlayKind  `json:"kind"`
	Scene    int          `json:"scene"` // -1 for header/footer
	Text     string       `json:"text"`
	Start    float64      `json:"start"`
	Duration float64      `json:"duration"`
	Anchor   Anchor       `json:"anchor"`
	Style    OverlayStyle `json:"style"`
	Layer    int          `json:"layer"`
}

// End returns Start + Duration.
func (o OverlayElement) End() float64 { return o.Start + o.Duration }

type AudioKind string

const (
	AudioNarration AudioKind = "narration"
	AudioClip      AudioKind = "clip"
	AudioBGM       AudioKind = "bgm"
)

// AudioTrack is one input to the audio mix. Before fetching Source holds the
// remote URL; in a RenderSpec it holds the workspace-relative path.
type AudioTrack struct {
	Kind     AudioKind `json:"kind"`
	Scene    int       `json:"scene"` // -1 for bgm
	Source   string    `json:"source"`
	Start    float64   `json:"start"`
	Duration float64   `json:"duration"`
	Volume   float64   `json:"volume"`
	Loop     bool      `json:"loop,omitempty"`
}

// End returns Start + Duration.
func (a AudioTrack) End() float64 { return a.Start + a.Duration }

// Schedule is the timeline builder's output.
type Schedule struct {
	Entries  []TimelineEntry  `json:"entries"`
	Overlays []OverlayElement `json:"overlays"`
	Audio    []AudioTrack     `json:"audio"`
	Total    float64          `json:"total"`
}

// OutputParams are the container and encoder settings of the final render.
type OutputParams struct {
	File         string  `json:"file"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	FPS          int     `json:"fps"`
	Duration     float64 `json:"duration"`
	VideoCodec   string  `json:"video_codec"`
	PixFmt       string  `json:"pix_fmt"`
	Preset       string  `json:"preset"`
	CRF          int     `json:"crf"`
	AudioCodec   string  `json:"audio_codec"`
	AudioBitrate string  `json:"audio_bitrate"`
	SampleRate   int     `json:"sample_rate"`
}

// ClipTrack is a normalized clip placed at its offset.
type ClipTrack struct {
	Scene    int     `json:"scene"`
	Path     string  `json:"path"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// RenderSpec is the resolved, engine-agnostic render description. All paths
// are relative to the job workspace.
type RenderSpec struct {
	Output     OutputParams     `json:"output"`
	Clips      []ClipTrack      `json:"clips"`
	Contiguous bool             `json:"contiguous"`
	Audio      []AudioTrack     `json:"audio"`
	Ducking    bool             `json:"ducking"`
	Overlays   []OverlayElement `json:"overlays"`
	Subtitles  string           `json:"subtitles,omitempty"` // ASS script path
	FontsDir   string           `json:"fonts_dir,omitempty"`
}

// DTOs for API responses

type RenderStats struct {
	FetchSeconds     float64 `json:"fetch_seconds"`
	NormalizeSeconds float64 `json:"normalize_seconds"`
	EncodeSeconds    float64 `json:"encode_seconds"`
	UploadSeconds    float64 `json:"upload_seconds"`
	OutputBytes      int64   `json:"output_bytes"`
	SceneCount       int     `json:"scene_count"`
}

type RenderResponse struct {
	URL           string      `json:"url"`
	JobID         string      `json:"job_id"`
	TotalDuration float64     `json:"total_duration"`
	Stats         RenderStats `json:"stats"`
}

type ErrorBody struct {
	Code    string         `json:"code"`
	Stage   string         `json:"stage,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// JobRecord is what the status store keeps per job id.
type JobRecord struct {
	JobID          string          `json:"job_id"`
	Style          string          `json:"style"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Status         JobStatus       `json:"status"`
	Result         *RenderResponse `json:"result,omitempty"`
	Error          *ErrorBody      `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
