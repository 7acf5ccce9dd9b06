package models

import "strings"

// RenderRequest is the POST /render/{style} body as callers send it. Scene
// entries arrive in several shapes (narration vs script vs dialogue.script vs
// answer, duration vs duration_sec ...); Canonical maps them once so nothing
// downstream looks at field-name variants.
type RenderRequest struct {
	JobName        string `json:"job_name"`
	Path           string `json:"path"`
	FolderName     string `json:"folder_name"`
	Bucket         string `json:"bucket"`
	IdempotencyKey string `json:"idempotency_key"`

	Header       string      `json:"header"`
	HeaderText   string      `json:"header_text"`
	Footer       string      `json:"footer"`
	FooterText   string      `json:"footer_text"`
	HeaderWindow *TimeWindow `json:"header_window"`
	FooterWindow *TimeWindow `json:"footer_window"`

	Subtitles          *bool `json:"subtitles"`
	SecondarySubtitles *bool `json:"secondary_subtitles"`

	BGMURL        string   `json:"bgm_url"`
	MusicURL      string   `json:"music_url"`
	BGMVolume     *float64 `json:"bgm_volume"`
	UseDefaultBGM bool     `json:"use_default_bgm"`
	Ducking       bool     `json:"ducking"`

	Width  int `json:"width"`
	Height int `json:"height"`
	FPS    int `json:"fps"`

	EffectMode string `json:"effect_mode"`
	Effect     string `json:"effect"`
	Seed       string `json:"seed"`

	Scenes []RawScene `json:"scenes"`
	Clips  []RawScene `json:"clips"`
}

// RawScene accepts every scene shape seen from upstream generators. Index is
// optional; without it a scene is numbered by its 1-based position.
type RawScene struct {
	Index *int `json:"index"`

	Narration string    `json:"narration"`
	Script    string    `json:"script"`
	Text      string    `json:"text"`
	Answer    string    `json:"answer"`
	Dialogue  *Dialogue `json:"dialogue"`

	Translation string `json:"translation"`
	SubtitleEN  string `json:"subtitle_en"`

	Duration    *float64 `json:"duration"`
	DurationSec *float64 `json:"duration_sec"`

	VideoURL string `json:"video_url"`
	ClipURL  string `json:"clip_url"`
	ImageURL string `json:"image_url"`

	Effect string `json:"effect"`
	Motion string `json:"motion"`

	AudioURL string `json:"audio_url"`
	VoiceURL string `json:"voice_url"`

	Speaker string `json:"speaker"`
	Role    string `json:"role"`

	UseClipAudio bool `json:"use_clip_audio"`
}

// Dialogue is the nested shape used by dialogue-style payloads.
type Dialogue struct {
	Script      string `json:"script"`
	Translation string `json:"translation"`
	Speaker     string `json:"speaker"`
}

// Canonical applies defaults to the request settings and maps every scene to
// a SceneInput. It never fails; validation happens on the result.
func (r *RenderRequest) Canonical(style string, defaults Settings) (Settings, []SceneInput) {
	s := defaults
	s.Style = style

	if r.Width > 0 {
		s.Width = r.Width
	}
	if r.Height > 0 {
		s.Height = r.Height
	}
	if r.FPS > 0 {
		s.FPS = r.FPS
	}

	s.Header = firstNonEmpty(r.Header, r.HeaderText)
	s.Footer = firstNonEmpty(r.Footer, r.FooterText)
	s.HeaderWindow = r.HeaderWindow
	s.FooterWindow = r.FooterWindow

	s.Subtitles = true
	if r.Subtitles != nil {
		s.Subtitles = *r.Subtitles
	}
	s.SecondarySubtitles = true
	if r.SecondarySubtitles != nil {
		s.SecondarySubtitles = *r.SecondarySubtitles
	}

	s.BGMURL = firstNonEmpty(r.BGMURL, r.MusicURL)
	if !r.UseDefaultBGM || s.BGMURL != "" {
		s.BGMPath = ""
	}
	if r.BGMVolume != nil {
		s.BGMVolume = *r.BGMVolume
	}
	s.Ducking = r.Ducking

	if mode := strings.TrimSpace(r.EffectMode); mode != "" {
		s.EffectMode = strings.ToLower(mode)
	}
	s.Effect = strings.TrimSpace(r.Effect)
	s.EffectSeed = r.Seed

	if r.Bucket != "" {
		s.Bucket = r.Bucket
	}
	s.Path = strings.Trim(firstNonEmpty(r.Path, r.FolderName), "/ ")
	s.JobName = strings.TrimSpace(r.JobName)

	raw := r.Scenes
	if len(raw) == 0 {
		raw = r.Clips
	}
	scenes := make([]SceneInput, len(raw))
	for i, rs := range raw {
		scenes[i] = rs.canonical(i)
	}
	return s, scenes
}

func (rs RawScene) canonical(order int) SceneInput {
	in := SceneInput{
		Index:        order + 1,
		Order:        order,
		Effect:       strings.TrimSpace(firstNonEmpty(rs.Effect, rs.Motion)),
		AudioURL:     strings.TrimSpace(firstNonEmpty(rs.AudioURL, rs.VoiceURL)),
		UseClipAudio: rs.UseClipAudio,
	}
	if rs.Index != nil {
		in.Index = *rs.Index
	}

	var dialogueScript, dialogueTranslation, dialogueSpeaker string
	if rs.Dialogue != nil {
		dialogueScript = rs.Dialogue.Script
		dialogueTranslation = rs.Dialogue.Translation
		dialogueSpeaker = rs.Dialogue.Speaker
	}
	in.Narration = strings.TrimSpace(firstNonEmpty(rs.Narration, rs.Script, dialogueScript, rs.Answer, rs.Text))
	in.Secondary = strings.TrimSpace(firstNonEmpty(rs.Translation, dialogueTranslation, rs.SubtitleEN))
	in.Speaker = strings.TrimSpace(firstNonEmpty(rs.Speaker, rs.Role, dialogueSpeaker))

	switch {
	case rs.Duration != nil:
		d := *rs.Duration
		in.Duration = &d
	case rs.DurationSec != nil:
		d := *rs.DurationSec
		in.Duration = &d
	}

	video := strings.TrimSpace(firstNonEmpty(rs.VideoURL, rs.ClipURL))
	image := strings.TrimSpace(rs.ImageURL)
	switch {
	case video != "" && image != "":
		// Both set is reported by validation; keep the video so the error names it.
		in.Source = Source{Kind: VisualVideo, URL: video}
		in.MultipleSources = true
	case video != "":
		in.Source = Source{Kind: VisualVideo, URL: video}
	case image != "":
		in.Source = Source{Kind: VisualImage, URL: image}
	}
	return in
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
