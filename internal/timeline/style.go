package timeline

import (
	"sort"
	"strings"

	"github.com/bobarin/renderd/internal/models"
)

// Style is the overlay layout of one render style. Sizes and margins are
// authored for a 1920px-tall canvas and scaled to the job's height.
type Style struct {
	Name string

	Header    models.OverlayStyle
	Footer    models.OverlayStyle
	Primary   models.OverlayStyle
	Secondary models.OverlayStyle

	HeaderAnchor    models.Anchor
	FooterAnchor    models.Anchor
	SubtitleAnchor  models.Anchor
	SecondaryAnchor models.Anchor
	SpeakerPrefix   bool // "Speaker: line" for dialogue payloads
}

const referenceHeight = 1920

var styles = map[string]Style{
	"shorts": {
		Name:            "shorts",
		Header:          models.OverlayStyle{Size: 76, Color: "FFFFFF", OutlineColor: "000000", Outline: 4, Bold: true, MarginV: 170, MarginH: 60},
		Footer:          models.OverlayStyle{Size: 54, Color: "FFFFFF", OutlineColor: "000000", Outline: 3, MarginV: 110, MarginH: 60},
		Primary:         models.OverlayStyle{Size: 64, Color: "FFFFFF", OutlineColor: "000000", Outline: 4, Bold: true, MarginV: 420, MarginH: 70},
		Secondary:       models.OverlayStyle{Size: 44, Color: "FFE066", OutlineColor: "000000", Outline: 3, MarginV: 340, MarginH: 70},
		HeaderAnchor:    models.AnchorTop,
		FooterAnchor:    models.AnchorBottom,
		SubtitleAnchor:  models.AnchorBottom,
		SecondaryAnchor: models.AnchorBottom,
	},
	"dialogue": {
		Name:            "dialogue",
		Header:          models.OverlayStyle{Size: 68, Color: "FFFFFF", BoxColor: "000000", BoxOpacity: 96, Outline: 12, Bold: true, MarginV: 150, MarginH: 60},
		Footer:          models.OverlayStyle{Size: 50, Color: "FFFFFF", OutlineColor: "000000", Outline: 3, MarginV: 100, MarginH: 60},
		Primary:         models.OverlayStyle{Size: 60, Color: "FFFFFF", BoxColor: "000000", BoxOpacity: 64, Outline: 10, MarginV: 460, MarginH: 80},
		Secondary:       models.OverlayStyle{Size: 42, Color: "9AE6FF", OutlineColor: "000000", Outline: 3, MarginV: 370, MarginH: 80},
		HeaderAnchor:    models.AnchorTop,
		FooterAnchor:    models.AnchorBottom,
		SubtitleAnchor:  models.AnchorBottom,
		SecondaryAnchor: models.AnchorBottom,
		SpeakerPrefix:   true,
	},
	"quiz": {
		Name:            "quiz",
		Header:          models.OverlayStyle{Size: 84, Color: "FFD400", OutlineColor: "000000", Outline: 5, Bold: true, MarginV: 200, MarginH: 60},
		Footer:          models.OverlayStyle{Size: 54, Color: "FFFFFF", OutlineColor: "000000", Outline: 3, MarginV: 110, MarginH: 60},
		Primary:         models.OverlayStyle{Size: 80, Color: "FFFFFF", BoxColor: "1E1E1E", BoxOpacity: 48, Outline: 14, Bold: true, MarginV: 0, MarginH: 90},
		Secondary:       models.OverlayStyle{Size: 48, Color: "FFFFFF", OutlineColor: "000000", Outline: 3, MarginV: 360, MarginH: 90},
		HeaderAnchor:    models.AnchorTop,
		FooterAnchor:    models.AnchorBottom,
		SubtitleAnchor:  models.AnchorCenter,
		SecondaryAnchor: models.AnchorBottom,
	},
}

// LookupStyle returns the named style with font applied and sizes scaled to
// height.
func LookupStyle(name, font string, height int) (Style, bool) {
	s, ok := styles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Style{}, false
	}
	scale := 1.0
	if height > 0 {
		scale = float64(height) / referenceHeight
	}
	s.Header = scaleStyle(s.Header, font, scale)
	s.Footer = scaleStyle(s.Footer, font, scale)
	s.Primary = scaleStyle(s.Primary, font, scale)
	s.Secondary = scaleStyle(s.Secondary, font, scale)
	return s, true
}

// StyleNames lists the known styles, sorted.
func StyleNames() []string {
	names := make([]string, 0, len(styles))
	for n := range styles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func scaleStyle(st models.OverlayStyle, font string, scale float64) models.OverlayStyle {
	st.Font = font
	st.Size = scaleInt(st.Size, scale)
	st.Outline = scaleInt(st.Outline, scale)
	st.MarginV = scaleInt(st.MarginV, scale)
	st.MarginH = scaleInt(st.MarginH, scale)
	return st
}

func scaleInt(v int, scale float64) int {
	return int(float64(v)*scale + 0.5)
}
