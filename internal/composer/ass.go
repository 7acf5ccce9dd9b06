package composer

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/bobarin/renderd/internal/models"
)

// ---------------------------------------------------------------------------
// ASS overlay script
//
// Every text overlay (header, footer, subtitles) is one Dialogue event. The
// event's Layer carries the z-order and its Start/End the overlay window, so
// libass draws each text only inside its own window.
// ---------------------------------------------------------------------------

// ASS alignment uses numpad positions.
var alignment = map[models.Anchor]int{
	models.AnchorBottom: 2,
	models.AnchorCenter: 5,
	models.AnchorTop:    8,
}

var styleOrder = []models.OverlayKind{
	models.OverlayHeader,
	models.OverlayFooter,
	models.OverlaySubtitlePrimary,
	models.OverlaySubtitleSecondary,
}

// WriteASS writes the overlay script for spec to path.
func WriteASS(path string, spec models.RenderSpec) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create ASS file: %w", err)
	}
	if err := RenderASS(f, spec); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// RenderASS writes the script for spec's overlays to w.
func RenderASS(w io.Writer, spec models.RenderSpec) error {
	var sb strings.Builder

	sb.WriteString("[Script Info]\n")
	sb.WriteString("ScriptType: v4.00+\n")
	fmt.Fprintf(&sb, "PlayResX: %d\n", spec.Output.Width)
	fmt.Fprintf(&sb, "PlayResY: %d\n", spec.Output.Height)
	sb.WriteString("WrapStyle: 0\n")
	sb.WriteString("ScaledBorderAndShadow: yes\n")
	sb.WriteString("YCbCr Matrix: TV.709\n\n")

	sb.WriteString("[V4+ Styles]\n")
	sb.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	for _, kind := range styleOrder {
		for _, o := range spec.Overlays {
			if o.Kind == kind {
				sb.WriteString(styleLine(kind, o))
				break
			}
		}
	}
	sb.WriteString("\n")

	sb.WriteString("[Events]\n")
	sb.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")
	for _, o := range spec.Overlays {
		fmt.Fprintf(&sb, "Dialogue: %d,%s,%s,%s,,0,0,0,,%s\n",
			o.Layer, formatASSTime(o.Start), formatASSTime(o.End()), o.Kind, escapeText(o.Text))
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

func styleLine(kind models.OverlayKind, o models.OverlayElement) string {
	st := o.Style
	bold := 0
	if st.Bold {
		bold = -1
	}

	borderStyle := 1
	outlineColour := assColor(st.OutlineColor, 0)
	if st.BoxColor != "" {
		// BorderStyle 3 draws an opaque box in OutlineColour.
		borderStyle = 3
		outlineColour = assColor(st.BoxColor, st.BoxOpacity)
	}

	align, ok := alignment[o.Anchor]
	if !ok {
		align = 2
	}
	marginV := st.MarginV
	if o.Anchor == models.AnchorCenter {
		marginV = 0
	}

	return fmt.Sprintf("Style: %s,%s,%d,%s,%s,%s,%s,%d,0,0,0,100,100,0,0,%d,%d,0,%d,%d,%d,%d,1\n",
		kind, st.Font, st.Size,
		assColor(st.Color, 0), assColor(st.Color, 0), outlineColour, assColor("000000", 128),
		bold, borderStyle, st.Outline, align, st.MarginH, st.MarginH, marginV)
}

// assColor converts RRGGBB plus alpha (0 opaque, 255 transparent) to
// &HAABBGGRR.
func assColor(rgb string, alpha int) string {
	rgb = strings.TrimPrefix(strings.TrimSpace(rgb), "#")
	if len(rgb) != 6 {
		rgb = "000000"
	}
	alpha = max(0, min(255, alpha))
	return fmt.Sprintf("&H%02X%s%s%s", alpha, strings.ToUpper(rgb[4:6]), strings.ToUpper(rgb[2:4]), strings.ToUpper(rgb[0:2]))
}

// escapeText keeps caller text from being read as override tags.
func escapeText(s string) string {
	r := strings.NewReplacer(
		"\r\n", `\N`,
		"\n", `\N`,
		"\r", "",
		`\`, "＼",
		"{", "｛",
		"}", "｝",
	)
	return r.Replace(s)
}

// formatASSTime converts seconds to H:MM:SS.CC, rounded to centiseconds.
func formatASSTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	cs := int64(math.Round(seconds * 100))
	hours := cs / 360000
	minutes := (cs % 360000) / 6000
	secs := (cs % 6000) / 100
	return fmt.Sprintf("%d:%02d:%02d.%02d", hours, minutes, secs, cs%100)
}
