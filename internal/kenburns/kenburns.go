// Package kenburns turns a still image into motion: a per-frame crop window
// (zoom + position) interpolated over the scene and clamped to the source.
// The same math is emitted as a zoompan filter so the Go model and the
// rendered frames agree.
package kenburns

import (
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
)

// Effect names a motion variant.
type Effect string

const (
	EffectZoomIn         Effect = "zoom_in"           // push in toward center
	EffectZoomOut        Effect = "zoom_out"          // start tight, pull back wide
	EffectPanDown        Effect = "pan_down"          // drift top to bottom with a slow zoom
	EffectPanLeftToRight Effect = "pan_left_to_right" // drift left to right
	EffectFace           Effect = "face"              // zoom toward the upper third
	EffectPanUp          Effect = "pan_up"            // drift bottom to top
	EffectPanRightToLeft Effect = "pan_right_to_left" // drift right to left
)

// Catalog is the pool used by random and cycle selection, in a fixed order.
var Catalog = []Effect{
	EffectZoomIn,
	EffectZoomOut,
	EffectPanDown,
	EffectPanLeftToRight,
	EffectFace,
	EffectPanUp,
	EffectPanRightToLeft,
}

var aliases = map[string]Effect{
	"zoom-in":             EffectZoomIn,
	"zoomin":              EffectZoomIn,
	"zoom-out":            EffectZoomOut,
	"zoomout":             EffectZoomOut,
	"pan-down":            EffectPanDown,
	"pan_right":           EffectPanLeftToRight,
	"pan-left-to-right":   EffectPanLeftToRight,
	"zoom_to_upper_third": EffectFace,
	"upper_third":         EffectFace,
	"pan-up":              EffectPanUp,
	"pan_left":            EffectPanRightToLeft,
	"pan-right-to-left":   EffectPanRightToLeft,
}

// Mode controls how a scene without an explicit effect gets one.
type Mode string

const (
	ModeRandom Mode = "random" // seeded hash of the scene index
	ModeCycle  Mode = "cycle"  // index modulo catalog
	ModeFixed  Mode = "fixed"  // one named effect for every scene
)

// ParseMode validates a mode string. Empty means random.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeRandom:
		return ModeRandom, nil
	case ModeCycle:
		return ModeCycle, nil
	case ModeFixed:
		return ModeFixed, nil
	default:
		return "", fmt.Errorf("unknown effect mode %q", s)
	}
}

// ParseEffect resolves a name or alias to a catalog effect.
func ParseEffect(s string) (Effect, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, e := range Catalog {
		if string(e) == name {
			return e, nil
		}
	}
	if e, ok := aliases[name]; ok {
		return e, nil
	}
	return "", fmt.Errorf("unknown effect %q", s)
}

// EffectFor picks the effect for a scene. It is a pure function of its
// arguments: the same index, catalog, mode and seed always give the same
// effect. ModeFixed is resolved by Select and falls back to random here.
func EffectFor(sceneIndex int, catalog []Effect, mode Mode, seed string) Effect {
	n := len(catalog)
	if n == 0 {
		return EffectZoomIn
	}
	if mode == ModeCycle {
		return catalog[((sceneIndex%n)+n)%n]
	}
	h := fnv.New64a()
	h.Write([]byte(seed))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(sceneIndex)))
	return catalog[h.Sum64()%uint64(n)]
}

// Select resolves the effect of one scene: a per-scene override wins, then
// the job's fixed effect, then EffectFor. An override of "random" or "cycle"
// applies that mode to this scene only.
func Select(override, fixed string, mode Mode, seed string, sceneIndex int) (Effect, error) {
	if o := strings.TrimSpace(override); o != "" {
		if m, err := ParseMode(o); err == nil && m != ModeFixed {
			return EffectFor(sceneIndex, Catalog, m, seed), nil
		}
		return ParseEffect(o)
	}
	if mode == ModeFixed {
		return ParseEffect(fixed)
	}
	return EffectFor(sceneIndex, Catalog, mode, seed), nil
}

// Motion is the parametric path of an effect. Positions are fractions of the
// available travel (source minus window) so 0 is left/top, 1 right/bottom.
type Motion struct {
	ZoomStart, ZoomEnd float64
	PXStart, PXEnd     float64
	PYStart, PYEnd     float64
	// Breath adds a small sinusoidal zoom pulse (amplitude, radians/frame).
	BreathAmp, BreathFreq float64
}

var motions = map[Effect]Motion{
	EffectZoomIn:         {ZoomStart: 1.0, ZoomEnd: 1.3, PXStart: 0.5, PXEnd: 0.5, PYStart: 0.5, PYEnd: 0.5},
	EffectZoomOut:        {ZoomStart: 1.3, ZoomEnd: 1.0, PXStart: 0.5, PXEnd: 0.5, PYStart: 0.5, PYEnd: 0.5},
	EffectPanDown:        {ZoomStart: 1.2, ZoomEnd: 1.3, PXStart: 0.5, PXEnd: 0.5, PYStart: 0, PYEnd: 1},
	EffectPanLeftToRight: {ZoomStart: 1.25, ZoomEnd: 1.25, PXStart: 0, PXEnd: 1, PYStart: 0.5, PYEnd: 0.5},
	EffectFace:           {ZoomStart: 1.0, ZoomEnd: 1.4, PXStart: 0.5, PXEnd: 0.5, PYStart: 0.5, PYEnd: 0.0, BreathAmp: 0.02, BreathFreq: 0.12},
	EffectPanUp:          {ZoomStart: 1.25, ZoomEnd: 1.25, PXStart: 0.5, PXEnd: 0.5, PYStart: 1, PYEnd: 0},
	EffectPanRightToLeft: {ZoomStart: 1.25, ZoomEnd: 1.25, PXStart: 1, PXEnd: 0, PYStart: 0.5, PYEnd: 0.5},
}

// MotionFor returns the path of e. Unknown effects get the zoom-in path.
func MotionFor(e Effect) Motion {
	if m, ok := motions[e]; ok {
		return m
	}
	return motions[EffectZoomIn]
}

// Window is the crop rectangle in source pixels for one frame.
type Window struct {
	X, Y, W, H float64
	Zoom       float64
}

// CenterX returns the horizontal center of the window.
func (w Window) CenterX() float64 { return w.X + w.W/2 }

// CenterY returns the vertical center of the window.
func (w Window) CenterY() float64 { return w.Y + w.H/2 }

// Path is an effect bound to a source size and frame count.
type Path struct {
	Effect     Effect
	Motion     Motion
	SrcW, SrcH float64
	Frames     int
}

// NewPath binds e to a prescaled source of srcW x srcH for the given number
// of frames (at least 1).
func NewPath(e Effect, srcW, srcH, frames int) Path {
	if frames < 1 {
		frames = 1
	}
	return Path{Effect: e, Motion: MotionFor(e), SrcW: float64(srcW), SrcH: float64(srcH), Frames: frames}
}

// Frames returns round(seconds * fps), at least 1.
func Frames(seconds float64, fps int) int {
	n := int(math.Round(seconds * float64(fps)))
	if n < 1 {
		return 1
	}
	return n
}

func (p Path) denom() float64 {
	if p.Frames <= 1 {
		return 1
	}
	return float64(p.Frames - 1)
}

// Zoom returns the zoom factor at frame n, never below 1.
func (p Path) Zoom(n int) float64 {
	t := float64(n) / p.denom()
	z := p.Motion.ZoomStart + (p.Motion.ZoomEnd-p.Motion.ZoomStart)*t
	if p.Motion.BreathAmp != 0 {
		z += p.Motion.BreathAmp * math.Sin(float64(n)*p.Motion.BreathFreq)
	}
	return math.Max(1, z)
}

// Window returns the crop window at frame n, clamped to the source.
func (p Path) Window(n int) Window {
	if n < 0 {
		n = 0
	}
	if n > p.Frames-1 {
		n = p.Frames - 1
	}
	t := float64(n) / p.denom()
	z := p.Zoom(n)
	w := p.SrcW / z
	h := p.SrcH / z
	px := clamp01(p.Motion.PXStart + (p.Motion.PXEnd-p.Motion.PXStart)*t)
	py := clamp01(p.Motion.PYStart + (p.Motion.PYEnd-p.Motion.PYStart)*t)
	return Window{
		X:    clamp(px*(p.SrcW-w), 0, p.SrcW-w),
		Y:    clamp(py*(p.SrcH-h), 0, p.SrcH-h),
		W:    w,
		H:    h,
		Zoom: z,
	}
}

// Filter returns the zoompan filter producing this path at outW x outH and
// fps. The input is expected to be prescaled to SrcW x SrcH.
func (p Path) Filter(outW, outH, fps int) string {
	d := formatFloat(p.denom())
	m := p.Motion

	zExpr := formatFloat(m.ZoomStart) + term(m.ZoomEnd-m.ZoomStart, d)
	if m.BreathAmp != 0 {
		zExpr += fmt.Sprintf("+%s*sin(on*%s)", formatFloat(m.BreathAmp), formatFloat(m.BreathFreq))
	}
	zExpr = "max(1," + zExpr + ")"

	xExpr := fmt.Sprintf("clip(%s%s,0,1)*(iw-iw/zoom)", formatFloat(m.PXStart), term(m.PXEnd-m.PXStart, d))
	yExpr := fmt.Sprintf("clip(%s%s,0,1)*(ih-ih/zoom)", formatFloat(m.PYStart), term(m.PYEnd-m.PYStart, d))

	return fmt.Sprintf("zoompan=z='%s':x='%s':y='%s':d=%d:s=%dx%d:fps=%d",
		zExpr, xExpr, yExpr, p.Frames, outW, outH, fps)
}

// Chain is the full still-image filter: cover-scale to the oversampled
// canvas, crop, then zoompan down to the output size.
func Chain(e Effect, seconds float64, outW, outH, fps, oversample int) string {
	if oversample < 1 {
		oversample = 1
	}
	cw, ch := outW*oversample, outH*oversample
	p := NewPath(e, cw, ch, Frames(seconds, fps))
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,setsar=1,%s,format=yuv420p",
		cw, ch, cw, ch, p.Filter(outW, outH, fps))
}

// term renders "+delta*on/d" with the sign folded in, or nothing for a
// constant.
func term(delta float64, d string) string {
	switch {
	case delta == 0:
		return ""
	case delta < 0:
		return fmt.Sprintf("-%s*on/%s", formatFloat(-delta), d)
	default:
		return fmt.Sprintf("+%s*on/%s", formatFloat(delta), d)
	}
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		hi = lo
	}
	return math.Min(math.Max(v, lo), hi)
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }

// formatFloat prints f with at most six decimals so float noise such as
// 0.30000000000000004 never reaches the filter string.
func formatFloat(f float64) string {
	return strconv.FormatFloat(math.Round(f*1e6)/1e6, 'f', -1, 64)
}
