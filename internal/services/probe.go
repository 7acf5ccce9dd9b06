package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bobarin/renderd/internal/pkg/logger"
)

// MediaInfo is what the pipeline needs to know about a fetched file.
type MediaInfo struct {
	Duration   float64 // seconds
	Width      int
	Height     int
	FPS        float64
	PixFmt     string
	VideoCodec string
	SAR        string // sample aspect ratio as "num:den", empty when unreported
	HasVideo   bool
	HasAudio   bool
}

// Prober inspects media files.
type Prober interface {
	Probe(ctx context.Context, path string) (MediaInfo, error)
}

// FFprobeService shells out to ffprobe with JSON output.
type FFprobeService struct {
	bin string
	log *logger.Logger
}

func NewFFprobeService(bin string, log *logger.Logger) *FFprobeService {
	if bin == "" {
		bin = "ffprobe"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &FFprobeService{bin: bin, log: log.WithComponent("ffprobe")}
}

// Probe returns the format duration and the first video and audio streams.
func (s *FFprobeService) Probe(ctx context.Context, path string) (MediaInfo, error) {
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	cmd := exec.CommandContext(ctx, s.bin, args...)
	tail := newTailBuffer(1024)
	cmd.Stderr = tail
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return MediaInfo{}, ctx.Err()
		}
		return MediaInfo{}, fmt.Errorf("ffprobe failed: %w: %s", err, lastLine(tail.String()))
	}

	info, err := ParseProbe(output)
	if err != nil {
		return MediaInfo{}, err
	}
	s.log.Debug("probed", "path", path, "duration", info.Duration, "width", info.Width, "height", info.Height)
	return info, nil
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		PixFmt       string `json:"pix_fmt"`
		SAR          string `json:"sample_aspect_ratio"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
		Disposition  struct {
			AttachedPic int `json:"attached_pic"`
		} `json:"disposition"`
	} `json:"streams"`
}

// ParseProbe decodes ffprobe's JSON output.
func ParseProbe(data []byte) (MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return MediaInfo{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	var info MediaInfo
	info.Duration = parseSeconds(out.Format.Duration)

	for _, st := range out.Streams {
		switch st.CodecType {
		case "video":
			// Cover art in audio files is reported as a video stream.
			if info.HasVideo || st.Disposition.AttachedPic == 1 {
				continue
			}
			info.HasVideo = true
			info.Width = st.Width
			info.Height = st.Height
			info.PixFmt = st.PixFmt
			info.VideoCodec = st.CodecName
			info.SAR = st.SAR
			info.FPS = parseRate(st.AvgFrameRate)
			if info.FPS == 0 {
				info.FPS = parseRate(st.RFrameRate)
			}
			if info.Duration == 0 {
				info.Duration = parseSeconds(st.Duration)
			}
		case "audio":
			if !info.HasAudio {
				info.HasAudio = true
				if info.Duration == 0 {
					info.Duration = parseSeconds(st.Duration)
				}
			}
		}
	}

	if !info.HasVideo && !info.HasAudio {
		return MediaInfo{}, fmt.Errorf("no audio or video streams found")
	}
	return info, nil
}

func parseSeconds(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}

// parseRate turns "30000/1001" or "25" into frames per second.
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
