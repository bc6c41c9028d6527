package source

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// DefaultFPS is used whenever the source does not report a usable frame rate.
const DefaultFPS = 30.0

// Info is advisory metadata about a source. Frames is 0 when unknown.
type Info struct {
	FPS    float64
	Frames int
	Width  int
	Height int
}

// probeTimeout bounds ffprobe; a stuck probe must not block streaming.
const probeTimeout = 10 * time.Second

// Probe reads frame rate and frame count for file sources. Cameras are not probed
// because opening the device twice can fail. On any failure the defaults are returned
// together with the error so the caller can warn and keep going.
func Probe(ctx context.Context, spec Spec) (Info, error) {
	def := Info{FPS: DefaultFPS}
	if spec.IsCam {
		return def, nil
	}
	if err := ctx.Err(); err != nil {
		return def, err
	}

	out, err := ffmpeg.ProbeWithTimeout(spec.Path, probeTimeout, ffmpeg.KwArgs{"select_streams": "v:0"})
	if err != nil {
		return def, fmt.Errorf("ffprobe: %w", err)
	}
	return parseProbe(out)
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// parseProbe extracts Info from ffprobe JSON. Missing values fall back to defaults.
func parseProbe(raw string) (Info, error) {
	info := Info{FPS: DefaultFPS}

	var res probeOutput
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return info, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}

	for _, st := range res.Streams {
		if st.CodecType != "" && st.CodecType != "video" {
			continue
		}
		info.Width, info.Height = st.Width, st.Height

		// 1. Frame rate: average first, then the container's nominal rate
		if fps := parseRate(st.AvgFrameRate); fps > 0 {
			info.FPS = fps
		} else if fps := parseRate(st.RFrameRate); fps > 0 {
			info.FPS = fps
		}

		// 2. Fast Path: container metadata
		if n, err := strconv.Atoi(st.NbFrames); err == nil && n > 0 {
			info.Frames = n
			return info, nil
		}

		// 3. Estimate from duration when the container has no frame count
		dur := parseFloat(st.Duration)
		if dur <= 0 {
			dur = parseFloat(res.Format.Duration)
		}
		if dur > 0 {
			info.Frames = int(math.Round(dur * info.FPS))
		}
		return info, nil
	}
	return info, fmt.Errorf("no video stream found")
}

// parseRate converts "30000/1001" or "25" into frames per second. Invalid input yields 0.
func parseRate(s string) float64 {
	if s == "" {
		return 0
	}
	num, den, found := strings.Cut(s, "/")
	n := parseFloat(num)
	if !found {
		return n
	}
	d := parseFloat(den)
	if d == 0 {
		return 0
	}
	return n / d
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return f
}
