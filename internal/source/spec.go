package source

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// ErrSourceNotFound is returned when a file or camera source does not exist.
var ErrSourceNotFound = errors.New("source not found")

// videoDevice is the V4L2 device node for a camera index on Linux.
var videoDevice = "/dev/video%d"

// Spec identifies where frames come from: a file path or a camera index.
type Spec struct {
	Path   string
	Camera int
	IsCam  bool
}

// ParseSpec interprets s. An all-digit string is a camera index; anything else must be
// an existing regular file. The existence check runs before any model work. On Linux the
// camera's device node must exist too; elsewhere a missing camera surfaces on the first read.
func ParseSpec(s string) (Spec, error) {
	if s == "" {
		return Spec{}, fmt.Errorf("source is required")
	}
	if isDigits(s) {
		idx, err := strconv.Atoi(s)
		if err != nil {
			return Spec{}, fmt.Errorf("invalid camera index %q: %w", s, err)
		}
		if runtime.GOOS == "linux" {
			dev := fmt.Sprintf(videoDevice, idx)
			if _, err := os.Stat(dev); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return Spec{}, fmt.Errorf("%w: camera %d (%s)", ErrSourceNotFound, idx, dev)
				}
				return Spec{}, fmt.Errorf("stat camera: %w", err)
			}
		}
		return Spec{Camera: idx, IsCam: true}, nil
	}

	info, err := os.Stat(s)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Spec{}, fmt.Errorf("%w: %s", ErrSourceNotFound, s)
		}
		return Spec{}, fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return Spec{}, fmt.Errorf("source %s is a directory", s)
	}
	return Spec{Path: s}, nil
}

// String renders the spec the way the user typed it.
func (s Spec) String() string {
	if s.IsCam {
		return strconv.Itoa(s.Camera)
	}
	return s.Path
}

// ffmpegInput maps the spec to an ffmpeg input name plus demuxer options.
func (s Spec) ffmpegInput() (string, map[string]interface{}, error) {
	if !s.IsCam {
		return s.Path, map[string]interface{}{}, nil
	}
	switch runtime.GOOS {
	case "linux":
		return fmt.Sprintf(videoDevice, s.Camera), map[string]interface{}{"f": "v4l2"}, nil
	case "darwin":
		return strconv.Itoa(s.Camera), map[string]interface{}{"f": "avfoundation", "framerate": "30"}, nil
	default:
		return "", nil, fmt.Errorf("camera capture is not supported on %s", runtime.GOOS)
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
