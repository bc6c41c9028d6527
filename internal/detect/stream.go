package detect

import (
	"context"
	"errors"
	"image"
	"io"

	"github.com/andresmejia3/headcount/internal/types"
)

// Frames is a pull-based sequence of decoded frames. Next returns io.EOF when exhausted.
// Errors wrapping types.ErrDecode are per-frame; the sequence stays usable after them.
type Frames interface {
	Next(ctx context.Context) (image.Image, error)
}

// Stream lazily pairs each source frame with its detection result.
// Nothing is read until Next is called, and each call processes exactly one frame.
type Stream struct {
	adapter *Adapter
	frames  Frames
	index   int
	done    bool
}

// Stream returns a lazy detection sequence over frames.
func (a *Adapter) Stream(frames Frames) *Stream {
	return &Stream{adapter: a, frames: frames}
}

// Next returns the result for the next frame in source order.
// It returns io.EOF after the last frame. Per-frame failures are returned as
// errors wrapping types.ErrDecode or types.ErrDetection; the caller may keep calling Next.
// For detection failures the result carries Index and Source.
func (s *Stream) Next(ctx context.Context) (types.FrameResult, error) {
	if s.done {
		return types.FrameResult{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return types.FrameResult{}, err
	}

	img, err := s.frames.Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.done = true
			return types.FrameResult{}, io.EOF
		}
		if errors.Is(err, types.ErrDecode) {
			idx := s.index
			s.index++
			return types.FrameResult{Index: idx}, err
		}
		s.done = true
		return types.FrameResult{}, err
	}

	idx := s.index
	s.index++

	res, err := s.adapter.Detect(ctx, img)
	res.Index = idx
	return res, err
}
