package video

import (
	"errors"
	"fmt"
	"image"

	"github.com/andresmejia3/headcount/internal/types"
)

var (
	// ErrDimensionMismatch is returned for a frame whose size differs from the first frame.
	ErrDimensionMismatch = fmt.Errorf("%w: frame dimensions differ from output", types.ErrEncode)
	// ErrWriterClosed is returned by Write after Close.
	ErrWriterClosed = errors.New("writer is closed")
)

// State is the lifecycle position of a Writer.
type State int

const (
	Unopened State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

// Encoder receives frames of a fixed size and finalizes the file on Close.
type Encoder interface {
	Encode(img image.Image) error
	Close() error
}

// EncoderFactory opens an encoder for a file of the given frame size.
type EncoderFactory func(path string, width, height int, fps float64) (Encoder, error)

// Writer opens its encoder lazily with the dimensions of the first frame
// and never reopens it. An unopened writer produces no file.
type Writer struct {
	path    string
	fps     float64
	factory EncoderFactory

	enc    Encoder
	size   image.Point
	state  State
	frames int
}

// NewWriter returns an Unopened writer. Nothing touches the filesystem until the first Write.
func NewWriter(path string, fps float64, factory EncoderFactory) *Writer {
	return &Writer{path: path, fps: fps, factory: factory}
}

// Write appends one frame, opening the encoder on the first call.
// A frame with a different size is rejected with ErrDimensionMismatch and the writer stays open.
func (w *Writer) Write(img image.Image) error {
	size := img.Bounds().Size()

	switch w.state {
	case Closed:
		return ErrWriterClosed
	case Unopened:
		if size.X <= 0 || size.Y <= 0 {
			return fmt.Errorf("%w: empty frame", types.ErrEncode)
		}
		enc, err := w.factory(w.path, size.X, size.Y, w.fps)
		if err != nil {
			return fmt.Errorf("%w: open %s: %v", types.ErrEncode, w.path, err)
		}
		w.enc = enc
		w.size = size
		w.state = Open
	case Open:
		if size != w.size {
			return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrDimensionMismatch, size.X, size.Y, w.size.X, w.size.Y)
		}
	}

	if err := w.enc.Encode(img); err != nil {
		return fmt.Errorf("%w: %v", types.ErrEncode, err)
	}
	w.frames++
	return nil
}

// Close finalizes the output. The encoder is closed exactly once; repeated calls return nil.
func (w *Writer) Close() error {
	prev := w.state
	w.state = Closed
	if prev != Open {
		return nil
	}
	return w.enc.Close()
}

// IsOpen reports whether the encoder has been opened.
func (w *Writer) IsOpen() bool { return w.state == Open }

// State returns the current lifecycle state.
func (w *Writer) State() State { return w.state }

// Frames returns how many frames were accepted.
func (w *Writer) Frames() int { return w.frames }

// Size returns the locked frame size, zero until opened.
func (w *Writer) Size() image.Point { return w.size }

// Path returns the output path.
func (w *Writer) Path() string { return w.path }
