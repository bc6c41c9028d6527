package video

import (
	"errors"
	"image"
	"testing"

	"github.com/andresmejia3/headcount/internal/types"
)

type fakeEncoder struct {
	frames int
	closes int
	fail   error
}

func (f *fakeEncoder) Encode(image.Image) error {
	if f.fail != nil {
		return f.fail
	}
	f.frames++
	return nil
}

func (f *fakeEncoder) Close() error {
	f.closes++
	return nil
}

type recordingFactory struct {
	opens []image.Point
	enc   *fakeEncoder
	err   error
}

func (r *recordingFactory) open(path string, w, h int, fps float64) (Encoder, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.opens = append(r.opens, image.Pt(w, h))
	r.enc = &fakeEncoder{}
	return r.enc, nil
}

func frame(w, h int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func TestWriterLifecycle(t *testing.T) {
	f := &recordingFactory{}
	w := NewWriter("out.mp4", 30, f.open)

	if w.State() != Unopened || w.IsOpen() {
		t.Fatalf("new writer should be unopened, got %v", w.State())
	}

	if err := w.Write(frame(64, 48)); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if w.State() != Open || w.Size() != image.Pt(64, 48) {
		t.Fatalf("writer should be open at 64x48, got %v %v", w.State(), w.Size())
	}

	for i := 0; i < 4; i++ {
		if err := w.Write(frame(64, 48)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if len(f.opens) != 1 {
		t.Errorf("encoder opened %d times, want 1", len(f.opens))
	}
	if w.Frames() != 5 || f.enc.frames != 5 {
		t.Errorf("frames = %d/%d, want 5", w.Frames(), f.enc.frames)
	}

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if f.enc.closes != 1 {
		t.Errorf("encoder closed %d times, want exactly 1", f.enc.closes)
	}
	if err := w.Write(frame(64, 48)); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("write after close: got %v", err)
	}
}

func TestWriterZeroFrames(t *testing.T) {
	f := &recordingFactory{}
	w := NewWriter("out.mp4", 30, f.open)

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if len(f.opens) != 0 {
		t.Error("closing an unopened writer must not create an encoder")
	}
	if w.State() != Closed {
		t.Errorf("state = %v, want closed", w.State())
	}
}

func TestWriterDimensionMismatch(t *testing.T) {
	f := &recordingFactory{}
	w := NewWriter("out.mp4", 30, f.open)

	w.Write(frame(64, 48))
	err := w.Write(frame(32, 32))
	if !errors.Is(err, ErrDimensionMismatch) || !errors.Is(err, types.ErrEncode) {
		t.Fatalf("expected dimension mismatch encode error, got %v", err)
	}

	// The writer stays usable for matching frames
	if err := w.Write(frame(64, 48)); err != nil {
		t.Fatalf("matching frame after mismatch: %v", err)
	}
	if w.Frames() != 2 || len(f.opens) != 1 {
		t.Errorf("frames = %d opens = %d", w.Frames(), len(f.opens))
	}
}

func TestWriterOpenFailure(t *testing.T) {
	f := &recordingFactory{err: errors.New("no ffmpeg")}
	w := NewWriter("out.mp4", 30, f.open)

	err := w.Write(frame(8, 8))
	if !errors.Is(err, types.ErrEncode) {
		t.Fatalf("expected encode error, got %v", err)
	}
	if w.State() != Unopened {
		t.Errorf("failed open should leave writer unopened, got %v", w.State())
	}
	if err := w.Close(); err != nil {
		t.Errorf("close after failed open: %v", err)
	}
}

func TestWriterEncodeFailure(t *testing.T) {
	f := &recordingFactory{}
	w := NewWriter("out.mp4", 30, f.open)
	w.Write(frame(8, 8))

	f.enc.fail = errors.New("broken pipe")
	if err := w.Write(frame(8, 8)); !errors.Is(err, types.ErrEncode) {
		t.Fatalf("expected encode error, got %v", err)
	}
	if w.Frames() != 1 {
		t.Errorf("failed frame must not be counted, frames = %d", w.Frames())
	}
}
