package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"testing"

	"github.com/andresmejia3/headcount/internal/types"
)

// stubDetector returns canned detections per call and records the params it saw.
type stubDetector struct {
	perCall [][]types.Detection
	errAt   map[int]error
	calls   int
	params  []Params
}

func (s *stubDetector) Name() string { return "stub.pt" }

func (s *stubDetector) Detect(_ context.Context, _ image.Image, p Params) ([]types.Detection, error) {
	i := s.calls
	s.calls++
	s.params = append(s.params, p)
	if err := s.errAt[i]; err != nil {
		return nil, err
	}
	if i < len(s.perCall) {
		return s.perCall[i], nil
	}
	return nil, nil
}

func person(conf float64) types.Detection {
	return types.Detection{Box: types.Box{X1: 2, Y1: 2, X2: 10, Y2: 12}, Confidence: conf, ClassID: 0, ClassName: "person"}
}

func solid(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x20
	}
	return img
}

func TestNewAdapter(t *testing.T) {
	tests := []struct {
		name    string
		conf    float64
		wantErr bool
	}{
		{"Default", DefaultConfidence, false},
		{"Zero", 0, false},
		{"One", 1, false},
		{"Negative", -0.1, true},
		{"Too high", 1.5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAdapter(&stubDetector{}, tt.conf, "")
			if (err != nil) != tt.wantErr {
				t.Errorf("NewAdapter(%v) error = %v, wantErr %v", tt.conf, err, tt.wantErr)
			}
		})
	}

	if _, err := NewAdapter(nil, 0.3, ""); err == nil {
		t.Error("expected error for nil detector")
	}
}

func TestAdapterDetect_FiltersToPersons(t *testing.T) {
	stub := &stubDetector{perCall: [][]types.Detection{{
		person(0.9),
		person(0.31),
		person(0.29), // below threshold
		{Box: types.Box{X1: 1, Y1: 1, X2: 5, Y2: 5}, Confidence: 0.95, ClassID: 2, ClassName: "car"},
		{Box: types.Box{X1: 5, Y1: 5, X2: 5, Y2: 9}, Confidence: 0.8, ClassID: 0}, // zero width
	}}}

	a, err := NewAdapter(stub, 0.3, "cpu")
	if err != nil {
		t.Fatal(err)
	}

	src := solid(32, 24)
	res, err := a.Detect(context.Background(), src)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	if res.PersonCount != 2 {
		t.Errorf("PersonCount = %d, want 2", res.PersonCount)
	}
	if res.PersonCount != types.CountPersons(res.Detections) {
		t.Error("PersonCount disagrees with detections")
	}
	for _, d := range res.Detections {
		if d.ClassID != types.PersonClassID || d.Confidence < 0.3 {
			t.Errorf("unexpected detection survived filter: %+v", d)
		}
	}
	if res.Annotated.Bounds().Size() != src.Bounds().Size() {
		t.Errorf("annotated size %v != source size %v", res.Annotated.Bounds().Size(), src.Bounds().Size())
	}

	p := stub.params[0]
	if p.Confidence != 0.3 || p.Device != "cpu" || len(p.Classes) != 1 || p.Classes[0] != types.PersonClassID {
		t.Errorf("params not passed through: %+v", p)
	}
}

func TestAdapterDetect_Errors(t *testing.T) {
	stub := &stubDetector{errAt: map[int]error{0: errors.New("cuda out of memory")}}
	a, _ := NewAdapter(stub, 0.3, "")

	src := solid(8, 8)
	res, err := a.Detect(context.Background(), src)
	if !errors.Is(err, types.ErrDetection) {
		t.Fatalf("expected ErrDetection, got %v", err)
	}
	if res.Source != src {
		t.Error("source frame must be kept on detection failure")
	}

	_, err = a.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 0, 0)))
	if !errors.Is(err, types.ErrDecode) {
		t.Errorf("expected ErrDecode for empty frame, got %v", err)
	}
}

// sliceFrames feeds a fixed list; a nil entry simulates an undecodable frame.
type sliceFrames struct {
	imgs []image.Image
	pos  int
}

func (f *sliceFrames) Next(_ context.Context) (image.Image, error) {
	if f.pos >= len(f.imgs) {
		return nil, io.EOF
	}
	img := f.imgs[f.pos]
	f.pos++
	if img == nil {
		return nil, fmt.Errorf("%w: corrupt jpeg", types.ErrDecode)
	}
	return img, nil
}

func TestStream(t *testing.T) {
	stub := &stubDetector{
		perCall: [][]types.Detection{{person(0.9)}, {person(0.9), person(0.8)}, nil},
		errAt:   map[int]error{2: errors.New("boom")},
	}
	a, _ := NewAdapter(stub, 0.3, "")

	frames := &sliceFrames{imgs: []image.Image{solid(16, 16), nil, solid(16, 16), solid(16, 16)}}
	s := a.Stream(frames)

	if stub.calls != 0 || frames.pos != 0 {
		t.Fatal("stream must not read before Next is called")
	}

	ctx := context.Background()

	r0, err := s.Next(ctx)
	if err != nil || r0.Index != 0 || r0.PersonCount != 1 {
		t.Fatalf("frame 0: %+v, %v", r0, err)
	}

	r1, err := s.Next(ctx)
	if !errors.Is(err, types.ErrDecode) || r1.Index != 1 {
		t.Fatalf("frame 1: expected decode error, got %v (index %d)", err, r1.Index)
	}

	r2, err := s.Next(ctx)
	if err != nil || r2.Index != 2 || r2.PersonCount != 2 {
		t.Fatalf("frame 2: %+v, %v", r2, err)
	}

	r3, err := s.Next(ctx)
	if !errors.Is(err, types.ErrDetection) || r3.Index != 3 || r3.Source == nil {
		t.Fatalf("frame 3: expected detection error with source, got %v", err)
	}

	if _, err := s.Next(ctx); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if _, err := s.Next(ctx); err != io.EOF {
		t.Fatalf("expected io.EOF to be sticky, got %v", err)
	}
}

func TestStream_Cancelled(t *testing.T) {
	a, _ := NewAdapter(&stubDetector{}, 0.3, "")
	s := a.Stream(&sliceFrames{imgs: []image.Image{solid(4, 4)}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestOverlay(t *testing.T) {
	src := solid(40, 30)
	dets := []types.Detection{person(0.87)}

	out := Overlay(src, dets)
	if out.Bounds().Dx() != 40 || out.Bounds().Dy() != 30 {
		t.Fatalf("overlay changed size to %v", out.Bounds())
	}

	// A pixel on the top edge of the box must differ from the background
	before := color.RGBAModel.Convert(src.At(6, 12)).(color.RGBA)
	after := color.RGBAModel.Convert(out.At(6, 12)).(color.RGBA)
	if before == after {
		t.Error("expected box edge to be drawn")
	}

	// No detections means an unchanged copy
	plain := Overlay(src, nil)
	if plain == src {
		t.Error("overlay must not return the input image itself")
	}
	if color.RGBAModel.Convert(plain.At(0, 0)) != color.RGBAModel.Convert(src.At(0, 0)) {
		t.Error("overlay without detections altered pixels")
	}
}
