package detect

import (
	"context"
	"fmt"
	"image"

	"github.com/andresmejia3/headcount/internal/types"
)

// DefaultConfidence is the minimum score a person detection must reach.
const DefaultConfidence = 0.3

// Params are handed to the model on every call.
type Params struct {
	Confidence float64
	Classes    []int
	Device     string
}

// Detector is the opaque pretrained model. It may return any class; the Adapter filters.
type Detector interface {
	Detect(ctx context.Context, img image.Image, p Params) ([]types.Detection, error)
	Name() string
}

// Adapter wraps a Detector with the person-only policy, the confidence threshold
// and the overlay renderer. It is configured once and reused for every frame.
// A single Adapter must not be called from two goroutines at once.
type Adapter struct {
	det    Detector
	params Params
}

// NewAdapter validates the threshold and binds the detector to the person class.
// An empty device lets the model pick its default.
func NewAdapter(det Detector, conf float64, device string) (*Adapter, error) {
	if det == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if conf < 0 || conf > 1 {
		return nil, fmt.Errorf("confidence must be between 0.0 and 1.0, got %v", conf)
	}
	return &Adapter{
		det: det,
		params: Params{
			Confidence: conf,
			Classes:    []int{types.PersonClassID},
			Device:     device,
		},
	}, nil
}

// Confidence returns the configured threshold.
func (a *Adapter) Confidence() float64 { return a.params.Confidence }

// Device returns the configured compute device ("" means model default).
func (a *Adapter) Device() string { return a.params.Device }

// Model returns the identity of the wrapped detector.
func (a *Adapter) Model() string { return a.det.Name() }

// Detect runs the model on one frame and returns the annotated frame plus the person detections.
// Model failures are wrapped with types.ErrDetection; the returned result still carries Source.
func (a *Adapter) Detect(ctx context.Context, img image.Image) (types.FrameResult, error) {
	res := types.FrameResult{Source: img}
	if img == nil || img.Bounds().Empty() {
		return res, fmt.Errorf("%w: empty frame", types.ErrDecode)
	}

	raw, err := a.det.Detect(ctx, img, a.params)
	if err != nil {
		return res, fmt.Errorf("%w: %v", types.ErrDetection, err)
	}

	res.Detections = FilterPersons(raw, a.params.Confidence)
	res.PersonCount = types.CountPersons(res.Detections)
	res.Annotated = Overlay(img, res.Detections)
	return res, nil
}

// FilterPersons keeps person detections at or above conf with a non-degenerate box.
// The model is asked for the person class only, but the result is not trusted blindly.
func FilterPersons(dets []types.Detection, conf float64) []types.Detection {
	out := make([]types.Detection, 0, len(dets))
	for _, d := range dets {
		if d.ClassID != types.PersonClassID || d.Confidence < conf || !d.Box.Valid() {
			continue
		}
		if d.ClassName == "" {
			d.ClassName = types.PersonClassName
		}
		out = append(out, d)
	}
	return out
}
