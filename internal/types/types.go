package types

import (
	"errors"
	"image"
	"time"
)

// PersonClassID is the detector class index for "person" in the COCO label set.
const (
	PersonClassID   = 0
	PersonClassName = "person"
)

// Error taxonomy for per-frame failures. Callers match with errors.Is.
var (
	ErrDecode    = errors.New("decode error")
	ErrDetection = errors.New("detection error")
	ErrEncode    = errors.New("encode error")
)

// Box is an axis-aligned bounding box in pixel coordinates of the source frame.
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Valid reports whether the box has positive area.
func (b Box) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// Rect converts the box to an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Detection is a single object found in a frame.
type Detection struct {
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
}

// FrameResult is the outcome of running detection on one frame.
// Source is always the decoded input frame; Annotated has the same dimensions.
type FrameResult struct {
	Index       int
	Source      image.Image
	Annotated   image.Image
	Detections  []Detection
	PersonCount int
}

// CountPersons returns the number of detections whose class is person.
func CountPersons(dets []Detection) int {
	n := 0
	for _, d := range dets {
		if d.ClassID == PersonClassID {
			n++
		}
	}
	return n
}

// OccupancyUpdate is the person count observed for a court at a point in time.
type OccupancyUpdate struct {
	CourtID string    `json:"courtId"`
	Count   int       `json:"occupancyCount"`
	At      time.Time `json:"at"`
}
