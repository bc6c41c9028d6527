package summary

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// Summary describes a completed batch run.
type Summary struct {
	Frames       int     `json:"frames"`
	DurationSec  float64 `json:"duration_sec"`
	FPSOut       float64 `json:"fps_out"`
	Output       string  `json:"output"`
	PersonCounts []int   `json:"person_counts"`

	// JSONPath is set when the summary document was written successfully.
	JSONPath string `json:"-"`
}

// Document is the persisted form: the summary plus the run parameters.
// Field order here is the on-disk key order.
type Document struct {
	Frames       int     `json:"frames"`
	DurationSec  float64 `json:"duration_sec"`
	FPSOut       float64 `json:"fps_out"`
	Output       string  `json:"output"`
	PersonCounts []int   `json:"person_counts"`
	Source       string  `json:"source"`
	Conf         float64 `json:"conf"`
	Model        string  `json:"model"`
}

// Aggregator collects one person count per written frame.
type Aggregator struct {
	start  time.Time
	counts []int
}

// NewAggregator starts timing a run at start.
func NewAggregator(start time.Time) *Aggregator {
	return &Aggregator{start: start, counts: []int{}}
}

// Add records the person count of the next written frame.
func (a *Aggregator) Add(count int) {
	a.counts = append(a.counts, count)
}

// Frames returns how many counts have been recorded.
func (a *Aggregator) Frames() int { return len(a.counts) }

// Finish freezes the aggregate. Duration is rounded to milliseconds and output is made absolute.
func (a *Aggregator) Finish(end time.Time, fps float64, output string) (*Summary, error) {
	abs, err := filepath.Abs(output)
	if err != nil {
		return nil, fmt.Errorf("resolve output path: %w", err)
	}

	dur := end.Sub(a.start).Seconds()
	if dur < 0 {
		dur = 0
	}

	counts := make([]int, len(a.counts))
	copy(counts, a.counts)

	return &Summary{
		Frames:       len(counts),
		DurationSec:  math.Round(dur*1000) / 1000,
		FPSOut:       fps,
		Output:       abs,
		PersonCounts: counts,
	}, nil
}

// Document pairs the summary with the run parameters for persistence.
func (s *Summary) Document(source string, conf float64, model string) Document {
	return Document{
		Frames:       s.Frames,
		DurationSec:  s.DurationSec,
		FPSOut:       s.FPSOut,
		Output:       s.Output,
		PersonCounts: s.PersonCounts,
		Source:       source,
		Conf:         conf,
		Model:        model,
	}
}

// Save writes doc as indented JSON to path and returns the absolute path written.
// Parent directories are created as needed.
func Save(path string, doc Document) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve json path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("create json dir: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}
	if err := os.WriteFile(abs, append(data, '\n'), 0644); err != nil {
		return "", fmt.Errorf("write summary: %w", err)
	}
	return abs, nil
}

// Load reads a document written by Save.
func Load(path string) (Document, error) {
	var doc Document
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse summary %s: %w", path, err)
	}
	return doc, nil
}
