package summary

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestAggregatorFinish(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	agg := NewAggregator(start)

	want := []int{2, 2, 2, 2, 2, 0, 0, 0, 0, 0}
	for _, c := range want {
		agg.Add(c)
	}

	sum, err := agg.Finish(start.Add(1234567*time.Microsecond), 30, "runs/out.mp4")
	if err != nil {
		t.Fatal(err)
	}

	if sum.Frames != 10 || sum.Frames != len(sum.PersonCounts) {
		t.Errorf("frames = %d, counts = %d", sum.Frames, len(sum.PersonCounts))
	}
	if !reflect.DeepEqual(sum.PersonCounts, want) {
		t.Errorf("counts = %v, want %v", sum.PersonCounts, want)
	}
	if sum.DurationSec != 1.235 {
		t.Errorf("duration = %v, want 1.235", sum.DurationSec)
	}
	if sum.FPSOut != 30 {
		t.Errorf("fps = %v", sum.FPSOut)
	}
	if !filepath.IsAbs(sum.Output) || !strings.HasSuffix(sum.Output, filepath.Join("runs", "out.mp4")) {
		t.Errorf("output not absolute: %s", sum.Output)
	}

	// Later adds must not leak into a finished summary
	agg.Add(7)
	if len(sum.PersonCounts) != 10 {
		t.Error("summary shares backing array with aggregator")
	}
}

func TestAggregatorEmpty(t *testing.T) {
	start := time.Now()
	sum, err := NewAggregator(start).Finish(start, 30, "x.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Frames != 0 || sum.PersonCounts == nil || len(sum.PersonCounts) != 0 {
		t.Errorf("empty summary malformed: %+v", sum)
	}
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	sum := &Summary{Frames: 2, DurationSec: 0.5, FPSOut: 25, Output: "/tmp/a.mp4", PersonCounts: []int{1, 3}}

	path, err := Save(filepath.Join(dir, "nested", "run.json"), sum.Document("clip.mp4", 0.3, "yolov8n.pt"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// Keys appear in a stable order
	keys := []string{"frames", "duration_sec", "fps_out", "output", "person_counts", "source", "conf", "model"}
	last := -1
	for _, k := range keys {
		i := strings.Index(string(raw), `"`+k+`"`)
		if i < 0 {
			t.Fatalf("key %s missing from %s", k, raw)
		}
		if i < last {
			t.Errorf("key %s out of order", k)
		}
		last = i
	}
	if !strings.Contains(string(raw), "\n  \"frames\"") {
		t.Error("expected pretty printed JSON")
	}

	doc, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Model != "yolov8n.pt" || doc.Conf != 0.3 || !reflect.DeepEqual(doc.PersonCounts, []int{1, 3}) {
		t.Errorf("loaded doc = %+v", doc)
	}
}

func TestSaveUnwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	// A regular file in place of a directory cannot be created through
	if _, err := Save(filepath.Join(blocker, "run.json"), Document{}); err == nil {
		t.Error("expected error writing under a regular file")
	}
}
