package utils

import (
	"bufio"
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestSplitJpeg(t *testing.T) {
	frameA := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}
	frameB := []byte{0xFF, 0xD8, 0x09, 0xFF, 0xD9}

	tests := []struct {
		name   string
		stream []byte
		want   [][]byte
	}{
		{"Garbage around one frame", concat([]byte{0x00, 0x00}, frameA, []byte{0x00, 0x00}), [][]byte{frameA}},
		{"Back to back frames", concat(frameA, frameB), [][]byte{frameA, frameB}},
		{"Truncated trailing frame", concat(frameA, []byte{0xFF, 0xD8, 0x05}), [][]byte{frameA}},
		{"Empty stream", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scanner := bufio.NewScanner(bytes.NewReader(tt.stream))
			scanner.Split(SplitJpeg)

			var got [][]byte
			for scanner.Scan() {
				got = append(got, append([]byte(nil), scanner.Bytes()...))
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d frames, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if !bytes.Equal(got[i], tt.want[i]) {
					t.Errorf("frame %d: expected %X, got %X", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestFingerprint(t *testing.T) {
	tmp, err := os.CreateTemp("", "video_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write([]byte("fake video content")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	id, err := Fingerprint(tmp.Name())
	if err != nil || id == "" {
		t.Errorf("Failed to fingerprint: %v", err)
	}

	id2, _ := Fingerprint(tmp.Name())
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte(" modification"))
	f.Close()

	id3, _ := Fingerprint(tmp.Name())
	if id == id3 {
		t.Error("Hash did not change after file modification")
	}

	if _, err := Fingerprint(tmp.Name() + ".missing"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestTailBuffer(t *testing.T) {
	var sink bytes.Buffer
	tb := NewTailBuffer(8, &sink)

	tb.Write([]byte("0123"))
	tb.Write([]byte("456789AB"))

	if got := tb.String(); got != "456789AB" {
		t.Errorf("tail = %q, want %q", got, "456789AB")
	}
	if tb.Len() != 8 {
		t.Errorf("len = %d, want 8", tb.Len())
	}
	if sink.String() != "0123456789AB" {
		t.Errorf("sink should see every byte, got %q", sink.String())
	}

	big := NewTailBuffer(4, nil)
	big.Write([]byte(strings.Repeat("x", 100) + "tail"))
	if big.String() != "tail" {
		t.Errorf("single oversized write kept %q", big.String())
	}
}
