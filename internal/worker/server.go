package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/headcount/internal/protocol"
	"github.com/andresmejia3/headcount/internal/types"
)

const (
	megabyte = 1024 * 1024
	// DefaultMaxLineBytes bounds a single request line (a base64 frame).
	DefaultMaxLineBytes = 64 * megabyte
	// DefaultJPEGQuality is used for annotated previews.
	DefaultJPEGQuality = 80
)

var errLineTooLong = errors.New("request line exceeds size limit")

// FrameDetector runs detection on one decoded image. *detect.Adapter satisfies it.
type FrameDetector interface {
	Detect(ctx context.Context, img image.Image) (types.FrameResult, error)
}

// Server answers frame requests read from a line stream, strictly one at a time.
// Every request line gets exactly one response line; a failure in one line never
// affects the next.
type Server struct {
	Detector     FrameDetector
	Annotate     bool
	PreviewWidth int
	JPEGQuality  int
	MaxLineBytes int
	Log          logrus.FieldLogger
}

// Serve runs the request loop until in reaches EOF. It returns nil on a clean EOF
// and an error only when a response can no longer be written or read fails.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	r := bufio.NewReaderSize(in, megabyte)
	w := bufio.NewWriter(out)
	max := s.MaxLineBytes
	if max <= 0 {
		max = DefaultMaxLineBytes
	}

	for {
		line, err := readLine(r, max)
		if err != nil && !errors.Is(err, errLineTooLong) {
			if errors.Is(err, io.EOF) {
				s.Log.Debug("input closed, worker exiting")
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		var resp protocol.Response
		if errors.Is(err, errLineTooLong) {
			resp = protocol.Failure(protocol.UnknownID, err)
		} else {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			resp = s.handle(ctx, line)
		}

		data, err := protocol.Encode(resp)
		if err != nil {
			data, _ = protocol.Encode(protocol.Failure(resp.ID, err))
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// handle turns one line into one response. Panics from the detector are contained here.
func (s *Server) handle(ctx context.Context, line []byte) (resp protocol.Response) {
	req, err := protocol.Decode(line)
	defer func() {
		if p := recover(); p != nil {
			s.Log.WithField("id", string(req.ID)).Errorf("request panicked: %v", p)
			resp = protocol.Failure(req.ID, fmt.Errorf("internal error: %v", p))
		}
	}()

	if err != nil {
		s.Log.WithError(err).Warn("bad request line")
		return protocol.Failure(req.ID, err)
	}
	if req.Type != protocol.TypeFrame {
		return protocol.Failure(req.ID, fmt.Errorf("unsupported message type %q", req.Type))
	}

	count, annotated, err := s.processFrame(ctx, req.ImageB64)
	if err != nil {
		s.Log.WithError(err).WithField("id", string(req.ID)).Warn("frame failed")
		return protocol.Failure(req.ID, err)
	}
	return protocol.Success(req.ID, count, annotated)
}

func (s *Server) processFrame(ctx context.Context, b64 string) (int, string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid base64 image: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return 0, "", fmt.Errorf("could not decode image: %w", err)
	}

	res, err := s.Detector.Detect(ctx, img)
	if err != nil {
		return 0, "", err
	}
	if !s.Annotate || res.Annotated == nil {
		return res.PersonCount, "", nil
	}

	preview := res.Annotated
	if s.PreviewWidth > 0 && preview.Bounds().Dx() > s.PreviewWidth {
		preview = imaging.Resize(preview, s.PreviewWidth, 0, imaging.Lanczos)
	}

	q := s.JPEGQuality
	if q <= 0 {
		q = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, preview, &jpeg.Options{Quality: q}); err != nil {
		return 0, "", fmt.Errorf("encode preview: %w", err)
	}
	return res.PersonCount, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// readLine returns the next line without its terminator. Lines longer than max are
// drained and reported as errLineTooLong so the stream stays in sync.
func readLine(r *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > max {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case err == nil:
			if tooLong {
				return nil, errLineTooLong
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if tooLong {
				return nil, errLineTooLong
			}
			if len(line) > 0 {
				// Final line without a trailing newline still counts
				return line, nil
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}
