package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/andresmejia3/headcount/internal/types"
	"github.com/andresmejia3/headcount/internal/utils"
)

const (
	megabyte = 1024 * 1024
	// maxFrameBytes caps a single MJPEG frame coming out of ffmpeg.
	maxFrameBytes = 64 * megabyte
)

// Source is a sequential frame reader. Next returns io.EOF at the end of the stream.
type Source interface {
	Next(ctx context.Context) (image.Image, error)
	Close() error
}

// FFmpegSource decodes any ffmpeg-readable input into a stream of JPEG frames
// on a pipe and decodes them one at a time.
type FFmpegSource struct {
	spec    Spec
	cancel  context.CancelFunc
	pipe    *io.PipeReader
	scanner *bufio.Scanner
	stderr  *utils.TailBuffer
	done    chan struct{}
	runErr  error
	closeMu sync.Once
	index   int
}

// Open starts ffmpeg for spec. The returned source owns the process until Close.
func Open(ctx context.Context, spec Spec, log logrus.FieldLogger) (*FFmpegSource, error) {
	input, inArgs, err := spec.ffmpegInput()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	s := &FFmpegSource{
		spec:   spec,
		cancel: cancel,
		pipe:   pr,
		stderr: utils.NewTailBuffer(utils.DefaultTailSize, nil),
		done:   make(chan struct{}),
	}

	// -vcodec mjpeg gives us JPEGs we can split on SOI/EOI markers
	stream := ffmpeg.Input(input, ffmpeg.KwArgs(inArgs)).
		Output("pipe:", ffmpeg.KwArgs{"format": "image2pipe", "vcodec": "mjpeg", "q:v": 2}).
		GlobalArgs("-hide_banner", "-loglevel", "error")
	stream.Context = ctx

	go func() {
		defer close(s.done)
		err := stream.WithOutput(pw).WithErrorOutput(s.stderr).Run()
		if err != nil && ctx.Err() == nil {
			s.runErr = fmt.Errorf("ffmpeg: %w: %s", err, s.stderr.String())
			pw.CloseWithError(s.runErr)
			return
		}
		pw.Close()
	}()

	s.scanner = bufio.NewScanner(pr)
	s.scanner.Buffer(make([]byte, megabyte), maxFrameBytes)
	s.scanner.Split(utils.SplitJpeg)

	log.WithField("source", spec.String()).Debug("ffmpeg decoder started")
	return s, nil
}

// Next decodes the next frame. A corrupt frame yields an error wrapping types.ErrDecode
// and the stream remains usable.
func (s *FFmpegSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			// A camera that produced nothing before ffmpeg failed could not be opened
			if s.spec.IsCam && s.index == 0 && ctx.Err() == nil {
				return nil, fmt.Errorf("%w: camera %d: %v", ErrSourceNotFound, s.spec.Camera, err)
			}
			return nil, err
		}
		return nil, io.EOF
	}

	idx := s.index
	s.index++
	img, err := jpeg.Decode(bytes.NewReader(s.scanner.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d: %v", types.ErrDecode, idx, err)
	}
	return img, nil
}

// Close stops ffmpeg and waits for it to exit. Safe to call more than once.
func (s *FFmpegSource) Close() error {
	s.closeMu.Do(func() {
		s.cancel()
		s.pipe.Close()
		<-s.done
	})
	return nil
}
