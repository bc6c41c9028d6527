package video

import (
	"context"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/andresmejia3/headcount/internal/utils"
)

// FFmpegEncoder pipes raw RGBA frames into an ffmpeg process that writes an MP4 (mp4v).
type FFmpegEncoder struct {
	width, height int
	stdin         *io.PipeWriter
	stderr        *utils.TailBuffer
	done          chan error
}

// NewFFmpegFactory returns an EncoderFactory bound to ctx. Cancelling ctx kills ffmpeg.
func NewFFmpegFactory(ctx context.Context) EncoderFactory {
	return func(path string, width, height int, fps float64) (Encoder, error) {
		return NewFFmpegEncoder(ctx, path, width, height, fps)
	}
}

// NewFFmpegEncoder starts ffmpeg reading rawvideo from stdin.
func NewFFmpegEncoder(ctx context.Context, path string, width, height int, fps float64) (*FFmpegEncoder, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}

	pr, pw := io.Pipe()
	e := &FFmpegEncoder{
		width:  width,
		height: height,
		stdin:  pw,
		stderr: utils.NewTailBuffer(utils.DefaultTailSize, nil),
		done:   make(chan error, 1),
	}

	stream := ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"format":  "rawvideo",
		"pix_fmt": "rgba",
		"s":       fmt.Sprintf("%dx%d", width, height),
		"r":       fmt.Sprintf("%.3f", fps),
	}).Output(path, ffmpeg.KwArgs{
		"vcodec":  "mpeg4",
		"q:v":     3,
		"pix_fmt": "yuv420p",
		// yuv420p needs even dimensions
		"vf": "pad=ceil(iw/2)*2:ceil(ih/2)*2",
	}).GlobalArgs("-hide_banner", "-loglevel", "error")
	// Options live on the stream context, so they go on after it is replaced
	stream.Context = ctx
	cmd := stream.OverWriteOutput().WithInput(pr).WithErrorOutput(e.stderr).Compile()
	utils.OwnProcessGroup(cmd)

	go func() {
		err := cmd.Run()
		if err != nil {
			err = fmt.Errorf("ffmpeg: %w: %s", err, e.stderr.String())
		}
		// Unblock any pending write if ffmpeg died early
		pr.CloseWithError(io.ErrClosedPipe)
		e.done <- err
	}()

	return e, nil
}

// Encode writes one frame. Frames are converted to tightly packed NRGBA first.
func (e *FFmpegEncoder) Encode(img image.Image) error {
	b := img.Bounds()
	if b.Dx() != e.width || b.Dy() != e.height {
		return fmt.Errorf("frame is %dx%d, encoder expects %dx%d", b.Dx(), b.Dy(), e.width, e.height)
	}
	nrgba := imaging.Clone(img)
	if _, err := e.stdin.Write(nrgba.Pix); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close flushes stdin and waits for ffmpeg to finish the container.
func (e *FFmpegEncoder) Close() error {
	e.stdin.Close()
	return <-e.done
}
