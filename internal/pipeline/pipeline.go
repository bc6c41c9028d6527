package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/headcount/internal/detect"
	"github.com/andresmejia3/headcount/internal/source"
	"github.com/andresmejia3/headcount/internal/summary"
	"github.com/andresmejia3/headcount/internal/types"
	"github.com/andresmejia3/headcount/internal/video"
)

// Config holds the per-run parameters.
type Config struct {
	Source     source.Spec
	OutputPath string
	// JSONPath, when set, is where the summary document is written. Failure there is only a warning.
	JSONPath string
}

// Previewer receives annotated frames for optional live display. It must not block.
type Previewer interface {
	Publish(img image.Image)
}

// Runner wires the stages of a batch run. Every field except Preview is required;
// New fills in the production implementations.
type Runner struct {
	Adapter    *detect.Adapter
	OpenSource func(ctx context.Context, spec source.Spec) (source.Source, error)
	Probe      func(ctx context.Context, spec source.Spec) (source.Info, error)
	NewEncoder video.EncoderFactory
	Preview    Previewer
	Progress   io.Writer
	Log        logrus.FieldLogger
	Now        func() time.Time
}

// New returns a Runner backed by ffmpeg for both decoding and encoding.
// The encoder outlives cancellation of ctx so an interrupted run still finalizes its file.
func New(ctx context.Context, adapter *detect.Adapter, log logrus.FieldLogger) *Runner {
	return &Runner{
		Adapter: adapter,
		OpenSource: func(ctx context.Context, spec source.Spec) (source.Source, error) {
			return source.Open(ctx, spec, log)
		},
		Probe:      source.Probe,
		NewEncoder: video.NewFFmpegFactory(context.WithoutCancel(ctx)),
		Progress:   os.Stderr,
		Log:        log,
		Now:        time.Now,
	}
}

// Run processes every frame of cfg.Source in order and returns the run summary.
//
// Per-frame failures never stop the run: undecodable frames are skipped, frames the
// model fails on are written unannotated with a count of zero, and frames the writer
// rejects are skipped. Cancelling ctx ends the run early and is not an error.
// A source that cannot be opened, or an output that cannot be created, is fatal;
// in the latter case the partial summary is still returned with the error.
func (r *Runner) Run(ctx context.Context, cfg Config) (*summary.Summary, error) {
	log := r.Log.WithField("source", cfg.Source.String())
	agg := summary.NewAggregator(r.Now())

	// 1. Probe (advisory only)
	info, err := r.Probe(ctx, cfg.Source)
	if err != nil {
		log.WithError(err).Warn("probe failed, using defaults")
	}
	fps := info.FPS
	if fps <= 0 {
		fps = source.DefaultFPS
	}
	log.WithFields(logrus.Fields{
		"fps":    fps,
		"frames": info.Frames,
		"width":  info.Width,
		"height": info.Height,
	}).Debug("source probed")

	// 2. Open the source before touching the output
	src, err := r.OpenSource(ctx, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	if dir := filepath.Dir(cfg.OutputPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	// 3. The writer is closed exactly once on every path out of here
	writer := video.NewWriter(cfg.OutputPath, fps, r.NewEncoder)
	defer writer.Close()

	bar := newProgress(info.Frames, r.Progress)
	stream := r.Adapter.Stream(src)

	fatal := r.loop(ctx, stream, writer, agg, bar, log)

	bar.Finish()
	if err := writer.Close(); err != nil {
		log.WithError(err).Warn("finalizing output failed")
		// An interrupted run keeps what it wrote and still ends cleanly
		if fatal == nil && ctx.Err() == nil {
			fatal = fmt.Errorf("finalize output: %w", err)
		}
	}
	if writer.Frames() == 0 {
		log.Warn("no frames were written, output file was not created")
	} else {
		log.WithFields(logrus.Fields{"path": writer.Path(), "frames": writer.Frames()}).Info("output finalized")
	}

	sum, err := agg.Finish(r.Now(), fps, cfg.OutputPath)
	if err != nil {
		return nil, err
	}

	// 4. Persist the summary document (best effort)
	if cfg.JSONPath != "" {
		doc := sum.Document(cfg.Source.String(), r.Adapter.Confidence(), r.Adapter.Model())
		if path, err := summary.Save(cfg.JSONPath, doc); err != nil {
			log.WithError(err).WithField("path", cfg.JSONPath).Warn("could not write summary JSON")
		} else {
			sum.JSONPath = path
		}
	}
	return sum, fatal
}

// loop pulls frames until the source ends, ctx is cancelled, or the source or output cannot be opened.
func (r *Runner) loop(ctx context.Context, stream *detect.Stream, writer *video.Writer, agg *summary.Aggregator, bar *progressbar.ProgressBar, log logrus.FieldLogger) error {
	for {
		if ctx.Err() != nil {
			log.WithField("frames", agg.Frames()).Info("run cancelled, finishing early")
			return nil
		}

		res, err := stream.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		case ctx.Err() != nil:
			log.WithField("frames", agg.Frames()).Info("run cancelled, finishing early")
			return nil
		case errors.Is(err, types.ErrDecode):
			log.WithError(err).WithField("frame", res.Index).Warn("skipping undecodable frame")
			bar.Add(1)
			continue
		case errors.Is(err, types.ErrDetection):
			log.WithError(err).WithField("frame", res.Index).Warn("detection failed, writing raw frame")
			res.Annotated = res.Source
			res.PersonCount = 0
		case errors.Is(err, source.ErrSourceNotFound):
			return err
		default:
			log.WithError(err).Warn("source read failed, ending run")
			return nil
		}

		wasOpen := writer.IsOpen()
		if err := writer.Write(res.Annotated); err != nil {
			if !wasOpen && !writer.IsOpen() {
				return fmt.Errorf("open output: %w", err)
			}
			log.WithError(err).WithField("frame", res.Index).Warn("frame not written")
			bar.Add(1)
			continue
		}

		agg.Add(res.PersonCount)
		if r.Preview != nil {
			r.Preview.Publish(res.Annotated)
		}
		bar.Add(1)
	}
}

// newProgress falls back to a spinner with a running count when the total is unknown.
func newProgress(total int, w io.Writer) *progressbar.ProgressBar {
	if total <= 0 {
		total = -1
	}
	if w == nil {
		w = io.Discard
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🧍 Counting people"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}
