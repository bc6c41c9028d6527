package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/headcount/internal/detect"
	"github.com/andresmejia3/headcount/internal/pipeline"
	"github.com/andresmejia3/headcount/internal/preview"
	"github.com/andresmejia3/headcount/internal/server"
	"github.com/andresmejia3/headcount/internal/source"
	"github.com/andresmejia3/headcount/internal/store"
	"github.com/andresmejia3/headcount/internal/summary"
	"github.com/andresmejia3/headcount/internal/utils"
)

// runsDir is where annotated videos go when --output is not given.
const runsDir = "model/runs"

var detectOpts Options

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Count people in every frame of a video file or camera",
	Example: `  headcount detect --source court.mp4
  headcount detect --source 0 --show --save-json run.json`,
	Annotations: map[string]string{dbAnnotation: dbDeferred},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyDetectorDefaults(cmd, &detectOpts)
		return runDetect(cmd.Context(), detectOpts, os.Stdout)
	},
}

func init() {
	detectCmd.Flags().StringVarP(&detectOpts.Source, "source", "s", "", "Video file path or camera index (e.g. 0)")
	detectCmd.Flags().StringVarP(&detectOpts.Output, "output", "o", "", "Annotated video path (default model/runs/person_<timestamp>.mp4)")
	detectCmd.Flags().Float64VarP(&detectOpts.Conf, "conf", "c", detect.DefaultConfidence, "Minimum detection confidence (0.0 - 1.0)")
	detectCmd.Flags().StringVarP(&detectOpts.Device, "device", "d", "", "Inference device: cpu, cuda, mps or a GPU index (default auto)")
	detectCmd.Flags().StringVarP(&detectOpts.Model, "model", "m", "", "Model weights loaded by the detector server")
	detectCmd.Flags().BoolVar(&detectOpts.Show, "show", false, "Serve a live MJPEG preview of annotated frames")
	detectCmd.Flags().StringVar(&detectOpts.SaveJSON, "save-json", "", "Write the run summary as JSON to this path")

	detectCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(detectCmd)
}

// applyDetectorDefaults fills detector options the user did not set from the loaded config.
func applyDetectorDefaults(cmd *cobra.Command, opts *Options) {
	if Cfg == nil {
		return
	}
	if !cmd.Flags().Changed("conf") {
		opts.Conf = Cfg.Detector.Confidence
	}
	if !cmd.Flags().Changed("device") {
		opts.Device = Cfg.Detector.Device
	}
	if !cmd.Flags().Changed("model") {
		opts.Model = Cfg.Detector.Model
	}
}

func validateDetectFlags(opts *Options) error {
	if opts.Source == "" {
		return errors.New("--source is required")
	}
	if opts.Conf < 0 || opts.Conf > 1 {
		return fmt.Errorf("--conf must be between 0.0 and 1.0, got %g", opts.Conf)
	}
	if opts.Output != "" {
		if info, err := os.Stat(opts.Output); err == nil && info.IsDir() {
			return fmt.Errorf("--output %q is a directory, expected a file path", opts.Output)
		}
	}
	return nil
}

func defaultOutputPath(now time.Time) string {
	return filepath.Join(runsDir, fmt.Sprintf("person_%s.mp4", now.Format("20060102_150405")))
}

// runDetect validates inputs, starts the model server and streams the source through the pipeline.
func runDetect(ctx context.Context, opts Options, out io.Writer) error {
	if err := validateDetectFlags(&opts); err != nil {
		utils.ShowError("Invalid flags", err, nil)
		return err
	}

	// The source is checked before the model is loaded so a typo fails fast.
	spec, err := source.ParseSpec(opts.Source)
	if err != nil {
		if errors.Is(err, source.ErrSourceNotFound) {
			utils.ShowError("Source not found", err, nil)
		} else {
			utils.ShowError("Invalid source", err, nil)
		}
		return err
	}
	if opts.Output == "" {
		opts.Output = defaultOutputPath(time.Now())
	}
	if err := connectDB(ctx, dbOptional); err != nil {
		utils.ShowError("Database unavailable", err, nil)
		return err
	}

	fmt.Fprintf(os.Stderr, "🧠 Loading model %s...\n", opts.Model)
	proc, err := detect.StartProcess(ctx, detect.ProcessConfig{
		Python: Cfg.Detector.Python,
		Script: Cfg.Detector.Script,
		Model:  opts.Model,
		Device: opts.Device,
	}, Log)
	if err != nil {
		utils.ShowError("Failed to start detector", err, nil)
		return err
	}
	defer proc.Close()

	adapter, err := detect.NewAdapter(proc, opts.Conf, opts.Device)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runner := pipeline.New(runCtx, adapter, Log)
	if opts.Show {
		pv := preview.New(cancel, Log)
		runner.Preview = pv
		go func() {
			if err := server.ListenAndServe(runCtx, Cfg.Preview.Addr, pv.Handler(), Log); err != nil {
				Log.WithError(err).Warn("preview server stopped")
			}
		}()
		fmt.Fprintf(os.Stderr, "👀 Live preview at http://%s (POST /stop to end the run)\n", Cfg.Preview.Addr)
	}

	fmt.Fprintf(os.Stderr, "📼 Processing %s -> %s\n", spec, opts.Output)
	sum, runErr := runner.Run(runCtx, pipeline.Config{
		Source:     spec,
		OutputPath: opts.Output,
		JSONPath:   opts.SaveJSON,
	})
	if sum == nil {
		utils.ShowError("Run failed", runErr, nil)
		return runErr
	}

	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "🛑 Interrupted, output finalized with the frames processed so far.")
	}
	printSummary(out, sum)

	if DB != nil {
		saveRun(context.WithoutCancel(ctx), DB, spec, sum, adapter)
	}

	if runErr != nil {
		utils.ShowError("Run ended with an error", runErr, nil)
	}
	return runErr
}

func printSummary(w io.Writer, s *summary.Summary) {
	fmt.Fprintln(w, "✅ Done.")
	fmt.Fprintf(w, "  frames: %d\n", s.Frames)
	fmt.Fprintf(w, "  duration_sec: %.3f (%s)\n", s.DurationSec, fmtTime(s.DurationSec))
	fmt.Fprintf(w, "  fps_out: %g\n", s.FPSOut)
	fmt.Fprintf(w, "  output: %s\n", s.Output)
	fmt.Fprintf(w, "  person_counts: [len=%d]\n", len(s.PersonCounts))
	if s.JSONPath != "" {
		fmt.Fprintf(w, "  json: %s\n", s.JSONPath)
	}
}

// saveRun records the run in the database. Failure is logged, never returned.
func saveRun(ctx context.Context, db *store.Store, spec source.Spec, s *summary.Summary, adapter *detect.Adapter) {
	fp := ""
	if !spec.IsCam {
		if f, err := utils.Fingerprint(spec.Path); err == nil {
			fp = f
		}
	}
	counts := make([]int32, len(s.PersonCounts))
	for i, c := range s.PersonCounts {
		counts[i] = int32(c)
	}
	id, err := db.InsertRun(ctx, store.Run{
		Source:       spec.String(),
		Fingerprint:  fp,
		Output:       s.Output,
		Frames:       s.Frames,
		DurationSec:  s.DurationSec,
		FPSOut:       s.FPSOut,
		Conf:         adapter.Confidence(),
		Model:        adapter.Model(),
		PersonCounts: counts,
	})
	if err != nil {
		Log.WithError(err).Warn("could not save run to database")
		return
	}
	Log.WithField("run", id.String()).Debug("run saved")
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
