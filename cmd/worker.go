package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/headcount/internal/detect"
	"github.com/andresmejia3/headcount/internal/utils"
	"github.com/andresmejia3/headcount/internal/worker"
)

var workerOpts Options

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve frame counting requests as NDJSON over stdin/stdout",
	Long: `Loads the model once and answers one JSON request per stdin line with one JSON
response per stdout line. Logs go to stderr so stdout carries only responses.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyDetectorDefaults(cmd, &workerOpts)
		if !cmd.Flags().Changed("annotate") {
			workerOpts.Annotate = Cfg.Worker.Annotate
		}
		if !cmd.Flags().Changed("preview-width") {
			workerOpts.PreviewWidth = Cfg.Worker.PreviewWidth
		}
		return runWorker(cmd, workerOpts)
	},
}

func init() {
	workerCmd.Flags().Float64VarP(&workerOpts.Conf, "conf", "c", detect.DefaultConfidence, "Minimum detection confidence (0.0 - 1.0)")
	workerCmd.Flags().StringVarP(&workerOpts.Device, "device", "d", "", "Inference device: cpu, cuda, mps or a GPU index (default auto)")
	workerCmd.Flags().StringVarP(&workerOpts.Model, "model", "m", "", "Model weights loaded by the detector server")
	workerCmd.Flags().BoolVar(&workerOpts.Annotate, "annotate", true, "Include an annotated JPEG in each response")
	workerCmd.Flags().IntVar(&workerOpts.PreviewWidth, "preview-width", 0, "Downscale annotated images to this width (0 keeps full size)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, opts Options) error {
	ctx := cmd.Context()
	log := Log.WithField("component", "worker")

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

	srv := &worker.Server{
		Detector:     adapter,
		Annotate:     opts.Annotate,
		PreviewWidth: opts.PreviewWidth,
		JPEGQuality:  Cfg.Worker.JPEGQuality,
		Log:          log,
	}
	log.WithField("model", adapter.Model()).Info("worker ready")
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}
