package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/headcount/internal/emitter"
	"github.com/andresmejia3/headcount/internal/server"
	"github.com/andresmejia3/headcount/internal/worker"
)

var serveOpts Options

var serveCmd = &cobra.Command{
	Use:         "serve",
	Short:       "Run the snapshot service that counts people per court",
	Annotations: map[string]string{dbAnnotation: dbOptional},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyDetectorDefaults(cmd, &serveOpts)
		if !cmd.Flags().Changed("addr") {
			serveOpts.Addr = Cfg.Server.Addr
		}
		return runServe(cmd, serveOpts)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveOpts.Addr, "addr", "a", ":8080", "Listen address (env: PORT)")
	serveCmd.Flags().Float64VarP(&serveOpts.Conf, "conf", "c", 0.3, "Minimum detection confidence passed to the worker")
	serveCmd.Flags().StringVarP(&serveOpts.Device, "device", "d", "", "Inference device passed to the worker")
	serveCmd.Flags().StringVarP(&serveOpts.Model, "model", "m", "", "Model weights passed to the worker")
	rootCmd.AddCommand(serveCmd)
}

// workerArgs builds the command line for the child worker. Snapshots only need counts.
func workerArgs(opts Options, cfgPath, level string) []string {
	args := []string{"worker",
		"--conf", strconv.FormatFloat(opts.Conf, 'f', -1, 64),
		"--annotate=false",
	}
	if opts.Device != "" {
		args = append(args, "--device", opts.Device)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if cfgPath != "" {
		args = append(args, "--config", cfgPath)
	}
	if level != "" {
		args = append(args, "--log-level", level)
	}
	return args
}

func runServe(cmd *cobra.Command, opts Options) error {
	ctx := cmd.Context()

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	client, err := worker.Spawn(ctx, worker.SpawnConfig{
		Path:    self,
		Args:    workerArgs(opts, cfgPath, logLevel),
		Timeout: Cfg.Worker.RequestTimeout,
	}, Log)
	if err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer client.Close()

	hub := server.NewHub(Log)
	sinks := []server.Sink{hub}
	if DB != nil {
		sinks = append(sinks, DB)
	}
	if Cfg.MQTT.Broker != "" {
		mq := emitter.NewMQTTEmitter(Cfg.MQTT, Log)
		if err := mq.Connect(ctx); err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		defer func() {
			published, failed := mq.Stats()
			Log.WithFields(logrus.Fields{"published": published, "failed": failed}).Info("mqtt publisher stopped")
			mq.Disconnect()
		}()
		sinks = append(sinks, mq)
	}

	snap := server.NewSnapshotHandler(client, Cfg.Server.MaxBodyBytes, Log, sinks...)
	fmt.Fprintf(os.Stderr, "🏀 Snapshot service on %s (%d sinks)\n", opts.Addr, len(sinks))
	return server.ListenAndServe(ctx, opts.Addr, server.Router(snap, hub, Log), Log)
}
