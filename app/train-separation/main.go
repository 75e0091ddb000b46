// Command train-separation trains a permutation-invariant SI-SDR source
// separation model on synthetic mixtures.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/tsawler/go-sisdr/checkpoints"
	"github.com/tsawler/go-sisdr/metricstore"
	"github.com/tsawler/go-sisdr/training"
)

// listFlag is a comma-separated string list.
type listFlag struct {
	values *[]string
}

func (l listFlag) String() string {
	if l.values == nil {
		return ""
	}
	return strings.Join(*l.values, ",")
}

func (l listFlag) Set(s string) error {
	*l.values = nil
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*l.values = append(*l.values, v)
		}
	}
	return nil
}

type options struct {
	plotURL          string
	storeDir         string
	outDir           string
	checkpointDir    string
	checkpointEvery  int
	checkpointFormat string
	resume           string
	momentum         float64
	progress         bool
}

func main() {
	config, opts, err := parseFlags(os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid arguments: %v", err)
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, config, opts); err != nil {
		log.Fatalf("Training failed: %v", err)
	}
}

// parseFlags loads the -config file, if any, and applies the remaining flags
// on top of it.
func parseFlags(args []string) (training.SeparationConfig, options, error) {
	config := training.DefaultSeparationConfig()
	if path := configPath(args); path != "" {
		loaded, err := training.LoadSeparationConfig(path)
		if err != nil {
			return config, options{}, err
		}
		config = loaded
	}

	var opts options
	fs := flag.NewFlagSet("train-separation", flag.ContinueOnError)
	fs.String("config", "", "JSON file with a SeparationConfig; flags override it")

	fs.StringVar(&config.SeparationTask, "separation-task", config.SeparationTask, "enh_single (1 source) or a two-source task such as sep_noisy")
	fs.IntVar(&config.BatchSize, "batch-size", config.BatchSize, "examples per batch")
	fs.IntVar(&config.SampleRate, "fs", config.SampleRate, "sample rate in Hz")
	fs.IntVar(&config.SignalLength, "signal-length", config.SignalLength, "samples per example")
	fs.IntVar(&config.TrainExamples, "n-train", config.TrainExamples, "training examples")
	fs.IntVar(&config.EvalExamples, "n-val", config.EvalExamples, "examples per evaluation split (0 skips evaluation)")
	fs.Var(listFlag{&config.EvalSplits}, "eval-splits", "comma-separated evaluation split names")
	fs.Float64Var(&config.MinInputSNR, "min-snr", config.MinInputSNR, "minimum input SNR in dB")
	fs.Float64Var(&config.MaxInputSNR, "max-snr", config.MaxInputSNR, "maximum input SNR in dB")
	fs.IntVar(&config.PrefetchBatches, "prefetch", config.PrefetchBatches, "batches prepared ahead of training")
	fs.Int64Var(&config.Seed, "seed", config.Seed, "random seed for data and initialization")

	fs.IntVar(&config.FilterTaps, "filter-taps", config.FilterTaps, "FIR taps per source")
	fs.StringVar(&config.Optimizer, "optimizer", config.Optimizer, "adam or sgd")
	fs.Float64Var(&config.LearningRate, "lr", config.LearningRate, "initial learning rate")
	fs.Float64Var(&config.ClipGradNorm, "clip-grad-norm", config.ClipGradNorm, "gradient norm limit (0 disables clipping)")
	fs.IntVar(&config.NEpochs, "n-epochs", config.NEpochs, "training epochs")
	fs.StringVar(&config.LRSchedule, "lr-schedule", config.LRSchedule, "step, exponential, cosine, plateau or constant")
	fs.IntVar(&config.ReduceLREvery, "reduce-lr-every", config.ReduceLREvery, "epochs between learning rate reductions")
	fs.Float64Var(&config.DivideLRBy, "divide-lr-by", config.DivideLRBy, "learning rate divisor")
	fs.Float64Var(&config.VarWeight, "var-weight", config.VarWeight, "weight of the SI-SDRi variance term in the loss")

	fs.Var(listFlag{&config.Devices}, "devices", "comma-separated devices")
	fs.StringVar(&config.ProjectName, "project", config.ProjectName, "project name")
	fs.StringVar(&config.ExperimentName, "experiment", config.ExperimentName, "experiment name (defaults to the joined tags)")
	fs.Var(listFlag{&config.Tags}, "tags", "comma-separated experiment tags")
	fs.BoolVar(&config.LogAudio, "log-audio", config.LogAudio, "log the last validation batch as WAV")

	fs.StringVar(&opts.plotURL, "plot-url", "", "plotting sidecar URL (empty disables plotting)")
	fs.StringVar(&opts.storeDir, "store-dir", "", "metric store directory (empty disables the store)")
	fs.StringVar(&opts.outDir, "out", "", "directory for metrics, assets and audio files")
	fs.StringVar(&opts.checkpointDir, "checkpoint-dir", "", "checkpoint directory (empty disables checkpoints)")
	fs.IntVar(&opts.checkpointEvery, "checkpoint-every", 0, "save a periodic checkpoint every N epochs")
	fs.StringVar(&opts.checkpointFormat, "checkpoint-format", "json", "json or proto")
	fs.StringVar(&opts.resume, "resume", "", "checkpoint to resume from (requires -checkpoint-dir)")
	fs.Float64Var(&opts.momentum, "momentum", 0.9, "SGD momentum")
	fs.BoolVar(&opts.progress, "progress", true, "show progress bars")

	if err := fs.Parse(args); err != nil {
		return config, opts, err
	}
	if opts.resume != "" && opts.checkpointDir == "" {
		return config, opts, fmt.Errorf("-resume requires -checkpoint-dir")
	}
	return config, opts, nil
}

// configPath finds -config before the other flags are parsed, so that they
// can default to the file's values.
func configPath(args []string) string {
	for i, arg := range args {
		name := strings.TrimLeft(arg, "-")
		if arg == name {
			continue
		}
		if value, ok := strings.CutPrefix(name, "config="); ok {
			return value
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func run(ctx context.Context, config training.SeparationConfig, opts options) error {
	devices, err := training.ResolveDevices(config.Devices)
	if err != nil {
		return err
	}
	for _, d := range devices {
		fmt.Printf("Using device %s\n", d)
	}

	training.SetRandomSeed(config.Seed)
	separator, err := training.NewFIRSeparator(config.NSources(), config.FilterTaps)
	if err != nil {
		return err
	}

	var optimizer training.Optimizer
	switch config.Optimizer {
	case "sgd":
		optimizer = training.NewSGD(separator.Parameters(), config.LearningRate, opts.momentum, 0)
	default:
		optimizer = training.NewDefaultAdam(separator.Parameters(), config.LearningRate)
	}

	splits, err := training.NewSyntheticSplits(config)
	if err != nil {
		return err
	}

	tracker, runID, cleanup, err := buildTrackers(ctx, config, opts)
	if err != nil {
		return err
	}
	defer cleanup()
	fmt.Printf("Run %s (%s)\n", runID, config.Name())

	trainer, err := training.NewSeparationTrainer(config, separator, optimizer, splits, tracker)
	if err != nil {
		return err
	}

	var session *training.TrainingSession
	if opts.progress {
		session = training.NewTrainingSession(config.Name(), config.NEpochs, os.Stdout)
		trainer.SetProgress(session)
	}

	state := training.NewTrainState()
	if opts.checkpointDir != "" {
		format, err := checkpoints.ParseFormat(opts.checkpointFormat)
		if err != nil {
			return err
		}
		ckConfig := training.DefaultCheckpointConfig()
		ckConfig.SaveDirectory = opts.checkpointDir
		ckConfig.SaveFrequency = opts.checkpointEvery
		ckConfig.Format = format

		manager := training.NewCheckpointManager(separator, optimizer, ckConfig)
		manager.SetRunID(runID)
		trainer.SetCheckpointManager(manager)

		if opts.resume != "" {
			if state, err = manager.LoadCheckpoint(opts.resume); err != nil {
				return err
			}
			fmt.Printf("Resuming at epoch %d (lr %.3e)\n", state.Epoch+1, optimizer.GetLR())
		}
	}

	start := time.Now()
	final, err := trainer.RunFrom(ctx, state)
	if session != nil {
		session.Close()
	}
	if err != nil {
		return err
	}

	fmt.Printf("Training finished in %v after %d epochs\n", time.Since(start).Round(time.Second), final.Epoch)
	if key, ok := trainer.BestMetricKey(); ok {
		fmt.Printf("Best %s: %.3f dB\n", key, final.BestValMetric)
	}
	return nil
}

// buildTrackers assembles the console tracker and every optional tracker
// enabled by opts. The returned cleanup closes them.
func buildTrackers(ctx context.Context, config training.SeparationConfig, opts options) (training.Tracker, string, func(), error) {
	trackers := training.MultiTracker{training.NewConsoleTracker(os.Stdout)}
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Printf("Warning: failed to close tracker: %v", err)
			}
		}
	}

	runID := ""
	if opts.storeDir != "" {
		store, err := metricstore.Open(opts.storeDir)
		if err != nil {
			return nil, "", cleanup, err
		}
		closers = append(closers, store.Close)

		storeTracker, err := store.NewTracker("", config.Name())
		if err != nil {
			cleanup()
			return nil, "", func() {}, err
		}
		runID = storeTracker.RunID()
		trackers = append(trackers, storeTracker)
	}

	if opts.outDir != "" {
		dirTracker, err := training.NewDirTracker(opts.outDir)
		if err != nil {
			cleanup()
			return nil, "", func() {}, err
		}
		trackers = append(trackers, dirTracker)
	}

	if opts.plotURL != "" {
		psConfig := training.DefaultPlottingServiceConfig()
		psConfig.BaseURL = opts.plotURL
		service := training.NewPlottingService(psConfig)

		if err := service.CheckHealth(ctx); err != nil {
			log.Printf("Warning: plotting sidecar unavailable, plots disabled: %v", err)
		} else {
			plotTracker := training.NewPlotTracker(ctx, service, config.Name())
			if runID == "" {
				runID = plotTracker.RunID()
			}
			trackers = append(trackers, plotTracker)
		}
	}

	if runID == "" {
		runID = "local"
	}
	closers = append(closers, trackers.Close)
	return trackers, runID, cleanup, nil
}
