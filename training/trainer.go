package training

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tsawler/go-sisdr/checkpoints"
	"github.com/tsawler/go-sisdr/tensor"
	"gonum.org/v1/gonum/stat"
)

// TrainState is the loop state carried from one epoch to the next.
type TrainState struct {
	Epoch         int
	TrainStep     int
	ValStep       int
	BestValMetric float64
}

// NewTrainState returns the state before the first epoch.
func NewTrainState() TrainState {
	return TrainState{BestValMetric: math.Inf(-1)}
}

// SeparationTrainer runs the train, evaluate and report cycle of a
// separation experiment.
type SeparationTrainer struct {
	config     SeparationConfig
	separator  Separator
	optimizer  Optimizer
	scheduler  LRScheduler
	lossEngine *PermInvariantSISDR
	evalEngine *PermInvariantSISDR
	splits     Splits
	tracker    Tracker
	aggregator *Aggregator

	session      *TrainingSession
	checkpoints  *CheckpointManager
	assetFormats []checkpoints.CheckpointFormat
}

// NewSeparationTrainer validates config and builds the loss engines and the
// learning-rate scheduler. A nil tracker discards everything logged.
func NewSeparationTrainer(config SeparationConfig, separator Separator, optimizer Optimizer, splits Splits, tracker Tracker) (*SeparationTrainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if separator.NumSources() != config.NSources() {
		return nil, fmt.Errorf("%w: separator estimates %d sources, task %s needs %d",
			ErrInvalidConfig, separator.NumSources(), config.SeparationTask, config.NSources())
	}
	if splits.Train == nil {
		return nil, fmt.Errorf("%w: a training split is required", ErrInvalidConfig)
	}

	lossEngine, err := NewPermInvariantSISDR(config.LossConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to build training loss: %w", err)
	}
	evalEngine, err := NewPermInvariantSISDR(EvaluationSISDRConfig(config.BatchSize, config.NSources()))
	if err != nil {
		return nil, fmt.Errorf("failed to build evaluation loss: %w", err)
	}
	scheduler, err := NewLRScheduler(config)
	if err != nil {
		return nil, err
	}
	if tracker == nil {
		tracker = MultiTracker{}
	}

	return &SeparationTrainer{
		config:       config,
		separator:    separator,
		optimizer:    optimizer,
		scheduler:    scheduler,
		lossEngine:   lossEngine,
		evalEngine:   evalEngine,
		splits:       splits,
		tracker:      tracker,
		aggregator:   NewAggregator(),
		assetFormats: []checkpoints.CheckpointFormat{checkpoints.FormatJSON, checkpoints.FormatProto},
	}, nil
}

// SetProgress renders per-batch progress through session.
func (t *SeparationTrainer) SetProgress(session *TrainingSession) {
	t.session = session
}

// SetCheckpointManager enables best and periodic checkpoints.
func (t *SeparationTrainer) SetCheckpointManager(cm *CheckpointManager) {
	t.checkpoints = cm
}

// Scheduler returns the learning-rate scheduler in use.
func (t *SeparationTrainer) Scheduler() LRScheduler {
	return t.scheduler
}

// BestMetricKey is the metric used for best checkpoints and plateau
// scheduling: the mean SI-SDRi of the first active evaluation split.
func (t *SeparationTrainer) BestMetricKey() (MetricKey, bool) {
	active := t.splits.ActiveEval()
	if len(active) == 0 {
		return MetricKey{}, false
	}
	return Key(active[0].Name, SISDRi), true
}

// Run logs the experiment parameters and trains for NEpochs epochs from a
// fresh state.
func (t *SeparationTrainer) Run(ctx context.Context) (TrainState, error) {
	return t.RunFrom(ctx, NewTrainState())
}

// RunFrom trains from state, such as one restored from a checkpoint, until
// state.Epoch reaches NEpochs.
func (t *SeparationTrainer) RunFrom(ctx context.Context, state TrainState) (TrainState, error) {
	params := t.config.Parameters()
	params["n_parameters"] = CountParameters(t.separator.Parameters())
	params["start_epoch"] = state.Epoch
	t.warn(t.tracker.LogParameters(params, t.config.Tags))

	if t.session != nil {
		t.session.StartTraining(t.separator)
	}

	for state.Epoch < t.config.NEpochs {
		next, _, err := t.RunEpoch(ctx, state)
		if err != nil {
			return state, fmt.Errorf("epoch %d: %w", state.Epoch, err)
		}
		state = next
	}
	return state, nil
}

// RunEpoch trains on every training batch, updates the learning rate,
// evaluates every active split and reports the epoch. The returned state has
// its counters advanced; on error the input state is returned unchanged.
func (t *SeparationTrainer) RunEpoch(ctx context.Context, state TrainState) (TrainState, EpochReport, error) {
	start := time.Now()
	t.aggregator.Reset()
	defer t.aggregator.Reset()

	next := state
	lr := t.optimizer.GetLR()

	if err := t.trainEpoch(ctx, state.Epoch); err != nil {
		return state, EpochReport{}, fmt.Errorf("training failed: %w", err)
	}

	t.optimizer.SetLR(t.scheduler.GetLR(next.TrainStep, 0, t.config.LearningRate))
	next.TrainStep++

	var lastBatches []evalAudio
	for _, split := range t.splits.ActiveEval() {
		audio, err := t.evaluateSplit(ctx, state.Epoch, split)
		if err != nil {
			return state, EpochReport{}, fmt.Errorf("evaluation of %s failed: %w", split.Name, err)
		}
		if audio != nil {
			lastBatches = append(lastBatches, *audio)
		}
	}
	next.ValStep++

	report := t.aggregator.Snapshot()
	step := Step{Epoch: state.Epoch, Train: next.TrainStep, Val: next.ValStep, LearningRate: lr}
	if err := t.report(step, report, lastBatches); err != nil {
		return state, EpochReport{}, err
	}

	if key, ok := t.BestMetricKey(); ok {
		if summary, ok := report.Summary(key); ok && summary.Count > 0 {
			if err := t.afterEvaluation(&next, key, summary.Mean); err != nil {
				return state, EpochReport{}, err
			}
		}
	}
	if t.checkpoints != nil {
		if _, err := t.checkpoints.SavePeriodicCheckpoint(next); err != nil {
			return state, EpochReport{}, err
		}
	}

	t.warn(t.tracker.EndEpoch(step))
	next.Epoch++

	if t.session == nil {
		fmt.Printf("Epoch %d/%d finished in %v\n", next.Epoch, t.config.NEpochs, time.Since(start).Round(time.Millisecond))
	}
	return next, report, nil
}

// trainEpoch runs one pass over the training split
func (t *SeparationTrainer) trainEpoch(ctx context.Context, epoch int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loader := t.splits.Train
	t.separator.Train()
	if t.session != nil {
		t.session.StartEpoch(epoch, loader.Len())
		defer t.session.FinishTrainingEpoch()
	}

	params := t.separator.Parameters()
	for batch := range loader.Iterator(ctx) {
		t.optimizer.ZeroGrad()
		tensor.ZeroGrad(params)

		snr, err := InputSNR(batch.Sources, batch.Mixture)
		if err != nil {
			return err
		}
		t.aggregator.RecordHistogram(Key(TrainSplit, InputSNRKind), snr)

		estimates, err := t.forward(batch)
		if err != nil {
			return err
		}

		loss, err := t.lossEngine.Loss(estimates, batch.Sources, batch.Mixture)
		if err != nil {
			return fmt.Errorf("loss computation failed: %w", err)
		}
		lossValue, err := loss.Item()
		if err != nil {
			return fmt.Errorf("failed to get loss value: %w", err)
		}

		if err := loss.Backward(); err != nil {
			return fmt.Errorf("backward pass failed: %w", err)
		}
		if t.config.ClipGradNorm > 0 {
			ClipGradNorm(params, t.config.ClipGradNorm)
		}
		if err := t.optimizer.Step(); err != nil {
			return fmt.Errorf("optimizer step failed: %w", err)
		}

		t.aggregator.Record(Key(TrainSplit, BackLoss), []float64{lossValue})
		if t.session != nil {
			t.session.UpdateTrainingProgress(lossValue)
		}
	}

	if err := loader.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

// evalAudio is the first example of a split's last evaluation batch.
type evalAudio struct {
	split      string
	mixture    []float64
	estimates  [][]float64
	references [][]float64
}

// evaluateSplit scores every batch of split and returns the audio of its
// last batch.
func (t *SeparationTrainer) evaluateSplit(ctx context.Context, epoch int, split NamedLoader) (*evalAudio, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.separator.Eval()
	defer t.separator.Train()
	if t.session != nil {
		t.session.StartValidation(split.Name, split.Loader.Len())
		defer t.session.FinishValidationEpoch()
	}

	n := t.config.NSources()
	var last *evalAudio
	for batch := range split.Loader.Iterator(ctx) {
		snr, err := InterleavedInputSNR(batch.Sources, batch.Mixture)
		if err != nil {
			return nil, err
		}

		estimates, err := t.forward(batch)
		if err != nil {
			return nil, err
		}
		estimates = estimates.Detach()

		result, err := t.evalEngine.Evaluate(estimates, batch.Sources, batch.Mixture)
		if err != nil {
			return nil, fmt.Errorf("evaluation failed: %w", err)
		}

		t.aggregator.RecordHistogram(Key(split.Name, InputSNRKind), snr)
		t.aggregator.RecordPerSource(Key(split.Name, SISDR), result.SISDR, n)
		t.aggregator.RecordPerSource(Key(split.Name, SISDRi), result.Improvement, n)

		if t.session != nil {
			t.session.UpdateValidationProgress(stat.Mean(result.Improvement, nil))
		}
		if t.config.LogAudio {
			last = firstExampleAudio(split.Name, batch, estimates)
		}
	}

	if err := split.Loader.Err(); err != nil {
		return nil, err
	}
	return last, ctx.Err()
}

// forward runs the separator on the batch mixture as (B, 1, T).
func (t *SeparationTrainer) forward(batch *Batch) (*tensor.Tensor, error) {
	mixture, err := batch.Mixture.Unsqueeze(1)
	if err != nil {
		return nil, err
	}
	estimates, err := t.separator.Forward(mixture)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	return estimates, nil
}

func firstExampleAudio(split string, batch *Batch, estimates *tensor.Tensor) *evalAudio {
	audio := &evalAudio{
		split:   split,
		mixture: append([]float64(nil), batch.Mixture.Row(0)...),
	}
	for c := 0; c < estimates.Shape[1]; c++ {
		audio.estimates = append(audio.estimates, append([]float64(nil), estimates.Channel(0, c)...))
		audio.references = append(audio.references, append([]float64(nil), batch.Sources.Channel(0, c)...))
	}
	return audio
}

// epochAsset is the serialised form of an epoch report.
type epochAsset struct {
	Epoch        int                  `json:"epoch"`
	TrainStep    int                  `json:"train_step"`
	ValStep      int                  `json:"val_step"`
	LearningRate float64              `json:"learning_rate"`
	Metrics      map[string]Summary   `json:"metrics"`
	Histograms   map[string][]float64 `json:"histograms"`
}

// report logs the epoch's metrics, histograms, scatter plots, assets and
// audio. Only a scatter pairing error is fatal; tracker and asset encoding
// failures are printed as warnings.
func (t *SeparationTrainer) report(step Step, report EpochReport, audio []evalAudio) error {
	var pairs []ScatterPair
	for _, split := range t.splits.ActiveEval() {
		snr := Key(split.Name, InputSNRKind)
		pairs = append(pairs,
			ScatterPair{X: snr, Y: Key(split.Name, SISDR)},
			ScatterPair{X: snr, Y: Key(split.Name, SISDRi)},
		)
	}
	scatter, err := t.aggregator.ReportScatter(pairs)
	if err != nil {
		return err
	}

	t.warn(t.tracker.LogMetrics(step, report.Summaries))
	t.warn(t.tracker.LogHistograms(step, report.Histograms))
	t.warn(t.tracker.LogScatter(step, scatter))

	asset := epochAsset{
		Epoch:        step.Epoch,
		TrainStep:    step.Train,
		ValStep:      step.Val,
		LearningRate: step.LearningRate,
		Metrics:      make(map[string]Summary, len(report.Summaries)),
		Histograms:   make(map[string][]float64, len(report.Histograms)),
	}
	for _, s := range report.Summaries {
		asset.Metrics[s.Key.String()] = s.Summary
	}
	for _, h := range report.Histograms {
		asset.Histograms[h.Key.String()] = h.Values
	}
	for _, format := range t.assetFormats {
		data, err := checkpoints.EncodeAsset(asset, format)
		if err != nil {
			t.warn(fmt.Errorf("failed to encode metrics asset: %w", err))
			continue
		}
		t.warn(t.tracker.LogAsset(step, "metrics."+format.Extension(), data))
	}

	for _, a := range audio {
		t.warn(t.tracker.LogAudio(step, a.split+"_mixture", t.config.SampleRate, a.mixture))
		for c := range a.estimates {
			t.warn(t.tracker.LogAudio(step, fmt.Sprintf("%s_estimate_%d", a.split, c), t.config.SampleRate, a.estimates[c]))
			t.warn(t.tracker.LogAudio(step, fmt.Sprintf("%s_reference_%d", a.split, c), t.config.SampleRate, a.references[c]))
		}
	}
	return nil
}

// afterEvaluation updates the best metric, saves the best checkpoint and
// steps a plateau scheduler.
func (t *SeparationTrainer) afterEvaluation(state *TrainState, key MetricKey, metric float64) error {
	if metric > state.BestValMetric {
		state.BestValMetric = metric
	}
	if t.checkpoints != nil {
		if _, err := t.checkpoints.SaveBestCheckpoint(*state, metric, key.String()); err != nil {
			return err
		}
	}
	if plateau, ok := t.scheduler.(MetricScheduler); ok {
		t.optimizer.SetLR(plateau.Step(metric, t.optimizer.GetLR()))
	}
	return nil
}

func (t *SeparationTrainer) warn(err error) {
	if err != nil {
		fmt.Printf("Warning: tracker failed: %v\n", err)
	}
}
