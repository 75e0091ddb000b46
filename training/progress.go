package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// ProgressBar shows per-batch progress of one phase with the latest metrics.
type ProgressBar struct {
	bar   *mpb.Bar
	total int
	done  int
	last  time.Time

	mutex   sync.Mutex
	metrics map[string]float64
}

// NewProgressBar adds a bar of total steps to progress
func NewProgressBar(progress *mpb.Progress, description string, total int) *ProgressBar {
	pb := &ProgressBar{
		total:   total,
		last:    time.Now(),
		metrics: make(map[string]float64),
	}
	pb.bar = progress.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name(description+": "),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.Name(" "),
			decor.EwmaETA(decor.ET_STYLE_GO, 30),
			decor.Any(pb.renderMetrics),
		),
	)
	return pb
}

// Update advances the bar by one step and replaces the shown metrics
func (pb *ProgressBar) Update(metrics map[string]float64) {
	pb.UpdateMetrics(metrics)

	now := time.Now()
	pb.bar.EwmaIncrement(now.Sub(pb.last))
	pb.last = now
	pb.done++
}

// UpdateMetrics updates metrics without advancing progress
func (pb *ProgressBar) UpdateMetrics(metrics map[string]float64) {
	pb.mutex.Lock()
	defer pb.mutex.Unlock()
	for k, v := range metrics {
		pb.metrics[k] = v
	}
}

// Finish completes the bar. A bar stopped early is aborted but left on
// screen.
func (pb *ProgressBar) Finish() {
	if pb.total <= 0 || pb.done < pb.total {
		pb.bar.Abort(false)
	}
}

func (pb *ProgressBar) renderMetrics(decor.Statistics) string {
	pb.mutex.Lock()
	defer pb.mutex.Unlock()

	if len(pb.metrics) == 0 {
		return ""
	}
	names := make([]string, 0, len(pb.metrics))
	for name := range pb.metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, " %s=%.3f", name, pb.metrics[name])
	}
	return sb.String()
}

// TrainingSession drives the progress bars and console summaries of a run.
// Its methods are called from the training loop goroutine only.
type TrainingSession struct {
	modelName string
	epochs    int
	out       io.Writer
	progress  *mpb.Progress

	currentEpoch  int
	trainProgress *ProgressBar
	evalProgress  *ProgressBar
}

// NewTrainingSession renders to out, or stdout when out is nil.
func NewTrainingSession(modelName string, epochs int, out io.Writer) *TrainingSession {
	if out == nil {
		out = os.Stdout
	}
	return &TrainingSession{
		modelName: modelName,
		epochs:    epochs,
		out:       out,
		progress:  mpb.New(mpb.WithWidth(64), mpb.WithOutput(out)),
	}
}

// StartTraining prints the model summary
func (ts *TrainingSession) StartTraining(separator Separator) {
	fmt.Fprintf(ts.out, "%s: %d sources, %s trainable parameters\n",
		ts.modelName, separator.NumSources(), formatParameterCount(CountParameters(separator.Parameters())))
	fmt.Fprintln(ts.out, "Starting training...")
}

// StartEpoch begins the training phase of an epoch
func (ts *TrainingSession) StartEpoch(epoch, steps int) {
	ts.currentEpoch = epoch
	description := fmt.Sprintf("Epoch %d/%d (%s)", epoch+1, ts.epochs, TrainSplit)
	ts.trainProgress = NewProgressBar(ts.progress, description, steps)
}

// UpdateTrainingProgress advances the training bar
func (ts *TrainingSession) UpdateTrainingProgress(loss float64) {
	if ts.trainProgress != nil {
		ts.trainProgress.Update(map[string]float64{"loss": loss})
	}
}

// FinishTrainingEpoch completes the training phase of an epoch
func (ts *TrainingSession) FinishTrainingEpoch() {
	if ts.trainProgress != nil {
		ts.trainProgress.Finish()
	}
}

// StartValidation begins the evaluation of one split
func (ts *TrainingSession) StartValidation(split string, steps int) {
	description := fmt.Sprintf("Epoch %d/%d (%s)", ts.currentEpoch+1, ts.epochs, split)
	ts.evalProgress = NewProgressBar(ts.progress, description, steps)
}

// UpdateValidationProgress advances the evaluation bar
func (ts *TrainingSession) UpdateValidationProgress(sisdri float64) {
	if ts.evalProgress != nil {
		ts.evalProgress.Update(map[string]float64{"SISDRi": sisdri})
	}
}

// FinishValidationEpoch completes the evaluation of one split
func (ts *TrainingSession) FinishValidationEpoch() {
	if ts.evalProgress != nil {
		ts.evalProgress.Finish()
		ts.evalProgress = nil
	}
}

// Close waits for every bar to finish rendering. The session cannot be
// used afterwards.
func (ts *TrainingSession) Close() {
	ts.progress.Wait()
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int) string {
	switch {
	case count >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(count)/1e6)
	case count >= 1_000:
		return fmt.Sprintf("%.1fK", float64(count)/1e3)
	default:
		return fmt.Sprintf("%d", count)
	}
}
