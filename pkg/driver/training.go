// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package driver

import (
	stdcontext "context"
	"fmt"
	"math"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/exuejiao/enhancer/pkg/estimator"
	"github.com/exuejiao/enhancer/pkg/records"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priorities of the hooks the driver attaches to the training loop.
const (
	cancellationPriority train.Priority = 0
	checkpointPriority   train.Priority = estimator.HookPriority + 10
)

// RunTraining trains the model with the records in cfg.DataDir, and the hyperparameters in ctx.
//
// Training resumes from the last checkpoint in cfg.CheckpointDir, if there is one. It stops when the records
// are exhausted (after ParamEpochs), when the global step reaches ParamTrainSteps (if > 0), or when runCtx is
// cancelled. A checkpoint is saved every ParamMinEvalFrequency steps, along with an evaluation of ParamEvalSteps
// batches of the training records, and at the end.
//
// The training summaries are appended to plots.TrainingPlotFileName in cfg.SummariesDir, and plotted in
// TrainingPlotFileName.
func RunTraining(runCtx stdcontext.Context, backend backends.Backend, ctx *context.Context, cfg RunConfig) error {
	if err := cfg.CreateDirs(); err != nil {
		return err
	}
	numCheckpoints := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
	checkpoint, err := checkpoints.Build(ctx).
		Dir(cfg.CheckpointDir).
		Keep(numCheckpoints).
		ExcludeParams(append(cfg.ParamsSet, ParamsExcludedFromSaving...)...).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "driver: failed to open checkpoint in %q", cfg.CheckpointDir)
	}
	params, err := TrainingParamsFromContext(ctx)
	if err != nil {
		return err
	}
	estCfg, err := estimator.ConfigFromContext(ctx)
	if err != nil {
		return err
	}
	snapshotPath, err := SaveSnapshot(ctx, cfg)
	if err != nil {
		return err
	}
	klog.V(1).Infof("driver: run %s configuration saved to %q", cfg.RunID, snapshotPath)

	recs, err := records.Load(records.Config{
		Dir:        cfg.DataDir,
		ImageSize:  params.ImageSize,
		Ratio:      estCfg.Ratio,
		MaxRecords: params.TrainSize,
		Verbose:    cfg.Verbose,
	})
	if err != nil {
		return err
	}
	numBatches := len(recs) / params.BatchSize
	klog.Infof("Total number of batches %s (%s records, batch size %d)",
		humanize.Comma(int64(numBatches)), humanize.Comma(int64(len(recs))), params.BatchSize)
	if numBatches == 0 {
		return errors.Errorf("driver: %d records are not enough for one batch of %d", len(recs), params.BatchSize)
	}
	seed := uint64(params.Seed)
	trainDS := records.NewTrainDataset(backend, recs, params.Epochs, params.ShuffleBuffer, params.BatchSize, seed)
	// Evaluation uses an independent, endless, feed of the training records.
	evalDS := records.NewTrainDataset(backend, recs, 0, params.ShuffleBuffer, params.BatchSize, seed+1)

	est, err := estimator.New(backend, ctx, estCfg)
	if err != nil {
		return err
	}
	defer est.Finalize()
	globalStep := est.GlobalStep()
	if globalStep > 0 {
		klog.Infof("Restarting training from global step %s", humanize.Comma(int64(globalStep)))
	}
	steps := 0
	if params.TrainSteps > 0 {
		steps = params.TrainSteps - globalStep
		if steps <= 0 {
			klog.Infof("Target %s=%d already reached at global step %d", ParamTrainSteps, params.TrainSteps,
				globalStep)
			return nil
		}
	}

	pointsPath := filepath.Join(cfg.SummariesDir, plots.TrainingPlotFileName)
	points, pointsErr := plots.CreatePointsWriter(pointsPath)
	est.WithSummaries(points)

	loop := est.Loop()
	if cfg.Verbose {
		commandline.AttachProgressBar(loop)
	}
	loop.OnStep("cancellation", cancellationPriority, func(_ *train.Loop, _ []*tensors.Tensor) error {
		return runCtx.Err()
	})
	train.EveryNSteps(loop, params.MinEvalFrequency, "checkpoint and evaluation", checkpointPriority,
		func(_ *train.Loop, _ []*tensors.Tensor) error {
			if err := checkpoint.Save(); err != nil {
				return err
			}
			return evaluate(est, evalDS, params.EvalSteps, points)
		})

	trainErr := est.Train(trainDS, steps)
	if errors.Is(trainErr, stdcontext.Canceled) || errors.Is(trainErr, stdcontext.DeadlineExceeded) {
		klog.Infof("Training interrupted at global step %d", est.GlobalStep())
	}
	// Save the last state, even if training was interrupted.
	if est.GlobalStep() > globalStep {
		if err := checkpoint.Save(); err != nil && trainErr == nil {
			trainErr = err
		}
	}
	close(points)
	if err := <-pointsErr; err != nil && trainErr == nil {
		trainErr = errors.WithMessage(err, "driver: failed to write training summaries")
	}
	if trainErr != nil {
		return trainErr
	}
	klog.Infof("Training finished at global step %s, checkpoint saved in %q",
		humanize.Comma(int64(est.GlobalStep())), checkpoint.Dir())

	allPoints, err := plots.LoadPoints(pointsPath)
	if err != nil {
		return err
	}
	if len(allPoints) > 0 {
		if err = PlotTraining(allPoints, filepath.Join(cfg.SummariesDir, TrainingPlotFileName)); err != nil {
			return err
		}
	}
	return nil
}

// evaluate evaluates steps batches of ds, logs the results and sends them to the summary points.
func evaluate(est *estimator.Estimator, ds train.Dataset, steps int, points chan<- plots.Point) error {
	if steps <= 0 {
		return nil
	}
	values, err := est.Evaluate(ds, steps)
	if err != nil {
		return err
	}
	step := est.GlobalStep()
	keys := estimator.MetricKeys
	if _, found := values[estimator.MetricHistogramLoss]; found {
		keys = append(keys[:len(keys):len(keys)], estimator.MetricHistogramLoss)
	}
	var line string
	for _, key := range keys {
		value := values[key]
		line += fmt.Sprintf("%s=%.5g, ", key, value)
		if math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		points <- plots.Point{
			MetricName: "Eval: " + estimator.MetricName(key),
			Short:      "E/" + key,
			MetricType: estimator.MetricType(key),
			Step:       float64(step),
			Value:      value,
		}
	}
	klog.Infof("eval: %sstep=%d", line, step)
	return nil
}
