// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package estimator binds the super-resolution network (package srcnn), the perceptual metrics and the Adam
// optimizer into a model that can be trained, evaluated and used for predictions.
//
// The model graph for each mode is described by a Spec (see BuildSpec). The Estimator runs it with a
// GoMLX train.Trainer and train.Loop:
//
//	cfg := must.M1(estimator.ConfigFromContext(ctx))
//	est := must.M1(estimator.New(backend, ctx, cfg))
//	must.M(est.Train(trainDS, 0))         // Until trainDS is exhausted.
//	values := must.M1(est.Evaluate(evalDS, 0))
//	hr := must.M1(est.Predict(lrImages, outputSize))
package estimator

import (
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/exuejiao/enhancer/pkg/srcnn"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelScope is the scope, under the root of the context.Context, where the model variables are created.
const ModelScope = "model"

// Estimator trains, evaluates and runs the super-resolution model.
//
// It is not safe for concurrent use: each training step, evaluation or prediction blocks until it's complete.
type Estimator struct {
	backend backends.Backend
	ctx     *context.Context
	cfg     Config

	trainer *train.Trainer
	loop    *train.Loop

	trainKeys, evalKeys       []string
	trainMetrics, evalMetrics []metrics.Interface

	summaries chan<- plots.Point

	muPredict   sync.Mutex
	predictExec *context.Exec
}

// New creates an Estimator for the model configured by cfg. The model variables are stored in ctx under
// ModelScope, the optimizer variables and the global step at the root of ctx.
//
// If ctx already holds a trained model (e.g. loaded from a checkpoint), training continues from its global step.
func New(backend backends.Backend, ctx *context.Context, cfg Config) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Estimator{
		backend: backend,
		ctx:     ctx,
		cfg:     cfg,
	}
	e.trainMetrics, e.trainKeys = newTrainMetrics(cfg)
	e.evalMetrics, e.evalKeys = newEvalMetrics(cfg)

	err := exceptions.TryCatch[error](func() {
		e.trainer = train.NewTrainer(backend, e.ctx, e.modelGraph, e.lossGraph,
			optimizers.Adam().LearningRate(cfg.LearningRate).Done(),
			e.trainMetrics, e.evalMetrics)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "estimator: failed to create trainer")
	}
	if optimizers.GetGlobalStep(e.ctx) > 0 {
		e.trainer.SetContext(e.ctx.Reuse())
	}
	e.loop = train.NewLoop(e.trainer)
	e.attachHooks()
	return e, nil
}

// Config returns the estimator configuration.
func (e *Estimator) Config() Config { return e.cfg }

// Context returns the context.Context holding the model and the optimizer variables.
func (e *Estimator) Context() *context.Context { return e.ctx }

// Loop returns the training loop, so extra hooks (checkpoints, progress bars, etc.) can be attached.
func (e *Estimator) Loop() *train.Loop { return e.loop }

// Trainer returns the underlying train.Trainer.
func (e *Estimator) Trainer() *train.Trainer { return e.trainer }

// GlobalStep returns the number of training steps run so far, including those of previous runs restored
// from a checkpoint.
func (e *Estimator) GlobalStep() int {
	return int(optimizers.GetGlobalStep(e.ctx))
}

// WithSummaries sets the channel that receives the training summaries (see plots.CreatePointsWriter), emitted
// every SummaryEvery steps.
func (e *Estimator) WithSummaries(summaries chan<- plots.Point) *Estimator {
	e.summaries = summaries
	return e
}

// modelGraph implements train.ModelFn.
// It takes the low-resolution images as inputs[0], and returns the predictions. The loss and the metrics
// are built by the trainer, from lossGraph and the metrics, since the high-resolution images are only
// given to them. The mode is taken from the context training flag.
func (e *Estimator) modelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	lr := inputs[0]
	if lr.Rank() != 4 {
		exceptions.Panicf("estimator: low-resolution images must be shaped [batch, height, width, channels], got %s",
			lr.Shape())
	}
	m := ModeEval
	if ctx.IsTraining(lr.Graph()) {
		m = ModeTrain
	}
	return []*Node{srcnn.Build(ctx.In(ModelScope), e.cfg.Model, m, lr, lr.Shape().Dimensions[1]*e.cfg.Ratio)}
}

// lossGraph implements the trainer loss function.
func (e *Estimator) lossGraph(labels, predictions []*Node) *Node {
	hr, pred := labels[0], predictions[0]
	if !hr.Shape().Equal(pred.Shape()) {
		exceptions.Panicf("estimator: high-resolution images shaped %s don't match predictions shaped %s",
			hr.Shape(), pred.Shape())
	}
	return BuildLoss(e.cfg.Loss, hr, pred)
}

// Train runs steps training steps on ds, or fewer if ds is exhausted first (io.EOF).
// If steps <= 0, it trains until ds is exhausted.
//
// Each step updates the model variables with Adam, increments the global step, and fires the loop hooks.
func (e *Estimator) Train(ds train.Dataset, steps int) error {
	if steps > 0 {
		ds = Take(ds, steps)
	}
	_, err := e.loop.RunEpochs(ds, 1)
	if err != nil {
		return errors.WithMessagef(err, "estimator: training failed at global step %d", e.GlobalStep())
	}
	if klog.V(1).Enabled() {
		klog.Infof("estimator: trained to global step %d, median step time %s", e.GlobalStep(),
			e.loop.MedianTrainStepDuration())
	}
	return nil
}

// Evaluate the model on steps batches of ds, or on the whole ds if steps <= 0.
// It returns the mean of each metric by its key (MetricMSE, MetricPSNR, MetricLoss, ...).
//
// It doesn't change the model variables.
func (e *Estimator) Evaluate(ds train.Dataset, steps int) (map[string]float64, error) {
	evalDS := ds
	if steps > 0 {
		evalDS = Take(ds, steps)
	}
	values, err := e.trainer.Eval(evalDS)
	if err != nil {
		return nil, errors.WithMessagef(err, "estimator: evaluation on %q failed", ds.Name())
	}
	defer func() {
		for _, value := range values {
			value.MustFinalizeAll()
		}
	}()
	results := make(map[string]float64, len(e.evalKeys))
	for ii, metric := range e.trainer.EvalMetrics() {
		idx := slices.Index(e.evalMetrics, metric)
		if idx < 0 {
			continue
		}
		results[e.evalKeys[idx]] = shapes.ConvertTo[float64](values[ii].Value())
	}
	if len(results) != len(e.evalKeys) {
		return nil, errors.Errorf("estimator: evaluation returned metrics %v, expected %v",
			slices.Sorted(maps.Keys(results)), e.evalKeys)
	}
	return results, nil
}

// Predict the high-resolution images for lr, shaped `[batch, size, size, channels]`. The predictions are shaped
// `[batch, outputSize, outputSize, channels]`, and outputSize must be size times the configured ratio.
//
// The model variables must already exist: either trained or loaded from a checkpoint.
func (e *Estimator) Predict(lr *tensors.Tensor, outputSize int) (*tensors.Tensor, error) {
	if lr.Rank() != 4 {
		return nil, errors.Errorf("estimator: low-resolution images must be shaped [batch, height, width, channels], got %s",
			lr.Shape())
	}
	if size := lr.Shape().Dimensions[1]; size*e.cfg.Ratio != outputSize {
		return nil, errors.Errorf("estimator: can't predict %dx%d images from %dx%d images with ratio %d",
			outputSize, outputSize, size, size, e.cfg.Ratio)
	}
	exec, err := e.getPredictExec()
	if err != nil {
		return nil, err
	}
	output, err := exec.Exec1(lr)
	if err != nil {
		return nil, errors.WithMessagef(err, "estimator: prediction for images shaped %s failed", lr.Shape())
	}
	return output, nil
}

func (e *Estimator) getPredictExec() (*context.Exec, error) {
	e.muPredict.Lock()
	defer e.muPredict.Unlock()
	if e.predictExec != nil {
		return e.predictExec, nil
	}
	exec, err := context.NewExec(e.backend, e.ctx.Reuse(), func(ctx *context.Context, lr *Node) *Node {
		return BuildSpec(ctx.In(ModelScope), e.cfg, ModePredict, lr, nil).ExportOutputs[PredictionsKey]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "estimator: failed to create prediction graph")
	}
	e.predictExec = exec
	return exec, nil
}

// Finalize frees the compiled prediction graph. The Estimator can't be used for predictions afterwards.
func (e *Estimator) Finalize() {
	e.muPredict.Lock()
	defer e.muPredict.Unlock()
	if e.predictExec != nil {
		e.predictExec.Finalize()
		e.predictExec = nil
	}
}

// takeDataset yields at most n batches of the wrapped dataset.
// Reset only restarts the count, so the wrapped dataset continues where it stopped: this is used to
// evaluate a few batches of a streaming training dataset.
type takeDataset struct {
	train.Dataset
	n, count int
}

// Take returns a dataset that yields at most n batches of ds, and then io.EOF.
// If ds ends earlier, its io.EOF is returned as usual.
func Take(ds train.Dataset, n int) train.Dataset {
	return &takeDataset{Dataset: ds, n: n}
}

// Yield implements train.Dataset.
func (ds *takeDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.count >= ds.n {
		return nil, nil, nil, io.EOF
	}
	ds.count++
	return ds.Dataset.Yield()
}

// Reset implements train.Dataset.
func (ds *takeDataset) Reset() {
	ds.count = 0
}
