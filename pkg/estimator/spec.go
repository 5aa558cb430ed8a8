// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"github.com/exuejiao/enhancer/pkg/estimator/mode"
	"github.com/exuejiao/enhancer/pkg/perceptual"
	"github.com/exuejiao/enhancer/pkg/srcnn"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Mode the model graph is built for. See package mode.
type Mode = mode.Mode

// Modes, aliased from package mode.
const (
	ModeTrain   = mode.Train
	ModeEval    = mode.Eval
	ModePredict = mode.Predict
)

// Hyperparameters read from the context.Context by ConfigFromContext, besides those read by
// srcnn.ConfigFromContext.
const (
	// ParamLearningRate of the Adam optimizer. It's the same key used by the optimizers package.
	ParamLearningRate = "learning_rate"

	// ParamLoss selects the loss: LossComposite (default) or LossMSE.
	ParamLoss = "loss"

	// ParamHistogramLoss adds the histogram loss (see perceptual.HistogramLoss) as an extra evaluation metric.
	// It's never part of the training loss.
	ParamHistogramLoss = "histogram_metric"
)

// Loss selects the loss function.
type Loss string

const (
	// LossComposite is `0.75*RMSE + 0.25*(1-SSIM)`.
	LossComposite Loss = "composite"

	// LossMSE is the plain mean squared error.
	LossMSE Loss = "mse"
)

// Weights of the composite loss.
const (
	RMSEWeight = 0.75
	SSIMWeight = 0.25
)

// Keys of the metrics in Spec.Metrics and in the values returned by Estimator.Evaluate.
const (
	MetricMSE           = "mse"
	MetricRMSE          = "rmse"
	MetricPSNR          = "psnr"
	MetricSSIM          = "ssim"
	MetricLoss          = "loss"
	MetricHistogramLoss = "histogram_loss"
)

// MetricKeys lists the metrics always computed in ModeTrain and ModeEval, in the order they are reported.
var MetricKeys = []string{MetricMSE, MetricRMSE, MetricPSNR, MetricSSIM, MetricLoss}

// PredictionsKey is the key of the predictions in Spec.ExportOutputs.
const PredictionsKey = "high_res_images"

// Cadences, in training steps, of the logging and summary hooks.
const (
	LogEvery     = 10
	SummaryEvery = 100
)

// Config of the estimator: the topology plus the training configuration.
type Config struct {
	Model srcnn.Config

	// Ratio between the high-resolution and the low-resolution image sizes.
	Ratio int

	Loss         Loss
	LearningRate float64

	// HistogramMetric adds MetricHistogramLoss to the evaluation metrics.
	HistogramMetric bool
}

// ConfigFromContext creates the Config from the context hyperparameters.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	model, err := srcnn.ConfigFromContext(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Model:           model,
		Ratio:           context.GetParamOr(ctx, srcnn.ParamRatio, 1),
		Loss:            Loss(context.GetParamOr(ctx, ParamLoss, string(LossComposite))),
		LearningRate:    context.GetParamOr(ctx, ParamLearningRate, 1e-4),
		HistogramMetric: context.GetParamOr(ctx, ParamHistogramLoss, false),
	}
	if err = cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate the configuration.
func (cfg Config) Validate() error {
	if err := cfg.Model.Validate(); err != nil {
		return err
	}
	if cfg.Ratio < 1 {
		return errors.Errorf("estimator: %s=%d must be >= 1", srcnn.ParamRatio, cfg.Ratio)
	}
	if srcnn.VariantForRatio(cfg.Ratio) != cfg.Model.Variant {
		return errors.Errorf("estimator: model variant %s doesn't match ratio %d", cfg.Model.Variant, cfg.Ratio)
	}
	if cfg.Loss != LossComposite && cfg.Loss != LossMSE {
		return errors.Errorf("estimator: unknown %s=%q, valid values are %q and %q",
			ParamLoss, cfg.Loss, LossComposite, LossMSE)
	}
	if cfg.LearningRate <= 0 {
		return errors.Errorf("estimator: %s=%g must be > 0", ParamLearningRate, cfg.LearningRate)
	}
	return nil
}

// Hook describes a periodic emission of metrics during training.
type Hook struct {
	Name string

	// Every is the number of training steps between emissions.
	Every int

	// Keys of the metrics emitted.
	Keys []string
}

// Spec describes the model graph built for one mode. It's rebuilt every time a graph is built.
type Spec struct {
	Mode Mode

	// Predictions are the high-resolution images predicted from the input.
	Predictions *Node

	// Loss is nil in ModePredict.
	Loss *Node

	// Metrics, by their keys (MetricMSE, MetricPSNR, ...). Empty in ModePredict.
	Metrics map[string]*Node

	// ExportOutputs holds the predictions under PredictionsKey.
	ExportOutputs map[string]*Node

	// Hooks to attach to the training loop: only set in ModeTrain.
	Hooks []Hook
}

// BuildSpec builds the model graph for the given mode.
//
// lr are the low-resolution images, shaped `[batch, size, size, channels]`. hr are the high-resolution
// images, shaped `[batch, size*ratio, size*ratio, channels]`, and are required for ModeTrain and ModeEval.
// hr is ignored in ModePredict, and can be nil.
//
// Shape mismatches panic (see exceptions.Panicf) when building the graph.
func BuildSpec(ctx *context.Context, cfg Config, m Mode, lr, hr *Node) *Spec {
	if m.HasLabels() && hr == nil {
		exceptions.Panicf("estimator.BuildSpec: high-resolution images are required in mode %s", m)
	}
	if lr.Rank() != 4 {
		exceptions.Panicf("estimator.BuildSpec: low-resolution images must be shaped [batch, height, width, channels], got %s",
			lr.Shape())
	}
	outputSize := lr.Shape().Dimensions[1] * cfg.Ratio
	if m.HasLabels() {
		if hr.Rank() != 4 || hr.Shape().Dimensions[1] != outputSize {
			exceptions.Panicf("estimator.BuildSpec: high-resolution images shaped %s don't match low-resolution images "+
				"shaped %s with ratio %d", hr.Shape(), lr.Shape(), cfg.Ratio)
		}
	}
	predictions := srcnn.Build(ctx, cfg.Model, m, lr, outputSize)
	spec := &Spec{
		Mode:          m,
		Predictions:   predictions,
		ExportOutputs: map[string]*Node{PredictionsKey: predictions},
		Metrics:       make(map[string]*Node),
	}
	if !m.HasLabels() {
		return spec
	}
	if !hr.Shape().Equal(predictions.Shape()) {
		exceptions.Panicf("estimator.BuildSpec: high-resolution images shaped %s don't match predictions shaped %s",
			hr.Shape(), predictions.Shape())
	}
	spec.Metrics = BuildMetrics(cfg, hr, predictions)
	spec.Loss = spec.Metrics[MetricLoss]
	if m == ModeTrain {
		spec.Hooks = TrainHooks(cfg)
	}
	return spec
}

// BuildMetrics returns the metrics comparing the predicted images with the high-resolution images, by their keys.
func BuildMetrics(cfg Config, hr, predictions *Node) map[string]*Node {
	mse := perceptual.MSE(predictions, hr)
	rmse := perceptual.RMSEFromMSE(mse)
	ssim := perceptual.SSIM(predictions, hr).Done()
	metrics := map[string]*Node{
		MetricMSE:  mse,
		MetricRMSE: rmse,
		MetricPSNR: perceptual.PSNR(mse),
		MetricSSIM: ssim,
		MetricLoss: lossFromMetrics(cfg.Loss, mse, rmse, ssim),
	}
	if cfg.HistogramMetric {
		metrics[MetricHistogramLoss] = perceptual.HistogramLoss(predictions, hr)
	}
	return metrics
}

// BuildLoss returns the loss comparing the predicted images with the high-resolution images.
func BuildLoss(loss Loss, hr, predictions *Node) *Node {
	mse := perceptual.MSE(predictions, hr)
	if loss == LossMSE {
		return mse
	}
	return lossFromMetrics(loss, mse, perceptual.RMSEFromMSE(mse), perceptual.SSIM(predictions, hr).Done())
}

func lossFromMetrics(loss Loss, mse, rmse, ssim *Node) *Node {
	switch loss {
	case LossMSE:
		return mse
	case LossComposite:
		// 0.75*rmse + 0.25*(1-ssim)
		return Add(MulScalar(rmse, RMSEWeight), MulScalar(OneMinus(ssim), SSIMWeight))
	}
	exceptions.Panicf("estimator: unknown loss %q", loss)
	return nil
}
