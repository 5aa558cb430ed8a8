// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"fmt"
	"slices"

	"github.com/exuejiao/enhancer/pkg/perceptual"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
)

// metricTypes groups the metrics for plotting: metrics of the same type share a plot.
var metricTypes = map[string]string{
	MetricMSE:           metrics.LossMetricType,
	MetricRMSE:          metrics.LossMetricType,
	MetricLoss:          metrics.LossMetricType,
	MetricHistogramLoss: metrics.LossMetricType,
	MetricPSNR:          "psnr",
	MetricSSIM:          "similarity",
}

// metricNames are the display names of the metrics. They are distinct from the names the trainer uses for its
// own loss metrics.
var metricNames = map[string]string{
	MetricMSE:           "MSE",
	MetricRMSE:          "RMSE",
	MetricLoss:          "Model Loss",
	MetricHistogramLoss: "Histogram Loss",
	MetricPSNR:          "PSNR",
	MetricSSIM:          "SSIM",
}

// MetricName returns the display name of the metric with the given key.
func MetricName(key string) string { return metricNames[key] }

// MetricType returns the type of the metric with the given key, used to group metrics in plots.
func MetricType(key string) string { return metricTypes[key] }

// metricFn returns a metrics.BaseMetricGraph that computes the metric with the given key.
// Metrics take the high-resolution images as labels[0] and the predictions as predictions[0].
func metricFn(cfg Config, key string) metrics.BaseMetricGraph {
	return func(_ *context.Context, labels, predictions []*Node) *Node {
		return buildMetric(cfg, key, labels[0], predictions[0])
	}
}

// buildMetric builds only the metric with the given key.
func buildMetric(cfg Config, key string, hr, predictions *Node) *Node {
	switch key {
	case MetricMSE:
		return perceptual.MSE(predictions, hr)
	case MetricRMSE:
		return perceptual.RMSE(predictions, hr)
	case MetricPSNR:
		return perceptual.PSNR(perceptual.MSE(predictions, hr))
	case MetricSSIM:
		return perceptual.SSIM(predictions, hr).Done()
	case MetricLoss:
		return BuildLoss(cfg.Loss, hr, predictions)
	case MetricHistogramLoss:
		return perceptual.HistogramLoss(predictions, hr)
	}
	exceptions.Panicf("estimator: unknown metric %q", key)
	return nil
}

func metricKeys(cfg Config) []string {
	keys := slices.Clone(MetricKeys)
	if cfg.HistogramMetric {
		keys = append(keys, MetricHistogramLoss)
	}
	return keys
}

func prettyPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.4g", shapes.ConvertTo[float64](value.Value()))
}

// newTrainMetrics returns the per-batch metrics reported during training, and their keys.
// The loss is included under MetricLoss, separately from the trainer's own loss metric, whose name
// depends on the regularization terms.
func newTrainMetrics(cfg Config) (trainMetrics []metrics.Interface, keys []string) {
	for _, key := range metricKeys(cfg) {
		trainMetrics = append(trainMetrics,
			metrics.NewBaseMetric("Batch "+metricNames[key], key, metricTypes[key], metricFn(cfg, key), prettyPrint))
		keys = append(keys, key)
	}
	return
}

// newEvalMetrics returns the metrics averaged over an evaluation dataset, and their keys.
//
// PSNR is averaged per batch (the PSNR of each batch MSE), the same way it's reported during training.
func newEvalMetrics(cfg Config) (evalMetrics []metrics.Interface, keys []string) {
	for _, key := range metricKeys(cfg) {
		evalMetrics = append(evalMetrics,
			metrics.NewMeanMetric("Mean "+metricNames[key], "#"+key, metricTypes[key], metricFn(cfg, key), prettyPrint))
		keys = append(keys, key)
	}
	return
}
