// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"io"
	"math"
	"testing"

	"github.com/exuejiao/enhancer/pkg/srcnn"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestBackend(t *testing.T) backends.Backend {
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)
	return backend
}

// gradientImages returns a batch of images with a smooth deterministic pattern, or zeros if zero is set.
func gradientImages(batchSize, size, channels int, zero bool) *tensors.Tensor {
	values := make([]float32, batchSize*size*size*channels)
	if !zero {
		idx := 0
		for b := range batchSize {
			for y := range size {
				for x := range size {
					for c := range channels {
						values[idx] = float32((x+y+b+c)%size) / float32(size)
						idx++
					}
				}
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(values, batchSize, size, size, channels)
}

// testDataset yields `limit` batches of (lr, hr) images, or indefinitely if limit is 0.
type testDataset struct {
	batchSize, lrSize, hrSize int
	zero                      bool
	limit, count              int
}

func (ds *testDataset) Name() string { return "test" }
func (ds *testDataset) Reset()       { ds.count = 0 }
func (ds *testDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.limit > 0 && ds.count >= ds.limit {
		return nil, nil, nil, io.EOF
	}
	ds.count++
	inputs = []*tensors.Tensor{gradientImages(ds.batchSize, ds.lrSize, 3, ds.zero)}
	labels = []*tensors.Tensor{gradientImages(ds.batchSize, ds.hrSize, 3, ds.zero)}
	return
}

func directConfig() Config {
	return Config{
		Model:        srcnn.Config{Stack: srcnn.ThreeLayers, Variant: srcnn.Direct, KeepProb: 1},
		Ratio:        1,
		Loss:         LossComposite,
		LearningRate: 1e-3,
	}
}

func upscaledConfig() Config {
	return Config{
		Model:           srcnn.Config{Stack: srcnn.FiveLayers, Variant: srcnn.Upscaled, KeepProb: 0.75},
		Ratio:           2,
		Loss:            LossComposite,
		LearningRate:    1e-3,
		HistogramMetric: true,
	}
}

func TestTrainStepOnZeros(t *testing.T) {
	backend := buildTestBackend(t)
	ctx := context.New()
	est, err := New(backend, ctx, directConfig())
	require.NoError(t, err)
	defer est.Finalize()

	ds := &testDataset{batchSize: 2, lrSize: 32, hrSize: 32, zero: true, limit: 1}
	require.NoError(t, est.Train(ds, 0))
	assert.Equal(t, 1, est.GlobalStep())
	assert.NotNil(t, ctx.GetVariableByScopeAndName("/"+ModelScope+"/"+srcnn.Scope+"/layer_0", "weights"),
		"model variables are created under ModelScope")

	ds.Reset()
	values, err := est.Evaluate(ds, 0)
	require.NoError(t, err)
	for _, key := range MetricKeys {
		require.Containsf(t, values, key, "missing metric %q", key)
	}
	loss := values[MetricLoss]
	assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0), "loss must be finite, got %g", loss)
	assert.GreaterOrEqual(t, loss, 0.0)
	assert.GreaterOrEqual(t, values[MetricPSNR], 0.0)
	assert.LessOrEqual(t, values[MetricSSIM], 1.0+1e-4)
}

func TestTrainEvaluatePredictUpscaled(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}
	backend := buildTestBackend(t)
	ctx := context.New()
	est, err := New(backend, ctx, upscaledConfig())
	require.NoError(t, err)
	defer est.Finalize()

	var points []plots.Point
	summaries := make(chan plots.Point, 1000)
	est.WithSummaries(summaries)
	trainDS := &testDataset{batchSize: 2, lrSize: 8, hrSize: 16}
	require.NoError(t, est.Train(trainDS, SummaryEvery))
	assert.Equal(t, SummaryEvery, est.GlobalStep())
	close(summaries)
	for point := range summaries {
		points = append(points, point)
	}
	// One summary point per metric at step SummaryEvery.
	require.Len(t, points, len(MetricKeys)+1)
	shorts := make(map[string]plots.Point, len(points))
	for _, point := range points {
		assert.Equal(t, float64(SummaryEvery), point.Step)
		shorts[point.Short] = point
	}
	for _, key := range metricKeys(est.Config()) {
		require.Containsf(t, shorts, "T/"+key, "missing summary of metric %q", key)
	}
	assert.Equal(t, metrics.LossMetricType, shorts["T/"+MetricLoss].MetricType)

	// Evaluate only 2 batches of the (infinite) training dataset.
	values, err := est.Evaluate(trainDS, 2)
	require.NoError(t, err)
	assert.Contains(t, values, MetricHistogramLoss)
	assert.InDelta(t, values[MetricPSNR], -10*math.Log10(values[MetricMSE]), 1e-2)

	lr := gradientImages(1, 8, 3, false)
	prediction, err := est.Predict(lr, 16)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 16, 16, 3}, prediction.Shape().Dimensions)
	for _, v := range tensors.MustCopyFlatData[float32](prediction) {
		require.True(t, v >= -1 && v <= 1, "tanh output out of range: %g", v)
	}

	_, err = est.Predict(lr, 24)
	require.Error(t, err)
}

func TestPredictWithoutVariables(t *testing.T) {
	backend := buildTestBackend(t)
	est, err := New(backend, context.New(), directConfig())
	require.NoError(t, err)
	_, err = est.Predict(gradientImages(1, 16, 3, false), 16)
	require.Error(t, err, "predicting without a trained or loaded model should fail")
}

func TestBuildSpec(t *testing.T) {
	backend := buildTestBackend(t)
	cfg := upscaledConfig()

	// Eval: predictions, loss and metrics; no hooks.
	ctx := context.New()
	loss, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, lr, hr *Node) *Node {
		spec := BuildSpec(ctx, cfg, ModeEval, lr, hr)
		assert.Equal(t, ModeEval, spec.Mode)
		assert.NotNil(t, spec.Loss)
		assert.Len(t, spec.Metrics, len(MetricKeys)+1)
		assert.Empty(t, spec.Hooks)
		assert.Same(t, spec.Predictions, spec.ExportOutputs[PredictionsKey])
		return spec.Loss
	}, gradientImages(2, 8, 3, false), gradientImages(2, 16, 3, false))
	require.NoError(t, err)
	assert.True(t, loss.IsScalar())

	// Train: same, plus the hooks with their cadences.
	_, err = context.ExecOnce(backend, ctx.Reuse(), func(ctx *context.Context, lr, hr *Node) *Node {
		spec := BuildSpec(ctx, cfg, ModeTrain, lr, hr)
		require.Len(t, spec.Hooks, 2)
		assert.Equal(t, LogEvery, spec.Hooks[0].Every)
		assert.Equal(t, SummaryEvery, spec.Hooks[1].Every)
		return spec.Loss
	}, gradientImages(2, 8, 3, false), gradientImages(2, 16, 3, false))
	require.NoError(t, err)

	// Predict: only the predictions.
	prediction, err := context.ExecOnce(backend, ctx.Reuse(), func(ctx *context.Context, lr *Node) *Node {
		spec := BuildSpec(ctx, cfg, ModePredict, lr, nil)
		assert.Nil(t, spec.Loss)
		assert.Empty(t, spec.Metrics)
		return spec.ExportOutputs[PredictionsKey]
	}, gradientImages(1, 8, 3, false))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 16, 16, 3}, prediction.Shape().Dimensions)

	// Mismatched high-resolution images fail at graph building time.
	_, err = context.ExecOnce(backend, ctx.Reuse(), func(ctx *context.Context, lr, hr *Node) *Node {
		return BuildSpec(ctx, cfg, ModeEval, lr, hr).Loss
	}, gradientImages(2, 8, 3, false), gradientImages(2, 24, 3, false))
	require.Error(t, err)

	_, err = context.ExecOnce(backend, ctx.Reuse(), func(ctx *context.Context, lr, hr *Node) *Node {
		return BuildSpec(ctx, cfg, ModeEval, lr, hr).Loss
	}, gradientImages(2, 8, 3, false), gradientImages(2, 16, 1, false))
	require.Error(t, err)
}

func TestCompositeLoss(t *testing.T) {
	backend := buildTestBackend(t)
	hr := gradientImages(1, 16, 1, false)
	zeros := gradientImages(1, 16, 1, true)
	exec := MustNewExec(backend, func(hr, pred *Node) (*Node, *Node, *Node) {
		return BuildLoss(LossComposite, hr, pred), BuildLoss(LossMSE, hr, pred), BuildLoss(LossComposite, hr, hr)
	})
	defer exec.Finalize()
	outputs, err := exec.Exec(hr, zeros)
	require.NoError(t, err)
	composite := float64(tensors.ToScalar[float32](outputs[0]))
	mse := float64(tensors.ToScalar[float32](outputs[1]))
	assert.Greater(t, mse, 0.0)
	// With zero predictions SSIM ~ 0: the composite loss is close to 0.75*rmse + 0.25.
	assert.InDelta(t, RMSEWeight*math.Sqrt(mse)+SSIMWeight, composite, 0.05)
	assert.InDelta(t, 0.0, float64(tensors.ToScalar[float32](outputs[2])), 1e-4)
}

func TestConfigFromContext(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		srcnn.ParamRatio:  3,
		ParamLoss:         "mse",
		ParamLearningRate: 0.01,
	})
	cfg, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Ratio)
	assert.Equal(t, srcnn.Upscaled, cfg.Model.Variant)
	assert.Equal(t, LossMSE, cfg.Loss)
	assert.Equal(t, 0.01, cfg.LearningRate)

	ctx.SetParam(ParamLoss, "l1")
	_, err = ConfigFromContext(ctx)
	require.ErrorContains(t, err, "l1")

	assert.Equal(t, optimizers.ParamLearningRate, ParamLearningRate)

	cfg = directConfig()
	cfg.Ratio = 2
	require.Error(t, cfg.Validate(), "variant must match the ratio")
}

func TestTake(t *testing.T) {
	ds := &testDataset{batchSize: 1, lrSize: 4, hrSize: 4}
	take := Take(ds, 3)
	for range 3 {
		_, _, _, err := take.Yield()
		require.NoError(t, err)
	}
	_, _, _, err := take.Yield()
	require.ErrorIs(t, err, io.EOF)
	take.Reset()
	_, _, _, err = take.Yield()
	require.NoError(t, err)
	assert.Equal(t, 4, ds.count, "the wrapped dataset is not reset")
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "train", ModeTrain.String())
	assert.Equal(t, "eval", ModeEval.String())
	assert.Equal(t, "predict", ModePredict.String())
	assert.True(t, ModeTrain.IsTraining())
	assert.False(t, ModePredict.HasLabels())
}
