// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/exuejiao/enhancer/pkg/driver"
	"github.com/exuejiao/enhancer/pkg/estimator"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/janpfeifer/gonb/gonbui/plotly"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModel(t *testing.T) {
	dir := t.TempDir()
	ctx := context.New()
	ctx.SetParam("ratio", 3)
	_ = ctx.VariableWithValue(optimizers.GlobalStepVariableName, int64(1234))
	modelCtx := ctx.In(estimator.ModelScope)
	_ = modelCtx.In("conv_0").VariableWithValue("weights", tensors.FromScalarAndDimensions(float32(1), 5, 5, 3, 64))
	_ = modelCtx.In("conv_0").VariableWithValue("biases", tensors.FromScalarAndDimensions(float32(0), 64))
	checkpoint, err := checkpoints.Build(ctx).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())

	m, err := loadModel(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), m.GlobalStep())
	summary := m.Summary()
	assert.Contains(t, summary, "1,234")
	assert.Contains(t, summary, "4,864") // 5*5*3*64 + 64 parameters.
	assert.Contains(t, m.Params(), "ratio")
	assert.Contains(t, m.Variables(), "weights")

	_, err = loadModel(t.TempDir())
	require.Error(t, err)
}

func testPoints() []plots.Point {
	var points []plots.Point
	for _, step := range []float64{1000, 2000} {
		points = append(points,
			plots.Point{MetricName: "Train: Model Loss", Short: "T/loss", MetricType: metrics.LossMetricType,
				Step: step, Value: 1000 / step},
			plots.Point{MetricName: "Eval: PSNR", Short: "E/psnr",
				MetricType: estimator.MetricType(estimator.MetricPSNR), Step: step, Value: 20 + step/1000})
	}
	return points
}

func TestMetrics(t *testing.T) {
	points := testPoints()
	table := Metrics(points, nil)
	assert.Contains(t, table, "2,000")
	assert.Contains(t, table, "22.00 dB")
	assert.Contains(t, table, "T/loss")

	matcher, err := newPointsMatcher("^E/", "")
	require.NoError(t, err)
	table = Metrics(points, matcher)
	assert.Contains(t, table, "E/psnr")
	assert.NotContains(t, table, "T/loss")

	matcher, err = newPointsMatcher("", metrics.LossMetricType)
	require.NoError(t, err)
	assert.True(t, matcher.Match(points[0]))
	assert.False(t, matcher.Match(points[1]))

	_, err = newPointsMatcher("(", "")
	require.Error(t, err)

	assert.Contains(t, MetricsLabels(points), "Eval: PSNR")
}

func TestBuildPlots(t *testing.T) {
	dir := t.TempDir()
	plotPath, err := BuildPlots(testPoints(), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, PlotsFileName), plotPath)
	contents, err := os.ReadFile(plotPath)
	require.NoError(t, err)
	assert.Contains(t, string(contents), plotly.PlotlySrc)
	assert.Contains(t, string(contents), "plot1")

	lines := createPlotLines(metrics.LossMetricType, []plots.Point{
		{MetricName: "loss", MetricType: metrics.LossMetricType, Step: 2, Value: 0.5},
		{MetricName: "loss", MetricType: metrics.LossMetricType, Step: 1, Value: 1},
	})
	require.Len(t, lines, 1)
	assert.Equal(t, []float64{1, 2}, lines[0].steps)
	assert.Equal(t, []float64{1, 0.5}, lines[0].values)
}

func TestTestingTable(t *testing.T) {
	dir := t.TempDir()
	sink, err := driver.CreateMetricsWriter(filepath.Join(dir, driver.MetricsFileName))
	require.NoError(t, err)
	require.NoError(t, sink.Write(driver.MetricRecord{Name: "better", InitialPSNR: 20, FinalPSNR: 25}))
	require.NoError(t, sink.Write(driver.MetricRecord{Name: "worse", InitialPSNR: 30, FinalPSNR: 28}))
	require.NoError(t, sink.Close())

	table, err := TestingTable(dir)
	require.NoError(t, err)
	assert.Contains(t, table, "2 records, 1 made worse")
	assert.Contains(t, table, "26.5000") // Mean final PSNR.

	_, err = TestingTable(t.TempDir())
	require.Error(t, err)
}
