// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package driver

import (
	stdcontext "context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/exuejiao/enhancer/pkg/estimator"
	"github.com/exuejiao/enhancer/pkg/records"
	"github.com/exuejiao/enhancer/pkg/srcnn"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestMetricsWriter(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), MetricsFileName)
	sink, err := CreateMetricsWriter(filePath)
	require.NoError(t, err)
	require.NoError(t, sink.Write(MetricRecord{Name: "a", InitialRMSE: 0.2, InitialPSNR: 20, InitialSSIM: 0.5,
		FinalRMSE: 0.1, FinalPSNR: 30, FinalSSIM: 0.9}))
	require.NoError(t, sink.Write(MetricRecord{Name: "b", InitialRMSE: 0.4, InitialPSNR: 10, InitialSSIM: 0.3,
		FinalRMSE: 0.3, FinalPSNR: 20, FinalSSIM: 0.7}))
	require.NoError(t, sink.Close())

	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "name,initial_rmse,initial_psnr,initial_ssim,final_rmse,final_psnr,final_ssim\n"+
		"a,0.2,20,0.5,0.1,30,0.9\n"+
		"b,0.4,10,0.3,0.3,20,0.7\n", string(contents))

	means, err := SummarizeMetrics(filePath)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, means["initial_rmse"], 1e-9)
	assert.InDelta(t, 25.0, means["final_psnr"], 1e-9)
	assert.InDelta(t, 0.8, means["final_ssim"], 1e-9)
	assert.Contains(t, formatSummary(means), "final_psnr=25.0000")

	_, err = SummarizeMetrics(filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
}

func TestSaveImages(t *testing.T) {
	outputDir := t.TempDir()
	cfg := RunConfig{
		CheckpointDir: filepath.Join(outputDir, "ckpt"),
		LogDir:        filepath.Join(outputDir, "logs"),
		OutputDir:     outputDir,
		SummariesDir:  filepath.Join(outputDir, "summaries"),
	}
	require.NoError(t, cfg.CreateDirs())

	lr := imaging.New(4, 4, color.NRGBA{R: 255, A: 255})
	prediction := imaging.New(8, 8, color.NRGBA{G: 255, A: 255})
	hr := imaging.New(8, 8, color.NRGBA{B: 255, A: 255})
	combined := Combine(lr, prediction, hr)
	assert.Equal(t, image.Pt(24, 8), combined.Bounds().Size())
	r, g, b, _ := combined.At(1, 1).RGBA()
	assert.Equal(t, []uint32{0xffff, 0, 0}, []uint32{r, g, b})
	_, g, _, _ = combined.At(9, 1).RGBA()
	assert.Equal(t, uint32(0xffff), g)

	require.NoError(t, SaveImages(outputDir, "rec", lr, prediction, hr))
	for _, filePath := range []string{
		filepath.Join(outputDir, "rec.jpg"),
		filepath.Join(outputDir, PredictionDir, "rec.jpg"),
		filepath.Join(outputDir, LowResolutionDir, "rec.jpg"),
		filepath.Join(outputDir, HighResolutionDir, "rec.jpg"),
	} {
		assert.FileExists(t, filePath)
	}
	saved, err := imaging.Open(filepath.Join(outputDir, "rec.jpg"))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(24, 8), saved.Bounds().Size())
}

func TestSaveSnapshot(t *testing.T) {
	cfg := NewRunConfig(t.TempDir())
	assert.NotEmpty(t, cfg.RunID)
	require.NoError(t, cfg.CreateDirs())
	ctx := CreateDefaultContext()
	ctx.In(estimator.ModelScope).SetParam("extra", "value")

	filePath, err := SaveSnapshot(ctx, cfg)
	require.NoError(t, err)
	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	var snap struct {
		Run             RunConfig      `yaml:"run"`
		Hyperparameters map[string]any `yaml:"hyperparameters"`
	}
	require.NoError(t, yaml.Unmarshal(contents, &snap))
	assert.Equal(t, cfg.RunID, snap.Run.RunID)
	assert.Equal(t, cfg.CheckpointDir, snap.Run.CheckpointDir)
	assert.Equal(t, 16, snap.Hyperparameters[ParamBatchSize])
	assert.Equal(t, "five_layers", snap.Hyperparameters[srcnn.ParamTopology])
	assert.Equal(t, "value", snap.Hyperparameters["/"+estimator.ModelScope+"/extra"])
}

func TestTrainingParamsFromContext(t *testing.T) {
	params, err := TrainingParamsFromContext(CreateDefaultContext())
	require.NoError(t, err)
	assert.Equal(t, 16, params.BatchSize)
	assert.Equal(t, 10, params.Epochs)
	assert.Equal(t, 96, params.ImageSize)

	for _, tc := range []struct {
		key   string
		value int
	}{
		{ParamBatchSize, 0},
		{ParamMinEvalFrequency, -1},
		{ParamNumCheckpoints, 0},
		{ParamImageSize, 0},
	} {
		ctx := CreateDefaultContext()
		ctx.SetParam(tc.key, tc.value)
		_, err = TrainingParamsFromContext(ctx)
		assert.Error(t, err, "%s=%d", tc.key, tc.value)
	}

	// Endless training.
	ctx := CreateDefaultContext()
	ctx.SetParam(ParamEpochs, 0)
	_, err = TrainingParamsFromContext(ctx)
	require.Error(t, err)
	ctx.SetParam(ParamTrainSteps, 100)
	_, err = TrainingParamsFromContext(ctx)
	require.NoError(t, err)
}

func TestPlotTraining(t *testing.T) {
	var points []plots.Point
	for step := range 5 {
		points = append(points,
			plots.Point{MetricName: "Train: Model Loss", MetricType: metrics.LossMetricType,
				Step: float64(step), Value: 1 / float64(step+1)},
			plots.Point{MetricName: "Eval: PSNR", MetricType: estimator.MetricType(estimator.MetricPSNR),
				Step: float64(step), Value: 20 + float64(step)},
			plots.Point{MetricName: "Eval: SSIM", MetricType: estimator.MetricType(estimator.MetricSSIM),
				Step: float64(step), Value: 0.5})
	}
	filePath := filepath.Join(t.TempDir(), TrainingPlotFileName)
	require.NoError(t, PlotTraining(points, filePath))
	img, err := imaging.Open(filePath)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dy(), img.Bounds().Dx()/2)

	// Only similarity points: nothing to plot.
	require.Error(t, PlotTraining(points[2:3], filePath))
}

// createDataDir writes numRecords high-resolution images of size x size with a gradient pattern.
func createDataDir(t *testing.T, dataDir string, numRecords, size int) {
	hrDir := filepath.Join(dataDir, records.HighResolutionDir)
	require.NoError(t, os.MkdirAll(hrDir, 0755))
	for ii := range numRecords {
		img := image.NewNRGBA(image.Rect(0, 0, size, size))
		for y := range size {
			for x := range size {
				img.SetNRGBA(x, y, color.NRGBA{
					R: uint8(x * 255 / size), G: uint8(y * 255 / size), B: uint8(ii * 50), A: 255})
			}
		}
		require.NoError(t, imaging.Save(img, filepath.Join(hrDir, fmt.Sprintf("img%02d.png", ii))))
	}
}

func testContext() *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		srcnn.ParamTopology:         "three_layers",
		srcnn.ParamKeepProb:         1.0,
		estimator.ParamLearningRate: 1e-3,
		ParamImageSize:              16,
		ParamBatchSize:              2,
		ParamEpochs:                 1,
		ParamMinEvalFrequency:       1,
		ParamShuffleBuffer:          4,
	})
	return ctx
}

func TestRunTrainingAndTesting(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end training in short mode.")
	}
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)
	const numRecords = 4
	cfg := NewRunConfig(t.TempDir())
	createDataDir(t, cfg.DataDir, numRecords, 20)

	// Testing without a trained model fails.
	require.Error(t, RunTesting(stdcontext.Background(), backend, testContext(), cfg))

	require.NoError(t, RunTraining(stdcontext.Background(), backend, testContext(), cfg))
	entries, err := os.ReadDir(cfg.CheckpointDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
	assert.FileExists(t, filepath.Join(cfg.SummariesDir, ConfigFileName))
	assert.FileExists(t, filepath.Join(cfg.SummariesDir, TrainingPlotFileName))
	points, err := plots.LoadPoints(filepath.Join(cfg.SummariesDir, plots.TrainingPlotFileName))
	require.NoError(t, err)
	var evalPoints int
	for _, point := range points {
		if point.Short == "E/"+estimator.MetricPSNR {
			evalPoints++
		}
	}
	// numRecords/batchSize steps, evaluated after each one.
	assert.Equal(t, 2, evalPoints)

	// Training again has nothing left to do once the target global step is reached.
	ctx := testContext()
	ctx.SetParam(ParamTrainSteps, 2)
	cfg.ParamsSet = []string{ParamTrainSteps}
	require.NoError(t, RunTraining(stdcontext.Background(), backend, ctx, cfg))

	require.NoError(t, RunTesting(stdcontext.Background(), backend, testContext(), cfg))
	means, err := SummarizeMetrics(filepath.Join(cfg.OutputDir, MetricsFileName))
	require.NoError(t, err)
	assert.Greater(t, means["initial_psnr"], 0.0)
	assert.Greater(t, means["final_ssim"], -1.0)
	for ii := range numRecords {
		name := fmt.Sprintf("img%02d.jpg", ii)
		assert.FileExists(t, filepath.Join(cfg.OutputDir, name))
		assert.FileExists(t, filepath.Join(cfg.OutputDir, PredictionDir, name))
	}
}

func TestRunTrainingCancelled(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end training in short mode.")
	}
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)
	cfg := NewRunConfig(t.TempDir())
	createDataDir(t, cfg.DataDir, 4, 16)
	runCtx, cancel := stdcontext.WithCancel(stdcontext.Background())
	cancel()
	err = RunTraining(runCtx, backend, testContext(), cfg)
	require.ErrorIs(t, err, stdcontext.Canceled)
}
