// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package driver

import (
	stdcontext "context"
	"math"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/exuejiao/enhancer/pkg/estimator"
	"github.com/exuejiao/enhancer/pkg/perceptual"
	"github.com/exuejiao/enhancer/pkg/records"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RunTesting scores the model saved in cfg.CheckpointDir on the records in cfg.DataDir, one record at a time.
//
// For each record it appends a MetricRecord to MetricsFileName in cfg.OutputDir, and saves the images (see
// SaveImages). The initial metrics compare the low-resolution image, bilinearly upsampled to the size of the
// high-resolution image if needed, with the high-resolution image. The final metrics compare the prediction with
// the high-resolution image.
//
// It fails if there is no checkpoint. It stops between records if runCtx is cancelled.
func RunTesting(runCtx stdcontext.Context, backend backends.Backend, ctx *context.Context, cfg RunConfig) error {
	if err := cfg.CreateDirs(); err != nil {
		return err
	}
	if _, err := checkpoints.Load(ctx).Dir(cfg.CheckpointDir).ExcludeParams(cfg.ParamsSet...).Done(); err != nil {
		return errors.WithMessagef(err, "driver: failed to load model for testing")
	}
	imageSize := context.GetParamOr(ctx, ParamImageSize, 96)
	estCfg, err := estimator.ConfigFromContext(ctx)
	if err != nil {
		return err
	}
	recs, err := records.Load(records.Config{
		Dir:       cfg.DataDir,
		ImageSize: imageSize,
		Ratio:     estCfg.Ratio,
		Verbose:   cfg.Verbose,
	})
	if err != nil {
		return err
	}
	klog.Infof("Total number of files %s", humanize.Comma(int64(len(recs))))

	est, err := estimator.New(backend, ctx, estCfg)
	if err != nil {
		return err
	}
	defer est.Finalize()
	scorer, err := newScorer(backend)
	if err != nil {
		return err
	}
	defer scorer.Finalize()

	metricsPath := filepath.Join(cfg.OutputDir, MetricsFileName)
	sink, err := CreateMetricsWriter(metricsPath)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err = runCtx.Err(); err != nil {
			break
		}
		if err = testRecord(est, scorer, sink, cfg.OutputDir, rec); err != nil {
			break
		}
	}
	if closeErr := sink.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	means, err := SummarizeMetrics(metricsPath)
	if err != nil {
		return err
	}
	klog.Infof("Mean metrics over %d records: %s", len(recs), formatSummary(means))
	return nil
}

// testRecord predicts and scores one record, and writes its outputs.
func testRecord(est *estimator.Estimator, scorer *Exec, sink *MetricsWriter, outputDir string,
	rec records.Record) error {
	lr, hr := records.ToTensors(rec)
	defer lr.MustFinalizeAll()
	defer hr.MustFinalizeAll()
	prediction, err := est.Predict(lr, hr.Shape().Dimensions[1])
	if err != nil {
		return errors.WithMessagef(err, "record %q", rec.Name)
	}
	defer prediction.MustFinalizeAll()

	outputs, err := scorer.Exec(lr, hr, prediction)
	if err != nil {
		return errors.WithMessagef(err, "driver: failed to score record %q", rec.Name)
	}
	defer func() {
		for _, output := range outputs {
			output.MustFinalizeAll()
		}
	}()
	var scores [numScores]float64
	for ii := range scores {
		scores[ii] = shapes.ConvertTo[float64](outputs[ii].Value())
	}
	mr := MetricRecord{Name: rec.Name, InitialSSIM: scores[1], FinalSSIM: scores[3]}
	if mr.InitialRMSE, mr.InitialPSNR, err = fromMSE(scores[0]); err != nil {
		return errors.WithMessagef(err, "record %q", rec.Name)
	}
	if mr.FinalRMSE, mr.FinalPSNR, err = fromMSE(scores[2]); err != nil {
		return errors.WithMessagef(err, "record %q", rec.Name)
	}
	klog.Infof("Enhance resolution for %s: psnr %.2f -> %.2f, ssim %.4f -> %.4f", rec.Name,
		mr.InitialPSNR, mr.FinalPSNR, mr.InitialSSIM, mr.FinalSSIM)
	if err = sink.Write(mr); err != nil {
		return err
	}
	predictionImg := records.ToImages(outputs[numScores])[0]
	return SaveImages(outputDir, rec.Name, rec.LowRes, predictionImg, rec.HighRes)
}

// fromMSE returns the RMSE and the PSNR for the given MSE.
func fromMSE(mse float64) (rmse, psnr float64, err error) {
	psnr, err = perceptual.PSNRValue(mse)
	if err != nil {
		return 0, 0, err
	}
	return math.Sqrt(mse), psnr, nil
}

// numScores is the number of metrics returned by the scorer, before the clipped prediction.
const numScores = 4

// newScorer compiles the graph that computes the initial and final (mse, ssim) of a record, and the
// prediction clipped to [0, 1] for saving.
func newScorer(backend backends.Backend) (*Exec, error) {
	return NewExecAny(backend, func(lr, hr, prediction *Node) []*Node {
		baseline := lr
		if !lr.Shape().Equal(hr.Shape()) {
			dims := hr.Shape().Dimensions
			baseline = Interpolate(lr, -1, dims[1], dims[2], -1).Bilinear().Done()
		}
		scores := make([]*Node, 0, numScores+1)
		for _, pred := range []*Node{baseline, prediction} {
			scores = append(scores, perceptual.MSE(pred, hr), perceptual.SSIM(pred, hr).Done())
		}
		return append(scores, ClipScalar(prediction, 0, 1))
	})
}
