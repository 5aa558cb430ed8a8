// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package driver

import (
	"encoding/csv"
	"fmt"
	"image"
	"image/color"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/exuejiao/enhancer/pkg/estimator"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// MetricRecord holds the metrics of one tested record: the initial ones, comparing the low-resolution
// image to the high-resolution image, and the final ones, comparing the prediction to the high-resolution image.
type MetricRecord struct {
	Name                                   string
	InitialRMSE, InitialPSNR, InitialSSIM float64
	FinalRMSE, FinalPSNR, FinalSSIM       float64
}

// MetricsHeader is the header line of the metrics CSV file.
var MetricsHeader = []string{
	"name", "initial_rmse", "initial_psnr", "initial_ssim", "final_rmse", "final_psnr", "final_ssim",
}

// row formats the record as a CSV row.
func (r MetricRecord) row() []string {
	values := []float64{r.InitialRMSE, r.InitialPSNR, r.InitialSSIM, r.FinalRMSE, r.FinalPSNR, r.FinalSSIM}
	row := make([]string, 0, len(values)+1)
	row = append(row, r.Name)
	for _, v := range values {
		row = append(row, strconv.FormatFloat(v, 'g', 8, 64))
	}
	return row
}

// MetricsWriter appends MetricRecord rows to a CSV file. Rows are flushed as they are written.
type MetricsWriter struct {
	f *os.File
	w *csv.Writer
}

// CreateMetricsWriter creates (or truncates) the CSV file and writes its header.
func CreateMetricsWriter(filePath string) (*MetricsWriter, error) {
	f, err := os.Create(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "driver: failed to create metrics file %q", filePath)
	}
	mw := &MetricsWriter{f: f, w: csv.NewWriter(f)}
	if err = mw.write(MetricsHeader); err != nil {
		_ = f.Close()
		return nil, err
	}
	return mw, nil
}

func (mw *MetricsWriter) write(row []string) error {
	if err := mw.w.Write(row); err != nil {
		return errors.Wrapf(err, "driver: failed to write to metrics file %q", mw.f.Name())
	}
	mw.w.Flush()
	if err := mw.w.Error(); err != nil {
		return errors.Wrapf(err, "driver: failed to write to metrics file %q", mw.f.Name())
	}
	return nil
}

// Write appends one record.
func (mw *MetricsWriter) Write(r MetricRecord) error {
	return mw.write(r.row())
}

// Close the underlying file.
func (mw *MetricsWriter) Close() error {
	return errors.Wrapf(mw.f.Close(), "driver: failed to close metrics file %q", mw.f.Name())
}

// ReadMetrics loads the metrics CSV file into a dataframe, with the metric columns typed as floats.
func ReadMetrics(r io.Reader) (dataframe.DataFrame, error) {
	types := make(map[string]series.Type, len(MetricsHeader))
	types[MetricsHeader[0]] = series.String
	for _, col := range MetricsHeader[1:] {
		types[col] = series.Float
	}
	df := dataframe.ReadCSV(r, dataframe.HasHeader(true), dataframe.WithTypes(types))
	if df.Err != nil {
		return df, errors.Wrap(df.Err, "driver: failed to parse metrics")
	}
	return df, nil
}

// SummarizeMetrics returns the mean of each metric column of the metrics CSV file, by column name.
func SummarizeMetrics(filePath string) (map[string]float64, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "driver: failed to open metrics file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	df, err := ReadMetrics(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "metrics file %q", filePath)
	}
	means := make(map[string]float64, len(MetricsHeader)-1)
	if df.Nrow() == 0 {
		return means, nil
	}
	for _, col := range MetricsHeader[1:] {
		means[col] = df.Col(col).Mean()
	}
	return means, nil
}

// formatSummary formats the means returned by SummarizeMetrics, in the column order.
func formatSummary(means map[string]float64) string {
	parts := make([]string, 0, len(means))
	for _, col := range MetricsHeader[1:] {
		if v, found := means[col]; found {
			parts = append(parts, fmt.Sprintf("%s=%.4f", col, v))
		}
	}
	return strings.Join(parts, ", ")
}

// SaveImages writes the images of a tested record: the prediction, the low and high-resolution images in their
// subdirectories, and the combined image (low-resolution upscaled, prediction and high-resolution side by side)
// in outputDir itself. All are written as JPEG files named after the record.
func SaveImages(outputDir, name string, lr, prediction, hr image.Image) error {
	fileName := name + ".jpg"
	outputs := []struct {
		path string
		img  image.Image
	}{
		{filepath.Join(outputDir, PredictionDir, fileName), prediction},
		{filepath.Join(outputDir, LowResolutionDir, fileName), lr},
		{filepath.Join(outputDir, HighResolutionDir, fileName), hr},
		{filepath.Join(outputDir, fileName), Combine(lr, prediction, hr)},
	}
	for _, output := range outputs {
		if err := imaging.Save(output.img, output.path, imaging.JPEGQuality(95)); err != nil {
			return errors.Wrapf(err, "driver: failed to save image %q", output.path)
		}
	}
	return nil
}

// Combine pastes lr (upscaled to the size of hr), prediction and hr side by side.
func Combine(lr, prediction, hr image.Image) *image.NRGBA {
	size := hr.Bounds().Size()
	if lr.Bounds().Size() != size {
		lr = imaging.Resize(lr, size.X, size.Y, imaging.NearestNeighbor)
	}
	combined := imaging.New(3*size.X, size.Y, color.Black)
	for ii, img := range []image.Image{lr, prediction, hr} {
		combined = imaging.Paste(combined, img, image.Pt(ii*size.X, 0))
	}
	return combined
}

// PlotTraining draws the training summary points of the loss and PSNR metrics to a PNG file.
// Each metric type gets its own panel.
func PlotTraining(points []plots.Point, filePath string) error {
	metricTypes := []string{metrics.LossMetricType, estimator.MetricType(estimator.MetricPSNR)}
	byType := make(map[string]map[string]plotter.XYs)
	for _, point := range points {
		if !slices.Contains(metricTypes, point.MetricType) {
			continue
		}
		if byType[point.MetricType] == nil {
			byType[point.MetricType] = make(map[string]plotter.XYs)
		}
		byType[point.MetricType][point.MetricName] = append(byType[point.MetricType][point.MetricName],
			plotter.XY{X: point.Step, Y: point.Value})
	}
	if len(byType) == 0 {
		return errors.Errorf("driver: no loss or PSNR points to plot in %q", filePath)
	}

	const width, height = 10 * vg.Inch, 4 * vg.Inch
	img := vgimg.New(width, height*vg.Length(len(metricTypes)))
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: len(metricTypes), Cols: 1}
	for row, metricType := range metricTypes {
		p := plot.New()
		p.Title.Text = metricType
		p.X.Label.Text = "global step"
		p.Legend.Top = true
		var lines []any
		for _, name := range slices.Sorted(maps.Keys(byType[metricType])) {
			lines = append(lines, name, byType[metricType][name])
		}
		if len(lines) > 0 {
			if err := plotutil.AddLines(p, lines...); err != nil {
				return errors.Wrapf(err, "driver: failed to plot %s", metricType)
			}
		}
		p.Draw(tiles.At(dc, 0, row))
	}

	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "driver: failed to create %q", filePath)
	}
	if _, err = (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "driver: failed to write %q", filePath)
	}
	return errors.Wrapf(f.Close(), "driver: failed to close %q", filePath)
}
