// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/janpfeifer/gonb/gonbui/plotly"
	"github.com/pkg/errors"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
)

// PlotsFileName is the name of the HTML file with the plots, written in the summaries directory.
const PlotsFileName = "training.html"

var flagPlot = flag.Bool("plot", false,
	fmt.Sprintf("Plots the training metrics to %q in the summaries directory. "+
		"You can control which metrics to plot with -metrics_names and -metrics_types", PlotsFileName))

// plotLine is one metric of a plot, sorted by step.
type plotLine struct {
	name          string
	steps, values []float64
}

// createPlotLines returns one line per metric name of the given metric type.
func createPlotLines(metricType string, points []plots.Point) []*plotLine {
	byName := make(map[string]*plotLine)
	for _, pt := range points {
		if pt.MetricType != metricType {
			continue
		}
		line, found := byName[pt.MetricName]
		if !found {
			line = &plotLine{name: fmt.Sprintf("%s (%s)", pt.MetricName, pt.Short)}
			byName[pt.MetricName] = line
		}
		line.steps = append(line.steps, pt.Step)
		line.values = append(line.values, pt.Value)
	}
	lines := make([]*plotLine, 0, len(byName))
	for _, name := range xslices.SortedKeys(byName) {
		line := byName[name]
		indices := xslices.Iota(0, len(line.steps))
		slices.SortStableFunc(indices, func(i, j int) int {
			switch {
			case line.steps[i] < line.steps[j]:
				return -1
			case line.steps[i] > line.steps[j]:
				return 1
			}
			return 0
		})
		line.steps = xslices.Map(indices, func(idx int) float64 { return line.steps[idx] })
		line.values = xslices.Map(indices, func(idx int) float64 { return line.values[idx] })
		lines = append(lines, line)
	}
	return lines
}

// BuildPlots writes one Plotly figure per metric type of the matching points to PlotsFileName in dir.
// It returns the path of the file written.
func BuildPlots(points []plots.Point, dir string) (string, error) {
	matcher, err := newPointsMatcher(*flagMetricsNames, *flagMetricsTypes)
	if err != nil {
		return "", err
	}
	metricTypes := sets.Make[string]()
	for _, point := range points {
		if matcher.Match(point) {
			metricTypes.Insert(point.MetricType)
		}
	}

	var figures [][]byte
	for _, metricType := range xslices.SortedKeys(metricTypes) {
		fig := &grob.Fig{
			Layout: &grob.Layout{
				Title:  &grob.LayoutTitle{Text: ptypes.S(metricType)},
				Xaxis:  &grob.LayoutXaxis{Showgrid: ptypes.B(true)},
				Yaxis:  &grob.LayoutYaxis{Showgrid: ptypes.B(true)},
				Legend: &grob.LayoutLegend{},
			},
		}
		for _, line := range createPlotLines(metricType, points) {
			fig.Data = append(fig.Data, &grob.Scatter{
				Name: ptypes.S(line.name),
				Line: &grob.ScatterLine{Shape: grob.ScatterLineShapeLinear},
				Mode: "lines+markers",
				X:    ptypes.DataArray(line.steps),
				Y:    ptypes.DataArray(line.values),
			})
		}
		figAsJSON, err := json.Marshal(fig)
		if err != nil {
			return "", errors.Wrapf(err, "failed to marshal plotly figure for metric type %q", metricType)
		}
		figures = append(figures, figAsJSON)
	}
	if len(figures) == 0 {
		return "", errors.New("no metrics to plot")
	}
	plotPath := filepath.Join(dir, PlotsFileName)
	if err = PlotlyToHTMLFile(plotPath, figures...); err != nil {
		return "", err
	}
	return plotPath, nil
}

var (
	singleFileHTML = `<!DOCTYPE html>
	<head>
		<meta charset="utf-8">
		<script src="{{ .CDN }}"></script>
	</head>
	<body style="background-color: black;">
{{- range $i, $f := .Figures }}
		<div id="plot{{ $i }}"></div>
		{{ if not (eq $i (lastIdx $.Figures)) }}
		<hr style="border-color: gray;">
		{{ end }}
{{- end }}
	<script>
{{- range $i, $f := .Figures }}
		data = JSON.parse(atob('{{ $f }}'))
		Plotly.newPlot('plot{{ $i }}', data);
{{- end }}
	</script>
	</body>
</html>`
	singleFileHTMLTmpl = template.Must(template.New("plotly").Funcs(template.FuncMap{
		"lastIdx": func(a []string) int { return len(a) - 1 },
	}).Parse(singleFileHTML))
)

// WritePlotlyAsHTML renders the Plotly figures (given as JSON) to an HTML page.
func WritePlotlyAsHTML(w io.Writer, figuresAsJSON ...[]byte) error {
	data := &struct {
		CDN     string
		Figures []string
	}{
		CDN:     plotly.PlotlySrc,
		Figures: xslices.Map(figuresAsJSON, func(fig []byte) string { return base64.StdEncoding.EncodeToString(fig) }),
	}
	if err := singleFileHTMLTmpl.Execute(w, data); err != nil {
		return errors.Wrap(err, "failed to render plotly")
	}
	return nil
}

// PlotlyToHTMLFile renders the Plotly figures (given as JSON) to an HTML file.
func PlotlyToHTMLFile(fileName string, figuresAsJSON ...[]byte) error {
	f, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %q", fileName)
	}
	if err = WritePlotlyAsHTML(f, figuresAsJSON...); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "failed to close file %q", fileName)
}
