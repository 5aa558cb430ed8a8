// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/exuejiao/enhancer/pkg/estimator"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
)

var (
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the training metrics collected for plotting in file %q", plots.TrainingPlotFileName))
	flagMetricsLabels = flag.Bool("metrics_labels", false,
		"Lists the metrics labels (short names) with their full description.")
	flagMetricsNames = flag.String("metrics_names", "",
		"Regular expression that if matches the name or short name, the metric is included.")
	flagMetricsTypes = flag.String("metrics_types", "",
		"Comma-separate list of metric types to include in metrics reports.")
)

// loadPoints loads the training summary points of a run.
func loadPoints(summariesDir string) ([]plots.Point, error) {
	pointsPath := filepath.Join(summariesDir, plots.TrainingPlotFileName)
	points, err := plots.LoadPoints(pointsPath)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, errors.Errorf("no metrics found in %q", pointsPath)
	}
	return points, nil
}

// pointsMatcher selects the points to report. A nil matcher selects everything.
type pointsMatcher struct {
	names *regexp.Regexp
	types sets.Set[string]
}

func newPointsMatcher(names, types string) (*pointsMatcher, error) {
	if names == "" && types == "" {
		return nil, nil
	}
	m := &pointsMatcher{}
	if names != "" {
		var err error
		m.names, err = regexp.Compile(names)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compile -metrics_names=%q matcher", names)
		}
	}
	if types != "" {
		m.types = sets.MakeWith(strings.Split(types, ",")...)
	}
	return m, nil
}

func (m *pointsMatcher) Match(point plots.Point) bool {
	if m == nil {
		return true
	}
	if m.names != nil && (m.names.MatchString(point.MetricName) || m.names.MatchString(point.Short)) {
		return true
	}
	return m.types != nil && m.types.Has(point.MetricType)
}

// MetricsLabels renders the table of short names of the metrics with their full name and type.
func MetricsLabels(points []plots.Point) string {
	type label struct{ name, metricType string }
	labels := make(map[string]label)
	for _, point := range points {
		labels[point.Short] = label{point.MetricName, point.MetricType}
	}
	table := newPlainTable(true, lipgloss.Right, lipgloss.Left)
	table.Headers("Short", "Metric Name", "Type")
	for _, short := range xslices.SortedKeys(labels) {
		table.Row(short, labels[short].name, labels[short].metricType)
	}
	return titleStyle.Render("Metrics Labels") + "\n" + table.Render()
}

// Metrics renders the table of the matching metrics, one row per global step and one column per metric.
func Metrics(points []plots.Point, matcher *pointsMatcher) string {
	used := sets.Make[string]()
	for _, point := range points {
		if matcher.Match(point) {
			used.Insert(point.Short)
		}
	}
	columns := xslices.SortedKeys(used)
	order := make(map[string]int, len(columns))
	for ii, short := range columns {
		order[short] = ii + 1
	}

	table := newPlainTable(true, lipgloss.Right)
	table.Headers(append([]string{"Global Step"}, columns...)...)
	currentStep := int64(-1)
	var currentRow []string
	for _, point := range points {
		idx, found := order[point.Short]
		if !found {
			continue
		}
		step := int64(point.Step)
		if step != currentStep {
			if currentRow != nil {
				table.Row(currentRow...)
			}
			currentStep = step
			currentRow = make([]string, 1+len(columns))
			currentRow[0] = humanize.Comma(step)
		}
		currentRow[idx] = formatValue(point)
	}
	if currentRow != nil {
		table.Row(currentRow...)
	}
	return titleStyle.Render("Metrics") + "\n" + table.Render()
}

func formatValue(point plots.Point) string {
	switch point.MetricType {
	case estimator.MetricType(estimator.MetricPSNR):
		return fmt.Sprintf("%.2f dB", point.Value)
	case estimator.MetricType(estimator.MetricSSIM):
		return fmt.Sprintf("%.4f", point.Value)
	default:
		return fmt.Sprintf("%.6g", point.Value)
	}
}
