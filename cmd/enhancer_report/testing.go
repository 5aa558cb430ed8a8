// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/exuejiao/enhancer/pkg/driver"
	"github.com/pkg/errors"
)

// TestingTable renders the table of the testing metrics of each record, followed by their mean.
// Records where the prediction has a lower PSNR than the low-resolution image are highlighted.
func TestingTable(outputDir string) (string, error) {
	metricsPath := filepath.Join(outputDir, driver.MetricsFileName)
	f, err := os.Open(metricsPath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %q", metricsPath)
	}
	defer func() { _ = f.Close() }()
	df, err := driver.ReadMetrics(f)
	if err != nil {
		return "", err
	}

	header := driver.MetricsHeader
	names := df.Col(header[0]).Records()
	columns := make([][]float64, len(header)-1)
	for ii, col := range header[1:] {
		columns[ii] = df.Col(col).Float()
	}
	initialPSNR, finalPSNR := columns[1], columns[4]

	table := newTableWithReds(true, lipgloss.Left, lipgloss.Right)
	table.Table.Headers(header...)
	var numWorse int
	for row, name := range names {
		values := make([]string, 0, len(header))
		values = append(values, name)
		for _, column := range columns {
			values = append(values, fmt.Sprintf("%.4f", column[row]))
		}
		isWorse := finalPSNR[row] < initialPSNR[row]
		if isWorse {
			numWorse++
		}
		table.Row(isWorse, values...)
	}
	if df.Nrow() > 0 {
		means := make([]string, 0, len(header))
		means = append(means, "mean")
		for _, col := range header[1:] {
			means = append(means, fmt.Sprintf("%.4f", df.Col(col).Mean()))
		}
		table.Row(false, means...)
	}
	title := titleStyle.Render(fmt.Sprintf("Testing: %s records, %s made worse",
		humanize.Comma(int64(df.Nrow())), humanize.Comma(int64(numWorse))))
	return title + "\n" + table.Table.Render(), nil
}
