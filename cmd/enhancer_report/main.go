// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// enhancer_report reports on an enhancer run: the trained model, the training metrics and the testing metrics.
//
// Usage:
//
//	enhancer_report [flags] <base_dir>
//
// Where <base_dir> is the -base_dir of the enhancer run.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/exuejiao/enhancer/pkg/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagSummary = flag.Bool("summary", true, "Display a summary of the model: global step, number of variables "+
		"and parameters.")
	flagParams = flag.Bool("params", false, "Lists the hyperparameters saved with the model.")
	flagVars   = flag.Bool("vars", false, "Lists the variables of the model.")
	flagTest   = flag.Bool("test", false,
		fmt.Sprintf("Lists the testing metrics of each record, from file %q in the output directory. "+
			"Records made worse by the model are highlighted.", driver.MetricsFileName))
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one run directory to report on, got %d. See 'enhancer_report -help'.",
			len(args))
		os.Exit(1)
	}
	if err := report(driver.NewRunConfig(args[0])); err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func report(cfg driver.RunConfig) error {
	if *flagSummary || *flagParams || *flagVars {
		m, err := loadModel(cfg.CheckpointDir)
		if err != nil {
			return err
		}
		if *flagSummary {
			fmt.Println(m.Summary())
		}
		if *flagParams {
			fmt.Println(m.Params())
		}
		if *flagVars {
			fmt.Println(m.Variables())
		}
	}
	if *flagMetrics || *flagMetricsLabels || *flagPlot {
		points, err := loadPoints(cfg.SummariesDir)
		if err != nil {
			return err
		}
		if *flagMetricsLabels {
			fmt.Println(MetricsLabels(points))
		}
		if *flagMetrics {
			matcher, err := newPointsMatcher(*flagMetricsNames, *flagMetricsTypes)
			if err != nil {
				return err
			}
			fmt.Println(Metrics(points, matcher))
		}
		if *flagPlot {
			plotPath, err := BuildPlots(points, cfg.SummariesDir)
			if err != nil {
				return err
			}
			fmt.Printf("\nPlots written to:\t%s\n\n", plotPath)
		}
	}
	if *flagTest {
		table, err := TestingTable(cfg.OutputDir)
		if err != nil {
			return errors.WithMessage(err, "testing metrics")
		}
		fmt.Println(table)
	}
	return nil
}
