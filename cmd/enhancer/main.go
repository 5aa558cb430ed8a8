// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// enhancer trains a super-resolution model on a directory of images, or tests a trained model on them.
//
// Training (-train) reads the images in <data>/high_resolution (and optionally <data>/low_resolution), and
// saves checkpoints to -checkpoint. Testing (the default) scores the trained model on the images of <data>,
// writing the metrics and the predicted images to -output.
//
// Hyperparameters are set with -set, e.g.: -set="ratio=3;topology=three_layers;batch_size=32".
package main

import (
	stdcontext "context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/exuejiao/enhancer/pkg/driver"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagBaseDir = flag.String("base_dir", "~/work/enhancer",
		"Base directory of the run. The other directories default to subdirectories of it.")
	flagDataDir       = flag.String("data", "", "Directory with the images. Defaults to <base_dir>/data.")
	flagCheckpointDir = flag.String("checkpoint", "", "Directory of the checkpoints. Defaults to <base_dir>/checkpoints.")
	flagOutputDir     = flag.String("output", "", "Directory where testing writes the metrics and images. "+
		"Defaults to <base_dir>/output.")
	flagTrain   = flag.Bool("train", false, "Train the model. Otherwise the trained model is tested.")
	flagVerbose = flag.Bool("verbose", true, "Display progress bars and the hyperparameters.")
)

func main() {
	ctx := driver.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	cfg := driver.NewRunConfig(*flagBaseDir)
	for _, override := range []struct{ flag, dir *string }{
		{flagDataDir, &cfg.DataDir},
		{flagCheckpointDir, &cfg.CheckpointDir},
		{flagOutputDir, &cfg.OutputDir},
	} {
		if *override.flag != "" {
			*override.dir = fsutil.MustReplaceTildeInDir(*override.flag)
		}
	}
	cfg.ParamsSet = must.M1(commandline.ParseContextSettings(ctx, *settings))
	cfg.Verbose = *flagVerbose
	if cfg.Verbose {
		fmt.Println(commandline.SprintModifiedContextSettings(ctx, cfg.ParamsSet))
	}

	backend := backends.MustNew()
	defer backend.Finalize()
	klog.V(1).Infof("Backend %q: %s", backend.Name(), backend.Description())

	// Ctrl+C stops training (or testing) cleanly: the last checkpoint is saved.
	runCtx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	if *flagTrain {
		err = driver.RunTraining(runCtx, backend, ctx, cfg)
	} else {
		err = driver.RunTesting(runCtx, backend, ctx, cfg)
	}
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
