// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package driver runs the training and the testing of the super-resolution model: it feeds the records
// to the estimator, checkpoints the model, and writes the metrics, summaries and output images.
package driver

import (
	"os"
	"path/filepath"
	"time"

	"github.com/exuejiao/enhancer/pkg/estimator"
	"github.com/exuejiao/enhancer/pkg/srcnn"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Hyperparameters of a run, besides the ones of the model (see srcnn and estimator).
const (
	// ParamBatchSize is the number of records per training batch.
	ParamBatchSize = "batch_size"

	// ParamEpochs is the number of times the training records are repeated. If <= 0 they are repeated
	// indefinitely, and ParamTrainSteps must be set.
	ParamEpochs = "epochs"

	// ParamTrainSize limits the number of training records loaded, if > 0.
	ParamTrainSize = "train_size"

	// ParamTrainSteps is the global step at which training stops. If 0, training runs until the records
	// are exhausted.
	ParamTrainSteps = "train_steps"

	// ParamEvalSteps is the number of batches of the training feed evaluated every ParamMinEvalFrequency steps.
	ParamEvalSteps = "eval_steps"

	// ParamMinEvalFrequency is the number of steps between checkpoints and evaluations.
	ParamMinEvalFrequency = "min_eval_frequency"

	// ParamNumCheckpoints is the number of checkpoints to keep.
	ParamNumCheckpoints = "num_checkpoints"

	// ParamShuffleBuffer is the size of the buffer used to shuffle the training records.
	ParamShuffleBuffer = "shuffle_buffer"

	// ParamImageSize is the size of the square high-resolution crops.
	ParamImageSize = "image_size"

	// ParamSeed seeds the shuffling of the training records.
	ParamSeed = "seed"
)

// ParamsExcludedFromSaving are the hyperparameters not saved with the checkpoints, so they can be changed
// when training is resumed.
var ParamsExcludedFromSaving = []string{
	ParamTrainSteps, ParamEpochs, ParamTrainSize, ParamEvalSteps, ParamNumCheckpoints, ParamMinEvalFrequency,
}

// CreateDefaultContext returns a context with the default hyperparameters set.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Model.
		srcnn.ParamTopology: "five_layers",
		srcnn.ParamRatio:    2,
		srcnn.ParamKeepProb: 0.75,
		srcnn.ParamDevices:  []string{},

		// Training.
		estimator.ParamLearningRate:  1e-4,
		estimator.ParamLoss:          string(estimator.LossComposite),
		estimator.ParamHistogramLoss: false,
		ParamBatchSize:               16,
		ParamEpochs:                  10,
		ParamTrainSize:               0,
		ParamTrainSteps:              0,
		ParamEvalSteps:               1,
		ParamMinEvalFrequency:        500,
		ParamNumCheckpoints:          3,
		ParamShuffleBuffer:           10000,
		ParamImageSize:               96,
		ParamSeed:                    42,
	})
	return ctx
}

// TrainingParams are the run hyperparameters read from the context.
type TrainingParams struct {
	BatchSize        int
	Epochs           int
	TrainSize        int
	TrainSteps       int
	EvalSteps        int
	MinEvalFrequency int
	NumCheckpoints   int
	ShuffleBuffer    int
	ImageSize        int
	Seed             int
}

// TrainingParamsFromContext reads and validates the run hyperparameters.
func TrainingParamsFromContext(ctx *context.Context) (TrainingParams, error) {
	p := TrainingParams{
		BatchSize:        context.GetParamOr(ctx, ParamBatchSize, 16),
		Epochs:           context.GetParamOr(ctx, ParamEpochs, 1),
		TrainSize:        context.GetParamOr(ctx, ParamTrainSize, 0),
		TrainSteps:       context.GetParamOr(ctx, ParamTrainSteps, 0),
		EvalSteps:        context.GetParamOr(ctx, ParamEvalSteps, 1),
		MinEvalFrequency: context.GetParamOr(ctx, ParamMinEvalFrequency, 500),
		NumCheckpoints:   context.GetParamOr(ctx, ParamNumCheckpoints, 3),
		ShuffleBuffer:    context.GetParamOr(ctx, ParamShuffleBuffer, 10000),
		ImageSize:        context.GetParamOr(ctx, ParamImageSize, 96),
		Seed:             context.GetParamOr(ctx, ParamSeed, 42),
	}
	switch {
	case p.BatchSize <= 0:
		return p, errors.Errorf("driver: %s=%d must be > 0", ParamBatchSize, p.BatchSize)
	case p.Epochs <= 0 && p.TrainSteps <= 0:
		return p, errors.Errorf("driver: either %s or %s must be > 0, otherwise training never ends",
			ParamEpochs, ParamTrainSteps)
	case p.MinEvalFrequency <= 0:
		return p, errors.Errorf("driver: %s=%d must be > 0", ParamMinEvalFrequency, p.MinEvalFrequency)
	case p.NumCheckpoints <= 0:
		return p, errors.Errorf("driver: %s=%d must be > 0", ParamNumCheckpoints, p.NumCheckpoints)
	case p.ImageSize <= 0:
		return p, errors.Errorf("driver: %s=%d must be > 0", ParamImageSize, p.ImageSize)
	}
	return p, nil
}

// Output subdirectories, and the file names written by a run.
const (
	PredictionDir     = "prediction"
	LowResolutionDir  = "low_resolution"
	HighResolutionDir = "high_resolution"

	MetricsFileName      = "metrics.csv"
	ConfigFileName       = "config.yaml"
	TrainingPlotFileName = "training.png"
)

// RunConfig holds the directories of a run, and the settings that are not hyperparameters.
type RunConfig struct {
	// RunID identifies the run in the config snapshot. It's created by NewRunConfig.
	RunID string `yaml:"run_id"`

	// DataDir holds the records (see package records).
	DataDir string `yaml:"data_dir"`

	CheckpointDir string `yaml:"checkpoint_dir"`
	LogDir        string `yaml:"log_dir"`

	// OutputDir receives the metrics and the images written by RunTesting.
	OutputDir string `yaml:"output_dir"`

	// SummariesDir receives the config snapshot, the summary points and the training plot.
	SummariesDir string `yaml:"summaries_dir"`

	// ParamsSet are the hyperparameters set in the command line: they take priority over the values
	// loaded from a checkpoint.
	ParamsSet []string `yaml:"params_set,omitempty"`

	// Verbose displays progress bars.
	Verbose bool `yaml:"-"`
}

// NewRunConfig creates a RunConfig with the directories under baseDir, and a new run id.
func NewRunConfig(baseDir string) RunConfig {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	return RunConfig{
		RunID:         uuid.NewString(),
		DataDir:       filepath.Join(baseDir, "data"),
		CheckpointDir: filepath.Join(baseDir, "checkpoints"),
		LogDir:        filepath.Join(baseDir, "logs"),
		OutputDir:     filepath.Join(baseDir, "output"),
		SummariesDir:  filepath.Join(baseDir, "summaries"),
	}
}

// CreateDirs creates the run directories, including the output subdirectories.
func (cfg RunConfig) CreateDirs() error {
	dirs := []string{
		cfg.CheckpointDir, cfg.LogDir, cfg.SummariesDir,
		filepath.Join(cfg.OutputDir, PredictionDir),
		filepath.Join(cfg.OutputDir, LowResolutionDir),
		filepath.Join(cfg.OutputDir, HighResolutionDir),
	}
	for _, dir := range dirs {
		if dir == "" {
			return errors.Errorf("driver: run directories not configured: %+v", cfg)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "driver: failed to create directory %q", dir)
		}
	}
	return nil
}

// snapshot is the content of the config snapshot file.
type snapshot struct {
	Run             RunConfig      `yaml:"run"`
	Time            time.Time      `yaml:"time"`
	Hyperparameters map[string]any `yaml:"hyperparameters"`
}

// SaveSnapshot writes the run configuration and the hyperparameters to ConfigFileName in the summaries
// directory. It returns the path of the file written.
func SaveSnapshot(ctx *context.Context, cfg RunConfig) (string, error) {
	snap := snapshot{Run: cfg, Time: time.Now(), Hyperparameters: make(map[string]any)}
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			key = scope + context.ScopeSeparator + key
		}
		snap.Hyperparameters[key] = value
	})
	contents, err := yaml.Marshal(&snap)
	if err != nil {
		return "", errors.Wrap(err, "driver: failed to encode config snapshot")
	}
	filePath := filepath.Join(cfg.SummariesDir, ConfigFileName)
	if err := os.WriteFile(filePath, contents, 0644); err != nil {
		return "", errors.Wrapf(err, "driver: failed to write config snapshot to %q", filePath)
	}
	return filePath, nil
}
