// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mode defines the mode a model graph is built for: training, evaluation or prediction.
//
// It is a leaf package, so both the model topology and the estimator can take it as an explicit argument.
package mode

import "fmt"

// Mode a model is built for.
type Mode int

const (
	// Train builds the predictions, the loss and the metrics, and the optimizer updates the variables.
	Train Mode = iota

	// Eval builds the predictions, the loss and the metrics, without updating any variables.
	Eval

	// Predict builds only the predictions.
	Predict
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Train:
		return "train"
	case Eval:
		return "eval"
	case Predict:
		return "predict"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// IsTraining returns whether the mode updates the model variables.
func (m Mode) IsTraining() bool {
	return m == Train
}

// HasLabels returns whether the mode requires the high-resolution labels, to compute loss and metrics.
func (m Mode) HasLabels() bool {
	return m == Train || m == Eval
}
