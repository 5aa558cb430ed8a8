// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package perceptual

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

const (
	// IntensityThreshold separates the bright pixels from the others in IntensityNormalization.
	IntensityThreshold = 200.0 / 255.0

	// IntensityTarget is the level bright pixels are shifted to, relative to the image mean.
	IntensityTarget = 240.0 / 255.0

	// IntensityOffset is added to the pixels at or below IntensityThreshold.
	IntensityOffset = 15.0 / 255.0
)

// IntensityNormalization shifts the intensities of img (values in [0, 1]):
// pixels above IntensityThreshold become `x - mean(img) + IntensityTarget`, and pixels at or below it are
// raised by IntensityOffset.
//
// Both groups are selected on the input values, so a shifted bright pixel is not shifted again.
// The mean is taken over the whole tensor.
func IntensityNormalization(img *Node) *Node {
	g := img.Graph()
	dtype := img.DType()
	threshold := Add(ZerosLike(img), Scalar(g, dtype, IntensityThreshold))
	mean := ReduceAllMean(img)
	bright := AddScalar(Sub(img, mean), IntensityTarget)
	dark := AddScalar(img, IntensityOffset)
	return Where(GreaterThan(img, threshold), bright, dark)
}
