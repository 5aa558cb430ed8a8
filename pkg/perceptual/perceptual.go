// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package perceptual implements image quality metrics used to train and evaluate super-resolution models:
// MSE, PSNR, SSIM, MS-SSIM, a histogram loss and an intensity normalization.
//
// All functions are graph building functions: they take and return *graph.Node. Images are
// shaped `[batch, height, width, channels]`, with values normalized to [0, 1].
//
// Shape problems are reported with a panic (see package github.com/gomlx/exceptions), like any other graph
// building error, and are returned as errors by the graph execution.
package perceptual

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// PSNRIdentical is the PSNR returned for identical images (mse == 0), where the ratio is undefined.
const PSNRIdentical = 100.0

// ErrNegativeMSE is returned by PSNRValue for a negative mean squared error.
var ErrNegativeMSE = errors.New("negative mean squared error")

// MSE returns the mean over all elements of the squared difference between a and b, as a scalar.
func MSE(a, b *Node) *Node {
	checkSameShape("MSE", a, b)
	return ReduceAllMean(Square(Sub(a, b)))
}

// RMSE returns the square root of MSE(a, b).
func RMSE(a, b *Node) *Node {
	return RMSEFromMSE(MSE(a, b))
}

// RMSEFromMSE returns the square root of mse. Its gradient is 0 (instead of +Inf) where mse is 0.
func RMSEFromMSE(mse *Node) *Node {
	isZero := Equal(mse, ZerosLike(mse))
	safeMSE := Where(isZero, OnesLike(mse), mse)
	return Where(isZero, ZerosLike(mse), Sqrt(safeMSE))
}

// PSNR converts a mean squared error to the peak signal-to-noise ratio, for images with values in [0, 1]:
// `-10 * log10(mse)`.
//
// It returns PSNRIdentical where mse is 0. A negative mse yields NaN: use PSNRValue to get an error instead.
func PSNR(mse *Node) *Node {
	g := mse.Graph()
	dtype := mse.DType()
	isZero := Equal(mse, ZerosLike(mse))
	// Log is taken of 1 where mse is 0, so the unused branch doesn't produce -Inf (and NaN gradients).
	safeMSE := Where(isZero, OnesLike(mse), mse)
	psnr := MulScalar(Log(safeMSE), -10.0/math.Ln10)
	identical := Add(ZerosLike(mse), Scalar(g, dtype, PSNRIdentical))
	return Where(isZero, identical, psnr)
}

// PSNRValue is the host version of PSNR, for an already computed mse.
// It returns ErrNegativeMSE if mse is negative.
func PSNRValue(mse float64) (float64, error) {
	switch {
	case math.IsNaN(mse) || mse < 0:
		return math.NaN(), errors.Wrapf(ErrNegativeMSE, "PSNR of mse=%g", mse)
	case mse == 0:
		return PSNRIdentical, nil
	}
	return -10.0 * math.Log10(mse), nil
}

// checkImages panics if x is not an image batch shaped `[batch, height, width, channels]`.
func checkImages(opName string, images ...*Node) {
	for _, x := range images {
		if x.Rank() != 4 {
			exceptions.Panicf("perceptual.%s: images must be shaped [batch, height, width, channels], got %s",
				opName, x.Shape())
		}
	}
}

func checkSameShape(opName string, a, b *Node) {
	if !a.Shape().Equal(b.Shape()) {
		exceptions.Panicf("perceptual.%s: inputs must have the same shape, got %s and %s",
			opName, a.Shape(), b.Shape())
	}
}
