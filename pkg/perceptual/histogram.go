// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package perceptual

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// HistogramBins is the number of uniform bins over [0, 1] used by HistogramLoss: ceil(255/5).
const HistogramBins = (255 + 4) / 5

// HistogramLoss compares the intensity distributions of img1 and img2, given as tensors of any shape with
// values normalized to [0, 1].
//
// For each of the HistogramBins bins over [0, 1] it computes, for each image, the sum of the normalized
// position within the bin, `(x - base)/step`, of the values in the inclusive range `[base, base+step]`,
// divided by the number of values in the bin. Empty bins use 1 as divisor.
// It returns the MSE between the two per-bin vectors.
//
// Bin counts follow fixed-width histogram semantics: values outside [0, 1] are counted in the first or
// last bin.
func HistogramLoss(img1, img2 *Node) *Node {
	checkSameShape("HistogramLoss", img1, img2)
	return MSE(histogramBinLoss(img1), histogramBinLoss(img2))
}

// histogramBinLoss returns the per-bin loss of x, shaped [HistogramBins].
func histogramBinLoss(x *Node) *Node {
	g := x.Graph()
	dtype := x.DType()
	if !dtype.IsFloat() {
		dtype = dtypes.Float32
		x = ConvertDType(x, dtype)
	}
	const numBins = HistogramBins
	step := 1.0 / float64(numBins)

	// values: [P, 1]; bins: [1, B].
	values := Reshape(x, x.Shape().Size(), 1)
	binIndices := Iota(g, shapes.Make(dtype, 1, numBins), 1)
	bases := MulScalar(binIndices, step)

	// Fixed-width histogram counts: bin = clip(floor(x/step), 0, B-1).
	valueBins := ClipScalar(Floor(MulScalar(values, float64(numBins))), 0, float64(numBins-1))
	inBin := ConvertDType(Equal(
		BroadcastToDims(valueBins, values.Shape().Dimensions[0], numBins),
		BroadcastToDims(binIndices, values.Shape().Dimensions[0], numBins)), dtype)
	counts := ReduceSum(inBin, 0)

	// Normalized position of each value within each bin, for values in the inclusive range of the bin.
	broadcastValues := BroadcastToDims(values, values.Shape().Dimensions[0], numBins)
	broadcastBases := BroadcastToDims(bases, values.Shape().Dimensions[0], numBins)
	inRange := LogicalAnd(
		GreaterOrEqual(broadcastValues, broadcastBases),
		LessOrEqual(broadcastValues, AddScalar(broadcastBases, step)))
	positions := DivScalar(Sub(broadcastValues, broadcastBases), step)
	positions = Where(inRange, positions, ZerosLike(positions))
	sums := ReduceSum(positions, 0)

	divisors := Where(GreaterThan(counts, ZerosLike(counts)), counts, OnesLike(counts))
	return Div(sums, divisors)
}
