// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package subpixel implements the sub-pixel (a.k.a. "phase shift" or "depth to space") rearrangement
// used to upscale convolutional feature maps into higher resolution images, without learned
// upsampling weights.
//
// Images are shaped `[batch, height, width, channels]` (channels last).
//
// Within each ratio×ratio output block, the pixel at block row i and block column j, output channel k, is
// read from input channel `(i*ratio + j)*outputChannels + k`. That is, the blocks are filled in row-major
// (raster) order.
package subpixel

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// OutputChannels returns the number of channels PhaseShift produces for an input with the given number of channels.
// It returns channels unchanged if ratio <= 1.
func OutputChannels(channels, ratio int) int {
	if ratio <= 1 {
		return channels
	}
	return channels / (ratio * ratio)
}

// InputChannels returns the number of channels PhaseShift needs to produce an image with the given number of
// channels. It returns channels unchanged if ratio <= 1.
func InputChannels(channels, ratio int) int {
	if ratio <= 1 {
		return channels
	}
	return channels * ratio * ratio
}

// PhaseShift rearranges x, shaped `[N, H, W, C]` with `C = ratio*ratio*C'`, into an image shaped
// `[N, H*ratio, W*ratio, C']`.
//
// If ratio <= 1, x is returned unchanged.
//
// It panics (with exceptions.Panicf) if x is not rank-4 or if C is not divisible by ratio².
func PhaseShift(x *Node, ratio int) *Node {
	if ratio <= 1 {
		return x
	}
	checkImage(x, "PhaseShift")
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if channels%(ratio*ratio) != 0 {
		exceptions.Panicf("subpixel.PhaseShift: channels (%d) of x (shape %s) must be divisible by ratio²=%d",
			channels, x.Shape(), ratio*ratio)
	}
	outChannels := channels / (ratio * ratio)

	// [N, H, W, i, j, C'] -> [N, H, i, W, j, C'] -> [N, H*r, W*r, C']
	x = Reshape(x, batchSize, height, width, ratio, ratio, outChannels)
	x = TransposeAllAxes(x, 0, 1, 3, 2, 4, 5)
	return Reshape(x, batchSize, height*ratio, width*ratio, outChannels)
}

// SpaceToDepth is the inverse of PhaseShift: it takes x shaped `[N, H*ratio, W*ratio, C']` and returns
// `[N, H, W, ratio*ratio*C']`, gathering each ratio×ratio spatial block back into the channels axis.
//
// If ratio <= 1, x is returned unchanged.
func SpaceToDepth(x *Node, ratio int) *Node {
	if ratio <= 1 {
		return x
	}
	checkImage(x, "SpaceToDepth")
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if height%ratio != 0 || width%ratio != 0 {
		exceptions.Panicf("subpixel.SpaceToDepth: spatial dimensions of x (shape %s) must be divisible by ratio=%d",
			x.Shape(), ratio)
	}
	x = Reshape(x, batchSize, height/ratio, ratio, width/ratio, ratio, channels)
	x = TransposeAllAxes(x, 0, 1, 3, 2, 4, 5)
	return Reshape(x, batchSize, height/ratio, width/ratio, ratio*ratio*channels)
}

func checkImage(x *Node, opName string) {
	if x.Rank() != 4 {
		exceptions.Panicf("subpixel.%s: x must be rank-4 shaped [batch, height, width, channels], got shape %s",
			opName, x.Shape())
	}
}
