// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package srcnn

import (
	"github.com/exuejiao/enhancer/pkg/estimator/mode"
	"github.com/exuejiao/enhancer/pkg/subpixel"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"k8s.io/klog/v2"
)

const (
	// Scope under which the model variables are created.
	Scope = "srcnn"

	// WeightsStddev is the standard deviation of the random normal initialization of the convolution weights.
	// Biases are initialized to zero.
	WeightsStddev = 1e-3
)

// Build the network on the low-resolution images lr, shaped `[batch, size, size, channels]`, and returns the
// predicted images, shaped `[batch, outputSize, outputSize, channels]`.
//
// The upscaling ratio is outputSize/size, and it must agree with cfg.Variant: 1 for Direct, > 1 for Upscaled.
// Dropout (with rate `1-cfg.KeepProb`) is applied to the hidden activations only when m is mode.Train.
//
// Variables are created in ctx under the scope `srcnn/layer_<i>`, as "weights" shaped
// `[kernelSize, kernelSize, inputChannels, outputChannels]` and "biases" shaped `[outputChannels]`.
//
// Invalid shapes or configurations panic with exceptions.Panicf, at graph building time.
func Build(ctx *context.Context, cfg Config, m mode.Mode, lr *Node, outputSize int) *Node {
	if err := cfg.Validate(); err != nil {
		exceptions.Panicf("%v", err)
	}
	ratio := checkInput(cfg, lr, outputSize)
	channels := lr.Shape().Dimensions[3]
	stack := Channels(cfg.Stack, channels, ratio)
	logPlacement(cfg, stack)

	ctx = ctx.In(Scope)
	x := lr
	for ii, layer := range stack {
		layerCtx := ctx.Inf("layer_%d", ii)
		x = convolution(layerCtx, x, layer)
		if ii == len(stack)-1 {
			break
		}
		x = activations.Relu(x)
		if m.IsTraining() && cfg.KeepProb < 1 {
			x = layers.DropoutStatic(ctx, x, 1-cfg.KeepProb)
		}
	}
	if cfg.Variant == Upscaled {
		x = Tanh(subpixel.PhaseShift(x, ratio))
	}
	x.AssertDims(lr.Shape().Dimensions[0], outputSize, outputSize, channels)
	if klog.V(2).Enabled() {
		klog.Infof("srcnn (%s, %s): %s -> %s", cfg.Variant, m, lr.Shape(), x.Shape())
	}
	return x
}

// Channels returns a copy of stack with the channels of the last layer resolved for the given image channels
// and ratio: `ratio*ratio*channels` for ratio > 1, or channels otherwise.
//
// It panics if the last layer has a fixed number of channels that doesn't match.
func Channels(stack FilterStack, channels, ratio int) FilterStack {
	resolved := make(FilterStack, len(stack))
	copy(resolved, stack)
	last := &resolved[len(resolved)-1]
	want := subpixel.InputChannels(channels, ratio)
	if last.Channels == 0 {
		last.Channels = want
	} else if last.Channels != want {
		exceptions.Panicf("srcnn: last layer outputs %d channels, but %d are needed to produce images with %d channels "+
			"with ratio %d", last.Channels, want, channels, ratio)
	}
	return resolved
}

// checkInput validates lr and outputSize against cfg, and returns the upscaling ratio.
func checkInput(cfg Config, lr *Node, outputSize int) (ratio int) {
	if lr.Rank() != 4 {
		exceptions.Panicf("srcnn: low-resolution images must be shaped [batch, height, width, channels], got %s",
			lr.Shape())
	}
	if !lr.DType().IsFloat() {
		exceptions.Panicf("srcnn: low-resolution images must be float, got %s", lr.Shape())
	}
	dims := lr.Shape().Dimensions
	size := dims[1]
	if size != dims[2] {
		exceptions.Panicf("srcnn: low-resolution images must be square, got %s", lr.Shape())
	}
	if size <= 0 || outputSize <= 0 || outputSize%size != 0 {
		exceptions.Panicf("srcnn: output size %d must be a positive multiple of the input size %d (input shape %s)",
			outputSize, size, lr.Shape())
	}
	ratio = outputSize / size
	if want := VariantForRatio(ratio); want != cfg.Variant {
		exceptions.Panicf("srcnn: variant %s can't be used for ratio %d (from %d to %d pixels), use %s",
			cfg.Variant, ratio, size, outputSize, want)
	}
	return ratio
}

// convolution creates a same-padded convolution with bias. Weights are initialized with a random normal
// distribution and biases with zeros.
func convolution(ctx *context.Context, x *Node, layer Layer) *Node {
	g := x.Graph()
	dtype := x.DType()
	inputChannels := x.Shape().Dimensions[3]
	weightsVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, WeightsStddev)).
		VariableWithShape("weights", shapes.Make(dtype, layer.KernelSize, layer.KernelSize, inputChannels, layer.Channels))
	biasesVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(dtype, layer.Channels))
	x = Convolve(x, weightsVar.ValueGraph(g)).PadSame().Done()
	return Add(x, Reshape(biasesVar.ValueGraph(g), 1, 1, 1, layer.Channels))
}

// logPlacement logs the advisory placement of the layers on cfg.Devices, assigned round-robin.
// The graph is always built as one logical computation, and the actual placement is left to the backend.
func logPlacement(cfg Config, stack FilterStack) {
	if len(cfg.Devices) == 0 || !klog.V(1).Enabled() {
		return
	}
	for ii, layer := range stack {
		klog.Infof("srcnn: layer_%d (%dx%d, %d channels) -> device hint %q",
			ii, layer.KernelSize, layer.KernelSize, layer.Channels, cfg.Devices[ii%len(cfg.Devices)])
	}
}
