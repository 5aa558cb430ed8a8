// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package srcnn implements the super-resolution convolutional network: a fixed-depth stack of same-padded
// convolutions, followed, when upscaling, by a sub-pixel rearrangement (see package subpixel) and a tanh.
//
// The topology is described by a Config: the FilterStack (kernel size and channels of each layer) and a
// Variant, which selects between a direct prediction (no upscaling) and an upscaled prediction.
// Its hyperparameters are read from the context.Context (see ConfigFromContext).
package srcnn

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Hyperparameters read from the context.Context by ConfigFromContext.
const (
	// ParamTopology selects the FilterStack preset: "five_layers" (default) or "three_layers".
	ParamTopology = "topology"

	// ParamKeepProb is the probability of keeping a hidden activation during training. Dropout is applied only
	// if it is < 1.
	ParamKeepProb = "keep_prob"

	// ParamDevices lists advisory device placement hints, e.g. ["/gpu:0", "/gpu:1"]. Layers are assigned
	// to them round-robin. The model is always built as one logical graph.
	ParamDevices = "devices"

	// ParamRatio is the integer upscaling ratio between the high and the low resolution images.
	ParamRatio = "ratio"
)

// Layer of the FilterStack: one same-padded convolution.
type Layer struct {
	// KernelSize of the square convolution kernel.
	KernelSize int

	// Channels is the number of output channels. If 0, it is derived from the image channels and the ratio,
	// which is only allowed in the last layer.
	Channels int
}

// FilterStack is the ordered list of convolution layers of the network.
// The input channels of each layer are the output channels of the previous one, or the image channels for
// the first layer.
type FilterStack []Layer

var (
	// FiveLayers is the default topology.
	FiveLayers = FilterStack{{2, 64}, {1, 32}, {3, 16}, {2, 8}, {1, 0}}

	// ThreeLayers is the classic SRCNN 9-1-5 topology.
	ThreeLayers = FilterStack{{9, 64}, {1, 32}, {5, 0}}

	// Topologies maps the values accepted by ParamTopology to their stacks.
	Topologies = map[string]FilterStack{
		"five_layers":  FiveLayers,
		"three_layers": ThreeLayers,
	}
)

// String implements fmt.Stringer.
func (s FilterStack) String() string {
	parts := make([]string, 0, len(s))
	for _, layer := range s {
		channels := "·"
		if layer.Channels > 0 {
			channels = fmt.Sprintf("%d", layer.Channels)
		}
		parts = append(parts, fmt.Sprintf("%dx%d→%s", layer.KernelSize, layer.KernelSize, channels))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Variant of the network output.
type Variant int

const (
	// Direct uses the output of the last convolution as the prediction. Input and output have the same size.
	Direct Variant = iota

	// Upscaled rearranges the output of the last convolution with subpixel.PhaseShift, and applies a tanh.
	Upscaled
)

// String implements fmt.Stringer.
func (v Variant) String() string {
	switch v {
	case Direct:
		return "direct"
	case Upscaled:
		return "upscaled"
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// VariantForRatio returns Direct for ratio <= 1 and Upscaled otherwise.
func VariantForRatio(ratio int) Variant {
	if ratio > 1 {
		return Upscaled
	}
	return Direct
}

// Config of the network topology.
type Config struct {
	Stack    FilterStack
	Variant  Variant
	KeepProb float64
	Devices  []string
}

// ConfigFromContext creates the Config from the context hyperparameters: ParamTopology, ParamKeepProb,
// ParamDevices and ParamRatio (which selects the Variant).
func ConfigFromContext(ctx *context.Context) (Config, error) {
	topology := context.GetParamOr(ctx, ParamTopology, "five_layers")
	stack, found := Topologies[topology]
	if !found {
		return Config{}, errors.Errorf("unknown %s=%q, valid values are %q",
			ParamTopology, topology, slices.Sorted(maps.Keys(Topologies)))
	}
	cfg := Config{
		Stack:    stack,
		Variant:  VariantForRatio(context.GetParamOr(ctx, ParamRatio, 1)),
		KeepProb: context.GetParamOr(ctx, ParamKeepProb, 1.0),
		Devices:  context.GetParamOr(ctx, ParamDevices, []string(nil)),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate the static parts of the configuration: those that don't depend on the input shape.
func (cfg Config) Validate() error {
	if len(cfg.Stack) == 0 {
		return errors.New("srcnn: empty filter stack")
	}
	for ii, layer := range cfg.Stack {
		if layer.KernelSize <= 0 {
			return errors.Errorf("srcnn: layer #%d has invalid kernel size %d", ii, layer.KernelSize)
		}
		if layer.Channels < 0 || (layer.Channels == 0 && ii != len(cfg.Stack)-1) {
			return errors.Errorf("srcnn: layer #%d has invalid number of channels %d", ii, layer.Channels)
		}
	}
	if cfg.Variant != Direct && cfg.Variant != Upscaled {
		return errors.Errorf("srcnn: invalid variant %s", cfg.Variant)
	}
	if cfg.KeepProb <= 0 || cfg.KeepProb > 1 {
		return errors.Errorf("srcnn: %s=%g must be in (0, 1]", ParamKeepProb, cfg.KeepProb)
	}
	for _, device := range cfg.Devices {
		if !isDeviceName(device) {
			return errors.Errorf("srcnn: invalid device hint %q, expected something like \"/cpu:0\" or \"/device:GPU:1\"", device)
		}
	}
	return nil
}

// isDeviceName checks for hints formatted as "/<kind>:<index>" or "/device:<kind>:<index>".
func isDeviceName(device string) bool {
	name, found := strings.CutPrefix(device, "/")
	if !found {
		return false
	}
	name = strings.TrimPrefix(name, "device:")
	kind, index, found := strings.Cut(name, ":")
	if !found || kind == "" || index == "" {
		return false
	}
	for _, r := range index {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
