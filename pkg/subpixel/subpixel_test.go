// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package subpixel

import (
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestBackend(t *testing.T) backends.Backend {
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)
	return backend
}

func TestPhaseShiftBlockLayout(t *testing.T) {
	backend := buildTestBackend(t)

	// One pixel with 4 channels [1, 2, 3, 4] becomes a 2x2 block in raster order.
	got, err := ExecOnce(backend, func(x *Node) *Node {
		return PhaseShift(x, 2)
	}, [][][][]float32{{{{1, 2, 3, 4}}}})
	require.NoError(t, err)
	assert.Equal(t, [][][][]float32{{
		{{1}, {2}},
		{{3}, {4}},
	}}, got.Value())

	// 2x2 pixels, each with 4 channels: blocks are placed side by side.
	got, err = ExecOnce(backend, func(x *Node) *Node {
		return PhaseShift(x, 2)
	}, [][][][]float32{{
		{{1, 2, 3, 4}, {5, 6, 7, 8}},
		{{9, 10, 11, 12}, {13, 14, 15, 16}},
	}})
	require.NoError(t, err)
	assert.Equal(t, [][][][]float32{{
		{{1}, {2}, {5}, {6}},
		{{3}, {4}, {7}, {8}},
		{{9}, {10}, {13}, {14}},
		{{11}, {12}, {15}, {16}},
	}}, got.Value())
}

func TestPhaseShiftMultiChannel(t *testing.T) {
	backend := buildTestBackend(t)
	// ratio=2, C'=2: channel (i*2+j)*2+k goes to block offset (i,j), output channel k.
	got, err := ExecOnce(backend, func(x *Node) *Node {
		return PhaseShift(x, 2)
	}, [][][][]float32{{{{10, 11, 20, 21, 30, 31, 40, 41}}}})
	require.NoError(t, err)
	assert.Equal(t, [][][][]float32{{
		{{10, 11}, {20, 21}},
		{{30, 31}, {40, 41}},
	}}, got.Value())
}

func TestPhaseShiftRoundTrip(t *testing.T) {
	backend := buildTestBackend(t)
	const (
		batchSize, height, width, ratio, channels = 2, 3, 5, 3, 2
	)
	depth := ratio * ratio * channels
	markers := make([]float32, batchSize*height*width*depth)
	for ii := range markers {
		markers[ii] = float32(ii) // Distinct marker per (pixel, channel).
	}
	input := tensors.FromFlatDataAndDimensions(markers, batchSize, height, width, depth)

	roundTripExec := MustNewExec(backend, func(x *Node) (*Node, *Node) {
		upscaled := PhaseShift(x, ratio)
		return upscaled, SpaceToDepth(upscaled, ratio)
	})
	defer roundTripExec.Finalize()
	outputs, err := roundTripExec.Exec(input)
	require.NoError(t, err)
	upscaled, restored := outputs[0], outputs[1]
	assert.Equal(t, []int{batchSize, height * ratio, width * ratio, channels}, upscaled.Shape().Dimensions)
	assert.Equal(t, markers, tensors.MustCopyFlatData[float32](restored))

	// Each output block holds exactly the markers of its source pixel, in raster order.
	flat := tensors.MustCopyFlatData[float32](upscaled)
	outWidth := width * ratio
	for b := range batchSize {
		for h := range height {
			for w := range width {
				for i := range ratio {
					for j := range ratio {
						for k := range channels {
							outIdx := ((b*height*ratio+h*ratio+i)*outWidth+w*ratio+j)*channels + k
							inIdx := ((b*height+h)*width+w)*depth + (i*ratio+j)*channels + k
							require.Equalf(t, markers[inIdx], flat[outIdx],
								"batch=%d, pixel=(%d,%d), block offset=(%d,%d), channel=%d", b, h, w, i, j, k)
						}
					}
				}
			}
		}
	}
}

func TestPhaseShiftPassthrough(t *testing.T) {
	backend := buildTestBackend(t)
	input := [][][][]float32{{{{1, 2}, {3, 4}}}}
	got, err := ExecOnce(backend, func(x *Node) *Node {
		return PhaseShift(x, 1)
	}, input)
	require.NoError(t, err)
	assert.Equal(t, input, got.Value())
	assert.Equal(t, 3, OutputChannels(3, 1))
	assert.Equal(t, 3, OutputChannels(12, 2))
	assert.Equal(t, 27, InputChannels(3, 3))
}

func TestPhaseShiftInvalidChannels(t *testing.T) {
	backend := buildTestBackend(t)
	_, err := ExecOnce(backend, func(x *Node) *Node {
		return PhaseShift(x, 2)
	}, [][][][]float32{{{{1, 2, 3}}}})
	require.Error(t, err)
}
