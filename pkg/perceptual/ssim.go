// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package perceptual

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

const (
	// DefaultWindowSize is the size of the Gaussian window used by SSIM.
	DefaultWindowSize = 11

	// DefaultSigma is the standard deviation of the Gaussian window used by SSIM.
	DefaultSigma = 1.5

	// DynamicRange (L) of the pixel values: images are normalized to [0, 1].
	DynamicRange = 1.0

	// K1 and K2 are the SSIM stabilizing constants: C1=(K1*L)² and C2=(K2*L)².
	K1 = 0.01
	K2 = 0.03

	// DefaultMSSSIMLevels is the number of scales used by MSSSIM.
	DefaultMSSSIMLevels = 5
)

// MSSSIMWeights are the published per-scale exponents of MS-SSIM, from the finest to the coarsest scale.
var MSSSIMWeights = []float64{0.0448, 0.2856, 0.3001, 0.2363, 0.1333}

// SSIMConfig holds the configuration of an SSIM computation. Create it with SSIM and finish it with
// Done or DoneWithContrastStructure.
type SSIMConfig struct {
	img1, img2 *Node
	windowSize int
	sigma      float64
	perPixel   bool
}

// SSIM configures the computation of the structural similarity index between img1 and img2.
//
// Both images must be shaped `[batch, height, width, channels]`, with height and width at least the
// window size. Each channel is compared separately, and the SSIM map is shaped
// `[batch, height-windowSize+1, width-windowSize+1, channels]` (the convolutions with the Gaussian
// window don't use padding).
//
// By default, it uses a Gaussian window of size DefaultWindowSize and DefaultSigma, and returns
// the mean of the SSIM map as a scalar.
//
// Example:
//
//	ssim := perceptual.SSIM(predictions, labels).Done()
//	ssimMap, csMap := perceptual.SSIM(predictions, labels).PerPixel().DoneWithContrastStructure()
func SSIM(img1, img2 *Node) *SSIMConfig {
	return &SSIMConfig{
		img1:       img1,
		img2:       img2,
		windowSize: DefaultWindowSize,
		sigma:      DefaultSigma,
	}
}

// WindowSize sets the size of the Gaussian window. Default is DefaultWindowSize.
func (c *SSIMConfig) WindowSize(size int) *SSIMConfig {
	c.windowSize = size
	return c
}

// Sigma sets the standard deviation of the Gaussian window. Default is DefaultSigma.
func (c *SSIMConfig) Sigma(sigma float64) *SSIMConfig {
	c.sigma = sigma
	return c
}

// PerPixel configures SSIM to return the full map, instead of its mean.
func (c *SSIMConfig) PerPixel() *SSIMConfig {
	c.perPixel = true
	return c
}

// Done returns the SSIM: a scalar with the mean, or the per-pixel map if PerPixel was set.
func (c *SSIMConfig) Done() *Node {
	ssim, _ := c.build(false)
	return ssim
}

// DoneWithContrastStructure returns the SSIM and the contrast-structure term (the SSIM without the
// luminance component), both either as scalars or as per-pixel maps, if PerPixel was set.
func (c *SSIMConfig) DoneWithContrastStructure() (ssim, cs *Node) {
	return c.build(true)
}

func (c *SSIMConfig) build(withContrastStructure bool) (ssim, cs *Node) {
	img1, img2 := c.img1, c.img2
	checkImages("SSIM", img1, img2)
	checkSameShape("SSIM", img1, img2)
	if c.windowSize < 1 || c.sigma <= 0 {
		exceptions.Panicf("perceptual.SSIM: invalid Gaussian window size=%d, sigma=%g", c.windowSize, c.sigma)
	}
	dims := img1.Shape().Dimensions
	if dims[1] < c.windowSize || dims[2] < c.windowSize {
		exceptions.Panicf("perceptual.SSIM: images (shape %s) are smaller than the %dx%d Gaussian window",
			img1.Shape(), c.windowSize, c.windowSize)
	}
	g := img1.Graph()
	window := GaussianWindow(g, img1.DType(), c.windowSize, c.sigma)
	filter := func(x *Node) *Node { return filterPerChannel(x, window) }

	c1 := (K1 * DynamicRange) * (K1 * DynamicRange)
	c2 := (K2 * DynamicRange) * (K2 * DynamicRange)
	mu1, mu2 := filter(img1), filter(img2)
	mu1Sq, mu2Sq, mu1Mu2 := Square(mu1), Square(mu2), Mul(mu1, mu2)
	sigma1Sq := Sub(filter(Square(img1)), mu1Sq)
	sigma2Sq := Sub(filter(Square(img2)), mu2Sq)
	sigma12 := Sub(filter(Mul(img1, img2)), mu1Mu2)

	csNumerator := AddScalar(MulScalar(sigma12, 2), c2)
	csDenominator := AddScalar(Add(sigma1Sq, sigma2Sq), c2)
	luminance := Div(
		AddScalar(MulScalar(mu1Mu2, 2), c1),
		AddScalar(Add(mu1Sq, mu2Sq), c1))
	ssim = Mul(luminance, Div(csNumerator, csDenominator))
	if withContrastStructure {
		cs = Div(csNumerator, csDenominator)
	}
	if !c.perPixel {
		ssim = ReduceAllMean(ssim)
		if cs != nil {
			cs = ReduceAllMean(cs)
		}
	}
	return
}

// GaussianWindow returns a normalized 2D Gaussian kernel shaped `[size, size, 1, 1]`, ready to be used
// as a convolution kernel over a single channel. It mimics MATLAB's `fspecial('gaussian', size, sigma)`.
func GaussianWindow(g *Graph, dtype dtypes.DType, size int, sigma float64) *Node {
	// Offsets go from floor(-size/2)+1 to floor(-size/2)+size, the same as numpy's
	// mgrid[-size//2+1 : size//2+1] for odd sizes.
	start := int(math.Floor(-float64(size)/2)) + 1
	values := make([]float64, size*size)
	var total float64
	for y := range size {
		for x := range size {
			dy, dx := float64(start+y), float64(start+x)
			v := math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
			values[y*size+x] = v
			total += v
		}
	}
	kernel := make([][][][]float64, size)
	for y := range size {
		kernel[y] = make([][][]float64, size)
		for x := range size {
			kernel[y][x] = [][]float64{{values[y*size+x] / total}}
		}
	}
	return ConvertDType(Const(g, kernel), dtype)
}

// filterPerChannel convolves each channel of x (shaped [N, H, W, C]) independently with window
// (shaped [k, k, 1, 1]), without padding.
func filterPerChannel(x, window *Node) *Node {
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	// Fold channels into the batch axis: [N, H, W, C] -> [N, C, H, W] -> [N*C, H, W, 1].
	folded := TransposeAllAxes(x, 0, 3, 1, 2)
	folded = Reshape(folded, batchSize*channels, height, width, 1)
	filtered := Convolve(folded, window).NoPadding().Done()
	outDims := filtered.Shape().Dimensions
	filtered = Reshape(filtered, batchSize, channels, outDims[1], outDims[2])
	return TransposeAllAxes(filtered, 0, 2, 3, 1)
}

// MSSSIM returns the multi-scale structural similarity index between img1 and img2, as a scalar.
//
// It computes SSIM on `levels` scales, each one downsampled by 2 (mean pooling) from the previous,
// and combines the mean contrast-structure of the first levels-1 scales with the mean SSIM of the
// last scale, each raised to its MSSSIMWeights exponent.
//
// levels must be between 1 and len(MSSSIMWeights), and the images must be large enough for the coarsest scale
// to fit the SSIM window.
func MSSSIM(img1, img2 *Node, levels int) *Node {
	checkImages("MSSSIM", img1, img2)
	if levels < 1 || levels > len(MSSSIMWeights) {
		exceptions.Panicf("perceptual.MSSSIM: levels must be between 1 and %d, got %d", len(MSSSIMWeights), levels)
	}
	g := img1.Graph()
	dtype := img1.DType()
	var result *Node
	for level := range levels {
		ssim, cs := SSIM(img1, img2).DoneWithContrastStructure()
		weight := Scalar(g, dtype, MSSSIMWeights[level])
		var term *Node
		if level == levels-1 {
			term = Pow(ssim, weight)
		} else {
			term = Pow(cs, weight)
			img1 = MeanPool(img1).Window(2).Strides(2).PadSame().Done()
			img2 = MeanPool(img2).Window(2).Strides(2).PadSame().Done()
		}
		if result == nil {
			result = term
		} else {
			result = Mul(result, term)
		}
	}
	return result
}
