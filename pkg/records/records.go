// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package records loads the (low-resolution, high-resolution, name) image records used to train and
// evaluate the super-resolution model, and streams them as a train.Dataset.
//
// Records are read from a directory with the layout:
//
//	<dir>/high_resolution/<name>.{jpg,jpeg,png}
//	<dir>/low_resolution/<name>.{jpg,jpeg,png}    (optional)
//
// High-resolution images are center-cropped to Config.ImageSize. Low-resolution images, when present, are
// matched by name and center-cropped to Config.ImageSize/Config.Ratio. Otherwise, they are synthesized from
// the high-resolution image (see Degrade).
package records

import (
	"image"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Subdirectories of a records directory.
const (
	HighResolutionDir = "high_resolution"
	LowResolutionDir  = "low_resolution"
)

// ImageExtensions recognized when listing a records directory.
var ImageExtensions = []string{".jpg", ".jpeg", ".png"}

// Record is one training or evaluation example.
type Record struct {
	// Name identifies the record: the base name of its high-resolution file, without the extension.
	Name string

	LowRes, HighRes image.Image
}

// Config of the records to load.
type Config struct {
	// Dir holds the HighResolutionDir and, optionally, the LowResolutionDir subdirectories.
	Dir string

	// ImageSize of the square high-resolution crops. It must be divisible by Ratio.
	ImageSize int

	// Ratio between the high-resolution and low-resolution sizes.
	Ratio int

	// MaxRecords limits the number of records loaded, if > 0.
	MaxRecords int

	// Verbose displays a progress bar while loading.
	Verbose bool
}

// LowResSize is the size of the low-resolution crops.
func (cfg Config) LowResSize() int {
	return cfg.ImageSize / cfg.Ratio
}

// Validate the configuration.
func (cfg Config) Validate() error {
	if cfg.Dir == "" {
		return errors.New("records: directory not configured")
	}
	if cfg.Ratio < 1 {
		return errors.Errorf("records: ratio=%d must be >= 1", cfg.Ratio)
	}
	if cfg.ImageSize <= 0 || cfg.ImageSize%cfg.Ratio != 0 {
		return errors.Errorf("records: image size %d must be a positive multiple of the ratio %d",
			cfg.ImageSize, cfg.Ratio)
	}
	return nil
}

// Source files of a record. LowRes is empty if there is no low-resolution image for the record.
type Source struct {
	Name            string
	HighRes, LowRes string
}

// List the sources in the records directory, sorted by name, limited to cfg.MaxRecords.
func List(cfg Config) ([]Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	highRes, err := listImages(filepath.Join(cfg.Dir, HighResolutionDir))
	if err != nil {
		return nil, err
	}
	if len(highRes) == 0 {
		return nil, errors.Errorf("records: no images found in %q", filepath.Join(cfg.Dir, HighResolutionDir))
	}
	lowRes, err := listImages(filepath.Join(cfg.Dir, LowResolutionDir))
	if err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, err
	}
	names := slices.Sorted(maps.Keys(highRes))
	if cfg.MaxRecords > 0 && len(names) > cfg.MaxRecords {
		names = names[:cfg.MaxRecords]
	}
	sources := make([]Source, 0, len(names))
	for _, name := range names {
		sources = append(sources, Source{Name: name, HighRes: highRes[name], LowRes: lowRes[name]})
	}
	return sources, nil
}

// listImages returns the image files in dir by their name.
func listImages(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "records: failed to list %q", dir)
	}
	files := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !slices.Contains(ImageExtensions, ext) {
			continue
		}
		files[strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))] = filepath.Join(dir, entry.Name())
	}
	return files, nil
}

// Load lists and reads all records, in parallel. The records are returned in the order of List.
func Load(cfg Config) ([]Record, error) {
	sources, err := List(cfg)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("records: loading %s records from %q", humanize.Comma(int64(len(sources))), cfg.Dir)

	var pBar *progressbar.ProgressBar
	if cfg.Verbose {
		pBar = progressbar.NewOptions(len(sources),
			progressbar.OptionSetDescription("Loading records"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
			progressbar.OptionThrottle(250*time.Millisecond),
		)
	}

	records := make([]Record, len(sources))
	errs := make([]error, len(sources))
	indices := make(chan int)
	var wg sync.WaitGroup
	for range runtime.NumCPU() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range indices {
				records[idx], errs[idx] = Read(cfg, sources[idx])
				if pBar != nil {
					_ = pBar.Add(1)
				}
			}
		}()
	}
	for idx := range sources {
		indices <- idx
	}
	close(indices)
	wg.Wait()
	if pBar != nil {
		_ = pBar.Finish()
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return records, nil
}

// Read one record from its source files.
func Read(cfg Config, src Source) (Record, error) {
	hrImg, err := imaging.Open(src.HighRes, imaging.AutoOrientation(true))
	if err != nil {
		return Record{}, errors.Wrapf(err, "records: failed to read %q", src.HighRes)
	}
	rec := Record{Name: src.Name}
	rec.HighRes, err = CropCenter(hrImg, cfg.ImageSize)
	if err != nil {
		return Record{}, errors.WithMessagef(err, "records: high-resolution image %q", src.HighRes)
	}
	if src.LowRes == "" {
		rec.LowRes = Degrade(rec.HighRes, cfg.Ratio)
		return rec, nil
	}
	lrImg, err := imaging.Open(src.LowRes, imaging.AutoOrientation(true))
	if err != nil {
		return Record{}, errors.Wrapf(err, "records: failed to read %q", src.LowRes)
	}
	rec.LowRes, err = CropCenter(lrImg, cfg.LowResSize())
	if err != nil {
		return Record{}, errors.WithMessagef(err, "records: low-resolution image %q", src.LowRes)
	}
	return rec, nil
}

// CropCenter crops the square at the center of img with the given size.
// It fails if img is smaller than size in any dimension.
func CropCenter(img image.Image, size int) (*image.NRGBA, error) {
	bounds := img.Bounds().Size()
	if bounds.X < size || bounds.Y < size {
		return nil, errors.Errorf("image is %dx%d, smaller than the %dx%d crop", bounds.X, bounds.Y, size, size)
	}
	return imaging.CropCenter(img, size, size), nil
}

// Degrade synthesizes the low-resolution version of a square high-resolution image: it's downscaled by ratio
// with a Lanczos filter.
//
// If ratio is 1, the image keeps its size but loses detail: it's downscaled by 2 and upscaled back.
func Degrade(hr image.Image, ratio int) *image.NRGBA {
	size := hr.Bounds().Dx()
	if ratio > 1 {
		return imaging.Resize(hr, size/ratio, size/ratio, imaging.Lanczos)
	}
	small := imaging.Resize(hr, max(size/2, 1), max(size/2, 1), imaging.Lanczos)
	return imaging.Resize(small, size, size, imaging.Lanczos)
}

// toTensor converts images to float32 tensors with values in [0, 1], dropping the alpha channel.
var toTensor = timage.ToTensor(dtypes.Float32)

// ToTensors converts one record to tensors shaped `[1, size, size, 3]`, the low-resolution and the
// high-resolution images.
func ToTensors(rec Record) (lr, hr *tensors.Tensor) {
	return toTensor.Batch([]image.Image{rec.LowRes}), toTensor.Batch([]image.Image{rec.HighRes})
}

// ToImages converts a batch of images shaped `[batch, size, size, channels]`, with values in [0, 1].
func ToImages(t *tensors.Tensor) []image.Image {
	return timage.ToImage().MaxValue(1.0).Batch(t)
}
