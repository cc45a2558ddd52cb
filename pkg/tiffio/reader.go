// Package tiffio reads and writes single-channel microscopy TIFF images
// together with their pixel calibration.
//
// Integer and RGB files are decoded with golang.org/x/image/tiff. Float
// files, which that decoder does not support, are read directly when they
// are uncompressed. Output is always 32-bit float with ImageJ-style
// calibration so common viewers show the physical scale.
package tiffio

import (
	"bytes"
	"fmt"
	"image"
	"math"
	"os"
	"strings"

	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/mat"

	"emdenoise/internal/models"
)

// maxPixels bounds the size of a decoded page, 16384x16384
const maxPixels = 1 << 28

// Read loads the first image of a TIFF file and its calibration.
func Read(path string) (*models.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	img.Path = path
	return img, nil
}

// Decode parses an in-memory TIFF file.
func Decode(data []byte) (*models.Image, error) {
	dirs, err := parseIFDs(data)
	if err != nil {
		return nil, err
	}
	first := dirs[0]
	if err := checkSize(first); err != nil {
		return nil, err
	}

	var (
		pix   *mat.Dense
		dtype models.DType
	)
	if first.uint(tagSampleFormat, 1) == sampleFormatFloat {
		pix, dtype, err = readFloatPage(data, first)
	} else {
		pix, dtype, err = decodeStandard(data)
	}
	if err != nil {
		return nil, err
	}

	return models.NewImage(pix, dtype, calibration(first)), nil
}

// ReadStack loads every page of a float TIFF written by WriteStack. Integer
// files yield their first page only.
func ReadStack(path string) ([]*mat.Dense, models.Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.Calibration{}, fmt.Errorf("reading %s: %w", path, err)
	}
	dirs, err := parseIFDs(data)
	if err != nil {
		return nil, models.Calibration{}, fmt.Errorf("decoding %s: %w", path, err)
	}
	cal := calibration(dirs[0])

	if dirs[0].uint(tagSampleFormat, 1) != sampleFormatFloat {
		img, err := Decode(data)
		if err != nil {
			return nil, models.Calibration{}, fmt.Errorf("decoding %s: %w", path, err)
		}
		return []*mat.Dense{img.Data}, cal, nil
	}

	pages := make([]*mat.Dense, 0, len(dirs))
	for i, dir := range dirs {
		page, _, err := readFloatPage(data, dir)
		if err != nil {
			return nil, models.Calibration{}, fmt.Errorf("decoding %s page %d: %w", path, i, err)
		}
		pages = append(pages, page)
	}
	return pages, cal, nil
}

// checkSize rejects pages whose header claims more than maxPixels.
func checkSize(dir *ifd) error {
	width := uint64(dir.uint(tagImageWidth, 0))
	height := uint64(dir.uint(tagImageLength, 0))
	if width*height > maxPixels {
		return fmt.Errorf("%w: %dx%d image exceeds %d pixels", errFormat, width, height, maxPixels)
	}
	return nil
}

// readFloatPage reads an uncompressed single-channel float page.
func readFloatPage(data []byte, dir *ifd) (*mat.Dense, models.DType, error) {
	width := int(dir.uint(tagImageWidth, 0))
	height := int(dir.uint(tagImageLength, 0))
	bits := int(dir.uint(tagBitsPerSample, 32))

	switch {
	case width < 1 || height < 1:
		return nil, 0, fmt.Errorf("%w: image is %dx%d", errFormat, width, height)
	case dir.uint(tagCompression, 1) != 1:
		return nil, 0, fmt.Errorf("compressed float images are not supported")
	case dir.uint(tagSamplesPerPixel, 1) != 1:
		return nil, 0, fmt.Errorf("multi-channel float images are not supported")
	case bits != 32 && bits != 64:
		return nil, 0, fmt.Errorf("%d-bit float samples are not supported", bits)
	}

	offsets := dir.uints(tagStripOffsets)
	counts := dir.uints(tagStripByteCounts)
	if len(offsets) == 0 || len(offsets) != len(counts) {
		return nil, 0, fmt.Errorf("%w: missing strip layout", errFormat)
	}

	// Header sizes are untrusted; check them against the strips before
	// allocating anything.
	if err := checkSize(dir); err != nil {
		return nil, 0, err
	}
	need := uint64(width) * uint64(height) * uint64(bits/8)

	var have uint64
	for i, off := range offsets {
		end := uint64(off) + uint64(counts[i])
		if end > uint64(len(data)) {
			return nil, 0, fmt.Errorf("%w: strip %d out of range", errFormat, i)
		}
		have += uint64(counts[i])
	}
	if have < need {
		return nil, 0, fmt.Errorf("%w: %d bytes of pixel data, want %d", errFormat, have, need)
	}

	raw := make([]byte, 0, need)
	for i, off := range offsets {
		if uint64(len(raw)) >= need {
			break
		}
		raw = append(raw, data[off:uint64(off)+uint64(counts[i])]...)
	}

	pix := make([]float64, width*height)
	dtype := models.Float32
	if bits == 32 {
		for i := range pix {
			pix[i] = float64(math.Float32frombits(dir.order.Uint32(raw[4*i:])))
		}
	} else {
		dtype = models.Float64
		for i := range pix {
			pix[i] = math.Float64frombits(dir.order.Uint64(raw[8*i:]))
		}
	}
	return mat.NewDense(height, width, pix), dtype, nil
}

// decodeStandard decodes integer and colour files, reducing colour to
// luminance.
func decodeStandard(data []byte) (*mat.Dense, models.DType, error) {
	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 1 || h < 1 {
		return nil, 0, fmt.Errorf("%w: image is %dx%d", errFormat, w, h)
	}
	pix := mat.NewDense(h, w, nil)

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pix.Set(y, x, float64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
		return pix, models.Uint8, nil
	case *image.Gray16:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pix.Set(y, x, float64(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
		return pix, models.Uint16, nil
	}

	// Colour: ITU-R 601 luminance on the 16-bit channels, scaled back to 8
	// bits for 8-bit sources.
	dtype := models.Uint16
	scale := 1.0
	switch img.(type) {
	case *image.RGBA, *image.NRGBA, *image.Paletted:
		dtype = models.Uint8
		scale = 1.0 / 257
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			gray := (19595*r + 38470*g + 7471*bl + 1<<15) >> 16
			pix.Set(y, x, float64(gray)*scale)
		}
	}
	return pix, dtype, nil
}

// calibration derives the pixel size from the first directory. An ImageJ
// unit in the description takes precedence; otherwise only centimetre
// resolution units are trusted, since inch resolutions are almost always
// a display DPI rather than a physical scale.
func calibration(dir *ifd) models.Calibration {
	xres, ok := dir.rational(tagXResolution)
	if !ok || xres <= 0 || math.IsInf(xres, 0) {
		return models.Uncalibrated()
	}

	if unit, ok := imageJUnit(dir.ascii(tagImageDescription)); ok {
		if unit == "" || unit == "pixel" || unit == models.PixelUnit {
			return models.Uncalibrated()
		}
		return models.Calibration{PixelSize: 1 / xres, Unit: unit}
	}

	if dir.uint(tagResolutionUnit, resUnitInch) == resUnitCentimeter {
		return models.Calibration{PixelSize: 1e4 / xres, Unit: "µm"}
	}
	return models.Uncalibrated()
}

// imageJUnit extracts the unit= entry of an ImageJ description.
func imageJUnit(desc string) (string, bool) {
	if !strings.HasPrefix(desc, "ImageJ=") {
		return "", false
	}
	for _, line := range strings.Split(desc, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if found && key == "unit" {
			return decodeUnit(value), true
		}
	}
	return "", true
}

func decodeUnit(u string) string {
	switch u {
	case "micron", "um", `\u00B5m`, "\u00b5m", "\u03bcm":
		return "µm"
	}
	return u
}

func encodeUnit(u string) string {
	if u == "\u00b5m" {
		return "micron"
	}
	return u
}
