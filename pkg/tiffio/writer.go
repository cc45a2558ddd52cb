package tiffio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"gonum.org/v1/gonum/mat"

	"emdenoise/internal/models"
)

var le = binary.LittleEndian

// Write saves a single plane as an uncompressed 32-bit float TIFF.
func Write(path string, data *mat.Dense, cal models.Calibration) error {
	return WriteStack(path, []*mat.Dense{data}, cal)
}

// WriteStack saves equally sized planes as a multi-page float TIFF that
// ImageJ opens as a stack.
func WriteStack(path string, pages []*mat.Dense, cal models.Calibration) error {
	var buf bytes.Buffer
	if err := Encode(&buf, pages, cal); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Encode writes pages as little-endian float32 with an ImageJ description
// carrying the unit and display range. The resolution tags hold pixels per
// unit.
func Encode(w io.Writer, pages []*mat.Dense, cal models.Calibration) error {
	if len(pages) == 0 {
		return fmt.Errorf("no pages to encode")
	}
	height, width := pages[0].Dims()
	if height < 1 || width < 1 {
		return fmt.Errorf("cannot encode a %dx%d image", width, height)
	}
	for i, p := range pages[1:] {
		if r, c := p.Dims(); r != height || c != width {
			return fmt.Errorf("page %d is %dx%d, want %dx%d", i+1, c, r, width, height)
		}
	}

	calibrated := cal.Valid() && cal.Unit != models.PixelUnit
	resNum, resDen := uint32(1), uint32(1)
	if calibrated {
		resNum, resDen = toRational(1 / cal.PixelSize)
	}

	desc := description(pages, cal, calibrated)
	stripBytes := uint32(width * height * 4)

	out := []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	nextPtr := 4

	for i, p := range pages {
		stripOffset := uint32(len(out))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				out = le.AppendUint32(out, math.Float32bits(float32(p.At(y, x))))
			}
		}

		var descOffset uint32
		if i == 0 {
			out = align(out)
			descOffset = uint32(len(out))
			out = append(out, desc...)
			out = append(out, 0)
		}

		out = align(out)
		resOffset := uint32(len(out))
		out = le.AppendUint32(out, resNum)
		out = le.AppendUint32(out, resDen)

		fields := []field{
			{tagNewSubfileType, dtLong, 1, 0},
			{tagImageWidth, dtLong, 1, uint32(width)},
			{tagImageLength, dtLong, 1, uint32(height)},
			{tagBitsPerSample, dtShort, 1, 32},
			{tagCompression, dtShort, 1, 1},
			{tagPhotometric, dtShort, 1, 1},
		}
		if i == 0 {
			fields = append(fields, field{tagImageDescription, dtASCII, uint32(len(desc) + 1), descOffset})
		}
		fields = append(fields,
			field{tagStripOffsets, dtLong, 1, stripOffset},
			field{tagSamplesPerPixel, dtShort, 1, 1},
			field{tagRowsPerStrip, dtLong, 1, uint32(height)},
			field{tagStripByteCounts, dtLong, 1, stripBytes},
			field{tagXResolution, dtRational, 1, resOffset},
			field{tagYResolution, dtRational, 1, resOffset},
			field{tagResolutionUnit, dtShort, 1, resUnitNone},
			field{tagSampleFormat, dtShort, 1, sampleFormatFloat},
		)

		out = align(out)
		le.PutUint32(out[nextPtr:], uint32(len(out)))
		out = le.AppendUint16(out, uint16(len(fields)))
		for _, f := range fields {
			out = f.append(out)
		}
		nextPtr = len(out)
		out = le.AppendUint32(out, 0)
	}

	if uint64(len(out)) > math.MaxUint32 {
		return fmt.Errorf("image too large for a classic TIFF file")
	}
	_, err := w.Write(out)
	return err
}

// field is a directory entry whose value fits in the offset slot or is an
// offset to it.
type field struct {
	tag   uint16
	typ   uint16
	count uint32
	value uint32
}

func (f field) append(b []byte) []byte {
	b = le.AppendUint16(b, f.tag)
	b = le.AppendUint16(b, f.typ)
	b = le.AppendUint32(b, f.count)
	if f.typ == dtShort && f.count == 1 {
		b = le.AppendUint16(b, uint16(f.value))
		return le.AppendUint16(b, 0)
	}
	return le.AppendUint32(b, f.value)
}

func align(b []byte) []byte {
	if len(b)%2 == 1 {
		b = append(b, 0)
	}
	return b
}

func description(pages []*mat.Dense, cal models.Calibration, calibrated bool) string {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, p := range pages {
		lo = math.Min(lo, mat.Min(p))
		hi = math.Max(hi, mat.Max(p))
	}

	var sb strings.Builder
	sb.WriteString("ImageJ=1.11a\n")
	if n := len(pages); n > 1 {
		fmt.Fprintf(&sb, "images=%d\nslices=%d\n", n, n)
	}
	if calibrated {
		fmt.Fprintf(&sb, "unit=%s\n", encodeUnit(cal.Unit))
	}
	fmt.Fprintf(&sb, "min=%g\nmax=%g\n", lo, hi)
	return sb.String()
}

// toRational approximates a positive value as num/den with as much
// precision as 32 bits allow.
func toRational(v float64) (uint32, uint32) {
	if !(v > 0) || math.IsInf(v, 0) {
		return 0, 1
	}
	den := math.Floor(math.MaxInt32 / math.Max(v, 1))
	if den < 1 {
		den = 1
	}
	num := math.Round(v * den)
	if num > math.MaxUint32 {
		num = math.MaxUint32
	}
	return uint32(num), uint32(den)
}
