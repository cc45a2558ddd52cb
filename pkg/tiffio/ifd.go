package tiffio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Baseline and extension tags this package reads or writes
const (
	tagNewSubfileType   = 254
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagImageDescription = 270
	tagStripOffsets     = 273
	tagSamplesPerPixel  = 277
	tagRowsPerStrip     = 278
	tagStripByteCounts  = 279
	tagXResolution      = 282
	tagYResolution      = 283
	tagResolutionUnit   = 296
	tagSampleFormat     = 339
)

// Field types
const (
	dtByte     = 1
	dtASCII    = 2
	dtShort    = 3
	dtLong     = 4
	dtRational = 5
)

const (
	resUnitNone       = 1
	resUnitInch       = 2
	resUnitCentimeter = 3

	sampleFormatFloat = 3
)

var errFormat = errors.New("not a valid TIFF file")

type entry struct {
	typ   uint16
	count uint32
	raw   []byte
}

// ifd is one parsed image file directory
type ifd struct {
	order   binary.ByteOrder
	entries map[uint16]entry
}

func typeSize(typ uint16) int {
	switch typ {
	case dtByte, dtASCII:
		return 1
	case dtShort:
		return 2
	case dtLong:
		return 4
	case dtRational:
		return 8
	}
	return 0
}

// parseIFDs walks the directory chain of a classic TIFF file.
func parseIFDs(data []byte) ([]*ifd, error) {
	if len(data) < 8 {
		return nil, errFormat
	}

	var order binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, errFormat
	}
	if order.Uint16(data[2:4]) != 42 {
		return nil, fmt.Errorf("%w: unsupported version %d", errFormat, order.Uint16(data[2:4]))
	}

	var dirs []*ifd
	seen := make(map[uint32]bool)
	for off := order.Uint32(data[4:8]); off != 0; {
		if seen[off] {
			return nil, fmt.Errorf("%w: directory loop at offset %d", errFormat, off)
		}
		seen[off] = true

		dir, next, err := parseIFD(data, order, off)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, dir)
		off = next
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("%w: no image directory", errFormat)
	}
	return dirs, nil
}

func parseIFD(data []byte, order binary.ByteOrder, off uint32) (*ifd, uint32, error) {
	start := int(off)
	if start+2 > len(data) {
		return nil, 0, fmt.Errorf("%w: directory offset %d out of range", errFormat, off)
	}
	n := int(order.Uint16(data[start:]))
	end := start + 2 + n*12
	if end+4 > len(data) {
		return nil, 0, fmt.Errorf("%w: truncated directory", errFormat)
	}

	dir := &ifd{order: order, entries: make(map[uint16]entry, n)}
	for i := 0; i < n; i++ {
		e := data[start+2+i*12 : start+2+(i+1)*12]
		tag := order.Uint16(e[0:2])
		typ := order.Uint16(e[2:4])
		count := order.Uint32(e[4:8])

		size := typeSize(typ)
		if size == 0 {
			continue
		}
		if uint64(count)*uint64(size) > uint64(len(data)) {
			return nil, 0, fmt.Errorf("%w: tag %d count %d too large", errFormat, tag, count)
		}
		total := int(count) * size

		var raw []byte
		if total <= 4 {
			raw = e[8 : 8+total]
		} else {
			vo := int(order.Uint32(e[8:12]))
			if vo+total > len(data) {
				return nil, 0, fmt.Errorf("%w: tag %d value out of range", errFormat, tag)
			}
			raw = data[vo : vo+total]
		}
		dir.entries[tag] = entry{typ: typ, count: count, raw: raw}
	}
	return dir, order.Uint32(data[end:]), nil
}

// uints returns an integer valued field
func (d *ifd) uints(tag uint16) []uint32 {
	e, ok := d.entries[tag]
	if !ok {
		return nil
	}
	vals := make([]uint32, e.count)
	for i := range vals {
		switch e.typ {
		case dtByte:
			vals[i] = uint32(e.raw[i])
		case dtShort:
			vals[i] = uint32(d.order.Uint16(e.raw[2*i:]))
		case dtLong:
			vals[i] = d.order.Uint32(e.raw[4*i:])
		default:
			return nil
		}
	}
	return vals
}

// uint returns the first value of an integer field, or def
func (d *ifd) uint(tag uint16, def uint32) uint32 {
	if v := d.uints(tag); len(v) > 0 {
		return v[0]
	}
	return def
}

func (d *ifd) rational(tag uint16) (float64, bool) {
	e, ok := d.entries[tag]
	if !ok || e.typ != dtRational || e.count < 1 {
		return 0, false
	}
	num := d.order.Uint32(e.raw[0:4])
	den := d.order.Uint32(e.raw[4:8])
	if den == 0 {
		return 0, false
	}
	return float64(num) / float64(den), true
}

func (d *ifd) ascii(tag uint16) string {
	e, ok := d.entries[tag]
	if !ok || e.typ != dtASCII {
		return ""
	}
	return strings.TrimRight(string(e.raw), "\x00")
}
