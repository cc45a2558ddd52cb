package models

import (
	"fmt"
	"image"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// PixelUnit is the unit reported when an image carries no calibration.
const PixelUnit = "px"

// DType is the sample type an image was stored with on disk
type DType int

const (
	DTypeUnknown DType = iota
	Uint8
	Uint16
	Uint32
	Float32
	Float64
)

func (d DType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}

// Calibration is the physical size of one pixel
type Calibration struct {
	// PixelSize is the edge length of a pixel in Unit
	PixelSize float64 `yaml:"pixelSize"`

	// Unit is a short length token such as "nm", "µm" or PixelUnit
	Unit string `yaml:"unit"`
}

// Uncalibrated returns the fallback calibration of one pixel per pixel.
func Uncalibrated() Calibration {
	return Calibration{PixelSize: 1, Unit: PixelUnit}
}

// Valid reports whether c has a positive pixel size and a unit.
func (c Calibration) Valid() bool {
	return c.PixelSize > 0 && c.Unit != ""
}

func (c Calibration) String() string {
	return fmt.Sprintf("%g %s/px", c.PixelSize, c.Unit)
}

// Image is a single 2D micrograph together with its metadata
type Image struct {
	// Data holds the samples as a height x width matrix
	Data *mat.Dense

	// DType is the sample type the image was read with
	DType DType

	// Calibration travels with the samples through the whole pipeline
	Calibration Calibration

	// Path is the file the image was read from, if any
	Path string
}

// NewImage wraps data with the given calibration.
func NewImage(data *mat.Dense, dtype DType, cal Calibration) *Image {
	return &Image{Data: data, DType: dtype, Calibration: cal}
}

// Dims returns the height and width of the image.
func (img *Image) Dims() (height, width int) {
	return img.Data.Dims()
}

// Patch is one square tile of an image, addressed by its position in the
// patch grid
type Patch struct {
	// Index is the row-major position in the grid
	Index int

	// Offset is the top-left pixel of the patch (X is the column)
	Offset image.Point

	// Size is the edge length of the patch
	Size int
}

// Bounds returns the pixel rectangle covered by the patch.
func (p Patch) Bounds() image.Rectangle {
	return image.Rect(p.Offset.X, p.Offset.Y, p.Offset.X+p.Size, p.Offset.Y+p.Size)
}

// ModelID identifies a denoising model. Each input directory maps to one.
type ModelID int

const (
	ModelUnknown ModelID = iota
	// SEM is a secondary-electron micrograph model
	ModelSEM
	// TEM is a bright-field TEM model
	ModelTEM
	// HAADF is a STEM high-angle annular dark-field model
	ModelHAADF
	// BF is a STEM bright-field model
	ModelBF
)

var modelNames = map[ModelID]string{
	ModelSEM:   "sem",
	ModelTEM:   "tem",
	ModelHAADF: "haadf",
	ModelBF:    "bf",
}

func (m ModelID) String() string {
	if name, ok := modelNames[m]; ok {
		return name
	}
	return "unknown"
}

// ParseModelID converts a name like "HAADF" into a ModelID.
func ParseModelID(s string) (ModelID, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for id, name := range modelNames {
		if name == key {
			return id, nil
		}
	}
	return ModelUnknown, fmt.Errorf("unknown model %q", s)
}

// MarshalYAML writes the model name instead of its number. ModelUnknown
// is written as an empty string.
func (m ModelID) MarshalYAML() (interface{}, error) {
	if m == ModelUnknown {
		return "", nil
	}
	return m.String(), nil
}

// UnmarshalYAML accepts model names in config files.
func (m *ModelID) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*m = ModelUnknown
		return nil
	}
	id, err := ParseModelID(s)
	if err != nil {
		return err
	}
	*m = id
	return nil
}
