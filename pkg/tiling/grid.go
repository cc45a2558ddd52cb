// Package tiling computes the patch grid used for tiled inference.
//
// Patches are square and advance by a fixed stride along each axis. The
// trailing patch on an axis is shifted inward so it ends exactly on the
// image border, which keeps every pixel covered without ever running the
// network outside the image:
//
//	dim=600 patch=512 stride=256  ->  offsets 0, 88
//	dim=2048 patch=512 stride=256 ->  offsets 0, 256, ..., 1536
package tiling

import (
	"errors"
	"fmt"
	"image"

	"emdenoise/internal/models"
)

// ErrInvalidGrid is returned when the patch size or stride cannot tile an
// image of the requested size.
var ErrInvalidGrid = errors.New("invalid patch grid")

// Offsets returns the patch origins along one axis of length dim.
func Offsets(dim, patch, stride int) ([]int, error) {
	switch {
	case patch <= 0:
		return nil, fmt.Errorf("%w: patch size %d must be positive", ErrInvalidGrid, patch)
	case stride <= 0:
		return nil, fmt.Errorf("%w: stride %d must be positive", ErrInvalidGrid, stride)
	case stride > patch:
		return nil, fmt.Errorf("%w: stride %d exceeds patch size %d", ErrInvalidGrid, stride, patch)
	case patch > dim:
		return nil, fmt.Errorf("%w: patch size %d exceeds image dimension %d", ErrInvalidGrid, patch, dim)
	}

	offsets := make([]int, 0, (dim-patch)/stride+2)
	for o := 0; o+patch <= dim; o += stride {
		offsets = append(offsets, o)
	}
	if last := dim - patch; offsets[len(offsets)-1] != last {
		offsets = append(offsets, last)
	}
	return offsets, nil
}

// Grid is the set of patch origins covering an image, visited row-major
type Grid struct {
	Rows      []int // Vertical origins, top to bottom
	Cols      []int // Horizontal origins, left to right
	PatchSize int
	Stride    int
	Height    int
	Width     int
}

// NewGrid builds the patch grid for a height x width image.
func NewGrid(height, width, patch, stride int) (Grid, error) {
	rows, err := Offsets(height, patch, stride)
	if err != nil {
		return Grid{}, fmt.Errorf("rows: %w", err)
	}
	cols, err := Offsets(width, patch, stride)
	if err != nil {
		return Grid{}, fmt.Errorf("columns: %w", err)
	}
	return Grid{
		Rows:      rows,
		Cols:      cols,
		PatchSize: patch,
		Stride:    stride,
		Height:    height,
		Width:     width,
	}, nil
}

// Len returns the number of patches in the grid.
func (g Grid) Len() int {
	return len(g.Rows) * len(g.Cols)
}

// Overlap returns the number of pixels shared by neighbouring patches
// placed at the regular stride.
func (g Grid) Overlap() int {
	return g.PatchSize - g.Stride
}

// Index returns the row-major index of the patch at grid row r, column c.
func (g Grid) Index(r, c int) int {
	return r*len(g.Cols) + c
}

// Split reverses Index.
func (g Grid) Split(i int) (r, c int) {
	return i / len(g.Cols), i % len(g.Cols)
}

// Patch returns the i-th patch in row-major order.
func (g Grid) Patch(i int) models.Patch {
	r, c := g.Split(i)
	return models.Patch{
		Index:  i,
		Offset: image.Pt(g.Cols[c], g.Rows[r]),
		Size:   g.PatchSize,
	}
}

// Patches returns every patch in row-major order.
func (g Grid) Patches() []models.Patch {
	patches := make([]models.Patch, g.Len())
	for i := range patches {
		patches[i] = g.Patch(i)
	}
	return patches
}

// Coverage counts how many patches cover each pixel, stored row-major.
func (g Grid) Coverage() []int {
	counts := make([]int, g.Height*g.Width)
	for _, p := range g.Patches() {
		for y := p.Offset.Y; y < p.Offset.Y+p.Size; y++ {
			row := counts[y*g.Width : (y+1)*g.Width]
			for x := p.Offset.X; x < p.Offset.X+p.Size; x++ {
				row[x]++
			}
		}
	}
	return counts
}

// Batches splits the patches into consecutive groups of at most size,
// keeping grid order.
func (g Grid) Batches(size int) [][]models.Patch {
	patches := g.Patches()
	if size <= 0 {
		size = 1
	}
	batches := make([][]models.Patch, 0, (len(patches)+size-1)/size)
	for start := 0; start < len(patches); start += size {
		end := min(start+size, len(patches))
		batches = append(batches, patches[start:end])
	}
	return batches
}
