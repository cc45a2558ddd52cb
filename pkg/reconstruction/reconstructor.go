// Package reconstruction denoises images that are too large for a single
// inference call by running the backend on overlapping patches and
// stitching the results back together.
package reconstruction

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"emdenoise/internal/logger"
	"emdenoise/internal/models"
	"emdenoise/pkg/tiling"
)

const component = "Reconstructor"

// PredictFunc runs inference on a batch of equally sized square patches and
// returns denoised patches of the same shape, in the same order.
type PredictFunc func(batch []*mat.Dense) ([]*mat.Dense, error)

// OverlapPolicy decides how overlapping patch outputs are combined
type OverlapPolicy int

const (
	// OverlapOverwrite writes patches in grid order; the last write wins.
	OverlapOverwrite OverlapPolicy = iota

	// OverlapBlend weights each patch by distance from its edges and
	// normalises by the accumulated weight.
	OverlapBlend
)

func (p OverlapPolicy) String() string {
	switch p {
	case OverlapOverwrite:
		return "overwrite"
	case OverlapBlend:
		return "blend"
	default:
		return fmt.Sprintf("OverlapPolicy(%d)", int(p))
	}
}

// ParseOverlapPolicy accepts "overwrite" (or "") and "blend".
func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "overwrite":
		return OverlapOverwrite, nil
	case "blend":
		return OverlapBlend, nil
	}
	return 0, invalidf("unknown overlap policy %q", s)
}

// Params holds the tiling parameters for a reconstruction.
type Params struct {
	// PatchSize is the edge length of the square patches fed to the backend.
	// It must not exceed either image dimension.
	PatchSize int

	// Stride is the distance between neighbouring patch origins,
	// 0 < Stride <= PatchSize. PatchSize-Stride pixels overlap.
	Stride int

	// BatchSize is how many patches go into one backend call. It only
	// trades throughput against memory; the result does not depend on it.
	BatchSize int

	// Workers bounds how many batches are predicted at the same time.
	// Zero or one keeps everything on the calling goroutine.
	Workers int

	// Overlap selects how overlapping outputs are combined.
	Overlap OverlapPolicy
}

// grid validates the parameters against a height x width image and
// returns the patch grid.
func (p *Params) grid(height, width int) (tiling.Grid, error) {
	if p.BatchSize <= 0 {
		return tiling.Grid{}, invalidf("batch size %d must be positive", p.BatchSize)
	}
	if p.Workers < 0 {
		return tiling.Grid{}, invalidf("workers %d must not be negative", p.Workers)
	}
	if p.Overlap != OverlapOverwrite && p.Overlap != OverlapBlend {
		return tiling.Grid{}, invalidf("unknown overlap policy %v", p.Overlap)
	}
	g, err := tiling.NewGrid(height, width, p.PatchSize, p.Stride)
	if err != nil {
		return tiling.Grid{}, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return g, nil
}

// Reconstructor runs tiled inference with a fixed set of parameters.
// It keeps no state between calls and can be shared.
type Reconstructor struct {
	params Params
	log    logger.Logger
}

// NewReconstructor creates a reconstructor. A nil logger discards output.
func NewReconstructor(params *Params, log logger.Logger) *Reconstructor {
	return &Reconstructor{
		params: *params,
		log:    logger.OrNop(log),
	}
}

// Params returns a copy of the reconstructor's parameters.
func (r *Reconstructor) Params() Params {
	return r.params
}

// Reconstruct denoises img patch by patch and returns a new matrix of the
// same size. The input is not modified.
//
// The steps are:
//  1. Build the patch grid; invalid parameters fail here, before inference
//  2. Cut the patches in row-major order and group them into batches
//  3. Run predict on every batch
//  4. Write every output patch into the result in grid order
//
// Any backend failure aborts the call and the partial result is dropped.
func (r *Reconstructor) Reconstruct(img *mat.Dense, predict PredictFunc) (*mat.Dense, error) {
	if img == nil || img.IsEmpty() {
		return nil, invalidf("empty image")
	}
	height, width := img.Dims()

	grid, err := r.params.grid(height, width)
	if err != nil {
		return nil, err
	}
	batches := grid.Batches(r.params.BatchSize)

	r.log.Debug(component, "patch grid ready", map[string]interface{}{
		"height":  height,
		"width":   width,
		"rows":    len(grid.Rows),
		"cols":    len(grid.Cols),
		"patches": grid.Len(),
		"batches": len(batches),
		"overlap": r.params.Overlap.String(),
	})
	start := time.Now()

	buf := newBuffer(height, width, grid, r.params.Overlap)

	if r.params.Workers <= 1 {
		for bi, batch := range batches {
			out, err := r.predictBatch(img, bi, batch, predict)
			if err != nil {
				return nil, err
			}
			buf.writeBatch(batch, out)
		}
	} else {
		outputs, err := r.predictConcurrently(img, batches, predict)
		if err != nil {
			return nil, err
		}
		// Writes stay on this goroutine and in grid order, so the result is
		// the same as the serial path.
		for bi, batch := range batches {
			buf.writeBatch(batch, outputs[bi])
		}
	}

	r.log.Debug(component, "reconstruction finished", map[string]interface{}{
		"patches":  grid.Len(),
		"duration": time.Since(start),
	})
	return buf.result(), nil
}

// predictConcurrently runs up to Workers batches at a time and returns the
// outputs indexed by batch. Once a batch fails no further batch is started.
func (r *Reconstructor) predictConcurrently(img *mat.Dense, batches [][]models.Patch, predict PredictFunc) ([][]*mat.Dense, error) {
	outputs := make([][]*mat.Dense, len(batches))

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(r.params.Workers)
	for bi, batch := range batches {
		bi, batch := bi, batch
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			out, err := r.predictBatch(img, bi, batch, predict)
			if err != nil {
				return err
			}
			outputs[bi] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// predictBatch cuts the patches of one batch out of img, runs predict and
// checks that the backend honoured the shape contract.
func (r *Reconstructor) predictBatch(img *mat.Dense, bi int, batch []models.Patch, predict PredictFunc) ([]*mat.Dense, error) {
	in := make([]*mat.Dense, len(batch))
	for k, p := range batch {
		in[k] = extractPatch(img, p)
	}

	out, err := predict(in)
	if err != nil {
		return nil, newBackendError(bi, batch, err)
	}
	if len(out) != len(in) {
		return nil, newBackendError(bi, batch,
			fmt.Errorf("backend returned %d patches for a batch of %d", len(out), len(in)))
	}
	for k, o := range out {
		if err := checkShape(o, batch[k].Size, batch[k].Size); err != nil {
			return nil, newBackendError(bi, batch, fmt.Errorf("patch %d: %w", batch[k].Index, err))
		}
	}

	r.log.Debug(component, "batch predicted", map[string]interface{}{
		"batch":   bi,
		"patches": len(batch),
	})
	return out, nil
}

// PredictWhole runs predict once on the full image, for images that fit the
// inference budget without tiling. Failures are reported as a BackendError
// for batch 0 whose single region is the whole image.
func PredictWhole(img *mat.Dense, predict PredictFunc) (*mat.Dense, error) {
	if img == nil || img.IsEmpty() {
		return nil, invalidf("empty image")
	}
	height, width := img.Dims()
	fail := func(err error) error {
		return &BackendError{
			Patches: []int{0},
			Offsets: []image.Point{{}},
			Regions: []image.Rectangle{image.Rect(0, 0, width, height)},
			Err:     err,
		}
	}

	out, err := predict([]*mat.Dense{mat.DenseCopyOf(img)})
	if err != nil {
		return nil, fail(err)
	}
	if len(out) != 1 {
		return nil, fail(fmt.Errorf("backend returned %d images for 1", len(out)))
	}
	if err := checkShape(out[0], height, width); err != nil {
		return nil, fail(err)
	}
	return out[0], nil
}

// Reconstruct denoises img with overwrite-on-overlap on the calling
// goroutine.
func Reconstruct(img *mat.Dense, patchSize, stride, batchSize int, predict PredictFunc) (*mat.Dense, error) {
	r := NewReconstructor(&Params{
		PatchSize: patchSize,
		Stride:    stride,
		BatchSize: batchSize,
	}, nil)
	return r.Reconstruct(img, predict)
}

func extractPatch(img *mat.Dense, p models.Patch) *mat.Dense {
	b := p.Bounds()
	return mat.DenseCopyOf(img.Slice(b.Min.Y, b.Max.Y, b.Min.X, b.Max.X))
}

func checkShape(m *mat.Dense, rows, cols int) error {
	if m == nil {
		return fmt.Errorf("backend returned a nil patch")
	}
	if r, c := m.Dims(); r != rows || c != cols {
		return fmt.Errorf("backend returned a %dx%d patch, want %dx%d", r, c, rows, cols)
	}
	return nil
}

func newBackendError(bi int, batch []models.Patch, err error) *BackendError {
	be := &BackendError{
		Batch:   bi,
		Patches: make([]int, len(batch)),
		Offsets: make([]image.Point, len(batch)),
		Regions: make([]image.Rectangle, len(batch)),
		Err:     err,
	}
	for k, p := range batch {
		be.Patches[k] = p.Index
		be.Offsets[k] = p.Offset
		be.Regions[k] = p.Bounds()
	}
	return be
}
