package reconstruction

import (
	"gonum.org/v1/gonum/mat"

	"emdenoise/internal/models"
	"emdenoise/pkg/tiling"
)

// buffer accumulates denoised patches into a full-size image. It belongs
// to exactly one Reconstruct call.
type buffer struct {
	policy OverlapPolicy
	acc    *mat.Dense

	// Blending only: per-pixel weight sum and the per-patch weight mask.
	weightSum *mat.Dense
	mask      *mat.Dense
	scratch   *mat.Dense
}

func newBuffer(height, width int, grid tiling.Grid, policy OverlapPolicy) *buffer {
	b := &buffer{
		policy: policy,
		acc:    mat.NewDense(height, width, nil),
	}
	if policy == OverlapBlend {
		b.weightSum = mat.NewDense(height, width, nil)
		b.mask = blendMask(grid.PatchSize, grid.Overlap())
		b.scratch = mat.NewDense(grid.PatchSize, grid.PatchSize, nil)
	}
	return b
}

func (b *buffer) writeBatch(batch []models.Patch, out []*mat.Dense) {
	for k, p := range batch {
		b.write(p, out[k])
	}
}

func (b *buffer) write(p models.Patch, patch *mat.Dense) {
	r := p.Bounds()
	region := b.acc.Slice(r.Min.Y, r.Max.Y, r.Min.X, r.Max.X).(*mat.Dense)

	if b.policy == OverlapOverwrite {
		region.Copy(patch)
		return
	}

	b.scratch.MulElem(patch, b.mask)
	region.Add(region, b.scratch)

	weights := b.weightSum.Slice(r.Min.Y, r.Max.Y, r.Min.X, r.Max.X).(*mat.Dense)
	weights.Add(weights, b.mask)
}

func (b *buffer) result() *mat.Dense {
	if b.policy == OverlapBlend {
		b.acc.DivElem(b.acc, b.weightSum)
	}
	return b.acc
}

// blendMask returns a size x size weight mask that ramps up linearly over
// the overlap width from each edge and is flat in the middle. Every weight
// is positive, so pixels on the image border that only one patch covers
// keep that patch's value.
func blendMask(size, overlap int) *mat.Dense {
	ramp := make([]float64, size)
	steps := float64(overlap + 1)
	for i := range ramp {
		d := min(i+1, size-i, overlap+1)
		ramp[i] = float64(d) / steps
	}

	mask := mat.NewDense(size, size, nil)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			mask.Set(y, x, ramp[y]*ramp[x])
		}
	}
	return mask
}
