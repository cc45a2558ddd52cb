package reconstruction

import (
	"errors"
	"fmt"
	"image"
	"math"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// createTestImage creates a noisy gradient with the specified dimensions
func createTestImage(height, width int, seed uint64) *mat.Dense {
	rng := rand.New(rand.NewSource(int64(seed)<<32 | 42))
	img := mat.NewDense(height, width, nil)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(y, x, float64(x+2*y)+rng.NormFloat64()*5)
		}
	}
	return img
}

func identity(batch []*mat.Dense) ([]*mat.Dense, error) {
	out := make([]*mat.Dense, len(batch))
	for i, p := range batch {
		out[i] = mat.DenseCopyOf(p)
	}
	return out, nil
}

// boxBlur is a content dependent backend: a 3x3 mean with clamped edges,
// so the value of a pixel depends on where the patch boundary falls.
func boxBlur(batch []*mat.Dense) ([]*mat.Dense, error) {
	out := make([]*mat.Dense, len(batch))
	for i, p := range batch {
		r, c := p.Dims()
		o := mat.NewDense(r, c, nil)
		for y := 0; y < r; y++ {
			for x := 0; x < c; x++ {
				var sum float64
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						yy := min(max(y+dy, 0), r-1)
						xx := min(max(x+dx, 0), c-1)
						sum += p.At(yy, xx)
					}
				}
				o.Set(y, x, sum/9)
			}
		}
		out[i] = o
	}
	return out, nil
}

func TestReconstructShapePreservation(t *testing.T) {
	tests := []struct {
		height, width, patch, stride, batch int
	}{
		{64, 64, 64, 64, 1},
		{100, 70, 32, 16, 4},
		{33, 47, 8, 5, 3},
		{17, 200, 17, 9, 16},
		{90, 90, 30, 30, 2},
	}

	for _, tt := range tests {
		name := fmt.Sprintf("%dx%d/p%d/s%d", tt.height, tt.width, tt.patch, tt.stride)
		t.Run(name, func(t *testing.T) {
			img := createTestImage(tt.height, tt.width, 1)
			out, err := Reconstruct(img, tt.patch, tt.stride, tt.batch, boxBlur)
			require.NoError(t, err)

			r, c := out.Dims()
			assert.Equal(t, tt.height, r)
			assert.Equal(t, tt.width, c)
		})
	}
}

func TestReconstructIdentityIsIdempotent(t *testing.T) {
	tests := []struct {
		height, width, patch, stride int
	}{
		{60, 60, 40, 20},
		{100, 73, 32, 7},
		{50, 50, 50, 50},
		{41, 29, 10, 10},
		{64, 64, 16, 1},
	}

	for _, tt := range tests {
		name := fmt.Sprintf("%dx%d/p%d/s%d", tt.height, tt.width, tt.patch, tt.stride)
		t.Run(name, func(t *testing.T) {
			img := createTestImage(tt.height, tt.width, 2)
			out, err := Reconstruct(img, tt.patch, tt.stride, 3, identity)
			require.NoError(t, err)
			assert.True(t, mat.Equal(img, out), "identity backend changed the image")
		})
	}
}

func TestReconstructLargeIdentity(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping 2048x2048 reconstruction in short mode")
	}

	img := createTestImage(2048, 2048, 3)
	out, err := Reconstruct(img, 512, 256, 8, identity)
	require.NoError(t, err)
	assert.True(t, mat.Equal(img, out))
}

func TestSingleTileEquivalence(t *testing.T) {
	img := createTestImage(48, 48, 4)

	direct, err := boxBlur([]*mat.Dense{mat.DenseCopyOf(img)})
	require.NoError(t, err)

	var calls atomic.Int32
	counting := func(batch []*mat.Dense) ([]*mat.Dense, error) {
		calls.Add(1)
		return boxBlur(batch)
	}

	out, err := Reconstruct(img, 48, 48, 4, counting)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, mat.Equal(direct[0], out))
}

func TestLastWriteWins(t *testing.T) {
	// Each patch is painted with its own grid index. The grid on a 60x60
	// image with patch 40 and stride 20 is 2x2 with origins 0 and 20.
	var next atomic.Int32
	paint := func(batch []*mat.Dense) ([]*mat.Dense, error) {
		out := make([]*mat.Dense, len(batch))
		for i, p := range batch {
			r, c := p.Dims()
			o := mat.NewDense(r, c, nil)
			v := float64(next.Add(1) - 1)
			for y := 0; y < r; y++ {
				for x := 0; x < c; x++ {
					o.Set(y, x, v)
				}
			}
			out[i] = o
		}
		return out, nil
	}

	out, err := Reconstruct(createTestImage(60, 60, 5), 40, 20, 1, paint)
	require.NoError(t, err)

	assert.Equal(t, 0.0, out.At(5, 5))   // patch 0 only
	assert.Equal(t, 1.0, out.At(5, 30))  // patches 0 and 1
	assert.Equal(t, 2.0, out.At(30, 5))  // patches 0 and 2
	assert.Equal(t, 3.0, out.At(30, 30)) // all four
	assert.Equal(t, 3.0, out.At(59, 59))
}

func TestReconstructDeterministic(t *testing.T) {
	img := createTestImage(120, 90, 6)

	for _, policy := range []OverlapPolicy{OverlapOverwrite, OverlapBlend} {
		t.Run(policy.String(), func(t *testing.T) {
			r := NewReconstructor(&Params{PatchSize: 32, Stride: 20, BatchSize: 5, Overlap: policy}, nil)
			first, err := r.Reconstruct(img, boxBlur)
			require.NoError(t, err)
			second, err := r.Reconstruct(img, boxBlur)
			require.NoError(t, err)
			assert.True(t, mat.Equal(first, second))
		})
	}
}

// TestBatchingDoesNotChangeResult checks that batch size and worker count
// are pure throughput settings.
func TestBatchingDoesNotChangeResult(t *testing.T) {
	img := createTestImage(97, 131, 7)

	for _, policy := range []OverlapPolicy{OverlapOverwrite, OverlapBlend} {
		base := NewReconstructor(&Params{PatchSize: 24, Stride: 16, BatchSize: 1, Overlap: policy}, nil)
		want, err := base.Reconstruct(img, boxBlur)
		require.NoError(t, err)

		for _, batchSize := range []int{2, 3, 7, 100} {
			for _, workers := range []int{0, 1, 2, 4} {
				name := fmt.Sprintf("%v/batch%d/workers%d", policy, batchSize, workers)
				t.Run(name, func(t *testing.T) {
					r := NewReconstructor(&Params{
						PatchSize: 24,
						Stride:    16,
						BatchSize: batchSize,
						Workers:   workers,
						Overlap:   policy,
					}, nil)
					got, err := r.Reconstruct(img, boxBlur)
					require.NoError(t, err)
					assert.True(t, mat.Equal(want, got))
				})
			}
		}
	}
}

func TestBlendWithIdentity(t *testing.T) {
	img := createTestImage(80, 64, 8)
	r := NewReconstructor(&Params{PatchSize: 32, Stride: 12, BatchSize: 4, Overlap: OverlapBlend}, nil)

	out, err := r.Reconstruct(img, identity)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(img, out, 1e-9))
}

func TestBlendMask(t *testing.T) {
	m := blendMask(8, 3)

	assert.InDelta(t, 1.0/16, m.At(0, 0), 1e-12)
	assert.InDelta(t, 1.0, m.At(3, 4), 1e-12)
	assert.InDelta(t, m.At(0, 2), m.At(2, 0), 1e-12)
	assert.InDelta(t, m.At(1, 1), m.At(6, 6), 1e-12)

	flat := blendMask(4, 0)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			assert.Equal(t, 1.0, flat.At(y, x))
		}
	}
}

func TestInvalidConfiguration(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		params Params
	}{
		{"patch larger than image", 256, Params{PatchSize: 512, Stride: 256, BatchSize: 1}},
		{"zero stride", 600, Params{PatchSize: 512, Stride: 0, BatchSize: 1}},
		{"negative stride", 600, Params{PatchSize: 512, Stride: -1, BatchSize: 1}},
		{"stride above patch", 600, Params{PatchSize: 256, Stride: 257, BatchSize: 1}},
		{"zero batch", 600, Params{PatchSize: 512, Stride: 256, BatchSize: 0}},
		{"negative workers", 600, Params{PatchSize: 512, Stride: 256, BatchSize: 1, Workers: -2}},
		{"unknown policy", 600, Params{PatchSize: 512, Stride: 256, BatchSize: 1, Overlap: OverlapPolicy(9)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			predict := func(batch []*mat.Dense) ([]*mat.Dense, error) {
				called = true
				return identity(batch)
			}

			img := mat.NewDense(tt.size, tt.size, nil)
			out, err := NewReconstructor(&tt.params, nil).Reconstruct(img, predict)
			require.ErrorIs(t, err, ErrInvalidConfiguration)
			assert.Nil(t, out)
			assert.False(t, called, "backend must not run on invalid configuration")
		})
	}
}

func TestBackendErrorCarriesInFlightPatches(t *testing.T) {
	cause := errors.New("device lost")
	var calls atomic.Int32
	failSecond := func(batch []*mat.Dense) ([]*mat.Dense, error) {
		if calls.Add(1) == 2 {
			return nil, cause
		}
		return identity(batch)
	}

	out, err := Reconstruct(createTestImage(600, 600, 9), 512, 256, 2, failSecond)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsBackendError(err))

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Batch)
	assert.Equal(t, []int{2, 3}, be.Patches)
	assert.Equal(t, []image.Point{{0, 88}, {88, 88}}, be.Offsets)
	assert.Equal(t, []image.Rectangle{image.Rect(0, 88, 512, 600), image.Rect(88, 88, 600, 600)}, be.Regions)
	assert.Equal(t, int32(2), calls.Load(), "no retry expected")
}

func TestBackendContractViolations(t *testing.T) {
	tests := []struct {
		name    string
		predict PredictFunc
	}{
		{"too few patches", func(batch []*mat.Dense) ([]*mat.Dense, error) {
			return batch[:len(batch)-1], nil
		}},
		{"wrong shape", func(batch []*mat.Dense) ([]*mat.Dense, error) {
			out := make([]*mat.Dense, len(batch))
			for i := range batch {
				out[i] = mat.NewDense(3, 3, nil)
			}
			return out, nil
		}},
		{"nil patch", func(batch []*mat.Dense) ([]*mat.Dense, error) {
			return make([]*mat.Dense, len(batch)), nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Reconstruct(createTestImage(40, 40, 10), 16, 8, 4, tt.predict)
			var be *BackendError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, 0, be.Batch)
		})
	}
}

func TestConcurrentBackendFailure(t *testing.T) {
	cause := errors.New("out of memory")
	predict := func(batch []*mat.Dense) ([]*mat.Dense, error) {
		if math.IsNaN(batch[0].At(0, 0)) {
			return nil, cause
		}
		return identity(batch)
	}

	img := createTestImage(64, 64, 11)
	img.Set(40, 40, math.NaN())

	r := NewReconstructor(&Params{PatchSize: 16, Stride: 8, BatchSize: 1, Workers: 4}, nil)
	out, err := r.Reconstruct(img, predict)
	assert.Nil(t, out)
	require.ErrorIs(t, err, cause)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	require.Len(t, be.Offsets, 1)
	assert.Equal(t, image.Pt(40, 40), be.Offsets[0])
}

func TestPredictWhole(t *testing.T) {
	img := createTestImage(30, 50, 12)

	out, err := PredictWhole(img, boxBlur)
	require.NoError(t, err)
	want, _ := boxBlur([]*mat.Dense{img})
	assert.True(t, mat.Equal(want[0], out))

	_, err = PredictWhole(img, func([]*mat.Dense) ([]*mat.Dense, error) {
		return nil, errors.New("boom")
	})
	assert.True(t, IsBackendError(err))

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 0, be.Batch)
	assert.Equal(t, []int{0}, be.Patches)
	assert.Equal(t, []image.Rectangle{image.Rect(0, 0, 50, 30)}, be.Regions, "region is the real non-square image")
}

func TestParseOverlapPolicy(t *testing.T) {
	p, err := ParseOverlapPolicy("Blend")
	require.NoError(t, err)
	assert.Equal(t, OverlapBlend, p)

	p, err = ParseOverlapPolicy("")
	require.NoError(t, err)
	assert.Equal(t, OverlapOverwrite, p)

	_, err = ParseOverlapPolicy("average")
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}
