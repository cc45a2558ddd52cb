package inference

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Median replaces every pixel with the median of its k x k neighbourhood.
// Neighbours outside the patch are clamped to the nearest edge pixel.
type Median struct {
	kernel int
}

// NewMedian creates a median backend with an odd, positive kernel size.
func NewMedian(kernel int) (*Median, error) {
	if kernel < 1 || kernel%2 == 0 {
		return nil, fmt.Errorf("median kernel %d must be a positive odd number", kernel)
	}
	return &Median{kernel: kernel}, nil
}

func (m *Median) Name() string {
	return fmt.Sprintf("median(%dx%d)", m.kernel, m.kernel)
}

func (m *Median) Predict(batch []*mat.Dense) ([]*mat.Dense, error) {
	return predictEach(batch, m.filter), nil
}

func (m *Median) filter(p *mat.Dense) *mat.Dense {
	rows, cols := p.Dims()
	half := m.kernel / 2
	window := make([]float64, 0, m.kernel*m.kernel)
	out := mat.NewDense(rows, cols, nil)

	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			window = window[:0]
			for dy := -half; dy <= half; dy++ {
				yy := min(max(y+dy, 0), rows-1)
				for dx := -half; dx <= half; dx++ {
					xx := min(max(x+dx, 0), cols-1)
					window = append(window, p.At(yy, xx))
				}
			}
			out.Set(y, x, median(window))
		}
	}
	return out
}

// median sorts values in place and returns the middle one
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)
	n := len(values)
	if n%2 == 0 {
		return (values[n/2-1] + values[n/2]) / 2
	}
	return values[n/2]
}
