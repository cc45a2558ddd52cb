package inference

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"
)

// Fourier is a Gaussian low-pass filter applied in the frequency domain.
// It stands in for a learned model wherever a smooth classical denoiser
// is good enough, and keeps the mean of every patch.
type Fourier struct {
	// cutoff is the Gaussian sigma as a fraction of the Nyquist frequency
	cutoff float64
}

// NewFourier creates a low-pass backend. cutoff must lie in (0, 1].
func NewFourier(cutoff float64) (*Fourier, error) {
	if !(cutoff > 0 && cutoff <= 1) {
		return nil, fmt.Errorf("fourier cutoff %g must be in (0, 1]", cutoff)
	}
	return &Fourier{cutoff: cutoff}, nil
}

func (f *Fourier) Name() string {
	return fmt.Sprintf("fourier(cutoff=%g)", f.cutoff)
}

func (f *Fourier) Predict(batch []*mat.Dense) ([]*mat.Dense, error) {
	return predictEach(batch, f.filter), nil
}

// filter runs a 2D FFT, multiplies by the transfer function and
// transforms back. The row and column transforms are separable.
func (f *Fourier) filter(p *mat.Dense) *mat.Dense {
	rows, cols := p.Dims()
	rowFFT := fourier.NewCmplxFFT(cols)
	colFFT := fourier.NewCmplxFFT(rows)

	spectrum := make([]complex128, rows*cols)
	rowBuf := make([]complex128, cols)
	colIn := make([]complex128, rows)
	colOut := make([]complex128, rows)

	// Forward transform along rows
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			rowBuf[j] = complex(p.At(i, j), 0)
		}
		rowFFT.Coefficients(spectrum[i*cols:(i+1)*cols], rowBuf)
	}

	// Forward transform along columns, filter, and back
	sigma := f.cutoff * 0.5
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			colIn[i] = spectrum[i*cols+j]
		}
		colFFT.Coefficients(colOut, colIn)

		fx := frequency(j, cols)
		for i := 0; i < rows; i++ {
			fy := frequency(i, rows)
			gain := math.Exp(-(fx*fx + fy*fy) / (2 * sigma * sigma))
			colOut[i] *= complex(gain, 0)
		}

		colFFT.Sequence(colIn, colOut)
		for i := 0; i < rows; i++ {
			spectrum[i*cols+j] = colIn[i]
		}
	}

	// Inverse along rows. gonum may leave the inverse unscaled, so the
	// round-trip gain of each transform is divided out.
	scale := 1 / (roundTripGain(rowFFT, cols) * roundTripGain(colFFT, rows))
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		rowFFT.Sequence(rowBuf, spectrum[i*cols:(i+1)*cols])
		for j := 0; j < cols; j++ {
			out.Set(i, j, real(rowBuf[j])*scale)
		}
	}
	return out
}

// frequency returns the signed frequency of bin k of an n-point transform
// in cycles per sample, in [-0.5, 0.5).
func frequency(k, n int) float64 {
	if k > n/2 {
		k -= n
	}
	return float64(k) / float64(n)
}

// roundTripGain is the factor a forward plus inverse transform applies to
// a constant sequence.
func roundTripGain(fft *fourier.CmplxFFT, n int) float64 {
	ones := make([]complex128, n)
	for i := range ones {
		ones[i] = 1
	}
	back := fft.Sequence(nil, fft.Coefficients(nil, ones))
	return real(back[0])
}
