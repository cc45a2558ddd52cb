package reconstruction

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// QualityMetrics compares a denoised image with its noisy input. With no
// clean reference available these describe how much the backend changed
// the image rather than how close it is to ground truth.
type QualityMetrics struct {
	// RMSE is the root mean square difference between input and output
	RMSE float64 `yaml:"rmse"`

	// SSIM is the global structural similarity; 1 means identical
	SSIM float64 `yaml:"ssim"`

	// MI is the Gaussian approximation of the mutual information in nats
	MI float64 `yaml:"mi"`

	// EntropyDiff is the absolute difference of the 256-bin Shannon
	// entropies in bits
	EntropyDiff float64 `yaml:"entropyDiff"`

	// NoiseBefore and NoiseAfter are Immerkaer estimates of the Gaussian
	// noise sigma of input and output
	NoiseBefore float64 `yaml:"noiseBefore"`
	NoiseAfter  float64 `yaml:"noiseAfter"`
}

// Measure computes QualityMetrics for two images of identical size.
func Measure(original, denoised *mat.Dense) QualityMetrics {
	orig := flatten(original)
	recon := flatten(denoised)
	return QualityMetrics{
		RMSE:        calculateRMSE(orig, recon),
		SSIM:        calculateSSIM(orig, recon),
		MI:          calculateMutualInformation(orig, recon),
		EntropyDiff: math.Abs(calculateEntropy(orig) - calculateEntropy(recon)),
		NoiseBefore: EstimateNoise(original),
		NoiseAfter:  EstimateNoise(denoised),
	}
}

// calculateRMSE computes the root mean square error
func calculateRMSE(original, reconstructed []float64) float64 {
	n := len(original)
	if n != len(reconstructed) || n == 0 {
		return 0
	}

	mse := 0.0
	for i := 0; i < n; i++ {
		diff := original[i] - reconstructed[i]
		mse += diff * diff
	}
	return math.Sqrt(mse / float64(n))
}

// calculateSSIM computes a single-window structural similarity index over
// the whole image, using the input's value range as the dynamic range.
func calculateSSIM(original, reconstructed []float64) float64 {
	const k1 = 0.01
	const k2 = 0.03

	n := len(original)
	if n != len(reconstructed) || n == 0 {
		return 0
	}

	lo, hi := findMinMax(original)
	dynamicRange := hi - lo
	if dynamicRange == 0 {
		dynamicRange = 1
	}
	c1 := (k1 * dynamicRange) * (k1 * dynamicRange)
	c2 := (k2 * dynamicRange) * (k2 * dynamicRange)

	muX := stat.Mean(original, nil)
	muY := stat.Mean(reconstructed, nil)

	var sigmaX, sigmaY, sigmaXY float64
	if n > 1 {
		sigmaX = stat.Variance(original, nil)
		sigmaY = stat.Variance(reconstructed, nil)
		sigmaXY = stat.Covariance(original, reconstructed, nil)
	}

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// MaxMutualInformation is reported for perfectly correlated images. It is
// 0.5*ln(1e12), the value at the relative determinant floor used below.
const MaxMutualInformation = 13.815510557964274

// calculateMutualInformation approximates the mutual information of two
// jointly Gaussian signals: 0.5 * log(var(X)var(Y) / det(cov)), capped at
// MaxMutualInformation.
func calculateMutualInformation(original, reconstructed []float64) float64 {
	n := len(original)
	if n != len(reconstructed) || n < 2 {
		return 0
	}

	varX := stat.Variance(original, nil)
	varY := stat.Variance(reconstructed, nil)
	cov := stat.Covariance(original, reconstructed, nil)

	if varX > 0 && varY > 0 {
		det := varX*varY - cov*cov
		if det <= 1e-12*varX*varY {
			// Perfectly correlated, up to rounding
			return MaxMutualInformation
		}
		return 0.5 * math.Log(varX*varY/det)
	}
	return 0
}

// calculateEntropy computes the Shannon entropy of data over 256 bins
func calculateEntropy(data []float64) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}

	lo, hi := findMinMax(data)
	if hi <= lo {
		return 0
	}

	const numBins = 256
	hist := make([]float64, numBins)
	binWidth := (hi - lo) / numBins

	for _, v := range data {
		binIdx := int((v - lo) / binWidth)
		if binIdx >= numBins {
			binIdx = numBins - 1
		} else if binIdx < 0 {
			binIdx = 0
		}
		hist[binIdx]++
	}

	entropy := 0.0
	for _, count := range hist {
		if count > 0 {
			p := count / float64(n)
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

// EstimateNoise returns the standard deviation of additive Gaussian noise
// using Immerkaer's 3x3 Laplacian-difference operator. Images smaller than
// 3x3 report zero.
func EstimateNoise(m *mat.Dense) float64 {
	h, w := m.Dims()
	if h < 3 || w < 3 {
		return 0
	}

	var sum float64
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			v := m.At(y-1, x-1) - 2*m.At(y-1, x) + m.At(y-1, x+1) -
				2*m.At(y, x-1) + 4*m.At(y, x) - 2*m.At(y, x+1) +
				m.At(y+1, x-1) - 2*m.At(y+1, x) + m.At(y+1, x+1)
			sum += math.Abs(v)
		}
	}
	return sum * math.Sqrt(math.Pi/2) / (6 * float64(w-2) * float64(h-2))
}

// findMinMax returns the minimum and maximum values in a slice
func findMinMax(data []float64) (lo, hi float64) {
	if len(data) == 0 {
		return 0, 0
	}
	lo, hi = data[0], data[0]
	for _, v := range data {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

// flatten returns the samples of m in row-major order.
func flatten(m *mat.Dense) []float64 {
	raw := m.RawMatrix()
	if raw.Stride == raw.Cols {
		return raw.Data[:raw.Rows*raw.Cols]
	}
	out := make([]float64, 0, raw.Rows*raw.Cols)
	for i := 0; i < raw.Rows; i++ {
		out = append(out, raw.Data[i*raw.Stride:i*raw.Stride+raw.Cols]...)
	}
	return out
}
