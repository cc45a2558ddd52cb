// Package inference provides denoising backends and the registry that
// maps model identifiers to them.
//
// A Backend receives a batch of square patches and returns denoised
// patches of the same shape in the same order. Backends must be safe for
// concurrent use; the reconstructor may call Predict from several
// goroutines at once.
package inference

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"emdenoise/pkg/config"
	"emdenoise/pkg/reconstruction"
)

// Backend runs a denoising model on batches of image patches.
type Backend interface {
	// Name describes the backend for logs
	Name() string

	// Predict denoises every matrix in batch
	Predict(batch []*mat.Dense) ([]*mat.Dense, error)
}

// Func adapts a Backend to the reconstructor's PredictFunc.
func Func(b Backend) reconstruction.PredictFunc {
	return b.Predict
}

// Identity returns its input unchanged. It is useful for checking the
// tiling pipeline end to end.
type Identity struct{}

func (Identity) Name() string { return config.KindIdentity }

func (Identity) Predict(batch []*mat.Dense) ([]*mat.Dense, error) {
	out := make([]*mat.Dense, len(batch))
	for i, p := range batch {
		out[i] = mat.DenseCopyOf(p)
	}
	return out, nil
}

// Load builds the backend described by a model config entry.
func Load(mc config.ModelConfig) (Backend, error) {
	switch mc.Kind {
	case config.KindIdentity:
		return Identity{}, nil
	case config.KindFourier:
		return NewFourier(mc.Cutoff)
	case config.KindMedian:
		return NewMedian(mc.Kernel)
	default:
		return nil, fmt.Errorf("model %s: unknown backend kind %q", mc.ID, mc.Kind)
	}
}

// predictEach applies f to every patch of the batch.
func predictEach(batch []*mat.Dense, f func(*mat.Dense) *mat.Dense) []*mat.Dense {
	out := make([]*mat.Dense, len(batch))
	for i, p := range batch {
		out[i] = f(p)
	}
	return out
}
