package reconstruction

import (
	"errors"
	"fmt"
	"image"
)

// ErrInvalidConfiguration is returned when the tiling parameters cannot be
// applied to the image. It is always reported before any backend call.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// BackendError reports an inference failure on one batch of patches.
// Patches and Offsets identify the patches that were in flight, so a
// caller can re-run just that batch.
type BackendError struct {
	// Batch is the position of the failed batch in submission order
	Batch int

	// Patches holds the row-major grid indices of the batch
	Patches []int

	// Offsets holds the top-left pixel of each patch in the batch
	Offsets []image.Point

	// Regions holds the pixel rectangle of each patch. A failure in
	// PredictWhole reports batch 0 with the whole image as its only region.
	Regions []image.Rectangle

	// Err is the cause reported by, or detected in, the backend
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("inference backend failed on batch %d (patches %v): %v", e.Batch, e.Patches, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsBackendError reports whether err came from the inference backend.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}
