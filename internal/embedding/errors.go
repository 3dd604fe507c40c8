package embedding

import "errors"

// Extraction and scoring failures. Each is reported as-is to the caller so a
// client can correct the submission.
var (
	ErrPayloadTooLarge       = errors.New("image too large")
	ErrInvalidImage          = errors.New("invalid image format (supported: JPEG, PNG, GIF, BMP, TIFF, WebP)")
	ErrNoFaceDetected        = errors.New("no face detected - ensure clear frontal face")
	ErrMultipleFacesDetected = errors.New("multiple faces detected - submit one face only")
	ErrNormalizationFailed   = errors.New("embedding cannot be normalized")
	ErrDegenerateVector      = errors.New("zero-norm vector has no direction")
	ErrDimensionMismatch     = errors.New("embedding dimensionality mismatch")
)

// Kind is the stable, machine-readable name of a failure.
type Kind string

const (
	KindPayloadTooLarge       Kind = "payload_too_large"
	KindInvalidImage          Kind = "invalid_image"
	KindNoFaceDetected        Kind = "no_face_detected"
	KindMultipleFacesDetected Kind = "multiple_faces_detected"
	KindNormalizationFailed   Kind = "normalization_failed"
	KindDegenerateVector      Kind = "degenerate_vector"
	KindDimensionMismatch     Kind = "dimension_mismatch"
	KindUnknown               Kind = ""
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrPayloadTooLarge, KindPayloadTooLarge},
	{ErrInvalidImage, KindInvalidImage},
	{ErrNoFaceDetected, KindNoFaceDetected},
	{ErrMultipleFacesDetected, KindMultipleFacesDetected},
	{ErrNormalizationFailed, KindNormalizationFailed},
	{ErrDegenerateVector, KindDegenerateVector},
	{ErrDimensionMismatch, KindDimensionMismatch},
}

// KindOf returns the Kind of the first taxonomy error found in err's chain,
// or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// IsClientError reports whether err was caused by the submitted input.
func IsClientError(err error) bool {
	return KindOf(err) != KindUnknown
}
