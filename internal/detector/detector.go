// Package detector describes the external face detection and embedding capability.
package detector

import (
	"context"
	"image"
)

// BoundingBox is the detected face region in pixel coordinates.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// DetectedFace is one face returned by a Detector. Embedding is the raw,
// not necessarily normalized, model output.
type DetectedFace struct {
	Box        BoundingBox
	Embedding  []float64
	Confidence float64
}

// Detector runs face detection and embedding on a decoded image.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]DetectedFace, error)
}

// Func adapts a plain function to the Detector interface.
type Func func(ctx context.Context, img image.Image) ([]DetectedFace, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, img image.Image) ([]DetectedFace, error) {
	return f(ctx, img)
}
