// Package embedding turns face images into unit-length embedding vectors and
// scores embeddings against each other.
package embedding

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/example/face-attendance/internal/detector"
)

const (
	// DefaultMaxBytes caps the accepted image payload.
	DefaultMaxBytes = 5 << 20
	// DefaultMaxSide is the longest image side handed to the detector.
	DefaultMaxSide = 1280
)

// Config bounds the work done per extraction. Zero values select the defaults;
// a negative MaxSide disables downscaling.
type Config struct {
	MaxBytes int
	MaxSide  int
}

// Result is a successful extraction.
type Result struct {
	Embedding []float64
	// Quality is the detector confidence for the face, in [0, 1].
	Quality float64
	Box     detector.BoundingBox
}

// Extractor enforces the single-face policy on top of a Detector.
type Extractor struct {
	detector detector.Detector
	maxBytes int
	maxSide  int
}

// NewExtractor constructs an Extractor around d.
func NewExtractor(d detector.Detector, cfg Config) *Extractor {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxSide == 0 {
		cfg.MaxSide = DefaultMaxSide
	}
	return &Extractor{detector: d, maxBytes: cfg.MaxBytes, maxSide: cfg.MaxSide}
}

// MaxBytes reports the payload cap in effect.
func (e *Extractor) MaxBytes() int {
	return e.maxBytes
}

// Extract decodes data, runs detection and returns the normalized embedding
// of the only face in the image. Oversized payloads are rejected before decoding.
func (e *Extractor) Extract(ctx context.Context, data []byte) (*Result, error) {
	if len(data) > e.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrPayloadTooLarge, len(data), e.maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	img = e.downscale(img)

	faces, err := e.detector.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	switch {
	case len(faces) == 0:
		return nil, ErrNoFaceDetected
	case len(faces) > 1:
		return nil, fmt.Errorf("%w (found %d)", ErrMultipleFacesDetected, len(faces))
	}

	face := faces[0]
	unit, err := Normalize(face.Embedding)
	if err != nil {
		return nil, err
	}
	return &Result{
		Embedding: unit,
		Quality:   clamp01(face.Confidence),
		Box:       face.Box,
	}, nil
}

func (e *Extractor) downscale(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if e.maxSide <= 0 || (w <= e.maxSide && h <= e.maxSide) {
		return img
	}

	var nw, nh int
	if w >= h {
		nw = e.maxSide
		nh = max(1, h*e.maxSide/w)
	} else {
		nh = e.maxSide
		nw = max(1, w*e.maxSide/h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func clamp01(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
