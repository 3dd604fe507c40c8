package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/embedding"
	"github.com/example/face-attendance/internal/gallery"
	"github.com/example/face-attendance/internal/logging"
)

// Collaborator failures. They are reported to clients without detail.
var (
	ErrStoreUnavailable    = errors.New("identity store unavailable")
	ErrDetectorUnavailable = errors.New("face detector unavailable")
)

// ErrInvalidEmbedding rejects a submitted embedding of the wrong length or
// with non-finite components.
var ErrInvalidEmbedding = errors.New("invalid embedding")

// Extractor produces a unit embedding from image bytes.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (*embedding.Result, error)
}

// Verification is the outcome of one verification request.
type Verification struct {
	RequestID string
	Match     gallery.MatchResult
	// Quality is the detection confidence when the request carried an image.
	Quality *float64
}

// VerificationUseCase composes extraction and gallery matching.
type VerificationUseCase struct {
	extractor Extractor
	source    gallery.Source
	matcher   *gallery.Matcher
	dim       int
	logger    *zap.Logger
	counters  Counters
}

// NewVerificationUseCase constructs a new use case instance. dim is the
// expected embedding length; zero accepts any length.
func NewVerificationUseCase(extractor Extractor, source gallery.Source, matcher *gallery.Matcher, dim int, logger *zap.Logger) *VerificationUseCase {
	return &VerificationUseCase{
		extractor: extractor,
		source:    source,
		matcher:   matcher,
		dim:       dim,
		logger:    logger.Named("verification_usecase"),
	}
}

// GenerateEmbedding extracts the normalized embedding of the single face in data.
func (uc *VerificationUseCase) GenerateEmbedding(ctx context.Context, data []byte) (*embedding.Result, error) {
	requestID := uuid.NewString()
	ctx = logging.ContextWithRequestID(ctx, requestID)
	opLogger := logging.WithOperation(uc.logger, "usecase.generate_embedding", requestID)

	res, err := uc.extract(ctx, requestID, data)
	if err != nil {
		uc.logFailure(opLogger, err)
		return nil, err
	}
	opLogger.Debug("embedding generated", zap.Float64("quality", res.Quality))
	return res, nil
}

// VerifyByEmbedding matches a caller-supplied embedding against the gallery.
// The embedding is re-normalized before matching.
func (uc *VerificationUseCase) VerifyByEmbedding(ctx context.Context, vec []float64) (*Verification, error) {
	requestID := uuid.NewString()
	ctx = logging.ContextWithRequestID(ctx, requestID)
	v, err := uc.verifyEmbedding(ctx, requestID, vec)
	return uc.record(requestID, v, err)
}

// VerifyByImage extracts the embedding from data and matches it exactly as
// VerifyByEmbedding would. Extraction errors are returned unchanged.
func (uc *VerificationUseCase) VerifyByImage(ctx context.Context, data []byte) (*Verification, error) {
	requestID := uuid.NewString()
	ctx = logging.ContextWithRequestID(ctx, requestID)

	res, err := uc.extract(ctx, requestID, data)
	if err != nil {
		return uc.record(requestID, nil, err)
	}
	v, err := uc.verifyEmbedding(ctx, requestID, res.Embedding)
	if v != nil {
		quality := res.Quality
		v.Quality = &quality
	}
	return uc.record(requestID, v, err)
}

// Metrics returns the aggregated verification counters.
func (uc *VerificationUseCase) Metrics() MetricsSummary {
	return uc.counters.Summary()
}

func (uc *VerificationUseCase) verifyEmbedding(ctx context.Context, requestID string, vec []float64) (*Verification, error) {
	start := time.Now()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", requestID)

	if err := uc.validate(vec); err != nil {
		return nil, err
	}
	query, err := embedding.Normalize(vec)
	if err != nil {
		return nil, err
	}

	var identities []gallery.Identity
	err = guard(func() error {
		var loadErr error
		identities, loadErr = uc.source.Identities(ctx)
		return loadErr
	})
	if err != nil {
		return nil, logging.NewOperationError("usecase.load_gallery", requestID, fmt.Errorf("%w: %w", ErrStoreUnavailable, err))
	}

	result := uc.matcher.Match(query, identities)
	for identityID, skipped := range result.SkippedByIdentity {
		opLogger.Warn("skipped unusable gallery templates",
			zap.String("identity_id", identityID),
			zap.Int("skipped", skipped),
		)
	}

	fields := []zap.Field{
		zap.Bool("matched", result.Matched()),
		zap.Int("identities", len(identities)),
		zap.Int("scanned", result.Scanned),
		logging.Elapsed(start),
	}
	if result.Matched() {
		fields = append(fields, zap.String("identity_id", result.Identity.ID), zap.Float64("confidence", result.Confidence))
	}
	opLogger.Info("verification finished", fields...)

	return &Verification{RequestID: requestID, Match: result}, nil
}

func (uc *VerificationUseCase) extract(ctx context.Context, requestID string, data []byte) (*embedding.Result, error) {
	var res *embedding.Result
	err := guard(func() error {
		var extractErr error
		res, extractErr = uc.extractor.Extract(ctx, data)
		return extractErr
	})
	if err == nil {
		if uc.dim > 0 && len(res.Embedding) != uc.dim {
			err = fmt.Errorf("%w: detector produced %d components, expected %d", ErrDetectorUnavailable, len(res.Embedding), uc.dim)
			return nil, logging.NewOperationError("usecase.extract", requestID, err)
		}
		return res, nil
	}
	if embedding.IsClientError(err) {
		return nil, err
	}
	return nil, logging.NewOperationError("usecase.extract", requestID, fmt.Errorf("%w: %w", ErrDetectorUnavailable, err))
}

func (uc *VerificationUseCase) validate(vec []float64) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: embedding is empty", ErrInvalidEmbedding)
	}
	if uc.dim > 0 && len(vec) != uc.dim {
		return fmt.Errorf("%w: expected %d components, got %d", ErrInvalidEmbedding, uc.dim, len(vec))
	}
	for i, x := range vec {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: component %d is not finite", ErrInvalidEmbedding, i)
		}
	}
	return nil
}

func (uc *VerificationUseCase) record(requestID string, v *Verification, err error) (*Verification, error) {
	switch {
	case err != nil && IsClientError(err):
		uc.counters.clientErrors.Add(1)
	case err != nil:
		uc.counters.serverErrors.Add(1)
	case v.Match.Matched():
		uc.counters.matched.Add(1)
	default:
		uc.counters.unmatched.Add(1)
	}
	if err != nil {
		uc.logFailure(logging.WithOperation(uc.logger, "usecase.verify", requestID), err)
		return nil, err
	}
	uc.counters.skippedTemplates.Add(int64(v.Match.SkippedTemplates))
	return v, nil
}

func (uc *VerificationUseCase) logFailure(logger *zap.Logger, err error) {
	if IsClientError(err) {
		logger.Info("request rejected", zap.String("kind", string(embedding.KindOf(err))), zap.Error(err))
		return
	}
	logger.Error("request failed", zap.Error(err))
}

// IsClientError reports whether err was caused by the submitted input rather
// than by a collaborator.
func IsClientError(err error) bool {
	return embedding.IsClientError(err) || errors.Is(err, ErrInvalidEmbedding)
}

// guard converts a panic inside a collaborator call into an error so that a
// single request fails instead of the process.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered panic: %v", r)
		}
	}()
	return fn()
}
