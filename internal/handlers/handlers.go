package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/face-attendance/internal/embedding"
	"github.com/example/face-attendance/internal/gallery"
	"github.com/example/face-attendance/internal/usecase"
)

// MaxUploadSize is the largest image accepted by default.
const MaxUploadSize = embedding.DefaultMaxBytes

// maxEmbeddingBody bounds the JSON body of embedding verification requests.
const maxEmbeddingBody = 1 << 20

// multipartOverhead leaves room for the form envelope around the image part.
const multipartOverhead = 64 << 10

// Verifier is the use case surface served over HTTP.
type Verifier interface {
	GenerateEmbedding(ctx context.Context, data []byte) (*embedding.Result, error)
	VerifyByEmbedding(ctx context.Context, vec []float64) (*usecase.Verification, error)
	VerifyByImage(ctx context.Context, data []byte) (*usecase.Verification, error)
	Metrics() usecase.MetricsSummary
}

type embeddingRequest struct {
	Embedding []float64 `json:"embedding"`
}

type studentResponse struct {
	ID string `json:"id"`
	gallery.Profile
}

// RegisterRoutes wires the HTTP handlers to the Gin router. maxUpload caps
// image payloads; zero selects MaxUploadSize.
func RegisterRoutes(router *gin.Engine, uc Verifier, maxUpload int) {
	if maxUpload <= 0 {
		maxUpload = MaxUploadSize
	}
	h := &routes{uc: uc, maxUpload: maxUpload}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, uc.Metrics())
	})
	router.POST("/generate-embedding", h.generateEmbedding)
	router.POST("/verify-attendance", h.verifyByEmbedding)
	router.POST("/verify-attendance-image", h.verifyByImage)
}

type routes struct {
	uc        Verifier
	maxUpload int
}

func (h *routes) generateEmbedding(c *gin.Context) {
	if !acceptedImageType(c.GetHeader("Content-Type")) {
		unsupportedMediaType(c)
		return
	}

	// one byte past the cap is enough for the extractor to reject the payload
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, int64(h.maxUpload)+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unreadable_body", "message": "failed to read request body"})
		return
	}

	res, err := h.uc.GenerateEmbedding(c.Request.Context(), data)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"embedding":    res.Embedding,
		"face_quality": res.Quality,
	})
}

func (h *routes) verifyByEmbedding(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxEmbeddingBody)

	var req embeddingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "payload_too_large", "message": "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "body must be JSON of the form {\"embedding\": [numbers]}"})
		return
	}

	v, err := h.uc.VerifyByEmbedding(c.Request.Context(), req.Embedding)
	if err != nil {
		writeError(c, err)
		return
	}
	writeVerification(c, v)
}

func (h *routes) verifyByImage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(h.maxUpload)+multipartOverhead)

	file, err := formImage(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, embedding.ErrPayloadTooLarge)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "multipart field \"file\" with the image is required"})
		return
	}
	if file.Size > int64(h.maxUpload) {
		writeError(c, embedding.ErrPayloadTooLarge)
		return
	}
	if !acceptedImageType(file.Header.Get("Content-Type")) {
		unsupportedMediaType(c)
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, int64(h.maxUpload)+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "failed to read image"})
		return
	}

	v, err := h.uc.VerifyByImage(c.Request.Context(), data)
	if err != nil {
		writeError(c, err)
		return
	}
	writeVerification(c, v)
}

func formImage(c *gin.Context) (*multipart.FileHeader, error) {
	file, err := c.FormFile("file")
	if err == nil {
		return file, nil
	}
	if fallback, fallbackErr := c.FormFile("image"); fallbackErr == nil {
		return fallback, nil
	}
	return nil, err
}

func writeVerification(c *gin.Context, v *usecase.Verification) {
	body := gin.H{
		"request_id": v.RequestID,
		"matched":    v.Match.Matched(),
	}
	if v.Quality != nil {
		body["face_quality"] = *v.Quality
	}
	if v.Match.SkippedTemplates > 0 {
		body["skipped_templates"] = v.Match.SkippedTemplates
	}

	if !v.Match.Matched() {
		body["success"] = false
		body["message"] = "No matching student found"
		c.JSON(http.StatusOK, body)
		return
	}

	body["success"] = true
	body["student"] = studentResponse{ID: v.Match.Identity.ID, Profile: v.Match.Identity.Profile}
	body["confidence"] = v.Match.Confidence
	body["message"] = "Attendance verified successfully"
	c.JSON(http.StatusOK, body)
}

func writeError(c *gin.Context, err error) {
	status, kind, message := classify(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"success": false, "error": kind, "message": message})
}

func classify(err error) (status int, kind, message string) {
	switch k := embedding.KindOf(err); k {
	case embedding.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge, string(k), err.Error()
	case embedding.KindNormalizationFailed, embedding.KindDegenerateVector:
		return http.StatusUnprocessableEntity, string(k), err.Error()
	case embedding.KindUnknown:
	default:
		return http.StatusBadRequest, string(k), err.Error()
	}

	switch {
	case errors.Is(err, usecase.ErrInvalidEmbedding):
		return http.StatusBadRequest, "invalid_embedding", err.Error()
	case errors.Is(err, usecase.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable", "identity store unavailable, try again later"
	case errors.Is(err, usecase.ErrDetectorUnavailable):
		return http.StatusServiceUnavailable, "detector_unavailable", "face detector unavailable, try again later"
	}
	return http.StatusInternalServerError, "internal_error", "internal server error"
}

// acceptedImageType allows image/* and application/octet-stream. A missing
// header is treated as application/octet-stream.
func acceptedImageType(header string) bool {
	if strings.TrimSpace(header) == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "image/") || mediaType == "application/octet-stream"
}

func unsupportedMediaType(c *gin.Context) {
	c.JSON(http.StatusUnsupportedMediaType, gin.H{
		"success": false,
		"error":   "unsupported_media_type",
		"message": "Content-Type must be image/* or application/octet-stream",
	})
}
