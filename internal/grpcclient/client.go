// Package grpcclient talks to the face model sidecar over gRPC.
//
// The sidecar exposes a single unary method, Detect, taking the encoded image
// as a google.protobuf.BytesValue and answering with a google.protobuf.Struct:
//
//	{"faces": [{"embedding": [..], "det_score": 0.98, "bbox": [x1, y1, x2, y2]}]}
package grpcclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/face-attendance/internal/detector"
	"github.com/example/face-attendance/internal/logging"
)

// DetectMethod is the full gRPC method name served by the sidecar.
const DetectMethod = "/faceattend.detector.v1.FaceDetector/Detect"

// ErrInvalidResponse is returned when the sidecar answer does not follow the protocol.
var ErrInvalidResponse = errors.New("invalid detector response")

// DialDetector returns a ready-to-use Detector for the model sidecar at addr.
// Extra dial options are appended to the defaults.
func DialDetector(ctx context.Context, addr string, timeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (*GRPCDetector, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_detector", "", err)
		logger.Error("failed to dial face detector", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewGRPCDetector(conn, timeout, logger), conn, nil
}

// GRPCDetector implements detector.Detector over a client connection.
type GRPCDetector struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
	logger  *zap.Logger
}

// NewGRPCDetector wraps an established connection. A zero timeout leaves the
// caller's deadline in charge.
func NewGRPCDetector(conn grpc.ClientConnInterface, timeout time.Duration, logger *zap.Logger) *GRPCDetector {
	return &GRPCDetector{conn: conn, timeout: timeout, logger: logger.Named("grpc_detector")}
}

// Detect encodes img as JPEG and asks the sidecar for faces.
func (g *GRPCDetector) Detect(ctx context.Context, img image.Image) ([]detector.DetectedFace, error) {
	requestID := logging.RequestIDFrom(ctx)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92}); err != nil {
		return nil, logging.NewOperationError("grpcclient.encode_image", requestID, err)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, DetectMethod, wrapperspb.Bytes(buf.Bytes()), resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.detect", requestID, err)
		g.logger.Error("face detector call failed", zap.Error(wrapped), zap.Int("image_bytes", buf.Len()))
		return nil, wrapped
	}

	faces, err := parseFaces(resp)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.parse_response", requestID, err)
		g.logger.Error("face detector answered with an invalid payload", zap.Error(wrapped))
		return nil, wrapped
	}
	g.logger.Debug("face detection finished",
		zap.String("request_id", requestID),
		zap.Int("faces", len(faces)),
		logging.Elapsed(start),
	)
	return faces, nil
}

func parseFaces(resp *structpb.Struct) ([]detector.DetectedFace, error) {
	field, ok := resp.GetFields()["faces"]
	if !ok {
		return nil, fmt.Errorf("%w: missing faces", ErrInvalidResponse)
	}
	list := field.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%w: faces is not a list", ErrInvalidResponse)
	}

	faces := make([]detector.DetectedFace, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		obj := v.GetStructValue()
		if obj == nil {
			return nil, fmt.Errorf("%w: face %d is not an object", ErrInvalidResponse, i)
		}
		fields := obj.GetFields()

		emb, err := numbers(fields["embedding"])
		if err != nil {
			return nil, fmt.Errorf("%w: face %d embedding: %v", ErrInvalidResponse, i, err)
		}
		face := detector.DetectedFace{Embedding: emb}
		if score, ok := fields["det_score"]; ok {
			face.Confidence = score.GetNumberValue()
		}
		if box, err := numbers(fields["bbox"]); err == nil && len(box) == 4 {
			face.Box = detector.BoundingBox{X1: box[0], Y1: box[1], X2: box[2], Y2: box[3]}
		}
		faces = append(faces, face)
	}
	return faces, nil
}

func numbers(v *structpb.Value) ([]float64, error) {
	list := v.GetListValue()
	if list == nil {
		return nil, errors.New("not a list")
	}
	out := make([]float64, len(list.GetValues()))
	for i, item := range list.GetValues() {
		n, ok := item.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("component %d is not a number", i)
		}
		out[i] = n.NumberValue
	}
	return out, nil
}
