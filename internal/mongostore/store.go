// Package mongostore reads the gallery from the MongoDB students collection
// maintained by the attendance front office.
package mongostore

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/gallery"
	"github.com/example/face-attendance/internal/logging"
	"github.com/example/face-attendance/internal/retry"
)

type studentDocument struct {
	ID         interface{}   `bson:"_id"`
	Name       string        `bson:"name"`
	RollNumber string        `bson:"rollNumber"`
	Branch     string        `bson:"branch"`
	Year       string        `bson:"year"`
	Email      string        `bson:"email"`
	Embeddings []interface{} `bson:"embeddings"`
}

// Store is a read-only gallery source over a MongoDB collection.
type Store struct {
	coll   *mongo.Collection
	logger *zap.Logger
	policy retry.Policy
}

// New wraps an existing collection.
func New(coll *mongo.Collection, logger *zap.Logger) *Store {
	return &Store{coll: coll, logger: logger.Named("mongostore"), policy: retry.DefaultPolicy}
}

// Connect dials uri, verifies the connection and returns a Store over
// database.collection together with the client for shutdown.
func Connect(ctx context.Context, uri, database, collection string, logger *zap.Logger) (*Store, *mongo.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, logging.NewOperationError("mongostore.connect", "", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, logging.NewOperationError("mongostore.ping", "", err)
	}
	return New(client.Database(database).Collection(collection), logger), client, nil
}

// Identities reads every student document. A document that cannot be decoded
// is logged and left out; templates that are not numeric arrays are counted
// as malformed on their identity.
func (s *Store) Identities(ctx context.Context) ([]gallery.Identity, error) {
	requestID := logging.RequestIDFrom(ctx)
	projection := bson.D{
		{Key: "name", Value: 1},
		{Key: "rollNumber", Value: 1},
		{Key: "branch", Value: 1},
		{Key: "year", Value: 1},
		{Key: "email", Value: 1},
		{Key: "embeddings", Value: 1},
	}

	var out []gallery.Identity
	err := retry.Do(ctx, s.logger, s.policy, "mongostore.find_students", requestID, func() error {
		out = out[:0]
		cursor, err := s.coll.Find(ctx, bson.D{}, options.Find().SetProjection(projection))
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			var doc studentDocument
			if err := cursor.Decode(&doc); err != nil {
				logging.WithOperation(s.logger, "mongostore.decode_student", requestID).
					Warn("skipping undecodable student document", zap.Error(err))
				continue
			}
			out = append(out, toIdentity(doc))
		}
		return cursor.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func toIdentity(doc studentDocument) gallery.Identity {
	ident := gallery.Identity{
		ID: formatID(doc.ID),
		Profile: gallery.Profile{
			Name:       doc.Name,
			RollNumber: doc.RollNumber,
			Branch:     doc.Branch,
			Year:       doc.Year,
			Email:      doc.Email,
		},
	}
	for _, raw := range doc.Embeddings {
		vec, ok := decodeTemplate(raw)
		if !ok {
			ident.Malformed++
			continue
		}
		ident.Templates = append(ident.Templates, vec)
	}
	return ident
}

func formatID(id interface{}) string {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func decodeTemplate(raw interface{}) ([]float64, bool) {
	var items []interface{}
	switch v := raw.(type) {
	case primitive.A:
		items = v
	case []interface{}:
		items = v
	default:
		return nil, false
	}
	if len(items) == 0 {
		return nil, false
	}

	out := make([]float64, len(items))
	for i, item := range items {
		var f float64
		switch n := item.(type) {
		case float64:
			f = n
		case float32:
			f = float64(n)
		case int32:
			f = float64(n)
		case int64:
			f = float64(n)
		case int:
			f = float64(n)
		default:
			return nil, false
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}
