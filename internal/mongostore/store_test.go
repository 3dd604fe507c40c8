package mongostore

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestToIdentityDecodesTemplates(t *testing.T) {
	oid := primitive.NewObjectID()
	doc := studentDocument{
		ID:         oid,
		Name:       "Asha",
		RollNumber: "CS-17",
		Branch:     "CSE",
		Year:       "3",
		Email:      "asha@example.com",
		Embeddings: []interface{}{
			primitive.A{0.5, int32(1), int64(-2)},
			primitive.A{0.1, "oops"},
			primitive.A{},
			"not-an-array",
			[]interface{}{1.0, 0.0},
			primitive.A{math.NaN(), 1.0},
		},
	}

	ident := toIdentity(doc)
	assert.Equal(t, oid.Hex(), ident.ID)
	assert.Equal(t, "Asha", ident.Profile.Name)
	assert.Equal(t, "CS-17", ident.Profile.RollNumber)
	assert.Equal(t, [][]float64{{0.5, 1, -2}, {1, 0}}, ident.Templates)
	assert.Equal(t, 4, ident.Malformed)
}

func TestToIdentityWithoutEmbeddings(t *testing.T) {
	ident := toIdentity(studentDocument{ID: "legacy-7", Name: "Ravi"})
	assert.Equal(t, "legacy-7", ident.ID)
	assert.Empty(t, ident.Templates)
	assert.Zero(t, ident.Malformed)
}

func TestFormatID(t *testing.T) {
	assert.Equal(t, "", formatID(nil))
	assert.Equal(t, "42", formatID(int32(42)))
}
