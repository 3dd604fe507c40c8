//go:build integration

package mongostore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

func TestIdentitiesFromMongo(t *testing.T) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil || container == nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "27017")
	require.NoError(t, err)

	store, client, err := Connect(ctx, fmt.Sprintf("mongodb://%s:%s", host, port.Port()), "faceAttendanceDB", "students", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	_, err = store.coll.InsertMany(ctx, []interface{}{
		bson.M{"name": "Alice", "rollNumber": "R1", "embeddings": bson.A{bson.A{1.0, 0.0}, bson.A{"x"}}},
		bson.M{"name": "Bob", "rollNumber": "R2", "embeddings": bson.A{}},
	})
	require.NoError(t, err)

	identities, err := store.Identities(ctx)
	require.NoError(t, err)
	require.Len(t, identities, 2)

	byName := map[string]int{}
	for i, ident := range identities {
		byName[ident.Profile.Name] = i
	}
	alice := identities[byName["Alice"]]
	assert.Equal(t, [][]float64{{1, 0}}, alice.Templates)
	assert.Equal(t, 1, alice.Malformed)
	assert.Empty(t, identities[byName["Bob"]].Templates)
}
