package storage_test

import (
	"context"
	"testing"

	"smarthouse/storage"
	testinghelpers "smarthouse/testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestMongoDB_Integration(t *testing.T) {
	container := testinghelpers.StartMongoContainer(t)
	db := testinghelpers.ConnectRoot(t, container)

	ctx, cancel := context.WithTimeout(context.Background(), testinghelpers.TestOperationTimeout)
	defer cancel()

	t.Run("ServerVersion", func(t *testing.T) {
		version, err := db.ServerVersion(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, version)
	})

	t.Run("HealthCheck", func(t *testing.T) {
		assert.NoError(t, db.HealthCheck(ctx))
	})

	schemaDB := db.SchemaDatabase("storage_adapter_test")

	t.Run("CreateCollection", func(t *testing.T) {
		require.NoError(t, schemaDB.CreateCollection(ctx, "widgets"))

		err := schemaDB.CreateCollection(ctx, "widgets")
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrCollectionExists)
		assert.True(t, storage.IsNamespaceExists(err))

		names, err := schemaDB.ListCollectionNames(ctx, bson.D{{Key: "name", Value: "widgets"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"widgets"}, names)
	})

	t.Run("Indexes", func(t *testing.T) {
		view := schemaDB.Indexes("widgets")

		name, err := view.CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "serial", Value: int32(1)}},
			Options: options.Index().SetName("widgets_serial_unique").SetUnique(true),
		})
		require.NoError(t, err)
		assert.Equal(t, "widgets_serial_unique", name)

		indexes, err := view.List(ctx)
		require.NoError(t, err)
		require.Len(t, indexes, 2)

		byName := make(map[string]storage.IndexDocument)
		for _, idx := range indexes {
			byName[idx.Name] = idx
		}
		require.Contains(t, byName, "_id_")
		require.Contains(t, byName, "widgets_serial_unique")
		assert.True(t, byName["widgets_serial_unique"].Unique)
		assert.False(t, byName["_id_"].Unique)
		assert.Equal(t, "serial", byName["widgets_serial_unique"].Key[0].Key)

		// Same keys, different uniqueness
		_, err = view.CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "serial", Value: int32(1)}},
			Options: options.Index().SetName("widgets_serial"),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrIndexConflict)
	})

	t.Run("RestrictedIndexListed", func(t *testing.T) {
		view := schemaDB.Indexes("widgets")

		_, err := view.CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "owner", Value: int32(1)}},
			Options: options.Index().SetName("widgets_owner_sparse").SetSparse(true),
		})
		require.NoError(t, err)

		indexes, err := view.List(ctx)
		require.NoError(t, err)
		for _, idx := range indexes {
			if idx.Name == "widgets_owner_sparse" {
				assert.Equal(t, []string{"sparse"}, idx.RestrictingOptions())
			} else {
				assert.Empty(t, idx.RestrictingOptions(), idx.Name)
			}
		}
	})

	t.Run("IndexOverDuplicates", func(t *testing.T) {
		coll := db.Client.Database("storage_adapter_test").Collection("gadgets")
		_, err := coll.InsertMany(ctx, []interface{}{
			bson.D{{Key: "code", Value: "A"}},
			bson.D{{Key: "code", Value: "A"}},
		})
		require.NoError(t, err)

		_, err = schemaDB.Indexes("gadgets").CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "code", Value: int32(1)}},
			Options: options.Index().SetName("gadgets_code_unique").SetUnique(true),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrIndexConflict)
		assert.True(t, mongo.IsDuplicateKeyError(err))
	})
}

func TestMongoDB_WrongPassword(t *testing.T) {
	container := testinghelpers.StartMongoContainer(t)

	ctx, cancel := context.WithTimeout(context.Background(), testinghelpers.TestConnectTimeout)
	defer cancel()

	db, err := storage.NewMongoDB(ctx, storage.ConnectOptions{
		Host:           container.Host,
		Port:           container.Port,
		Username:       testinghelpers.TestRootUsername,
		Password:       "not-the-password",
		ConnectTimeout: testinghelpers.TestConnectTimeout,
	}, testinghelpers.SetupTestLogger(t))
	require.NoError(t, err)
	defer db.Close(context.Background())

	err = db.Authenticate(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrAuthentication)
	assert.True(t, storage.IsAuthenticationError(err))
}
