package testing

import (
	"context"
	"testing"
	"time"

	"smarthouse/config"
	"smarthouse/storage"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// SetupTestConfig creates a standard test configuration with optional overrides.
//
// Example usage:
//
//	cfg := testing.SetupTestConfig(func(c *config.Config) {
//	    c.Schema.ExistingPolicy = config.ExistingPolicyFail
//	})
func SetupTestConfig(overrides ...func(*config.Config)) *config.Config {
	cfg := &config.Config{}

	cfg.MongoDB.Host = "localhost"
	cfg.MongoDB.Port = 27017
	cfg.MongoDB.AdminDatabase = "admin"
	cfg.MongoDB.Database = TestDatabaseName
	cfg.MongoDB.Username = TestRootUsername
	cfg.MongoDB.Password = TestRootPassword
	cfg.MongoDB.AppName = "smarthouse-init-test"
	cfg.MongoDB.ConnectTimeout = TestConnectTimeout
	cfg.MongoDB.OperationTimeout = TestOperationTimeout
	cfg.MongoDB.ConnectRetries = 0
	cfg.MongoDB.RetryDelay = 10 * time.Millisecond

	cfg.Schema.ExistingPolicy = config.ExistingPolicySkip
	cfg.Secrets.Provider = "env"
	cfg.Metrics.Job = "smarthouse_bootstrap_test"
	cfg.Log.Level = "debug"
	cfg.Log.Format = "console"

	for _, override := range overrides {
		override(cfg)
	}

	return cfg
}

// SetupTestLogger returns a logger suitable for tests.
func SetupTestLogger(t testing.TB) *zap.SugaredLogger {
	t.Helper()
	return zap.NewNop().Sugar()
}

// MongoContainer is a disposable MongoDB server with root credentials.
type MongoContainer struct {
	Container testcontainers.Container
	Host      string
	Port      int
}

// Configure points cfg at the container.
func (m *MongoContainer) Configure(cfg *config.Config) {
	cfg.MongoDB.URI = ""
	cfg.MongoDB.Host = m.Host
	cfg.MongoDB.Port = m.Port
}

// StartMongoContainer starts a MongoDB container with TestRootUsername and
// TestRootPassword as the root credential. The container is terminated when
// the test finishes. Skipped in -short mode.
func StartMongoContainer(t *testing.T) *MongoContainer {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping MongoDB integration test in short mode")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        mongoImage,
		ExposedPorts: []string{mongoPort},
		Env: map[string]string{
			"MONGO_INITDB_ROOT_USERNAME": TestRootUsername,
			"MONGO_INITDB_ROOT_PASSWORD": TestRootPassword,
		},
		// The entrypoint starts a temporary server for user creation and then
		// the real one, so the ready line appears twice
		WaitingFor: wait.ForLog("Waiting for connections").
			WithOccurrence(2).
			WithStartupTimeout(containerStartTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start MongoDB container")

	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate MongoDB container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err, "Failed to get container host")

	mappedPort, err := container.MappedPort(ctx, mongoPort)
	require.NoError(t, err, "Failed to get mapped port")

	t.Logf("MongoDB container started at %s:%s", host, mappedPort.Port())

	return &MongoContainer{
		Container: container,
		Host:      host,
		Port:      mappedPort.Int(),
	}
}

// ConnectRoot opens an authenticated root connection to the container,
// independent of the code under test, for assertions.
func ConnectRoot(t *testing.T, m *MongoContainer) *storage.MongoDB {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), TestConnectTimeout)
	defer cancel()

	db, err := storage.NewMongoDB(ctx, storage.ConnectOptions{
		Host:           m.Host,
		Port:           m.Port,
		AdminDatabase:  "admin",
		Username:       TestRootUsername,
		Password:       TestRootPassword,
		ConnectTimeout: TestConnectTimeout,
	}, SetupTestLogger(t))
	require.NoError(t, err, "Failed to connect to MongoDB container")
	require.NoError(t, db.Authenticate(ctx), "Failed to authenticate against MongoDB container")

	t.Cleanup(func() {
		_ = db.Close(context.Background())
	})

	return db
}
