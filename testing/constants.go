package testing

import "time"

const (
	// TestDatabaseName keeps integration runs apart from a real smart_house_db.
	TestDatabaseName = "smart_house_test"

	// TestRootUsername and TestRootPassword are the container's root credential.
	TestRootUsername = "admin"
	TestRootPassword = "admin-test-password"

	// TestConnectTimeout bounds connection and server selection in tests.
	TestConnectTimeout = 20 * time.Second

	// TestOperationTimeout bounds a complete bootstrap run in tests.
	TestOperationTimeout = 60 * time.Second
)

const (
	mongoImage            = "mongo:7.0"
	mongoPort             = "27017/tcp"
	containerStartTimeout = 120 * time.Second
)
