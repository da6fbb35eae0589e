package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"smarthouse/config"
	"smarthouse/metrics"
	"smarthouse/schema"
	"smarthouse/storage"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

const testDatabase = "smart_house_db"

func idIndex() storage.IndexDocument {
	return storage.IndexDocument{Name: "_id_", Key: bson.D{{Key: "_id", Value: int32(1)}}}
}

func modelNamed(name string) interface{} {
	return mock.MatchedBy(func(m mongo.IndexModel) bool {
		return m.Options != nil && m.Options.Name != nil && *m.Options.Name == name
	})
}

func rawDocument(doc bson.D) bson.Raw {
	raw, err := bson.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return raw
}

func newSession(db *MockSchemaDatabase) *MockSession {
	session := &MockSession{}
	session.On("Authenticate", mock.Anything).Return(nil)
	session.On("SchemaDatabase", db.Name()).Return(db)
	return session
}

// expectFreshCollections sets up an empty database and records creation order
func expectFreshCollections(db *MockSchemaDatabase, layout schema.Layout) *[]string {
	created := &[]string{}
	db.On("ListCollectionNames", mock.Anything, mock.Anything).Return([]string{}, nil).Once()
	for _, name := range layout.Collections {
		db.On("CreateCollection", mock.Anything, name).Return(nil).Once().
			Run(func(args mock.Arguments) {
				*created = append(*created, args.String(1))
			})
	}
	return created
}

func expectFreshIndexes(db *MockSchemaDatabase, layout schema.Layout) {
	for _, spec := range layout.Indexes {
		view := db.view(spec.Collection)
		view.On("List", mock.Anything).Return([]storage.IndexDocument{idIndex()}, nil).Once()
		view.On("CreateOne", mock.Anything, modelNamed(spec.Name)).Return(spec.Name, nil).Once()
	}
}

// expectExistingLayout makes every collection and index already present
func expectExistingLayout(db *MockSchemaDatabase, layout schema.Layout) {
	db.On("ListCollectionNames", mock.Anything, mock.Anything).Return(append([]string(nil), layout.Collections...), nil).Once()
	for _, spec := range layout.Indexes {
		// The server reports directions as doubles for indexes built by some tools
		key := bson.D{}
		for _, k := range spec.Keys {
			key = append(key, bson.E{Key: k.Field, Value: float64(k.Direction)})
		}
		db.view(spec.Collection).On("List", mock.Anything).Return([]storage.IndexDocument{
			idIndex(),
			{Name: spec.Name, Key: key, Unique: spec.Unique},
		}, nil).Once()
	}
}

func newTestBootstrapper(t *testing.T, session Session, policy config.ExistingPolicy) *Bootstrapper {
	t.Helper()
	b, err := NewBootstrapper(session, schema.DefaultLayout(), Options{
		Database: testDatabase,
		Policy:   policy,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return b
}

func TestNewBootstrapper(t *testing.T) {
	db := newMockSchemaDatabase(testDatabase)
	session := newSession(db)
	logger := zap.NewNop().Sugar()

	t.Run("defaults to skip", func(t *testing.T) {
		b, err := NewBootstrapper(session, schema.DefaultLayout(), Options{Database: testDatabase}, logger)
		require.NoError(t, err)
		assert.Equal(t, config.ExistingPolicySkip, b.opts.Policy)
	})

	t.Run("nil logger", func(t *testing.T) {
		b, err := NewBootstrapper(session, schema.DefaultLayout(), Options{Database: testDatabase}, nil)
		require.NoError(t, err)
		assert.NotNil(t, b.logger)
	})

	tests := []struct {
		name     string
		session  Session
		layout   schema.Layout
		opts     Options
		contains string
	}{
		{"nil session", nil, schema.DefaultLayout(), Options{Database: testDatabase}, "session is required"},
		{"no database", session, schema.DefaultLayout(), Options{}, "target database name is required"},
		{"unknown policy", session, schema.DefaultLayout(), Options{Database: testDatabase, Policy: "overwrite"}, "unknown existing policy"},
		{"invalid layout", session, schema.Layout{}, Options{Database: testDatabase}, "invalid layout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBootstrapper(tt.session, tt.layout, tt.opts, logger)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestRun_FreshDatabase(t *testing.T) {
	layout := schema.DefaultLayout()
	db := newMockSchemaDatabase(testDatabase)
	session := newSession(db)
	created := expectFreshCollections(db, layout)
	expectFreshIndexes(db, layout)

	createdBefore := testutil.ToFloat64(metrics.CollectionsProcessed.WithLabelValues(string(StatusCreated)))
	indexesBefore := testutil.ToFloat64(metrics.IndexesProcessed.WithLabelValues(string(StatusCreated)))

	report, err := newTestBootstrapper(t, session, config.ExistingPolicySkip).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, layout.Collections, *created, "collections are created in layout order")

	require.Len(t, report.Collections, 6)
	for i, c := range report.Collections {
		assert.Equal(t, layout.Collections[i], c.Name)
		assert.Equal(t, StatusCreated, c.Status)
	}

	require.Len(t, report.Indexes, 6)
	for i, idx := range report.Indexes {
		assert.Equal(t, layout.Indexes[i].Name, idx.Name)
		assert.Equal(t, layout.Indexes[i].Unique, idx.Unique)
		assert.Equal(t, StatusCreated, idx.Status)
		assert.Empty(t, idx.ExistingName)
	}
	assert.Equal(t, "timestamp:-1", report.Indexes[3].Keys)

	collections, indexes := report.Counts()
	assert.Equal(t, 6, collections)
	assert.Equal(t, 6, indexes)

	assert.Equal(t, testDatabase, report.Database)
	assert.Equal(t, config.ExistingPolicySkip, report.Policy)
	_, parseErr := uuid.Parse(report.RunID)
	assert.NoError(t, parseErr)
	assert.False(t, report.StartedAt.IsZero())

	assert.Equal(t, createdBefore+6, testutil.ToFloat64(metrics.CollectionsProcessed.WithLabelValues(string(StatusCreated))))
	assert.Equal(t, indexesBefore+6, testutil.ToFloat64(metrics.IndexesProcessed.WithLabelValues(string(StatusCreated))))

	session.AssertExpectations(t)
	db.AssertExpectations(t)
	for _, view := range db.indexes {
		view.AssertExpectations(t)
	}
}

func TestRun_CollectionFilterUsesLayoutNames(t *testing.T) {
	layout := schema.DefaultLayout()
	db := newMockSchemaDatabase(testDatabase)
	session := newSession(db)

	var filter interface{}
	db.On("ListCollectionNames", mock.Anything, mock.Anything).
		Return(nil, errors.New("listCollections failed")).
		Run(func(args mock.Arguments) { filter = args.Get(1) })

	_, err := newTestBootstrapper(t, session, config.ExistingPolicySkip).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list collections in smart_house_db")

	expected := bson.D{{Key: "name", Value: bson.D{{Key: "$in", Value: layout.Collections}}}}
	assert.Equal(t, expected, filter)
	db.AssertNotCalled(t, "CreateCollection", mock.Anything, mock.Anything)
}

func TestRun_AuthenticationFailure(t *testing.T) {
	session := &MockSession{}
	authErr := storage.WrapError(storage.ErrAuthentication,
		mongo.CommandError{Code: 18, Name: "AuthenticationFailed", Message: "Authentication failed."}, `"admin" database`)
	session.On("Authenticate", mock.Anything).Return(authErr)

	failuresBefore := testutil.ToFloat64(metrics.BootstrapFailures.WithLabelValues("authentication"))

	report, err := newTestBootstrapper(t, session, config.ExistingPolicySkip).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrAuthentication)

	require.NotNil(t, report)
	assert.Empty(t, report.Collections)
	assert.Empty(t, report.Indexes)
	session.AssertNotCalled(t, "SchemaDatabase", mock.Anything)

	assert.Equal(t, failuresBefore+1, testutil.ToFloat64(metrics.BootstrapFailures.WithLabelValues("authentication")))
}

func TestRun_SkipPolicyExistingLayout(t *testing.T) {
	layout := schema.DefaultLayout()
	db := newMockSchemaDatabase(testDatabase)
	session := newSession(db)
	expectExistingLayout(db, layout)

	report, err := newTestBootstrapper(t, session, config.ExistingPolicySkip).Run(context.Background())
	require.NoError(t, err)

	for _, c := range report.Collections {
		assert.Equal(t, StatusExisting, c.Status, c.Name)
	}
	for _, idx := range report.Indexes {
		assert.Equal(t, StatusExisting, idx.Status, idx.Name)
	}
	collections, indexes := report.Counts()
	assert.Zero(t, collections)
	assert.Zero(t, indexes)

	db.AssertNotCalled(t, "CreateCollection", mock.Anything, mock.Anything)
	for _, view := range db.indexes {
		view.AssertNotCalled(t, "CreateOne", mock.Anything, mock.Anything)
	}
}

func TestRun_SkipPolicyEquivalentIndexUnderOtherName(t *testing.T) {
	layout := schema.DefaultLayout()
	db := newMockSchemaDatabase(testDatabase)
	session := newSession(db)
	expectFreshCollections(db, layout)

	for _, spec := range layout.Indexes {
		view := db.view(spec.Collection)
		if spec.Collection == schema.CollectionUsers {
			// Default name the driver would generate
			view.On("List", mock.Anything).Return([]storage.IndexDocument{
				idIndex(),
				{Name: "email_1", Key: bson.D{{Key: "email", Value: int32(1)}}, Unique: true},
			}, nil).Once()
			continue
		}
		view.On("List", mock.Anything).Return([]storage.IndexDocument{idIndex()}, nil).Once()
		view.On("CreateOne", mock.Anything, modelNamed(spec.Name)).Return(spec.Name, nil).Once()
	}

	report, err := newTestBootstrapper(t, session, config.ExistingPolicySkip).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusExisting, report.Indexes[0].Status)
	assert.Equal(t, "email_1", report.Indexes[0].ExistingName)
	assert.Equal(t, StatusCreated, report.Indexes[1].Status)
}

func TestRun_CollectionCreatedConcurrently(t *testing.T) {
	layout := schema.DefaultLayout()
	db := newMockSchemaDatabase(testDatabase)
	session := newSession(db)

	db.On("ListCollectionNames", mock.Anything, mock.Anything).Return([]string{}, nil).Once()
	for _, name := range layout.Collections {
		if name == schema.CollectionSensors {
			db.On("CreateCollection", mock.Anything, name).
				Return(storage.WrapError(storage.ErrCollectionExists,
					mongo.CommandError{Code: 48, Name: "NamespaceExists"}, testDatabase+"."+name)).Once()
			continue
		}
		db.On("CreateCollection", mock.Anything, name).Return(nil).Once()
	}
	expectFreshIndexes(db, layout)

	report, err := newTestBootstrapper(t, session, config.ExistingPolicySkip).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusExisting, report.Collections[2].Status)
	assert.Equal(t, StatusCreated, report.Collections[3].Status)
}

func TestRun_FailPolicyExistingCollection(t *testing.T) {
	db := newMockSchemaDatabase(testDatabase)
	session := newSession(db)
	db.On("ListCollectionNames", mock.Anything, mock.Anything).Return([]string{schema.CollectionUsers}, nil).Once()

	failuresBefore := testutil.ToFloat64(metrics.BootstrapFailures.WithLabelValues("collection_exists"))

	report, err := newTestBootstrapper(t, session, config.ExistingPolicyFail).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrCollectionExists)
	assert.Contains(t, err.Error(), "smart_house_db.users")
	assert.Empty(t, report.Collections)

	db.AssertNotCalled(t, "CreateCollection", mock.Anything, mock.Anything)
	assert.Equal(t, failuresBefore+1, testutil.ToFloat64(metrics.BootstrapFailures.WithLabelValues("collection_exists")))
}

func TestRun_FailPolicyLaterCollectionExists(t *testing.T) {
	db := newMockSchemaDatabase(testDatabase)
	session := newSession(db)
	db.On("ListCollectionNames", mock.Anything, mock.Anything).Return([]string{schema.CollectionEvents}, nil).Once()
	db.On("CreateCollection", mock.Anything, mock.Anything).Return(nil)

	report, err := newTestBootstrapper(t, session, config.ExistingPolicyFail).Run(context.Background())
	require.ErrorIs(t, err, storage.ErrCollectionExists)

	// No rollback: the three collections before events stay created
	require.Len(t, report.Collections, 3)
	db.AssertNumberOfCalls(t, "CreateCollection", 3)
	db.AssertNotCalled(t, "CreateCollection", mock.Anything, schema.CollectionAutomations)
}

func TestRun_FailPolicyExistingIndex(t *testing.T) {
	layout := schema.DefaultLayout()
	db := newMockSchemaDatabase(testDatabase)
	session := newSession(db)
	expectFreshCollections(db, layout)

	db.view(schema.CollectionUsers).On("List", mock.Anything).Return([]storage.IndexDocument{
		idIndex(),
		{Name: "users_email_unique", Key: bson.D{{Key: "email", Value: int32(1)}}, Unique: true},
	}, nil).Once()

	report, err := newTestBootstrapper(t, session, config.ExistingPolicyFail).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrIndexConflict)
	assert.Contains(t, err.Error(), "already exists")
	assert.Len(t, report.Collections, 6)
	assert.Empty(t, report.Indexes)
}

func TestRun_UniquenessMismatch(t *testing.T) {
	for _, policy := range []config.ExistingPolicy{config.ExistingPolicySkip, config.ExistingPolicyFail} {
		t.Run(string(policy), func(t *testing.T) {
			layout := schema.DefaultLayout()
			db := newMockSchemaDatabase(testDatabase)
			session := newSession(db)
			expectFreshCollections(db, layout)

			db.view(schema.CollectionUsers).On("List", mock.Anything).Return([]storage.IndexDocument{
				idIndex(),
				{Name: "email_1", Key: bson.D{{Key: "email", Value: int32(1)}}},
			}, nil).Once()

			_, err := newTestBootstrapper(t, session, policy).Run(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, storage.ErrIndexConflict)
			assert.Contains(t, err.Error(), "unique=false, want unique=true")
		})
	}
}

func TestRun_RestrictedIndexConflicts(t *testing.T) {
	restricted := []storage.IndexDocument{
		{Name: "email_sparse", Key: bson.D{{Key: "email", Value: int32(1)}}, Unique: true, Sparse: true},
		{Name: "email_partial", Key: bson.D{{Key: "email", Value: int32(1)}}, Unique: true,
			PartialFilterExpression: rawDocument(bson.D{{Key: "active", Value: true}})},
	}

	for _, existing := range restricted {
		for _, policy := range []config.ExistingPolicy{config.ExistingPolicySkip, config.ExistingPolicyFail} {
			t.Run(existing.Name+"/"+string(policy), func(t *testing.T) {
				layout := schema.DefaultLayout()
				db := newMockSchemaDatabase(testDatabase)
				session := newSession(db)
				expectFreshCollections(db, layout)

				users := db.view(schema.CollectionUsers)
				users.On("List", mock.Anything).Return([]storage.IndexDocument{idIndex(), existing}, nil).Once()

				_, err := newTestBootstrapper(t, session, policy).Run(context.Background())
				require.Error(t, err)
				assert.ErrorIs(t, err, storage.ErrIndexConflict)
				assert.Contains(t, err.Error(), existing.RestrictingOptions()[0])
				users.AssertNotCalled(t, "CreateOne", mock.Anything, mock.Anything)
			})
		}
	}
}

func TestRun_DescendingIndexDoesNotMatchAscending(t *testing.T) {
	layout := schema.DefaultLayout()
	db := newMockSchemaDatabase(testDatabase)
	session := newSession(db)
	expectFreshCollections(db, layout)

	for _, spec := range layout.Indexes {
		view := db.view(spec.Collection)
		existing := []storage.IndexDocument{idIndex()}
		if spec.Collection == schema.CollectionEvents {
			existing = append(existing, storage.IndexDocument{Name: "timestamp_1", Key: bson.D{{Key: "timestamp", Value: int32(1)}}})
		}
		view.On("List", mock.Anything).Return(existing, nil).Once()
		view.On("CreateOne", mock.Anything, modelNamed(spec.Name)).Return(spec.Name, nil).Once()
	}

	report, err := newTestBootstrapper(t, session, config.ExistingPolicySkip).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, report.Indexes[3].Status)
}

func TestRun_IndexBuildConflictAborts(t *testing.T) {
	layout := schema.DefaultLayout()
	db := newMockSchemaDatabase(testDatabase)
	session := newSession(db)
	expectFreshCollections(db, layout)

	users := db.view(schema.CollectionUsers)
	users.On("List", mock.Anything).Return([]storage.IndexDocument{idIndex()}, nil).Once()
	users.On("CreateOne", mock.Anything, modelNamed("users_email_unique")).
		Return("", storage.WrapError(storage.ErrIndexConflict,
			mongo.CommandError{Code: 11000, Name: "DuplicateKey", Message: "E11000 duplicate key error"}, "smart_house_db.users")).Once()

	failuresBefore := testutil.ToFloat64(metrics.BootstrapFailures.WithLabelValues("index_conflict"))

	report, err := newTestBootstrapper(t, session, config.ExistingPolicySkip).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrIndexConflict)
	assert.True(t, mongo.IsDuplicateKeyError(err))
	assert.Empty(t, report.Indexes)

	db.view(schema.CollectionDevices).AssertNotCalled(t, "List", mock.Anything)
	assert.Equal(t, failuresBefore+1, testutil.ToFloat64(metrics.BootstrapFailures.WithLabelValues("index_conflict")))
}

func TestRun_IndexListError(t *testing.T) {
	layout := schema.DefaultLayout()
	db := newMockSchemaDatabase(testDatabase)
	session := newSession(db)
	expectFreshCollections(db, layout)

	listErr := errors.New("failed to list indexes on smart_house_db.users: connection reset")
	db.view(schema.CollectionUsers).On("List", mock.Anything).Return(nil, listErr).Once()

	_, err := newTestBootstrapper(t, session, config.ExistingPolicySkip).Run(context.Background())
	assert.ErrorIs(t, err, listErr)
}

func TestReport_Counts(t *testing.T) {
	report := &Report{
		Collections: []CollectionResult{
			{Name: "users", Status: StatusCreated},
			{Name: "devices", Status: StatusExisting},
		},
		Indexes: []IndexResult{
			{Name: "users_email_unique", Status: StatusExisting},
		},
	}

	collections, indexes := report.Counts()
	assert.Equal(t, 1, collections)
	assert.Equal(t, 0, indexes)
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("x: %w", storage.ErrAuthentication), "authentication"},
		{fmt.Errorf("x: %w", storage.ErrCollectionExists), "collection_exists"},
		{fmt.Errorf("x: %w", storage.ErrIndexConflict), "index_conflict"},
		{mongo.CommandError{Code: 13, Name: "Unauthorized"}, "unauthorized"},
		{context.DeadlineExceeded, "canceled"},
		{fmt.Errorf("list: %w", context.Canceled), "canceled"},
		{errors.New("boom"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FailureReason(tt.err))
		})
	}
}
