package bootstrap

import (
	"context"

	"smarthouse/storage"

	"github.com/stretchr/testify/mock"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MockSession is a mock implementation of Session
type MockSession struct {
	mock.Mock
}

func (m *MockSession) Authenticate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSession) SchemaDatabase(name string) storage.SchemaDatabase {
	args := m.Called(name)
	return args.Get(0).(storage.SchemaDatabase)
}

// MockSchemaDatabase is a mock implementation of storage.SchemaDatabase
type MockSchemaDatabase struct {
	mock.Mock
	name    string
	indexes map[string]*MockIndexView
}

func newMockSchemaDatabase(name string) *MockSchemaDatabase {
	return &MockSchemaDatabase{name: name, indexes: make(map[string]*MockIndexView)}
}

func (m *MockSchemaDatabase) Name() string {
	return m.name
}

func (m *MockSchemaDatabase) ListCollectionNames(ctx context.Context, filter interface{}, opts ...*options.ListCollectionsOptions) ([]string, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockSchemaDatabase) CreateCollection(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockSchemaDatabase) Indexes(collection string) storage.IndexView {
	view, ok := m.indexes[collection]
	if !ok {
		view = &MockIndexView{}
		m.indexes[collection] = view
	}
	return view
}

// view returns the index view mock for a collection so tests can set expectations
func (m *MockSchemaDatabase) view(collection string) *MockIndexView {
	return m.Indexes(collection).(*MockIndexView)
}

// MockIndexView is a mock implementation of storage.IndexView
type MockIndexView struct {
	mock.Mock
}

func (m *MockIndexView) List(ctx context.Context) ([]storage.IndexDocument, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]storage.IndexDocument), args.Error(1)
}

func (m *MockIndexView) CreateOne(ctx context.Context, model mongo.IndexModel) (string, error) {
	args := m.Called(ctx, model)
	return args.String(0), args.Error(1)
}
