package storage

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// IndexDocument is one entry of a listIndexes result
type IndexDocument struct {
	Name                    string        `bson:"name"`
	Key                     bson.D        `bson:"key"`
	Unique                  bool          `bson:"unique,omitempty"`
	Sparse                  bool          `bson:"sparse,omitempty"`
	PartialFilterExpression bson.Raw      `bson:"partialFilterExpression,omitempty"`
	Collation               bson.Raw      `bson:"collation,omitempty"`
	ExpireAfterSeconds      bson.RawValue `bson:"expireAfterSeconds,omitempty"`
}

// RestrictingOptions lists the options that limit which documents the index
// covers or keeps. listIndexes omits a collation for the simple one.
func (d IndexDocument) RestrictingOptions() []string {
	var opts []string
	if d.Sparse {
		opts = append(opts, "sparse")
	}
	if len(d.PartialFilterExpression) > 0 {
		opts = append(opts, "partialFilterExpression")
	}
	if len(d.Collation) > 0 {
		opts = append(opts, "collation")
	}
	if d.ExpireAfterSeconds.Type != 0 {
		opts = append(opts, "expireAfterSeconds")
	}
	return opts
}

// IndexView interface for mocking
type IndexView interface {
	List(ctx context.Context) ([]IndexDocument, error)
	CreateOne(ctx context.Context, model mongo.IndexModel) (string, error)
}

// SchemaDatabase interface for mocking
type SchemaDatabase interface {
	Name() string
	ListCollectionNames(ctx context.Context, filter interface{}, opts ...*options.ListCollectionsOptions) ([]string, error)
	CreateCollection(ctx context.Context, name string) error
	Indexes(collection string) IndexView
}

// mongoSchemaDatabase adapts *mongo.Database to SchemaDatabase
type mongoSchemaDatabase struct {
	db *mongo.Database
}

func (m *mongoSchemaDatabase) Name() string {
	return m.db.Name()
}

func (m *mongoSchemaDatabase) ListCollectionNames(ctx context.Context, filter interface{}, opts ...*options.ListCollectionsOptions) ([]string, error) {
	return m.db.ListCollectionNames(ctx, filter, opts...)
}

func (m *mongoSchemaDatabase) CreateCollection(ctx context.Context, name string) error {
	err := m.db.CreateCollection(ctx, name)
	if err == nil {
		return nil
	}
	if IsNamespaceExists(err) {
		return WrapError(ErrCollectionExists, err, m.db.Name()+"."+name)
	}
	return fmt.Errorf("failed to create collection %s.%s: %w", m.db.Name(), name, err)
}

func (m *mongoSchemaDatabase) Indexes(collection string) IndexView {
	return &mongoIndexView{
		namespace: m.db.Name() + "." + collection,
		view:      m.db.Collection(collection).Indexes(),
	}
}

// mongoIndexView adapts mongo.IndexView to IndexView
type mongoIndexView struct {
	namespace string
	view      mongo.IndexView
}

func (m *mongoIndexView) List(ctx context.Context) ([]IndexDocument, error) {
	cursor, err := m.view.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes on %s: %w", m.namespace, err)
	}
	defer cursor.Close(ctx)

	indexes := make([]IndexDocument, 0)
	if err := cursor.All(ctx, &indexes); err != nil {
		return nil, fmt.Errorf("failed to decode indexes on %s: %w", m.namespace, err)
	}
	return indexes, nil
}

func (m *mongoIndexView) CreateOne(ctx context.Context, model mongo.IndexModel) (string, error) {
	name, err := m.view.CreateOne(ctx, model)
	if err == nil {
		return name, nil
	}
	if IsIndexConflict(err) {
		return "", WrapError(ErrIndexConflict, err, m.namespace)
	}
	return "", fmt.Errorf("failed to create index on %s: %w", m.namespace, err)
}

// ConnectOptions describes how to reach and authenticate against the server
type ConnectOptions struct {
	// URI overrides Host/Port when set
	URI            string
	Host           string
	Port           int
	AdminDatabase  string
	Username       string
	Password       string
	AppName        string
	ConnectTimeout time.Duration
}

// ResolvedURI returns the connection string, built from Host/Port when URI is empty.
// Credentials are never embedded in the URI.
func (o ConnectOptions) ResolvedURI() string {
	if o.URI != "" {
		return o.URI
	}
	return "mongodb://" + net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// clientOptions builds driver options; the credential is scoped to the admin database
func (o ConnectOptions) clientOptions() *options.ClientOptions {
	opts := options.Client().ApplyURI(o.ResolvedURI())
	if o.AppName != "" {
		opts.SetAppName(o.AppName)
	}
	if o.ConnectTimeout > 0 {
		opts.SetConnectTimeout(o.ConnectTimeout)
		opts.SetServerSelectionTimeout(o.ConnectTimeout)
	}
	if o.Username != "" {
		opts.SetAuth(options.Credential{
			AuthSource: o.AdminDatabase,
			Username:   o.Username,
			Password:   o.Password,
		})
	}
	return opts
}

// MongoDB holds the MongoDB client and the administrative database
type MongoDB struct {
	Client *mongo.Client
	Admin  *mongo.Database

	closeOnce sync.Once
	closed    bool
	mu        sync.RWMutex
	logger    *zap.SugaredLogger
}

// NewMongoDB creates a new MongoDB client. No credential is exchanged until
// Authenticate or the first command runs.
func NewMongoDB(ctx context.Context, opts ConnectOptions, logger *zap.SugaredLogger) (*MongoDB, error) {
	if opts.AdminDatabase == "" {
		opts.AdminDatabase = "admin"
	}

	client, err := mongo.Connect(ctx, opts.clientOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	return &MongoDB{
		Client: client,
		Admin:  client.Database(opts.AdminDatabase),
		logger: logger,
	}, nil
}

// Authenticate runs ping against the admin database, which forces the
// connection handshake and credential exchange.
func (m *MongoDB) Authenticate(ctx context.Context) error {
	if m.isClosed() {
		return ErrDatabaseClosed
	}

	err := m.Admin.RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err()
	if err == nil {
		m.logger.Infow("Authenticated against MongoDB", "auth_database", m.Admin.Name())
		return nil
	}
	if IsAuthenticationError(err) {
		return WrapError(ErrAuthentication, err, fmt.Sprintf("%q database", m.Admin.Name()))
	}
	return fmt.Errorf("failed to ping MongoDB: %w", err)
}

// ServerVersion returns the server's reported version string
func (m *MongoDB) ServerVersion(ctx context.Context) (string, error) {
	if m.isClosed() {
		return "", ErrDatabaseClosed
	}

	var info struct {
		Version string `bson:"version"`
	}
	if err := m.Admin.RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&info); err != nil {
		return "", fmt.Errorf("failed to read server build info: %w", err)
	}
	return info.Version, nil
}

// SchemaDatabase switches to the named application database on the same client
func (m *MongoDB) SchemaDatabase(name string) SchemaDatabase {
	return &mongoSchemaDatabase{db: m.Client.Database(name)}
}

// HealthCheck performs a health check on the MongoDB connection
func (m *MongoDB) HealthCheck(ctx context.Context) error {
	if m.isClosed() {
		return ErrDatabaseClosed
	}
	return m.Client.Ping(ctx, nil)
}

// Close closes the MongoDB connection
func (m *MongoDB) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		err = m.Client.Disconnect(ctx)
	})
	return err
}

func (m *MongoDB) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
