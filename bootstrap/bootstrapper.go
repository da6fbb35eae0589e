package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"smarthouse/config"
	"smarthouse/metrics"
	"smarthouse/schema"
	"smarthouse/storage"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Session is an authenticated connection that hands out database handles.
// *storage.MongoDB satisfies it.
type Session interface {
	Authenticate(ctx context.Context) error
	SchemaDatabase(name string) storage.SchemaDatabase
}

// Status is the outcome for one collection or index
type Status string

const (
	StatusCreated  Status = "created"
	StatusExisting Status = "existing"
)

// CollectionResult records what happened to one collection
type CollectionResult struct {
	Name   string `json:"name" yaml:"name"`
	Status Status `json:"status" yaml:"status"`
}

// IndexResult records what happened to one index
type IndexResult struct {
	Name       string `json:"name" yaml:"name"`
	Collection string `json:"collection" yaml:"collection"`
	Keys       string `json:"keys" yaml:"keys"`
	Unique     bool   `json:"unique" yaml:"unique"`
	Status     Status `json:"status" yaml:"status"`
	// ExistingName is set when an equivalent index was found under another name
	ExistingName string `json:"existing_name,omitempty" yaml:"existing_name,omitempty"`
}

// Report summarises one bootstrap run. On failure it holds the steps
// completed before the error.
type Report struct {
	RunID       string                `json:"run_id" yaml:"run_id"`
	Database    string                `json:"database" yaml:"database"`
	Policy      config.ExistingPolicy `json:"policy" yaml:"policy"`
	Collections []CollectionResult    `json:"collections" yaml:"collections"`
	Indexes     []IndexResult         `json:"indexes" yaml:"indexes"`
	StartedAt   time.Time             `json:"started_at" yaml:"started_at"`
	Duration    time.Duration         `json:"duration_ns" yaml:"duration"`
}

// Counts returns how many collections and indexes were created by this run
func (r *Report) Counts() (collections, indexes int) {
	for _, c := range r.Collections {
		if c.Status == StatusCreated {
			collections++
		}
	}
	for _, i := range r.Indexes {
		if i.Status == StatusCreated {
			indexes++
		}
	}
	return collections, indexes
}

// Options configures a Bootstrapper
type Options struct {
	Database string
	Policy   config.ExistingPolicy
}

// Bootstrapper authenticates a session and brings the target database to the layout
type Bootstrapper struct {
	session Session
	layout  schema.Layout
	opts    Options
	logger  *zap.SugaredLogger
}

// NewBootstrapper validates the layout and options. An empty policy means skip.
func NewBootstrapper(session Session, layout schema.Layout, opts Options, logger *zap.SugaredLogger) (*Bootstrapper, error) {
	if session == nil {
		return nil, errors.New("session is required")
	}
	if opts.Database == "" {
		return nil, errors.New("target database name is required")
	}
	switch opts.Policy {
	case "":
		opts.Policy = config.ExistingPolicySkip
	case config.ExistingPolicySkip, config.ExistingPolicyFail:
	default:
		return nil, fmt.Errorf("unknown existing policy %q", opts.Policy)
	}
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Bootstrapper{
		session: session,
		layout:  layout,
		opts:    opts,
		logger:  logger,
	}, nil
}

// Run authenticates, then ensures every collection and index in layout order.
// The first error aborts the run; nothing already created is undone.
func (b *Bootstrapper) Run(ctx context.Context) (report *Report, err error) {
	report = &Report{
		RunID:       uuid.NewString(),
		Database:    b.opts.Database,
		Policy:      b.opts.Policy,
		Collections: make([]CollectionResult, 0, len(b.layout.Collections)),
		Indexes:     make([]IndexResult, 0, len(b.layout.Indexes)),
		StartedAt:   time.Now(),
	}
	logger := b.logger.With("run_id", report.RunID, "database", b.opts.Database)

	defer func() {
		report.Duration = time.Since(report.StartedAt)
		metrics.BootstrapDuration.Set(report.Duration.Seconds())
		if err != nil {
			metrics.BootstrapFailures.WithLabelValues(FailureReason(err)).Inc()
			logger.Errorw("Bootstrap failed", "error", err, "duration", report.Duration)
			return
		}
		metrics.LastSuccess.SetToCurrentTime()
	}()

	logger.Infow("Starting bootstrap", "policy", b.opts.Policy)

	if err := b.session.Authenticate(ctx); err != nil {
		return report, err
	}

	db := b.session.SchemaDatabase(b.opts.Database)

	if err := b.ensureCollections(ctx, db, report, logger); err != nil {
		return report, err
	}

	for _, spec := range b.layout.Indexes {
		result, err := b.ensureIndex(ctx, db, spec, logger)
		if err != nil {
			return report, err
		}
		report.Indexes = append(report.Indexes, result)
		metrics.IndexesProcessed.WithLabelValues(string(result.Status)).Inc()
	}

	createdCollections, createdIndexes := report.Counts()
	logger.Infow("Bootstrap complete",
		"collections_created", createdCollections,
		"collections_total", len(report.Collections),
		"indexes_created", createdIndexes,
		"indexes_total", len(report.Indexes),
		"duration", time.Since(report.StartedAt))

	return report, nil
}

func (b *Bootstrapper) ensureCollections(ctx context.Context, db storage.SchemaDatabase, report *Report, logger *zap.SugaredLogger) error {
	filter := bson.D{{Key: "name", Value: bson.D{{Key: "$in", Value: b.layout.Collections}}}}
	names, err := db.ListCollectionNames(ctx, filter, options.ListCollections().SetNameOnly(true))
	if err != nil {
		return fmt.Errorf("failed to list collections in %s: %w", db.Name(), err)
	}

	existing := make(map[string]bool, len(names))
	for _, name := range names {
		existing[name] = true
	}

	for _, name := range b.layout.Collections {
		status := StatusCreated
		if existing[name] {
			status = StatusExisting
		} else if err := db.CreateCollection(ctx, name); err != nil {
			if !errors.Is(err, storage.ErrCollectionExists) {
				return err
			}
			// Created by someone else between the listing and now
			status = StatusExisting
		}

		if status == StatusExisting {
			if b.opts.Policy == config.ExistingPolicyFail {
				return fmt.Errorf("%w: %s.%s", storage.ErrCollectionExists, db.Name(), name)
			}
			logger.Infow("Collection already exists, skipping", "collection", name)
		} else {
			logger.Infow("Created collection", "collection", name)
		}

		report.Collections = append(report.Collections, CollectionResult{Name: name, Status: status})
		metrics.CollectionsProcessed.WithLabelValues(string(status)).Inc()
	}

	return nil
}

func (b *Bootstrapper) ensureIndex(ctx context.Context, db storage.SchemaDatabase, spec schema.IndexSpec, logger *zap.SugaredLogger) (IndexResult, error) {
	result := IndexResult{
		Name:       spec.Name,
		Collection: spec.Collection,
		Keys:       spec.KeyString(),
		Unique:     spec.Unique,
	}

	view := db.Indexes(spec.Collection)
	indexes, err := view.List(ctx)
	if err != nil {
		return result, err
	}

	for _, idx := range indexes {
		if !spec.SameKeys(idx.Key) {
			continue
		}
		if idx.Unique != spec.Unique {
			return result, fmt.Errorf("%w: %s.%s already has index %q on (%s) with unique=%t, want unique=%t",
				storage.ErrIndexConflict, db.Name(), spec.Collection, idx.Name, result.Keys, idx.Unique, spec.Unique)
		}
		if restricting := idx.RestrictingOptions(); len(restricting) > 0 {
			return result, fmt.Errorf("%w: %s.%s already has index %q on (%s) with %s",
				storage.ErrIndexConflict, db.Name(), spec.Collection, idx.Name, result.Keys, strings.Join(restricting, ", "))
		}
		if b.opts.Policy == config.ExistingPolicyFail {
			return result, fmt.Errorf("%w: %s.%s index %q on (%s) already exists",
				storage.ErrIndexConflict, db.Name(), spec.Collection, idx.Name, result.Keys)
		}

		result.Status = StatusExisting
		if idx.Name != spec.Name {
			result.ExistingName = idx.Name
		}
		logger.Infow("Index already exists, skipping",
			"collection", spec.Collection,
			"index", idx.Name,
			"keys", result.Keys)
		return result, nil
	}

	name, err := view.CreateOne(ctx, spec.Model())
	if err != nil {
		return result, err
	}

	result.Status = StatusCreated
	logger.Infow("Created index",
		"collection", spec.Collection,
		"index", name,
		"keys", result.Keys,
		"unique", spec.Unique)
	return result, nil
}

// FailureReason maps a run error to the metrics label for failures
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case storage.IsAuthenticationError(err):
		return "authentication"
	case errors.Is(err, storage.ErrCollectionExists):
		return "collection_exists"
	case errors.Is(err, storage.ErrIndexConflict):
		return "index_conflict"
	case storage.IsUnauthorized(err):
		return "unauthorized"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
