package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"smarthouse/config"
	"smarthouse/storage"

	"go.uber.org/zap"
)

// ConnectOptionsFromConfig maps the mongodb config section to storage options.
func ConnectOptionsFromConfig(cfg *config.Config) storage.ConnectOptions {
	return storage.ConnectOptions{
		URI:            cfg.MongoDB.URI,
		Host:           cfg.MongoDB.Host,
		Port:           cfg.MongoDB.Port,
		AdminDatabase:  cfg.MongoDB.AdminDatabase,
		Username:       cfg.MongoDB.Username,
		Password:       cfg.MongoDB.Password,
		AppName:        cfg.MongoDB.AppName,
		ConnectTimeout: cfg.MongoDB.ConnectTimeout,
	}
}

// InitMongoDB connects to MongoDB with retry logic. The delay doubles after
// every failed attempt. A rejected credential is never retried.
func InitMongoDB(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*storage.MongoDB, error) {
	opts := ConnectOptionsFromConfig(cfg)
	addr := opts.ResolvedURI()
	maxRetries := cfg.MongoDB.ConnectRetries
	delay := cfg.MongoDB.RetryDelay

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			sugar.Infow("Retrying MongoDB connection",
				"attempt", attempt,
				"max_retries", maxRetries,
				"delay", delay)
			if err := sleepContext(ctx, delay); err != nil {
				lastErr = err
				break
			}
			delay *= 2
		}
		attempts++

		db, err := connectOnce(ctx, opts, sugar)
		if err == nil {
			sugar.Infow("Connected to MongoDB successfully", "address", addr, "attempts", attempts)
			return db, nil
		}
		lastErr = err

		sugar.Warnw("MongoDB connection attempt failed",
			"attempt", attempt+1,
			"error", err)

		if storage.IsAuthenticationError(err) || ctx.Err() != nil {
			break
		}
	}

	errMsg := ClassifyConnectionError(lastErr, addr)
	fmt.Fprintf(os.Stderr, "\n========================================\n")
	fmt.Fprintf(os.Stderr, "FATAL: MongoDB Connection Failed\n")
	fmt.Fprintf(os.Stderr, "========================================\n")
	fmt.Fprintf(os.Stderr, "%s\n", errMsg)
	fmt.Fprintf(os.Stderr, "========================================\n\n")
	return nil, fmt.Errorf("failed to connect to MongoDB after %d attempts: %w", attempts, lastErr)
}

// connectOnce builds a client and forces the handshake with a ping
func connectOnce(ctx context.Context, opts storage.ConnectOptions, sugar *zap.SugaredLogger) (*storage.MongoDB, error) {
	db, err := storage.NewMongoDB(ctx, opts, sugar)
	if err != nil {
		return nil, err
	}

	if err := db.HealthCheck(ctx); err != nil {
		_ = db.Close(context.Background())
		if storage.IsAuthenticationError(err) && !errors.Is(err, storage.ErrAuthentication) {
			return nil, storage.WrapError(storage.ErrAuthentication, err, "")
		}
		return nil, err
	}

	return db, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
