package storage

import (
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/x/mongo/driver/auth"
)

// Storage error constants
var (
	// ErrAuthentication is returned when the server rejects the admin credential
	ErrAuthentication = errors.New("authentication failed")

	// ErrCollectionExists is returned when a collection to be created already exists
	ErrCollectionExists = errors.New("collection already exists")

	// ErrIndexConflict is returned when an index cannot be created because an index
	// with conflicting options exists or stored data violates its uniqueness
	ErrIndexConflict = errors.New("index conflict")

	// ErrDatabaseClosed is returned when attempting to use a closed client
	ErrDatabaseClosed = errors.New("database is closed")
)

// classifiedError pairs a storage sentinel with the driver error behind it.
// Unwrap yields the single driver cause so the driver's own helpers
// (mongo.IsDuplicateKeyError, mongo.IsTimeout) still see it.
type classifiedError struct {
	sentinel error
	context  string
	cause    error
}

func (e *classifiedError) Error() string {
	if e.context == "" {
		return fmt.Sprintf("%v: %v", e.sentinel, e.cause)
	}
	return fmt.Sprintf("%v: %s: %v", e.sentinel, e.context, e.cause)
}

func (e *classifiedError) Is(target error) bool {
	return target == e.sentinel
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

// WrapError marks cause with sentinel. errors.Is matches the sentinel and
// errors.As reaches the driver error.
func WrapError(sentinel, cause error, context string) error {
	if cause == nil {
		return sentinel
	}
	return &classifiedError{sentinel: sentinel, context: context, cause: cause}
}

// MongoDB server error codes
const (
	codeUnauthorized          = 13
	codeAuthenticationFailed  = 18
	codeNamespaceExists       = 48
	codeIndexAlreadyExists    = 68
	codeIndexOptionsConflict  = 85
	codeIndexKeySpecsConflict = 86
)

// IsAuthenticationError reports whether err is a rejected credential.
func IsAuthenticationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthentication) {
		return true
	}

	var authErr *auth.Error
	if errors.As(err, &authErr) {
		return true
	}

	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) && serverErr.HasErrorCode(codeAuthenticationFailed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "authentication failed") || strings.Contains(msg, "auth error")
}

// IsUnauthorized reports whether the authenticated user lacks a privilege.
func IsUnauthorized(err error) bool {
	var serverErr mongo.ServerError
	return errors.As(err, &serverErr) && serverErr.HasErrorCode(codeUnauthorized)
}

// IsNamespaceExists reports whether err is the server refusing to create an
// existing collection.
func IsNamespaceExists(err error) bool {
	if err == nil {
		return false
	}
	var serverErr mongo.ServerError
	return errors.As(err, &serverErr) && serverErr.HasErrorCode(codeNamespaceExists)
}

// IsIndexConflict reports whether err is an index build refused because of
// conflicting index options/keys or duplicate values under a unique index.
func IsIndexConflict(err error) bool {
	if err == nil {
		return false
	}
	if mongo.IsDuplicateKeyError(err) {
		return true
	}
	var serverErr mongo.ServerError
	if !errors.As(err, &serverErr) {
		return false
	}
	return serverErr.HasErrorCode(codeIndexOptionsConflict) ||
		serverErr.HasErrorCode(codeIndexKeySpecsConflict) ||
		serverErr.HasErrorCode(codeIndexAlreadyExists)
}
