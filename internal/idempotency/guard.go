// Package idempotency deduplicates retried mutating requests identified by a
// client-supplied key, replaying the originally cached response instead of
// re-executing the operation.
package idempotency

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	minKeyLength = 16
	maxKeyLength = 255

	// DefaultRetention is how long a cached response stays replayable.
	DefaultRetention = 24 * time.Hour
)

// Guard-level error values.
var (
	ErrInvalidKey = errors.New("invalid idempotency key")
	ErrMissingKey = errors.New("missing idempotency key")
	// ErrDuplicateKey is returned by stores whose unique constraint rejects a
	// concurrent insert for the same key.
	ErrDuplicateKey = errors.New("duplicate idempotency key")
)

// Response is the cached HTTP-equivalent outcome of a guarded operation.
type Response struct {
	StatusCode int
	Body       []byte
}

// Record is one persisted idempotency entry: at most one per key.
type Record struct {
	Key            string
	StatusCode     int
	Body           []byte
	CreatedUnixUTC int64
}

// Store persists idempotency records. Put must enforce at-most-one record
// per key (unique constraint), failing with ErrDuplicateKey for the loser of
// a concurrent insert.
type Store interface {
	GetRecord(ctx context.Context, key string) (Record, bool, error)
	PutRecord(ctx context.Context, record Record) error
	PurgeRecordsBefore(ctx context.Context, cutoffUnixUTC int64) error
}

// Option configures a Guard.
type Option func(*Guard)

// WithRetention overrides the cache retention window.
func WithRetention(retention time.Duration) Option {
	return func(guard *Guard) {
		if retention > 0 {
			guard.retention = retention
		}
	}
}

// WithRequireKey switches the guard to strict mode: requests without a key
// are rejected instead of passing through.
func WithRequireKey(require bool) Option {
	return func(guard *Guard) {
		guard.requireKey = require
	}
}

// WithLogger wires a zap logger for degraded-mode warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(guard *Guard) {
		if logger != nil {
			guard.logger = logger
		}
	}
}

// Guard wraps mutating operations with replay protection.
type Guard struct {
	store      Store
	nowFn      func() int64
	retention  time.Duration
	requireKey bool
	logger     *zap.Logger
}

// NewGuard wires a Guard.
func NewGuard(store Store, now func() int64, options ...Option) (*Guard, error) {
	if store == nil {
		return nil, errors.New("idempotency store dependency is nil")
	}
	if now == nil {
		return nil, errors.New("clock dependency is nil")
	}
	guard := &Guard{
		store:     store,
		nowFn:     now,
		retention: DefaultRetention,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(guard)
		}
	}
	return guard, nil
}

// IsValidKey reports whether key is a non-empty string with length in
// [16, 255].
func IsValidKey(key string) bool {
	return len(key) >= minKeyLength && len(key) <= maxKeyLength
}

// Execute runs operation at most once per key. A missing key passes through
// without protection (warned, configurable to strict rejection); a valid key
// with a live cached record short-circuits to the cached response. The
// second return value reports whether the response was replayed from cache.
func (guard *Guard) Execute(ctx context.Context, key string, operation func(ctx context.Context) (Response, error)) (Response, bool, error) {
	if key == "" {
		if guard.requireKey {
			return Response{}, false, ErrMissingKey
		}
		guard.logger.Warn("mutating request without idempotency key, executing unprotected")
		response, err := operation(ctx)
		return response, false, err
	}
	if !IsValidKey(key) {
		return Response{}, false, ErrInvalidKey
	}

	nowUnixUTC := guard.nowFn()
	cutoffUnixUTC := nowUnixUTC - int64(guard.retention.Seconds())
	record, found, err := guard.store.GetRecord(ctx, key)
	if err != nil {
		return Response{}, false, err
	}
	if found && record.CreatedUnixUTC > cutoffUnixUTC {
		return Response{StatusCode: record.StatusCode, Body: record.Body}, true, nil
	}

	response, err := operation(ctx)
	if err != nil {
		return Response{}, false, err
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		if err := guard.cacheResponse(ctx, key, response, nowUnixUTC, cutoffUnixUTC); err != nil {
			return Response{}, false, err
		}
	}
	return response, false, nil
}

// cacheResponse purges expired records lazily on write, then persists the
// fresh record. Losing a concurrent insert race is benign: the winner's
// record is authoritative and future replays return it.
func (guard *Guard) cacheResponse(ctx context.Context, key string, response Response, nowUnixUTC int64, cutoffUnixUTC int64) error {
	if err := guard.store.PurgeRecordsBefore(ctx, cutoffUnixUTC); err != nil {
		return err
	}
	err := guard.store.PutRecord(ctx, Record{
		Key:            key,
		StatusCode:     response.StatusCode,
		Body:           response.Body,
		CreatedUnixUTC: nowUnixUTC,
	})
	if errors.Is(err, ErrDuplicateKey) {
		return nil
	}
	return err
}
