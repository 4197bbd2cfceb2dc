// Package results stores the final value of each converged collection.
//
// A result is written once and never changes. Absence means the collection
// has not converged yet (or was never ingested).
package results

import (
	"context"
	"errors"

	"github.com/pithecene-io/sluice/types"
)

// ErrNotFound indicates no result exists for the collection.
var ErrNotFound = errors.New("result not found")

// Store persists results.
type Store interface {
	// PutIfAbsent writes r unless a result for the collection exists.
	// created reports whether this call wrote it.
	PutIfAbsent(ctx context.Context, r *types.Result) (created bool, err error)

	// Get returns the result or ErrNotFound.
	Get(ctx context.Context, collectionID string) (*types.Result, error)

	// Close releases resources.
	Close() error
}

// Backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendFS     = "fs"
	BackendS3     = "s3"
)
