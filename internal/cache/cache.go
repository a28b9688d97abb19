// Package cache provides the TTL-bound artifact cache that short-circuits
// repeated generation requests. Caching is an optimization: every backend
// failure degrades to a miss, never to a pipeline failure.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Cache is the keyed TTL store contract. Implementations must tolerate
// concurrent access from independent sessions; the last Put to complete
// for a fingerprint is authoritative.
type Cache interface {
	// Get returns the stored value and whether it was present and unexpired.
	Get(ctx context.Context, fingerprint string) ([]byte, bool, error)
	// Put stores value under fingerprint, overwriting any previous value
	// and resetting the TTL.
	Put(ctx context.Context, fingerprint string, value []byte, ttl time.Duration) error
	// Delete removes the entry if present.
	Delete(ctx context.Context, fingerprint string) error
}

// Fingerprint derives the deterministic cache key for a request. Kind
// separates the namespaces (chat, generate-app, debug, docs); the input is
// normalized so incidental whitespace differences map to the same key.
func Fingerprint(kind, input string) string {
	normalized := strings.Join(strings.Fields(input), " ")
	sum := sha256.Sum256([]byte(kind + "\x00" + normalized))
	return kind + ":" + hex.EncodeToString(sum[:])
}

// Fallible wraps a backend so that backend errors turn into misses and
// dropped writes. A nil inner cache always misses.
type Fallible struct {
	inner  Cache
	logger *zap.Logger
}

// NewFallible builds the degrading wrapper.
func NewFallible(inner Cache, logger *zap.Logger) *Fallible {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallible{inner: inner, logger: logger}
}

// Get degrades any backend failure to a miss.
func (f *Fallible) Get(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	if f.inner == nil {
		return nil, false, nil
	}
	value, ok, err := f.inner.Get(ctx, fingerprint)
	if err != nil {
		f.logger.Warn("cache get degraded to miss",
			zap.String("fingerprint", fingerprint), zap.Error(err))
		return nil, false, nil
	}
	return value, ok, nil
}

// Put drops the write on backend failure.
func (f *Fallible) Put(ctx context.Context, fingerprint string, value []byte, ttl time.Duration) error {
	if f.inner == nil {
		return nil
	}
	if err := f.inner.Put(ctx, fingerprint, value, ttl); err != nil {
		f.logger.Warn("cache put dropped",
			zap.String("fingerprint", fingerprint), zap.Error(err))
	}
	return nil
}

// Delete ignores backend failure.
func (f *Fallible) Delete(ctx context.Context, fingerprint string) error {
	if f.inner == nil {
		return nil
	}
	if err := f.inner.Delete(ctx, fingerprint); err != nil {
		f.logger.Warn("cache delete dropped",
			zap.String("fingerprint", fingerprint), zap.Error(err))
	}
	return nil
}
