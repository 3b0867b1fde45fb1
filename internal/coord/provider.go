package coord

import (
	"context"
	"errors"
	"time"
)

// Provider defines the minimal key-value operations the coordination store
// needs from a durable backend. Every key carries a TTL so an unclean
// restart cannot leave permanently stale state.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrKeyMiss signals that a coordination key was not found or has expired.
var ErrKeyMiss = errors.New("coordination key miss")

// NoopProvider implements Provider but never stores data. It keeps the
// control loops running when no durable backend is configured.
type NoopProvider struct{}

// Get always returns ErrKeyMiss.
func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrKeyMiss
}

// Set discards the value and returns nil.
func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// SetNX pretends to store the value and reports success, so single-engine
// deployments never block on a claim.
func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

// Del is a no-op.
func (NoopProvider) Del(context.Context, string) error { return nil }

// Close is a no-op.
func (NoopProvider) Close() error { return nil }
