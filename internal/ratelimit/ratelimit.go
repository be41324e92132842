// Package ratelimit provides a pluggable rate limiting interface.
//
// Ingestion traffic is limited per project API key; auth endpoints are
// limited per client IP. The in-memory token bucket covers a single
// instance; a Redis-backed implementation can substitute behind the
// Limiter interface for multi-replica deployments.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque — callers construct it (e.g. "project:<uuid>" or
	// "ip:<addr>"). Returning an error signals a limiter malfunction;
	// callers should treat errors as fail-open rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// ProjectKey builds the ingestion rate-limit key for a project.
func ProjectKey(projectID string) string { return "project:" + projectID }

// IPKey builds the auth rate-limit key for a client address.
func IPKey(addr string) string { return "ip:" + addr }
