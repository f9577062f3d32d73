// Package ratelimit limits outbound sends per channel and target over a
// trailing 60 second window.
//
// With a Redis client the window is a sorted set per key, updated in one
// MULTI/EXEC: drop expired entries, add this send, count, read the oldest,
// refresh the TTL. Any Redis error falls back to an in-process window so an
// outage degrades to per-process limits instead of blocking sends.
package ratelimit
