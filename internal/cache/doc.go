// Package cache provides a normalized record cache for GraphQL responses.
// Records are flat field maps addressed by CacheKey and linked to each other by
// reference values. Storage is split into tiers (memory, disk, SQLite) that can be
// composed into a Chain, and every merge reports exactly which keys changed.
package cache
