package cache

import (
	"sort"
	"strings"
)

// keySeparator delimits path segments inside a CacheKey.
const keySeparator = "."

// CacheKey identifies one normalized record, e.g. "Dog:123" or "Query.allAnimals.0".
type CacheKey string

// String returns the key as a plain string.
func (k CacheKey) String() string {
	return string(k)
}

// Matches reports whether pattern is a segment-aligned prefix of k.
// "Query.allAnimals" matches "Query.allAnimals" and "Query.allAnimals.0"
// but not "Query.allAnimalsCount".
func (k CacheKey) Matches(pattern CacheKey) bool {
	if k == pattern {
		return true
	}
	return strings.HasPrefix(string(k), string(pattern)+keySeparator)
}

// Append returns a child key one segment below k.
func (k CacheKey) Append(segment string) CacheKey {
	if k == "" {
		return CacheKey(segment)
	}
	return CacheKey(string(k) + keySeparator + segment)
}

// KeySet is an unordered set of cache keys.
type KeySet map[CacheKey]struct{}

// NewKeySet creates a set holding keys.
func NewKeySet(keys ...CacheKey) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Add inserts key into the set.
func (s KeySet) Add(key CacheKey) {
	s[key] = struct{}{}
}

// Has reports whether key is in the set.
func (s KeySet) Has(key CacheKey) bool {
	_, ok := s[key]
	return ok
}

// Len returns the number of keys.
func (s KeySet) Len() int {
	return len(s)
}

// Union adds every key of other to s.
func (s KeySet) Union(other KeySet) {
	for k := range other {
		s[k] = struct{}{}
	}
}

// Sorted returns the keys in lexical order.
func (s KeySet) Sorted() []CacheKey {
	keys := make([]CacheKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
