// Package storage holds partition records in memory for a replica process.
// Records are JSON-like values; the store copies them on the way in and out
// so callers never share mutable state with it.
package storage
