// Package registry holds the catalog of supervised replicas, keyed by
// partition code, and the list of peer replica managers.
package registry
