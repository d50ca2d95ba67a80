// Package replicastub is a minimal replica process for local runs and
// integration tests. It serves the records of its partitions over UDP in
// reply to export requests and does nothing else.
package replicastub
