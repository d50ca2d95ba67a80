// Package config parses the replica and replica manager lists and holds the
// tunables of a replica manager process.
package config
