// Package quorum collects responses to a fanned-out request until enough
// have arrived or a deadline passes, and validates the result against the
// required count.
package quorum
