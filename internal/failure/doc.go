// Package failure implements the replica manager's failure detection.
//
// Two independent breakers are kept:
// - per replica: consecutive front-end failures, reset by any success;
// - system wide: consecutive failures across an external sequence space.
//
// Neither decays with time. Only an explicit success or reset clears them.
package failure
