// Package manager implements the replica manager's request handling: a UDP
// listener feeding a bounded queue, a fixed pool of workers, and the
// dispatcher that maps each operation onto the failure detector, the
// supervisor and the peer fetch client.
package manager
