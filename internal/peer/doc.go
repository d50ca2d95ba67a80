// Package peer fetches partition data over UDP, either from every peer
// replica manager at once (broadcast) or from the local replica process that
// owns a partition (unicast). Every request uses its own socket.
package peer
