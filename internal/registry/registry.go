package registry

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/exp/slices"
)

// NotFoundPort is returned by Port for partition codes that are not registered.
const NotFoundPort = -1

// Replica is one supervised partition server. Name, Code, Port and Path are
// immutable; the failure counter is guarded by the replica's own mutex so
// reports against different partitions never contend.
type Replica struct {
	Name string
	Code string
	Port int
	Path string

	mu       sync.Mutex
	failures int
}

// NewReplica creates a replica entry with a zero failure counter.
func NewReplica(name, code string, port int, path string) *Replica {
	return &Replica{
		Name: name,
		Code: code,
		Port: port,
		Path: path,
	}
}

// IncrementFailures adds one failure and returns the new count.
func (r *Replica) IncrementFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	return r.failures
}

// ResetFailures sets the failure counter to zero.
func (r *Replica) ResetFailures() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = 0
}

// Failures returns the current failure count.
func (r *Replica) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// Peer is another replica manager in the network.
type Peer struct {
	Addr string
	Port int
}

// String returns the host:port form of the peer address.
func (p Peer) String() string {
	return net.JoinHostPort(p.Addr, strconv.Itoa(p.Port))
}

// Registry maps partition codes to replicas and lists peer replica managers.
// The set of entries is fixed at construction; only the per-replica
// counters change afterwards.
type Registry struct {
	replicas map[string]*Replica
	codes    []string
	peers    []Peer
}

// New builds a registry. Partition codes must be unique and non-empty.
func New(replicas []*Replica, peers []Peer) (*Registry, error) {
	r := &Registry{
		replicas: make(map[string]*Replica, len(replicas)),
		codes:    make([]string, 0, len(replicas)),
		peers:    append([]Peer(nil), peers...),
	}

	for _, rep := range replicas {
		if rep == nil || rep.Code == "" {
			return nil, fmt.Errorf("replica code cannot be empty")
		}
		if _, exists := r.replicas[rep.Code]; exists {
			return nil, fmt.Errorf("duplicate replica code: %s", rep.Code)
		}
		r.replicas[rep.Code] = rep
		r.codes = append(r.codes, rep.Code)
	}
	slices.Sort(r.codes)

	return r, nil
}

// Replica returns the replica registered under code.
func (r *Registry) Replica(code string) (*Replica, bool) {
	rep, ok := r.replicas[code]
	return rep, ok
}

// Port returns the UDP port of the replica registered under code, or
// NotFoundPort.
func (r *Registry) Port(code string) int {
	rep, ok := r.replicas[code]
	if !ok {
		return NotFoundPort
	}
	return rep.Port
}

// Codes returns all registered partition codes in sorted order.
func (r *Registry) Codes() []string {
	return slices.Clone(r.codes)
}

// Peers returns a copy of the peer replica managers.
func (r *Registry) Peers() []Peer {
	return slices.Clone(r.peers)
}
