package peer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"replicamgr/internal/quorum"
	"replicamgr/internal/registry"
	"replicamgr/internal/wire"
)

const (
	// DefaultReplicaTimeout bounds the wait for a local replica's reply.
	DefaultReplicaTimeout = 5 * time.Second

	// DefaultMaxDatagram is the receive buffer size.
	DefaultMaxDatagram = 10000
)

// ErrRejected is returned when a replica answers with the error sentinel.
var ErrRejected = errors.New("request rejected")

// Resolver picks the records to return from the responses of a broadcast
// round, given in arrival order. A nil result means empty.
type Resolver func(responses []wire.Body) any

// FirstResponse returns the records of the earliest response.
func FirstResponse(responses []wire.Body) any {
	if len(responses) == 0 {
		return nil
	}
	rr, _ := responses[0].Records()
	return rr
}

// Options configures a Client. Zero values select the defaults.
type Options struct {
	ReplicaHost    string
	QuorumSize     int
	QuorumTimeout  time.Duration
	ReplicaTimeout time.Duration // 0 waits forever
	MaxDatagram    int
	// CapQuorumAtPeers lowers QuorumSize to the number of peers a round was
	// sent to, so a round ends once every peer has answered.
	CapQuorumAtPeers bool
	Resolver         Resolver
	Logger           *log.Logger
}

// Client issues outbound fetches for the replica manager.
type Client struct {
	reg  *registry.Registry
	opts Options
}

// NewClient creates a client over reg.
func NewClient(reg *registry.Registry, opts Options) *Client {
	if opts.ReplicaHost == "" {
		opts.ReplicaHost = "localhost"
	}
	if opts.QuorumSize <= 0 {
		opts.QuorumSize = quorum.DefaultRequired
	}
	if opts.QuorumTimeout <= 0 {
		opts.QuorumTimeout = quorum.DefaultTimeout
	}
	if opts.MaxDatagram <= 0 {
		opts.MaxDatagram = DefaultMaxDatagram
	}
	if opts.Resolver == nil {
		opts.Resolver = FirstResponse
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Client{reg: reg, opts: opts}
}

// BroadcastImport asks every peer replica manager for the records of code
// and waits for QuorumSize responses or QuorumTimeout, whichever comes
// first. Undecodable and error replies are not counted. With no responses
// the result is nil; with no peers the round still lasts QuorumTimeout.
func (c *Client) BroadcastImport(ctx context.Context, code string) any {
	logger := c.opts.Logger

	peers := c.reg.Peers()
	if len(peers) == 0 {
		logger.Printf("[%s] No peer replica managers configured", code)
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		logger.Printf("[%s] Failed to open broadcast socket: %v", code, err)
		return nil
	}
	defer conn.Close()

	req, err := wire.Marshal(wire.NewRequest(wire.OpPeerRequestsImport, code))
	if err != nil {
		logger.Printf("[%s] Failed to encode import request: %v", code, err)
		return nil
	}

	sent := 0
	for _, p := range peers {
		addr, err := net.ResolveUDPAddr("udp", p.String())
		if err != nil {
			logger.Printf("[%s] Failed to resolve peer %s: %v", code, p, err)
			continue
		}
		if _, err := conn.WriteToUDP(req, addr); err != nil {
			logger.Printf("[%s] Failed to send import request to %s: %v", code, p, err)
			continue
		}
		sent++
	}

	required := c.opts.QuorumSize
	if c.opts.CapQuorumAtPeers && sent < required {
		// A round sent to nobody still waits out the deadline.
		required = max(sent, 1)
	}

	buf := make([]byte, c.opts.MaxDatagram)
	recv := func(ctx context.Context) (quorum.ReadValue, bool, error) {
		if err := ctx.Err(); err != nil {
			return quorum.ReadValue{}, false, err
		}
		if dl, ok := ctx.Deadline(); ok {
			_ = conn.SetReadDeadline(dl)
		}
		stop := context.AfterFunc(ctx, func() {
			_ = conn.SetReadDeadline(time.Now())
		})
		defer stop()

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return quorum.ReadValue{}, false, err
		}
		if wire.IsErrorReply(buf[:n]) {
			logger.Printf("[%s] Peer %s rejected the import request", code, from)
			return quorum.ReadValue{}, false, nil
		}
		msg, err := wire.Unmarshal(buf[:n])
		if err != nil {
			logger.Printf("[%s] Dropping undecodable reply from %s: %v", code, from, err)
			return quorum.ReadValue{}, false, nil
		}
		return quorum.ReadValue{From: from.String(), Value: msg.Body}, true, nil
	}

	result := quorum.Collect(ctx, sent, required, c.opts.QuorumTimeout, recv)
	if !result.Success {
		logger.Printf("[%s] Import round ended early: %s", code, result.ErrorMessage)
	}

	responses := make([]wire.Body, 0, len(result.Values))
	for _, v := range result.Values {
		if body, ok := v.Value.(wire.Body); ok {
			responses = append(responses, body)
		}
	}
	logger.Printf("[%s] Import round collected %d/%d responses", code, len(responses), sent)
	return c.opts.Resolver(responses)
}

// FetchFromReplica asks the local replica that owns code for its records.
// Any failure, including an unknown code, is logged and yields nil.
func (c *Client) FetchFromReplica(ctx context.Context, code string) any {
	rr, err := c.fetchFromReplica(ctx, code)
	if err != nil {
		c.opts.Logger.Printf("[%s] Failed to fetch records from replica: %v", code, err)
		return nil
	}
	return rr
}

func (c *Client) fetchFromReplica(ctx context.Context, code string) (any, error) {
	port := c.reg.Port(code)
	if port == registry.NotFoundPort {
		return nil, fmt.Errorf("no replica registered for %q", code)
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(c.opts.ReplicaHost, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve replica address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial replica: %w", err)
	}
	defer conn.Close()

	req, err := wire.Marshal(wire.NewRequest(wire.OpReplicaRequestsExport, code))
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("send export request: %w", err)
	}

	if c.opts.ReplicaTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReplicaTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, c.opts.MaxDatagram)
	n, err := conn.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read export reply: %w", err)
	}
	if wire.IsErrorReply(buf[:n]) {
		return nil, ErrRejected
	}

	msg, err := wire.Unmarshal(buf[:n])
	if err != nil {
		return nil, err
	}
	rr, _ := msg.Body.Records()
	return rr, nil
}
