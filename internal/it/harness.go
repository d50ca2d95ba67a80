package it

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"replicamgr/internal/wire"
)

// Cluster represents a set of replica managers started from built binaries.
type Cluster struct {
	nodes      []*Node
	logDir     string
	binaryPath string
	stubPath   string
	mu         sync.Mutex
}

// Replica describes one stub replica a node supervises.
type Replica struct {
	Name    string
	Code    string
	Port    int
	Records any
}

// Node represents a single replica manager process.
type Node struct {
	ID        string
	Port      int
	AdminPort int
	args      []string
	cmd       *exec.Cmd
	logFile   *os.File
	conn      *grpc.ClientConn
	health    healthpb.HealthClient
}

// NewCluster creates a new test cluster harness. binaryPath is the replica
// manager binary and stubPath the replica stub it launches.
func NewCluster(binaryPath, stubPath string) (*Cluster, error) {
	logDir := filepath.Join(".local", "it-logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	stubAbs, err := filepath.Abs(stubPath)
	if err != nil {
		return nil, err
	}

	return &Cluster{
		nodes:      make([]*Node, 0),
		logDir:     logDir,
		binaryPath: binaryPath,
		stubPath:   stubAbs,
	}, nil
}

// StartNode starts a replica manager supervising replicas and knowing peers.
func (c *Cluster) StartNode(ctx context.Context, nodeID string, replicas []Replica, peers []*Node) (*Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	port, err := freePort("udp")
	if err != nil {
		return nil, err
	}
	adminPort, err := freePort("tcp")
	if err != nil {
		return nil, err
	}

	// Each replica gets a stub file holding its listen address and records.
	specs := make([]string, 0, len(replicas))
	for _, r := range replicas {
		path, err := c.writeReplicaFile(nodeID, r)
		if err != nil {
			return nil, err
		}
		specs = append(specs, fmt.Sprintf("%s,%s,%d,%s", r.Name, r.Code, r.Port, path))
	}

	peerSpecs := make([]string, 0, len(peers))
	for _, p := range peers {
		peerSpecs = append(peerSpecs, fmt.Sprintf("127.0.0.1,%d", p.Port))
	}

	node := &Node{
		ID:        nodeID,
		Port:      port,
		AdminPort: adminPort,
		args: []string{
			"--id", nodeID,
			"--listen", fmt.Sprintf("127.0.0.1:%d", port),
			"--admin", fmt.Sprintf("127.0.0.1:%d", adminPort),
			"--replicas", strings.Join(specs, ";"),
			"--peers", strings.Join(peerSpecs, ";"),
			"--replica-cmd", c.stubPath,
			"--replica-host", "127.0.0.1",
			"--quorum-timeout", "1s",
			"--log-file", "",
		},
	}

	if err := c.launch(ctx, node); err != nil {
		return nil, err
	}
	c.nodes = append(c.nodes, node)

	// Wait for node to be ready
	if err := c.waitForReady(ctx, node, 10*time.Second); err != nil {
		node.Stop()
		return nil, fmt.Errorf("node %s failed to become ready: %w", nodeID, err)
	}

	return node, nil
}

func (c *Cluster) launch(ctx context.Context, node *Node) error {
	logPath := filepath.Join(c.logDir, fmt.Sprintf("%s.log", node.ID))
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.binaryPath, node.args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start node %s: %w", node.ID, err)
	}

	conn, err := grpc.NewClient(
		fmt.Sprintf("127.0.0.1:%d", node.AdminPort),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		logFile.Close()
		return fmt.Errorf("failed to dial node %s: %w", node.ID, err)
	}

	node.cmd = cmd
	node.logFile = logFile
	node.conn = conn
	node.health = healthpb.NewHealthClient(conn)
	return nil
}

func (c *Cluster) writeReplicaFile(nodeID string, r Replica) (string, error) {
	st, err := structpb.NewStruct(map[string]any{
		"listen":  fmt.Sprintf("127.0.0.1:%d", r.Port),
		"records": map[string]any{r.Code: r.Records},
	})
	if err != nil {
		return "", fmt.Errorf("invalid records for %s: %w", r.Code, err)
	}
	data, err := protojson.Marshal(st)
	if err != nil {
		return "", err
	}

	path, err := filepath.Abs(filepath.Join(c.logDir, fmt.Sprintf("%s-%s.json", nodeID, r.Code)))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write replica file: %w", err)
	}
	return path, nil
}

// waitForReady waits for a node to be ready by checking its health service
func (c *Cluster) waitForReady(ctx context.Context, node *Node, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout waiting for node %s to be ready", node.ID)
			}

			status, err := node.Health(ctx, "")
			if err == nil && status == healthpb.HealthCheckResponse_SERVING {
				return nil
			}
		}
	}
}

// Stop stops all nodes in the cluster
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, node := range c.nodes {
		node.Stop()
	}
	c.nodes = nil
}

// Stop asks the node to shut down so it terminates its replicas, and kills
// it if it does not exit in time.
func (n *Node) Stop() {
	if n.cmd != nil && n.cmd.Process != nil {
		done := make(chan struct{})
		go func() {
			n.cmd.Wait()
			close(done)
		}()

		n.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			n.cmd.Process.Kill()
			<-done
		}
		n.cmd = nil
	}
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	if n.logFile != nil {
		n.logFile.Close()
		n.logFile = nil
	}
}

// Health returns the serving status of service ("" for the manager itself).
func (n *Node) Health(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := n.health.Check(healthCtx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Send delivers one request to the node without waiting for a reply.
func (n *Node) Send(op wire.Op, code string) error {
	_, err := n.exchange(op, code, 0)
	return err
}

// Request sends one request and waits up to timeout for the reply.
func (n *Node) Request(op wire.Op, code string, timeout time.Duration) (*wire.Message, error) {
	b, err := n.exchange(op, code, timeout)
	if err != nil {
		return nil, err
	}
	if wire.IsErrorReply(b) {
		return nil, fmt.Errorf("node %s rejected %s", n.ID, op)
	}
	return wire.Unmarshal(b)
}

func (n *Node) exchange(op wire.Op, code string, timeout time.Duration) ([]byte, error) {
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: n.Port})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req, err := wire.Marshal(wire.NewRequest(op, code))
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(req); err != nil {
		return nil, err
	}
	if timeout == 0 {
		return nil, nil
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, 65535)
	nr, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:nr], nil
}

// FreePort returns a port that was free on 127.0.0.1 a moment ago.
func FreePort() (int, error) {
	return freePort("udp")
}

func freePort(network string) (int, error) {
	switch network {
	case "udp":
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		if err != nil {
			return 0, err
		}
		defer conn.Close()
		return conn.LocalAddr().(*net.UDPAddr).Port, nil
	default:
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, err
		}
		defer lis.Close()
		return lis.Addr().(*net.TCPAddr).Port, nil
	}
}
