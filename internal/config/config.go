package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"replicamgr/internal/registry"
)

// Defaults for Config.
const (
	DefaultListenAddr     = ":8034"
	DefaultReplicaHost    = "localhost"
	DefaultReplicaCommand = "java -jar"
	DefaultWorkers        = 16
	DefaultQueueSize      = 256
	DefaultQuorumSize     = 3
	DefaultQuorumTimeout  = 3000 * time.Millisecond
	DefaultReplicaTimeout = 5 * time.Second
	DefaultMaxDatagram    = 10000
)

// ReplicaSpec is one parsed entry of the replica list.
type ReplicaSpec struct {
	Name string
	Code string
	Port int
	Path string
}

// Peer is one parsed entry of the replica manager list.
type Peer struct {
	Addr string
	Port int
}

// Config holds the replica manager configuration.
type Config struct {
	ID             string
	ListenAddr     string
	AdminAddr      string
	ReplicaSpec    string
	PeerSpec       string
	ReplicaCommand string
	ReplicaHost    string
	Workers        int
	QueueSize      int
	QuorumSize     int
	QuorumTimeout  time.Duration
	ReplicaTimeout time.Duration
	MaxDatagram    int
	// QuorumCapAtPeers ends an import round once every peer answered, even
	// when there are fewer peers than QuorumSize.
	QuorumCapAtPeers bool
}

// Default returns a Config populated with default values.
func Default() Config {
	return Config{
		ID:             "rm",
		ListenAddr:     DefaultListenAddr,
		ReplicaCommand: DefaultReplicaCommand,
		ReplicaHost:    DefaultReplicaHost,
		Workers:        DefaultWorkers,
		QueueSize:      DefaultQueueSize,
		QuorumSize:     DefaultQuorumSize,
		QuorumTimeout:  DefaultQuorumTimeout,
		ReplicaTimeout: DefaultReplicaTimeout,
		MaxDatagram:    DefaultMaxDatagram,
	}
}

// Validate checks the tunables. It does not parse the replica or peer lists;
// BuildRegistry does that.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address cannot be empty"))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue size must be positive, got %d", c.QueueSize))
	}
	if c.QuorumSize <= 0 {
		errs = append(errs, fmt.Errorf("quorum size must be positive, got %d", c.QuorumSize))
	}
	if c.QuorumTimeout <= 0 {
		errs = append(errs, fmt.Errorf("quorum timeout must be positive, got %v", c.QuorumTimeout))
	}
	if c.ReplicaTimeout < 0 {
		errs = append(errs, fmt.Errorf("replica timeout cannot be negative, got %v", c.ReplicaTimeout))
	}
	if c.MaxDatagram <= 0 || c.MaxDatagram > 65507 {
		errs = append(errs, fmt.Errorf("max datagram must be in 1..65507, got %d", c.MaxDatagram))
	}
	return errors.Join(errs...)
}

// LaunchCommand splits ReplicaCommand into the argv prefix used to start replicas.
func (c *Config) LaunchCommand() []string {
	return strings.Fields(c.ReplicaCommand)
}

// BuildRegistry parses the replica and peer lists into a registry.
func (c *Config) BuildRegistry() (*registry.Registry, error) {
	specs, err := ParseReplicas(c.ReplicaSpec)
	if err != nil {
		return nil, err
	}
	peers, err := ParsePeers(c.PeerSpec)
	if err != nil {
		return nil, err
	}

	replicas := make([]*registry.Replica, 0, len(specs))
	for _, s := range specs {
		replicas = append(replicas, registry.NewReplica(s.Name, s.Code, s.Port, s.Path))
	}
	rms := make([]registry.Peer, 0, len(peers))
	for _, p := range peers {
		rms = append(rms, registry.Peer{Addr: p.Addr, Port: p.Port})
	}
	return registry.New(replicas, rms)
}

// ParseReplicas parses a semicolon-separated list of replicas in the format:
// "name,code,port,path;name,code,port,path"
func ParseReplicas(spec string) ([]ReplicaSpec, error) {
	parts := splitEntries(spec)
	replicas := make([]ReplicaSpec, 0, len(parts))
	seen := make(map[string]bool)

	for _, part := range parts {
		fields := splitFields(part)
		if len(fields) != 4 {
			return nil, fmt.Errorf("invalid replica format: %s (expected name,code,port,path)", part)
		}
		for _, f := range fields {
			if f == "" {
				return nil, fmt.Errorf("replica fields cannot be empty: %s", part)
			}
		}

		port, err := parsePort(fields[2])
		if err != nil {
			return nil, fmt.Errorf("invalid replica port in %s: %w", part, err)
		}

		code := fields[1]
		if seen[code] {
			return nil, fmt.Errorf("duplicate replica code: %s", code)
		}
		seen[code] = true

		replicas = append(replicas, ReplicaSpec{
			Name: fields[0],
			Code: code,
			Port: port,
			Path: fields[3],
		})
	}

	return replicas, nil
}

// ParsePeers parses a semicolon-separated list of replica managers in the format:
// "addr1,port1;addr2,port2"
func ParsePeers(spec string) ([]Peer, error) {
	parts := splitEntries(spec)
	peers := make([]Peer, 0, len(parts))

	for _, part := range parts {
		fields := splitFields(part)
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid peer format: %s (expected address,port)", part)
		}
		if fields[0] == "" {
			return nil, fmt.Errorf("peer address cannot be empty: %s", part)
		}

		port, err := parsePort(fields[1])
		if err != nil {
			return nil, fmt.Errorf("invalid peer port in %s: %w", part, err)
		}

		peers = append(peers, Peer{
			Addr: fields[0],
			Port: port,
		})
	}

	return peers, nil
}

// LoadSpecFile returns the first non-empty line of the file at path.
func LoadSpecFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line, nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return "", nil
}

func splitEntries(spec string) []string {
	var out []string
	for _, part := range strings.Split(spec, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitFields(entry string) []string {
	fields := strings.Split(entry, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("port %q is not a number", s)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}
