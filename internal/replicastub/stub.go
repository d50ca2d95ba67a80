package replicastub

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"replicamgr/internal/storage"
	"replicamgr/internal/wire"
)

// Config is the content of a stub's replica file:
//
//	{"listen": "127.0.0.1:8081", "records": {"DVL": [...]}}
type Config struct {
	Listen  string
	Records map[string]any
}

// LoadConfig reads a replica file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	st := &structpb.Struct{}
	if err := protojson.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	m := st.AsMap()

	cfg := &Config{}
	listen, ok := m["listen"].(string)
	if !ok || listen == "" {
		return nil, fmt.Errorf("%s: listen address is required", path)
	}
	cfg.Listen = listen

	if raw, present := m["records"]; present {
		records, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: records must be an object keyed by partition code", path)
		}
		cfg.Records = records
	}
	return cfg, nil
}

// Server answers export requests from a Store.
type Server struct {
	store  storage.Store
	logger *log.Logger
	conn   *net.UDPConn
}

// NewServer creates a stub server over store. A nil logger uses log.Default().
func NewServer(store storage.Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{store: store, logger: logger}
}

// Listen binds the UDP socket.
func (s *Server) Listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.conn = conn
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() *net.UDPAddr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Serve handles requests until Close is called.
func (s *Server) Serve() error {
	if s.conn == nil {
		return errors.New("server is not listening")
	}
	s.logger.Printf("Replica listening on %s, partitions %v", s.conn.LocalAddr(), s.store.Codes())

	buf := make([]byte, 65535)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		reply := s.handle(buf[:n])
		if reply == nil {
			continue
		}
		if _, err := s.conn.WriteToUDP(reply, from); err != nil {
			s.logger.Printf("Failed to reply to %s: %v", from, err)
		}
	}
}

// Close stops Serve.
func (s *Server) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *Server) handle(data []byte) []byte {
	msg, err := wire.Unmarshal(data)
	if err != nil {
		s.logger.Printf("Dropping undecodable datagram: %v", err)
		return nil
	}
	if msg.Op != wire.OpReplicaRequestsExport {
		return wire.ErrorReply
	}

	code, _ := msg.Body.Code()
	var records any
	if vr := s.store.Get(code); vr != nil {
		records = vr.Records
		s.logger.Printf("[%s] Exporting records at version %d", code, vr.Version)
	} else {
		s.logger.Printf("[%s] Export requested for a partition with no records", code)
	}

	b, err := wire.Marshal(wire.NewReply(msg.Op, code, records))
	if err != nil {
		s.logger.Printf("[%s] Failed to encode reply: %v", code, err)
		return wire.ErrorReply
	}
	return b
}
