package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"replicamgr/internal/admin"
	"replicamgr/internal/config"
	"replicamgr/internal/failure"
	"replicamgr/internal/peer"
	"replicamgr/internal/registry"
	"replicamgr/internal/supervisor"
)

// datagram is one inbound request waiting for a worker.
type datagram struct {
	data []byte
	from *net.UDPAddr
}

// Manager is the replica manager: it owns the UDP listener, the worker pool
// and the components the dispatcher drives.
type Manager struct {
	cfg    config.Config
	reg    *registry.Registry
	sup    *supervisor.Supervisor
	det    *failure.Detector
	disp   *Dispatcher
	admin  *admin.Server
	logger *log.Logger

	conn     *net.UDPConn
	adminLis net.Listener
	queue    chan datagram

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	publishMu sync.Mutex
}

// New wires a manager from cfg. launcher starts replica processes; a nil
// logger uses log.Default().
func New(cfg config.Config, reg *registry.Registry, launcher supervisor.Launcher, logger *log.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}

	det := failure.NewDetector(reg, logger)
	sup := supervisor.New(reg, launcher, logger)
	client := peer.NewClient(reg, peer.Options{
		ReplicaHost:      cfg.ReplicaHost,
		QuorumSize:       cfg.QuorumSize,
		QuorumTimeout:    cfg.QuorumTimeout,
		ReplicaTimeout:   cfg.ReplicaTimeout,
		MaxDatagram:      cfg.MaxDatagram,
		CapQuorumAtPeers: cfg.QuorumCapAtPeers,
		Logger:           logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		reg:    reg,
		sup:    sup,
		det:    det,
		disp:   NewDispatcher(cfg.ID, reg, det, sup, client, logger),
		logger: logger,
		queue:  make(chan datagram, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.AdminAddr != "" {
		m.admin = admin.NewServer(cfg.ID, reg.Codes(), logger)
	}
	sup.SetOnChange(m.publish)
	m.disp.SetOnReport(m.publish)
	return m, nil
}

// Start binds the listener, starts the workers, launches every replica and,
// when configured, the admin server. Replica launch failures are logged and
// do not fail Start.
func (m *Manager) Start() error {
	addr, err := net.ResolveUDPAddr("udp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", m.cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.ListenAddr, err)
	}
	m.conn = conn

	if m.admin != nil {
		lis, err := net.Listen("tcp", m.cfg.AdminAddr)
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to listen on %s: %w", m.cfg.AdminAddr, err)
		}
		m.adminLis = lis
		go func() {
			if err := m.admin.Serve(lis); err != nil {
				m.logger.Printf("[%s] Admin server stopped: %v", m.cfg.ID, err)
			}
		}()
	}

	if err := m.sup.StartAll(); err != nil {
		m.logger.Printf("[%s] Some replicas failed to start: %v", m.cfg.ID, err)
	}

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	m.wg.Add(1)
	go m.readLoop()

	m.logger.Printf("[%s] Replica manager listening on %s (%d workers)", m.cfg.ID, conn.LocalAddr(), m.cfg.Workers)
	return nil
}

// Addr returns the bound UDP address, or nil before Start.
func (m *Manager) Addr() *net.UDPAddr {
	if m.conn == nil {
		return nil
	}
	return m.conn.LocalAddr().(*net.UDPAddr)
}

// AdminAddr returns the bound admin address, or nil when disabled.
func (m *Manager) AdminAddr() net.Addr {
	if m.adminLis == nil {
		return nil
	}
	return m.adminLis.Addr()
}

// Supervisor returns the replica supervisor.
func (m *Manager) Supervisor() *supervisor.Supervisor {
	return m.sup
}

// Detector returns the failure detector.
func (m *Manager) Detector() *failure.Detector {
	return m.det
}

// Stop closes the listener, waits for in-flight requests, kills every
// replica and stops the admin server. It is safe to call more than once.
func (m *Manager) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		m.logger.Printf("[%s] Stopping replica manager", m.cfg.ID)
		m.cancel()
		if m.conn != nil {
			m.conn.Close()
		}
		m.wg.Wait()

		err = m.sup.KillAll()
		if m.admin != nil {
			m.admin.Shutdown()
		}
	})
	return err
}

func (m *Manager) readLoop() {
	defer m.wg.Done()
	defer close(m.queue)

	for {
		buf := make([]byte, m.cfg.MaxDatagram)
		n, from, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if m.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Printf("[%s] Read error: %v", m.cfg.ID, err)
			continue
		}

		select {
		case m.queue <- datagram{data: buf[:n], from: from}:
		default:
			m.logger.Printf("[%s] Request queue full, dropping datagram from %s", m.cfg.ID, from)
		}
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()

	for dg := range m.queue {
		reply := m.disp.Handle(m.ctx, dg.data, dg.from)
		if reply == nil {
			continue
		}
		if _, err := m.conn.WriteToUDP(reply, dg.from); err != nil && m.ctx.Err() == nil {
			m.logger.Printf("[%s] Failed to reply to %s: %v", m.cfg.ID, dg.from, err)
		}
	}
}

// publish pushes the health of code and of the manager to the admin server.
func (m *Manager) publish(code string) {
	if m.admin == nil {
		return
	}
	// State is read and published under one lock so a slow publisher
	// cannot overwrite a newer status with an older one.
	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	m.admin.Publish(code, m.sup.Running(code) && !m.det.IsCritical(code))
	m.admin.PublishSystem(!m.det.IsSystemCritical())
}
