package supervisor

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"replicamgr/internal/registry"
)

// ErrUnknownReplica is returned by operations that require a registered
// partition code. StartOne is the exception: it ignores unknown codes.
var ErrUnknownReplica = errors.New("unknown replica")

// slot owns the process handle of one partition. Its mutex serializes
// start, kill and restart for that partition only.
type slot struct {
	mu     sync.Mutex
	handle ProcessHandle
}

// Supervisor starts, tracks and terminates replica processes.
type Supervisor struct {
	reg      *registry.Registry
	launcher Launcher
	logger   *log.Logger
	slots    map[string]*slot // fixed at construction

	onChange func(code string)
}

// New creates a supervisor with one slot per registered replica. A nil
// logger uses log.Default().
func New(reg *registry.Registry, launcher Launcher, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	s := &Supervisor{
		reg:      reg,
		launcher: launcher,
		logger:   logger,
		slots:    make(map[string]*slot),
	}
	for _, code := range reg.Codes() {
		s.slots[code] = &slot{}
	}
	return s
}

// SetOnChange sets a callback invoked after a partition's process state may
// have changed. It must be set before the supervisor is used.
func (s *Supervisor) SetOnChange(callback func(code string)) {
	s.onChange = callback
}

// StartAll starts every registered replica. A replica that fails to launch
// does not prevent the others from starting; all launch errors are returned
// joined.
func (s *Supervisor) StartAll() error {
	s.logger.Printf("Starting all the replica servers")
	var errs []error
	for _, code := range s.reg.Codes() {
		if err := s.StartOne(code); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartOne launches the replica registered under code and clears its
// failure counter. Unknown codes are silently ignored. If the replica already
// has a live process, StartOne does nothing.
func (s *Supervisor) StartOne(code string) error {
	sl, ok := s.slots[code]
	if !ok {
		return nil
	}

	sl.mu.Lock()
	err := s.startLocked(code, sl)
	sl.mu.Unlock()

	s.notify(code)
	return err
}

// KillOne terminates the replica registered under code if it is alive,
// clears its handle and resets its failure counter. Unlike StartOne, an
// unknown code is an error.
func (s *Supervisor) KillOne(code string) error {
	sl, ok := s.slots[code]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReplica, code)
	}

	sl.mu.Lock()
	err := s.killLocked(code, sl)
	sl.mu.Unlock()

	s.notify(code)
	return err
}

// KillAll terminates every live replica with the same semantics as KillOne.
func (s *Supervisor) KillAll() error {
	var errs []error
	for _, code := range s.reg.Codes() {
		if err := s.KillOne(code); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RestartIf kills then starts the replica registered under code, provided
// cond(code) holds once the partition's lock is held. A nil cond always
// restarts. It reports whether a restart was attempted. Concurrent callers
// for the same code are serialized, so a condition that the restart itself
// falsifies (such as "failure counter is critical") restarts only once.
func (s *Supervisor) RestartIf(code string, cond func(code string) bool) (bool, error) {
	sl, ok := s.slots[code]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownReplica, code)
	}

	sl.mu.Lock()
	if cond != nil && !cond(code) {
		sl.mu.Unlock()
		return false, nil
	}
	s.logger.Printf("[%s] Restarting replica", code)
	err := s.killLocked(code, sl)
	if err == nil {
		err = s.startLocked(code, sl)
	}
	sl.mu.Unlock()

	s.notify(code)
	return true, err
}

// Running reports whether code has a live process.
func (s *Supervisor) Running(code string) bool {
	sl, ok := s.slots[code]
	if !ok {
		return false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.handle != nil && sl.handle.Alive()
}

// Pid returns the process id of code's live process.
func (s *Supervisor) Pid(code string) (int, bool) {
	sl, ok := s.slots[code]
	if !ok {
		return 0, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.handle == nil || !sl.handle.Alive() {
		return 0, false
	}
	return sl.handle.Pid(), true
}

// startLocked must be called with sl.mu held.
func (s *Supervisor) startLocked(code string, sl *slot) error {
	rep, _ := s.reg.Replica(code)

	if sl.handle != nil && sl.handle.Alive() {
		s.logger.Printf("[%s] %s is already running (pid %d)", code, rep.Name, sl.handle.Pid())
		return nil
	}

	h, err := s.launcher.Launch(rep)
	if err != nil {
		sl.handle = nil
		s.logger.Printf("[%s] The manager could not start the %s server: %v", code, rep.Name, err)
		return fmt.Errorf("start %s: %w", code, err)
	}

	sl.handle = h
	rep.ResetFailures()
	s.logger.Printf("[%s] %s is up and running. port: %d. pid: %d", code, rep.Name, rep.Port, h.Pid())
	return nil
}

// killLocked must be called with sl.mu held.
func (s *Supervisor) killLocked(code string, sl *slot) error {
	if sl.handle == nil {
		return nil
	}
	if !sl.handle.Alive() {
		sl.handle = nil
		return nil
	}

	rep, _ := s.reg.Replica(code)
	pid := sl.handle.Pid()
	if err := sl.handle.Terminate(); err != nil {
		s.logger.Printf("[%s] Failed to stop %s: %v", code, rep.Name, err)
		return fmt.Errorf("kill %s: %w", code, err)
	}

	sl.handle = nil
	rep.ResetFailures()
	s.logger.Printf("[%s] %s stopped (pid %d)", code, rep.Name, pid)
	return nil
}

func (s *Supervisor) notify(code string) {
	if s.onChange != nil {
		s.onChange(code)
	}
}
