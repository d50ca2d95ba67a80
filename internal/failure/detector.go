package failure

import (
	"log"
	"sync"

	"replicamgr/internal/registry"
)

// CriticalThreshold is the number of consecutive failures after which a
// replica, or the manager as a whole, is considered critical.
const CriticalThreshold = 3

// Status summarizes a failure count.
type Status int

const (
	Healthy Status = iota
	Degraded
	Critical
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case Healthy:
		return "HEALTHY"
	case Degraded:
		return "DEGRADED"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// StatusOf maps a failure count to a Status.
func StatusOf(failures int) Status {
	switch {
	case failures >= CriticalThreshold:
		return Critical
	case failures > 0:
		return Degraded
	default:
		return Healthy
	}
}

// Detector tracks per-replica failure counters (stored on the registry's
// Replica entries) and a coarser system-wide breaker over consecutive
// sequence numbers.
type Detector struct {
	reg    *registry.Registry
	logger *log.Logger

	mu             sync.Mutex // guards the system-wide breaker
	systemFailures int
	lastSequence   int64
}

// NewDetector creates a detector over reg. A nil logger uses log.Default().
func NewDetector(reg *registry.Registry, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.Default()
	}
	return &Detector{
		reg:    reg,
		logger: logger,
	}
}

// ReportFailure records one failure for code and returns the new count and
// whether the replica is now critical. Unknown codes are ignored.
func (d *Detector) ReportFailure(code string) (int, bool) {
	rep, ok := d.reg.Replica(code)
	if !ok {
		return 0, false
	}
	n := rep.IncrementFailures()
	if n == CriticalThreshold {
		d.logger.Printf("[%s] Replica %s reached %d consecutive failures", code, rep.Name, n)
	}
	return n, n >= CriticalThreshold
}

// ReportSuccess resets the failure counter for code, whatever its value.
func (d *Detector) ReportSuccess(code string) {
	if rep, ok := d.reg.Replica(code); ok {
		rep.ResetFailures()
	}
}

// IsCritical reports whether code has reached CriticalThreshold.
func (d *Detector) IsCritical(code string) bool {
	return d.Failures(code) >= CriticalThreshold
}

// Failures returns the failure count for code, or 0 for unknown codes.
func (d *Detector) Failures(code string) int {
	rep, ok := d.reg.Replica(code)
	if !ok {
		return 0
	}
	return rep.Failures()
}

// ReportSystemFailure records a failure carrying an externally supplied
// sequence number. The counter grows only when sequence directly follows
// the previous one; any other value resets it. sequence becomes the new
// baseline either way. Returns the new count.
func (d *Detector) ReportSystemFailure(sequence int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sequence == d.lastSequence+1 {
		d.systemFailures++
	} else {
		d.systemFailures = 0
	}
	d.lastSequence = sequence
	d.logSystemLocked()
	return d.systemFailures
}

// ReportUnsequencedFailure increments the system-wide counter without any
// sequence check. Returns the new count.
func (d *Detector) ReportUnsequencedFailure() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.systemFailures++
	d.logSystemLocked()
	return d.systemFailures
}

// IsSystemCritical reports whether the system-wide counter has reached
// CriticalThreshold.
func (d *Detector) IsSystemCritical() bool {
	return d.SystemFailures() >= CriticalThreshold
}

// SystemFailures returns the system-wide failure count.
func (d *Detector) SystemFailures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.systemFailures
}

// ResetSystemFailureCount zeroes the system-wide counter. The last sequence
// number is kept.
func (d *Detector) ResetSystemFailureCount() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.systemFailures = 0
}

// logSystemLocked must be called with d.mu held.
func (d *Detector) logSystemLocked() {
	if d.systemFailures == CriticalThreshold {
		d.logger.Printf("[system] %d consecutive failures across replicas", d.systemFailures)
	}
}
