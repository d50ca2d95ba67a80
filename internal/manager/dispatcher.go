package manager

import (
	"context"
	"log"
	"net"

	"github.com/google/uuid"

	"replicamgr/internal/failure"
	"replicamgr/internal/registry"
	"replicamgr/internal/wire"
)

// Fetcher performs the outbound fetches behind the import operations.
type Fetcher interface {
	BroadcastImport(ctx context.Context, code string) any
	FetchFromReplica(ctx context.Context, code string) any
}

// Restarter restarts a replica while a condition holds.
type Restarter interface {
	RestartIf(code string, cond func(code string) bool) (bool, error)
}

// Dispatcher decodes one datagram, routes it by operation and builds the
// reply. It never returns an error: failures are logged and, where the
// operation expects an answer, turned into an empty or error reply.
type Dispatcher struct {
	id        string
	reg       *registry.Registry
	detector  *failure.Detector
	restarter Restarter
	fetcher   Fetcher
	logger    *log.Logger

	// onReport is called after a front-end report for code was applied.
	onReport func(code string)
}

// NewDispatcher creates a dispatcher. A nil logger uses log.Default().
func NewDispatcher(id string, reg *registry.Registry, detector *failure.Detector, restarter Restarter, fetcher Fetcher, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		id:        id,
		reg:       reg,
		detector:  detector,
		restarter: restarter,
		fetcher:   fetcher,
		logger:    logger,
	}
}

// SetOnReport sets a callback invoked after each front-end report.
func (d *Dispatcher) SetOnReport(callback func(code string)) {
	d.onReport = callback
}

// Handle processes one datagram received from addr. It returns the bytes
// to send back, or nil when the operation has no reply.
func (d *Dispatcher) Handle(ctx context.Context, data []byte, from net.Addr) []byte {
	reqID := uuid.NewString()

	msg, err := wire.Unmarshal(data)
	if err != nil {
		d.logger.Printf("[%s] req=%s Dropping undecodable datagram from %s: %v", d.id, reqID, from, err)
		return nil
	}

	code, _ := msg.Body.Code()
	d.logger.Printf("[%s] req=%s op=%s code=%q from=%s", d.id, reqID, msg.Op, code, from)

	switch msg.Op {
	case wire.OpFrontEndReportsFailure:
		d.handleFailure(reqID, code)
		return nil

	case wire.OpFrontEndReportsSuccess:
		d.handleSuccess(reqID, code)
		return nil

	case wire.OpReplicaRequestsImport:
		if code == "" {
			return d.reply(reqID, msg.Op, code, nil)
		}
		return d.reply(reqID, msg.Op, code, d.fetcher.BroadcastImport(ctx, code))

	case wire.OpPeerRequestsImport:
		if code == "" {
			return d.reply(reqID, msg.Op, code, nil)
		}
		return d.reply(reqID, msg.Op, code, d.fetcher.FetchFromReplica(ctx, code))

	default:
		d.logger.Printf("[%s] req=%s Unsupported operation %s from %s", d.id, reqID, msg.Op, from)
		return wire.ErrorReply
	}
}

func (d *Dispatcher) handleFailure(reqID, code string) {
	if _, ok := d.reg.Replica(code); !ok {
		d.logger.Printf("[%s] req=%s Ignoring failure report for unknown partition %q", d.id, reqID, code)
		return
	}

	n, critical := d.detector.ReportFailure(code)
	system := d.detector.ReportUnsequencedFailure()
	d.logger.Printf("[%s] req=%s Failure reported for %s (%s, count %d, system %d)", d.id, reqID, code, failure.StatusOf(n), n, system)

	if critical {
		restarted, err := d.restarter.RestartIf(code, d.detector.IsCritical)
		switch {
		case err != nil:
			d.logger.Printf("[%s] req=%s Restart of %s failed: %v", d.id, reqID, code, err)
		case restarted:
			d.logger.Printf("[%s] req=%s Restarted %s after %d consecutive failures", d.id, reqID, code, n)
		}
	}
	d.report(code)
}

func (d *Dispatcher) handleSuccess(reqID, code string) {
	if _, ok := d.reg.Replica(code); !ok {
		d.logger.Printf("[%s] req=%s Ignoring success report for unknown partition %q", d.id, reqID, code)
		return
	}
	d.detector.ReportSuccess(code)
	d.detector.ResetSystemFailureCount()
	d.report(code)
}

func (d *Dispatcher) reply(reqID string, op wire.Op, code string, records any) []byte {
	b, err := wire.Marshal(wire.NewReply(op, code, records))
	if err != nil {
		d.logger.Printf("[%s] req=%s Failed to encode reply: %v", d.id, reqID, err)
		return wire.ErrorReply
	}
	return b
}

func (d *Dispatcher) report(code string) {
	if d.onReport != nil {
		d.onReport(code)
	}
}
