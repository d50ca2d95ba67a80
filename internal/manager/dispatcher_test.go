package manager

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicamgr/internal/failure"
	"replicamgr/internal/registry"
	"replicamgr/internal/wire"
)

type fakeRestarter struct {
	mu       sync.Mutex
	restarts map[string]int
	reg      *registry.Registry
}

func (r *fakeRestarter) RestartIf(code string, cond func(string) bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cond != nil && !cond(code) {
		return false, nil
	}
	r.restarts[code]++
	if rep, ok := r.reg.Replica(code); ok {
		rep.ResetFailures()
	}
	return true, nil
}

func (r *fakeRestarter) count(code string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts[code]
}

type fakeFetcher struct {
	mu        sync.Mutex
	broadcast []string
	unicast   []string
	records   any
}

func (f *fakeFetcher) BroadcastImport(_ context.Context, code string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, code)
	return f.records
}

func (f *fakeFetcher) FetchFromReplica(_ context.Context, code string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unicast = append(f.unicast, code)
	return f.records
}

type dispatcherFixture struct {
	disp      *Dispatcher
	reg       *registry.Registry
	det       *failure.Detector
	restarter *fakeRestarter
	fetcher   *fakeFetcher
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	reg, err := registry.New([]*registry.Replica{
		registry.NewReplica("Dorval", "DVL", 8081, "dvl.jar"),
		registry.NewReplica("Kirkland", "KKL", 8082, "kkl.jar"),
	}, nil)
	require.NoError(t, err)

	logger := log.New(io.Discard, "", 0)
	det := failure.NewDetector(reg, logger)
	r := &fakeRestarter{restarts: make(map[string]int), reg: reg}
	f := &fakeFetcher{}
	return &dispatcherFixture{
		disp:      NewDispatcher("rm-test", reg, det, r, f, logger),
		reg:       reg,
		det:       det,
		restarter: r,
		fetcher:   f,
	}
}

var testAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

func encode(t *testing.T, op wire.Op, code string) []byte {
	t.Helper()
	b, err := wire.Marshal(wire.NewRequest(op, code))
	require.NoError(t, err)
	return b
}

func TestDispatcher_FailureRestartsAtThreshold(t *testing.T) {
	fx := newDispatcherFixture(t)

	for i := 1; i <= 2; i++ {
		reply := fx.disp.Handle(context.Background(), encode(t, wire.OpFrontEndReportsFailure, "DVL"), testAddr)
		assert.Nil(t, reply)
		assert.Equal(t, i, fx.det.Failures("DVL"))
	}
	assert.Equal(t, 0, fx.restarter.count("DVL"))

	fx.disp.Handle(context.Background(), encode(t, wire.OpFrontEndReportsFailure, "DVL"), testAddr)
	assert.Equal(t, 1, fx.restarter.count("DVL"))
	assert.Equal(t, 0, fx.det.Failures("DVL"))
	assert.Equal(t, 0, fx.restarter.count("KKL"))
}

func TestDispatcher_ConcurrentThirdFailuresRestartOnce(t *testing.T) {
	fx := newDispatcherFixture(t)
	rep, _ := fx.reg.Replica("KKL")
	rep.IncrementFailures()
	rep.IncrementFailures()

	// Two reports race past the threshold; the restart condition is checked
	// again under the restarter's lock, so only one restart happens.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fx.disp.Handle(context.Background(), encode(t, wire.OpFrontEndReportsFailure, "KKL"), testAddr)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fx.restarter.count("KKL"))
}

func TestDispatcher_SuccessResets(t *testing.T) {
	fx := newDispatcherFixture(t)

	fx.disp.Handle(context.Background(), encode(t, wire.OpFrontEndReportsFailure, "DVL"), testAddr)
	fx.disp.Handle(context.Background(), encode(t, wire.OpFrontEndReportsFailure, "DVL"), testAddr)
	assert.Equal(t, 2, fx.det.SystemFailures())

	reply := fx.disp.Handle(context.Background(), encode(t, wire.OpFrontEndReportsSuccess, "DVL"), testAddr)
	assert.Nil(t, reply)
	assert.Equal(t, 0, fx.det.Failures("DVL"))
	assert.Equal(t, 0, fx.det.SystemFailures())
}

func TestDispatcher_UnknownPartitionReports(t *testing.T) {
	fx := newDispatcherFixture(t)

	var reported []string
	fx.disp.SetOnReport(func(code string) { reported = append(reported, code) })

	assert.Nil(t, fx.disp.Handle(context.Background(), encode(t, wire.OpFrontEndReportsFailure, "XYZ"), testAddr))
	assert.Nil(t, fx.disp.Handle(context.Background(), encode(t, wire.OpFrontEndReportsSuccess, "XYZ"), testAddr))
	assert.Equal(t, 0, fx.det.SystemFailures())
	assert.Empty(t, reported)
}

func TestDispatcher_ReplicaRequestsImportBroadcasts(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.fetcher.records = []any{"room-101"}

	reply := fx.disp.Handle(context.Background(), encode(t, wire.OpReplicaRequestsImport, "DVL"), testAddr)
	require.NotNil(t, reply)

	msg, err := wire.Unmarshal(reply)
	require.NoError(t, err)
	assert.Equal(t, wire.OpReplicaRequestsImport, msg.Op)
	code, _ := msg.Body.Code()
	assert.Equal(t, "DVL", code)
	rr, ok := msg.Body.Records()
	assert.True(t, ok)
	assert.Equal(t, []any{"room-101"}, rr)
	assert.Equal(t, []string{"DVL"}, fx.fetcher.broadcast)
	assert.Empty(t, fx.fetcher.unicast)
}

func TestDispatcher_PeerRequestsImportFetchesLocal(t *testing.T) {
	fx := newDispatcherFixture(t)

	reply := fx.disp.Handle(context.Background(), encode(t, wire.OpPeerRequestsImport, "KKL"), testAddr)
	require.NotNil(t, reply)

	msg, err := wire.Unmarshal(reply)
	require.NoError(t, err)
	assert.Equal(t, wire.OpPeerRequestsImport, msg.Op)
	_, ok := msg.Body.Records()
	assert.False(t, ok, "empty result carries no records")
	assert.Equal(t, []string{"KKL"}, fx.fetcher.unicast)
}

func TestDispatcher_ImportWithoutCode(t *testing.T) {
	fx := newDispatcherFixture(t)

	b, err := wire.Marshal(&wire.Message{Op: wire.OpReplicaRequestsImport, Body: wire.Body{}})
	require.NoError(t, err)

	reply := fx.disp.Handle(context.Background(), b, testAddr)
	require.NotNil(t, reply)
	assert.False(t, wire.IsErrorReply(reply))
	assert.Empty(t, fx.fetcher.broadcast)
}

func TestDispatcher_UnsupportedOpRepliesError(t *testing.T) {
	fx := newDispatcherFixture(t)

	for _, op := range []wire.Op{wire.OpReplicaRequestsExport, wire.Op(1), wire.Op(99)} {
		reply := fx.disp.Handle(context.Background(), encode(t, op, "DVL"), testAddr)
		assert.True(t, wire.IsErrorReply(reply), "op %d", op)
	}
}

func TestDispatcher_UndecodableDropped(t *testing.T) {
	fx := newDispatcherFixture(t)

	assert.Nil(t, fx.disp.Handle(context.Background(), []byte("not an envelope"), testAddr))
	assert.Nil(t, fx.disp.Handle(context.Background(), nil, testAddr))
}
