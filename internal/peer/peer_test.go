package peer

import (
	"context"
	"net"
	"testing"

	"github.com/vpnmesh/meshvpn/internal/reactor"
	"github.com/vpnmesh/meshvpn/internal/server"
	"github.com/vpnmesh/meshvpn/internal/wire"
)

// fakeOps is a test double recording every side effect a Peer asks for,
// letting tests assert on protocol behaviour without any real transport.
type fakeOps struct {
	bindResults []bindResult
	bindCalls   int

	connectAddrs []wire.ScopedAddr
	connectErr   error

	sentChat []wire.SignalMessage

	retryArmed int

	teardownCalls int
}

type bindResult struct {
	ok        bool
	exhausted bool
	extAddrs  []wire.ScopedAddr
	key       []byte
	password  []byte
	err       error
}

func (f *fakeOps) Bind(p *Peer) (ok, exhausted bool, extAddrs []wire.ScopedAddr, key, password []byte, err error) {
	if f.bindCalls >= len(f.bindResults) {
		return false, true, nil, nil, nil, nil
	}
	r := f.bindResults[f.bindCalls]
	f.bindCalls++
	return r.ok, r.exhausted, r.extAddrs, r.key, r.password, r.err
}

func (f *fakeOps) Connect(p *Peer, addr wire.ScopedAddr, key, password []byte) error {
	f.connectAddrs = append(f.connectAddrs, addr)
	return f.connectErr
}

func (f *fakeOps) SendChat(p *Peer, msg wire.SignalMessage) error {
	f.sentChat = append(f.sentChat, msg)
	return nil
}

func (f *fakeOps) ArmRetryTimer(p *Peer) *reactor.Timer {
	f.retryArmed++
	return nil
}

func (f *fakeOps) TeardownLink(p *Peer) { f.teardownCalls++ }

func testAddr(t *testing.T, ipPort string) wire.ScopedAddr {
	t.Helper()
	tcpAddr, err := net.ResolveTCPAddr("tcp", ipPort)
	if err != nil {
		t.Fatalf("ResolveTCPAddr(%q): %v", ipPort, err)
	}
	a, err := wire.NewScopedAddr("internet", "tcp", tcpAddr, nil)
	if err != nil {
		t.Fatalf("NewScopedAddr(%q): %v", ipPort, err)
	}
	return a
}

func newTestReactor() *reactor.Reactor {
	return reactor.New(0, 0)
}

func TestMasterSlaveAssignmentFromIDOrdering(t *testing.T) {
	r := newTestReactor()
	ops := &fakeOps{}
	higher := New(r, ops, 10, 20, 0, nil)
	lower := New(r, ops, 10, 5, 0, nil)
	if higher.IsMaster {
		t.Fatal("peer with a higher id than self should not be master")
	}
	if !lower.IsMaster {
		t.Fatal("peer with a lower id than self should be master")
	}
}

func TestMasterBindingSendsYouConnectOnSuccess(t *testing.T) {
	r := newTestReactor()
	addr := testAddr(t, "203.0.113.1:4000")
	ops := &fakeOps{bindResults: []bindResult{{ok: true, extAddrs: []wire.ScopedAddr{addr}}}}
	p := New(r, ops, 10, 5, 0, nil)

	p.Init()

	if p.Phase != PhaseWaitForLinkUp {
		t.Fatalf("phase = %v, want WaitForLinkUp", p.Phase)
	}
	if len(ops.sentChat) != 1 {
		t.Fatalf("sent %d chat messages, want 1", len(ops.sentChat))
	}
	yc, ok := ops.sentChat[0].(wire.YouConnect)
	if !ok {
		t.Fatalf("sent %T, want YouConnect", ops.sentChat[0])
	}
	if len(yc.Addrs) != 1 || yc.Addrs[0].Multiaddr.String() != addr.Multiaddr.String() {
		t.Fatalf("unexpected YOUCONNECT addrs: %+v", yc.Addrs)
	}
}

func TestMasterBindingSkipsFailedAddrsBeforeSuccess(t *testing.T) {
	r := newTestReactor()
	ops := &fakeOps{bindResults: []bindResult{
		{ok: false},
		{ok: false},
		{ok: true, extAddrs: []wire.ScopedAddr{testAddr(t, "203.0.113.2:4000")}},
	}}
	p := New(r, ops, 10, 5, 0, nil)

	p.Init()

	if p.BindingAddrIndex != 2 {
		t.Fatalf("BindingAddrIndex = %d, want 2", p.BindingAddrIndex)
	}
	if ops.bindCalls != 3 {
		t.Fatalf("bind called %d times, want 3", ops.bindCalls)
	}
}

func TestMasterBindingExhaustedSendsCannotBindAndNeedsRelay(t *testing.T) {
	r := newTestReactor()
	ops := &fakeOps{bindResults: []bindResult{{exhausted: true}}}
	p := New(r, ops, 10, 5, 0, nil)

	p.Init()

	if len(ops.sentChat) != 1 {
		t.Fatalf("sent %d chat messages, want 1", len(ops.sentChat))
	}
	if _, ok := ops.sentChat[0].(wire.CannotBind); !ok {
		t.Fatalf("sent %T, want CannotBind", ops.sentChat[0])
	}
	if p.Link != LinkWaitingForRelay {
		t.Fatalf("link = %v, want waiting_for_relay", p.Link)
	}
}

func TestSlaveConnectsToFirstWorkingAddr(t *testing.T) {
	r := newTestReactor()
	ops := &fakeOps{}
	p := New(r, ops, 5, 10, 0, nil) // 5 < 10, so this node is the slave
	p.Init()
	if p.Phase != PhaseIdle {
		t.Fatalf("phase = %v, want Idle", p.Phase)
	}

	addr := testAddr(t, "198.51.100.1:5000")
	p.Deliver(wire.EncodeSignal(wire.YouConnect{Addrs: []wire.ScopedAddr{addr}}))

	if len(ops.connectAddrs) != 1 {
		t.Fatalf("connect called %d times, want 1", len(ops.connectAddrs))
	}
	if p.Phase != PhaseWaitForLinkUp {
		t.Fatalf("phase = %v, want WaitForLinkUp", p.Phase)
	}
}

func TestSlaveSendsCannotConnectWhenAllAddrsFail(t *testing.T) {
	r := newTestReactor()
	ops := &fakeOps{connectErr: errConnectFails}
	p := New(r, ops, 5, 10, 0, nil)
	p.Init()

	p.Deliver(wire.EncodeSignal(wire.YouConnect{Addrs: []wire.ScopedAddr{
		testAddr(t, "198.51.100.2:5001"),
	}}))

	if len(ops.sentChat) != 1 {
		t.Fatalf("sent %d chat messages, want 1", len(ops.sentChat))
	}
	if _, ok := ops.sentChat[0].(wire.CannotConnect); !ok {
		t.Fatalf("sent %T, want CannotConnect", ops.sentChat[0])
	}
	if p.Phase != PhaseIdle {
		t.Fatalf("phase = %v, want Idle", p.Phase)
	}
}

var errConnectFails = &connectError{}

type connectError struct{}

func (*connectError) Error() string { return "connect failed" }

func TestResetArmsRetryTimerOnMasterAndSendsYouRetryOnSlave(t *testing.T) {
	r := newTestReactor()
	masterOps := &fakeOps{}
	master := New(r, masterOps, 10, 5, 0, nil)
	master.Phase = PhaseUp
	master.Link = LinkUp
	master.Reset()
	if masterOps.retryArmed != 1 {
		t.Fatalf("retry armed %d times, want 1", masterOps.retryArmed)
	}
	if master.Phase != PhaseReset {
		t.Fatalf("master phase = %v, want Reset", master.Phase)
	}

	slaveOps := &fakeOps{}
	slave := New(r, slaveOps, 5, 10, 0, nil)
	slave.Phase = PhaseConnecting
	slave.Link = LinkUp
	slave.Reset()
	if len(slaveOps.sentChat) != 1 {
		t.Fatalf("slave sent %d messages, want 1", len(slaveOps.sentChat))
	}
	if _, ok := slaveOps.sentChat[0].(wire.YouRetry); !ok {
		t.Fatalf("slave sent %T, want YouRetry", slaveOps.sentChat[0])
	}
}

func TestCleanupConnectionsIsIdempotent(t *testing.T) {
	r := newTestReactor()
	ops := &fakeOps{}
	p := New(r, ops, 10, 5, 0, nil)
	p.Link = LinkUp

	p.CleanupConnections()
	p.CleanupConnections()

	if ops.teardownCalls != 1 {
		t.Fatalf("teardown called %d times, want 1", ops.teardownCalls)
	}
	if p.Link != LinkNone {
		t.Fatalf("link = %v, want none", p.Link)
	}
}

func TestResetPeerGuardsAgainstConcurrentTriggers(t *testing.T) {
	r := newTestReactor()
	ops := &fakeOps{}
	p := New(r, ops, 10, 5, 0, nil)
	p.Link = LinkUp

	p.ResetPeer()
	p.ResetPeer()

	if ops.teardownCalls != 1 {
		t.Fatalf("teardown called %d times across two resetpeer calls, want 1", ops.teardownCalls)
	}
}

func TestChatBufferOverflowTriggersResetPeer(t *testing.T) {
	r := newTestReactor()
	ops := &fakeOps{}
	p := New(r, ops, 10, 5, 0, nil)
	p.Link = LinkUp

	for i := 0; i < maxChatBuffer; i++ {
		if err := p.EnqueueChat(wire.YouRetry{}); err != nil {
			t.Fatalf("enqueue %d: unexpected error %v", i, err)
		}
	}
	if err := p.EnqueueChat(wire.YouRetry{}); err == nil {
		t.Fatal("expected chat buffer overflow error")
	}
	if !p.resetpeerPending {
		t.Fatal("expected resetpeer to be pending after buffer overflow")
	}
}

func TestSimulateOutOfBufferHookForcesResetPeer(t *testing.T) {
	r := newTestReactor()
	ops := &fakeOps{}
	p := New(r, ops, 10, 5, 0, nil)

	old := simulateOutOfBuffer
	simulateOutOfBuffer = func(id Id) bool { return id == p.ID }
	defer func() { simulateOutOfBuffer = old }()

	if err := p.EnqueueChat(wire.YouRetry{}); err == nil {
		t.Fatal("expected simulated out-of-buffer error")
	}
	if !p.resetpeerPending {
		t.Fatal("expected resetpeer pending")
	}
}

func TestPopDrainsQueueInOrder(t *testing.T) {
	r := newTestReactor()
	ops := &fakeOps{}
	p := New(r, ops, 10, 5, 0, nil)

	_ = p.EnqueueChat(wire.CannotBind{})
	_ = p.EnqueueChat(wire.YouRetry{})

	first, ok := p.Pop()
	if !ok {
		t.Fatal("expected a queued message")
	}
	frame, err := wire.DecodeFrame(first)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Kind != wire.ScMessage {
		t.Fatalf("popped frame kind %d, want ScMessage", frame.Kind)
	}
	msg, err := wire.DecodeMessage(frame.Payload)
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.PeerID != p.ID {
		t.Fatalf("message addressed to peer %d, want %d", msg.PeerID, p.ID)
	}
	decoded, err := wire.DecodeSignal(msg.Payload)
	if err != nil {
		t.Fatalf("decode signal: %v", err)
	}
	if decoded.MsgType() != wire.MsgCannotBind {
		t.Fatalf("popped %v first, want CANNOTBIND", decoded.MsgType())
	}
	if _, ok := p.Pop(); !ok {
		t.Fatal("expected a second queued message")
	}
	if _, ok := p.Pop(); ok {
		t.Fatal("expected queue to be empty")
	}
}

// TestResetPeerSwapsFlowToOneShotResetPeerSource walks the full
// resetpeer path against a real fair queue: after the chat fails, the
// peer's flow must yield exactly one RESETPEER(id) frame and then go
// silent until the server recycles the peer.
func TestResetPeerSwapsFlowToOneShotResetPeerSource(t *testing.T) {
	r := newTestReactor()
	ops := &fakeOps{}
	p := New(r, ops, 10, 5, 0, nil)

	var written [][]byte
	q := server.NewQueue(nil, func(payload []byte) error {
		written = append(written, payload)
		return nil
	})
	flow, err := q.NewFlow(p.ID, p)
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	p.Flow = flow

	_ = p.EnqueueChat(wire.YouRetry{}) // queued chat traffic that must not survive the reset
	p.ResetPeer()

	for q.Pump() {
	}

	if len(written) != 1 {
		t.Fatalf("wrote %d frames, want exactly one RESETPEER", len(written))
	}
	frame, err := wire.DecodeFrame(written[0])
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Kind != wire.ScResetPeer {
		t.Fatalf("frame kind %d, want ScResetPeer", frame.Kind)
	}
	rp, err := wire.DecodeResetPeer(frame.Payload)
	if err != nil {
		t.Fatalf("decode resetpeer: %v", err)
	}
	if rp.ID != p.ID {
		t.Fatalf("RESETPEER for peer %d, want %d", rp.ID, p.ID)
	}

	if err := p.EnqueueChat(wire.YouRetry{}); err == nil {
		t.Fatal("chat must stay down after resetpeer")
	}
	if q.Pump() {
		t.Fatal("no further traffic may flow for this peer after the one-shot RESETPEER")
	}
}

func TestDeliverIgnoresMalformedSignalWithoutReset(t *testing.T) {
	r := newTestReactor()
	ops := &fakeOps{}
	p := New(r, ops, 10, 5, 0, nil)
	p.Phase = PhaseUp

	p.Deliver([]byte{0x01}) // too short for any msg_header + payload
	if p.resetpeerPending {
		t.Fatal("a malformed parse error must not trigger resetpeer")
	}
}

func TestOnDataProtoUpMarksLinkUp(t *testing.T) {
	r := newTestReactor()
	ops := &fakeOps{}
	p := New(r, ops, 10, 5, 0, nil)
	p.Phase = PhaseWaitForLinkUp

	p.OnDataProtoUp()

	if p.Link != LinkUp || p.Phase != PhaseUp {
		t.Fatalf("link=%v phase=%v, want up/Up", p.Link, p.Phase)
	}
}

func TestOnTransportErrorResets(t *testing.T) {
	r := newTestReactor()
	ops := &fakeOps{}
	p := New(r, ops, 10, 5, 0, nil)
	p.Phase = PhaseUp
	p.Link = LinkUp

	p.OnTransportError(context.DeadlineExceeded)

	if p.Phase != PhaseReset {
		t.Fatalf("phase = %v, want Reset", p.Phase)
	}
	if ops.retryArmed != 1 {
		t.Fatalf("retry armed %d times, want 1", ops.retryArmed)
	}
}

func TestRetryFiredRestartsBindingFromZero(t *testing.T) {
	r := newTestReactor()
	ops := &fakeOps{bindResults: []bindResult{{ok: true, extAddrs: nil}}}
	p := New(r, ops, 10, 5, 0, nil)
	p.Phase = PhaseReset
	p.BindingAddrIndex = 3

	p.RetryFired()

	if p.BindingAddrIndex != 0 {
		t.Fatalf("BindingAddrIndex = %d, want reset to 0", p.BindingAddrIndex)
	}
	if p.Phase != PhaseWaitForLinkUp {
		t.Fatalf("phase = %v, want WaitForLinkUp", p.Phase)
	}
}

// TestCannotConnectAdvancesToNextBindAddr covers the scope-mismatch
// sequence: the slave's CANNOTCONNECT moves the master on to its next
// bind-addr, with no reset and no retry timer.
func TestCannotConnectAdvancesToNextBindAddr(t *testing.T) {
	r := newTestReactor()
	ops := &fakeOps{bindResults: []bindResult{
		{ok: true, extAddrs: []wire.ScopedAddr{testAddr(t, "203.0.113.1:4000")}},
		{ok: true, extAddrs: []wire.ScopedAddr{testAddr(t, "203.0.113.1:4001")}},
	}}
	p := New(r, ops, 10, 5, 0, nil)

	p.Init()
	if p.BindingAddrIndex != 0 || p.Phase != PhaseWaitForLinkUp {
		t.Fatalf("after init: index=%d phase=%v", p.BindingAddrIndex, p.Phase)
	}

	p.Deliver(wire.EncodeSignal(wire.CannotConnect{}))

	if p.BindingAddrIndex != 1 {
		t.Fatalf("BindingAddrIndex = %d, want 1", p.BindingAddrIndex)
	}
	if p.Phase != PhaseWaitForLinkUp {
		t.Fatalf("phase = %v, want WaitForLinkUp on the next addr", p.Phase)
	}
	if ops.retryArmed != 0 {
		t.Fatalf("retry armed %d times, want 0", ops.retryArmed)
	}
	if ops.teardownCalls != 1 {
		t.Fatalf("teardown called %d times, want 1 for the abandoned bind", ops.teardownCalls)
	}
}

func TestDeliverBeforeInitIsHeldUntilInitRuns(t *testing.T) {
	r := newTestReactor()
	ops := &fakeOps{}
	p := New(r, ops, 5, 10, 0, nil) // slave

	addr := testAddr(t, "198.51.100.9:5002")
	p.Deliver(wire.EncodeSignal(wire.YouConnect{Addrs: []wire.ScopedAddr{addr}}))

	if len(ops.connectAddrs) != 0 {
		t.Fatal("a message delivered before the init job must not be processed yet")
	}

	p.Init()

	if len(ops.connectAddrs) != 1 {
		t.Fatalf("connect called %d times after init, want 1", len(ops.connectAddrs))
	}
	if p.Phase != PhaseWaitForLinkUp {
		t.Fatalf("phase = %v, want WaitForLinkUp", p.Phase)
	}
}
