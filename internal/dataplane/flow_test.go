package dataplane

import (
	"testing"
	"time"

	"github.com/vpnmesh/meshvpn/internal/reactor"
)

type fakeSender struct {
	sent [][]byte
	err  error
}

func (f *fakeSender) Send(frame []byte) error {
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return f.err
}

func TestSinkDeliverSendsAndResetsKeepalive(t *testing.T) {
	r := reactor.New(0, 0)
	fs := &fakeSender{}
	s := NewSink(r, 1, fs, time.Hour, 0, func() []byte { return []byte("ka") }, nil)
	defer s.Close()

	if err := s.Deliver([]byte("frame")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(fs.sent) != 1 || string(fs.sent[0]) != "frame" {
		t.Fatalf("sent = %v", fs.sent)
	}
}

func TestSinkClosedDeliverIsNoOp(t *testing.T) {
	r := reactor.New(0, 0)
	fs := &fakeSender{}
	s := NewSink(r, 1, fs, 0, 0, nil, nil)
	s.Close()

	if err := s.Deliver([]byte("x")); err != nil {
		t.Fatalf("Deliver on closed sink: %v", err)
	}
	if len(fs.sent) != 0 {
		t.Fatal("closed sink must not send")
	}
}

func TestSinkRecvTimeoutFiresWithoutNoteRecv(t *testing.T) {
	r := reactor.New(0, 0)
	fs := &fakeSender{}
	fired := make(chan struct{}, 1)
	s := NewSink(r, 1, fs, 0, 5*time.Millisecond, nil, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	defer s.Close()

	done := make(chan struct{})
	go func() {
		r.Run(contextWithTimeout(t, 50*time.Millisecond))
		close(done)
	}()
	<-done
	select {
	case <-fired:
	default:
		t.Fatal("expected recv-inactivity timeout to fire")
	}
}

func TestFlowRouteDropsSilentlyWhenNoSinkKnown(t *testing.T) {
	f := &Flow{Dest: 1, SinkFor: func(PeerID) (*Sink, bool) { return nil, false }}
	if err := f.Route([]byte("x"), false); err != nil {
		t.Fatalf("Route with unknown sink: %v", err)
	}
}

func TestFlowRouteDeliversToSink(t *testing.T) {
	r := reactor.New(0, 0)
	fs := &fakeSender{}
	sink := NewSink(r, 1, fs, 0, 0, nil, nil)
	defer sink.Close()
	f := &Flow{Dest: 1, SinkFor: func(PeerID) (*Sink, bool) { return sink, true }}

	if err := f.Route([]byte("payload"), false); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(fs.sent) != 1 || string(fs.sent[0]) != "payload" {
		t.Fatalf("sent = %v", fs.sent)
	}
}

func TestSourceHandleOutboundRoutesToKnownUnicastOwner(t *testing.T) {
	d := NewDecider(0, 0)
	d.LearnSource(2, mac(7))

	var routed []PeerID
	flows := map[PeerID]*Flow{
		2: {Dest: 2, SinkFor: func(PeerID) (*Sink, bool) { return nil, false }},
	}
	src := NewSource(d, func() []PeerID { return []PeerID{1, 2, 3} }, func(id PeerID) (*Flow, bool) {
		routed = append(routed, id)
		f, ok := flows[id]
		return f, ok
	})

	frame := buildTestEthernetFrame(mac(1), mac(7))
	if err := src.HandleOutbound(frame); err != nil {
		t.Fatalf("HandleOutbound: %v", err)
	}
	if len(routed) != 1 || routed[0] != 2 {
		t.Fatalf("routed = %v, want [2]", routed)
	}
}

func TestSourceHandleInboundLearnsSourceMac(t *testing.T) {
	d := NewDecider(0, 0)
	src := NewSource(d, func() []PeerID { return nil }, func(PeerID) (*Flow, bool) { return nil, false })

	frame := buildTestEthernetFrame(mac(3), mac(4))
	if _, err := src.HandleInbound(5, frame); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	owner, ok := d.OwnerOf(mac(3))
	if !ok || owner != 5 {
		t.Fatalf("OwnerOf(mac(3)) = (%d,%v), want (5,true)", owner, ok)
	}
}
