package dataplane

import (
	"time"

	"github.com/vpnmesh/meshvpn/internal/reactor"
)

// LinkSender is the narrow send surface a Sink drives; satisfied by
// *transport.DatagramPeerIO and *transport.StreamPeerIO.
type LinkSender interface {
	Send(frame []byte) error
}

// Sink is DataProtoSink: the per-link endpoint that actually transmits
// frames, with a keepalive timer (send something if we've been idle) and
// a receive-inactivity timer (declare the link dead if nothing arrives)
// from it.
type Sink struct {
	peer PeerID
	r    *reactor.Reactor
	send LinkSender

	keepaliveInterval time.Duration
	recvTimeout       time.Duration
	onRecvTimeout     func()
	sendKeepalive     func() []byte

	keepaliveTimer *reactor.Timer
	recvTimer      *reactor.Timer

	closed bool
}

// NewSink builds a Sink bound to one peer's link. sendKeepalive builds
// the keepalive frame's bytes on demand (nil disables keepalive sending).
// onRecvTimeout fires once no frame has arrived for recvTimeout.
func NewSink(r *reactor.Reactor, peerID PeerID, send LinkSender, keepaliveInterval, recvTimeout time.Duration, sendKeepalive func() []byte, onRecvTimeout func()) *Sink {
	s := &Sink{
		peer:              peerID,
		r:                 r,
		send:              send,
		keepaliveInterval: keepaliveInterval,
		recvTimeout:       recvTimeout,
		onRecvTimeout:     onRecvTimeout,
		sendKeepalive:     sendKeepalive,
	}
	if keepaliveInterval > 0 && sendKeepalive != nil {
		s.keepaliveTimer = r.NewTimerFunc(keepaliveInterval, s.fireKeepalive)
	}
	if recvTimeout > 0 && onRecvTimeout != nil {
		s.recvTimer = r.NewTimerFunc(recvTimeout, s.fireRecvTimeout)
	}
	return s
}

// Deliver transmits frame on this link and resets the keepalive timer,
// since an outbound frame makes an explicit keepalive unnecessary.
func (s *Sink) Deliver(frame []byte) error {
	if s.closed {
		return nil
	}
	err := s.send.Send(frame)
	s.resetKeepalive()
	return err
}

func (s *Sink) fireKeepalive() {
	if s.closed || s.sendKeepalive == nil {
		return
	}
	_ = s.send.Send(s.sendKeepalive())
	s.resetKeepalive()
}

func (s *Sink) resetKeepalive() {
	if s.keepaliveTimer != nil {
		s.keepaliveTimer.Rearm(time.Now().Add(s.keepaliveInterval))
	}
}

// NoteRecv resets the receive-inactivity timer; call on every inbound
// frame or keepalive from this link.
func (s *Sink) NoteRecv() {
	if s.recvTimer != nil {
		s.recvTimer.Rearm(time.Now().Add(s.recvTimeout))
	}
}

func (s *Sink) fireRecvTimeout() {
	if s.closed {
		return
	}
	if s.onRecvTimeout != nil {
		s.onRecvTimeout()
	}
}

// Close stops both timers. Idempotent.
func (s *Sink) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.keepaliveTimer != nil {
		s.keepaliveTimer.Remove()
	}
	if s.recvTimer != nil {
		s.recvTimer.Remove()
	}
}

// Flow is DataProtoFlow: the per-destination pipe between the frame
// decider and a peer's Sink. Its target sink is resolved lazily via
// SinkFor so that relay reattachment is just a change in what SinkFor
// returns, with no flow-side state to migrate.
type Flow struct {
	Dest    PeerID
	SinkFor func(dest PeerID) (*Sink, bool)
}

// Route delivers frame to this flow's current destination sink. Per
// the destination-iterator calling convention, moreFollow tells the
// flow whether further destinations remain for this same frame so it
// can decide whether to copy or hand off the buffer: each destination
// with moreFollow set gets its own copy, and the last destination
// receives the caller's buffer itself.
func (f *Flow) Route(frame []byte, moreFollow bool) error {
	sink, ok := f.SinkFor(f.Dest)
	if !ok {
		// Link not up, and not relaying: the frame is dropped with no
		// error signalled upward.
		return nil
	}
	if moreFollow {
		frame = append([]byte(nil), frame...)
	}
	return sink.Deliver(frame)
}

// Source is DataProtoSource: reads frames from the tap device, classifies
// and learns from them via a Decider, and routes each to the destination
// set's flows.
type Source struct {
	decider  *Decider
	allPeers func() []PeerID
	flowFor  func(dest PeerID) (*Flow, bool)
	selfPeer PeerID
}

// NewSource builds a Source. allPeers lists every peer currently eligible
// for broadcast/unknown-unicast flood; flowFor resolves a destination
// peer's Flow.
func NewSource(decider *Decider, allPeers func() []PeerID, flowFor func(PeerID) (*Flow, bool)) *Source {
	return &Source{decider: decider, allPeers: allPeers, flowFor: flowFor}
}

// HandleInbound processes a frame arriving from fromPeer's link: learn
// its source MAC/IGMP state on the decider, then forward it toward the
// tap device (the caller does the actual tap write; HandleInbound
// focuses on decider bookkeeping and is shared between the tap-write
// and relay-forward paths described in reverse data flow).
func (s *Source) HandleInbound(fromPeer PeerID, raw []byte) (*Frame, error) {
	f, err := DecodeFrame(raw)
	if err != nil {
		return nil, err
	}
	s.decider.LearnSource(fromPeer, f.SrcMAC)
	s.decider.ApplyIGMP(fromPeer, f.IGMP)
	return f, nil
}

// HandleOutbound processes a frame read from the local tap device: iterate
// next_destination() and route the frame to each peer's flow (forward data
// flow, next_destination()/dpflow.route(more_follow) convention). No source
// MAC is learned from outbound frames.
func (s *Source) HandleOutbound(raw []byte) error {
	f, err := DecodeFrame(raw)
	if err != nil {
		return err
	}
	it := s.decider.Destinations(f, s.allPeers())
	peer, ok := it.Next()
	for ok {
		next, hasNext := it.Next()
		flow, known := s.flowFor(peer)
		if known {
			if err := flow.Route(f.Raw, hasNext); err != nil {
				log.Warnf("dataplane: route to peer %d: %v", peer, err)
			}
		}
		peer, ok = next, hasNext
	}
	return nil
}
