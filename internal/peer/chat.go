package peer

import "github.com/vpnmesh/meshvpn/internal/wire"

// maxChatBuffer bounds how many encoded signalling messages may be
// queued for a peer before it is considered out of buffer.
const maxChatBuffer = 32

// simulateOutOfBuffer is a test-only hook (never set outside _test.go
// files): when non-nil and it returns true for a given peer id,
// EnqueueChat behaves as though the buffer were full.
var simulateOutOfBuffer func(Id) bool

// EnqueueChat encodes msg and appends it to this peer's outbound chat
// queue (read by Pop, normally wired as a server.Source for this peer's
// Flow). Exhausting the buffer is a peer protocol error: the chat
// channel is torn down and RESETPEER is raised.
func (p *Peer) EnqueueChat(msg wire.SignalMessage) error {
	if p.resetpeerPending {
		return errChatBufferFull
	}
	if simulateOutOfBuffer != nil && simulateOutOfBuffer(p.ID) {
		p.ChatSendFailed()
		return errChatBufferFull
	}
	if len(p.chatSendQueue) >= maxChatBuffer {
		p.ChatSendFailed()
		return errChatBufferFull
	}
	p.chatSendQueue = append(p.chatSendQueue, wire.EncodeSignal(msg))
	if p.Flow != nil {
		p.Flow.Kick()
	}
	return nil
}

// Pop implements server.Source: it hands the next queued chat message to
// the fair queue, wrapped as the server-bound MESSAGE(peer_id, payload)
// frame that carries it to the server.
func (p *Peer) Pop() ([]byte, bool) {
	if len(p.chatSendQueue) == 0 {
		return nil, false
	}
	payload := p.chatSendQueue[0]
	p.chatSendQueue = p.chatSendQueue[1:]
	return wire.Message{PeerID: p.ID, Payload: payload}.Encode(), true
}

// resetPeerSource replaces a failed peer's chat as its flow's input
// (peer_resetpeer): it yields a single RESETPEER(id) control frame,
// then goes silent until the server recycles the peer.
type resetPeerSource struct {
	id   Id
	sent bool
}

func (s *resetPeerSource) Pop() ([]byte, bool) {
	if s.sent {
		return nil, false
	}
	s.sent = true
	return wire.ResetPeer{ID: s.id}.Encode(), true
}

var errChatBufferFull = chatBufferFullError{}

type chatBufferFullError struct{}

func (chatBufferFullError) Error() string { return "peer: chat send buffer full" }

// Deliver decodes raw as a signal message and dispatches it to the
// matching handler. A malformed message is a parse error: log and drop,
// never reset the peer over it.
func (p *Peer) Deliver(raw []byte) {
	if p.Phase == PhaseInit {
		// The init job has not run yet; hold the message so init always
		// precedes delivery.
		p.preInitRecv = append(p.preInitRecv, append([]byte(nil), raw...))
		return
	}
	msg, err := wire.DecodeSignal(raw)
	if err != nil {
		log.Warnf("peer %d: malformed signalling message: %v", p.ID, err)
		return
	}
	switch m := msg.(type) {
	case wire.YouConnect:
		p.OnYouConnect(m)
	case wire.CannotConnect:
		p.OnCannotConnect(m)
	case wire.CannotBind:
		p.OnCannotBind(m)
	case wire.YouRetry:
		p.OnYouRetry(m)
	case wire.Seed:
		p.OnSeed(m)
	case wire.ConfirmSeed:
		p.OnConfirmSeed(m)
	default:
		log.Warnf("peer %d: unhandled signal message %T", p.ID, m)
	}
}
