// Package diag exposes a read-only HTTP + websocket introspection surface
// over the peer table, relay ring, and fair-queue depths. It has no
// effect on the data or control plane; it exists purely so an operator
// can see what this node's reactor is doing.
package diag

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/vpnmesh/meshvpn/internal/peer"
	"github.com/vpnmesh/meshvpn/internal/server"
	"github.com/vpnmesh/meshvpn/internal/util"
)

var log = logging.Logger("diag")

const (
	maxWSClients      = 256
	broadcastInterval = time.Second
	eventTraceSize    = 256
)

// Event is one recorded peer/link transition, for the bounded recent-
// history trace served over /api/events.
type Event struct {
	TS  int64  `json:"ts"`
	Msg string `json:"msg"`
}

// PeerRow is one peer's snapshotted state for the /api/peers view.
type PeerRow struct {
	ID          peer.Id `json:"id"`
	IsMaster    bool    `json:"is_master"`
	Phase       string  `json:"phase"`
	Link        string  `json:"link"`
	RelayingVia peer.Id `json:"relaying_via,omitempty"`
	IsRelay     bool    `json:"is_relay_provider"`
	RelayUsers  int     `json:"relay_users"`
}

// QueueRow is one flow's snapshotted state for the /api/queue view.
type QueueRow struct {
	PeerID uint16 `json:"peer_id"`
	State  string `json:"state"`
	Busy   bool   `json:"busy"`
}

// Snapshot is a full point-in-time view pushed over the websocket stream
// and served as the JSON GET responses.
type Snapshot struct {
	Peers []PeerRow  `json:"peers"`
	Queue []QueueRow `json:"queue"`
	TS    int64      `json:"ts"`
}

// Sources is the read-only data this package surfaces. The fields are
// lookup functions rather than direct references because the peer set
// and fair queue only come into existence once the server's ready event
// has arrived; a nil func or a nil lookup result renders as empty.
type Sources struct {
	Peers func() *peer.Set
	Queue func() *server.Queue
	// RunOn executes fn on the goroutine that owns the peer set and
	// queue (the reactor) and waits for it to return, since neither
	// structure is safe to read from an HTTP handler directly. nil runs
	// fn inline, for tests that own both.
	RunOn func(fn func())
}

func (s Sources) snapshot(now int64) Snapshot {
	var snap Snapshot
	snap.TS = now
	build := func() { s.fill(&snap) }
	if s.RunOn != nil {
		s.RunOn(build)
	} else {
		build()
	}
	return snap
}

func (s Sources) fill(snap *Snapshot) {
	var peers *peer.Set
	if s.Peers != nil {
		peers = s.Peers()
	}
	var queue *server.Queue
	if s.Queue != nil {
		queue = s.Queue()
	}
	if peers != nil {
		peers.ForEach(func(p *peer.Peer) {
			snap.Peers = append(snap.Peers, PeerRow{
				ID:          p.ID,
				IsMaster:    p.IsMaster,
				Phase:       p.Phase.String(),
				Link:        p.Link.String(),
				RelayingVia: p.RelayingVia,
				IsRelay:     p.IsRelayProvider,
				RelayUsers:  len(p.RelayUsers),
			})
		})
		sort.Slice(snap.Peers, func(i, j int) bool { return snap.Peers[i].ID < snap.Peers[j].ID })
	}
	if queue != nil {
		for _, f := range queue.Snapshot() {
			snap.Queue = append(snap.Queue, QueueRow{PeerID: f.PeerID, State: f.State.String(), Busy: f.Busy})
		}
	}
}

// Server is the diag HTTP surface, modeled on the rendezvous admin
// snapshot-and-broadcast pattern but pushed over a websocket per client
// instead of SSE.
type Server struct {
	src Sources
	now func() int64

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	events   *util.RingBuffer[Event]
	evMu     sync.Mutex
	lastSeen map[peer.Id]PeerRow
}

// New builds a diag server. now lets tests stub wall-clock timestamps;
// pass nil to use time.Now().
func New(src Sources, now func() int64) *Server {
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Server{
		src:      src,
		now:      now,
		clients:  make(map[*websocket.Conn]struct{}),
		events:   util.NewRingBuffer[Event](eventTraceSize),
		lastSeen: make(map[peer.Id]PeerRow),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// recordTransitions diffs snap against the last snapshot seen and appends a
// bounded trace of phase/link transitions and peer churn to s.events. It is
// the only writer of s.lastSeen, so every path that computes a snapshot for
// a client (serveSnapshot, serveWS) must call it on the same snapshot.
func (s *Server) recordTransitions(snap Snapshot) {
	s.evMu.Lock()
	defer s.evMu.Unlock()

	seen := make(map[peer.Id]struct{}, len(snap.Peers))
	for _, row := range snap.Peers {
		seen[row.ID] = struct{}{}
		prev, ok := s.lastSeen[row.ID]
		switch {
		case !ok:
			s.events.Push(Event{TS: snap.TS, Msg: fmt.Sprintf("peer %d joined, phase=%s", row.ID, row.Phase)})
		case prev.Phase != row.Phase:
			s.events.Push(Event{TS: snap.TS, Msg: fmt.Sprintf("peer %d phase %s -> %s", row.ID, prev.Phase, row.Phase)})
		case prev.Link != row.Link:
			s.events.Push(Event{TS: snap.TS, Msg: fmt.Sprintf("peer %d link %s -> %s", row.ID, prev.Link, row.Link)})
		}
		s.lastSeen[row.ID] = row
	}
	for id := range s.lastSeen {
		if _, ok := seen[id]; !ok {
			s.events.Push(Event{TS: snap.TS, Msg: fmt.Sprintf("peer %d left", id)})
			delete(s.lastSeen, id)
		}
	}
}

// Register wires this server's routes onto mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/peers", s.serveSnapshot)
	mux.HandleFunc("/api/queue", s.serveSnapshot)
	mux.HandleFunc("/api/events", s.serveEvents)
	mux.HandleFunc("/api/stream", s.serveWS)
	mux.HandleFunc("/status", s.ServeStatus)
}

// serveEvents is a documentation stub for GET /api/events.
//
//	@Summary	Bounded trace of recent peer phase/link transitions
//	@Tags		diag
//	@Produce	json
//	@Success	200	{array}	Event
//	@Router		/api/events [get]
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.recordTransitions(s.src.snapshot(s.now()))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.events.Snapshot())
}

// serveSnapshot is a documentation stub for GET /api/peers and
// GET /api/queue.
//
//	@Summary	Point-in-time peer table and fair-queue depth snapshot
//	@Tags		diag
//	@Produce	json
//	@Success	200	{object}	Snapshot
//	@Router		/api/peers [get]
func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.src.snapshot(s.now())
	s.recordTransitions(snap)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

// serveWS is a documentation stub for GET /api/stream.
//
//	@Summary	WebSocket — periodic peer/queue snapshot push
//	@Description	Pushes a Snapshot roughly once per second until the client disconnects.
//	@Tags		diag
//	@Success	101	{string}	string	"WebSocket upgrade"
//	@Router		/api/stream [get]
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if len(s.clients) >= maxWSClients {
		s.mu.Unlock()
		http.Error(w, "too many diag connections", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("diag: websocket upgrade: %v", err)
		return
	}
	s.addClient(conn)
	defer s.removeClient(conn)

	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	// Drain client reads so a closed connection is detected promptly;
	// this surface is read-only and ignores any inbound frame content.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for range ticker.C {
		snap := s.src.snapshot(s.now())
		s.recordTransitions(snap)
		_ = conn.SetWriteDeadline(time.Now().Add(util.ShortTimeout))
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	}
}

func (s *Server) addClient(c *websocket.Conn) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}
