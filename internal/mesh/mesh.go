package mesh

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jarvis-ops/jarvis/internal/backoff"
	"github.com/jarvis-ops/jarvis/internal/errs"
)

// sendBackoffPolicy governs the retry delay between send attempts to an
// unreachable peer.
var sendBackoffPolicy = backoff.BackoffPolicy{
	InitialMs: 200,
	MaxMs:     5000,
	Factor:    2,
	Jitter:    0.2,
}

const defaultSendRetries = 3

// MetricsHook is invoked once per message send/broadcast attempt, the
// wiring point for mesh_messages_total{kind,outcome}.
type MetricsHook func(kind MessageKind, outcome string)

// Config configures a Mesh.
type Config struct {
	Self        Self
	Key         ed25519.PrivateKey
	Transport   Transport
	ListenAddr  string
	PeerStore   PeerStore
	SendRetries int
	Logger      *slog.Logger
	OnMetric    MetricsHook
}

type peerConn struct {
	mu   sync.Mutex // serializes sends to preserve per-peer FIFO order
	conn Conn
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Inbound
}

// Mesh coordinates peer discovery, authenticated point-to-point sends,
// best-effort broadcast, and filtered subscription across the node's
// known peers.
type Mesh struct {
	self      Self
	key       ed25519.PrivateKey
	transport Transport
	listener  Listener
	auth      *Authenticator
	store     PeerStore
	logger    *slog.Logger
	onMetric  MetricsHook
	retries   int

	mu    sync.RWMutex
	peers map[string]*PeerRecord
	conns map[string]*peerConn

	outSeq atomic.Uint64

	dedupMu sync.Mutex
	seen    map[string]uint64

	subMu    sync.Mutex
	subs     map[uint64]*subscription
	subNextI uint64
}

// New builds a Mesh. It does not start listening or discovering until
// Serve is called.
func New(cfg Config) *Mesh {
	if cfg.PeerStore == nil {
		cfg.PeerStore = NewInMemoryPeerStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SendRetries <= 0 {
		cfg.SendRetries = defaultSendRetries
	}
	return &Mesh{
		self:      cfg.Self,
		key:       cfg.Key,
		transport: cfg.Transport,
		auth:      NewAuthenticator(cfg.PeerStore),
		store:     cfg.PeerStore,
		logger:    cfg.Logger.With("component", component),
		onMetric:  cfg.OnMetric,
		retries:   cfg.SendRetries,
		peers:     make(map[string]*PeerRecord),
		conns:     make(map[string]*peerConn),
		seen:      make(map[string]uint64),
		subs:      make(map[uint64]*subscription),
	}
}

func (m *Mesh) publicKey() ed25519.PublicKey { return m.key.Public().(ed25519.PublicKey) }

// Serve accepts inbound peer connections and runs configured discovery
// methods until ctx is cancelled.
func (m *Mesh) Serve(ctx context.Context, listenAddr string, discovery DiscoveryConfig) error {
	ln, err := m.transport.Listen(listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	m.listener = ln

	go m.runDiscovery(ctx, discovery)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go m.handleInbound(ctx, conn)
	}
}

// Announce advertises self and its capabilities to every known peer via
// Broadcast, connecting to and authenticating any peer that has no open
// connection yet.
func (m *Mesh) Announce(ctx context.Context) error {
	payload, err := json.Marshal(discoveryAnnouncement{
		ID:           m.self.ID,
		Endpoint:     m.self.Endpoint,
		Capabilities: m.self.Capabilities,
		Fingerprint:  Fingerprint(m.publicKey()),
	})
	if err != nil {
		return fmt.Errorf("encode self announcement: %w", err)
	}
	m.Broadcast(ctx, KindDiscovery, payload)
	return nil
}

// Discover returns a snapshot of every peer currently known, whether
// learned via discovery or via an inbound connection.
func (m *Mesh) Discover() []PeerRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerRecord, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, *p)
	}
	return out
}

// AddDiscoveredPeer records a peer learned passively (multicast, DNS) so
// it becomes a Send/Broadcast target once authenticated.
func (m *Mesh) AddDiscoveredPeer(p PeerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.peers[p.ID]; ok && existing.TrustLevel == TrustTrusted {
		existing.LastSeen = p.LastSeen
		existing.Endpoint = p.Endpoint
		return
	}
	cp := p
	m.peers[p.ID] = &cp
}

// Send delivers msg to peerID, retrying with backoff up to the configured
// retry count before reporting PeerUnreachable. Sends to the same peer
// are serialized, preserving FIFO order on that stream.
func (m *Mesh) Send(ctx context.Context, peerID string, kind MessageKind, payload json.RawMessage) error {
	msg := m.newMessage(kind, payload)

	var lastErr error
	for attempt := 0; attempt <= m.retries; attempt++ {
		if attempt > 0 {
			wait := backoff.ComputeBackoff(sendBackoffPolicy, attempt)
			if err := backoff.SleepWithContext(ctx, wait); err != nil {
				m.recordMetric(kind, "cancelled")
				return errs.New(errs.Cancelled, component, "send", err)
			}
		}

		pc, err := m.connFor(ctx, peerID)
		if err != nil {
			lastErr = err
			continue
		}

		if err := m.sendOn(ctx, pc, msg); err != nil {
			lastErr = err
			m.dropConn(peerID)
			continue
		}

		m.recordMetric(kind, "ok")
		return nil
	}

	m.recordMetric(kind, "unreachable")
	return errs.New(errs.PeerUnreachable, component, "send", fmt.Errorf("peer %q unreachable after %d attempts: %w", peerID, m.retries+1, lastErr))
}

// Broadcast sends msg to every known peer concurrently. It is best-effort:
// per-peer failures are never surfaced to the caller, only counted.
func (m *Mesh) Broadcast(ctx context.Context, kind MessageKind, payload json.RawMessage) {
	m.mu.RLock()
	peerIDs := make([]string, 0, len(m.peers))
	for id := range m.peers {
		peerIDs = append(peerIDs, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range peerIDs {
		wg.Add(1)
		go func(peerID string) {
			defer wg.Done()
			if err := m.Send(ctx, peerID, kind, payload); err != nil {
				m.logger.Debug("broadcast send failed", "peer", peerID, "kind", kind, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// Subscribe registers a channel that receives every future inbound
// message matching filter. The returned cancel func unregisters and
// closes the channel.
func (m *Mesh) Subscribe(filter Filter) (<-chan Inbound, func()) {
	ch := make(chan Inbound, 64)
	m.subMu.Lock()
	id := m.subNextI
	m.subNextI++
	m.subs[id] = &subscription{id: id, filter: filter, ch: ch}
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel
}

func (m *Mesh) newMessage(kind MessageKind, payload json.RawMessage) Message {
	return Message{
		Kind:     kind,
		SenderID: m.self.ID,
		Seq:      m.outSeq.Add(1),
		SentAt:   time.Now(),
		Payload:  payload,
	}
}

func (m *Mesh) recordMetric(kind MessageKind, outcome string) {
	if m.onMetric != nil {
		m.onMetric(kind, outcome)
	}
}

func (m *Mesh) sendOn(ctx context.Context, pc *peerConn, msg Message) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	stream, err := pc.conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()
	return writeFrame(stream, msg)
}

func (m *Mesh) dropConn(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pc, ok := m.conns[peerID]; ok {
		pc.conn.Close()
		delete(m.conns, peerID)
	}
}

// dispatch routes an inbound message to every matching subscriber and
// drops it if (sender, seq) was already seen.
func (m *Mesh) dispatch(peerID string, msg Message) {
	m.dedupMu.Lock()
	if prev, ok := m.seen[msg.SenderID]; ok && msg.Seq <= prev {
		m.dedupMu.Unlock()
		return
	}
	m.seen[msg.SenderID] = msg.Seq
	m.dedupMu.Unlock()

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, sub := range m.subs {
		if !sub.filter.match(peerID, msg) {
			continue
		}
		select {
		case sub.ch <- Inbound{PeerID: peerID, Message: msg}:
		default:
			m.logger.Warn("dropping message for slow subscriber", "peer", peerID, "kind", msg.Kind)
		}
	}
}
