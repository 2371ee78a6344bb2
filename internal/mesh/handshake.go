package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/jarvis-ops/jarvis/internal/errs"
)

type handshakeRequest struct {
	PeerID    string `json:"peer_id"`
	PublicKey []byte `json:"public_key"`
	Endpoint  string `json:"endpoint"`
}

type handshakeChallenge struct {
	Challenge []byte `json:"challenge"`
}

type handshakeResponse struct {
	Signature []byte `json:"signature"`
}

type handshakeResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// connFor returns a cached, already-authenticated peerConn for peerID,
// dialing and running the client side of the trust-on-first-use
// handshake if none exists yet.
func (m *Mesh) connFor(ctx context.Context, peerID string) (*peerConn, error) {
	m.mu.RLock()
	if pc, ok := m.conns[peerID]; ok {
		m.mu.RUnlock()
		return pc, nil
	}
	peer, known := m.peers[peerID]
	m.mu.RUnlock()
	if !known {
		return nil, errs.New(errs.NotFound, component, "connect", fmt.Errorf("peer %q not known", peerID))
	}

	conn, err := m.transport.Dial(ctx, peer.Endpoint)
	if err != nil {
		return nil, errs.New(errs.PeerUnreachable, component, "connect", err)
	}

	if err := m.clientHandshake(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	pc := &peerConn{conn: conn}
	m.mu.Lock()
	m.conns[peerID] = pc
	m.mu.Unlock()
	return pc, nil
}

func (m *Mesh) clientHandshake(ctx context.Context, conn Conn) error {
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return errs.New(errs.PeerUnreachable, component, "handshake", err)
	}
	defer stream.Close()

	if err := writeFrame(stream, handshakeRequest{
		PeerID:    m.self.ID,
		PublicKey: m.publicKey(),
		Endpoint:  m.self.Endpoint,
	}); err != nil {
		return errs.New(errs.PeerUnreachable, component, "handshake", err)
	}

	var challenge handshakeChallenge
	if err := readFrame(stream, &challenge); err != nil {
		return errs.New(errs.PeerUnreachable, component, "handshake", err)
	}

	sig := Sign(m.key, challenge.Challenge)
	if err := writeFrame(stream, handshakeResponse{Signature: sig}); err != nil {
		return errs.New(errs.PeerUnreachable, component, "handshake", err)
	}

	var result handshakeResult
	if err := readFrame(stream, &result); err != nil {
		return errs.New(errs.PeerUnreachable, component, "handshake", err)
	}
	if !result.Accepted {
		return errs.New(errs.Auth, component, "handshake", fmt.Errorf("peer rejected handshake: %s", result.Reason))
	}
	return nil
}

// handleInbound runs the server side of the handshake on a freshly
// accepted Conn, then reads subsequent streams — each one a single
// framed Message — until the connection closes.
func (m *Mesh) handleInbound(ctx context.Context, conn Conn) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.Close()
		return
	}

	var req handshakeRequest
	if err := readFrame(stream, &req); err != nil {
		stream.Close()
		conn.Close()
		return
	}

	challenge, err := m.auth.Challenge(req.PeerID)
	if err != nil {
		stream.Close()
		conn.Close()
		return
	}
	if err := writeFrame(stream, handshakeChallenge{Challenge: challenge}); err != nil {
		stream.Close()
		conn.Close()
		return
	}

	var resp handshakeResponse
	if err := readFrame(stream, &resp); err != nil {
		stream.Close()
		conn.Close()
		return
	}

	trust, verifyErr := m.auth.VerifyResponse(req.PeerID, req.PublicKey, resp.Signature)
	result := handshakeResult{Accepted: verifyErr == nil}
	if verifyErr != nil {
		result.Reason = verifyErr.Error()
	}
	_ = writeFrame(stream, result)
	stream.Close()

	if verifyErr != nil {
		m.logger.Warn("rejected peer handshake", "peer", req.PeerID, "error", verifyErr)
		conn.Close()
		return
	}

	record := PeerRecord{
		ID:          req.PeerID,
		PublicKey:   req.PublicKey,
		Fingerprint: Fingerprint(req.PublicKey),
		Endpoint:    req.Endpoint,
		TrustLevel:  trust,
		LastSeen:    time.Now(),
	}
	_ = m.store.Save(&record)
	m.mu.Lock()
	m.peers[req.PeerID] = &record
	m.conns[req.PeerID] = &peerConn{conn: conn}
	m.mu.Unlock()

	m.readInboundStreams(ctx, req.PeerID, conn)
}

func (m *Mesh) readInboundStreams(ctx context.Context, peerID string, conn Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			m.mu.Lock()
			delete(m.conns, peerID)
			m.mu.Unlock()
			return
		}
		go func(s Stream) {
			defer s.Close()
			var msg Message
			if err := readFrame(s, &msg); err != nil {
				return
			}
			m.dispatch(peerID, msg)
		}(stream)
	}
}
