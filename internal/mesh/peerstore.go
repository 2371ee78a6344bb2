package mesh

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/jarvis-ops/jarvis/internal/errs"
)

// PeerStore persists known peer identities across restarts.
type PeerStore interface {
	Get(id string) (*PeerRecord, bool)
	Save(p *PeerRecord) error
	List() []*PeerRecord
}

// InMemoryPeerStore is the default PeerStore. It keeps records in memory
// only; cmd/jarvis persists them to identity/peers.json with its own
// loadPeerStore/savePeerStore helpers.
type InMemoryPeerStore struct {
	mu    sync.RWMutex
	peers map[string]*PeerRecord
}

// NewInMemoryPeerStore builds an empty store.
func NewInMemoryPeerStore() *InMemoryPeerStore {
	return &InMemoryPeerStore{peers: make(map[string]*PeerRecord)}
}

func (s *InMemoryPeerStore) Get(id string) (*PeerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

func (s *InMemoryPeerStore) Save(p *PeerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.peers[p.ID] = &cp
	return nil
}

func (s *InMemoryPeerStore) List() []*PeerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PeerRecord, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Fingerprint returns the hex sha256 digest of an ed25519 public key, the
// value cached and compared on every subsequent contact with a peer.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// Authenticator implements trust-on-first-use peer authentication: the
// first time a peer id is seen its public key is pinned and a random
// challenge is generated for it to sign; every later contact must present
// a signature over a fresh challenge using that same pinned key.
type Authenticator struct {
	mu      sync.Mutex
	store   PeerStore
	pending map[string][]byte
}

// NewAuthenticator builds an Authenticator backed by store.
func NewAuthenticator(store PeerStore) *Authenticator {
	return &Authenticator{store: store, pending: make(map[string][]byte)}
}

// Challenge returns 32 random bytes for peerID to sign with its private
// key, and remembers it until VerifyResponse is called.
func (a *Authenticator) Challenge(peerID string) ([]byte, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return nil, errs.New(errs.Server, component, "challenge", err)
	}
	a.mu.Lock()
	a.pending[peerID] = challenge
	a.mu.Unlock()
	return challenge, nil
}

// VerifyResponse checks sig against the outstanding challenge for peerID
// using pub. On first contact it reports pub as trusted without saving it
// (the caller pins it by saving the peer record); on later contact it
// requires pub to match the key in the store, rejecting an impostor
// presenting a different key under the same peer id.
func (a *Authenticator) VerifyResponse(peerID string, pub ed25519.PublicKey, sig []byte) (TrustLevel, error) {
	a.mu.Lock()
	challenge, ok := a.pending[peerID]
	delete(a.pending, peerID)
	a.mu.Unlock()
	if !ok {
		return TrustUntrusted, errs.New(errs.Auth, component, "verify_response", fmt.Errorf("no pending challenge for %q", peerID))
	}
	if len(pub) != ed25519.PublicKeySize {
		return TrustUntrusted, errs.New(errs.Auth, component, "verify_response", fmt.Errorf("invalid public key for %q", peerID))
	}

	if existing, known := a.store.Get(peerID); known {
		if subtle.ConstantTimeCompare(existing.PublicKey, pub) != 1 {
			return TrustUntrusted, errs.New(errs.Auth, component, "verify_response", fmt.Errorf("public key mismatch for %q: possible impostor", peerID))
		}
	}

	if !ed25519.Verify(pub, challenge, sig) {
		return TrustUntrusted, errs.New(errs.Auth, component, "verify_response", fmt.Errorf("signature verification failed for %q", peerID))
	}
	return TrustTrusted, nil
}

// Sign signs challenge with priv, the counterpart of VerifyResponse run on
// the peer we are contacting.
func Sign(priv ed25519.PrivateKey, challenge []byte) []byte {
	return ed25519.Sign(priv, challenge)
}
