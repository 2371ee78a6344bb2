// Package mesh implements peer discovery, authenticated message passing,
// and broadcast between Jarvis nodes.
package mesh

import (
	"encoding/json"
	"time"
)

const component = "mesh"

// MessageKind classifies a Message's payload.
type MessageKind string

const (
	KindDiscovery     MessageKind = "discovery"
	KindHeartbeat     MessageKind = "heartbeat"
	KindTaskDispatch  MessageKind = "task_dispatch"
	KindTaskResult    MessageKind = "task_result"
	KindMetricsSample MessageKind = "metrics_sample"
	KindAlert         MessageKind = "alert"
)

// Message is one unit exchanged between peers. Seq is a per-sender
// monotonic sequence number used for duplicate detection and per-sender
// ordering; it is assigned by the sending Mesh, never by the caller.
type Message struct {
	Kind     MessageKind     `json:"kind"`
	SenderID string          `json:"sender_id"`
	Seq      uint64          `json:"seq"`
	SentAt   time.Time       `json:"sent_at"`
	Payload  json.RawMessage `json:"payload"`
}

// TrustLevel mirrors the edge-auth trust ladder for mesh peers.
type TrustLevel string

const (
	TrustPending   TrustLevel = "tofu_pending"
	TrustTrusted   TrustLevel = "trusted"
	TrustUntrusted TrustLevel = "untrusted"
)

// PeerRecord is what the mesh knows about one other node.
type PeerRecord struct {
	ID           string     `json:"id"`
	Fingerprint  string     `json:"fingerprint"`
	PublicKey    []byte     `json:"public_key"`
	Endpoint     string     `json:"endpoint"`
	Capabilities []string   `json:"capabilities"`
	TrustLevel   TrustLevel `json:"trust_level"`
	LastSeen     time.Time  `json:"last_seen"`
}

// Self describes this node's own identity for announce().
type Self struct {
	ID           string
	Endpoint     string
	Capabilities []string
}

// Filter selects which messages a subscriber receives; a nil field
// matches anything.
type Filter struct {
	Kinds []MessageKind
	From  []string
}

func (f Filter) match(peerID string, msg Message) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if k == msg.Kind {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.From) > 0 {
		ok := false
		for _, p := range f.From {
			if p == peerID {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Inbound pairs a received Message with the peer id it arrived from.
type Inbound struct {
	PeerID  string
	Message Message
}
