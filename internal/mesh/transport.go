package mesh

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Stream is one multiplexed, ordered byte stream within a Conn.
type Stream interface {
	io.ReadWriteCloser
}

// Conn is a single multiplexed, encrypted connection to one peer, capable
// of opening or accepting any number of independent Streams.
type Conn interface {
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	RemoteAddr() string
	Close() error
}

// Listener accepts inbound Conns.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Transport is the pluggable connection-establishment layer the mesh runs
// over. The production implementation is QUIC; tests substitute an
// in-memory transport.
type Transport interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
	Listen(addr string) (Listener, error)
}

const maxFrameBytes = 4 << 20

// writeFrame writes a 4-byte big-endian length prefix followed by the
// JSON encoding of v.
func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > maxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame reads one length-prefixed JSON frame and decodes it into v.
func readFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}
