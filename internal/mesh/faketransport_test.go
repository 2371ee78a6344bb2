package mesh

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// fakeTransport is an in-memory Transport for tests: Dial connects
// directly to a registered Listen address with no real network I/O.
type fakeTransport struct {
	mu        sync.Mutex
	listeners map[string]*fakeListener
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{listeners: make(map[string]*fakeListener)}
}

func (t *fakeTransport) Dial(ctx context.Context, endpoint string) (Conn, error) {
	t.mu.Lock()
	ln, ok := t.listeners[endpoint]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fake transport: no listener at %s", endpoint)
	}

	local := &fakeConn{streamsIn: make(chan Stream, 32), closed: make(chan struct{})}
	remote := &fakeConn{streamsIn: make(chan Stream, 32), closed: make(chan struct{})}
	local.peer, remote.peer = remote, local

	select {
	case ln.incoming <- remote:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return local, nil
}

func (t *fakeTransport) Listen(addr string) (Listener, error) {
	ln := &fakeListener{incoming: make(chan Conn, 32)}
	t.mu.Lock()
	t.listeners[addr] = ln
	t.mu.Unlock()
	return ln, nil
}

type fakeListener struct {
	incoming chan Conn
}

func (l *fakeListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.incoming:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeListener) Close() error { return nil }

type fakeConn struct {
	peer      *fakeConn
	streamsIn chan Stream
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *fakeConn) OpenStream(ctx context.Context) (Stream, error) {
	local, remote := newStreamPair()
	select {
	case c.peer.streamsIn <- remote:
		return local, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.streamsIn:
		return s, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) RemoteAddr() string { return "fake" }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type duplexStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newStreamPair() (Stream, Stream) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	a := &duplexStream{r: r2, w: w1}
	b := &duplexStream{r: r1, w: w2}
	return a, b
}

func (s *duplexStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *duplexStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *duplexStream) Close() error {
	_ = s.w.Close()
	_ = s.r.Close()
	return nil
}
