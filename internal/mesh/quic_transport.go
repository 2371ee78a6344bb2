package mesh

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

// QUICTransport is the production Transport: one multiplexed, encrypted,
// 0-RTT-eligible connection per peer, with independent streams per
// message exchange. TLS here only provides channel encryption — peer
// identity is established above this layer by Authenticator's
// trust-on-first-use handshake, so the certificate itself is self-signed
// and never consulted for trust decisions.
type QUICTransport struct {
	tlsConf  *tls.Config
	quicConf *quic.Config
}

// NewQUICTransport builds a Transport with a freshly generated self-signed
// certificate.
func NewQUICTransport() (*QUICTransport, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate mesh tls cert: %w", err)
	}
	return &QUICTransport{
		tlsConf: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			InsecureSkipVerify: true,
			NextProtos:         []string{"jarvis-mesh/1"},
		},
		quicConf: &quic.Config{
			MaxIdleTimeout:  45 * time.Second,
			KeepAlivePeriod: 20 * time.Second,
			Allow0RTT:       true,
		},
	}, nil
}

func (t *QUICTransport) Dial(ctx context.Context, endpoint string) (Conn, error) {
	conn, err := quic.DialAddr(ctx, endpoint, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return &quicConn{conn: conn}, nil
}

func (t *QUICTransport) Listen(addr string) (Listener, error) {
	ln, err := quic.ListenAddr(addr, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &quicListener{ln: ln}, nil
}

type quicListener struct {
	ln *quic.Listener
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &quicConn{conn: conn}, nil
}

func (l *quicListener) Close() error { return l.ln.Close() }

type quicConn struct {
	conn *quic.Conn
}

func (c *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *quicConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *quicConn) Close() error {
	return c.conn.CloseWithError(0, "closed")
}

// generateSelfSignedCert produces an ephemeral certificate for the QUIC
// TLS handshake. It carries no identity meaning: see QUICTransport's
// doc comment.
func generateSelfSignedCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
