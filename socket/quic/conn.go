// Package quic implements the restricted socket capability over a single
// bidirectional quic-go stream. QUIC carries TLS 1.3 natively, so handles
// only open in TLSModeOn and in-place upgrades are rejected.
package quic

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"os"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/rtbenfield/pg-cloudflare/socket"
)

const readChunkSize = 32 * 1024

// ALPN identifies the byte-pipe protocol spoken over the stream.
const ALPN = "pgsock"

// Dialer opens QUIC-backed transport handles.
type Dialer struct {
	tlsConf *tls.Config
}

var _ socket.Dialer = (*Dialer)(nil)

// NewDialer builds a Dialer. opts may be nil; a CA bundle can be supplied
// through opts.BaseConfig, and certPath appends a PEM file to the pool.
func NewDialer(opts *socket.TLSOptions, certPath string) (*Dialer, error) {
	tlsConf := &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{ALPN},
	}
	if opts != nil {
		if opts.BaseConfig != nil {
			tlsConf.RootCAs = opts.BaseConfig.RootCAs
		}
		tlsConf.ServerName = opts.ServerName
		tlsConf.InsecureSkipVerify = opts.InsecureSkipVerify
	}

	if tlsConf.RootCAs == nil {
		tlsConf.RootCAs, _ = x509.SystemCertPool()
		if tlsConf.RootCAs == nil {
			tlsConf.RootCAs = x509.NewCertPool()
		}
	}

	if certPath != "" {
		caCertRaw, err := os.ReadFile(certPath)
		if err != nil {
			return nil, err
		}
		if !tlsConf.RootCAs.AppendCertsFromPEM(caCertRaw) {
			return nil, socket.ErrUpgradeUnsupported
		}
	}

	return &Dialer{tlsConf: tlsConf}, nil
}

func (d *Dialer) Dial(ctx context.Context, addr string, mode socket.TLSMode) (socket.Conn, error) {
	if mode != socket.TLSModeOn {
		return nil, socket.ErrAlreadySecure
	}

	conn := &Conn{
		opened: make(chan error, 1),
		closed: make(chan error, 1),
	}
	go conn.open(ctx, d.tlsConf, addr)
	return conn, nil
}

// Conn is a QUIC-backed transport handle.
type Conn struct {
	opened     chan error
	openedOnce sync.Once
	closed     chan error
	closedOnce sync.Once

	mu         sync.Mutex
	qc         quic.Connection
	stream     quic.Stream
	readerHeld bool
	writerHeld bool
}

var _ socket.Conn = (*Conn)(nil)

func (c *Conn) resolveOpened(err error) {
	c.openedOnce.Do(func() {
		c.opened <- err
		close(c.opened)
	})
}

func (c *Conn) resolveClosed(err error) {
	c.closedOnce.Do(func() {
		c.closed <- err
		close(c.closed)
	})
}

func (c *Conn) open(ctx context.Context, tlsConf *tls.Config, addr string) {
	qc, err := quic.DialAddr(ctx, addr, tlsConf, qConfig)
	if err != nil {
		c.resolveOpened(err)
		return
	}

	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		qc.CloseWithError(0, "open stream failed")
		c.resolveOpened(err)
		return
	}

	c.mu.Lock()
	c.qc = qc
	c.stream = stream
	c.mu.Unlock()
	c.resolveOpened(nil)

	// The connection context ends when the connection is closed, by us
	// or by the peer.
	go func() {
		<-qc.Context().Done()
		c.resolveClosed(nil)
	}()
}

func (c *Conn) Opened() <-chan error { return c.opened }

func (c *Conn) Closed() <-chan error { return c.closed }

func (c *Conn) Reader() (socket.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readerHeld {
		return nil, socket.ErrReaderHeld
	}
	if c.stream == nil {
		return nil, socket.ErrConnClosed
	}
	c.readerHeld = true
	return &reader{conn: c}, nil
}

func (c *Conn) Writer() (socket.Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writerHeld {
		return nil, socket.ErrWriterHeld
	}
	if c.stream == nil {
		return nil, socket.ErrConnClosed
	}
	c.writerHeld = true
	return &writer{conn: c}, nil
}

func (c *Conn) StartTLS(opts *socket.TLSOptions) (socket.Conn, error) {
	return nil, socket.ErrAlreadySecure
}

func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	qc := c.qc
	c.qc = nil
	c.stream = nil
	c.mu.Unlock()

	if qc != nil {
		if err := qc.CloseWithError(0, "closing down"); err != nil {
			c.resolveClosed(nil)
			return err
		}
	}
	c.resolveClosed(nil)
	return nil
}

type reader struct {
	conn *Conn

	mu       sync.Mutex
	released bool
}

func (r *reader) Read(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return nil, socket.ErrReleased
	}
	r.mu.Unlock()

	r.conn.mu.Lock()
	stream := r.conn.stream
	r.conn.mu.Unlock()
	if stream == nil {
		return nil, socket.ErrConnClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	}
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.SetReadDeadline(time.Now())
		case <-watchDone:
		}
	}()

	buf := make([]byte, readChunkSize)
	n, err := stream.Read(buf)
	close(watchDone)
	_ = stream.SetReadDeadline(time.Time{})

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if n > 0 && err == io.EOF {
			return buf[:n], nil
		}
		if err == io.EOF || socket.IsOKNetworkError(err) {
			return nil, io.EOF
		}
		return nil, err
	}
	return buf[:n], nil
}

func (r *reader) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	r.mu.Unlock()

	r.conn.mu.Lock()
	r.conn.readerHeld = false
	stream := r.conn.stream
	r.conn.mu.Unlock()
	if stream != nil {
		_ = stream.SetReadDeadline(time.Now())
	}
}

type writer struct {
	conn *Conn

	mu       sync.Mutex
	released bool
}

func (w *writer) Write(ctx context.Context, p []byte) error {
	w.mu.Lock()
	if w.released {
		w.mu.Unlock()
		return socket.ErrReleased
	}
	w.mu.Unlock()

	w.conn.mu.Lock()
	stream := w.conn.stream
	w.conn.mu.Unlock()
	if stream == nil {
		return socket.ErrConnClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	_, err := stream.Write(p)
	_ = stream.SetWriteDeadline(time.Time{})
	return err
}

// Close ends the send direction of the stream; the peer observes EOF.
func (w *writer) Close(ctx context.Context) error {
	w.conn.mu.Lock()
	stream := w.conn.stream
	w.conn.mu.Unlock()
	if stream == nil {
		return socket.ErrConnClosed
	}
	return stream.Close()
}

func (w *writer) Release() {
	w.mu.Lock()
	w.released = true
	w.mu.Unlock()

	w.conn.mu.Lock()
	w.conn.writerHeld = false
	w.conn.mu.Unlock()
}
