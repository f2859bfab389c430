package tcp

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rtbenfield/pg-cloudflare/socket"
)

const readChunkSize = 32 * 1024

// Conn is a TCP-backed transport handle. A plaintext handle opened with
// TLSModeStartTLS can be upgraded exactly once; the upgrade invalidates the
// handle and hands the underlying connection to the replacement.
type Conn struct {
	mode socket.TLSMode

	opened     chan error
	openedOnce sync.Once
	closed     chan error
	closedOnce sync.Once

	mu         sync.Mutex
	nc         net.Conn
	readerHeld bool
	writerHeld bool
	upgraded   bool
	detached   bool
}

var _ socket.Conn = (*Conn)(nil)

func newConn(mode socket.TLSMode) *Conn {
	return &Conn{
		mode:   mode,
		opened: make(chan error, 1),
		closed: make(chan error, 1),
	}
}

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

func (c *Conn) Opened() <-chan error { return c.opened }

func (c *Conn) Closed() <-chan error { return c.closed }

func (c *Conn) Reader() (socket.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readerHeld {
		return nil, socket.ErrReaderHeld
	}
	if c.detached {
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
	if c.detached {
		return nil, socket.ErrConnClosed
	}
	c.writerHeld = true
	return &writer{conn: c}, nil
}

// StartTLS wraps the underlying connection with a TLS client session and
// returns the replacement handle. The receiving handle is invalidated and
// its closed signal resolves, mirroring the platform's self-teardown of the
// pre-upgrade transport. Both exclusive handles must be released first.
func (c *Conn) StartTLS(opts *socket.TLSOptions) (socket.Conn, error) {
	c.mu.Lock()
	if c.mode == socket.TLSModeOn {
		c.mu.Unlock()
		return nil, socket.ErrAlreadySecure
	}
	if c.mode != socket.TLSModeStartTLS || c.upgraded {
		c.mu.Unlock()
		return nil, socket.ErrUpgradeUnsupported
	}
	if c.readerHeld {
		c.mu.Unlock()
		return nil, socket.ErrReaderHeld
	}
	if c.writerHeld {
		c.mu.Unlock()
		return nil, socket.ErrWriterHeld
	}
	if c.nc == nil || c.detached {
		c.mu.Unlock()
		return nil, socket.ErrConnClosed
	}
	nc := c.nc
	c.upgraded = true
	c.detached = true
	c.nc = nil
	c.mu.Unlock()

	tc := tls.Client(nc, tlsConfig(nc, opts))

	replacement := newConn(socket.TLSModeOn)
	replacement.nc = tc
	replacement.resolveOpened(nil)

	// A peer rejecting the handshake (e.g. an untrusted certificate)
	// surfaces only as the replacement's closed signal, with no detail.
	go func() {
		if err := tc.HandshakeContext(context.Background()); err != nil {
			nc.Close()
			replacement.resolveClosed(nil)
		}
	}()

	c.resolveClosed(nil)
	return replacement, nil
}

func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	nc := c.nc
	c.nc = nil
	c.detached = true
	c.mu.Unlock()

	if nc != nil {
		if err := nc.Close(); err != nil && !socket.IsOKNetworkError(err) {
			c.resolveClosed(nil)
			return err
		}
	}
	c.resolveClosed(nil)
	return nil
}

func tlsConfig(nc net.Conn, opts *socket.TLSOptions) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts != nil {
		if opts.BaseConfig != nil {
			cfg = opts.BaseConfig.Clone()
		}
		cfg.ServerName = opts.ServerName
		cfg.InsecureSkipVerify = opts.InsecureSkipVerify
	}
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		if host, _, err := net.SplitHostPort(nc.RemoteAddr().String()); err == nil {
			cfg.ServerName = host
		}
	}
	return cfg
}

// interruptibleIO runs op against nc, aborting it via setDeadline when ctx
// is cancelled.
func interruptibleIO(ctx context.Context, setDeadline func(time.Time) error, op func() error) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = setDeadline(deadline)
	}
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = setDeadline(time.Now())
		case <-watchDone:
		}
	}()
	err := op()
	close(watchDone)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	_ = setDeadline(time.Time{})
	return err
}

type reader struct {
	conn *Conn

	mu       sync.Mutex
	released bool
	inFlight bool
}

func (r *reader) Read(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return nil, socket.ErrReleased
	}
	if r.inFlight {
		r.mu.Unlock()
		return nil, socket.ErrReaderHeld
	}
	r.inFlight = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
	}()

	r.conn.mu.Lock()
	nc := r.conn.nc
	r.conn.mu.Unlock()
	if nc == nil {
		return nil, socket.ErrConnClosed
	}

	buf := make([]byte, readChunkSize)
	var n int
	err := interruptibleIO(ctx, nc.SetReadDeadline, func() error {
		var rerr error
		n, rerr = nc.Read(buf)
		if n > 0 {
			// Deliver the chunk; end of stream surfaces on the next read.
			return nil
		}
		return rerr
	})
	if err != nil {
		r.mu.Lock()
		released := r.released
		r.mu.Unlock()
		if released {
			return nil, socket.ErrReleased
		}
		if err == io.EOF || socket.IsOKNetworkError(err) {
			// Peer closed its write side; the transport as a whole is
			// done from its point of view.
			r.conn.resolveClosed(nil)
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
	inFlight := r.inFlight
	r.mu.Unlock()

	r.conn.mu.Lock()
	r.conn.readerHeld = false
	nc := r.conn.nc
	r.conn.mu.Unlock()
	if inFlight && nc != nil {
		// Unblock the pending read. The deadline is reset by the next
		// acquisition's first operation.
		_ = nc.SetReadDeadline(time.Now())
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
	nc := w.conn.nc
	w.conn.mu.Unlock()
	if nc == nil {
		return socket.ErrConnClosed
	}

	return interruptibleIO(ctx, nc.SetWriteDeadline, func() error {
		_, werr := nc.Write(p)
		return werr
	})
}

func (w *writer) Close(ctx context.Context) error {
	w.conn.mu.Lock()
	nc := w.conn.nc
	w.conn.mu.Unlock()
	if nc == nil {
		return socket.ErrConnClosed
	}

	if cw, ok := nc.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (w *writer) Release() {
	w.mu.Lock()
	w.released = true
	w.mu.Unlock()

	w.conn.mu.Lock()
	w.conn.writerHeld = false
	w.conn.mu.Unlock()
}
