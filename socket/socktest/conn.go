// Package socktest provides a scripted in-memory implementation of the
// socket capability for exercising adapter behavior deterministically:
// opened/closed signals are resolved by the test, read outcomes are queued,
// and misuse of the exclusive handles is recorded.
package socktest

import (
	"context"
	"sync"

	"github.com/rtbenfield/pg-cloudflare/socket"
)

type readOutcome struct {
	chunk []byte
	err   error
}

// Conn is a scripted transport handle.
type Conn struct {
	opened     chan error
	openedOnce sync.Once
	closed     chan error
	closedOnce sync.Once

	reads    chan readOutcome
	released chan struct{}

	mu             sync.Mutex
	readerHeld     bool
	writerHeld     bool
	readInFlight   bool
	concurrentRead bool
	closeCalls     int
	upgradeCalls   int
	writes         [][]byte
	writerClosed   bool

	// WriteErr fails every non-empty write when set.
	WriteErr error
	// UpgradeErr fails StartTLS when set.
	UpgradeErr error
	// Replacement is handed out by a successful StartTLS.
	Replacement *Conn
	// CloseBlocks makes Close wait for ctx, mimicking a peer that never
	// acknowledges closure.
	CloseBlocks bool
}

var _ socket.Conn = (*Conn)(nil)

// New returns an unopened scripted handle.
func New() *Conn {
	return &Conn{
		opened:   make(chan error, 1),
		closed:   make(chan error, 1),
		reads:    make(chan readOutcome, 64),
		released: make(chan struct{}),
	}
}

// ResolveOpened settles the one-shot opened signal.
func (c *Conn) ResolveOpened(err error) {
	c.openedOnce.Do(func() {
		c.opened <- err
		close(c.opened)
	})
}

// ResolveClosed settles the one-shot closed signal.
func (c *Conn) ResolveClosed(err error) {
	c.closedOnce.Do(func() {
		c.closed <- err
		close(c.closed)
	})
}

// QueueRead scripts a data chunk for the next read.
func (c *Conn) QueueRead(p []byte) {
	c.reads <- readOutcome{chunk: p}
}

// QueueReadErr scripts a read failure; use io.EOF for end-of-stream.
func (c *Conn) QueueReadErr(err error) {
	c.reads <- readOutcome{err: err}
}

// CloseCalls reports how many times Close was requested.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// UpgradeCalls reports how many times StartTLS was invoked.
func (c *Conn) UpgradeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upgradeCalls
}

// ConcurrentReadDetected reports whether two reads were ever in flight.
func (c *Conn) ConcurrentReadDetected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.concurrentRead
}

// Writes returns the chunks written so far.
func (c *Conn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// WriterClosed reports whether end-of-output was signaled.
func (c *Conn) WriterClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writerClosed
}

func (c *Conn) Opened() <-chan error { return c.opened }

func (c *Conn) Closed() <-chan error { return c.closed }

func (c *Conn) Reader() (socket.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readerHeld {
		return nil, socket.ErrReaderHeld
	}
	c.readerHeld = true
	return &reader{conn: c, released: make(chan struct{})}, nil
}

func (c *Conn) Writer() (socket.Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writerHeld {
		return nil, socket.ErrWriterHeld
	}
	c.writerHeld = true
	return &writer{conn: c}, nil
}

func (c *Conn) StartTLS(opts *socket.TLSOptions) (socket.Conn, error) {
	c.mu.Lock()
	c.upgradeCalls++
	if c.UpgradeErr != nil {
		err := c.UpgradeErr
		c.mu.Unlock()
		return nil, err
	}
	if c.readerHeld {
		c.mu.Unlock()
		return nil, socket.ErrReaderHeld
	}
	if c.writerHeld {
		c.mu.Unlock()
		return nil, socket.ErrWriterHeld
	}
	replacement := c.Replacement
	c.mu.Unlock()

	if replacement == nil {
		return nil, socket.ErrUpgradeUnsupported
	}
	replacement.ResolveOpened(nil)
	// Self-teardown of the pre-upgrade transport.
	c.ResolveClosed(nil)
	return replacement, nil
}

func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closeCalls++
	blocks := c.CloseBlocks
	c.mu.Unlock()

	if blocks {
		<-ctx.Done()
		return ctx.Err()
	}
	c.ResolveClosed(nil)
	return nil
}

type reader struct {
	conn     *Conn
	released chan struct{}
	relOnce  sync.Once
}

func (r *reader) Read(ctx context.Context) ([]byte, error) {
	r.conn.mu.Lock()
	if r.conn.readInFlight {
		r.conn.concurrentRead = true
		r.conn.mu.Unlock()
		return nil, socket.ErrReaderHeld
	}
	r.conn.readInFlight = true
	r.conn.mu.Unlock()
	defer func() {
		r.conn.mu.Lock()
		r.conn.readInFlight = false
		r.conn.mu.Unlock()
	}()

	select {
	case out := <-r.conn.reads:
		return out.chunk, out.err
	case <-r.released:
		return nil, socket.ErrReleased
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *reader) Release() {
	r.relOnce.Do(func() {
		close(r.released)
		r.conn.mu.Lock()
		r.conn.readerHeld = false
		r.conn.mu.Unlock()
	})
}

type writer struct {
	conn    *Conn
	mu      sync.Mutex
	relDone bool
}

func (w *writer) Write(ctx context.Context, p []byte) error {
	w.mu.Lock()
	if w.relDone {
		w.mu.Unlock()
		return socket.ErrReleased
	}
	w.mu.Unlock()

	w.conn.mu.Lock()
	defer w.conn.mu.Unlock()
	if w.conn.WriteErr != nil {
		return w.conn.WriteErr
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.conn.writes = append(w.conn.writes, buf)
	return nil
}

func (w *writer) Close(ctx context.Context) error {
	w.conn.mu.Lock()
	defer w.conn.mu.Unlock()
	w.conn.writerClosed = true
	return nil
}

func (w *writer) Release() {
	w.mu.Lock()
	w.relDone = true
	w.mu.Unlock()

	w.conn.mu.Lock()
	w.conn.writerHeld = false
	w.conn.mu.Unlock()
}

// Dialer hands out scripted handles in order and records dial arguments.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn

	// Err fails Dial outright when set.
	Err error

	Addrs []string
	Modes []socket.TLSMode
}

var _ socket.Dialer = (*Dialer)(nil)

// NewDialer returns a Dialer serving the given handles in order.
func NewDialer(conns ...*Conn) *Dialer {
	return &Dialer{conns: conns}
}

func (d *Dialer) Dial(ctx context.Context, addr string, mode socket.TLSMode) (socket.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	if len(d.conns) == 0 {
		return nil, socket.ErrConnClosed
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	d.Addrs = append(d.Addrs, addr)
	d.Modes = append(d.Modes, mode)
	return conn, nil
}
