// Package adapter bridges a classic bidirectional streaming-socket interface
// onto the restricted socket capability: it owns the single active transport
// handle, services demand-driven reads one at a time, forwards writes, and
// reconciles the capability's one-shot closed signal with in-place TLS
// upgrades so that the pre-upgrade transport's self-teardown is never
// mistaken for a real disconnect.
package adapter

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rtbenfield/pg-cloudflare/socket"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateErrored
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// tlsPhase tracks the upgrade lifecycle orthogonally to State. It is
// monotonic: once upgraded, never reset.
type tlsPhase int

const (
	tlsNotUpgraded tlsPhase = iota
	tlsUpgrading
	tlsUpgraded
)

var (
	// ErrNotOpen is returned from operations requiring an open connection.
	ErrNotOpen = errors.New("adapter: connection is not open")
	// ErrAlreadyConnected is returned from a second Connect.
	ErrAlreadyConnected = errors.New("adapter: already connected")
	// ErrAlreadyUpgraded is returned from a repeated StartTLS; the upgrade
	// is neither idempotent nor retryable.
	ErrAlreadyUpgraded = errors.New("adapter: transport already TLS-upgraded")
	// ErrDestroyed is returned when the adapter was torn down mid-operation.
	ErrDestroyed = errors.New("adapter: destroyed")
)

// Options configures an Adapter.
type Options struct {
	// TLSRequired opens the transport in upgrade-capable mode so the
	// caller can issue StartTLS later.
	TLSRequired bool
	// TLSOptions is passed to the transport's upgrade operation.
	TLSOptions *socket.TLSOptions
	// Callbacks receives the asynchronous notifications.
	Callbacks Callbacks
	// Logger overrides the global logger.
	Logger *zerolog.Logger
}

// Adapter manages exactly one logical connection. It is not designed for
// concurrent mutation from multiple callers; transport-event handling is
// serialized internally.
type Adapter struct {
	id          string
	dialer      socket.Dialer
	cb          Callbacks
	log         zerolog.Logger
	tlsRequired bool
	tlsOpts     *socket.TLSOptions

	mu      sync.Mutex
	state   State
	tls     tlsPhase
	conn    socket.Conn
	reader  socket.Reader
	writer  socket.Writer
	termErr error

	// upgradingFrom holds the pre-upgrade handle while an upgrade is in
	// flight. Only its closed signal counts as the expected self-teardown.
	upgradingFrom socket.Conn

	connectFired bool
	endFired     bool
	closeFired   bool
	endRequested bool

	// ioReady is closed whenever the reader/writer pair is held;
	// replaced with a fresh channel when the pair is released mid-upgrade.
	ioReady       chan struct{}
	ioReadyClosed bool

	demand       chan struct{}
	pumpStop     chan struct{}
	pumpStopOnce sync.Once
}

// New builds an Adapter dialing through the given capability dialer.
func New(dialer socket.Dialer, opts Options) *Adapter {
	id := shortuuid.New()
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Adapter{
		id:          id,
		dialer:      dialer,
		cb:          opts.Callbacks,
		log:         logger.With().Str("conn_id", id).Logger(),
		tlsRequired: opts.TLSRequired,
		tlsOpts:     opts.TLSOptions,
		ioReady:     make(chan struct{}),
		demand:      make(chan struct{}, 1),
		pumpStop:    make(chan struct{}),
	}
}

// ID returns the adapter's connection id.
func (a *Adapter) ID() string { return a.id }

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Upgraded reports whether the in-place TLS upgrade has completed.
func (a *Adapter) Upgraded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tls == tlsUpgraded
}

// Connect opens the transport handle, attaches the closed-signal monitor,
// acquires the exclusive reader/writer pair and awaits the opened signal.
// On success the adapter is Open and OnConnect has fired exactly once. On
// failure the adapter is Errored and OnError has fired; the returned error
// is the same fault.
func (a *Adapter) Connect(ctx context.Context, host string, port uint16) error {
	a.mu.Lock()
	switch a.state {
	case StateIdle:
	case StateClosed, StateErrored:
		err := a.termErr
		a.mu.Unlock()
		if err == nil {
			err = ErrDestroyed
		}
		return err
	default:
		a.mu.Unlock()
		return ErrAlreadyConnected
	}
	a.state = StateConnecting
	mode := socket.TLSModeOff
	if a.tlsRequired {
		mode = socket.TLSModeStartTLS
	}
	a.mu.Unlock()

	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	a.log.Debug().Str("addr", addr).Str("tls_mode", string(mode)).Msg("opening transport")

	conn, err := a.dialer.Dial(ctx, addr, mode)
	if err != nil {
		return a.failConnect(err)
	}

	a.watchClosed(conn)

	reader, err := conn.Reader()
	if err != nil {
		return a.failConnect(err)
	}
	writer, err := conn.Writer()
	if err != nil {
		reader.Release()
		return a.failConnect(err)
	}

	a.mu.Lock()
	a.conn = conn
	a.setIOLocked(reader, writer)
	a.mu.Unlock()

	select {
	case openErr := <-conn.Opened():
		if openErr != nil {
			a.mu.Lock()
			a.forgetLocked()
			a.mu.Unlock()
			return a.failConnect(openErr)
		}
	case <-ctx.Done():
		a.mu.Lock()
		a.forgetLocked()
		a.mu.Unlock()
		go conn.Close(context.Background())
		return a.failConnect(ctx.Err())
	}

	a.mu.Lock()
	if a.state != StateConnecting {
		// Destroyed while awaiting the opened signal.
		err := a.termErr
		a.mu.Unlock()
		if err == nil {
			err = ErrDestroyed
		}
		return err
	}
	a.state = StateOpen
	a.mu.Unlock()

	go a.pump()
	a.emitConnect()
	return nil
}

func (a *Adapter) failConnect(err error) error {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return err
	}
	a.state = StateErrored
	a.termErr = err
	a.forgetLocked()
	a.mu.Unlock()

	a.log.Debug().Err(err).Msg("connect failed")
	a.emitError(err)
	return err
}

// StartTLS upgrades the transport in place. It is permitted exactly once:
// repeated attempts (or attempts while one is in flight) emit an error
// notification and leave the adapter untouched. The exclusive handles are
// released before the upgrade and reacquired from the replacement, and the
// closed-signal monitor is re-subscribed to the new handle.
func (a *Adapter) StartTLS(ctx context.Context, opts *socket.TLSOptions) error {
	a.mu.Lock()
	if a.tls != tlsNotUpgraded {
		a.mu.Unlock()
		a.emitError(ErrAlreadyUpgraded)
		return ErrAlreadyUpgraded
	}
	if a.state != StateOpen || a.conn == nil {
		a.mu.Unlock()
		a.emitError(ErrNotOpen)
		return ErrNotOpen
	}
	a.tls = tlsUpgrading
	old := a.conn
	a.upgradingFrom = old
	reader, writer := a.reader, a.writer
	a.reader, a.writer = nil, nil
	a.resetIOLocked()
	a.mu.Unlock()

	// Release without closing: the transport itself stays up for the
	// upgrade operation.
	if reader != nil {
		reader.Release()
	}
	if writer != nil {
		writer.Release()
	}

	if opts == nil {
		opts = a.tlsOpts
	}
	replacement, err := old.StartTLS(opts)
	if err != nil {
		a.log.Debug().Err(err).Msg("starttls failed")
		a.Destroy(ctx, err)
		return err
	}

	newReader, err := replacement.Reader()
	if err != nil {
		a.Destroy(ctx, err)
		return err
	}
	newWriter, err := replacement.Writer()
	if err != nil {
		newReader.Release()
		a.Destroy(ctx, err)
		return err
	}

	a.mu.Lock()
	if a.state != StateOpen {
		err := a.termErr
		a.mu.Unlock()
		newReader.Release()
		newWriter.Release()
		if err == nil {
			err = ErrDestroyed
		}
		return err
	}
	a.conn = replacement
	a.setIOLocked(newReader, newWriter)
	a.mu.Unlock()

	a.watchClosed(replacement)
	a.log.Debug().Msg("transport upgraded")
	return nil
}

// Write forwards p to the active writer. A zero-length chunk completes
// immediately with no transport interaction. Once End has been requested,
// writes fail with ErrNotOpen even while the close is still settling. Write
// failures are reported only through the returned error and are not fatal
// to the adapter.
func (a *Adapter) Write(ctx context.Context, p []byte) error {
	if len(p) == 0 {
		return nil
	}

	a.mu.Lock()
	if a.state != StateOpen {
		err := a.termErr
		a.mu.Unlock()
		if err == nil {
			err = ErrNotOpen
		}
		return err
	}
	if a.endRequested {
		a.mu.Unlock()
		return ErrNotOpen
	}
	writer := a.writer
	a.mu.Unlock()

	if writer == nil {
		return ErrNotOpen
	}
	return writer.Write(ctx, p)
}

// End signals end of output on the write side and then explicitly requests
// transport closure: a peer that itself awaits our closure would otherwise
// hang on a half-open connection. The terminal close notification follows
// once the transport's closed signal is observed.
func (a *Adapter) End(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateClosed {
		err := a.termErr
		a.mu.Unlock()
		return err
	}
	a.endRequested = true
	conn := a.conn
	writer := a.writer
	a.mu.Unlock()

	if conn == nil {
		// Transport already forgotten (peer closed first).
		return a.Destroy(ctx, nil)
	}

	if writer != nil {
		if err := writer.Close(ctx); err != nil && !socket.IsOKNetworkError(err) {
			a.log.Debug().Err(err).Msg("end of output failed")
		}
	}
	if err := conn.Close(ctx); err != nil && !socket.IsOKNetworkError(err) {
		a.log.Debug().Err(err).Msg("transport close failed")
	}
	return nil
}

// Destroy forcibly tears the adapter down. With no active transport it
// completes immediately; otherwise it requests transport closure and waits
// for it to settle (bounded by ctx). cause, if non-nil, is surfaced through
// OnError before the terminal close notification. Destroy is idempotent:
// repeated calls return the terminal error without side effects.
func (a *Adapter) Destroy(ctx context.Context, cause error) error {
	a.mu.Lock()
	if a.state == StateClosed {
		err := a.termErr
		a.mu.Unlock()
		return err
	}
	conn := a.conn
	a.forgetLocked()
	a.state = StateClosed
	if cause != nil {
		a.termErr = cause
	}
	a.mu.Unlock()

	a.stopPump()

	var closeErr error
	if conn != nil {
		closeErr = conn.Close(ctx)
	}

	if cause != nil {
		a.emitError(cause)
	} else if closeErr != nil && !socket.IsOKNetworkError(closeErr) && !errors.Is(closeErr, context.Canceled) && !errors.Is(closeErr, context.DeadlineExceeded) {
		// No trigger error: the close fault is the only diagnostic.
		a.log.Debug().Err(closeErr).Msg("transport close failed during destroy")
	}
	a.emitClose(cause)
	return nil
}

// forgetLocked drops the transport, reader and writer references, releasing
// the exclusive handles. Callers hold a.mu.
func (a *Adapter) forgetLocked() {
	if a.reader != nil {
		a.reader.Release()
		a.reader = nil
	}
	if a.writer != nil {
		a.writer.Release()
		a.writer = nil
	}
	a.conn = nil
	// Wake the pump so it can observe the state change.
	a.signalIOLocked()
}

// setIOLocked installs the exclusive handle pair. Callers hold a.mu.
func (a *Adapter) setIOLocked(r socket.Reader, w socket.Writer) {
	a.reader = r
	a.writer = w
	a.signalIOLocked()
}

func (a *Adapter) signalIOLocked() {
	if !a.ioReadyClosed {
		close(a.ioReady)
		a.ioReadyClosed = true
	}
}

func (a *Adapter) resetIOLocked() {
	a.ioReady = make(chan struct{})
	a.ioReadyClosed = false
}

func (a *Adapter) stopPump() {
	a.pumpStopOnce.Do(func() {
		close(a.pumpStop)
	})
}

// terminal reports whether transport events should be discarded.
func (a *Adapter) terminal() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == StateClosed || a.state == StateErrored
}
