package adapter

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtbenfield/pg-cloudflare/socket"
	"github.com/rtbenfield/pg-cloudflare/socket/socktest"
)

// recorder collects adapter notifications for assertions.
type recorder struct {
	mu       sync.Mutex
	connects int
	data     [][]byte
	ends     int
	errs     []error
	closes   []error

	dataCh  chan []byte
	endCh   chan struct{}
	closeCh chan error
}

func newRecorder() *recorder {
	return &recorder{
		dataCh:  make(chan []byte, 16),
		endCh:   make(chan struct{}, 1),
		closeCh: make(chan error, 1),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnConnect: func() {
			r.mu.Lock()
			r.connects++
			r.mu.Unlock()
		},
		OnData: func(p []byte) {
			r.mu.Lock()
			r.data = append(r.data, p)
			r.mu.Unlock()
			r.dataCh <- p
		},
		OnEnd: func() {
			r.mu.Lock()
			r.ends++
			r.mu.Unlock()
			r.endCh <- struct{}{}
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnClose: func(err error) {
			r.mu.Lock()
			r.closes = append(r.closes, err)
			r.mu.Unlock()
			r.closeCh <- err
		},
	}
}

func (r *recorder) connectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

func (r *recorder) errCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *recorder) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closes)
}

func (r *recorder) endCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ends
}

func waitClose(t *testing.T, r *recorder) error {
	t.Helper()
	select {
	case err := <-r.closeCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close notification")
		return nil
	}
}

func waitData(t *testing.T, r *recorder) []byte {
	t.Helper()
	select {
	case p := <-r.dataCh:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data")
		return nil
	}
}

func waitEnd(t *testing.T, r *recorder) {
	t.Helper()
	select {
	case <-r.endCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for end of stream")
	}
}

// openAdapter connects an adapter against a pre-opened scripted handle.
func openAdapter(t *testing.T, conn *socktest.Conn, rec *recorder) *Adapter {
	t.Helper()
	conn.ResolveOpened(nil)
	a := New(socktest.NewDialer(conn), Options{Callbacks: rec.callbacks()})
	require.NoError(t, a.Connect(context.Background(), "db.internal", 5432))
	require.Equal(t, StateOpen, a.State())
	return a
}

func TestConnectNotifiesOnceAfterOpenedSignal(t *testing.T) {
	conn := socktest.New()
	rec := newRecorder()
	a := New(socktest.NewDialer(conn), Options{Callbacks: rec.callbacks()})

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- a.Connect(context.Background(), "db.internal", 5432)
	}()

	// The opened signal has not resolved: no connect notification yet.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, rec.connectCount())
	require.Equal(t, StateConnecting, a.State())

	conn.ResolveOpened(nil)
	require.NoError(t, <-connectDone)
	assert.Equal(t, 1, rec.connectCount())
	assert.Equal(t, StateOpen, a.State())

	// A second connect must not fire the notification again.
	err := a.Connect(context.Background(), "db.internal", 5432)
	require.Error(t, err)
	assert.Equal(t, 1, rec.connectCount())
}

func TestConnectFailureIsErroredNotPanicked(t *testing.T) {
	conn := socktest.New()
	rec := newRecorder()
	a := New(socktest.NewDialer(conn), Options{Callbacks: rec.callbacks()})

	openErr := errors.New("connection refused")
	conn.ResolveOpened(openErr)

	err := a.Connect(context.Background(), "db.internal", 5432)
	require.ErrorIs(t, err, openErr)
	assert.Equal(t, StateErrored, a.State())
	assert.Equal(t, 0, rec.connectCount())
	assert.Equal(t, 1, rec.errCount())
}

func TestConnectRecordsDialMode(t *testing.T) {
	tests := []struct {
		name        string
		tlsRequired bool
		want        socket.TLSMode
	}{
		{name: "plaintext", tlsRequired: false, want: socket.TLSModeOff},
		{name: "upgrade capable", tlsRequired: true, want: socket.TLSModeStartTLS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := socktest.New()
			conn.ResolveOpened(nil)
			d := socktest.NewDialer(conn)
			a := New(d, Options{TLSRequired: tt.tlsRequired, Callbacks: newRecorder().callbacks()})
			require.NoError(t, a.Connect(context.Background(), "db.internal", 5432))
			require.Equal(t, []socket.TLSMode{tt.want}, d.Modes)
			require.Equal(t, []string{"db.internal:5432"}, d.Addrs)
		})
	}
}

func TestWriteZeroLengthSkipsTransport(t *testing.T) {
	conn := socktest.New()
	rec := newRecorder()
	a := openAdapter(t, conn, rec)

	require.NoError(t, a.Write(context.Background(), nil))
	require.NoError(t, a.Write(context.Background(), []byte{}))
	assert.Empty(t, conn.Writes())

	// Zero-length writes succeed even once the adapter is torn down.
	require.NoError(t, a.Destroy(context.Background(), nil))
	require.NoError(t, a.Write(context.Background(), nil))
}

func TestWriteForwardsChunks(t *testing.T) {
	conn := socktest.New()
	rec := newRecorder()
	a := openAdapter(t, conn, rec)

	require.NoError(t, a.Write(context.Background(), []byte("hello")))
	require.NoError(t, a.Write(context.Background(), []byte("world")))
	writes := conn.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, []byte("hello"), writes[0])
	assert.Equal(t, []byte("world"), writes[1])
}

func TestWriteErrorIsNotFatal(t *testing.T) {
	conn := socktest.New()
	rec := newRecorder()
	a := openAdapter(t, conn, rec)

	conn.WriteErr = errors.New("short write")
	err := a.Write(context.Background(), []byte("data"))
	require.ErrorIs(t, err, conn.WriteErr)

	// The failure is reported only through the write's own completion;
	// the adapter stays open.
	assert.Equal(t, StateOpen, a.State())
	assert.Equal(t, 0, rec.closeCount())
}

func TestWriteAfterDestroyFails(t *testing.T) {
	conn := socktest.New()
	rec := newRecorder()
	a := openAdapter(t, conn, rec)

	require.NoError(t, a.Destroy(context.Background(), nil))
	err := a.Write(context.Background(), []byte("data"))
	require.Error(t, err)
}

func TestEndClosesWriteSideThenTransport(t *testing.T) {
	conn := socktest.New()
	rec := newRecorder()
	a := openAdapter(t, conn, rec)

	require.NoError(t, a.End(context.Background()))
	assert.True(t, conn.WriterClosed())
	assert.Equal(t, 1, conn.CloseCalls())

	// The scripted close resolves the closed signal; the monitor finishes
	// the lifecycle with exactly one close notification.
	require.Nil(t, waitClose(t, rec))
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, 1, rec.closeCount())
	assert.Equal(t, 0, rec.errCount())
}

func TestWriteAfterEndFails(t *testing.T) {
	conn := socktest.New()
	conn.CloseBlocks = true
	rec := newRecorder()
	a := openAdapter(t, conn, rec)

	// A blocking close leaves the adapter Open while the closure settles;
	// writes must already be rejected in that window.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.End(ctx))
	require.Equal(t, StateOpen, a.State())

	err := a.Write(context.Background(), []byte("late"))
	require.ErrorIs(t, err, ErrNotOpen)
	assert.Empty(t, conn.Writes())

	// Zero-length writes still complete without touching the transport.
	require.NoError(t, a.Write(context.Background(), nil))
}

func TestDestroyIsIdempotent(t *testing.T) {
	conn := socktest.New()
	rec := newRecorder()
	a := openAdapter(t, conn, rec)

	cause := errors.New("query cancelled")
	require.NoError(t, a.Destroy(context.Background(), cause))
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, 1, conn.CloseCalls())

	// Later calls re-report the terminal error without touching the
	// transport again.
	require.ErrorIs(t, a.Destroy(context.Background(), nil), cause)
	assert.Equal(t, 1, conn.CloseCalls())
	assert.Equal(t, 1, rec.closeCount())
	assert.Equal(t, 1, rec.errCount())
}

func TestDestroyWithoutTransportCompletesImmediately(t *testing.T) {
	rec := newRecorder()
	a := New(socktest.NewDialer(), Options{Callbacks: rec.callbacks()})

	require.NoError(t, a.Destroy(context.Background(), nil))
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, 1, rec.closeCount())
}

func TestUnexpectedCloseDestroysWithSingleNotification(t *testing.T) {
	conn := socktest.New()
	rec := newRecorder()
	a := openAdapter(t, conn, rec)

	// Peer disappears: the closed signal resolves with no diagnostic
	// detail while no upgrade is in flight.
	conn.ResolveClosed(nil)

	require.Nil(t, waitClose(t, rec))
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, 1, rec.closeCount())
	assert.Equal(t, 0, rec.errCount())
	// The transport was already forgotten; no close request was issued.
	assert.Equal(t, 0, conn.CloseCalls())
}

func TestRejectedClosedSignalSurfacesError(t *testing.T) {
	conn := socktest.New()
	rec := newRecorder()
	a := openAdapter(t, conn, rec)

	sigErr := errors.New("close signal rejected")
	conn.ResolveClosed(sigErr)

	require.Eventually(t, func() bool { return rec.errCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	// Surfaced as an error notification, not a silent teardown.
	assert.Equal(t, StateOpen, a.State())
	assert.Equal(t, 0, rec.closeCount())
}

func TestReadEndThenDestroySkipsSecondClose(t *testing.T) {
	conn := socktest.New()
	rec := newRecorder()
	a := openAdapter(t, conn, rec)

	conn.QueueReadErr(io.EOF)
	a.Demand()
	waitEnd(t, rec)

	// The peer considers the exchange over; a close request would never
	// settle, so none may be issued.
	require.NoError(t, a.Destroy(context.Background(), nil))
	assert.Equal(t, 0, conn.CloseCalls())
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, 1, rec.endCount())
	assert.Equal(t, 1, rec.closeCount())
}
