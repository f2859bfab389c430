package tcp

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/rtbenfield/pg-cloudflare/socket"
	"github.com/rtbenfield/pg-cloudflare/utils/certs"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// echoListener accepts a single connection and echoes everything until EOF.
func echoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
		if cw, ok := c.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
	}()
	return ln
}

func openConn(t *testing.T, ctx context.Context, addr string, mode socket.TLSMode) socket.Conn {
	t.Helper()
	conn, err := NewDialer(nil).Dial(ctx, addr, mode)
	require.NoError(t, err)
	require.NoError(t, <-conn.Opened())
	return conn
}

func TestDialEchoAndClose(t *testing.T) {
	ctx := testCtx(t)
	ln := echoListener(t)

	conn := openConn(t, ctx, ln.Addr().String(), socket.TLSModeOff)

	r, err := conn.Reader()
	require.NoError(t, err)
	w, err := conn.Writer()
	require.NoError(t, err)

	require.NoError(t, w.Write(ctx, []byte("hello")))
	p, err := r.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello", string(p))

	require.NoError(t, conn.Close(ctx))
	select {
	case err := <-conn.Closed():
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("closed signal never settled")
	}
}

func TestExclusiveHandles(t *testing.T) {
	ctx := testCtx(t)
	ln := echoListener(t)

	conn := openConn(t, ctx, ln.Addr().String(), socket.TLSModeOff)
	defer conn.Close(ctx)

	r, err := conn.Reader()
	require.NoError(t, err)
	_, err = conn.Reader()
	require.ErrorIs(t, err, socket.ErrReaderHeld)

	w, err := conn.Writer()
	require.NoError(t, err)
	_, err = conn.Writer()
	require.ErrorIs(t, err, socket.ErrWriterHeld)

	r.Release()
	w.Release()

	_, err = conn.Reader()
	require.NoError(t, err)
	_, err = conn.Writer()
	require.NoError(t, err)
}

func TestReadEOFResolvesClosed(t *testing.T) {
	ctx := testCtx(t)
	ln := echoListener(t)

	conn := openConn(t, ctx, ln.Addr().String(), socket.TLSModeOff)

	r, err := conn.Reader()
	require.NoError(t, err)
	w, err := conn.Writer()
	require.NoError(t, err)

	// Half-close so the echo peer drains and closes in turn.
	require.NoError(t, w.Write(ctx, []byte("bye")))
	require.NoError(t, w.Close(ctx))

	p, err := r.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "bye", string(p))

	_, err = r.Read(ctx)
	require.ErrorIs(t, err, io.EOF)

	select {
	case err := <-conn.Closed():
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("closed signal never settled after EOF")
	}
}

func TestDialFailureSettlesOpened(t *testing.T) {
	ctx := testCtx(t)

	// Grab a port and close it again so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	d := NewDialer(nil)
	d.backoff = wait.Backoff{Steps: 2, Duration: 10 * time.Millisecond, Factor: 2.0}

	conn, err := d.Dial(ctx, addr, socket.TLSModeOff)
	require.NoError(t, err)

	select {
	case err := <-conn.Opened():
		require.Error(t, err)
	case <-ctx.Done():
		t.Fatal("opened signal never settled")
	}
}

func TestReadCancellation(t *testing.T) {
	ctx := testCtx(t)
	ln := echoListener(t)

	conn := openConn(t, ctx, ln.Addr().String(), socket.TLSModeOff)
	defer conn.Close(ctx)

	r, err := conn.Reader()
	require.NoError(t, err)

	readCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := r.Read(readCtx)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-ctx.Done():
		t.Fatal("read never unblocked after cancellation")
	}
}

func TestReleaseUnblocksPendingRead(t *testing.T) {
	ctx := testCtx(t)
	ln := echoListener(t)

	conn := openConn(t, ctx, ln.Addr().String(), socket.TLSModeOff)
	defer conn.Close(ctx)

	r, err := conn.Reader()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.Read(ctx)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	r.Release()

	select {
	case err := <-done:
		require.ErrorIs(t, err, socket.ErrReleased)
	case <-ctx.Done():
		t.Fatal("read never unblocked after release")
	}
}

// startTLSListener accepts one connection, exchanges a plaintext
// ping/pong, performs the server-side handshake and echoes over TLS.
func startTLSListener(t *testing.T, serverConf *tls.Config) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		buf := make([]byte, 4)
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		if _, err := c.Write([]byte("pong")); err != nil {
			return
		}

		tc := tls.Server(c, serverConf)
		if err := tc.Handshake(); err != nil {
			return
		}
		io.Copy(tc, tc)
	}()
	return ln
}

func TestStartTLSUpgrade(t *testing.T) {
	ctx := testCtx(t)

	serverConf, clientConf, err := certs.Ephemeral("127.0.0.1")
	require.NoError(t, err)
	ln := startTLSListener(t, serverConf)

	conn := openConn(t, ctx, ln.Addr().String(), socket.TLSModeStartTLS)

	r, err := conn.Reader()
	require.NoError(t, err)
	w, err := conn.Writer()
	require.NoError(t, err)

	require.NoError(t, w.Write(ctx, []byte("ping")))
	p, err := r.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "pong", string(p))

	// Handles must be returned before the upgrade.
	_, err = conn.StartTLS(&socket.TLSOptions{BaseConfig: clientConf})
	require.ErrorIs(t, err, socket.ErrReaderHeld)
	r.Release()
	_, err = conn.StartTLS(&socket.TLSOptions{BaseConfig: clientConf})
	require.ErrorIs(t, err, socket.ErrWriterHeld)
	w.Release()

	replacement, err := conn.StartTLS(&socket.TLSOptions{BaseConfig: clientConf})
	require.NoError(t, err)

	// The pre-upgrade handle tears itself down as part of the upgrade.
	select {
	case err := <-conn.Closed():
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("old handle's closed signal never settled")
	}
	require.NoError(t, <-replacement.Opened())

	nr, err := replacement.Reader()
	require.NoError(t, err)
	nw, err := replacement.Writer()
	require.NoError(t, err)

	require.NoError(t, nw.Write(ctx, []byte("secret")))
	p, err = nr.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "secret", string(p))

	// A second upgrade on the invalidated handle is refused.
	_, err = conn.StartTLS(&socket.TLSOptions{BaseConfig: clientConf})
	require.ErrorIs(t, err, socket.ErrUpgradeUnsupported)

	require.NoError(t, replacement.Close(ctx))
}

func TestStartTLSModeOffUnsupported(t *testing.T) {
	ctx := testCtx(t)
	ln := echoListener(t)

	conn := openConn(t, ctx, ln.Addr().String(), socket.TLSModeOff)
	defer conn.Close(ctx)

	_, err := conn.StartTLS(nil)
	require.ErrorIs(t, err, socket.ErrUpgradeUnsupported)
}

func TestStartTLSRejectedCertificateClosesSilently(t *testing.T) {
	ctx := testCtx(t)

	serverConf, clientConf, err := certs.Ephemeral("127.0.0.1")
	require.NoError(t, err)
	ln := startTLSListener(t, serverConf)

	conn := openConn(t, ctx, ln.Addr().String(), socket.TLSModeStartTLS)

	r, err := conn.Reader()
	require.NoError(t, err)
	w, err := conn.Writer()
	require.NoError(t, err)

	require.NoError(t, w.Write(ctx, []byte("ping")))
	_, err = r.Read(ctx)
	require.NoError(t, err)
	r.Release()
	w.Release()

	// Verification against a name the certificate does not carry: the
	// handshake fails and surfaces only as the replacement's closure.
	bad := clientConf.Clone()
	replacement, err := conn.StartTLS(&socket.TLSOptions{BaseConfig: bad, ServerName: "untrusted.example"})
	require.NoError(t, err)

	select {
	case err := <-replacement.Closed():
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("replacement never closed after rejected handshake")
	}
}
