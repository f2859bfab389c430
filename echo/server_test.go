package echo

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rtbenfield/pg-cloudflare/config"
	"github.com/rtbenfield/pg-cloudflare/utils/certs"
)

func startOrigin(t *testing.T, cfg *config.Origin) *Server {
	t.Helper()

	s, err := NewServer(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("origin did not shut down")
		}
	})
	return s
}

func roundTrip(t *testing.T, conn net.Conn, payload string) {
	t.Helper()

	_, err := conn.Write([]byte(payload))
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, payload, string(buf))
}

func TestOriginRejectsBadConfig(t *testing.T) {
	_, err := NewServer(&config.Origin{Address: "127.0.0.1:0", Mode: "h3"})
	require.Error(t, err)

	_, err = NewServer(&config.Origin{Address: "127.0.0.1:0", Mode: config.OriginModeTLS})
	require.Error(t, err)
}

func TestOriginPlainEcho(t *testing.T) {
	s := startOrigin(t, &config.Origin{Address: "127.0.0.1:0", Mode: config.OriginModePlain})

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	roundTrip(t, conn, "hello")
	roundTrip(t, conn, "again")

	// Half-close propagates as a clean end of stream.
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestOriginTLSEcho(t *testing.T) {
	serverConf, clientConf, err := certs.Ephemeral("127.0.0.1")
	require.NoError(t, err)

	s := startOrigin(t, &config.Origin{Address: "127.0.0.1:0", Mode: config.OriginModeTLS, TLSConfig: serverConf})

	conn, err := tls.Dial("tcp", s.Addr().String(), clientConf)
	require.NoError(t, err)
	defer conn.Close()

	roundTrip(t, conn, "over tls")
}

func TestOriginStartTLSEcho(t *testing.T) {
	serverConf, clientConf, err := certs.Ephemeral("127.0.0.1")
	require.NoError(t, err)

	s := startOrigin(t, &config.Origin{Address: "127.0.0.1:0", Mode: config.OriginModeStartTLS, TLSConfig: serverConf})

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(StartTLSCommand + "\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(io.LimitReader(conn, int64(len(StartTLSAccepted)+1))).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, StartTLSAccepted+"\n", line)

	tc := tls.Client(conn, clientConf)
	require.NoError(t, tc.Handshake())

	roundTrip(t, tc, "secret")
}

func TestOriginStartTLSRejectsBadCommand(t *testing.T) {
	serverConf, _, err := certs.Ephemeral("127.0.0.1")
	require.NoError(t, err)

	s := startOrigin(t, &config.Origin{Address: "127.0.0.1:0", Mode: config.OriginModeStartTLS, TLSConfig: serverConf})

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("EHLO\n"))
	require.NoError(t, err)

	// The origin drops the connection without acknowledging.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
}
