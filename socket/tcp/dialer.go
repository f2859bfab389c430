// Package tcp implements the restricted socket capability over plain TCP,
// with in-place TLS upgrade delegated to crypto/tls.
package tcp

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/rtbenfield/pg-cloudflare/socket"
)

var (
	// DefaultBackoff is the default backoff used when opening a
	// transport handle.
	DefaultBackoff = wait.Backoff{
		Steps:    5,
		Duration: 100 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.1,
	}
)

// Dialer opens TCP-backed transport handles. The handle is returned
// immediately; dialing proceeds in the background and settles the handle's
// opened signal.
type Dialer struct {
	backoff wait.Backoff
	tlsOpts *socket.TLSOptions
	nd      net.Dialer
}

var _ socket.Dialer = (*Dialer)(nil)

// NewDialer returns a Dialer with the default backoff. tlsOpts applies to
// handles opened with TLSModeOn; it may be nil.
func NewDialer(tlsOpts *socket.TLSOptions) *Dialer {
	return &Dialer{backoff: DefaultBackoff, tlsOpts: tlsOpts}
}

func (d *Dialer) Dial(ctx context.Context, addr string, mode socket.TLSMode) (socket.Conn, error) {
	switch mode {
	case socket.TLSModeOff, socket.TLSModeStartTLS, socket.TLSModeOn:
	default:
		return nil, socket.ErrUpgradeUnsupported
	}

	conn := newConn(mode)
	go d.open(ctx, conn, addr, mode)
	return conn, nil
}

func (d *Dialer) open(ctx context.Context, conn *Conn, addr string, mode socket.TLSMode) {
	var nc net.Conn
	var lastErr error

	err := wait.ExponentialBackoffWithContext(ctx, d.backoff, func(ctx context.Context) (bool, error) {
		c, err := d.nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			if socket.IsPeerGoneError(err) {
				log.Debug().Err(err).Str("addr", addr).Msg("dial refused, retrying")
				return false, nil
			}
			return false, err
		}
		nc = c
		return true, nil
	})
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}
		conn.resolveOpened(err)
		return
	}

	if mode == socket.TLSModeOn {
		tc := tls.Client(nc, tlsConfig(nc, d.tlsOpts))
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			conn.resolveOpened(err)
			return
		}
		nc = tc
	}

	conn.mu.Lock()
	if conn.detached {
		// Closed before opening finished.
		conn.mu.Unlock()
		nc.Close()
		conn.resolveOpened(socket.ErrConnClosed)
		return
	}
	conn.nc = nc
	conn.mu.Unlock()
	conn.resolveOpened(nil)
}
