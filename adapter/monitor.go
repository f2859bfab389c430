package adapter

import (
	"context"

	"github.com/rtbenfield/pg-cloudflare/socket"
)

// watchClosed subscribes to conn's one-shot closed signal. It is called for
// every handle the adapter adopts, so the monitor is always attached to the
// currently active transport and stays attached to the pre-upgrade one long
// enough to observe its self-teardown.
func (a *Adapter) watchClosed(conn socket.Conn) {
	go func() {
		err, ok := <-conn.Closed()
		if !ok {
			err = nil
		}
		a.onClosedSignal(conn, err)
	}()
}

// onClosedSignal classifies a resolved closed signal. While an upgrade is in
// flight, only the pre-upgrade handle's signal is the expected self-teardown
// that completes the upgrade; any other handle closing in that window is a
// real disconnect. A real disconnect may carry no diagnostic detail at all:
// a peer silently rejecting an untrusted certificate surfaces only here,
// since the opened signal never resolves in that failure mode.
func (a *Adapter) onClosedSignal(conn socket.Conn, sigErr error) {
	if sigErr != nil {
		// The signal itself rejected: surface it rather than silently
		// destroying.
		if !a.terminal() {
			a.emitError(sigErr)
		}
		return
	}

	a.mu.Lock()
	if a.state == StateClosed || a.state == StateErrored {
		a.mu.Unlock()
		return
	}
	if a.tls == tlsUpgrading {
		if conn == a.upgradingFrom {
			a.tls = tlsUpgraded
			a.upgradingFrom = nil
			a.mu.Unlock()
			a.log.Debug().Msg("pre-upgrade transport torn down")
			return
		}
		// The replacement itself closed mid-upgrade: the peer rejected
		// the handshake before the upgrade could complete.
		a.forgetLocked()
		a.mu.Unlock()
		a.log.Debug().Msg("transport closed during upgrade")
		_ = a.Destroy(context.Background(), nil)
		return
	}
	if a.conn != nil && conn != a.conn {
		// Stale signal from a handle that is no longer active.
		a.mu.Unlock()
		return
	}
	a.forgetLocked()
	a.mu.Unlock()

	a.log.Debug().Msg("transport closed")
	_ = a.Destroy(context.Background(), nil)
}
