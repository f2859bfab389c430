package adapter

import (
	"context"
	"errors"
	"io"

	"github.com/rtbenfield/pg-cloudflare/socket"
)

// Demand grants one read credit: the pump issues exactly one read against
// the active reader per credit, and never reads ahead of demand. Credits do
// not stack beyond one outstanding read plus one queued credit; this is the
// sole backpressure mechanism.
func (a *Adapter) Demand() {
	select {
	case a.demand <- struct{}{}:
	default:
	}
}

// pump services read credits one at a time for the lifetime of the
// connection. It runs on its own goroutine, started once the transport is
// open, and exits on end-of-stream, fatal read error or teardown.
func (a *Adapter) pump() {
	for {
		select {
		case <-a.pumpStop:
			return
		case <-a.demand:
		}

		reader := a.awaitReader()
		if reader == nil {
			return
		}

		chunk, err := reader.Read(context.Background())
		switch {
		case err == nil:
			if a.terminal() {
				// Settled after destroy: discard.
				return
			}
			a.emitData(chunk)

		case errors.Is(err, io.EOF):
			a.handleReadEnd()
			return

		case errors.Is(err, socket.ErrReleased):
			// The controller released the reader mid-upgrade. The
			// credit was consumed without producing a chunk, so
			// reinstate it before picking up the replacement reader.
			a.Demand()

		default:
			if a.terminal() {
				return
			}
			a.log.Debug().Err(err).Msg("read failed")
			_ = a.Destroy(context.Background(), err)
			return
		}
	}
}

// awaitReader returns the active reader, waiting out an in-flight upgrade.
// It returns nil once the adapter is terminal.
func (a *Adapter) awaitReader() socket.Reader {
	for {
		a.mu.Lock()
		if a.state != StateOpen {
			a.mu.Unlock()
			return nil
		}
		if a.reader != nil {
			reader := a.reader
			a.mu.Unlock()
			return reader
		}
		ready := a.ioReady
		a.mu.Unlock()

		select {
		case <-ready:
		case <-a.pumpStop:
			return nil
		}
	}
}

// handleReadEnd reacts to end-of-stream: the peer believes the exchange is
// over, so a later explicit close request on this transport would never
// settle. The references are forgotten immediately, then the end-of-stream
// notification is emitted. The adapter stays Open until the closed signal
// or an explicit destroy finishes the lifecycle.
func (a *Adapter) handleReadEnd() {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	a.forgetLocked()
	a.mu.Unlock()

	a.emitEnd()
}
