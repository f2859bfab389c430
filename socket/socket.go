// Package socket defines the restricted, capability-style socket primitive
// exposed by sandboxed runtimes: open-once transport handles with one-shot
// opened/closed signals, exclusive single-use reader/writer handles, and an
// explicit in-place TLS upgrade that replaces the handle mid-connection.
package socket

import (
	"context"
	"crypto/tls"
)

// TLSMode fixes the transport security of a handle at open time.
type TLSMode string

const (
	// TLSModeOff opens a plaintext handle that cannot be upgraded.
	TLSModeOff TLSMode = "off"
	// TLSModeStartTLS opens a plaintext handle that may be upgraded
	// exactly once via Conn.StartTLS.
	TLSModeStartTLS TLSMode = "starttls"
	// TLSModeOn performs the TLS handshake as part of opening.
	TLSModeOn TLSMode = "on"
)

// TLSOptions configures an in-place upgrade.
type TLSOptions struct {
	// ServerName is the expected certificate subject. Empty means the
	// dialed host.
	ServerName string
	// BaseConfig, when non-nil, is cloned and used as the starting TLS
	// configuration for the upgrade. Nil means platform defaults.
	BaseConfig *tls.Config
	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool
}

// Conn is a transport handle. A handle is single-owner: at most one reader
// and one writer are ever held from it, and a successful StartTLS
// invalidates it wholesale in favor of the returned replacement.
type Conn interface {
	// Opened returns the one-shot open signal. It delivers exactly one
	// value (nil on success, the open failure otherwise) and is then
	// closed.
	Opened() <-chan error

	// Closed returns the one-shot closed signal. It delivers exactly one
	// value once the transport is fully closed: nil for a plain closure,
	// non-nil when the signal itself rejected.
	Closed() <-chan error

	// Reader acquires the single-consumer readable source. It fails if
	// the reader is already held.
	Reader() (Reader, error)

	// Writer acquires the single-producer writable sink. It fails if the
	// writer is already held.
	Writer() (Writer, error)

	// StartTLS upgrades the transport in place and returns the
	// replacement handle. The receiving handle is invalidated: its
	// closed signal resolves as part of the upgrade. Only handles opened
	// with TLSModeStartTLS support the operation, and only once.
	StartTLS(opts *TLSOptions) (Conn, error)

	// Close requests transport closure and blocks until the peer
	// acknowledges it or ctx expires. A peer that already considers the
	// exchange over may never acknowledge.
	Close(ctx context.Context) error
}

// Reader is the exclusive readable handle of a Conn.
type Reader interface {
	// Read blocks for the next chunk. It returns io.EOF once the peer
	// has closed its write side. At most one Read may be in flight.
	Read(ctx context.Context) ([]byte, error)

	// Release returns the handle to the transport without closing it,
	// unblocking a reacquisition. Any in-flight Read fails.
	Release()
}

// Writer is the exclusive writable handle of a Conn.
type Writer interface {
	// Write forwards p to the transport. Completion follows the
	// transport's in-order contract.
	Write(ctx context.Context, p []byte) error

	// Close signals end of output (half-close). The transport stays
	// open for reading.
	Close(ctx context.Context) error

	// Release returns the handle to the transport without closing it.
	Release()
}

// Dialer opens transport handles. Dial returns the handle immediately; the
// outcome of opening is delivered on the handle's opened signal.
type Dialer interface {
	Dial(ctx context.Context, addr string, mode TLSMode) (Conn, error)
}
