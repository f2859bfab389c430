package config

import (
	"crypto/tls"
	"time"
)

var (
	ShutdownTimeout = 2 * time.Second
	PgsockPath      = "/etc/pgsock"
)

// Origin modes.
const (
	OriginModePlain    = "plain"
	OriginModeTLS      = "tls"
	OriginModeStartTLS = "starttls"
)

// Origin configures the echo origin server.
type Origin struct {
	Address   string
	Mode      string
	TLSConfig *tls.Config
}

// Harness configures the HTTP harness server.
type Harness struct {
	Address string
}

// HarnessDialer configures the harness client.
type HarnessDialer struct {
	// HarnessAddress is a scheme-qualified address, e.g.
	// "unix:///var/run/pgsock.sock" or "http://127.0.0.1:11051".
	HarnessAddress string
}

// Dialer configures the socket capability backends.
type Dialer struct {
	// Transport selects the backend: "tcp" or "quic".
	Transport string
	TLSConfig *TLSConfig
}

// TLSConfig carries the upgrade/verification settings handed to the
// capability backends.
type TLSConfig struct {
	ServerName         string
	CertFile           string
	InsecureSkipVerify bool
}
