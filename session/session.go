package session

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/rtbenfield/pg-cloudflare/adapter"
	"github.com/rtbenfield/pg-cloudflare/metrics"
	"github.com/rtbenfield/pg-cloudflare/socket"
)

// Status values reported by Session.Snapshot.
const (
	StatusOpen    = "open"
	StatusSecure  = "secure"
	StatusEnded   = "ended"
	StatusErrored = "errored"
	StatusClosed  = "closed"
)

// Session wraps a live adapter and buffers its data callbacks so the
// harness API can hand chunks out on demand.
type Session struct {
	Addr      string
	Transport string

	adapter *adapter.Adapter

	mu       sync.Mutex
	buf      bytes.Buffer
	bytesIn  uint64
	bytesOut uint64
	secure   bool
	ended    bool
	closed   bool
	lastErr  error
	notify   chan struct{}
}

// New dials host:port through d and returns the session once the
// transport is open. The adapter's callbacks feed the session buffer.
func New(ctx context.Context, d socket.Dialer, host string, port uint16, transport string, tlsRequired bool, tlsOpts *socket.TLSOptions) (*Session, error) {
	s := &Session{
		Addr:      net.JoinHostPort(host, strconv.Itoa(int(port))),
		Transport: transport,
		notify:    make(chan struct{}, 1),
	}

	s.adapter = adapter.New(d, adapter.Options{
		TLSRequired: tlsRequired,
		TLSOptions:  tlsOpts,
		Callbacks: adapter.Callbacks{
			OnData: func(p []byte) {
				metrics.BytesRead.Add(float64(len(p)))
				s.mu.Lock()
				s.buf.Write(p)
				s.bytesIn += uint64(len(p))
				s.mu.Unlock()
				s.wake()
			},
			OnEnd: func() {
				s.mu.Lock()
				s.ended = true
				s.mu.Unlock()
				s.wake()
			},
			OnError: func(err error) {
				log.Warn().Err(err).Str("session", s.ID()).Msg("session error")
				s.mu.Lock()
				s.lastErr = err
				s.mu.Unlock()
				s.wake()
			},
			OnClose: func(err error) {
				if err == nil {
					log.Debug().Str("session", s.ID()).Msg("session closed")
				} else {
					metrics.UnexpectedClosesTotal.Inc()
				}
				s.mu.Lock()
				s.closed = true
				s.mu.Unlock()
				s.wake()
			},
		},
	})

	if err := s.adapter.Connect(ctx, host, port); err != nil {
		metrics.ConnectsTotal.WithLabelValues(transport, "error").Inc()
		return nil, err
	}
	metrics.ConnectsTotal.WithLabelValues(transport, "ok").Inc()

	return s, nil
}

// ID returns the adapter's connection id.
func (s *Session) ID() string { return s.adapter.ID() }

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Write forwards p to the transport.
func (s *Session) Write(ctx context.Context, p []byte) error {
	if err := s.adapter.Write(ctx, p); err != nil {
		return err
	}
	metrics.BytesWritten.Add(float64(len(p)))
	s.mu.Lock()
	s.bytesOut += uint64(len(p))
	s.mu.Unlock()
	return nil
}

// Read requests more data and blocks until at least one byte is
// buffered, the stream ends, or ctx expires. It drains up to max bytes
// (the whole buffer when max <= 0). The returned bool reports whether
// the stream has ended with the buffer empty.
func (s *Session) Read(ctx context.Context, max int) ([]byte, bool, error) {
	s.adapter.Demand()
	for {
		s.mu.Lock()
		if s.buf.Len() > 0 {
			n := s.buf.Len()
			if max > 0 && max < n {
				n = max
			}
			p := make([]byte, n)
			_, _ = s.buf.Read(p)
			s.mu.Unlock()
			return p, false, nil
		}
		done := s.ended || s.closed
		err := s.lastErr
		s.mu.Unlock()

		if done {
			return nil, true, err
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-s.notify:
		}
	}
}

// StartTLS upgrades the transport in place.
func (s *Session) StartTLS(ctx context.Context, opts *socket.TLSOptions) error {
	if err := s.adapter.StartTLS(ctx, opts); err != nil {
		metrics.UpgradesTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.UpgradesTotal.WithLabelValues("ok").Inc()
	s.mu.Lock()
	s.secure = true
	s.mu.Unlock()
	return nil
}

// End half-closes the write side and asks the peer to finish.
func (s *Session) End(ctx context.Context) error {
	return s.adapter.End(ctx)
}

// Destroy tears the transport down immediately.
func (s *Session) Destroy(ctx context.Context) error {
	return s.adapter.Destroy(ctx, nil)
}

// Snapshot returns the session state for listings.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := StatusOpen
	switch {
	case s.closed && s.lastErr != nil:
		status = StatusErrored
	case s.closed:
		status = StatusClosed
	case s.ended:
		status = StatusEnded
	case s.secure:
		status = StatusSecure
	}

	info := Info{
		ID:        s.adapter.ID(),
		Addr:      s.Addr,
		Transport: s.Transport,
		Status:    status,
		BytesIn:   s.bytesIn,
		BytesOut:  s.bytesOut,
		Buffered:  s.buf.Len(),
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// Info is the wire-friendly view of a session.
type Info struct {
	ID        string `json:"id"`
	Addr      string `json:"addr"`
	Transport string `json:"transport"`
	Status    string `json:"status"`
	BytesIn   uint64 `json:"bytes_in"`
	BytesOut  uint64 `json:"bytes_out"`
	Buffered  int    `json:"buffered"`
	LastError string `json:"last_error,omitempty"`
}
