// Package echo implements the origin test server the adapter is exercised
// against: a byte-for-byte echo over plain TCP, TLS-from-start, or an
// explicit STARTTLS line handshake matching the upgrade-capable transport.
package echo

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rtbenfield/pg-cloudflare/config"
	"github.com/rtbenfield/pg-cloudflare/socket"
)

// Upgrade handshake lines for Mode "starttls".
const (
	StartTLSCommand  = "STARTTLS"
	StartTLSAccepted = "+OK"
)

// Server is an echo origin.
type Server struct {
	listener net.Listener
	mode     string
	tlsConf  *tls.Config
	pool     *WorkerPool
}

// NewServer opens the listener described by cfg.
func NewServer(cfg *config.Origin) (*Server, error) {
	tlsConf := cfg.TLSConfig
	switch cfg.Mode {
	case config.OriginModePlain:
	case config.OriginModeTLS, config.OriginModeStartTLS:
		if tlsConf == nil {
			return nil, fmt.Errorf("origin mode %q requires a TLS config", cfg.Mode)
		}
	default:
		return nil, fmt.Errorf("unsupported origin mode: %q", cfg.Mode)
	}

	var listener net.Listener
	var err error
	if cfg.Mode == config.OriginModeTLS {
		listener, err = tls.Listen("tcp", cfg.Address, tlsConf)
	} else {
		listener, err = net.Listen("tcp", cfg.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("could not listen on address: %w", err)
	}

	pool := NewWorkerPool(2, runtime.NumCPU()*4, 30*time.Second)
	pool.Start()

	return &Server{
		listener: listener,
		mode:     cfg.Mode,
		tlsConf:  tlsConf,
		pool:     pool,
	}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	log.Info().Str("addr", s.listener.Addr().String()).Str("mode", s.mode).Msg("echo origin started")

	var g errgroup.Group

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down echo origin")
		return s.listener.Close()
	})

	g.Go(func() error {
		defer s.pool.Stop()

		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if socket.IsUseOfClosedNetworkError(err) || errors.Is(err, context.Canceled) {
					return nil
				}
				log.Error().Err(err).Msg("failed to accept connection")
				continue
			}
			s.pool.Submit(func() {
				s.handle(conn)
			})
		}
	})

	if err := g.Wait(); err != nil && !socket.IsUseOfClosedNetworkError(err) {
		return err
	}
	return nil
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	var src io.Reader = conn
	dst := conn

	if s.mode == config.OriginModeStartTLS {
		upgraded, err := s.awaitStartTLS(conn)
		if err != nil {
			log.Debug().Err(err).Msg("starttls handshake failed")
			return
		}
		src = upgraded
		dst = upgraded
	}

	written, err := Copy(dst, src)
	if err != nil && !socket.IsOKNetworkError(err) {
		log.Error().Err(err).Msg("echo copy failed")
		return
	}
	log.Debug().Int64("bytes", written).Msg("echoed connection")

	// Propagate our end of stream before the deferred close so a peer
	// draining reads observes a clean EOF.
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

// awaitStartTLS reads the upgrade line, acknowledges it and performs the
// server-side handshake over the same connection.
func (s *Server) awaitStartTLS(conn net.Conn) (net.Conn, error) {
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read upgrade request: %w", err)
	}
	if strings.TrimRight(line, "\r\n") != StartTLSCommand {
		return nil, fmt.Errorf("unexpected upgrade request %q", line)
	}
	if br.Buffered() > 0 {
		// The client must wait for the acknowledgement before starting
		// the handshake.
		return nil, fmt.Errorf("unexpected data before upgrade acknowledgement")
	}
	if _, err := conn.Write([]byte(StartTLSAccepted + "\n")); err != nil {
		return nil, fmt.Errorf("failed to acknowledge upgrade: %w", err)
	}

	tc := tls.Server(conn, s.tlsConf)
	if err := tc.Handshake(); err != nil {
		return nil, fmt.Errorf("tls handshake failed: %w", err)
	}
	return tc, nil
}

const defaultBufferSize = 128 * 1024

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, defaultBufferSize)
		return &buf
	},
}

// Copy moves bytes between the peers through a pooled buffer.
func Copy(dst io.Writer, src io.Reader) (written int64, err error) {
	buffer := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(buffer)

	return io.CopyBuffer(dst, src, *buffer)
}
