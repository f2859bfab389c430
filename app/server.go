package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/rtbenfield/pg-cloudflare/config"
	"github.com/rtbenfield/pg-cloudflare/session"
	"github.com/rtbenfield/pg-cloudflare/socket"
	"github.com/rtbenfield/pg-cloudflare/socket/quic"
	"github.com/rtbenfield/pg-cloudflare/socket/tcp"
)

// TLSParams is the wire form of socket.TLSOptions.
type TLSParams struct {
	ServerName         string `json:"server_name,omitempty"`
	CertFile           string `json:"cert_file,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
}

func (p *TLSParams) options() *socket.TLSOptions {
	if p == nil {
		return nil
	}
	return &socket.TLSOptions{
		ServerName:         p.ServerName,
		InsecureSkipVerify: p.InsecureSkipVerify,
	}
}

type SessionCreateRequest struct {
	Host      string     `json:"host"`
	Port      uint16     `json:"port"`
	Transport string     `json:"transport"`
	UseTLS    bool       `json:"use_tls"`
	TLS       *TLSParams `json:"tls,omitempty"`
}

type SessionWriteRequest struct {
	Data []byte `json:"data"`
}

type SessionReadRequest struct {
	Max       int `json:"max,omitempty"`
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

type SessionReadResponse struct {
	Data  []byte `json:"data,omitempty"`
	Ended bool   `json:"ended"`
}

type SessionListResponse struct {
	Sessions []session.Info `json:"sessions"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Handler struct {
	sessionManager *session.Manager
	ctx            context.Context
}

func (h *Handler) dialer(req *SessionCreateRequest) (socket.Dialer, error) {
	switch req.Transport {
	case "", "tcp":
		return tcp.NewDialer(req.TLS.options()), nil
	case "quic":
		certFile := ""
		if req.TLS != nil {
			certFile = req.TLS.CertFile
		}
		return quic.NewDialer(req.TLS.options(), certFile)
	default:
		return nil, fmt.Errorf("unsupported transport: %s", req.Transport)
	}
}

func (h *Handler) SessionCreate(w http.ResponseWriter, r *http.Request) {
	var req SessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log.Info().Any("req", req).Msg("SessionCreate()")

	d, err := h.dialer(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	transport := req.Transport
	if transport == "" {
		transport = "tcp"
	}

	s, err := session.New(r.Context(), d, req.Host, req.Port, transport, req.UseTLS, req.TLS.options())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	h.sessionManager.Add(s)

	writeJSON(w, http.StatusCreated, s.Snapshot())
}

func (h *Handler) SessionList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SessionListResponse{Sessions: h.sessionManager.List()})
}

func (h *Handler) SessionGet(w http.ResponseWriter, r *http.Request) {
	s := h.sessionManager.Get(r.PathValue("id"))
	if s == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %q does not exist", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handler) SessionWrite(w http.ResponseWriter, r *http.Request) {
	s := h.sessionManager.Get(r.PathValue("id"))
	if s == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %q does not exist", r.PathValue("id")))
		return
	}

	var req SessionWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.Write(r.Context(), req.Data); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handler) SessionRead(w http.ResponseWriter, r *http.Request) {
	s := h.sessionManager.Get(r.PathValue("id"))
	if s == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %q does not exist", r.PathValue("id")))
		return
	}

	var req SessionReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	p, ended, err := s.Read(ctx, req.Max)
	if err != nil && !ended {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionReadResponse{Data: p, Ended: ended})
}

func (h *Handler) SessionStartTLS(w http.ResponseWriter, r *http.Request) {
	s := h.sessionManager.Get(r.PathValue("id"))
	if s == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %q does not exist", r.PathValue("id")))
		return
	}

	var req TLSParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.StartTLS(r.Context(), req.options()); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handler) SessionEnd(w http.ResponseWriter, r *http.Request) {
	s := h.sessionManager.Get(r.PathValue("id"))
	if s == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %q does not exist", r.PathValue("id")))
		return
	}

	if err := s.End(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handler) SessionDestroy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s := h.sessionManager.Get(id)
	if s == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %q does not exist", id))
		return
	}

	if err := s.Destroy(r.Context()); err != nil {
		log.Debug().Err(err).Str("session", id).Msg("destroy returned terminal error")
	}
	h.sessionManager.Remove(id)
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

type Server struct {
	serverInstance *http.Server
	ctx            context.Context
}

func NewServer(ctx context.Context, cfg *config.Harness) *Server {
	h := &Handler{
		sessionManager: session.NewManager(),
		ctx:            ctx,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", h.SessionCreate)
	mux.HandleFunc("GET /sessions", h.SessionList)
	mux.HandleFunc("GET /sessions/{id}", h.SessionGet)
	mux.HandleFunc("POST /sessions/{id}/write", h.SessionWrite)
	mux.HandleFunc("POST /sessions/{id}/read", h.SessionRead)
	mux.HandleFunc("POST /sessions/{id}/starttls", h.SessionStartTLS)
	mux.HandleFunc("POST /sessions/{id}/end", h.SessionEnd)
	mux.HandleFunc("DELETE /sessions/{id}", h.SessionDestroy)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Handler: h2c.NewHandler(mux, &http2.Server{}),
	}

	return &Server{
		serverInstance: srv,
		ctx:            ctx,
	}
}

func (s *Server) Run(listener net.Listener) error {
	g := &errgroup.Group{}

	g.Go(func() error {
		<-s.ctx.Done()
		log.Info().Msg("shutting down harness server")
		return s.ShutDownGracefully()
	})

	g.Go(func() error {
		if err := s.serverInstance.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start harness server: %w", err)
		}

		return nil
	})

	return g.Wait()
}

func (s *Server) ShutDownGracefully() error {
	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := s.serverInstance.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to close harness server: %w", err)
	}

	return nil
}
