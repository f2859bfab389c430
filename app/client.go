package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/peterbourgon/unixtransport"

	"github.com/rtbenfield/pg-cloudflare/config"
	"github.com/rtbenfield/pg-cloudflare/session"
)

type ClientKey struct{}

// Client talks to a running harness over HTTP, optionally through a unix
// socket.
type Client struct {
	http    *http.Client
	baseURL string
}

func NewClient(ctx context.Context, cfg *config.HarnessDialer) *Client {
	roundTripper := &http.Transport{
		ForceAttemptHTTP2: true,
	}
	baseURL := cfg.HarnessAddress
	split := strings.Split(cfg.HarnessAddress, "://")
	if split[0] == "unix" {
		unixtransport.Register(roundTripper)
		baseURL = "http+" + cfg.HarnessAddress + ":"
	}

	client := &http.Client{
		Transport: roundTripper,
		Timeout:   time.Second * 5,
	}

	return &Client{
		http:    client,
		baseURL: baseURL,
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("harness: %s", apiErr.Error)
		}
		return fmt.Errorf("harness: unexpected status %s", resp.Status)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) SessionCreate(ctx context.Context, req *SessionCreateRequest) (*session.Info, error) {
	var info session.Info
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &info); err != nil {
		return nil, fmt.Errorf("failed to request session create: %w", err)
	}

	return &info, nil
}

func (c *Client) SessionList(ctx context.Context) ([]session.Info, error) {
	var resp SessionListResponse
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to request sessions: %w", err)
	}

	return resp.Sessions, nil
}

func (c *Client) SessionGet(ctx context.Context, id string) (*session.Info, error) {
	var info session.Info
	if err := c.do(ctx, http.MethodGet, "/sessions/"+id, nil, &info); err != nil {
		return nil, fmt.Errorf("failed to request session: %w", err)
	}

	return &info, nil
}

func (c *Client) SessionWrite(ctx context.Context, id string, data []byte) error {
	if err := c.do(ctx, http.MethodPost, "/sessions/"+id+"/write", &SessionWriteRequest{Data: data}, nil); err != nil {
		return fmt.Errorf("failed to request session write: %w", err)
	}

	return nil
}

func (c *Client) SessionRead(ctx context.Context, id string, max, timeoutMS int) ([]byte, bool, error) {
	var resp SessionReadResponse
	if err := c.do(ctx, http.MethodPost, "/sessions/"+id+"/read", &SessionReadRequest{Max: max, TimeoutMS: timeoutMS}, &resp); err != nil {
		return nil, false, fmt.Errorf("failed to request session read: %w", err)
	}

	return resp.Data, resp.Ended, nil
}

func (c *Client) SessionStartTLS(ctx context.Context, id string, params *TLSParams) error {
	if params == nil {
		params = &TLSParams{}
	}
	if err := c.do(ctx, http.MethodPost, "/sessions/"+id+"/starttls", params, nil); err != nil {
		return fmt.Errorf("failed to request session starttls: %w", err)
	}

	return nil
}

func (c *Client) SessionEnd(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/sessions/"+id+"/end", struct{}{}, nil); err != nil {
		return fmt.Errorf("failed to request session end: %w", err)
	}

	return nil
}

func (c *Client) SessionDestroy(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/sessions/"+id, nil, nil); err != nil {
		return fmt.Errorf("failed to request session destroy: %w", err)
	}

	return nil
}
