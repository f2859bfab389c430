package main

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rtbenfield/pg-cloudflare/adapter"
	"github.com/rtbenfield/pg-cloudflare/echo"
	"github.com/rtbenfield/pg-cloudflare/socket"
	"github.com/rtbenfield/pg-cloudflare/socket/tcp"
)

var (
	connectPayload  string
	connectStartTLS bool
	connectInsecure bool
	connectTimeout  time.Duration
)

// connectCmd exercises the adapter end to end against a live origin
// without going through the harness daemon.
var connectCmd = &cobra.Command{
	Use:   "connect <host> <port>",
	Short: "Open a one-shot connection and echo a payload",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := strconv.ParseUint(args[1], 10, 16)
		if err != nil {
			return fmt.Errorf("failed to parse port: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
		defer cancel()

		data := make(chan []byte, 16)
		done := make(chan error, 1)

		tlsOpts := &socket.TLSOptions{InsecureSkipVerify: connectInsecure}
		a := adapter.New(tcp.NewDialer(tlsOpts), adapter.Options{
			TLSRequired: connectStartTLS,
			TLSOptions:  tlsOpts,
			Callbacks: adapter.Callbacks{
				OnData: func(p []byte) {
					q := make([]byte, len(p))
					copy(q, p)
					data <- q
				},
				OnClose: func(err error) {
					done <- err
				},
			},
		})

		if err := a.Connect(ctx, args[0], uint16(port)); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}

		if connectStartTLS {
			// The echo origin accepts an upgrade request in line form.
			if err := a.Write(ctx, []byte(echo.StartTLSCommand+"\n")); err != nil {
				return fmt.Errorf("failed to request upgrade: %w", err)
			}
			a.Demand()
			select {
			case p := <-data:
				if !bytes.HasPrefix(p, []byte(echo.StartTLSAccepted)) {
					return fmt.Errorf("origin rejected upgrade: %q", p)
				}
			case err := <-done:
				return fmt.Errorf("connection closed before upgrade: %w", err)
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := a.StartTLS(ctx, tlsOpts); err != nil {
				return fmt.Errorf("failed to upgrade: %w", err)
			}
			log.Info().Msg("connection upgraded")
		}

		if err := a.Write(ctx, []byte(connectPayload)); err != nil {
			return fmt.Errorf("failed to write payload: %w", err)
		}

		var got []byte
		for len(got) < len(connectPayload) {
			a.Demand()
			select {
			case p := <-data:
				got = append(got, p...)
			case err := <-done:
				if err != nil {
					return fmt.Errorf("connection closed: %w", err)
				}
				return fmt.Errorf("connection closed before full echo")
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		fmt.Printf("%s\n", got)

		if err := a.End(ctx); err != nil {
			log.Debug().Err(err).Msg("end failed")
		}
		select {
		case <-done:
		case <-ctx.Done():
		}
		return nil
	},
}

func init() {
	connectCmd.Flags().StringVar(&connectPayload, "payload", "ping", "Payload to echo")
	connectCmd.Flags().BoolVar(&connectStartTLS, "starttls", false, "Upgrade the connection before sending the payload")
	connectCmd.Flags().BoolVar(&connectInsecure, "insecure", false, "Skip TLS certificate verification")
	connectCmd.Flags().DurationVar(&connectTimeout, "timeout", 10*time.Second, "Overall timeout")
}
