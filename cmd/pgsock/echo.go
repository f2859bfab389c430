package main

import (
	"crypto/tls"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rtbenfield/pg-cloudflare/config"
	"github.com/rtbenfield/pg-cloudflare/echo"
	"github.com/rtbenfield/pg-cloudflare/utils/certs"
)

var (
	echoAddr string
	echoMode string
)

var (
	echoCmd = &cobra.Command{
		Use:   "echo",
		Short: "Run an echo origin server",
		Run: func(cmd *cobra.Command, args []string) {
			var tc *tls.Config
			if echoMode != config.OriginModePlain {
				cm := certs.NewSelfSignedCertManager("pgsock_echo", config.PgsockPath)
				var err error
				tc, err = cm.ServerTLSConfig()
				if err != nil {
					log.Error().Err(err).Msg("failed to get tls config")
					return
				}
			}

			s, err := echo.NewServer(&config.Origin{
				Address:   echoAddr,
				Mode:      echoMode,
				TLSConfig: tc,
			})
			if err != nil {
				log.Error().Err(err).Msg("failed to create echo server")
				return
			}

			log.Info().Msgf("echo origin listening at %s (%s)", s.Addr(), echoMode)
			if err := s.Serve(cmd.Context()); err != nil {
				log.Error().Err(err).Msg("echo server stopped")
			}
		},
	}
)

func init() {
	echoCmd.Flags().StringVar(&echoAddr, "addr", "127.0.0.1:9090", "Listen address")
	echoCmd.Flags().StringVar(&echoMode, "mode", config.OriginModePlain, "Origin mode (plain, tls or starttls)")
}
