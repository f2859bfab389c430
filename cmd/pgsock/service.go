package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rtbenfield/pg-cloudflare/app"
	"github.com/rtbenfield/pg-cloudflare/config"
)

var (
	serviceName = "pgsock"
	serviceCmd  = &cobra.Command{
		Use:   "service",
		Short: "Harness service commands",
	}
)

func init() {
	serviceCmd.PersistentFlags().StringVarP(&harnessAddr, "harness-addr", "d", harnessAddr, "Harness listen address (e.g., unix:///var/run/pgsock.sock)")

	serviceCmd.AddCommand(
		serviceStartCmd,
		serviceInstallCmd,
		serviceUninstallCmd,
		serviceRunCmd,
		serviceStopCmd,
		serviceRestartCmd,
		serviceStatusCmd,
	)
}

func newSVCConfig() *service.Config {
	return &service.Config{
		Name:        serviceName,
		DisplayName: "Pgsock",
		Description: "Streaming-socket harness bridging classic clients onto restricted capability transports",
		Option:      make(service.KeyValue),
	}
}

func newSVC(prg *program, conf *service.Config) (service.Service, error) {
	s, err := service.New(prg, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, nil
}

type program struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newProgram(ctx context.Context, cancel context.CancelFunc) *program {
	return &program{ctx: ctx, cancel: cancel}
}

func (p *program) Start(svc service.Service) error {
	log.Info().Msg("starting pgsock harness")

	split := strings.Split(harnessAddr, "://")
	// cleanup failed close
	stat, err := os.Stat(split[1])
	if err == nil && !stat.IsDir() {
		if err := os.Remove(split[1]); err != nil {
			log.Error().Msg("failed to remove existing socket file")
		}
	}

	listen, err := net.Listen(split[0], split[1])
	if err != nil {
		log.Error().Err(err).Msg("failed to listen harness interface")
		return err
	}

	go func() {
		defer listen.Close()

		if err := os.Chmod(split[1], 0666); err != nil {
			log.Error().Msgf("failed setting harness permissions: %v", split[1])
			return
		}

		s := app.NewServer(p.ctx, &config.Harness{Address: harnessAddr})

		log.Info().Msgf("starting harness at %s ...", harnessAddr)
		if err := s.Run(listen); err != nil {
			log.Error().Err(err).Msg("failed to start harness")
			return
		}

		log.Info().Msg("harness stopped gracefully")
	}()

	return nil
}

func (p *program) Stop(srv service.Service) error {
	p.cancel()

	// Wait for the all services to stop
	time.Sleep(config.ShutdownTimeout)
	log.Info().Msg("harness stopped")
	return nil
}
