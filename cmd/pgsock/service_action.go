package main

import (
	"context"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serviceStartCmd = &cobra.Command{
		Use:   "start",
		Short: "Start harness service",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(cmd.Context())
			s, err := newSVC(newProgram(ctx, cancel), newSVCConfig())
			if err != nil {
				log.Error().Err(err).Msg("failed to create harness service")
				return
			}

			if err := s.Start(); err != nil {
				log.Error().Err(err).Msg("failed to start service")
				return
			}

			log.Info().Msg("service started")
		},
	}

	serviceRunCmd = &cobra.Command{
		Use:   "run",
		Short: "Run harness in foreground mode",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogger(logFile)
		},
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(cmd.Context())
			s, err := newSVC(newProgram(ctx, cancel), newSVCConfig())
			if err != nil {
				log.Error().Err(err).Msg("failed to create harness service")
				return
			}

			if err := s.Run(); err != nil {
				log.Error().Err(err).Msg("failed to run service")
				return
			}
		},
	}

	serviceStopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop harness service",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(cmd.Context())
			s, err := newSVC(newProgram(ctx, cancel), newSVCConfig())
			if err != nil {
				log.Error().Err(err).Msg("failed to create harness service")
				return
			}

			if err := s.Stop(); err != nil {
				log.Error().Err(err).Msg("failed to stop service")
				return
			}

			log.Info().Msg("service stopped")
		},
	}

	serviceRestartCmd = &cobra.Command{
		Use:   "restart",
		Short: "Restart harness service",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(cmd.Context())
			s, err := newSVC(newProgram(ctx, cancel), newSVCConfig())
			if err != nil {
				log.Error().Err(err).Msg("failed to create harness service")
				return
			}

			if err := s.Restart(); err != nil {
				log.Error().Err(err).Msg("failed to restart service")
				return
			}

			log.Info().Msg("service restarted")
		},
	}

	serviceStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Harness service status",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(cmd.Context())
			s, err := newSVC(newProgram(ctx, cancel), newSVCConfig())
			if err != nil {
				log.Error().Err(err).Msg("failed to create harness service")
				return
			}

			status, err := s.Status()
			if err != nil {
				log.Error().Err(err).Msg("failed to get service status")
				return
			}

			if status == service.StatusRunning {
				log.Info().Msg("service is running")
				return
			}
			if status == service.StatusStopped {
				log.Info().Msg("service is stopped")
				return
			}

			log.Error().Msg("service is in unknown state")
		},
	}
)

func init() {
	serviceRunCmd.Flags().StringVar(&logFile, "log-file", "console", "log file path, if set \"console\" then will use console output")
}
