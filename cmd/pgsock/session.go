package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rtbenfield/pg-cloudflare/app"
	"github.com/rtbenfield/pg-cloudflare/config"
)

var (
	re          = lipgloss.NewRenderer(os.Stdout)
	HeaderStyle = re.NewStyle().Bold(true).Align(lipgloss.Center)
	CellStyle   = re.NewStyle().Padding(0, 1)
	RowStyle    = CellStyle
	BorderStyle = lipgloss.NewStyle()
)

var (
	sessionID         string
	sessionTransport  string
	sessionUseTLS     bool
	sessionServerName string
	sessionCertFile   string
	sessionInsecure   bool
)

var (
	sessionCmd = &cobra.Command{
		Use:   "session",
		Short: "Session commands",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c := app.NewClient(cmd.Context(), &config.HarnessDialer{
				HarnessAddress: harnessAddr,
			})

			ctx := context.WithValue(cmd.Context(), app.ClientKey{}, c)
			cmd.SetContext(ctx)

			return nil
		},
	}

	sessionListCmd = &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Run: func(cmd *cobra.Command, args []string) {
			c := cmd.Context().Value(app.ClientKey{}).(*app.Client)

			sessions, err := c.SessionList(cmd.Context())
			if err != nil {
				log.Error().Err(err).Msg("failed to get sessions")
				return
			}

			t := table.New().
				Border(lipgloss.NormalBorder()).
				BorderStyle(BorderStyle).
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == 0 {
						return HeaderStyle
					}

					return RowStyle
				}).
				Headers("ID", "Address", "Transport", "Status", "In", "Out", "Buffered")

			for _, s := range sessions {
				t.Row(s.ID, s.Addr, s.Transport, s.Status,
					strconv.FormatUint(s.BytesIn, 10),
					strconv.FormatUint(s.BytesOut, 10),
					strconv.Itoa(s.Buffered))
			}

			fmt.Println(t)
		},
	}

	sessionOpenCmd = &cobra.Command{
		Use:   "open <host> <port>",
		Short: "Open a session",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			c := cmd.Context().Value(app.ClientKey{}).(*app.Client)

			port, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				log.Error().Err(err).Msg("failed to parse port")
				return
			}

			info, err := c.SessionCreate(cmd.Context(), &app.SessionCreateRequest{
				Host:      args[0],
				Port:      uint16(port),
				Transport: sessionTransport,
				UseTLS:    sessionUseTLS,
				TLS: &app.TLSParams{
					ServerName:         sessionServerName,
					CertFile:           sessionCertFile,
					InsecureSkipVerify: sessionInsecure,
				},
			})
			if err != nil {
				log.Error().Err(err).Msg("failed to open session")
				return
			}

			log.Info().Msgf("session %s open to %s", info.ID, info.Addr)
		},
	}

	sessionWriteCmd = &cobra.Command{
		Use:   "write <data>",
		Short: "Write to a session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c := cmd.Context().Value(app.ClientKey{}).(*app.Client)

			if err := c.SessionWrite(cmd.Context(), sessionID, []byte(args[0])); err != nil {
				log.Error().Err(err).Msg("failed to write")
				return
			}

			log.Info().Msgf("wrote %d bytes", len(args[0]))
		},
	}

	sessionReadCmd = &cobra.Command{
		Use:   "read",
		Short: "Read buffered data from a session",
		Run: func(cmd *cobra.Command, args []string) {
			c := cmd.Context().Value(app.ClientKey{}).(*app.Client)

			data, ended, err := c.SessionRead(cmd.Context(), sessionID, 0, 1000)
			if err != nil {
				log.Error().Err(err).Msg("failed to read")
				return
			}

			if len(data) > 0 {
				fmt.Printf("%s", data)
			}
			if ended {
				log.Info().Msg("stream ended")
			}
		},
	}

	sessionStartTLSCmd = &cobra.Command{
		Use:   "starttls",
		Short: "Upgrade a session to TLS in place",
		Run: func(cmd *cobra.Command, args []string) {
			c := cmd.Context().Value(app.ClientKey{}).(*app.Client)

			err := c.SessionStartTLS(cmd.Context(), sessionID, &app.TLSParams{
				ServerName:         sessionServerName,
				InsecureSkipVerify: sessionInsecure,
			})
			if err != nil {
				log.Error().Err(err).Msg("failed to upgrade session")
				return
			}

			log.Info().Msg("session upgraded")
		},
	}

	sessionEndCmd = &cobra.Command{
		Use:   "end",
		Short: "End a session gracefully",
		Run: func(cmd *cobra.Command, args []string) {
			c := cmd.Context().Value(app.ClientKey{}).(*app.Client)

			if err := c.SessionEnd(cmd.Context(), sessionID); err != nil {
				log.Error().Err(err).Msg("failed to end session")
				return
			}

			log.Info().Msg("session ended")
		},
	}

	sessionDestroyCmd = &cobra.Command{
		Use:   "destroy",
		Short: "Destroy a session immediately",
		Run: func(cmd *cobra.Command, args []string) {
			c := cmd.Context().Value(app.ClientKey{}).(*app.Client)

			if err := c.SessionDestroy(cmd.Context(), sessionID); err != nil {
				log.Error().Err(err).Msg("failed to destroy session")
				return
			}

			log.Info().Msg("session destroyed")
		},
	}
)

func init() {
	sessionCmd.PersistentFlags().StringVarP(&harnessAddr, "harness-addr", "d", harnessAddr, "Harness listen address")

	sessionOpenCmd.Flags().StringVarP(&sessionTransport, "transport", "t", "tcp", "Transport backend (tcp or quic)")
	sessionOpenCmd.Flags().BoolVar(&sessionUseTLS, "tls", false, "Open the session upgrade-capable")
	sessionOpenCmd.Flags().StringVar(&sessionServerName, "server-name", "", "Expected TLS certificate subject")
	sessionOpenCmd.Flags().StringVar(&sessionCertFile, "cert-file", "", "CA bundle to trust (PEM)")
	sessionOpenCmd.Flags().BoolVar(&sessionInsecure, "insecure", false, "Skip TLS certificate verification")

	for _, c := range []*cobra.Command{sessionWriteCmd, sessionReadCmd, sessionStartTLSCmd, sessionEndCmd, sessionDestroyCmd} {
		c.Flags().StringVarP(&sessionID, "session-id", "s", "", "Session ID")
	}
	sessionStartTLSCmd.Flags().StringVar(&sessionServerName, "server-name", "", "Expected TLS certificate subject")
	sessionStartTLSCmd.Flags().BoolVar(&sessionInsecure, "insecure", false, "Skip TLS certificate verification")

	sessionCmd.AddCommand(
		sessionListCmd,
		sessionOpenCmd,
		sessionWriteCmd,
		sessionReadCmd,
		sessionStartTLSCmd,
		sessionEndCmd,
		sessionDestroyCmd,
	)
}
