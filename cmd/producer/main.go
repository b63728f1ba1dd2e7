package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/termshare/termshare/internal/crypto"
	"github.com/termshare/termshare/internal/logger"
	"github.com/termshare/termshare/internal/p2p"
	"github.com/termshare/termshare/internal/producer"
	"github.com/termshare/termshare/internal/ws"
	"github.com/termshare/termshare/internal/wsclient"
)

func main() {
	root := &cobra.Command{
		Use:   "termshare",
		Short: "termshare producer — share a terminal session",
	}
	root.AddCommand(attachCmd(), daemonCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = producer.DefaultConfigPath()
	}
	return path
}

func loadConfig(cmd *cobra.Command) (*producer.Config, error) {
	return producer.LoadConfig(configPath(cmd))
}

// wirePTYMigration hooks a relay client's pty.migrate callback to answer the
// viewer's WebRTC offer and, once the resulting DataChannel opens, redirect
// that viewer's encrypted output onto it — falling back to the relay if the
// channel later closes (spec §9 supplemental). withController resolves a
// sessionID to the Controller that owns a given viewer, the same seam
// OnViewerJoined/OnEncryptedInput use below, so the identical helper wires
// both the single-session and daemon flavors.
func wirePTYMigration(client *wsclient.Client, withController func(sessionID string, fn func(*producer.Controller))) {
	pm := p2p.NewPeerManager(nil)

	pm.OnDC(func(viewerID, sessionID string, dc *webrtc.DataChannel) {
		sw := p2p.NewSwappableWriter(sessionID, viewerID, func(v any) error {
			client.Send(v)
			return nil
		})
		if err := sw.MigrateToDC(dc); err != nil {
			logger.Warn("producer: migrate to data channel failed", "sessionId", sessionID, "viewerId", viewerID, "err", err)
			return
		}
		withController(sessionID, func(c *producer.Controller) { c.SetViewerTransport(viewerID, sw) })

		dc.OnClose(func() {
			withController(sessionID, func(c *producer.Controller) { c.SetViewerTransport(viewerID, nil) })
			_ = sw.FallbackToRelay()
			pm.Drop(viewerID)
		})
	})

	client.OnPTYMigrate = func(sessionID, viewerID, sdpOffer string) {
		answer, err := pm.HandleOffer(viewerID, sessionID, sdpOffer)
		if err != nil {
			logger.Warn("producer: handle pty.migrate offer failed", "sessionId", sessionID, "viewerId", viewerID, "err", err)
			client.Send(ws.PTYFallback{Type: ws.TypePTYFallback, SessionID: sessionID, ViewerID: viewerID})
			return
		}
		client.Send(ws.PTYMigrated{Type: ws.TypePTYMigrated, SessionID: sessionID, ViewerID: viewerID, SDPAnswer: answer})
	}
}

func attachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach [session-name]",
		Short: "Share the current terminal under a named session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := logger.Init("info", ""); err != nil {
				return err
			}

			capturer := producer.NewVTCapturer(cfg.Shell, cfg.Cols, cfg.Rows)

			client := &wsclient.Client{
				RelayURL:   cfg.RelayURL,
				SessionID:  sessionID,
				Nickname:   cfg.Nickname,
				UserSecret: os.Getenv("TERMSHARE_USER_SECRET"),
				OnStateChange: func(state string, err error) {
					logger.Info("producer: connection state", "state", state, "err", err)
				},
			}

			ctrl, err := producer.NewController(sessionID, capturer, client)
			if err != nil {
				return fmt.Errorf("new controller: %w", err)
			}
			ctrl.SetPollInterval(cfg.PollInterval)
			client.PublicKey = ctrl.PublicKey()
			client.OnViewerJoined = func(_, viewerID, publicKey string) { ctrl.OnViewerJoined(viewerID, publicKey) }
			client.OnViewerLeft = func(_, viewerID string) { ctrl.OnViewerLeft(viewerID) }
			client.OnEncryptedInput = func(_, viewerID string, enc ws.Encrypted) { ctrl.OnEncryptedInput(viewerID, enc) }
			client.OnPlainInput = ctrl.OnPlainInput
			wirePTYMigration(client, func(_ string, fn func(*producer.Controller)) { fn(ctrl) })

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			watchStop := make(chan struct{})
			defer close(watchStop)
			if err := producer.WatchConfig(configPath(cmd), watchStop, func(reloaded *producer.Config) {
				ctrl.SetPollInterval(reloaded.PollInterval)
				logger.Info("producer: applied reloaded config", "pollInterval", reloaded.PollInterval)
			}); err != nil {
				logger.Warn("producer: config watch failed", "err", err)
			}

			code, _ := crypto.PairingCode{SessionID: sessionID, PublicKey: ctrl.PublicKey(), Timestamp: time.Now().UnixMilli()}.Encode()
			fmt.Printf("sharing session %q — pairing code: %s\n", sessionID, code)

			errCh := make(chan error, 1)
			go func() { errCh <- client.Run(ctx) }()

			if err := ctrl.Run(ctx); err != nil {
				return err
			}
			return <-errCh
		},
	}
	cmd.Flags().String("config", "", "path to producer.yaml (defaults to ~/.termshare/producer.yaml)")
	return cmd
}

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run a multi-session producer daemon, attaching sessions via RPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := logger.Init("info", ""); err != nil {
				return err
			}

			client := &wsclient.Client{
				RelayURL:   cfg.RelayURL,
				DaemonMode: true,
				UserSecret: os.Getenv("TERMSHARE_USER_SECRET"),
				OnStateChange: func(state string, err error) {
					logger.Info("daemon: connection state", "state", state, "err", err)
				},
			}

			d := producer.NewDaemon(client, func(name string) (producer.PaneCapturer, error) {
				return producer.NewVTCapturer(cfg.Shell, cfg.Cols, cfg.Rows), nil
			})
			d.SetPollInterval(cfg.PollInterval)
			client.OnCLICommand = d.HandleCommand
			client.OnReconnect = func(ctx context.Context) { d.ReannounceAll() }
			client.OnViewerJoined = func(sessionID, viewerID, publicKey string) {
				d.Dispatch(sessionID, func(c *producer.Controller) { c.OnViewerJoined(viewerID, publicKey) })
			}
			client.OnViewerLeft = func(sessionID, viewerID string) {
				d.Dispatch(sessionID, func(c *producer.Controller) { c.OnViewerLeft(viewerID) })
			}
			client.OnEncryptedInput = func(sessionID, viewerID string, enc ws.Encrypted) {
				d.Dispatch(sessionID, func(c *producer.Controller) { c.OnEncryptedInput(viewerID, enc) })
			}
			wirePTYMigration(client, d.Dispatch)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			watchStop := make(chan struct{})
			defer close(watchStop)
			if err := producer.WatchConfig(configPath(cmd), watchStop, func(reloaded *producer.Config) {
				*cfg = *reloaded
				d.SetPollInterval(reloaded.PollInterval)
				logger.Info("daemon: applied reloaded config", "shell", cfg.Shell, "pollInterval", cfg.PollInterval)
			}); err != nil {
				logger.Warn("daemon: config watch failed", "err", err)
			}

			logger.Info("daemon: starting")
			return client.Run(ctx)
		},
	}
	cmd.Flags().String("config", "", "path to producer.yaml (defaults to ~/.termshare/producer.yaml)")
	return cmd
}
