package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/termshare/termshare/internal/logger"
	"github.com/termshare/termshare/internal/relay"
)

func main() {
	root := &cobra.Command{
		Use:   "termshare-relay",
		Short: "termshare session relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, _ := cmd.Flags().GetString("host")
			port, _ := cmd.Flags().GetString("port")
			logLevel, _ := cmd.Flags().GetString("log-level")

			if v := os.Getenv("HOST"); v != "" {
				host = v
			}
			if v := os.Getenv("PORT"); v != "" {
				port = v
			}

			if err := logger.Init(logLevel, ""); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			srv := relay.NewServer()
			addr := host + ":" + port
			httpSrv := &http.Server{Addr: addr, Handler: srv}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("relay: listening", "addr", addr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Info("relay: shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
				return httpSrv.Close()
			case err := <-errCh:
				return err
			}
		},
	}

	root.Flags().String("host", "0.0.0.0", "listen host")
	root.Flags().String("port", "3010", "listen port")
	root.Flags().String("log-level", "info", "log level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
