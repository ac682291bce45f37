// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wopr-project/wopr-core/internal/logger"
	"github.com/wopr-project/wopr-core/metrics"
	"github.com/wopr-project/wopr-core/protocol"
	"github.com/wopr-project/wopr-core/transport"
)

const shutdownTimeout = 5 * time.Second

var listenCmd = &cobra.Command{
	Use:   "listen <addr>",
	Short: "Run this node's responder: accept claims and injects over WebSocket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := newEngine()
		if err != nil {
			return err
		}

		wsListener := transport.NewWebSocketListener(args[0])
		mux := http.NewServeMux()
		mux.Handle("/", wsListener.Handler())
		mux.Handle("/metrics", metrics.Handler())
		httpServer := &http.Server{Addr: args[0], Handler: mux}

		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.ErrorMsg("http server exited", logger.Error(err))
			}
		}()

		listener := protocol.NewListener(engine, wsListener)

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("listening on %s\n", args[0])
		serveErr := listener.Serve(ctx)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = wsListener.Close()

		return serveErr
	},
}

func init() {
	rootCmd.AddCommand(listenCmd)
}
