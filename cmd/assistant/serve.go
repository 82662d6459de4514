package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(open opener) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ask and stream endpoints over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := open(ctx)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = rt.Config().Server.Addr
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           newRouter(rt),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				rt.Logger().Info("listening", "addr", addr)
				errc <- srv.ListenAndServe()
			}()

			select {
			case err = <-errc:
			case <-ctx.Done():
				rt.Logger().Info("shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
				err = serr
			}
			if cerr := rt.Close(shutdownCtx); cerr != nil {
				rt.Logger().Warn("close runtime", "err", cerr)
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
