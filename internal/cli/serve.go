package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mbarlow/wrangler/internal/server"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP action surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			if addr != "" {
				a.cfg.Server.Addr = addr
			}

			srv := server.New(server.Config{
				Addr:           a.cfg.Server.Addr,
				AllowedOrigins: a.cfg.Server.AllowedOrigins,
			}, a.dispatcher, a.logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(srv.ListenAndServe)
			g.Go(func() error {
				<-ctx.Done()
				return srv.Shutdown(context.Background())
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}
