package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ecaci/internal/core"
	"ecaci/internal/server"
)

func serveCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve GitHub webhooks and build builds as changes arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" {
				listen = a.cfg.Listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ag, err := a.newAgent(ctx)
			if err != nil {
				return err
			}
			defer ag.close()

			sched := core.NewScheduler(ag.project, ag.runner, a.cfg.QueueSize, a.logger)
			srv := &http.Server{
				Addr: listen,
				Handler: server.New(server.Config{
					Queue:         sched,
					Builds:        ag.ledger,
					Logs:          ag.logs,
					WebhookSecret: a.cfg.WebhookSecret,
					Logger:        a.logger,
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			if a.cfg.WebhookSecret == "" {
				a.logger.Warn("webhook signatures are not verified; set webhookSecret")
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.logger.Info("listening", "addr", listen, "agent", a.cfg.AgentID)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				return sched.Run(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				a.logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (default from config, :$PORT or :8080)")
	return cmd
}
