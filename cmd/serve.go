package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yoman-app/yoman/internal/api"
)

const (
	shutdownTimeout = 15 * time.Second
	sweepInterval   = time.Hour
)

var (
	servePort     int
	serveNoWorker bool
)

// expirer is implemented by stores that keep expired cache rows until swept.
type expirer interface {
	DeleteExpired(ctx context.Context) (int, error)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the reminder delivery worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: api.NewRouter(env.Service, env.Scheduler,
				api.WithGatherer(env.Registry),
				api.WithBreakerStates(env.Breakers.States),
				api.WithCORSOrigins(cfg.Server.CORSOrigins),
			),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		if !serveNoWorker {
			g.Go(func() error {
				return env.Worker.Run(gctx)
			})
		}

		if ex, ok := env.Store.(expirer); ok {
			g.Go(func() error {
				sweepExpired(gctx, ex, sweepInterval)
				return nil
			})
		}

		return g.Wait()
	},
}

// sweepExpired removes expired cache rows until ctx is done.
func sweepExpired(ctx context.Context, ex expirer, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ex.DeleteExpired(ctx)
			if err != nil {
				zap.L().Warn("cache sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				zap.L().Debug("cache sweep", zap.Int("deleted", n))
			}
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "serve the API without delivering reminders")
	rootCmd.AddCommand(serveCmd)
}
