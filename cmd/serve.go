package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/callpilot/internal/bridge"
	"github.com/sells-group/callpilot/internal/calls"
	"github.com/sells-group/callpilot/internal/config"
	"github.com/sells-group/callpilot/internal/httpapi"
	"github.com/sells-group/callpilot/internal/monitoring"
	"github.com/sells-group/callpilot/internal/queue"
	"github.com/sells-group/callpilot/internal/recording"
	"github.com/sells-group/callpilot/internal/scheduler"
	"github.com/sells-group/callpilot/internal/telephony"
	"github.com/sells-group/callpilot/internal/worker"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the call engine: HTTP server, media bridge, and worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		q, rdb, err := initQueue(ctx)
		if err != nil {
			return err
		}
		defer rdb.Close() //nolint:errcheck

		svc := calls.NewService(st)
		sched := scheduler.New(q, st, cfg.Refill)

		var profile *config.AgentProfile
		if cfg.AI.AgentProfile != "" {
			profile, err = config.LoadAgentProfile(cfg.AI.AgentProfile)
			if err != nil {
				return err
			}
		}
		br := bridge.New(cfg.AI, profile, svc)

		uploader, err := recording.NewFromConfig(cfg.Recording, cfg.Telephony)
		if err != nil {
			return err
		}
		if mu, ok := uploader.(*recording.MinioUploader); ok {
			if err := mu.EnsureBucket(ctx); err != nil {
				return err
			}
		}

		provider := telephony.NewTwilioProvider(cfg.Telephony)
		pool := worker.NewPool(q, cfg.Worker)
		pool.Register(queue.FamilyPlaceCall,
			worker.PlaceCall(provider, svc, cfg.Telephony, cfg.Server.PublicBaseURL))
		pool.Register(queue.FamilyRefillLeads, worker.RefillLeads(sched))

		collector := monitoring.NewCollector(st, q, br)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)

		api := httpapi.New(httpapi.Deps{
			Calls:     svc,
			Scheduler: sched,
			Bridge:    br.HandleMediaStream,
			Uploader:  uploader,
			Collector: collector,
			Store:     st,
			QueuePing: q,
			Config:    cfg.Monitoring,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.Handler(),
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error { return pool.Run(gctx) })
		g.Go(func() error { return q.RunMaintenance(gctx, 15*time.Second) })
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server",
				zap.Int("active_sessions", br.ActiveSessions()),
			)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
