package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	notesync "github.com/jun/gophnote/internal/sync"
)

// scheduleParser accepts standard five-field specs and descriptors such as
// "@every 15m".
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func init() {
	var noMetrics bool
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Auto-commit edited notes and run periodic full syncs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			o, err := orchestrator(ctx, a)
			if err != nil {
				return err
			}
			logger := a.Logger.Named("watch")

			sched, err := scheduleParser.Parse(a.Config.Sync.Schedule)
			if err != nil {
				return fmt.Errorf("parse sync.schedule %q: %w", a.Config.Sync.Schedule, err)
			}
			c := cron.New(cron.WithParser(scheduleParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
			c.Schedule(sched, cron.FuncJob(func() {
				res, err := o.FullSync(ctx)
				switch {
				case errors.Is(err, notesync.ErrSyncInProgress):
					logger.Debug("periodic sync skipped, a run is in progress")
				case err != nil:
					logger.Warn("periodic sync failed", zap.Error(err))
				default:
					logger.Info("periodic sync done",
						zap.Int("uploaded", len(res.Uploaded)),
						zap.Int("downloaded", len(res.Downloaded)),
						zap.Int("conflicts", len(res.Conflicts)))
				}
			}))
			c.Start()
			defer func() { <-c.Stop().Done() }()
			logger.Info("periodic sync scheduled", zap.String("schedule", a.Config.Sync.Schedule), zap.Time("next", sched.Next(time.Now())))

			if !noMetrics && a.Config.Sync.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
				srv := &http.Server{Addr: a.Config.Sync.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server stopped", zap.Error(err))
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving metrics", zap.String("addr", a.Config.Sync.MetricsAddr))
			}

			w := notesync.NewWatcher(a.Notes.Dir(), a.Notes, o, a.Config.Sync.Debounce, logger)
			return w.Run(ctx)
		},
	}
	watchCmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "do not serve Prometheus metrics")
	rootCmd.AddCommand(watchCmd)
}
