// Package main wires the Layout-Apply Orchestrator's core engine
// (internal/scheduler, internal/dispatch, internal/store, internal/synth,
// internal/lifecycle) behind a cobra root command, following the graceful-
// shutdown shape of the teacher's cmd/bmdemo-server/main.go
// (signal.NotifyContext, goroutine-driven GracefulStop) but with
// cobra/viper/zap in place of flag/log-slog, per SPEC_FULL.md §2a.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/vpatelsj/layoutapply/internal/config"
	"github.com/vpatelsj/layoutapply/internal/dispatch"
	"github.com/vpatelsj/layoutapply/internal/lifecycle"
	"github.com/vpatelsj/layoutapply/internal/logging"
	"github.com/vpatelsj/layoutapply/internal/metrics"
	"github.com/vpatelsj/layoutapply/internal/notify"
	"github.com/vpatelsj/layoutapply/internal/scheduler"
	"github.com/vpatelsj/layoutapply/internal/store"
)

var devMode bool

var rootCmd = &cobra.Command{
	Use:   "layoutapplyd",
	Short: "Runs the layout-apply orchestrator: DAG scheduler, apply-state store, and operation dispatcher behind an HTTP API.",
	RunE:  run,
}

func init() {
	if err := config.BindFlags(rootCmd); err != nil {
		panic(err)
	}
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "use development (console) logging instead of JSON")
}

func run(cmd *cobra.Command, _ []string) error {
	log, flush, err := logging.New(devMode)
	if err != nil {
		return fmt.Errorf("construct logger: %w", err)
	}
	defer flush()

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.StoreConnectTimeout)
	st, err := store.Open(connectCtx, cfg.StoreDSN)
	connectCancel()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	db, err := sql.Open("pgx", cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	st.SetRetryCounter(m.StoreRetryTotal)

	d := dispatch.New(cfg.HardwareBaseURL, cfg.WorkflowBaseURL, cfg.DispatchPolicies)
	d.SetMetrics(m)

	sched := scheduler.New(d, st, cfg.PoolSize)
	sched.SetResultAppender(st)

	n := notify.New(cfg.NotifierAddr, cfg.NotifierTopic)
	defer n.Close()

	orch := lifecycle.New(st, sched, n, log)
	orch.SetMetrics(m)

	srv := &server{orch: orch, st: st, log: log}
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newMux(srv),
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down layoutapplyd")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("layoutapplyd starting", "addr", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
