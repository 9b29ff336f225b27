package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dwaynemcyrus/anchored"
	"github.com/dwaynemcyrus/anchored/internal/statusapi"
)

var (
	serveAddr  string
	serveToken string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine and the local status API",
	Long: `Run the background sync engine until interrupted, with a local HTTP
API for status, manual sync, queue repair and Prometheus metrics.

Routes:
  GET    /health/live        liveness (no auth)
  GET    /status             sync state and queue counts
  POST   /sync               run a sync now
  GET    /queue              queue entries (?status=pending|retrying|failed)
  POST   /queue/{id}/retry   re-arm a failed entry
  DELETE /queue/{id}         dismiss an entry
  GET    /metrics            Prometheus metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: status_addr from config, "+anchored.DefaultStatusAddr+")")
	serveCmd.Flags().StringVar(&serveToken, "token", os.Getenv("ANCHORED_STATUS_TOKEN"), "Bearer token required by the API (default: $ANCHORED_STATUS_TOKEN)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.IsOffline() {
		return fmt.Errorf("serve needs a remote: set --remote or ANCHORED_REMOTE")
	}
	addr := serveAddr
	if addr == "" {
		addr = cfg.StatusAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s, err := openClient(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer s.Close()
	client := s.client
	logger := client.Logger()

	if err := client.StartSync(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	unsubscribe := client.Subscribe(func(st anchored.SyncStatus) {
		logger.Info("sync state", "state", st.State, "pending", st.Pending, "failed", st.Failed, "err", st.LastError)
	})
	defer unsubscribe()

	router := statusapi.NewRouter(client, statusapi.Options{
		Token:    serveToken,
		Gatherer: reg,
		Logger:   logger.WithPrefix("statusapi"),
	})

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return statusapi.Serve(gCtx, addr, router, logger)
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")
		return nil
	})

	printInfo(cmd.ErrOrStderr(), "Serving status API on http://%s", addr)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
