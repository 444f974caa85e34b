package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/acta/internal/api"
	"github.com/LeventeLantos/acta/internal/config"
	"github.com/LeventeLantos/acta/internal/logger"
	"github.com/LeventeLantos/acta/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sched, err := scheduler.New("digest", a.cfg.Digest.Interval, a.digest.Tick, a.log)
	if err != nil {
		return err
	}
	if a.cfg.Digest.Enabled {
		sched.Start()
	}
	defer sched.Stop()

	h := api.NewHandler(api.Deps{
		Sched:         sched,
		Pipeline:      a.pipeline,
		Digest:        a.digest,
		Messages:      a.store,
		WebhookSecret: a.cfg.Carrier.WebhookSecret,
		DigestEnabled: a.cfg.Digest.Enabled,
		Logger:        a.log,
	})

	srv := &http.Server{
		Addr:              a.cfg.Server.Address,
		Handler:           api.Logging(a.log, api.Router(h)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	dc, lc, err := config.LoadDatabase()
	if err != nil {
		return err
	}
	log, err := logger.New(lc)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, _, err := openStore(cmd.Context(), dc)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("schema applied", zap.String("driver", dc.Driver))
	return nil
}

func runDigest(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.digest.Run(cmd.Context())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
