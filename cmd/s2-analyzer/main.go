package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/flexiblepower/s2-analyzer/internal/api"
	"github.com/flexiblepower/s2-analyzer/internal/cem"
	"github.com/flexiblepower/s2-analyzer/internal/config"
	"github.com/flexiblepower/s2-analyzer/internal/observer"
	"github.com/flexiblepower/s2-analyzer/internal/pipeline"
	"github.com/flexiblepower/s2-analyzer/internal/router"
	"github.com/flexiblepower/s2-analyzer/internal/s2"
	"github.com/flexiblepower/s2-analyzer/internal/store"
)

func main() {
	confPath := flag.String("config", "", "path to the YAML config file (default $S2_ANALYZER_CONF or config.yaml)")
	flag.Parse()

	if err := run(*confPath); err != nil {
		fmt.Fprintln(os.Stderr, "s2-analyzer:", err)
		os.Exit(1)
	}
}

func run(confPath string) error {
	cfg, err := config.Load(confPath)
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg)

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return err
	}
	st, err := store.Open(dbPath, log)
	if err != nil {
		return err
	}
	defer st.Close()

	debug := observer.NewDebugProcessor(log)
	sessions := observer.NewSessionProcessor(log)
	pipe := pipeline.NewBuilder().
		WithLogger(pipeline.NewLogProcessor(log)).
		WithParser(pipeline.NewParseProcessor(s2.NewValidator(), log)).
		WithPersist(store.NewPersistProcessor(st, log)).
		WithDebugger(debug).
		WithSessions(sessions).
		Build(log)

	rt := router.New(pipe, log)
	rt.SetBufferCap(cfg.RouterBufferCap)

	cemModel := cem.New(cfg.CemModelID, rt, log)
	cemModel.SetScheduleInterval(cfg.CemTickInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler := api.NewHandler(ctx, rt, debug, sessions, st, cemModel, log)
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	handler.Mount(mux)

	server := &http.Server{Addr: cfg.Addr(), Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Run drains the remaining queue on cancellation, so records emitted
		// during teardown still reach the store and observers.
		err := pipe.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := cemModel.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr()).Msg("listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
