package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"taskescrow/crypto"
	"taskescrow/observability/logging"
	"taskescrow/observability/metrics"
	"taskescrow/projection"
)

func main() {
	configPath := flag.String("config", "escrow-watch.yaml", "Path to the watcher configuration")
	flag.Parse()

	cfg, err := Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.SetupWithOptions("escrow-watch", cfg.Logging.Env, logging.Options{Level: cfg.Logging.Level})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("escrow-watch stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	db, err := projection.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()

	store := projection.NewStore()
	views, cursor, err := db.LoadViews(ctx)
	if err != nil {
		return fmt.Errorf("load views: %w", err)
	}
	store.Restore(views, cursor)
	logger.Info("projection restored", "views", len(views), "cursor", cursor)

	opts := projection.WatcherOptions{
		PollInterval: cfg.Node.PollInterval.Duration,
		BatchSize:    cfg.Node.BatchSize,
		Persist:      db,
		Logger:       logger,
		Metrics:      metrics.Projection(),
	}
	if cfg.Node.StreamURL != "" {
		opts.Stream = projection.NewStreamSource(cfg.Node.StreamURL)
	}
	watcher := projection.NewWatcher(projection.NewHTTPSource(cfg.Node.URL, cfg.Node.Timeout.Duration), store, opts)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           viewsRouter(store, cfg.IdentityAddress()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return watcher.Run(gctx) })
	group.Go(func() error {
		updates, cancel := store.Subscribe(0)
		defer cancel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case v := <-updates:
				logger.Info("instance updated",
					"address", crypto.FormatAddress(v.Address),
					"state", v.State.String(),
					"escrowed", projection.FormatUnits(v.Escrowed(), v.Decimals),
					"unavailable", v.Unavailable)
			}
		}
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		logger.Info("views api listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return group.Wait()
}

// viewsRouter serves the projected views. Listings keyed by identity use the
// configured identity unless the request names one.
func viewsRouter(store *projection.Store, identity [20]byte) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	resolve := func(r *http.Request) ([20]byte, error) {
		if raw := r.URL.Query().Get("identity"); raw != "" {
			return crypto.ParseAddress(raw)
		}
		return identity, nil
	}
	r.Get("/views", func(w http.ResponseWriter, r *http.Request) {
		writeViews(w, store.List())
	})
	r.Get("/views/unavailable", func(w http.ResponseWriter, r *http.Request) {
		writeViews(w, store.Unavailable())
	})
	r.Get("/views/mine", func(w http.ResponseWriter, r *http.Request) {
		caller, err := resolve(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeViews(w, store.Mine(caller))
	})
	r.Get("/views/open", func(w http.ResponseWriter, r *http.Request) {
		caller, err := resolve(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeViews(w, store.Open(caller))
	})
	r.Get("/views/{address}", func(w http.ResponseWriter, r *http.Request) {
		addr, err := crypto.ParseAddress(chi.URLParam(r, "address"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		v, ok := store.View(addr)
		if !ok {
			http.Error(w, "instance not projected", http.StatusNotFound)
			return
		}
		writeViews(w, v)
	})
	return r
}

func writeViews(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
