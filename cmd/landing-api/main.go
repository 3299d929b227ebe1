package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"example.com/landingtrack/internal/capi"
	"example.com/landingtrack/internal/config"
	"example.com/landingtrack/internal/dispatch"
	"example.com/landingtrack/internal/domain"
	"example.com/landingtrack/internal/events"
	"example.com/landingtrack/internal/identity"
	"example.com/landingtrack/internal/ingest"
	"example.com/landingtrack/internal/postal"
	"example.com/landingtrack/internal/retry"
	"example.com/landingtrack/internal/session"
	"example.com/landingtrack/internal/storage"
	spg "example.com/landingtrack/internal/storage/postgres"
	"example.com/landingtrack/internal/storage/sqlite"
	"example.com/landingtrack/internal/tracking"
	transport "example.com/landingtrack/internal/transport/http"
)

func main() {
	cfg := config.Parse()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("landing-api terminated", "error", err)
		os.Exit(1)
	}
	logger.Info("landing-api stopped cleanly")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	for _, p := range cfg.Problems() {
		logger.Warn("configuration problem", "problem", p)
	}

	local, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := local.Close(); cerr != nil {
			logger.Error("close visitor store", "error", cerr)
		}
	}()
	if err := local.InitSchema(ctx); err != nil {
		return err
	}
	logger.Info("visitor store ready", "path", cfg.SQLitePath)

	// the ingestor outlives the errgroup and stops after it
	igCtx, stopIngest := context.WithCancel(ctx)
	defer stopIngest()

	// the audit log is optional; without Postgres records only live in memory
	var (
		db   *spg.DB
		sink dispatch.RecordSink
		ig   *ingest.Ingestor
	)
	if cfg.PostgresDSN != "" {
		db, err = spg.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("audit log: migration applied")
		ig = ingest.NewIngestor(spg.NewWriter(db), cfg.QueueMaxSize, cfg.BatchMaxSize, cfg.BatchMaxWait, logger)
		ig.Start(igCtx)
		sink = ig
		logger.Info("audit log: started", "queue", cfg.QueueMaxSize, "batch", cfg.BatchMaxSize, "wait", cfg.BatchMaxWait)
	} else {
		logger.Info("audit log disabled: POSTGRES_DSN not set")
	}

	graph := capi.NewClient(cfg.GraphBaseURL, cfg.GraphAPIVersion, cfg.FacebookAccessToken, logger)
	relay := capi.NewRelay(graph, cfg.TestEventCode, logger)

	var channels []dispatch.Channel
	channels = append(channels, dispatch.GTMChannel{})
	channels = append(channels, dispatch.ServerChannel{RelayURL: cfg.RelayURL, PixelID: cfg.FacebookPixelID})
	if cfg.FacebookPixelID != "" {
		channels = append(channels, dispatch.PixelChannel{Endpoint: cfg.PixelEndpoint, PixelID: cfg.FacebookPixelID})
	}
	manager := dispatch.NewManager(dispatch.Options{
		GTM:           cfg.ChannelGTM,
		Server:        cfg.ChannelServer,
		Pixel:         cfg.ChannelPixel,
		Window:        cfg.DedupWindow,
		SweepInterval: cfg.SweepInterval,
	}, channels, sink, logger)
	logger.Info("dispatcher ready", "channels", manager.Enabled())

	capturer := identity.NewCapturer(logger)
	pages := session.NewRegistry(cfg.SessionTTL)
	pc := postal.NewClient(cfg.PostalLookupURL, 3*time.Second, logger)

	svc := tracking.New(capturer, events.NewBuilder(cfg.Product, cfg.Country, logger), manager, pages, local, logger)
	svc.Postal = pc
	svc.Policy = storage.CookiePolicy{MaxAge: domain.IdentifierMaxAge, Domain: cfg.CookieDomain}
	svc.Problems = cfg.Problems
	svc.FBCWait = retry.Fixed(cfg.FBCWaitAttempts, cfg.FBCWaitInterval)

	deps := &transport.ServerDeps{
		Cfg:     cfg,
		Service: svc,
		Relay:   relay,
		CAPI:    graph,
		Postal:  pc,
		DB:      db,
		Local:   local,
		Logger:  logger,
		Now:     func() time.Time { return time.Now().UTC() },
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           deps.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	manager.Start(gctx)
	g.Go(func() error {
		pages.Run(gctx, cfg.SweepInterval, func(s, p int) {
			if s+p > 0 {
				logger.Debug("sessions swept", "sessions", s, "pages", p)
			}
		})
		return nil
	})
	g.Go(func() error {
		purgeVisitors(gctx, local, logger)
		return nil
	})
	g.Go(func() error {
		// logged for comparison; never used as a visitor address
		ip, ok := identity.NewIPResolver(cfg.IPLookupURLs, cfg.IPLookupTimeout, logger).Lookup(gctx)
		if ok {
			logger.Info("egress address", "ip", ip)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("http server started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return awaitShutdown(g.Wait, stopIngest, ig)
}

// awaitShutdown waits for the errgroup, then stops the ingestor and waits for
// its final flush. ig may be nil.
func awaitShutdown(wait func() error, stopIngest context.CancelFunc, ig *ingest.Ingestor) error {
	err := wait()
	stopIngest()
	if ig != nil {
		<-ig.Done()
	}
	return err
}

// purgeVisitors drops visitor storage untouched for longer than the cookie
// lifetime, once an hour.
func purgeVisitors(ctx context.Context, local *sqlite.Store, logger *slog.Logger) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := local.PurgeBefore(ctx, time.Now().Add(-domain.IdentifierMaxAge))
			if err != nil {
				logger.Warn("purge visitor storage", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("visitor storage purged", "rows", n)
			}
		}
	}
}

func logLevel(level string) slog.Leveler {
	var lvl slog.Level

	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	lv := new(slog.LevelVar)
	lv.Set(lvl)
	return lv
}
