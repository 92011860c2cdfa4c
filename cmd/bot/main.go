package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/mwalcott/triarb/internal/advisor"
	"github.com/mwalcott/triarb/internal/broker"
	"github.com/mwalcott/triarb/internal/config"
	"github.com/mwalcott/triarb/internal/dashboard"
	"github.com/mwalcott/triarb/internal/detector"
	"github.com/mwalcott/triarb/internal/recovery"
	"github.com/mwalcott/triarb/internal/regime"
	"github.com/mwalcott/triarb/internal/retry"
	"github.com/mwalcott/triarb/internal/symbols"
	"github.com/mwalcott/triarb/internal/tracker"
)

// referenceSymbol anchors regime classification; the most liquid pair
// reflects broad market conditions best.
const referenceSymbol = "EURUSD"

func main() {
	var (
		configPath    string
		emergencyStop bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.BoolVar(&emergencyStop, "emergency-stop", false, "Close every open position and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[TRIARB] ", log.LstdFlags|log.Lshortfile)
	logger.Printf("Starting triangular arbitrage engine in %s mode", cfg.Environment.Mode)
	if cfg.IsLive() {
		logger.Println("LIVE TRADING MODE - real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, emergencyStop); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Engine error: %v", err)
	}
	logger.Println("Engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger, emergencyStop bool) error {
	mt5 := broker.NewMT5Client(cfg.Broker.Endpoint, cfg.Broker.Login, cfg.Broker.Password, cfg.Broker.Server)
	b := broker.NewCircuitBreakerBroker(mt5)

	if err := b.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to terminal: %w", err)
	}
	balance, err := b.GetAccountBalance()
	if err != nil {
		return fmt.Errorf("reading account: %w", err)
	}
	logger.Printf("Connected. Account balance: %.2f", balance)

	mapper, err := symbols.NewMapper(cfg.Storage.SymbolMappingPath, logger)
	if err != nil {
		return fmt.Errorf("loading symbol mappings: %w", err)
	}
	if pairs, err := b.GetAvailablePairs(); err != nil {
		logger.Printf("WARNING: symbol scan failed, using stored mappings: %v", err)
	} else if err := mapper.ScanAndMap(pairs); err != nil {
		logger.Printf("WARNING: symbol mapping incomplete: %v", err)
	}

	tr, err := tracker.New(cfg.Storage.OrderTrackingPath, logger)
	if err != nil {
		return fmt.Errorf("loading order tracker: %w", err)
	}
	if err := tr.SyncWithBroker(b); err != nil {
		logger.Printf("WARNING: initial order sync failed: %v", err)
	}

	adv := advisor.PassThrough{}
	det, err := detector.New(b, mapper, tr, adv, cfg, cfg.Storage.GroupStatePath, logger)
	if err != nil {
		return fmt.Errorf("loading detector state: %w", err)
	}
	triangles := det.GenerateTriangles()
	logger.Printf("Monitoring %d triangles", len(triangles))

	matrix := recovery.NewMatrix(b, mapper, cfg.Recovery.Correlation.LookbackDays, logger)
	if err := matrix.Refresh(ctx); err != nil {
		logger.Printf("WARNING: initial correlation refresh failed: %v", err)
	}
	mgr := recovery.NewManager(b, mapper, tr, matrix, adv, cfg.Recovery, logger)

	closer := retry.NewClient(b, logger)
	det.SetCloser(closer)
	mgr.SetCloser(closer)

	classifier := regime.NewClassifier(b, mapper.GetReal(referenceSymbol), logger)

	coord := newCoordinator(b, det, mgr, classifier, tr, cfg, logger)
	if emergencyStop {
		return coord.EmergencyStop(ctx)
	}

	// The correlation matrix refreshes on its own schedule, off the
	// trading tick.
	sched := cron.New()
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", cfg.Schedule.CorrelationRefresh.Std()), func() {
		if err := matrix.Refresh(ctx); err != nil {
			logger.Printf("Correlation refresh failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling correlation refresh: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	if cfg.Dashboard.Enabled {
		dashLogger := logrus.New()
		if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
			dashLogger.SetLevel(lvl)
		}
		srv := dashboard.NewServer(
			dashboard.Config{Listen: cfg.Dashboard.Listen},
			b, det, tr, mgr, classifier.Current, dashLogger,
		)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("Dashboard stopped: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Printf("Dashboard shutdown: %v", err)
			}
		}()
	}

	return coord.Run(ctx)
}
