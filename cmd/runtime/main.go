package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"intraday-runtime/config"
	"intraday-runtime/internal/broker"
	"intraday-runtime/internal/execution"
	"intraday-runtime/internal/indicator"
	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/marketdata/feed"
	"intraday-runtime/internal/markethours"
	"intraday-runtime/internal/metrics"
	"intraday-runtime/internal/model"
	"intraday-runtime/internal/notification"
	"intraday-runtime/internal/performance"
	"intraday-runtime/internal/portfolio"
	"intraday-runtime/internal/runtime"
	redisstore "intraday-runtime/internal/store/redis"
	sqlitestore "intraday-runtime/internal/store/sqlite"
	"intraday-runtime/internal/strategy"
	"intraday-runtime/internal/tradeconfig"
	"intraday-runtime/pkg/smartapi"
)

const brokerTimeout = 10 * time.Second

func main() {
	cfg := config.Load()
	log := logger.Init("intraday-runtime", logger.ParseLevel(cfg.LogLevel))
	if err := run(cfg, log); err != nil {
		log.Error("runtime exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.RegisterHolidays(); err != nil {
		return err
	}
	log.Info("starting", "market", markethours.StatusString(time.Now()), "paper_only", cfg.PaperOnly)

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()

	// ---- SQLite ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	repo, err := sqlitestore.Open(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	defer repo.Close()
	health.SetSQLiteOK(true)
	log.Info("sqlite ready", "path", cfg.SQLitePath)

	// ---- Redis (optional) ----
	var rdb *goredis.Client
	if cfg.RedisAddr != "" {
		rdb, err = redisstore.NewClient(ctx, redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			log.Warn("redis unavailable, continuing without it", "addr", cfg.RedisAddr, "error", err)
			rdb = nil
		} else {
			defer rdb.Close()
			log.Info("redis ready", "addr", cfg.RedisAddr)
		}
	}
	if rdb != nil {
		health.StartLivenessChecker(ctx, rdb, repo, 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, repo, 10*time.Second)
	}

	// ---- Alerts ----
	notifier := notification.Multi{notification.NewLogNotifier()}
	if cfg.TelegramEnabled() {
		notifier = append(notifier, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.WebhookURL != "" {
		notifier = append(notifier, notification.NewWebhookNotifier(cfg.WebhookURL))
	}

	// ---- Broker ----
	angel := broker.NewAngel(smartapi.NewClient(smartapi.Config{APIKey: cfg.AngelAPIKey}), broker.Credentials{
		ClientCode: cfg.AngelClientCode,
		Password:   cfg.AngelPassword,
		TOTPSecret: cfg.AngelTOTPSecret,
	}, brokerTimeout)
	angel.OnCall = prom.ObserveBrokerCall
	angel.Breaker().OnStateChange = func(from, to broker.State) {
		prom.SetBreakerState(int(to))
		health.SetBreakerState(to.String())
		log.Warn("broker circuit breaker", "from", from.String(), "to", to.String())
	}
	if _, err := angel.Login(ctx); err != nil {
		log.Warn("initial login failed, history and quotes will retry", "error", err)
	}

	instruments, err := loadInstruments(ctx, cfg, angel)
	if err != nil {
		return err
	}
	for _, in := range instruments {
		log.Info("signalling instrument", "class", in.Class(), "symbol", in.TradingSymbol, "token", in.Token, "exchange", in.Exchange)
	}

	// ---- Trade config ----
	sources := []tradeconfig.Source{tradeconfig.NewFileSource(cfg.TradeConfigFile)}
	if rdb != nil {
		sources = append(sources, tradeconfig.NewRedisSource(rdb))
	}
	tradeCfg := tradeconfig.NewStore(sources...)
	tradeCfg.OnLoad = func(*tradeconfig.Snapshot) { health.SetConfigLoadedAt(time.Now()) }
	if _, err := tradeCfg.Current(ctx); err != nil {
		log.Warn("trade config not loaded yet", "error", err)
	}

	// ---- Trading ----
	book := portfolio.NewBook()
	rec := portfolio.NewRecorder(repo, portfolio.NewPnLLedger(repo))
	paper := execution.NewPaperEngine(book, rec, cfg.SlippageBps)
	resolver := execution.NewOptionResolver(angel, angel, brokerTimeout)

	var (
		liveEntry  execution.Entry
		liveExit   portfolio.Exiter
		reconciler *portfolio.Reconciler
	)
	if !cfg.PaperOnly {
		reconciler = portfolio.NewReconciler(book, angel, rec, brokerTimeout)
		reconciler.OnExternalClose = func(p model.Position) {
			nctx, ncancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer ncancel()
			_ = notifier.Send(nctx, notification.Alert{
				Level:   notification.AlertWarning,
				Title:   "Position closed at broker",
				Message: "no longer in the broker's net positions; closed without a counter-order",
				Trade:   notification.PositionTrade(p),
			})
		}
		live := execution.NewLiveEngine(book, angel, angel, resolver, reconciler, rec, brokerTimeout)
		liveEntry, liveExit = live, live
	}
	router := execution.NewRouter(paper, liveEntry, repo)
	risk := portfolio.NewRiskEngine(portfolio.DefaultRiskConfig(), book, paper, liveExit, rec)
	tracker := performance.NewTracker(resolver, angel, repo, brokerTimeout)
	strategies := strategy.NewRouter(strategy.NewORB(), strategy.NewCrossover())

	deps := runtime.Deps{
		Config:     tradeCfg,
		Strategies: strategies,
		Exec:       router,
		Risk:       risk,
		Book:       book,
		Reconciler: reconciler,
		Tracker:    tracker,
		Catalog:    resolver,
		History:    angel,
		Archive:    repo,
		Positions:  repo,
		Counts:     repo,
		Notifier:   notifier,
		Metrics:    prom,
		Health:     health,
	}
	if rdb != nil {
		state := redisstore.NewStateStore(rdb)
		deps.State = state
		deps.Restorer = indicator.NewRestorer(state)
	}
	rt, err := runtime.New(runtime.Config{
		Instruments:       instruments,
		ReconcileInterval: cfg.ReconcileInterval,
	}, deps)
	if err != nil {
		return err
	}

	srv := metrics.NewServer(cfg.MetricsAddr, health, reg, rt.RequestReload)
	srv.Start()
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := srv.Stop(sctx); err != nil {
			log.Warn("metrics server stop", "error", err)
		}
	}()

	if err := rt.Warmup(ctx); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}

	// ---- Feed: fresh login at every market open, closes at 15:30 ----
	sessionFeed := runtime.NewSessionFeed(angel.Login, func(sess smartapi.Session, deadline time.Time) (runtime.Feed, error) {
		ing, err := feed.New(feed.Config{
			Session:     sess,
			APIKey:      cfg.AngelAPIKey,
			Instruments: instruments,
			Deadline:    deadline,
		})
		if err != nil {
			return nil, err
		}
		ing.OnDrop = rt.TickDropped
		ing.OnReconnect = func() {
			prom.FeedReconnects.Inc()
			health.SetFeedConnected(false)
		}
		ing.OnSubscribed = func() { health.SetFeedConnected(true) }
		return ing, nil
	})
	sessionFeed.OnMarket = func(open bool) {
		health.SetMarketOpen(open)
		if !open {
			health.SetFeedConnected(false)
		}
	}

	return rt.Run(ctx, sessionFeed)
}

// loadInstruments returns the signalling futures, from INSTRUMENTS when set,
// else the current-month NIFTY and BANKNIFTY futures from the scrip master.
func loadInstruments(ctx context.Context, cfg *config.Config, catalog broker.Catalog) ([]model.Instrument, error) {
	var (
		byClass map[string]model.Instrument
		err     error
	)
	if cfg.Instruments != "" {
		byClass, err = broker.ParseInstruments(cfg.Instruments)
	} else {
		bctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		byClass, err = broker.CurrentFutures(bctx, catalog, []string{"NIFTY", "BANKNIFTY"}, time.Now())
		cancel()
	}
	if err != nil {
		return nil, fmt.Errorf("instruments: %w", err)
	}
	if len(byClass) == 0 {
		return nil, errors.New("instruments: none resolved")
	}
	out := make([]model.Instrument, 0, len(byClass))
	for _, in := range byClass {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
