package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"liqguard/internal/alerting"
	"liqguard/internal/config"
	"liqguard/internal/domain"
	"liqguard/internal/metrics"
	"liqguard/internal/monitor"
	"liqguard/internal/oracle"
	"liqguard/internal/prices"
	"liqguard/internal/pricing"
	"liqguard/internal/quote"
	"liqguard/internal/settlement"
	"liqguard/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Registry
	Out     io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config:  cfg,
		Logger:  logger.With().Str("component", "app").Logger(),
		Metrics: metrics.New(),
		Out:     os.Stdout,
	}
}

// Backend is what the app needs from a policy store.
type Backend interface {
	storage.PolicyStore
	storage.PriceHistory
}

func (a *App) openStore(ctx context.Context) (Backend, func(), error) {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; policies are kept in memory")
		return storage.NewMemoryStore(nil), func() {}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

func (a *App) requireDatabase() error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured")
	}
	return nil
}

func (a *App) newPullSource() oracle.Source {
	var src oracle.Source
	if a.Config.Oracle.Chainlink.Enabled {
		src = oracle.NewChainlink(oracle.ChainlinkOptions{
			RPCURL:      a.Config.Oracle.Chainlink.RPCURL,
			Aggregators: a.Config.AggregatorAddresses(),
			Timeout:     a.Config.Oracle.Chainlink.RequestTimeout,
		}, a.Logger)
	} else {
		h := a.Config.Oracle.Hermes
		src = oracle.NewHermes(oracle.HermesOptions{
			BaseURL:        h.BaseURL,
			Timeout:        h.RequestTimeout,
			UserAgent:      h.UserAgent,
			RequestsPerSec: h.RequestsPerSec,
			FeedIDs:        a.Config.FeedIDOverrides(),
		}, a.Logger)
	}

	b := a.Config.Oracle.Breaker
	return oracle.NewBreaker(src, oracle.BreakerOptions{
		ConsecutiveFailures: b.ConsecutiveFailures,
		OpenTimeout:         b.OpenTimeout,
		Interval:            b.Interval,
	}, a.Logger)
}

func (a *App) newStream() oracle.Stream {
	s := a.Config.Oracle.Stream
	if !s.Enabled {
		return nil
	}
	return oracle.NewHermesStream(oracle.HermesStreamOptions{
		URL:              s.URL,
		HandshakeTimeout: s.HandshakeTimeout,
		ReconnectDelay:   s.ReconnectDelay,
		FeedIDs:          a.Config.FeedIDOverrides(),
	}, a.Logger)
}

func (a *App) newPrices(recorder prices.Recorder) (*prices.Normalizer, *prices.Feed) {
	norm := prices.NewNormalizer(a.Config.Oracle.MaxAge)
	feed := prices.NewFeed(norm, a.newPullSource(), recorder, a.Metrics, a.Logger)
	return norm, feed
}

// newExecutor builds the configured payout executor behind the idempotency
// ledger.
func (a *App) newExecutor() (settlement.Executor, func(), error) {
	var inner settlement.Executor
	switch a.Config.Settlement.Mode {
	case config.SettlementEVM:
		evm := a.Config.Settlement.EVM
		exec, err := settlement.NewEVMExecutor(settlement.EVMOptions{
			RPCURL:        evm.RPCURL,
			ChainID:       evm.ChainID,
			PrivateKeyHex: evm.PrivateKey,
			TokenAddress:  evm.TokenAddress,
			TokenDecimals: evm.TokenDecimals,
			GasLimit:      evm.GasLimit,
			Timeout:       evm.RequestTimeout,
		}, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		inner = exec
	default:
		a.Logger.Warn().Msg("settlement.mode is simulated; no funds will move")
		inner = settlement.NewSimulated(a.Config.Settlement.ConfirmAfter)
	}

	ledger, closer := a.newLedger()
	return settlement.NewGuarded(inner, ledger, a.Logger), closer, nil
}

func (a *App) newLedger() (settlement.Ledger, func()) {
	rc := a.Config.Redis
	if rc.Addr == "" {
		return settlement.NewMemoryLedger(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	closer := func() {
		if err := client.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close redis client")
		}
	}
	return settlement.NewRedisLedger(client, rc.KeyPrefix, rc.ClaimTTL), closer
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) newQuoteService(src quote.PriceSource, store storage.PolicyStore) *quote.Service {
	assets := make(map[domain.Asset]quote.AssetDefaults, len(a.Config.Pricing.Assets))
	for key, p := range a.Config.Pricing.Assets {
		asset, err := domain.ParseAsset(key)
		if err != nil {
			continue
		}
		assets[asset] = quote.AssetDefaults{Volatility: p.Volatility, RiskFreeRate: p.RiskFreeRate}
	}
	return quote.NewService(quote.Options{
		Assets:       assets,
		DefaultTenor: a.Config.Pricing.DefaultTenor,
		StrikeRatio:  a.Config.Pricing.StrikeRatio,
	}, pricing.NewEngine(a.Config.Pricing.VigRate), src, store, a.Metrics, a.Logger)
}

func (a *App) newMonitor(store Backend, src monitor.PriceSource, refresher monitor.Refresher, exec settlement.Executor) (*monitor.Monitor, error) {
	assets, err := a.Config.MonitoredAssets()
	if err != nil {
		return nil, err
	}

	deps := monitor.Deps{
		Store:     store,
		Prices:    src,
		Refresher: refresher,
		Executor:  exec,
		Notifier:  a.newNotifier(),
		Metrics:   a.Metrics,
	}
	if l, ok := store.(storage.AdvisoryLocker); ok {
		deps.Locker = l
	}

	return monitor.New(monitor.Options{
		Assets:              assets,
		Interval:            a.Config.Scheduler.Interval,
		ExpirySweepInterval: a.Config.Scheduler.ExpirySweepInterval,
		PayoutTimeout:       a.Config.Settlement.PayoutTimeout,
		PollInterval:        a.Config.Settlement.PollInterval,
		Workers:             a.Config.Settlement.Workers,
		LockKey:             a.Config.Scheduler.AdvisoryLockKey,
	}, deps, a.Logger)
}

// Run executes the long-running monitor until SIGINT or SIGTERM. SIGUSR1
// forces an immediate evaluation of every asset.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	exec, closeExec, err := a.newExecutor()
	if err != nil {
		return err
	}
	defer closeExec()

	norm, feed := a.newPrices(store)
	mon, err := a.newMonitor(store, norm, feed, exec)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if stream := a.newStream(); stream != nil {
		g.Go(func() error {
			err := feed.Consume(ctx, stream, mon.Assets())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if a.Config.Metrics.Enabled {
		srv := a.metricsServer()
		g.Go(func() error {
			a.Logger.Info().Str("addr", srv.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if len(kickSignals) > 0 {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, kickSignals...)
		defer signal.Stop(sigs)
		g.Go(func() error { return a.kickOnSignal(ctx, sigs, norm, mon) })
	}

	g.Go(func() error {
		a.Logger.Info().Strs("assets", a.Config.App.Assets).Msg("starting liquidation monitor")
		return mon.Run(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("monitor terminated with error")
		return err
	}

	a.Logger.Info().Msg("liquidation monitor stopped")
	return nil
}

func (a *App) metricsServer() *http.Server {
	path := a.Config.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, a.Metrics.Handler())
	return &http.Server{
		Addr:              a.Config.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	Asset     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Asset  string
	Status string
	Owner  string
	Limit  int
	Prices bool
}

// TickOptions configure a one-shot evaluation pass.
type TickOptions struct {
	Assets []string
	DryRun bool
}
