package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Todd838/Coin-Insights/internal/alerting"
	"github.com/Todd838/Coin-Insights/internal/config"
	"github.com/Todd838/Coin-Insights/internal/discovery"
	"github.com/Todd838/Coin-Insights/internal/fetcher"
	"github.com/Todd838/Coin-Insights/internal/service"
	"github.com/Todd838/Coin-Insights/internal/storage"
	"github.com/Todd838/Coin-Insights/internal/watchlist"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newJobs assembles the poller and detector schedules.
func (a *App) newJobs(store *watchlist.Store, svc *service.Service) []service.PollJob {
	var jobs []service.PollJob
	cfg := a.Config

	if cfg.CoinGecko.Interval > 0 {
		gecko := fetcher.NewCoinGecko(fetcher.CoinGeckoOptions{
			BaseURL:            cfg.CoinGecko.BaseURL,
			APIKey:             cfg.CoinGecko.APIKey,
			Pages:              cfg.CoinGecko.Pages,
			PerPage:            cfg.CoinGecko.PerPage,
			PageDelay:          cfg.CoinGecko.PageDelay,
			ChangeThresholdPct: cfg.CoinGecko.ChangeThresholdPct,
			Timeout:            cfg.CoinGecko.RequestTimeout,
		}, store, svc, a.Logger)
		jobs = append(jobs, service.PollJob{
			Name:     "coingecko",
			Interval: cfg.CoinGecko.Interval,
			Poll:     gecko.Poll,
		})
	}

	if cfg.DexScreener.Interval > 0 {
		dex := fetcher.NewDexScreener(fetcher.DexScreenerOptions{
			BaseURL:            cfg.DexScreener.BaseURL,
			RequestDelay:       cfg.DexScreener.RequestDelay,
			MinLiquidityUSD:    cfg.DexScreener.MinLiquidityUSD,
			ChangeThresholdPct: cfg.DexScreener.ChangeThresholdPct,
			Timeout:            cfg.DexScreener.RequestTimeout,
		}, store, svc, a.Logger)
		jobs = append(jobs, service.PollJob{
			Name:     "dexscreener",
			Interval: cfg.DexScreener.Interval,
			Poll:     dex.Poll,
		})
	}

	if cfg.Discovery.Binance.Enabled {
		binance := discovery.NewBinance(discovery.BinanceOptions{
			BaseURL: cfg.Discovery.Binance.BaseURL,
			DataDir: cfg.Data.Dir,
			AutoAdd: cfg.Discovery.Binance.AutoAdd,
			Timeout: cfg.Discovery.Binance.RequestTimeout,
		}, store, a.Logger)
		jobs = append(jobs, service.PollJob{
			Name:      "binance_listings",
			Interval:  cfg.Discovery.Binance.Interval,
			Immediate: true,
			Poll:      binance.Poll,
		})
	}

	if cfg.Discovery.Coinbase.Enabled {
		coinbase := discovery.NewCoinbase(discovery.CoinbaseOptions{
			BaseURL: cfg.Discovery.Coinbase.BaseURL,
			DataDir: cfg.Data.Dir,
			AutoAdd: cfg.Discovery.Coinbase.AutoAdd,
			Timeout: cfg.Discovery.Coinbase.RequestTimeout,
		}, store, a.Logger)
		jobs = append(jobs, service.PollJob{
			Name:      "coinbase_listings",
			Interval:  cfg.Discovery.Coinbase.Interval,
			Immediate: true,
			Poll:      coinbase.Poll,
		})
	}

	if cfg.Discovery.OnChain.Enabled {
		onchain := discovery.NewOnChain(discovery.OnChainOptions{
			RPCURL:         cfg.Discovery.OnChain.RPCURL,
			FactoryAddress: cfg.Discovery.OnChain.FactoryAddress,
			DataDir:        cfg.Data.Dir,
			MaxBlockSpan:   cfg.Discovery.OnChain.MaxBlockSpan,
			Timeout:        cfg.Discovery.OnChain.RequestTimeout,
		}, a.Logger)
		jobs = append(jobs, service.PollJob{
			Name:      "onchain_pairs",
			Interval:  cfg.Discovery.OnChain.Interval,
			Immediate: true,
			Poll:      onchain.Poll,
		})
	}

	return jobs
}

// Run executes the long-running gateway service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	archive, closeArchive, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if archive == nil {
		a.Logger.Warn().Msg("database.dsn not configured; tick archive disabled")
	}
	if closeArchive != nil {
		defer closeArchive()
	}

	store := watchlist.NewStore(a.Config.Data.Dir, a.Logger)

	var tickStore storage.TickStore
	var alertStore storage.AlertStore
	if archive != nil {
		tickStore = archive
		alertStore = archive
	}

	svc, err := service.New(service.Options{
		Config:   a.Config,
		Store:    store,
		Ticks:    tickStore,
		Alerts:   alertStore,
		Notifier: a.newNotifier(),
	}, a.Logger)
	if err != nil {
		return err
	}
	svc.SetJobs(a.newJobs(store, svc))

	a.Logger.Info().Msg("starting gateway service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("gateway service stopped")
	return nil
}

// ExportOptions hold parameters for exporting archived ticks.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
