// Package service wires the gateway together: the live feed, the browser
// hub, the analytics link, the pollers, and the control API share one
// Service instance that owns all mutable state.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Todd838/Coin-Insights/internal/alerting"
	"github.com/Todd838/Coin-Insights/internal/analytics"
	"github.com/Todd838/Coin-Insights/internal/config"
	"github.com/Todd838/Coin-Insights/internal/feed"
	"github.com/Todd838/Coin-Insights/internal/httpapi"
	"github.com/Todd838/Coin-Insights/internal/hub"
	"github.com/Todd838/Coin-Insights/internal/market"
	"github.com/Todd838/Coin-Insights/internal/scheduler"
	"github.com/Todd838/Coin-Insights/internal/storage"
	"github.com/Todd838/Coin-Insights/internal/symbols"
	"github.com/Todd838/Coin-Insights/internal/watchlist"
)

const archiveQueueSize = 1024

// FeedController is the live feed surface the service drives.
type FeedController interface {
	Track(products ...string) bool
	Tracked() []string
	Resubscribe()
	Run(ctx context.Context) error
}

// PollJob pairs a poller with its schedule.
type PollJob struct {
	Name      string
	Interval  time.Duration
	Immediate bool
	Poll      func(ctx context.Context) error
}

// Service orchestrates the gateway runtime.
type Service struct {
	cfg      *config.Config
	logger   zerolog.Logger
	hub      *hub.Hub
	feed     FeedController
	link     *analytics.Link
	store    *watchlist.Store
	ticks    storage.TickStore
	alerts   storage.AlertStore
	notifier alerting.Notifier
	jobs     []PollJob

	archiveCh chan []market.Tick

	notifyLevels map[string]struct{}
}

// Options collect the service dependencies. Feed is constructed by the
// service itself so that it can act as the tick sink and the alert handler.
type Options struct {
	Config   *config.Config
	Store    *watchlist.Store
	Ticks    storage.TickStore
	Alerts   storage.AlertStore
	Notifier alerting.Notifier
}

// New constructs the service and its feed/link/hub components.
func New(opts Options, logger zerolog.Logger) (*Service, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("watchlist store is required")
	}

	s := &Service{
		cfg:          opts.Config,
		logger:       logger.With().Str("component", "service").Logger(),
		store:        opts.Store,
		ticks:        opts.Ticks,
		alerts:       opts.Alerts,
		notifier:     opts.Notifier,
		archiveCh:    make(chan []market.Tick, archiveQueueSize),
		notifyLevels: make(map[string]struct{}),
	}
	for _, level := range opts.Config.Alerting.Levels {
		s.notifyLevels[level] = struct{}{}
	}

	s.hub = hub.New(logger)

	products, err := s.startupProducts()
	if err != nil {
		return nil, err
	}
	s.feed = feed.New(feed.Options{
		URL:              opts.Config.Coinbase.WSURL,
		ReconnectDelay:   opts.Config.Coinbase.ReconnectDelay,
		SubscribeTimeout: opts.Config.Coinbase.SubscribeTimeout,
	}, products, s, logger)

	s.link = analytics.New(analytics.Options{
		URL:            opts.Config.Analytics.URL,
		ReconnectDelay: opts.Config.Analytics.ReconnectDelay,
	}, s.handleAlerts, logger)

	return s, nil
}

// Feed exposes the live feed client for the control API.
func (s *Service) Feed() FeedController { return s.feed }

// SetJobs installs the poller schedules. Jobs are constructed after the
// service because the pollers publish through it.
func (s *Service) SetJobs(jobs []PollJob) { s.jobs = jobs }

// Hub exposes the browser hub, mainly for tests.
func (s *Service) Hub() *hub.Hub { return s.hub }

// startupProducts seeds the tracked set from configuration plus the global
// watchlist document.
func (s *Service) startupProducts() ([]string, error) {
	seen := make(map[string]struct{})
	var products []string
	for _, product := range s.cfg.Coinbase.Products {
		if _, ok := seen[product]; ok {
			continue
		}
		seen[product] = struct{}{}
		products = append(products, product)
	}

	doc, err := s.store.Load("")
	if err != nil {
		return nil, fmt.Errorf("load global watchlist: %w", err)
	}
	for _, syms := range doc.Categories {
		for _, sym := range syms {
			product := symbols.ToVenue(sym)
			if _, ok := seen[product]; ok {
				continue
			}
			seen[product] = struct{}{}
			products = append(products, product)
		}
	}
	return products, nil
}

// PublishTicks fans one tick batch out to the browser hub, the analytics
// link, and the archive queue.
func (s *Service) PublishTicks(ticks []market.Tick) {
	if len(ticks) == 0 {
		return
	}
	s.hub.Broadcast(market.NewPricesMessage(ticks))
	s.link.SendTicks(ticks)

	if s.ticks != nil {
		select {
		case s.archiveCh <- ticks:
		default:
			s.logger.Warn().Int("dropped", len(ticks)).Msg("archive queue full")
		}
	}
}

// handleAlerts relays an inbound alert batch verbatim to the browsers, then
// applies the promotion and notification side effects.
func (s *Service) handleAlerts(raw []byte, alerts []market.Alert) {
	s.hub.BroadcastRaw(raw)

	promoted := false
	for _, alert := range alerts {
		if s.alerts != nil {
			entry := storage.AlertEntry{
				Symbol:       alert.Symbol,
				Level:        alert.Level,
				Vol5m:        decimal.NewFromFloat(alert.Vol5m),
				DurationText: alert.DurationText,
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := s.alerts.InsertAlert(ctx, entry); err != nil {
				s.logger.Error().Err(err).Str("symbol", alert.Symbol).Msg("failed to archive alert")
			}
			cancel()
		}

		if s.cfg.Analytics.AutoPromote && alert.Promotable() {
			if s.promote(alert) {
				promoted = true
			}
		}

		if s.notifier != nil && s.cfg.Alerting.Enabled {
			if _, ok := s.notifyLevels[alert.Level]; ok {
				s.dispatchNotification(alert)
			}
		}
	}

	if promoted {
		s.feed.Resubscribe()
	}
}

// promote appends a volatile symbol to the global watchlist and the live
// tracked set. Returns true when the tracked set actually grew.
func (s *Service) promote(alert market.Alert) bool {
	legacy, added, err := s.store.Add("", alert.Symbol, watchlist.CategoryCoinGecko)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", alert.Symbol).Msg("auto-promotion failed")
		return false
	}
	if !added {
		return false
	}

	product := symbols.ToVenue(legacy)
	grew := s.feed.Track(product)
	s.logger.Info().Str("symbol", legacy).Str("level", alert.Level).Msg("symbol auto-promoted to watchlist")
	return grew
}

func (s *Service) dispatchNotification(alert market.Alert) {
	note := alerting.Notification{
		Symbol:       alert.Symbol,
		Level:        alert.Level,
		Vol5m:        decimal.NewFromFloat(alert.Vol5m),
		DurationText: alert.DurationText,
		At:           time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("symbol", alert.Symbol).Msg("failed to dispatch alert")
	}
}

// archiveWorker drains the archive queue into the tick store.
func (s *Service) archiveWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ticks := <-s.archiveCh:
			rows := make([]storage.PriceTick, 0, len(ticks))
			for _, tick := range ticks {
				rows = append(rows, storage.PriceTick{
					Symbol: tick.Symbol,
					Price:  decimal.NewFromFloat(tick.Price),
					Source: "gateway",
					TS:     time.UnixMilli(tick.TS).UTC(),
				})
			}
			insertCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := s.ticks.InsertTicks(insertCtx, rows); err != nil {
				s.logger.Error().Err(err).Int("ticks", len(rows)).Msg("failed to archive ticks")
			}
			cancel()
		}
	}
}

// Run starts every component and blocks until ctx is cancelled or a
// listener fails to come up. A listener failure cancels the component
// goroutines so Run can unwind instead of waiting on them forever.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.feed.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("feed client stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.link.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("analytics link stopped")
		}
	}()

	if s.ticks != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.archiveWorker(runCtx)
		}()
	}

	for _, job := range s.jobs {
		sched := scheduler.New(scheduler.Options{
			Name:      job.Name,
			Interval:  job.Interval,
			Immediate: job.Immediate,
		}, s.logger)
		poll := job.Poll
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sched.Run(runCtx, func(ctx context.Context, _ time.Time) error {
				return poll(ctx)
			})
		}()
	}

	wsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Server.WSPort),
		Handler: s.hub.Handler(),
	}
	api := httpapi.New(s.store, s.feed, s.cfg.Data.Dir, s.logger)
	apiServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		Handler: api.Handler(),
	}

	errCh := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.logger.Info().Int("port", s.cfg.Server.WSPort).Msg("browser websocket server listening")
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("websocket server: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		s.logger.Info().Int("port", s.cfg.Server.HTTPPort).Msg("control api listening")
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-runCtx.Done():
	case runErr = <-errCh:
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = wsServer.Shutdown(shutdownCtx)
	_ = apiServer.Shutdown(shutdownCtx)

	wg.Wait()
	if runErr != nil {
		return runErr
	}
	return ctx.Err()
}

var _ market.TickSink = (*Service)(nil)
