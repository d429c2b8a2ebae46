package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hl-cycle-bot/internal/account"
	"hl-cycle-bot/internal/alerts"
	"hl-cycle-bot/internal/config"
	"hl-cycle-bot/internal/history"
	"hl-cycle-bot/internal/hl/exchange"
	"hl-cycle-bot/internal/hl/rest"
	"hl-cycle-bot/internal/metrics"
	"hl-cycle-bot/internal/state"
	"hl-cycle-bot/internal/state/sqlite"
	"hl-cycle-bot/internal/trader"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    state.Store
	rest     *rest.Client
	exchange *exchange.Client
	stream   *account.Stream
	trader   *trader.Trader
	metrics  *metrics.Metrics
	prom     *metrics.Prometheus
	alerts   *alerts.Telegram
	history  *history.Writer

	reconnect chan struct{}

	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)

	privateKey := strings.TrimSpace(os.Getenv("HL_AGENT_PRIVATE_KEY"))
	if privateKey == "" {
		return nil, errors.New("HL_AGENT_PRIVATE_KEY is required")
	}
	vaultAddress := strings.TrimSpace(os.Getenv("HL_VAULT_ADDRESS"))
	signer, err := exchange.NewSigner(privateKey, cfg.Network == "mainnet")
	if err != nil {
		return nil, err
	}
	exClient, err := exchange.NewClient(cfg.REST.BaseURL, cfg.REST.Timeout, signer, vaultAddress)
	if err != nil {
		return nil, err
	}
	exClient.SetLogger(log)
	if cfg.Builder.Address != "" {
		exClient.SetBuilder(&exchange.BuilderWire{
			Address: cfg.Builder.Address,
			Fee:     cfg.Builder.FeeTenthBps,
		})
	}

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	historyWriter, err := history.New(cfg.History, log)
	if err != nil {
		return nil, err
	}

	app := &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		rest:      restClient,
		exchange:  exClient,
		metrics:   m,
		prom:      prom,
		alerts:    alerts.NewTelegram(cfg.Telegram, log),
		history:   historyWriter,
		reconnect: make(chan struct{}, 1),
	}
	app.trader = trader.New(
		&recordingSubmitter{inner: exClient, app: app},
		traderConfig(cfg),
		m,
		log,
	)
	app.trader.SetCycleHook(app.onCycleCompleted)

	app.stream = account.NewStream(
		cfg.WS.URL,
		cfg.WS.DialTimeout,
		cfg.WS.PingInterval,
		cfg.Trading.AccountAddress,
		account.Handlers{
			OnSnapshot: app.trader.OnSnapshot,
			OnAssets:   app.onAssets,
			OnTrigger:  app.onTrigger,
			OnError:    app.onStreamError,
		},
		log,
	)
	app.trader.SetStreamConnected(app.stream.Connected)
	return app, nil
}

func traderConfig(cfg *config.Config) trader.Config {
	return trader.Config{
		Asset:     cfg.Trading.Asset,
		MarginUSD: decimal.NewFromFloat(cfg.Trading.MarginUSD),
		Leverage:  cfg.Trading.Leverage,
		IsBuy:     cfg.Trading.Side == "buy",
		Slippage:  decimal.NewFromFloat(cfg.Trading.Slippage),
	}
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.history.Close()

	if err := a.exchange.InitNonceStore(ctx, a.store); err != nil {
		a.log.Warn("nonce store init failed", zap.Error(err))
	} else if nonce, ok := a.exchange.NonceState(); ok {
		a.log.Info("nonce persistence enabled",
			zap.String("nonce_key", nonce.Key), zap.Uint64("nonce_seed", nonce.Last))
	}

	snap, err := account.Reconcile(ctx, a.rest, a.cfg.Trading.AccountAddress)
	if err != nil {
		return err
	}
	a.trader.OnSnapshot(*snap)
	a.log.Info("reconciled account",
		zap.String("withdrawable", snap.Withdrawable.String()),
		zap.Bool("has_position", snap.Position != nil),
		zap.Int("universe", len(snap.Universe)))

	a.history.Start(ctx)
	a.stream.Start(ctx)
	if err := a.stream.Connect(ctx); err != nil {
		a.log.Error("initial stream connect failed", zap.Error(err))
		a.scheduleReconnect()
	}
	go a.reconnectLoop(ctx)

	stopMetrics := a.serveMetrics(ctx)
	defer stopMetrics()

	a.startOperator(ctx)

	if err := a.trader.Start(ctx); err != nil {
		if !a.trader.IsRunning() {
			return err
		}
		a.log.Warn("initial evaluation failed", zap.Error(err))
	}
	a.saveMachineSnapshot(ctx)
	a.alerts.Notify(ctx, "bot started: cycling "+a.cfg.Trading.Asset)

	<-ctx.Done()
	a.trader.Stop()
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.stream.Close(closeCtx)
	a.saveMachineSnapshot(closeCtx)
	return ctx.Err()
}

func (a *App) onAssets(universe []account.AssetDescriptor) {
	a.log.Debug("universe refreshed", zap.Int("assets", len(universe)))
}

func (a *App) onTrigger(ctx context.Context, kind string) {
	a.log.Debug("evaluation trigger", zap.String("kind", kind))
	// errors are logged and counted inside the machine; a failed pass leaves
	// it idle and the next event retries
	_ = a.trader.Evaluate(ctx)
}

func (a *App) onStreamError(err error) {
	a.log.Warn("account stream lost", zap.Error(err))
	if a.alerts != nil && a.alerts.Enabled() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			a.alerts.Notify(ctx, "account stream lost, reconnecting: "+err.Error())
		}()
	}
	a.scheduleReconnect()
}

func (a *App) scheduleReconnect() {
	select {
	case a.reconnect <- struct{}{}:
	default:
	}
}

func (a *App) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.reconnect:
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.cfg.WS.ReconnectDelay):
		}
		a.metrics.StreamReconnects.Inc()
		if err := a.stream.Connect(ctx); err != nil {
			a.log.Warn("stream reconnect failed", zap.Error(err))
			a.scheduleReconnect()
			continue
		}
		a.log.Info("account stream reconnected")
		// re-seed from REST in case frames were missed while disconnected
		if snap, err := account.Reconcile(ctx, a.rest, a.cfg.Trading.AccountAddress); err != nil {
			a.log.Warn("post-reconnect reconcile failed", zap.Error(err))
		} else {
			a.trader.OnSnapshot(*snap)
			_ = a.trader.Evaluate(ctx)
		}
	}
}

func (a *App) serveMetrics(ctx context.Context) func() {
	if a.prom == nil {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics server listening",
		zap.String("address", a.cfg.Metrics.Address), zap.String("path", a.cfg.Metrics.Path))
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
}

func (a *App) onCycleCompleted() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cfg := a.trader.Config()
	a.history.EnqueueCycle(history.CycleRecord{
		Time:      time.Now().UTC(),
		Asset:     cfg.Asset,
		Side:      sideString(cfg.IsBuy),
		MarginUSD: cfg.MarginUSD.String(),
		Leverage:  cfg.Leverage,
	})
	a.alerts.Notify(ctx, "cycle completed on "+cfg.Asset)
}

func (a *App) saveMachineSnapshot(ctx context.Context) {
	cfg := a.trader.Config()
	err := state.SaveMachineSnapshot(ctx, a.store, state.MachineSnapshot{
		Running:     a.trader.IsRunning(),
		Phase:       string(a.trader.Phase()),
		Asset:       cfg.Asset,
		MarginUSD:   cfg.MarginUSD.String(),
		Leverage:    cfg.Leverage,
		Side:        sideString(cfg.IsBuy),
		Slippage:    cfg.Slippage.String(),
		UpdatedAtMS: time.Now().UnixMilli(),
	})
	if err != nil {
		a.log.Warn("machine snapshot save failed", zap.Error(err))
	}
}

func sideString(isBuy bool) string {
	if isBuy {
		return "buy"
	}
	return "sell"
}
