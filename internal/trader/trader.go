package trader

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"hl-cycle-bot/internal/account"
	"hl-cycle-bot/internal/hl/exchange"
	"hl-cycle-bot/internal/metrics"
	"hl-cycle-bot/internal/pricing"
)

// Phase tracks where the machine sits in the open/close cycle. It moves only
// on caller actions (Start/Stop) or on a fresh account event, never on a
// timer.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseOpening         Phase = "opening"
	PhaseWaitingOpenFill Phase = "waiting_for_open_fill"
	PhaseClosing         Phase = "closing"
	PhaseWaitingClose    Phase = "waiting_for_close"
)

var (
	ErrInsufficientBalance = errors.New("insufficient withdrawable balance")
	ErrPositionNotFound    = errors.New("no open position to close")
	ErrInvalidMarkPrice    = errors.New("mark price unavailable")
	ErrAssetUnknown        = errors.New("asset not present in universe")
)

// Submitter places signed actions on the exchange.
type Submitter interface {
	PlaceOrders(ctx context.Context, orders []exchange.OrderWire) error
	UpdateLeverage(ctx context.Context, asset, leverage int) error
}

// Config drives order construction. It is read once at the start of each
// evaluation pass, so a concurrent update never tears a single order.
type Config struct {
	Asset     string
	MarginUSD decimal.Decimal
	Leverage  int
	IsBuy     bool
	Slippage  decimal.Decimal
}

// ConfigPatch carries partial updates; nil fields keep their current value.
type ConfigPatch struct {
	Asset     *string
	MarginUSD *decimal.Decimal
	Leverage  *int
	IsBuy     *bool
	Slippage  *decimal.Decimal
}

type action int

const (
	actionNone action = iota
	actionOpen
	actionClose
)

// Trader cycles a single position: open, wait for the fill, close, wait for
// the close, repeat. Every decision is re-derived from the freshest cached
// snapshot, so coalesced triggers lose no information.
type Trader struct {
	submitter Submitter
	metrics   *metrics.Metrics
	log       *zap.Logger

	mu              sync.Mutex
	cfg             Config
	running         bool
	inFlight        bool
	phase           Phase
	leverageApplied bool
	seeded          bool

	withdrawable decimal.Decimal
	position     *account.Position
	universe     []account.AssetDescriptor

	streamConnected func() bool
	cycleHook       func()
}

func New(submitter Submitter, cfg Config, m *metrics.Metrics, log *zap.Logger) *Trader {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Trader{
		submitter: submitter,
		metrics:   m,
		log:       log,
		cfg:       cfg,
		phase:     PhaseIdle,
	}
}

// SetStreamConnected wires the connectivity observer used by
// IsStreamConnected.
func (t *Trader) SetStreamConnected(fn func() bool) {
	t.mu.Lock()
	t.streamConnected = fn
	t.mu.Unlock()
}

// SetCycleHook registers a callback fired after each confirmed close, before
// the next open is attempted.
func (t *Trader) SetCycleHook(fn func()) {
	t.mu.Lock()
	t.cycleHook = fn
	t.mu.Unlock()
}

// OnSnapshot replaces the cached balance and position wholesale. The universe
// is replaced only when the frame carried metadata.
func (t *Trader) OnSnapshot(snap account.Snapshot) {
	t.mu.Lock()
	t.withdrawable = snap.Withdrawable
	t.position = snap.Position
	if snap.Universe != nil {
		t.universe = snap.Universe
		if t.cfg.Asset == "" && len(t.universe) > 0 {
			t.cfg.Asset = t.universe[0].Name
			t.log.Info("no asset configured, defaulting to first listed",
				zap.String("asset", t.cfg.Asset))
		}
	}
	t.seeded = true
	t.mu.Unlock()
}

// Start arms the machine and runs one evaluation pass against whatever
// snapshot is already cached. The leverage update is applied up front when
// asset metadata is available, otherwise deferred to the first open attempt.
func (t *Trader) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		t.log.Info("start ignored, already running")
		return nil
	}
	t.running = true
	t.phase = PhaseIdle
	cfg := t.cfg
	asset, ok := account.FindAsset(t.universe, cfg.Asset)
	applied := t.leverageApplied
	t.mu.Unlock()

	if !applied && cfg.Leverage > 0 {
		if !ok {
			t.log.Warn("asset metadata not yet available, leverage update deferred",
				zap.String("asset", cfg.Asset))
		} else if err := t.applyLeverage(ctx, asset.Index, cfg.Leverage); err != nil {
			t.mu.Lock()
			t.running = false
			t.mu.Unlock()
			return err
		}
	}

	t.log.Info("machine started",
		zap.String("asset", cfg.Asset),
		zap.String("margin_usd", cfg.MarginUSD.String()),
		zap.Int("leverage", cfg.Leverage),
		zap.Bool("is_buy", cfg.IsBuy))
	return t.Evaluate(ctx)
}

// Stop halts future automatic actions. A submission already in flight
// completes or fails on its own; no follow-up action will be chained. Any
// open position is left untouched.
func (t *Trader) Stop() {
	t.mu.Lock()
	t.running = false
	t.inFlight = false
	t.phase = PhaseIdle
	t.mu.Unlock()
	t.log.Info("machine stopped, open position left untouched")
}

// UpdateConfig merges non-nil fields into the live configuration. Changes
// take effect on the next evaluation pass. Patching the asset or leverage
// re-arms the leverage update.
func (t *Trader) UpdateConfig(patch ConfigPatch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if patch.Asset != nil && *patch.Asset != t.cfg.Asset {
		t.cfg.Asset = *patch.Asset
		t.leverageApplied = false
	}
	if patch.MarginUSD != nil {
		t.cfg.MarginUSD = *patch.MarginUSD
	}
	if patch.Leverage != nil && *patch.Leverage != t.cfg.Leverage {
		t.cfg.Leverage = *patch.Leverage
		t.leverageApplied = false
	}
	if patch.IsBuy != nil {
		t.cfg.IsBuy = *patch.IsBuy
	}
	if patch.Slippage != nil {
		t.cfg.Slippage = *patch.Slippage
	}
}

func (t *Trader) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Trader) IsProcessing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}

func (t *Trader) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

func (t *Trader) Config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

func (t *Trader) IsStreamConnected() bool {
	t.mu.Lock()
	fn := t.streamConnected
	t.mu.Unlock()
	if fn == nil {
		return false
	}
	return fn()
}

// Evaluate runs one pass of the cycle. Concurrent calls while a submission is
// in flight are dropped; the next event re-evaluates against fresh state.
func (t *Trader) Evaluate(ctx context.Context) error {
	t.mu.Lock()
	if !t.running || t.inFlight {
		t.mu.Unlock()
		return nil
	}
	if !t.seeded {
		t.mu.Unlock()
		t.log.Debug("no account snapshot yet, skipping evaluation")
		return nil
	}
	cfg := t.cfg
	act := t.decideLocked()
	if act == actionNone {
		t.mu.Unlock()
		return nil
	}
	if act == actionOpen && t.phase == PhaseWaitingClose {
		t.metrics.CyclesCompleted.Inc()
		hook := t.cycleHook
		t.log.Info("cycle completed")
		if hook != nil {
			defer hook()
		}
	}
	var (
		order exchange.OrderWire
		err   error
	)
	if act == actionOpen {
		t.phase = PhaseOpening
		order, err = t.buildOpenLocked(cfg)
	} else {
		t.phase = PhaseClosing
		order, err = t.buildCloseLocked(cfg)
	}
	if err != nil {
		t.phase = PhaseIdle
		t.mu.Unlock()
		t.metrics.OrdersFailed.Inc()
		t.log.Error("order construction failed", zap.Error(err))
		return err
	}
	t.inFlight = true
	needLeverage := act == actionOpen && !t.leverageApplied && cfg.Leverage > 0
	assetIndex := order.Asset
	t.mu.Unlock()

	if needLeverage {
		if err := t.applyLeverage(ctx, assetIndex, cfg.Leverage); err != nil {
			t.settle(act, err)
			return err
		}
	}
	err = t.submitter.PlaceOrders(ctx, []exchange.OrderWire{order})
	t.settle(act, err)
	return err
}

// CloseNow submits a best-effort reduce-only close outside the automatic
// cycle. It works whether or not the machine is running.
func (t *Trader) CloseNow(ctx context.Context) error {
	t.mu.Lock()
	if t.inFlight {
		t.mu.Unlock()
		return errors.New("submission already in flight")
	}
	cfg := t.cfg
	order, err := t.buildCloseLocked(cfg)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.inFlight = true
	t.phase = PhaseClosing
	t.mu.Unlock()

	err = t.submitter.PlaceOrders(ctx, []exchange.OrderWire{order})
	t.settle(actionClose, err)
	return err
}

// decideLocked maps (phase, cached position) to the next action.
func (t *Trader) decideLocked() action {
	hasPosition := t.position != nil
	switch t.phase {
	case PhaseIdle:
		if hasPosition {
			return actionClose
		}
		return actionOpen
	case PhaseWaitingClose:
		if !hasPosition {
			return actionOpen
		}
	case PhaseWaitingOpenFill:
		if hasPosition {
			return actionClose
		}
	}
	return actionNone
}

// settle records the outcome of a submission and advances or reverts the
// phase. If Stop raced with the in-flight call, the machine stays idle.
func (t *Trader) settle(act action, err error) {
	t.mu.Lock()
	t.inFlight = false
	switch {
	case !t.running:
		t.phase = PhaseIdle
	case err != nil:
		t.phase = PhaseIdle
	case act == actionOpen:
		t.phase = PhaseWaitingOpenFill
	default:
		t.phase = PhaseWaitingClose
	}
	t.mu.Unlock()

	if err != nil {
		t.metrics.OrdersFailed.Inc()
		t.log.Error("order submission failed", zap.Error(err))
		return
	}
	t.metrics.OrdersPlaced.Inc()
	if act == actionOpen {
		t.metrics.OpensSubmitted.Inc()
		t.log.Info("open order submitted")
	} else {
		t.metrics.ClosesSubmitted.Inc()
		t.log.Info("close order submitted")
	}
}

func (t *Trader) applyLeverage(ctx context.Context, assetIndex, leverage int) error {
	if err := t.submitter.UpdateLeverage(ctx, assetIndex, leverage); err != nil {
		t.log.Error("leverage update failed", zap.Error(err))
		return err
	}
	t.mu.Lock()
	t.leverageApplied = true
	t.mu.Unlock()
	t.log.Info("leverage updated", zap.Int("asset", assetIndex), zap.Int("leverage", leverage))
	return nil
}

// buildOpenLocked constructs the open order from the cached snapshot. Margin
// is clamped to the live withdrawable balance before sizing.
func (t *Trader) buildOpenLocked(cfg Config) (exchange.OrderWire, error) {
	asset, ok := account.FindAsset(t.universe, cfg.Asset)
	if !ok {
		return exchange.OrderWire{}, ErrAssetUnknown
	}
	if asset.MarkPx.Sign() <= 0 {
		return exchange.OrderWire{}, ErrInvalidMarkPrice
	}
	margin := cfg.MarginUSD
	if t.withdrawable.LessThan(margin) {
		t.log.Warn("configured margin exceeds withdrawable balance, clamping",
			zap.String("configured", margin.String()),
			zap.String("withdrawable", t.withdrawable.String()))
		margin = t.withdrawable
	}
	if margin.Sign() <= 0 {
		return exchange.OrderWire{}, ErrInsufficientBalance
	}
	exposure := margin.Mul(decimal.NewFromInt(int64(cfg.Leverage)))
	size := pricing.FormatQuantity(exposure.Div(asset.MarkPx), asset.SzDecimals)
	if size.Sign() <= 0 {
		return exchange.OrderWire{}, ErrInsufficientBalance
	}
	price := pricing.SlippagePrice(cfg.IsBuy, asset.MarkPx, cfg.Slippage, asset.SzDecimals)
	if price.Sign() <= 0 {
		return exchange.OrderWire{}, ErrInvalidMarkPrice
	}
	return exchange.LimitOrderWire(asset.Index, cfg.IsBuy, size, price, false, exchange.TifIoc)
}

// buildCloseLocked constructs the reduce-only close for the sole cached
// position. Side is the opposite of the position sign.
func (t *Trader) buildCloseLocked(cfg Config) (exchange.OrderWire, error) {
	pos := t.position
	if pos == nil {
		return exchange.OrderWire{}, ErrPositionNotFound
	}
	asset, ok := account.FindAsset(t.universe, pos.Asset)
	if !ok {
		return exchange.OrderWire{}, ErrAssetUnknown
	}
	if asset.MarkPx.Sign() <= 0 {
		return exchange.OrderWire{}, ErrInvalidMarkPrice
	}
	isBuy := pos.SignedSize.Sign() < 0
	size := pos.SignedSize.Abs()
	price := pricing.SlippagePrice(isBuy, asset.MarkPx, cfg.Slippage, asset.SzDecimals)
	if price.Sign() <= 0 {
		return exchange.OrderWire{}, ErrInvalidMarkPrice
	}
	return exchange.LimitOrderWire(asset.Index, isBuy, size, price, true, exchange.TifIoc)
}
