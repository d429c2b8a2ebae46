package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"hl-cycle-bot/internal/account"
	"hl-cycle-bot/internal/hl/exchange"
)

type leverageCall struct {
	asset    int
	leverage int
}

type fakeSubmitter struct {
	mu       sync.Mutex
	orders   [][]exchange.OrderWire
	leverage []leverageCall
	placeErr error
	block    chan struct{}
	entered  chan struct{}
}

func (f *fakeSubmitter) PlaceOrders(ctx context.Context, orders []exchange.OrderWire) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return f.placeErr
	}
	f.orders = append(f.orders, orders)
	return nil
}

func (f *fakeSubmitter) UpdateLeverage(ctx context.Context, asset, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage = append(f.leverage, leverageCall{asset, leverage})
	return nil
}

func (f *fakeSubmitter) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func (f *fakeSubmitter) lastOrder(t *testing.T) exchange.OrderWire {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.orders) == 0 {
		t.Fatalf("no orders submitted")
	}
	batch := f.orders[len(f.orders)-1]
	if len(batch) != 1 {
		t.Fatalf("expected a single-order batch, got %d", len(batch))
	}
	return batch[0]
}

func testUniverse() []account.AssetDescriptor {
	return []account.AssetDescriptor{
		{Index: 0, Name: "BTC", MaxLeverage: 50, SzDecimals: 5, MarkPx: decimal.RequireFromString("27345.0")},
		{Index: 1, Name: "ETH", MaxLeverage: 50, SzDecimals: 4, MarkPx: decimal.RequireFromString("1891.4")},
	}
}

func testConfig() Config {
	return Config{
		Asset:     "ETH",
		MarginUSD: decimal.NewFromInt(50),
		Leverage:  10,
		IsBuy:     true,
		Slippage:  decimal.RequireFromString("0.05"),
	}
}

func snapshot(withdrawable string, pos *account.Position) account.Snapshot {
	return account.Snapshot{
		Withdrawable: decimal.RequireFromString(withdrawable),
		Position:     pos,
		Universe:     testUniverse(),
	}
}

func shortPosition(size string) *account.Position {
	return &account.Position{
		Asset:      "ETH",
		SignedSize: decimal.RequireFromString(size),
		EntryPrice: decimal.RequireFromString("1891.4"),
		Leverage:   10,
	}
}

func TestOpenOrderSizing(t *testing.T) {
	sub := &fakeSubmitter{}
	tr := New(sub, testConfig(), nil, zap.NewNop())
	tr.OnSnapshot(snapshot("100", nil))

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	order := sub.lastOrder(t)
	if order.Asset != 1 || !order.IsBuy || order.ReduceOnly {
		t.Errorf("unexpected order shape: %+v", order)
	}
	// exposure 50 * 10 = 500 USD; 500 / 1891.4 truncated to 4 size decimals
	if order.Size != "0.2643" {
		t.Errorf("size = %s, want 0.2643", order.Size)
	}
	// 1891.4 * 1.05 = 1985.97 capped to five significant figures
	if order.Price != "1985.9" {
		t.Errorf("price = %s, want 1985.9", order.Price)
	}
	if order.OrderType.Limit == nil || order.OrderType.Limit.Tif != exchange.TifIoc {
		t.Errorf("expected IOC limit order, got %+v", order.OrderType)
	}
	if got := tr.Phase(); got != PhaseWaitingOpenFill {
		t.Errorf("phase = %s", got)
	}
}

func TestOpenClampsMarginToWithdrawable(t *testing.T) {
	sub := &fakeSubmitter{}
	tr := New(sub, testConfig(), nil, zap.NewNop())
	tr.OnSnapshot(snapshot("30", nil))

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// exposure 30 * 10 = 300 USD; 300 / 1891.4 truncated to 4 size decimals
	if got := sub.lastOrder(t).Size; got != "0.1586" {
		t.Errorf("size = %s, want 0.1586", got)
	}
}

func TestOpenInsufficientBalance(t *testing.T) {
	sub := &fakeSubmitter{}
	tr := New(sub, testConfig(), nil, zap.NewNop())
	tr.OnSnapshot(snapshot("0", nil))

	err := tr.Start(context.Background())
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if sub.orderCount() != 0 {
		t.Errorf("no order should have been submitted")
	}
	if tr.Phase() != PhaseIdle {
		t.Errorf("phase = %s, want idle", tr.Phase())
	}
	if !tr.IsRunning() {
		t.Errorf("machine should stay running after a failed pass")
	}
}

func TestOpenInvalidMarkPrice(t *testing.T) {
	sub := &fakeSubmitter{}
	tr := New(sub, testConfig(), nil, zap.NewNop())
	universe := testUniverse()
	universe[1].MarkPx = decimal.Zero
	tr.OnSnapshot(account.Snapshot{
		Withdrawable: decimal.NewFromInt(100),
		Universe:     universe,
	})

	err := tr.Start(context.Background())
	if !errors.Is(err, ErrInvalidMarkPrice) {
		t.Fatalf("expected ErrInvalidMarkPrice, got %v", err)
	}
	if tr.Phase() != PhaseIdle {
		t.Errorf("phase = %s, want idle", tr.Phase())
	}
}

func TestCloseOppositeSideReduceOnly(t *testing.T) {
	sub := &fakeSubmitter{}
	tr := New(sub, testConfig(), nil, zap.NewNop())
	tr.OnSnapshot(snapshot("104.52", shortPosition("-0.25")))

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	order := sub.lastOrder(t)
	if !order.IsBuy {
		t.Errorf("closing a short must buy")
	}
	if !order.ReduceOnly {
		t.Errorf("close must be reduce-only")
	}
	if order.Size != "0.25" {
		t.Errorf("size = %s, want 0.25", order.Size)
	}
	// buying back the short pays up: 1891.4 * 1.05 truncated
	if order.Price != "1985.9" {
		t.Errorf("price = %s, want 1985.9", order.Price)
	}
	if got := tr.Phase(); got != PhaseWaitingClose {
		t.Errorf("phase = %s", got)
	}
}

func TestFullCycle(t *testing.T) {
	sub := &fakeSubmitter{}
	tr := New(sub, testConfig(), nil, zap.NewNop())
	ctx := context.Background()

	tr.OnSnapshot(snapshot("100", nil))
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if tr.Phase() != PhaseWaitingOpenFill {
		t.Fatalf("after open: phase = %s", tr.Phase())
	}

	// fill confirmed, position now long
	tr.OnSnapshot(snapshot("50", &account.Position{
		Asset:      "ETH",
		SignedSize: decimal.RequireFromString("0.2643"),
		EntryPrice: decimal.RequireFromString("1891.4"),
		Leverage:   10,
	}))
	if err := tr.Evaluate(ctx); err != nil {
		t.Fatalf("Evaluate close: %v", err)
	}
	if tr.Phase() != PhaseWaitingClose {
		t.Fatalf("after close: phase = %s", tr.Phase())
	}
	close1 := sub.lastOrder(t)
	if close1.IsBuy || !close1.ReduceOnly {
		t.Errorf("closing a long must sell reduce-only: %+v", close1)
	}

	// close confirmed, position gone: the machine opens the next cycle
	tr.OnSnapshot(snapshot("100", nil))
	if err := tr.Evaluate(ctx); err != nil {
		t.Fatalf("Evaluate reopen: %v", err)
	}
	if tr.Phase() != PhaseWaitingOpenFill {
		t.Fatalf("after reopen: phase = %s", tr.Phase())
	}
	if sub.orderCount() != 3 {
		t.Fatalf("expected 3 orders over the cycle, got %d", sub.orderCount())
	}
}

func TestWaitingPhasesHoldWithoutChange(t *testing.T) {
	sub := &fakeSubmitter{}
	tr := New(sub, testConfig(), nil, zap.NewNop())
	ctx := context.Background()

	tr.OnSnapshot(snapshot("100", nil))
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := sub.orderCount()

	// still no position reported: waiting_for_open_fill holds
	for i := 0; i < 3; i++ {
		if err := tr.Evaluate(ctx); err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
	}
	if sub.orderCount() != before {
		t.Errorf("no new orders expected while waiting for the fill")
	}
	if tr.Phase() != PhaseWaitingOpenFill {
		t.Errorf("phase = %s", tr.Phase())
	}
}

func TestEvaluateSingleFlight(t *testing.T) {
	sub := &fakeSubmitter{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	tr := New(sub, testConfig(), nil, zap.NewNop())
	tr.OnSnapshot(snapshot("100", nil))
	tr.mustRun(t)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- tr.Evaluate(ctx) }()
	<-sub.entered

	if !tr.IsProcessing() {
		t.Errorf("guard should be active while the submission is in flight")
	}
	// a trigger arriving mid-flight is dropped, not queued
	if err := tr.Evaluate(ctx); err != nil {
		t.Fatalf("concurrent Evaluate: %v", err)
	}
	close(sub.block)
	if err := <-done; err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sub.orderCount() != 1 {
		t.Fatalf("expected exactly one order, got %d", sub.orderCount())
	}
}

func TestStopDuringInFlightClose(t *testing.T) {
	sub := &fakeSubmitter{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	tr := New(sub, testConfig(), nil, zap.NewNop())
	tr.OnSnapshot(snapshot("104.52", shortPosition("-0.25")))
	tr.mustRun(t)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- tr.Evaluate(ctx) }()
	<-sub.entered

	tr.Stop()
	close(sub.block)
	if err := <-done; err != nil {
		t.Fatalf("in-flight close should complete on its own: %v", err)
	}
	if sub.orderCount() != 1 {
		t.Fatalf("expected the close only, got %d orders", sub.orderCount())
	}
	if tr.Phase() != PhaseIdle {
		t.Errorf("phase = %s, want idle after stop", tr.Phase())
	}

	// close confirmed after stop: no follow-up open
	tr.OnSnapshot(snapshot("104.52", nil))
	if err := tr.Evaluate(ctx); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sub.orderCount() != 1 {
		t.Errorf("stopped machine must not chain an open")
	}
}

func TestSubmissionRejectedSurfacedVerbatim(t *testing.T) {
	sub := &fakeSubmitter{placeErr: fmt.Errorf("%w: Order must have minimum value of $10.", exchange.ErrRejected)}
	tr := New(sub, testConfig(), nil, zap.NewNop())
	tr.OnSnapshot(snapshot("100", nil))

	err := tr.Start(context.Background())
	if !errors.Is(err, exchange.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if !strings.Contains(err.Error(), "Order must have minimum value of $10.") {
		t.Errorf("exchange text must survive unchanged: %v", err)
	}
	if tr.Phase() != PhaseIdle {
		t.Errorf("phase = %s, want idle", tr.Phase())
	}
	if !tr.IsRunning() {
		t.Errorf("machine should stay running after a rejection")
	}
}

func TestStartAppliesLeverage(t *testing.T) {
	sub := &fakeSubmitter{}
	tr := New(sub, testConfig(), nil, zap.NewNop())
	tr.OnSnapshot(snapshot("100", nil))

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub.mu.Lock()
	calls := append([]leverageCall(nil), sub.leverage...)
	sub.mu.Unlock()
	if len(calls) != 1 || calls[0] != (leverageCall{asset: 1, leverage: 10}) {
		t.Fatalf("leverage calls = %+v", calls)
	}

	// restart must not re-apply
	tr.Stop()
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	sub.mu.Lock()
	n := len(sub.leverage)
	sub.mu.Unlock()
	if n != 1 {
		t.Errorf("leverage applied %d times, want 1", n)
	}
}

func TestLeverageDeferredUntilMetadata(t *testing.T) {
	sub := &fakeSubmitter{}
	tr := New(sub, testConfig(), nil, zap.NewNop())

	// no snapshot cached yet: start succeeds, leverage deferred, nothing to do
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub.mu.Lock()
	n := len(sub.leverage)
	sub.mu.Unlock()
	if n != 0 {
		t.Fatalf("leverage must wait for asset metadata")
	}
	if sub.orderCount() != 0 {
		t.Fatalf("no order without a snapshot")
	}

	tr.OnSnapshot(snapshot("100", nil))
	if err := tr.Evaluate(context.Background()); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	sub.mu.Lock()
	calls := append([]leverageCall(nil), sub.leverage...)
	sub.mu.Unlock()
	if len(calls) != 1 || calls[0] != (leverageCall{asset: 1, leverage: 10}) {
		t.Fatalf("leverage calls = %+v", calls)
	}
	if sub.orderCount() != 1 {
		t.Fatalf("open should follow the deferred leverage update")
	}
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	sub := &fakeSubmitter{}
	tr := New(sub, testConfig(), nil, zap.NewNop())
	tr.OnSnapshot(snapshot("100", nil))

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	count := sub.orderCount()
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if sub.orderCount() != count {
		t.Errorf("second start must not re-evaluate")
	}
}

func TestUpdateConfigTakesEffectNextPass(t *testing.T) {
	sub := &fakeSubmitter{}
	tr := New(sub, testConfig(), nil, zap.NewNop())
	tr.OnSnapshot(snapshot("100", nil))
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	margin := decimal.NewFromInt(20)
	tr.UpdateConfig(ConfigPatch{MarginUSD: &margin})
	if got := tr.Config().MarginUSD.String(); got != "20" {
		t.Fatalf("margin = %s", got)
	}

	// next cycle opens with the new margin: 20 * 10 / 1891.4
	tr.OnSnapshot(snapshot("100", shortPosition("-0.25")))
	if err := tr.Evaluate(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	tr.OnSnapshot(snapshot("100", nil))
	if err := tr.Evaluate(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := sub.lastOrder(t).Size; got != "0.1057" {
		t.Errorf("size = %s, want 0.1057", got)
	}
}

func TestCloseNow(t *testing.T) {
	sub := &fakeSubmitter{}
	tr := New(sub, testConfig(), nil, zap.NewNop())
	tr.OnSnapshot(snapshot("104.52", shortPosition("-0.25")))

	// works without the machine running
	if err := tr.CloseNow(context.Background()); err != nil {
		t.Fatalf("CloseNow: %v", err)
	}
	order := sub.lastOrder(t)
	if !order.IsBuy || !order.ReduceOnly || order.Size != "0.25" {
		t.Errorf("unexpected close order: %+v", order)
	}
	if tr.Phase() != PhaseIdle {
		t.Errorf("phase = %s, want idle when not running", tr.Phase())
	}
}

func TestCloseNowWithoutPosition(t *testing.T) {
	sub := &fakeSubmitter{}
	tr := New(sub, testConfig(), nil, zap.NewNop())
	tr.OnSnapshot(snapshot("100", nil))

	if err := tr.CloseNow(context.Background()); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestUnknownAsset(t *testing.T) {
	sub := &fakeSubmitter{}
	cfg := testConfig()
	cfg.Asset = "DOGE"
	tr := New(sub, cfg, nil, zap.NewNop())
	tr.OnSnapshot(snapshot("100", nil))

	if err := tr.Start(context.Background()); !errors.Is(err, ErrAssetUnknown) {
		t.Fatalf("expected ErrAssetUnknown, got %v", err)
	}
}

func TestEmptyAssetDefaultsToFirstListed(t *testing.T) {
	cfg := testConfig()
	cfg.Asset = ""
	tr := New(&fakeSubmitter{}, cfg, nil, zap.NewNop())
	tr.OnSnapshot(snapshot("100", nil))
	if got := tr.Config().Asset; got != "BTC" {
		t.Fatalf("asset = %q, want BTC", got)
	}
}

func TestStreamConnectedObserver(t *testing.T) {
	tr := New(&fakeSubmitter{}, testConfig(), nil, zap.NewNop())
	if tr.IsStreamConnected() {
		t.Fatalf("unwired observer must report false")
	}
	tr.SetStreamConnected(func() bool { return true })
	if !tr.IsStreamConnected() {
		t.Fatalf("expected true from the wired observer")
	}
}

// mustRun arms the machine without triggering the Start evaluation pass so a
// test can drive Evaluate directly.
func (t *Trader) mustRun(tb *testing.T) {
	tb.Helper()
	t.mu.Lock()
	t.running = true
	t.leverageApplied = true
	t.mu.Unlock()
}

