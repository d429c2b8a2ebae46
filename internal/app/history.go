package app

import (
	"context"
	"fmt"
	"time"

	"hl-cycle-bot/internal/history"
	"hl-cycle-bot/internal/hl/exchange"
)

// recordingSubmitter wraps the exchange client and mirrors every submission
// into the history writer. Recording is asynchronous and never blocks or
// fails the trading path.
type recordingSubmitter struct {
	inner *exchange.Client
	app   *App
}

func (r *recordingSubmitter) PlaceOrders(ctx context.Context, orders []exchange.OrderWire) error {
	err := r.inner.PlaceOrders(ctx, orders)
	if r.app.history != nil {
		now := time.Now().UTC()
		for _, order := range orders {
			r.app.history.EnqueueOrder(orderRecord(r.app.cfg.Trading.Asset, order, now, err))
		}
	}
	r.app.notifyOrders(orders, err)
	return err
}

func (r *recordingSubmitter) UpdateLeverage(ctx context.Context, asset, leverage int) error {
	return r.inner.UpdateLeverage(ctx, asset, leverage)
}

// notifyOrders fires telegram alerts off the trading path. Delivery failures
// are logged inside Notify and never reach the submitter.
func (a *App) notifyOrders(orders []exchange.OrderWire, err error) {
	if a.alerts == nil || !a.alerts.Enabled() {
		return
	}
	asset := a.cfg.Trading.Asset
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, order := range orders {
			a.alerts.Notify(ctx, orderMessage(asset, order, err))
		}
	}()
}

func orderMessage(asset string, order exchange.OrderWire, err error) string {
	kind := "open"
	if order.ReduceOnly {
		kind = "close"
	}
	if err != nil {
		return fmt.Sprintf("%s order on %s failed: %v", kind, asset, err)
	}
	return fmt.Sprintf("%s order submitted: %s %s %s @ %s",
		kind, sideString(order.IsBuy), order.Size, asset, order.Price)
}

func orderRecord(asset string, order exchange.OrderWire, now time.Time, err error) history.OrderRecord {
	kind := "open"
	if order.ReduceOnly {
		kind = "close"
	}
	record := history.OrderRecord{
		Time:       now,
		Asset:      asset,
		Side:       sideString(order.IsBuy),
		Kind:       kind,
		Size:       order.Size,
		LimitPrice: order.Price,
		Succeeded:  err == nil,
	}
	if err != nil {
		record.ErrorText = err.Error()
	}
	return record
}
