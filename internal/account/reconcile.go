package account

import (
	"context"
	"encoding/json"
	"errors"

	"hl-cycle-bot/internal/hl/rest"
)

// Reconcile fetches the account state and asset universe over REST so the
// machine can act before the first push frame arrives.
func Reconcile(ctx context.Context, client *rest.Client, address string) (*Snapshot, error) {
	if client == nil {
		return nil, errors.New("rest client is required")
	}
	if address == "" {
		return nil, errors.New("account address is required")
	}
	var state clearinghouseStateWire
	if err := client.Info(ctx, rest.InfoRequest{Type: "clearinghouseState", User: address}, &state); err != nil {
		return nil, err
	}
	// metaAndAssetCtxs replies with a two-element tuple: [meta, assetCtxs].
	var tuple []json.RawMessage
	if err := client.Info(ctx, rest.InfoRequest{Type: "metaAndAssetCtxs"}, &tuple); err != nil {
		return nil, err
	}
	if len(tuple) < 2 {
		return nil, errors.New("unexpected metaAndAssetCtxs shape")
	}
	var meta metaWire
	if err := json.Unmarshal(tuple[0], &meta); err != nil {
		return nil, err
	}
	var ctxs []assetCtxWire
	if err := json.Unmarshal(tuple[1], &ctxs); err != nil {
		return nil, err
	}

	return &Snapshot{
		Withdrawable: parseDecimal(state.Withdrawable),
		Position:     firstPosition(state.AssetPositions),
		Universe:     parseUniverse(&meta, ctxs),
	}, nil
}
