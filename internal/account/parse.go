package account

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Wire shapes for the push payloads. The exchange serializes all numbers as
// strings.

type wsMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type webData2Wire struct {
	ClearinghouseState *clearinghouseStateWire `json:"clearinghouseState"`
	Meta               *metaWire               `json:"meta"`
	AssetCtxs          []assetCtxWire          `json:"assetCtxs"`
}

type clearinghouseStateWire struct {
	Withdrawable   string              `json:"withdrawable"`
	AssetPositions []assetPositionWire `json:"assetPositions"`
}

type assetPositionWire struct {
	Position *positionWire `json:"position"`
}

type positionWire struct {
	Coin     string `json:"coin"`
	Szi      string `json:"szi"`
	EntryPx  string `json:"entryPx"`
	Leverage struct {
		Type  string `json:"type"`
		Value int    `json:"value"`
	} `json:"leverage"`
}

type metaWire struct {
	Universe []assetInfoWire `json:"universe"`
}

type assetInfoWire struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
}

type assetCtxWire struct {
	MarkPx string `json:"markPx"`
}

type userEventsWire struct {
	Fills       []json.RawMessage `json:"fills"`
	Liquidation json.RawMessage   `json:"liquidation"`
}

// parseWebData2 extracts a Snapshot from a webData2 frame. The returned
// snapshot is nil when the frame carried no clearinghouse state; its Universe
// is nil when the frame carried no asset metadata.
func parseWebData2(raw json.RawMessage) (*Snapshot, error) {
	var wire webData2Wire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	universe := parseUniverse(wire.Meta, wire.AssetCtxs)
	if wire.ClearinghouseState == nil {
		if universe == nil {
			return nil, nil
		}
		return &Snapshot{Universe: universe}, nil
	}
	return &Snapshot{
		Withdrawable: parseDecimal(wire.ClearinghouseState.Withdrawable),
		Position:     firstPosition(wire.ClearinghouseState.AssetPositions),
		Universe:     universe,
	}, nil
}

// firstPosition returns the sole open position; the machine manages exactly
// one open-or-closed position at a time.
func firstPosition(entries []assetPositionWire) *Position {
	for _, entry := range entries {
		if entry.Position == nil {
			continue
		}
		return &Position{
			Asset:      entry.Position.Coin,
			SignedSize: parseDecimal(entry.Position.Szi),
			EntryPrice: parseDecimal(entry.Position.EntryPx),
			Leverage:   entry.Position.Leverage.Value,
		}
	}
	return nil
}

func parseUniverse(meta *metaWire, ctxs []assetCtxWire) []AssetDescriptor {
	if meta == nil || len(meta.Universe) == 0 || len(ctxs) == 0 {
		return nil
	}
	universe := make([]AssetDescriptor, 0, len(meta.Universe))
	for i, info := range meta.Universe {
		desc := AssetDescriptor{
			Index:       i,
			Name:        info.Name,
			MaxLeverage: info.MaxLeverage,
			SzDecimals:  info.SzDecimals,
		}
		if i < len(ctxs) {
			desc.MarkPx = parseDecimal(ctxs[i].MarkPx)
		}
		universe = append(universe, desc)
	}
	return universe
}

// userEventQualifies reports whether a userEvents frame indicates a fill or
// liquidation; other event kinds do not re-arm evaluation.
func userEventQualifies(raw json.RawMessage) bool {
	var wire userEventsWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return false
	}
	if len(wire.Fills) > 0 {
		return true
	}
	return len(wire.Liquidation) > 0 && !bytes.Equal(wire.Liquidation, []byte("null"))
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
