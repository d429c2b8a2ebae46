package account

import "github.com/shopspring/decimal"

// AssetDescriptor is one tradable perp and its precision/leverage limits,
// refreshed wholesale with every consolidated snapshot that carries metadata.
type AssetDescriptor struct {
	Index       int
	Name        string
	MaxLeverage int
	SzDecimals  int
	MarkPx      decimal.Decimal
}

// Position is the exchange-reported open position. SignedSize keeps the szi
// sign: positive is long.
type Position struct {
	Asset      string
	SignedSize decimal.Decimal
	EntryPrice decimal.Decimal
	Leverage   int
}

// Snapshot is a point-in-time account state. Universe is nil when the source
// frame carried no asset metadata; consumers keep their previous universe in
// that case. Withdrawable and Position always replace prior state wholesale.
type Snapshot struct {
	Withdrawable decimal.Decimal
	Position     *Position
	Universe     []AssetDescriptor
}

// FindAsset resolves a descriptor by name; empty name selects the first
// universe entry, mirroring "selected asset defaults on first snapshot".
func FindAsset(universe []AssetDescriptor, name string) (AssetDescriptor, bool) {
	if len(universe) == 0 {
		return AssetDescriptor{}, false
	}
	if name == "" {
		return universe[0], true
	}
	for _, asset := range universe {
		if asset.Name == name {
			return asset, true
		}
	}
	return AssetDescriptor{}, false
}
