package state

import (
	"context"
	"encoding/json"
	"strings"
)

const MachineSnapshotKey = "machine:last_snapshot"

// MachineSnapshot records the last observed cycling state so a restarted
// process can resume with the same configuration and running flag.
type MachineSnapshot struct {
	Running     bool   `json:"running"`
	Phase       string `json:"phase"`
	Asset       string `json:"asset"`
	MarginUSD   string `json:"margin_usd"`
	Leverage    int    `json:"leverage"`
	Side        string `json:"side"`
	Slippage    string `json:"slippage"`
	UpdatedAtMS int64  `json:"updated_at_ms"`
}

func LoadMachineSnapshot(ctx context.Context, store Store) (MachineSnapshot, bool, error) {
	if store == nil {
		return MachineSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, MachineSnapshotKey)
	if err != nil {
		return MachineSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return MachineSnapshot{}, false, nil
	}
	var snapshot MachineSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return MachineSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveMachineSnapshot(ctx context.Context, store Store, snapshot MachineSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, MachineSnapshotKey, string(payload))
}
