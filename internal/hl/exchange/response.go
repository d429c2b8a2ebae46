package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrRejected marks a submission the exchange refused, either with a non-ok
// envelope status or an order-level error entry. The exchange's error text is
// preserved verbatim in the wrapping error.
var ErrRejected = errors.New("submission rejected")

type envelope struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type orderResponse struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

// CheckResponse validates the /exchange reply. A reply can fail two ways:
// the outer status is not "ok", or the outer status is "ok" but a per-order
// status entry carries an error string.
func CheckResponse(raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode exchange response: %w", err)
	}
	if env.Status != "ok" {
		return fmt.Errorf("%w: %s", ErrRejected, responseText(env.Response))
	}
	var resp orderResponse
	if err := json.Unmarshal(env.Response, &resp); err != nil {
		// Non-order payloads (e.g. updateLeverage acks) have no statuses.
		return nil
	}
	if resp.Type != "order" {
		return nil
	}
	for _, raw := range resp.Data.Statuses {
		var status struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(raw, &status); err != nil {
			continue
		}
		if status.Error != "" {
			return fmt.Errorf("%w: %s", ErrRejected, status.Error)
		}
	}
	return nil
}

func responseText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unknown error"
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return strings.TrimSpace(string(raw))
}
