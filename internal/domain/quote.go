package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a single price observation for an instrument.
// Records are immutable once produced by the feed; newer observations
// supersede older ones in the projected view.
type Quote struct {
	InstrumentID string          `json:"instrument_id"`
	Value        decimal.Decimal `json:"value"`
	ObservedAt   time.Time       `json:"observed_at"`
}

// String returns a human-readable string representation.
func (q *Quote) String() string {
	return fmt.Sprintf("%s value: %s observed: %s", q.InstrumentID, q.Value.String(), q.ObservedAt.Format(time.RFC3339))
}

// Instrument is static reference data, read-only to the engine.
type Instrument struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// QuoteView joins a projected quote with its instrument display name
// for upstream consumers.
type QuoteView struct {
	Quote
	DisplayName string `json:"display_name"`
}
