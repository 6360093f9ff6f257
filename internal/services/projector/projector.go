// Package projector reduces quote batches to the latest observation per
// instrument.
package projector

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/finpocket/finpocket/internal/domain"
	"github.com/finpocket/finpocket/internal/store"
)

// Latest reduces an unordered batch of quote documents to one quote per
// instrument, the most recent by ObservedAt. Single pass over the input.
//
// Tie-break: when two records for the same instrument carry an equal
// ObservedAt, the record appearing later in batch order wins.
//
// Malformed records are skipped; they never fail the batch.
func Latest(docs []store.Document, logger *zap.Logger) map[string]domain.Quote {
	latest := make(map[string]domain.Quote, len(docs))
	for _, doc := range docs {
		quote, err := domain.QuoteFromFields(doc.ID, doc.Fields)
		if err != nil {
			if errors.Is(err, domain.ErrMalformedRecord) {
				logger.Warn("skipping malformed quote record", zap.String("doc_id", doc.ID), zap.Error(err))
				continue
			}
			logger.Warn("skipping undecodable quote record", zap.String("doc_id", doc.ID), zap.Error(err))
			continue
		}

		current, seen := latest[quote.InstrumentID]
		if !seen || !quote.ObservedAt.Before(current.ObservedAt) {
			latest[quote.InstrumentID] = quote
		}
	}
	return latest
}

// Project joins the latest quotes with instrument display names. Quotes for
// unknown instruments are dropped, matching the reference data being
// authoritative for what is displayable.
func Project(quotes map[string]domain.Quote, instruments map[string]domain.Instrument) []domain.QuoteView {
	views := make([]domain.QuoteView, 0, len(quotes))
	for id, quote := range quotes {
		meta, ok := instruments[id]
		if !ok {
			continue
		}
		views = append(views, domain.QuoteView{Quote: quote, DisplayName: meta.DisplayName})
	}
	return views
}
