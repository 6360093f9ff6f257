package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrMalformedRecord marks a store document that cannot be coerced into its
// typed schema. Callers skip such records and keep processing the batch.
var ErrMalformedRecord = errors.New("malformed record")

// Store documents arrive as dynamic field maps; the layouts below cover the
// timestamp encodings the feed is known to produce.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// QuoteFromFields coerces a raw store document into a Quote.
func QuoteFromFields(id string, fields map[string]any) (Quote, error) {
	instrumentID, err := stringField(fields, "instrument_id")
	if err != nil {
		return Quote{}, err
	}
	value, err := decimalField(fields, "value")
	if err != nil {
		return Quote{}, err
	}
	if value.IsNegative() {
		return Quote{}, errors.Wrapf(ErrMalformedRecord, "quote %s: negative value %s", id, value)
	}
	observedAt, err := timeField(fields, "observed_at")
	if err != nil {
		return Quote{}, err
	}

	return Quote{
		InstrumentID: instrumentID,
		Value:        value,
		ObservedAt:   observedAt,
	}, nil
}

// InstrumentFromFields coerces a raw store document into an Instrument.
func InstrumentFromFields(id string, fields map[string]any) (Instrument, error) {
	name, err := stringField(fields, "display_name")
	if err != nil {
		return Instrument{}, err
	}
	return Instrument{ID: id, DisplayName: name}, nil
}

// TransactionFromFields coerces a raw store document into a Transaction.
func TransactionFromFields(id string, fields map[string]any) (Transaction, error) {
	userID, err := stringField(fields, "user_id")
	if err != nil {
		return Transaction{}, err
	}
	deposit, err := decimalField(fields, "deposit")
	if err != nil {
		return Transaction{}, err
	}
	withdrawal, err := decimalField(fields, "withdrawal")
	if err != nil {
		return Transaction{}, err
	}
	effectiveAt, err := timeField(fields, "effective_at")
	if err != nil {
		return Transaction{}, err
	}
	validatedAt, err := optionalTimeField(fields, "validated_at")
	if err != nil {
		return Transaction{}, err
	}

	tx := Transaction{
		ID:                    id,
		UserID:                userID,
		Deposit:               deposit,
		Withdrawal:            withdrawal,
		EffectiveAt:           effectiveAt,
		ValidatedAt:           validatedAt,
		NotificationDelivered: boolField(fields, "notification_delivered"),
	}
	if err := tx.Validate(); err != nil {
		return Transaction{}, errors.Wrapf(ErrMalformedRecord, "transaction %s: %s", id, err)
	}

	return tx, nil
}

// FavoriteFromFields coerces a raw store document into a FavoriteLink.
func FavoriteFromFields(id string, fields map[string]any) (FavoriteLink, error) {
	userID, err := stringField(fields, "user_id")
	if err != nil {
		return FavoriteLink{}, err
	}
	instrumentID, err := stringField(fields, "instrument_id")
	if err != nil {
		return FavoriteLink{}, err
	}
	return FavoriteLink{UserID: userID, InstrumentID: instrumentID}, nil
}

func stringField(fields map[string]any, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return "", errors.Wrapf(ErrMalformedRecord, "missing field %q", key)
	}
	switch v := raw.(type) {
	case string:
		if v == "" {
			return "", errors.Wrapf(ErrMalformedRecord, "empty field %q", key)
		}
		return v, nil
	case float64:
		// integer ids serialized as JSON numbers
		return decimal.NewFromFloat(v).String(), nil
	case int:
		return fmt.Sprintf("%d", v), nil
	case int64:
		return fmt.Sprintf("%d", v), nil
	default:
		return "", errors.Wrapf(ErrMalformedRecord, "field %q has unsupported type %T", key, raw)
	}
}

func decimalField(fields map[string]any, key string) (decimal.Decimal, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return decimal.Zero, nil
	}
	switch v := raw.(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.Zero, errors.Wrapf(ErrMalformedRecord, "field %q: %s", key, err)
		}
		return d, nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, errors.Wrapf(ErrMalformedRecord, "field %q: %s", key, err)
		}
		return d, nil
	case decimal.Decimal:
		return v, nil
	default:
		return decimal.Zero, errors.Wrapf(ErrMalformedRecord, "field %q has unsupported type %T", key, raw)
	}
}

func timeField(fields map[string]any, key string) (time.Time, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return time.Time{}, errors.Wrapf(ErrMalformedRecord, "missing field %q", key)
	}
	return coerceTime(raw, key)
}

func optionalTimeField(fields map[string]any, key string) (*time.Time, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return nil, nil
	}
	t, err := coerceTime(raw, key)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func coerceTime(raw any, key string) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, errors.Wrapf(ErrMalformedRecord, "field %q: unparseable timestamp %q", key, v)
	default:
		return time.Time{}, errors.Wrapf(ErrMalformedRecord, "field %q has unsupported type %T", key, raw)
	}
}

func boolField(fields map[string]any, key string) bool {
	v, _ := fields[key].(bool)
	return v
}
