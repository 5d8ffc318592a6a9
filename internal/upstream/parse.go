package upstream

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hanati/nextfeed/internal/model"
)

// ErrMalformedFrame marks a data frame that could not be parsed. One bad
// frame is dropped and counted, never fatal.
var ErrMalformedFrame = errors.New("malformed frame")

// Data frames look like "0|TRID|001|f0^f1^f2^..." — four pipe-separated
// segments, the last a caret-separated field list.
const (
	quoteFieldCount = 45 // code + levels: 10 each of ask/bid price/volume + totals
	tradeFieldCount = 40
)

// parseDataFrame normalizes one venue data frame into a snapshot.
func parseDataFrame(venue model.Venue, quoteTRID, tradeTRID string, data []byte, observedAt time.Time) (model.Snapshot, error) {
	parts := strings.Split(string(data), "|")
	if len(parts) < 4 {
		return model.Snapshot{}, fmt.Errorf("%w: %d segments", ErrMalformedFrame, len(parts))
	}

	trID := parts[1]
	fields := strings.Split(parts[3], "^")

	switch trID {
	case quoteTRID:
		return parseQuote(venue, fields, observedAt)
	case tradeTRID:
		return parseTrade(venue, fields, observedAt)
	default:
		return model.Snapshot{}, fmt.Errorf("%w: unknown tr_id %q", ErrMalformedFrame, trID)
	}
}

// parseQuote extracts the ten ask/bid price and volume levels plus totals.
func parseQuote(venue model.Venue, fields []string, observedAt time.Time) (model.Snapshot, error) {
	if len(fields) < quoteFieldCount {
		return model.Snapshot{}, fmt.Errorf("%w: quote frame has %d fields, need %d", ErrMalformedFrame, len(fields), quoteFieldCount)
	}
	code := fields[0]
	if code == "" {
		return model.Snapshot{}, fmt.Errorf("%w: empty instrument code", ErrMalformedFrame)
	}

	f := make(map[string]string, 42)
	for i := 0; i < 10; i++ {
		level := i + 1
		f[fmt.Sprintf("ask_price_%d", level)] = fields[3+i]
		f[fmt.Sprintf("bid_price_%d", level)] = fields[13+i]
		f[fmt.Sprintf("ask_volume_%d", level)] = fields[23+i]
		f[fmt.Sprintf("bid_volume_%d", level)] = fields[33+i]
	}
	f["total_ask_volume"] = fields[43]
	f["total_bid_volume"] = fields[44]

	return model.Snapshot{
		Venue:        venue,
		InstrumentID: code,
		Kind:         model.StreamQuote,
		Fields:       f,
		ObservedAt:   observedAt,
	}, nil
}

// parseTrade extracts the executed-tick fields.
func parseTrade(venue model.Venue, fields []string, observedAt time.Time) (model.Snapshot, error) {
	if len(fields) < tradeFieldCount {
		return model.Snapshot{}, fmt.Errorf("%w: trade frame has %d fields, need %d", ErrMalformedFrame, len(fields), tradeFieldCount)
	}
	code := fields[0]
	if code == "" {
		return model.Snapshot{}, fmt.Errorf("%w: empty instrument code", ErrMalformedFrame)
	}

	f := map[string]string{
		"trade_time":       fields[1],
		"price":            fields[2],
		"change_sign":      fields[3],
		"change":           fields[4],
		"change_rate":      fields[5],
		"open":             fields[7],
		"high":             fields[8],
		"low":              fields[9],
		"ask_price_1":      fields[10],
		"bid_price_1":      fields[11],
		"volume":           fields[12],
		"acc_volume":       fields[13],
		"acc_amount":       fields[14],
		"sell_count":       fields[15],
		"buy_count":        fields[16],
		"strength":         fields[18],
		"total_ask_volume": fields[38],
		"total_bid_volume": fields[39],
	}

	return model.Snapshot{
		Venue:        venue,
		InstrumentID: code,
		Kind:         model.StreamTrade,
		Fields:       f,
		ObservedAt:   observedAt,
	}, nil
}
