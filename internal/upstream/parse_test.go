package upstream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hanati/nextfeed/internal/model"
)

const (
	testQuoteTRID = "H0STASP0"
	testTradeTRID = "H0STCNT0"
)

// buildQuoteFields lays out a realistic order book payload: ten levels of
// ask/bid prices and volumes plus totals.
func buildQuoteFields(code string) []string {
	fields := make([]string, quoteFieldCount)
	fields[0] = code
	fields[1] = "090015"
	fields[2] = "0"
	for i := 0; i < 10; i++ {
		fields[3+i] = strconv.Itoa(71000 + (i+1)*100)  // ask prices
		fields[13+i] = strconv.Itoa(70900 - (i+1)*100) // bid prices
		fields[23+i] = strconv.Itoa(1000 + i)          // ask volumes
		fields[33+i] = strconv.Itoa(2000 + i)          // bid volumes
	}
	fields[43] = "150000"
	fields[44] = "250000"
	return fields
}

func buildTradeFields(code string) []string {
	fields := make([]string, tradeFieldCount)
	for i := range fields {
		fields[i] = "0"
	}
	fields[0] = code
	fields[1] = "090015"
	fields[2] = "71050"
	fields[3] = "2"
	fields[4] = "850"
	fields[5] = "1.21"
	fields[7] = "70200"
	fields[8] = "71300"
	fields[9] = "70100"
	fields[10] = "71100"
	fields[11] = "71000"
	fields[12] = "120"
	fields[13] = "3500000"
	fields[14] = "248500000000"
	fields[15] = "1200"
	fields[16] = "1450"
	fields[18] = "112.5"
	fields[38] = "150000"
	fields[39] = "250000"
	return fields
}

func frame(trID string, fields []string) []byte {
	return []byte("0|" + trID + "|001|" + strings.Join(fields, "^"))
}

func TestParseQuoteFrame(t *testing.T) {
	at := time.Date(2025, 6, 2, 9, 0, 15, 0, time.UTC)

	snap, err := parseDataFrame(model.VenueKIS, testQuoteTRID, testTradeTRID, frame(testQuoteTRID, buildQuoteFields("005930")), at)
	if err != nil {
		t.Fatalf("parseDataFrame() error = %v", err)
	}

	if snap.Venue != model.VenueKIS || snap.InstrumentID != "005930" || snap.Kind != model.StreamQuote {
		t.Errorf("key = %s, want kis/005930/quote", snap.Key())
	}
	if !snap.ObservedAt.Equal(at) {
		t.Errorf("ObservedAt = %v, want %v", snap.ObservedAt, at)
	}

	for i := 1; i <= 10; i++ {
		wantAsk := strconv.Itoa(71000 + i*100)
		if got := snap.Fields[fmt.Sprintf("ask_price_%d", i)]; got != wantAsk {
			t.Errorf("ask_price_%d = %q, want %q", i, got, wantAsk)
		}
		wantBid := strconv.Itoa(70900 - i*100)
		if got := snap.Fields[fmt.Sprintf("bid_price_%d", i)]; got != wantBid {
			t.Errorf("bid_price_%d = %q, want %q", i, got, wantBid)
		}
	}
	if snap.Fields["total_ask_volume"] != "150000" {
		t.Errorf("total_ask_volume = %q, want %q", snap.Fields["total_ask_volume"], "150000")
	}
	if snap.Fields["total_bid_volume"] != "250000" {
		t.Errorf("total_bid_volume = %q, want %q", snap.Fields["total_bid_volume"], "250000")
	}
}

func TestParseTradeFrame(t *testing.T) {
	at := time.Now()

	snap, err := parseDataFrame(model.VenueKIS, testQuoteTRID, testTradeTRID, frame(testTradeTRID, buildTradeFields("005930")), at)
	if err != nil {
		t.Fatalf("parseDataFrame() error = %v", err)
	}

	if snap.Kind != model.StreamTrade {
		t.Fatalf("Kind = %q, want trade", snap.Kind)
	}

	want := map[string]string{
		"trade_time":       "090015",
		"price":            "71050",
		"change_sign":      "2",
		"change":           "850",
		"change_rate":      "1.21",
		"open":             "70200",
		"high":             "71300",
		"low":              "70100",
		"volume":           "120",
		"acc_volume":       "3500000",
		"strength":         "112.5",
		"total_ask_volume": "150000",
		"total_bid_volume": "250000",
	}
	for k, v := range want {
		if got := snap.Fields[k]; got != v {
			t.Errorf("Fields[%q] = %q, want %q", k, got, v)
		}
	}
}

func TestParseMalformedFrames(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"too few segments", []byte("0|H0STASP0|garbage")},
		{"unknown tr_id", frame("H0UNKNOWN", buildQuoteFields("005930"))},
		{"quote with too few fields", []byte("0|" + testQuoteTRID + "|001|005930^090015^0")},
		{"trade with too few fields", []byte("0|" + testTradeTRID + "|001|005930^090015")},
		{"empty instrument code", frame(testQuoteTRID, buildQuoteFields(""))},
		{"empty frame", []byte("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseDataFrame(model.VenueKIS, testQuoteTRID, testTradeTRID, tt.data, time.Now())
			if err == nil {
				t.Fatal("parseDataFrame() = nil, want error")
			}
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("error = %v, want ErrMalformedFrame", err)
			}
		})
	}
}
