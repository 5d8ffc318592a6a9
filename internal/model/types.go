package model

import "time"

// Venue identifies an upstream market-data source.
type Venue string

const (
	// VenueKIS is the Korea Investment & Securities realtime feed.
	VenueKIS Venue = "kis"

	// VenueKiwoom is the Kiwoom Securities realtime feed.
	VenueKiwoom Venue = "kiwoom"
)

// StreamKind distinguishes the two realtime data planes.
type StreamKind string

const (
	StreamQuote StreamKind = "quote" // order book / best ask-bid levels
	StreamTrade StreamKind = "trade" // executed trade ticks
)

// InstrumentKey uniquely identifies one upstream subscription.
type InstrumentKey struct {
	Venue        Venue
	InstrumentID string
	Kind         StreamKind
}

// String returns a stable representation usable as a log field.
func (k InstrumentKey) String() string {
	return string(k.Venue) + "/" + k.InstrumentID + "/" + string(k.Kind)
}

// Snapshot is the full current state of one instrument's quote or trade
// fields at one point in time. A newer snapshot fully supersedes the
// previous one; fields are never merged.
type Snapshot struct {
	Venue        Venue             `json:"venue"`
	InstrumentID string            `json:"instrumentId"`
	Kind         StreamKind        `json:"kind"`
	Fields       map[string]string `json:"fields"`
	ObservedAt   time.Time         `json:"observedAt"`
}

// Key returns the cache key for this snapshot.
func (s Snapshot) Key() InstrumentKey {
	return InstrumentKey{Venue: s.Venue, InstrumentID: s.InstrumentID, Kind: s.Kind}
}
