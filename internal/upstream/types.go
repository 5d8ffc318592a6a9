package upstream

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrNotSubscribed   = errors.New("not subscribed")
)

// Control frame tr_type values.
const (
	trTypeRegister = "1"
	trTypeRelease  = "2"
)

// ControlRequest is the venue's subscribe/unsubscribe control frame. The
// approval key authenticates the request; tr_id selects the data plane and
// tr_key the instrument.
type ControlRequest struct {
	Header ControlHeader `json:"header"`
	Body   ControlBody   `json:"body"`
}

// ControlHeader carries the approval credential and the register/release flag.
type ControlHeader struct {
	ApprovalKey string `json:"approval_key"`
	CustType    string `json:"custtype"`
	TrType      string `json:"tr_type"`
	ContentType string `json:"content-type"`
}

// ControlBody wraps the subscription input.
type ControlBody struct {
	Input ControlInput `json:"input"`
}

// ControlInput names the stream and instrument being (un)subscribed.
type ControlInput struct {
	TrID  string `json:"tr_id"`
	TrKey string `json:"tr_key"`
}

// AdapterConfig configures a feed adapter for one venue.
type AdapterConfig struct {
	Venue      string
	WSURL      string
	QuoteTRID  string // tr_id for the quote (order book) plane
	TradeTRID  string // tr_id for the trade tick plane
	BufferSize int

	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// DefaultAdapterConfig returns sensible defaults.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		BufferSize:         1000,
		PingTimeout:        60 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  60 * time.Second,
	}
}

// AdapterStats provides statistics about a feed adapter.
type AdapterStats struct {
	Connected     bool
	Subscriptions int   // keys with refcount > 0
	Frames        int64 // data frames parsed into the cache
	ParseErrors   int64
	Reconnects    int64
}
