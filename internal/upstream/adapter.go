package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hanati/nextfeed/internal/cache"
	"github.com/hanati/nextfeed/internal/model"
)

// KeySource supplies the websocket approval credential used in control
// frames. Implementations may refresh lazily.
type KeySource interface {
	ApprovalKey(ctx context.Context) (string, error)
}

// KeySourceFunc adapts a function to the KeySource interface.
type KeySourceFunc func(ctx context.Context) (string, error)

// ApprovalKey calls f.
func (f KeySourceFunc) ApprovalKey(ctx context.Context) (string, error) {
	return f(ctx)
}

// controlResponse is the venue's JSON reply to a control frame (and the
// frame shape of its application-level PINGPONG).
type controlResponse struct {
	Header struct {
		TrID  string `json:"tr_id"`
		TrKey string `json:"tr_key"`
	} `json:"header"`
	Body struct {
		RtCd string `json:"rt_cd"`
		Msg1 string `json:"msg1"`
	} `json:"body"`
}

// refEntry tracks one (instrument, kind) subscription's reference count.
// The per-entry mutex makes the 0→1 and 1→0 transitions atomic with the
// control send without serializing unrelated instruments.
type refEntry struct {
	mu    sync.Mutex
	count int
}

// Adapter multiplexes many downstream interests onto one venue connection.
type Adapter struct {
	cfg    AdapterConfig
	venue  model.Venue
	keys   KeySource
	cache  *cache.InstrumentCache
	logger *slog.Logger

	// onSnapshot, when set, observes every parsed snapshot after the cache
	// write. Used by the recorder.
	onSnapshot func(model.Snapshot)

	// newClient is swappable for tests.
	newClient func() Client

	refs sync.Map // model.InstrumentKey -> *refEntry

	clientMu sync.RWMutex
	client   Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started    bool
	startMu    sync.Mutex
	frames     atomic.Int64
	parseErrs  atomic.Int64
	reconnects atomic.Int64
}

// NewAdapter creates an adapter for one venue. The approval key is fetched
// from keys on every control send, so credential rotation needs no restart.
func NewAdapter(cfg AdapterConfig, keys KeySource, c *cache.InstrumentCache, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	a := &Adapter{
		cfg:    cfg,
		venue:  model.Venue(cfg.Venue),
		keys:   keys,
		cache:  c,
		logger: logger.With("venue", cfg.Venue),
	}
	a.newClient = func() Client {
		return NewClient(ClientConfig{
			URL:          cfg.WSURL,
			PingTimeout:  cfg.PingTimeout,
			WriteTimeout: cfg.WriteTimeout,
			BufferSize:   cfg.BufferSize,
		}, a.logger)
	}
	return a
}

// OnSnapshot registers a tap invoked for every parsed snapshot. Must be
// called before Start.
func (a *Adapter) OnSnapshot(fn func(model.Snapshot)) {
	a.onSnapshot = fn
}

// Venue returns the venue this adapter serves.
func (a *Adapter) Venue() model.Venue {
	return a.venue
}

// Start connects to the venue and begins consuming frames. The connection
// is maintained until Stop; failures trigger reconnection with backoff.
func (a *Adapter) Start(ctx context.Context) error {
	a.startMu.Lock()
	defer a.startMu.Unlock()
	if a.started {
		return nil
	}

	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.connect(); err != nil {
		a.cancel()
		return fmt.Errorf("connecting to %s: %w", a.cfg.WSURL, err)
	}

	a.started = true
	a.wg.Add(1)
	go a.run()

	a.logger.Info("feed adapter started", "url", a.cfg.WSURL)
	return nil
}

// Stop closes the venue connection and waits for the run loop to exit.
func (a *Adapter) Stop() {
	a.startMu.Lock()
	defer a.startMu.Unlock()
	if !a.started {
		return
	}
	a.started = false

	a.cancel()

	a.clientMu.Lock()
	if a.client != nil {
		a.client.Close()
	}
	a.clientMu.Unlock()

	a.wg.Wait()
	a.logger.Info("feed adapter stopped")
}

// Subscribe registers interest in one (instrument, kind) stream. Only the
// first subscriber triggers a venue register; later ones bump the count.
// A failed register leaves the count untouched.
func (a *Adapter) Subscribe(ctx context.Context, key model.InstrumentKey) error {
	e := a.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.count == 0 {
		if err := a.sendControl(ctx, key, trTypeRegister); err != nil {
			return fmt.Errorf("register %s: %w", key, err)
		}
		a.logger.Debug("registered upstream", "key", key.String())
	}
	e.count++
	return nil
}

// Unsubscribe drops one interest in the stream. The venue release goes out
// only when the count reaches zero; a failed release is logged and the
// local count still drops, so a later 0→1 re-registers cleanly.
func (a *Adapter) Unsubscribe(ctx context.Context, key model.InstrumentKey) error {
	e := a.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.count == 0 {
		return fmt.Errorf("%s: %w", key, ErrNotSubscribed)
	}

	e.count--
	if e.count == 0 {
		if err := a.sendControl(ctx, key, trTypeRelease); err != nil {
			a.logger.Warn("release send failed",
				"key", key.String(),
				"error", err,
			)
		} else {
			a.logger.Debug("released upstream", "key", key.String())
		}
	}
	return nil
}

// Stats returns adapter statistics.
func (a *Adapter) Stats() AdapterStats {
	subs := 0
	a.refs.Range(func(_, v any) bool {
		e := v.(*refEntry)
		e.mu.Lock()
		if e.count > 0 {
			subs++
		}
		e.mu.Unlock()
		return true
	})

	a.clientMu.RLock()
	connected := a.client != nil && a.client.IsConnected()
	a.clientMu.RUnlock()

	return AdapterStats{
		Connected:     connected,
		Subscriptions: subs,
		Frames:        a.frames.Load(),
		ParseErrors:   a.parseErrs.Load(),
		Reconnects:    a.reconnects.Load(),
	}
}

func (a *Adapter) entry(key model.InstrumentKey) *refEntry {
	if v, ok := a.refs.Load(key); ok {
		return v.(*refEntry)
	}
	v, _ := a.refs.LoadOrStore(key, &refEntry{})
	return v.(*refEntry)
}

// trIDFor maps a stream kind to the venue's tr_id.
func (a *Adapter) trIDFor(kind model.StreamKind) string {
	if kind == model.StreamTrade {
		return a.cfg.TradeTRID
	}
	return a.cfg.QuoteTRID
}

// sendControl builds and writes one register/release control frame.
func (a *Adapter) sendControl(ctx context.Context, key model.InstrumentKey, trType string) error {
	approvalKey, err := a.keys.ApprovalKey(ctx)
	if err != nil {
		return fmt.Errorf("approval key: %w", err)
	}

	req := ControlRequest{
		Header: ControlHeader{
			ApprovalKey: approvalKey,
			CustType:    "P",
			TrType:      trType,
			ContentType: "utf-8",
		},
		Body: ControlBody{
			Input: ControlInput{
				TrID:  a.trIDFor(key.Kind),
				TrKey: key.InstrumentID,
			},
		},
	}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	a.clientMu.RLock()
	client := a.client
	a.clientMu.RUnlock()
	if client == nil {
		return ErrNotConnected
	}
	return client.Send(data)
}

// connect establishes a fresh client connection.
func (a *Adapter) connect() error {
	client := a.newClient()
	if err := client.Connect(a.ctx); err != nil {
		return err
	}

	a.clientMu.Lock()
	a.client = client
	a.clientMu.Unlock()
	return nil
}

// run consumes frames and errors from the current client, reconnecting on
// failure until the adapter is stopped.
func (a *Adapter) run() {
	defer a.wg.Done()

	for {
		a.clientMu.RLock()
		client := a.client
		a.clientMu.RUnlock()

		if !a.consume(client) {
			return
		}

		if !a.reconnect() {
			return
		}
	}
}

// consume drains one client until it errors. Returns false when the
// adapter is shutting down.
func (a *Adapter) consume(client Client) bool {
	for {
		select {
		case <-a.ctx.Done():
			return false
		case frame := <-client.Frames():
			a.handleFrame(frame)
		case err := <-client.Errors():
			a.logger.Warn("feed connection lost", "error", err)
			client.Close()
			return true
		}
	}
}

// handleFrame routes one inbound frame: JSON control replies are inspected
// (PINGPONG echoed back), anything else is a pipe-delimited data frame.
func (a *Adapter) handleFrame(frame Frame) {
	if len(frame.Data) == 0 {
		return
	}

	if frame.Data[0] == '{' {
		a.handleControl(frame.Data)
		return
	}

	snap, err := parseDataFrame(a.venue, a.cfg.QuoteTRID, a.cfg.TradeTRID, frame.Data, frame.ReceivedAt)
	if err != nil {
		a.parseErrs.Add(1)
		a.logger.Warn("dropping unparseable frame", "error", err)
		return
	}

	a.cache.Put(snap)
	a.frames.Add(1)
	if a.onSnapshot != nil {
		a.onSnapshot(snap)
	}
}

func (a *Adapter) handleControl(data []byte) {
	var resp controlResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		a.parseErrs.Add(1)
		a.logger.Warn("dropping unparseable control frame", "error", err)
		return
	}

	// The venue's application-level keepalive expects the frame echoed back.
	if resp.Header.TrID == "PINGPONG" {
		a.clientMu.RLock()
		client := a.client
		a.clientMu.RUnlock()
		if client != nil {
			if err := client.Send(data); err != nil {
				a.logger.Debug("pingpong echo failed", "error", err)
			}
		}
		return
	}

	if resp.Body.RtCd != "" && resp.Body.RtCd != "0" {
		a.logger.Warn("control request rejected",
			"tr_id", resp.Header.TrID,
			"tr_key", resp.Header.TrKey,
			"rt_cd", resp.Body.RtCd,
			"msg", resp.Body.Msg1,
		)
		return
	}

	a.logger.Debug("control ack",
		"tr_id", resp.Header.TrID,
		"tr_key", resp.Header.TrKey,
		"msg", resp.Body.Msg1,
	)
}

// reconnect retries the connection with exponential backoff and jitter,
// then replays every live subscription. Returns false on shutdown.
func (a *Adapter) reconnect() bool {
	delay := a.cfg.ReconnectBaseDelay

	for attempt := 1; ; attempt++ {
		select {
		case <-a.ctx.Done():
			return false
		case <-time.After(delay + time.Duration(rand.Int63n(int64(delay/2+1)))):
		}

		if err := a.connect(); err != nil {
			a.logger.Warn("reconnect failed",
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
			delay *= 2
			if delay > a.cfg.ReconnectMaxDelay {
				delay = a.cfg.ReconnectMaxDelay
			}
			continue
		}

		a.reconnects.Add(1)
		a.logger.Info("feed reconnected", "attempt", attempt)
		a.resubscribe()
		return true
	}
}

// resubscribe replays register frames for every key with a non-zero count.
// The ref-count table, not the old connection, is the source of truth.
func (a *Adapter) resubscribe() {
	var live []model.InstrumentKey
	a.refs.Range(func(k, v any) bool {
		e := v.(*refEntry)
		e.mu.Lock()
		if e.count > 0 {
			live = append(live, k.(model.InstrumentKey))
		}
		e.mu.Unlock()
		return true
	})

	for _, key := range live {
		if err := a.sendControl(a.ctx, key, trTypeRegister); err != nil {
			a.logger.Warn("resubscribe failed", "key", key.String(), "error", err)
		}
	}

	if len(live) > 0 {
		a.logger.Info("resubscribed after reconnect", "count", len(live))
	}
}
