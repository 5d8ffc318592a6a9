// Package gateway serves the downstream websocket endpoints and translates
// client subscribe/unsubscribe requests into upstream ref-count operations.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hanati/nextfeed/internal/model"
	"github.com/hanati/nextfeed/internal/session"
)

// Subscriber is the upstream side the gateway drives. Satisfied by
// *upstream.Adapter.
type Subscriber interface {
	Subscribe(ctx context.Context, key model.InstrumentKey) error
	Unsubscribe(ctx context.Context, key model.InstrumentKey) error
}

// Config configures the gateway endpoint.
type Config struct {
	Port           int
	ReadLimit      int64
	WriteTimeout   time.Duration
	MaxSubsPerConn int
	DefaultVenue   model.Venue
}

// Stats provides statistics about the gateway.
type Stats struct {
	Sessions int
	Accepted int64
}

// Gateway upgrades downstream connections and runs their read loops.
type Gateway struct {
	cfg      Config
	registry *session.Registry
	subs     map[model.Venue]Subscriber
	logger   *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	accepted atomic.Int64
}

// New creates a gateway over the registry and per-venue subscribers.
func New(cfg Config, registry *session.Registry, subs map[model.Venue]Subscriber, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:      cfg,
		registry: registry,
		subs:     subs,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start begins serving the websocket endpoints.
func (g *Gateway) Start(ctx context.Context) error {
	g.ctx, g.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/quotes", g.handleWS(model.StreamQuote))
	mux.HandleFunc("/ws/trades", g.handleWS(model.StreamTrade))

	g.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", g.cfg.Port),
		Handler: mux,
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server failed", "error", err)
		}
	}()

	g.logger.Info("gateway started", "port", g.cfg.Port)
	return nil
}

// Stop shuts the server down and tears down every live session.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}

	var err error
	if g.server != nil {
		err = g.server.Shutdown(ctx)
	}

	for _, s := range g.registry.All() {
		g.Teardown(s)
	}

	g.wg.Wait()
	g.logger.Info("gateway stopped")
	return err
}

// Stats returns gateway statistics.
func (g *Gateway) Stats() Stats {
	return Stats{
		Sessions: g.registry.Len(),
		Accepted: g.accepted.Load(),
	}
}

// Teardown removes the session and unwinds its upstream interests. Safe to
// call from multiple paths (read loop exit, broadcast write failure,
// shutdown); only the caller that wins the registry removal does the work.
func (g *Gateway) Teardown(s *session.Session) {
	if _, ok := g.registry.Remove(s.ID()); !ok {
		return
	}

	// Close before snapshotting: the set and the closed flag share a mutex,
	// so no key can be added after this point and the snapshot is complete.
	s.Close()

	for _, key := range s.Subscriptions() {
		// Removing the key claims its upstream release; a racing
		// unsubscribe that already removed it owns the release instead.
		if !s.Unsubscribe(key) {
			continue
		}
		sub, ok := g.subs[key.Venue]
		if !ok {
			continue
		}
		if err := sub.Unsubscribe(context.Background(), key); err != nil {
			g.logger.Warn("unwind failed",
				"session_id", s.ID(),
				"key", key.String(),
				"error", err,
			)
		}
	}

	g.logger.Info("session closed", "session_id", s.ID())
}

// handleWS returns the upgrade handler for one stream plane.
func (g *Gateway) handleWS(kind model.StreamKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.logger.Warn("upgrade failed", "error", err)
			return
		}

		s := session.New(kind, &wsConn{conn: conn, writeTimeout: g.cfg.WriteTimeout}, g.cfg.MaxSubsPerConn)
		g.registry.Add(s)
		g.accepted.Add(1)
		g.logger.Info("session opened",
			"session_id", s.ID(),
			"kind", kind,
			"remote", r.RemoteAddr,
		)

		g.readLoop(s, conn)
		g.Teardown(s)
	}
}

// readLoop consumes request frames until the connection drops.
func (g *Gateway) readLoop(s *session.Session, conn *websocket.Conn) {
	if g.cfg.ReadLimit > 0 {
		conn.SetReadLimit(g.cfg.ReadLimit)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn("session read failed", "session_id", s.ID(), "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			g.sendError(s, "malformed request")
			continue
		}

		g.dispatch(s, msg)
	}
}

func (g *Gateway) dispatch(s *session.Session, msg clientMessage) {
	if msg.InstrumentID == "" {
		g.sendError(s, "instrumentId is required")
		return
	}

	venue := model.Venue(msg.Venue)
	if venue == "" {
		venue = g.cfg.DefaultVenue
	}
	sub, ok := g.subs[venue]
	if !ok {
		g.sendError(s, fmt.Sprintf("unknown venue %q", venue))
		return
	}

	key := model.InstrumentKey{Venue: venue, InstrumentID: msg.InstrumentID, Kind: s.Kind()}

	switch msg.Action {
	case actionSubscribe:
		g.subscribe(s, sub, key)
	case actionUnsubscribe:
		g.unsubscribe(s, sub, key)
	default:
		g.sendError(s, fmt.Sprintf("unknown action %q", msg.Action))
	}
}

// subscribe bumps the upstream ref-count first and only then records the
// key on the session. Every key in a session's set therefore has a landed
// upstream increment, so teardown can always release what it snapshots. If
// the session closes while the upstream call is in flight, the fresh
// increment has no owner and is released here.
func (g *Gateway) subscribe(s *session.Session, sub Subscriber, key model.InstrumentKey) {
	if s.Has(key) {
		g.sendAck(s, actionSubscribe, key.InstrumentID)
		return
	}

	if err := sub.Subscribe(g.ctx, key); err != nil {
		g.logger.Warn("upstream subscribe failed",
			"session_id", s.ID(),
			"key", key.String(),
			"error", err,
		)
		g.sendError(s, "subscription failed")
		return
	}

	if _, err := s.Subscribe(key); err != nil {
		if relErr := sub.Unsubscribe(context.Background(), key); relErr != nil {
			g.logger.Warn("orphaned subscribe release failed",
				"session_id", s.ID(),
				"key", key.String(),
				"error", relErr,
			)
		}
		// A closed session means teardown already ran; nothing to report.
		if !errors.Is(err, session.ErrSessionClosed) {
			g.sendError(s, err.Error())
		}
		return
	}

	g.sendAck(s, actionSubscribe, key.InstrumentID)
}

func (g *Gateway) unsubscribe(s *session.Session, sub Subscriber, key model.InstrumentKey) {
	if !s.Unsubscribe(key) {
		g.sendError(s, "not subscribed")
		return
	}

	if err := sub.Unsubscribe(g.ctx, key); err != nil {
		g.logger.Warn("upstream unsubscribe failed",
			"session_id", s.ID(),
			"key", key.String(),
			"error", err,
		)
	}

	g.sendAck(s, actionUnsubscribe, key.InstrumentID)
}

func (g *Gateway) sendAck(s *session.Session, action, instrumentID string) {
	msg := ackMessage{
		Type:         action,
		Status:       statusOK,
		InstrumentID: instrumentID,
	}
	if err := s.Send(msg); err != nil {
		g.logger.Debug("ack send failed", "session_id", s.ID(), "error", err)
	}
}

func (g *Gateway) sendError(s *session.Session, message string) {
	if err := s.Send(errorMessage{Type: typeError, Message: message}); err != nil {
		g.logger.Debug("error send failed", "session_id", s.ID(), "error", err)
	}
}

// wsConn adapts a gorilla connection to the session write interface,
// applying the write deadline on every message.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) WriteJSON(v any) error {
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
