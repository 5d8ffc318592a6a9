// Package recorder persists observed snapshots to PostgreSQL in batches.
// It is best-effort: when the buffer is full, snapshots are dropped and
// counted rather than slowing the feed path.
package recorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hanati/nextfeed/internal/model"
)

// finalFlushTimeout bounds the shutdown flush, which runs on its own
// context because the run context is already cancelled by then.
const finalFlushTimeout = 5 * time.Second

// BatchSender is the slice of a pgx pool the recorder needs. Satisfied by
// *pgxpool.Pool.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config configures the recorder.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// Metrics counts recorder activity.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Dropped   int64
}

// snapshotRow is one row bound for the snapshots table.
type snapshotRow struct {
	Venue        string
	InstrumentID string
	Kind         string
	Fields       []byte // JSON-encoded field map
	ObservedAt   time.Time
	ReceivedAt   int64 // microseconds
}

// Recorder consumes snapshots and writes them in batches.
type Recorder struct {
	cfg    Config
	logger *slog.Logger
	db     BatchSender

	input chan model.Snapshot

	batch       []snapshotRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// New creates a recorder writing to db.
func New(cfg Config, db BatchSender, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  make(chan model.Snapshot, cfg.BufferSize),
		batch:  make([]snapshotRow, 0, cfg.BatchSize),
	}
}

// Record enqueues one snapshot. Never blocks; a full buffer drops the
// snapshot.
func (r *Recorder) Record(s model.Snapshot) {
	select {
	case r.input <- s:
	default:
		r.batchMu.Lock()
		r.metrics.Dropped++
		r.batchMu.Unlock()
	}
}

// Start begins consuming snapshots and writing batches.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.flushTicker = time.NewTicker(r.cfg.FlushInterval)

	r.wg.Add(1)
	go r.consumeLoop()

	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the recorder.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping recorder")

	if r.cancel != nil {
		r.cancel()
	}
	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("recorder stop timed out")
	}

	// The run context is cancelled by now, so drain whatever the consumer
	// never picked up and flush the remainder on a fresh context.
	r.drainInput()

	flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	r.flush(flushCtx)

	r.logger.Info("recorder stopped")
	return nil
}

// Stats returns current metrics.
func (r *Recorder) Stats() Metrics {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.metrics
}

// consumeLoop reads snapshots and accumulates batches.
func (r *Recorder) consumeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case s := <-r.input:
			r.handleSnapshot(s)
		}
	}
}

// flushLoop periodically flushes the batch.
func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.flushTicker.C:
			r.flush(r.ctx)
		}
	}
}

// drainInput empties the buffered channel into the batch without flushing;
// the shutdown flush writes everything in one go.
func (r *Recorder) drainInput() {
	for {
		select {
		case s := <-r.input:
			row, err := transform(s)
			if err != nil {
				r.batchMu.Lock()
				r.metrics.Errors++
				r.batchMu.Unlock()
				continue
			}
			r.batchMu.Lock()
			r.batch = append(r.batch, row)
			r.batchMu.Unlock()
		default:
			return
		}
	}
}

func (r *Recorder) handleSnapshot(s model.Snapshot) {
	row, err := transform(s)
	if err != nil {
		r.batchMu.Lock()
		r.metrics.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.batch = append(r.batch, row)
	shouldFlush := len(r.batch) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if shouldFlush {
		r.flush(r.ctx)
	}
}

// transform converts a snapshot to a row.
func transform(s model.Snapshot) (snapshotRow, error) {
	fields, err := json.Marshal(s.Fields)
	if err != nil {
		return snapshotRow{}, err
	}
	return snapshotRow{
		Venue:        string(s.Venue),
		InstrumentID: s.InstrumentID,
		Kind:         string(s.Kind),
		Fields:       fields,
		ObservedAt:   s.ObservedAt,
		ReceivedAt:   time.Now().UnixMicro(),
	}, nil
}

// flush writes the current batch to the database.
func (r *Recorder) flush(ctx context.Context) {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]snapshotRow, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	conflicts, err := r.batchInsert(ctx, batch)
	if err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.metrics.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.metrics.Inserts += int64(len(batch) - conflicts)
	r.metrics.Conflicts += int64(conflicts)
	r.metrics.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed snapshots",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (r *Recorder) batchInsert(ctx context.Context, rows []snapshotRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO snapshots (venue, instrument_id, kind, fields, observed_at, received_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (venue, instrument_id, kind, observed_at) DO NOTHING
		`, row.Venue, row.InstrumentID, row.Kind, row.Fields, row.ObservedAt, row.ReceivedAt)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
