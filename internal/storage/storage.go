// Package storage persists per-request accounting rows to SQLite.
//
// Writes go through a buffered channel drained by a background goroutine,
// so the proxy hot path never blocks on the database. If the channel fills
// (> 10 000 pending ops) new ops are dropped and counted in DroppedWrites.
// Reads run on a separate read-only pool so analytics queries cannot starve
// the single writer.
//
// Ordering guarantee: ops from one goroutine are applied in enqueue order.
// A streaming request's insert therefore lands before its usage update.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is RFC 3339 UTC with fixed-width milliseconds, so the TEXT
// timestamp column compares lexicographically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

type (
	// RequestRow is one served request, ready to insert. Nil pointer fields
	// become NULL; a streaming insert carries nil tokens and cost until the
	// post-stream update fills them in.
	RequestRow struct {
		CorrelationID  string
		Timestamp      time.Time
		Model          string
		Provider       string
		Policy         *string
		Streaming      bool
		InputTokens    *int64
		OutputTokens   *int64
		CostSats       *float64
		LatencyMs      int64
		Success        bool
		ErrorMessage   *string
		Retries        int64
		ProvidersTried string
	}

	// UsageUpdate completes a streaming request's row once the stream has
	// been consumed and usage is known.
	UsageUpdate struct {
		CorrelationID    string
		InputTokens      *int64
		OutputTokens     *int64
		CostSats         *float64
		StreamDurationMs int64
		Success          bool
		ErrorMessage     *string
	}

	// writeOp is one queued write. Exactly one field is set.
	writeOp struct {
		insert *RequestRow
		update *UsageUpdate
	}
)

// Store owns the write worker and both connection pools.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB

	ch        chan writeOp
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedWrites int64

	flushCtx context.Context
	log      *slog.Logger
}

// Open opens (creating if missing) the SQLite file at path, applies
// migrations on the write pool, and starts the write worker. The write
// pool is a single connection; SQLite has one writer at a time and a pool
// of one keeps the PRAGMAs consistent.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	writeDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=" + strconv.Itoa(busyTimeoutMs),
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := writeDB.ExecContext(ctx, pragma); err != nil {
			_ = writeDB.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	if err := migrate(ctx, writeDB); err != nil {
		_ = writeDB.Close()
		return nil, err
	}

	readDB, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout("+strconv.Itoa(busyTimeoutMs)+")")
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("storage: open read pool: %w", err)
	}
	readDB.SetMaxOpenConns(readPoolSize)

	s := &Store{
		writeDB: writeDB,
		readDB:  readDB,
		ch:      make(chan writeOp, channelBuffer),
		done:    make(chan struct{}),
		// Shutdown cancels the app context before Close drains the queue;
		// the final flush must still reach the database.
		flushCtx: context.WithoutCancel(ctx),
		log:      log,
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// InsertRequest queues a request row for insertion. Never blocks; drops
// and counts when the queue is full.
func (s *Store) InsertRequest(row RequestRow) {
	select {
	case s.ch <- writeOp{insert: &row}:
	default:
		atomic.AddInt64(&s.droppedWrites, 1)
	}
}

// UpdateUsage queues a post-stream usage update. Never blocks; drops and
// counts when the queue is full.
func (s *Store) UpdateUsage(u UsageUpdate) {
	select {
	case s.ch <- writeOp{update: &u}:
	default:
		atomic.AddInt64(&s.droppedWrites, 1)
	}
}

// DroppedWrites returns how many write ops were dropped because the queue
// was full.
func (s *Store) DroppedWrites() int64 {
	return atomic.LoadInt64(&s.droppedWrites)
}

// QueueDepth returns how many write ops are waiting to be flushed.
func (s *Store) QueueDepth() int {
	return len(s.ch)
}

// Close drains the write queue, stops the worker, and closes both pools.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return errors.Join(s.writeDB.Close(), s.readDB.Close())
}

func (s *Store) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]writeOp, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.applyBatch(s.flushCtx, batch); err != nil {
			s.log.Warn("request log flush failed",
				slog.Int("ops", len(batch)),
				slog.Any("error", err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case op := <-s.ch:
			batch = append(batch, op)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.done:
			for {
				select {
				case op := <-s.ch:
					batch = append(batch, op)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// applyBatch applies queued ops in order inside one transaction.
func (s *Store) applyBatch(ctx context.Context, batch []writeOp) error {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	for _, op := range batch {
		switch {
		case op.insert != nil:
			if err := insertRow(ctx, tx, op.insert); err != nil {
				_ = tx.Rollback()
				return err
			}
		case op.update != nil:
			n, err := updateRow(ctx, tx, op.update)
			if err != nil {
				_ = tx.Rollback()
				return err
			}
			if n == 0 {
				// The insert must precede the update; a miss means it was
				// dropped or never enqueued.
				s.log.Warn("usage update matched no request row",
					slog.String("correlation_id", op.update.CorrelationID))
			}
		}
	}

	return tx.Commit()
}

func insertRow(ctx context.Context, tx *sql.Tx, r *RequestRow) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO requests (
			correlation_id, timestamp, model, provider, policy,
			streaming, input_tokens, output_tokens, cost_sats,
			latency_ms, success, error_message, retries, providers_tried
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CorrelationID,
		r.Timestamp.UTC().Format(timeLayout),
		r.Model,
		r.Provider,
		r.Policy,
		r.Streaming,
		r.InputTokens,
		r.OutputTokens,
		r.CostSats,
		r.LatencyMs,
		r.Success,
		r.ErrorMessage,
		r.Retries,
		r.ProvidersTried,
	)
	if err != nil {
		return fmt.Errorf("insert request %s: %w", r.CorrelationID, err)
	}
	return nil
}

func updateRow(ctx context.Context, tx *sql.Tx, u *UsageUpdate) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE requests SET
			input_tokens = ?, output_tokens = ?, cost_sats = ?,
			stream_duration_ms = ?, success = ?, error_message = ?
		WHERE correlation_id = ?`,
		u.InputTokens,
		u.OutputTokens,
		u.CostSats,
		u.StreamDurationMs,
		u.Success,
		u.ErrorMessage,
		u.CorrelationID,
	)
	if err != nil {
		return 0, fmt.Errorf("update request %s: %w", u.CorrelationID, err)
	}
	return res.RowsAffected()
}

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second

	busyTimeoutMs = 5_000
	readPoolSize  = 3
)
