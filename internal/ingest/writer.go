// Package ingest buffers raw usage reports and writes them to ClickHouse
// in bulk. Rows accumulate in memory and flush on size or interval; the
// aggregation tables the reader consumes are maintained by the store's
// materialized views, so the writer only feeds the raw tables.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	defaultBatchSize     = 1000
	defaultFlushInterval = 5 * time.Second
	defaultShutdownWait  = 10 * time.Second
)

// OperationRow is one executed operation as reported by a client.
type OperationRow struct {
	Target        string
	Timestamp     time.Time
	ExpiresAt     time.Time
	Hash          string
	Ok            uint8
	Duration      uint64
	ClientName    string
	ClientVersion string
}

// CollectedOperationRow is the document side of an operation: its body and
// the schema coordinates it selects, keyed by hash.
type CollectedOperationRow struct {
	Target      string
	Hash        string
	Name        string
	Body        string
	Kind        string
	Coordinates []string
	Total       uint64
	Timestamp   time.Time
	ExpiresAt   time.Time
}

// Inserter sends one prepared batch to the store. Satisfied by
// *query.Client, which retries the whole batch on failure.
type Inserter interface {
	Insert(ctx context.Context, insert string, appendRows func(batch driver.Batch) error) error
}

// rowAppender is the slice of driver.Batch the append helpers need.
type rowAppender interface {
	Append(v ...any) error
}

// Options configures a Writer.
type Options struct {
	Logger *slog.Logger
	// BatchSize flushes a buffer once it holds this many rows. Zero
	// means 1000.
	BatchSize int
	// FlushInterval flushes all buffers on a timer. Zero means 5s.
	FlushInterval time.Duration
	// ShutdownWait bounds how long Close waits for the flush loop.
	ShutdownWait time.Duration
}

// Writer accumulates rows and flushes them in batches. Safe for
// concurrent use.
type Writer struct {
	inserter Inserter
	logger   *slog.Logger

	mu            sync.Mutex
	operationRows []OperationRow
	collectedRows []CollectedOperationRow

	batchSize     int
	flushInterval time.Duration
	shutdownWait  time.Duration

	flushTimer *time.Timer
	stopCh     chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// NewWriter starts a writer and its background flush loop.
func NewWriter(inserter Inserter, opts Options) *Writer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	shutdownWait := opts.ShutdownWait
	if shutdownWait <= 0 {
		shutdownWait = defaultShutdownWait
	}

	w := &Writer{
		inserter:      inserter,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		shutdownWait:  shutdownWait,
		stopCh:        make(chan struct{}),
	}

	w.flushTimer = time.NewTimer(w.flushInterval)
	w.wg.Add(1)
	go w.flushLoop()

	return w
}

// AddOperation buffers one executed-operation row.
func (w *Writer) AddOperation(row OperationRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.operationRows = append(w.operationRows, row)
	if len(w.operationRows) >= w.batchSize {
		return w.flushOperationsLocked()
	}
	return nil
}

// AddCollected buffers one collected-operation row.
func (w *Writer) AddCollected(row CollectedOperationRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.collectedRows = append(w.collectedRows, row)
	if len(w.collectedRows) >= w.batchSize {
		return w.flushCollectedLocked()
	}
	return nil
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.flushTimer.C:
			w.mu.Lock()
			_ = w.flushAllLocked()
			w.mu.Unlock()
			w.flushTimer.Reset(w.flushInterval)

		case <-w.stopCh:
			return
		}
	}
}

// flushAllLocked flushes both buffers (must hold lock).
func (w *Writer) flushAllLocked() error {
	var errs []error
	if err := w.flushOperationsLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := w.flushCollectedLocked(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("flush errors: %v", errs)
	}
	return nil
}

// flushOperationsLocked flushes operation rows (must hold lock). The lock
// is released for the store round trip.
func (w *Writer) flushOperationsLocked() error {
	if len(w.operationRows) == 0 {
		return nil
	}

	start := time.Now()
	rows := w.operationRows
	w.operationRows = nil

	w.mu.Unlock()
	err := w.inserter.Insert(context.Background(), "INSERT INTO operations", func(batch driver.Batch) error {
		return appendOperations(batch, rows)
	})
	w.mu.Lock()

	if err != nil {
		w.logger.Error("failed to flush operations", "error", err, "row_count", len(rows))
		return err
	}
	w.logger.Debug("flushed operations", "row_count", len(rows), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// flushCollectedLocked flushes collected-operation rows (must hold lock).
func (w *Writer) flushCollectedLocked() error {
	if len(w.collectedRows) == 0 {
		return nil
	}

	start := time.Now()
	rows := w.collectedRows
	w.collectedRows = nil

	w.mu.Unlock()
	err := w.inserter.Insert(context.Background(), "INSERT INTO operation_collection", func(batch driver.Batch) error {
		return appendCollected(batch, rows)
	})
	w.mu.Lock()

	if err != nil {
		w.logger.Error("failed to flush operation collection", "error", err, "row_count", len(rows))
		return err
	}
	w.logger.Debug("flushed operation collection", "row_count", len(rows), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func appendOperations(batch rowAppender, rows []OperationRow) error {
	for _, row := range rows {
		err := batch.Append(
			row.Target,
			row.Timestamp,
			row.ExpiresAt,
			row.Hash,
			row.Ok,
			row.Duration,
			row.ClientName,
			row.ClientVersion,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func appendCollected(batch rowAppender, rows []CollectedOperationRow) error {
	for _, row := range rows {
		err := batch.Append(
			row.Target,
			row.Hash,
			row.Name,
			row.Body,
			row.Kind,
			row.Coordinates,
			row.Total,
			row.Timestamp,
			row.ExpiresAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// Close stops the flush loop and drains the remaining rows.
func (w *Writer) Close(ctx context.Context) error {
	var finalErr error

	w.closeOnce.Do(func() {
		close(w.stopCh)

		shutdownCtx, cancel := context.WithTimeout(ctx, w.shutdownWait)
		defer cancel()

		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-shutdownCtx.Done():
			w.logger.Warn("flush loop did not stop within timeout")
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		finalErr = w.flushAllLocked()
	})

	return finalErr
}
