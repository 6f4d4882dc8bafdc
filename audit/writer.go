package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/llmlb/config"
	"github.com/BaSui01/llmlb/internal/channel"
	"github.com/BaSui01/llmlb/internal/metrics"
	"github.com/BaSui01/llmlb/types"
)

const insertChunk = 500

// Writer is the asynchronous audit log writer. Record never blocks the
// caller; under sustained overload the oldest unflushed entries are dropped
// in favor of newer ones.
type Writer struct {
	db      *gorm.DB
	ring    *channel.Ring[types.AuditLogEntry]
	metrics *metrics.Collector
	logger  *zap.Logger
	cfg     config.AuditConfig

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	lastSealed time.Time
}

// NewWriter builds an audit writer and starts its flush worker.
func NewWriter(db *gorm.DB, collector *metrics.Collector, cfg config.AuditConfig, logger *zap.Logger) *Writer {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 10000
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		db:         db,
		ring:       channel.NewRing[types.AuditLogEntry](cfg.BufferCapacity),
		metrics:    collector,
		logger:     logger.With(zap.String("component", "audit")),
		cfg:        cfg,
		cancel:     cancel,
		done:       make(chan struct{}),
		lastSealed: time.Now(),
	}
	go w.run(ctx)
	return w
}

// Record buffers one audit entry. Entries missing a timestamp are stamped
// with the current time.
func (w *Writer) Record(entry types.AuditLogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.ActorKind == "" {
		entry.ActorKind = types.ActorSystem
	}
	if w.ring.Send(entry) {
		w.metrics.RecordAuditDropped()
	}
	w.metrics.SetAuditBuffered(w.ring.Len())
}

// Close drains the buffer, writes the remaining entries, seals a final batch,
// and stops the worker.
func (w *Writer) Close() error {
	w.ring.Close()
	w.cancel()
	<-w.done
	return nil
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)

	flush := time.NewTicker(w.cfg.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: the ring is closed by Close before cancel, so
			// everything buffered is still receivable.
			w.flush()
			if err := w.seal(); err != nil {
				w.logger.Error("final audit seal failed", zap.Error(err))
			}
			return
		case <-flush.C:
			w.flush()
			if w.sealDue() {
				if err := w.seal(); err != nil {
					w.logger.Error("audit seal failed", zap.Error(err))
				}
			}
		}
	}
}

// sealDue reports whether the batch interval has elapsed. A zero interval
// seals on every flush.
func (w *Writer) sealDue() bool {
	if w.cfg.BatchInterval <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastSealed) >= w.cfg.BatchInterval
}

// flush writes everything currently buffered to the store.
func (w *Writer) flush() {
	for {
		batch := w.ring.DrainBatch(insertChunk)
		if len(batch) == 0 {
			break
		}
		if err := w.db.CreateInBatches(batch, insertChunk).Error; err != nil {
			w.logger.Error("audit flush failed", zap.Int("entries", len(batch)), zap.Error(err))
			continue
		}
		w.metrics.RecordAuditFlushed(len(batch))
	}
	w.metrics.SetAuditBuffered(w.ring.Len())
}

// Flush synchronously drains the buffer into the store. Intended for tests
// and for the on-demand verification endpoint.
func (w *Writer) Flush() {
	w.flush()
}

// Seal writes the next batch of the hash chain covering all flushed entries
// not yet sealed. No-op when there is nothing to seal.
func (w *Writer) Seal() error {
	return w.seal()
}

func (w *Writer) seal() error {
	err := w.db.Transaction(func(tx *gorm.DB) error {
		var entries []types.AuditLogEntry
		if err := tx.Where("batch_id IS NULL").Order("id ASC").Find(&entries).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		var prev types.AuditBatchHash
		prevHash := types.GenesisHash
		var seq int64 = 1
		err := tx.Order("sequence_number DESC").First(&prev).Error
		switch {
		case err == nil:
			prevHash = prev.Hash
			seq = prev.SequenceNumber + 1
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		batch := types.AuditBatchHash{
			SequenceNumber: seq,
			BatchStart:     entries[0].ID,
			BatchEnd:       entries[len(entries)-1].ID,
			RecordCount:    len(entries),
			PreviousHash:   prevHash,
			SealedAt:       time.Now().UTC(),
		}
		batch.Hash = types.ComputeBatchHash(prevHash, seq, batch.BatchStart, batch.BatchEnd, entries)
		if err := tx.Create(&batch).Error; err != nil {
			return err
		}

		ids := make([]int64, len(entries))
		for i := range entries {
			ids[i] = entries[i].ID
		}
		if err := tx.Model(&types.AuditLogEntry{}).
			Where("id IN ?", ids).
			Update("batch_id", batch.ID).Error; err != nil {
			return err
		}

		w.logger.Info("audit batch sealed",
			zap.Int64("sequence", seq),
			zap.Int("entries", len(entries)),
		)
		w.metrics.RecordAuditBatchSealed()
		return nil
	})
	if err != nil {
		return types.NewError(types.ErrInternalError, "seal audit batch").WithCause(err)
	}
	w.mu.Lock()
	w.lastSealed = time.Now()
	w.mu.Unlock()
	return nil
}

// Dropped returns the number of entries evicted from the buffer so far.
func (w *Writer) Dropped() int64 { return w.ring.Dropped() }

// ListOptions filters an audit log listing.
type ListOptions struct {
	Limit      int
	Offset     int
	ActorKind  types.ActorKind
	EndpointID string
	Since      time.Time
}

// List returns audit entries newest first.
func List(db *gorm.DB, opts ListOptions) ([]types.AuditLogEntry, error) {
	if opts.Limit <= 0 || opts.Limit > 1000 {
		opts.Limit = 100
	}
	q := db.Model(&types.AuditLogEntry{}).Order("id DESC").Limit(opts.Limit).Offset(opts.Offset)
	if opts.ActorKind != "" {
		q = q.Where("actor_kind = ?", opts.ActorKind)
	}
	if opts.EndpointID != "" {
		q = q.Where("endpoint_id = ?", opts.EndpointID)
	}
	if !opts.Since.IsZero() {
		q = q.Where("timestamp >= ?", opts.Since)
	}
	var out []types.AuditLogEntry
	if err := q.Find(&out).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "list audit entries").WithCause(err)
	}
	return out, nil
}
