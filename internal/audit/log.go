package audit

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crankbird/crankmesh/internal/domain"
)

// Signer produces the controller signature over a canonical entry.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
}

// Store persists chained entries. Insert must be atomic per entry; the
// Log serializes calls so implementations never see concurrent writes.
type Store interface {
	Insert(ctx context.Context, entry domain.AuditEntry) error
	GetByJobID(ctx context.Context, jobID string) (domain.AuditEntry, error)
	Last(ctx context.Context) (domain.AuditEntry, bool, error)
	ListAll(ctx context.Context) ([]domain.AuditEntry, error)
}

// Log is the append-only receipt log. All appends flow through one
// writer goroutine so the hash chain is strictly ordered; the queue is
// bounded, and a full queue sheds load instead of buffering an
// unaudited backlog.
type Log struct {
	store  Store
	signer Signer
	clock  func() time.Time
	logger *slog.Logger

	queue chan appendRequest

	// closeMu serializes Close against in-flight enqueues so the queue
	// channel is never closed while an Append holds a send slot.
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	drained   chan struct{}
}

type appendRequest struct {
	receipt domain.Receipt
	reply   chan appendResult
}

type appendResult struct {
	entry domain.AuditEntry
	err   error
}

type Options struct {
	QueueDepth int
	Clock      func() time.Time
	Logger     *slog.Logger
}

func NewLog(store Store, signer Signer, opts Options) (*Log, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	if signer == nil {
		return nil, errors.New("audit signer is required")
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 1024
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	// Resume the chain from persisted state so restarts do not fork it.
	last, ok, err := store.Last(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load audit chain head: %w", err)
	}
	seq := int64(0)
	prevSig := zeroPrevSignature
	if ok {
		seq = last.Seq
		prevSig = last.Signature
	}

	l := &Log{
		store:   store,
		signer:  signer,
		clock:   opts.Clock,
		logger:  opts.Logger,
		queue:   make(chan appendRequest, opts.QueueDepth),
		drained: make(chan struct{}),
	}
	go l.run(seq, prevSig)
	return l, nil
}

// Append queues a receipt for the writer and waits for the durable,
// signed entry. A full queue returns ErrAuditBackpressure immediately
// so the router can shed load. Caller cancellation does not abort a
// queued append: once accepted, the receipt is written.
func (l *Log) Append(ctx context.Context, receipt domain.Receipt) (domain.AuditEntry, error) {
	if receipt.JobID == "" {
		return domain.AuditEntry{}, fmt.Errorf("%w: job id is required", domain.ErrAuditWriteFailure)
	}
	req := appendRequest{receipt: receipt, reply: make(chan appendResult, 1)}

	l.closeMu.RLock()
	if l.closed {
		l.closeMu.RUnlock()
		return domain.AuditEntry{}, fmt.Errorf("%w: log closed", domain.ErrAuditWriteFailure)
	}
	select {
	case l.queue <- req:
		l.closeMu.RUnlock()
	default:
		l.closeMu.RUnlock()
		return domain.AuditEntry{}, domain.ErrAuditBackpressure
	}
	result := <-req.reply
	return result.entry, result.err
}

// Get returns the immutable receipt entry for a job id.
func (l *Log) Get(ctx context.Context, jobID string) (domain.AuditEntry, error) {
	return l.store.GetByJobID(ctx, jobID)
}

// Verify walks the persisted chain against the given public key.
func (l *Log) Verify(ctx context.Context, pubKey []byte) error {
	return VerifyChain(ctx, l.store, pubKey)
}

// QueueDepth reports the current backlog, for backpressure monitoring.
func (l *Log) QueueDepth() int {
	return len(l.queue)
}

// Close stops accepting appends and drains the queue. Queued receipts
// are still written before the writer exits.
func (l *Log) Close() {
	l.closeOnce.Do(func() {
		l.closeMu.Lock()
		l.closed = true
		l.closeMu.Unlock()
		close(l.queue)
	})
	<-l.drained
}

func (l *Log) run(seq int64, prevSig string) {
	defer close(l.drained)
	for req := range l.queue {
		entry, err := l.write(req.receipt, seq+1, prevSig)
		if err == nil {
			seq = entry.Seq
			prevSig = entry.Signature
		}
		req.reply <- appendResult{entry: entry, err: err}
	}
}

func (l *Log) write(receipt domain.Receipt, seq int64, prevSig string) (domain.AuditEntry, error) {
	ctx := context.Background()

	if _, err := l.store.GetByJobID(ctx, receipt.JobID); err == nil {
		return domain.AuditEntry{}, domain.ErrDuplicateJobID
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.AuditEntry{}, fmt.Errorf("%w: %v", domain.ErrAuditWriteFailure, err)
	}

	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = l.clock().UTC()
	} else {
		receipt.CreatedAt = receipt.CreatedAt.UTC()
	}

	entry := domain.AuditEntry{
		Receipt:       receipt,
		Seq:           seq,
		PrevSignature: prevSig,
	}
	canonical := canonicalEntry(entry)
	entry.EntryHash = sha256Hex(canonical)
	sig, err := l.signer.Sign(canonical)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("%w: sign: %v", domain.ErrAuditWriteFailure, err)
	}
	entry.Signature = hex.EncodeToString(sig)

	if err := l.store.Insert(ctx, entry); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("%w: %v", domain.ErrAuditWriteFailure, err)
	}
	l.logger.Debug("receipt appended",
		"job_id", entry.JobID,
		"seq", entry.Seq,
		"outcome", string(entry.Outcome))
	return entry, nil
}
