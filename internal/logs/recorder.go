package logs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/repobox/control-plane/internal/models"
)

// Sink persists log records for historical queries across restarts.
// Satisfied by store.LogStore.
type Sink interface {
	Create(ctx context.Context, rec *models.LogRecord) error
}

// Recorder is the write side of the log subsystem. Every appended line is
// retained in a bounded per-case tail, published to live subscribers, and
// forwarded to the persistent sink. Sink failures never fail the append:
// persistence is a best-effort side channel.
type Recorder struct {
	mu       sync.Mutex
	tails    map[string]*Tail
	broker   *Broker
	sink     Sink
	maxLines int
	logger   *slog.Logger
}

// NewRecorder creates a recorder. sink may be nil for in-memory only use.
func NewRecorder(broker *Broker, sink Sink, maxLines int, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if broker == nil {
		broker = NewBroker(logger)
	}
	return &Recorder{
		tails:    make(map[string]*Tail),
		broker:   broker,
		sink:     sink,
		maxLines: maxLines,
		logger:   logger,
	}
}

// Broker returns the live subscription broker.
func (r *Recorder) Broker() *Broker {
	return r.broker
}

// Append records one log line for a case.
func (r *Recorder) Append(ctx context.Context, caseID, stream, level, line string) {
	rec := &models.LogRecord{
		ID:        uuid.New().String(),
		CaseID:    caseID,
		Stream:    stream,
		Level:     level,
		Line:      line,
		Timestamp: time.Now().UTC(),
	}

	r.tail(caseID).Add(rec)
	r.broker.Publish(rec)

	if r.sink != nil {
		if err := r.sink.Create(ctx, rec); err != nil {
			r.logger.Warn("failed to persist log record",
				"case_id", caseID,
				"error", err,
			)
		}
	}
}

// Line returns an append callback bound to one case, stream, and level.
// Build/run output producers hold one of these per stream so lines flow
// through as they are produced.
func (r *Recorder) Line(caseID, stream, level string) func(string) {
	return func(line string) {
		r.Append(context.Background(), caseID, stream, level, line)
	}
}

// Replay returns the full retained record sequence for a case in append
// order.
func (r *Recorder) Replay(caseID string) []*models.LogRecord {
	return r.tail(caseID).All()
}

// SubscribeWithBacklog attaches a live subscriber and returns up to
// backlog retained records preceding the attachment.
func (r *Recorder) SubscribeWithBacklog(caseID, stream string, backlog int) (*Subscriber, []*models.LogRecord) {
	// Subscribe before snapshotting the backlog so no record written in
	// between is lost; a record may appear in both, never in neither.
	sub := r.broker.Subscribe(caseID, stream)
	return sub, r.tail(caseID).Last(backlog)
}

// Unsubscribe detaches a live subscriber.
func (r *Recorder) Unsubscribe(sub *Subscriber) {
	r.broker.Unsubscribe(sub)
}

// Drop discards the retained tail for a case.
func (r *Recorder) Drop(caseID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tails, caseID)
}

func (r *Recorder) tail(caseID string) *Tail {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tails[caseID]
	if !ok {
		t = NewTail(r.maxLines)
		r.tails[caseID] = t
	}
	return t
}
