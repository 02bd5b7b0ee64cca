// Package logs provides the per-case append-only log channel: live
// subscription, bounded retention, and historical replay.
package logs

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/repobox/control-plane/internal/models"
)

// Subscriber represents a live log stream subscriber.
type Subscriber struct {
	ID        string
	CaseID    string
	Stream    string // "build", "run", "system", or "" for all
	Ch        chan *models.LogRecord
	CreatedAt time.Time
}

// Broker manages live log subscriptions and publishing.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	logger      *slog.Logger
}

// NewBroker creates a new log broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[string]*Subscriber),
		logger:      logger,
	}
}

// Subscribe creates a new subscription for log records of a case.
func (b *Broker) Subscribe(caseID, stream string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:        uuid.New().String(),
		CaseID:    caseID,
		Stream:    stream,
		Ch:        make(chan *models.LogRecord, 256),
		CreatedAt: time.Now(),
	}

	b.subscribers[sub.ID] = sub
	b.logger.Debug("subscriber added", "subscriber_id", sub.ID, "case_id", caseID)
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[sub.ID]; exists {
		close(sub.Ch)
		delete(b.subscribers, sub.ID)
		b.logger.Debug("subscriber removed", "subscriber_id", sub.ID)
	}
}

// Publish sends a record to all matching subscribers. A subscriber whose
// channel is full misses the record rather than blocking the writer.
func (b *Broker) Publish(rec *models.LogRecord) {
	if rec == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !b.matches(sub, rec) {
			continue
		}
		select {
		case sub.Ch <- rec:
		default:
			b.logger.Warn("subscriber channel full, dropping record",
				"subscriber_id", sub.ID,
				"case_id", rec.CaseID,
			)
		}
	}
}

func (b *Broker) matches(sub *Subscriber, rec *models.LogRecord) bool {
	if sub.CaseID != "" && sub.CaseID != rec.CaseID {
		return false
	}
	if sub.Stream != "" && sub.Stream != rec.Stream {
		return false
	}
	return true
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
