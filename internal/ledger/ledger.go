// Package ledger executes market entry points the way a replicated ledger
// does: one at a time, all-or-nothing, against a single ledger time, with
// every observable outcome appended to an event log.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
	"gorm.io/gorm"
)

const (
	// RetryDelay is how long a dispatcher waits before redelivering to a
	// sink whose last publish failed.
	RetryDelay = 5 * time.Second
	// PublishTimeout bounds a single sink publish.
	PublishTimeout = 10 * time.Second

	publishBatch = 500
)

// Event is one entry of the append-only audit log.
type Event struct {
	gorm.Model `json:"-"`
	Sequence   uint64    `gorm:"uniqueIndex" json:"sequence"`
	EventID    string    `gorm:"uniqueIndex" json:"event_id"`
	Type       string    `gorm:"index" json:"type"`
	WindowID   string    `gorm:"index" json:"window_id"`
	Payload    string    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// Sink receives events after the transaction that produced them committed.
// Each sink sees events exactly in sequence order; a failed batch is offered
// again until it is accepted.
type Sink interface {
	Publish(ctx context.Context, events []Event) error
}

// dispatcher delivers the event log to one sink from its own goroutine.
type dispatcher struct {
	sink   Sink
	cursor uint64
	wake   chan struct{}
}

type Ledger struct {
	db          *gorm.DB
	clock       clock.Clock
	mu          sync.Mutex
	dispatchers []*dispatcher
	tomb        tomb.Tomb
}

// New returns a ledger over db. Every sink starts receiving events committed
// after New returns; call Close to stop delivery.
func New(db *gorm.DB, clk clock.Clock, sinks ...Sink) (*Ledger, error) {
	if clk == nil {
		clk = clock.New()
	}
	l := &Ledger{db: db, clock: clk}
	if len(sinks) == 0 {
		return l, nil
	}

	var last uint64
	if err := db.Model(&Event{}).Select("COALESCE(MAX(sequence), 0)").Scan(&last).Error; err != nil {
		return nil, fmt.Errorf("failed to read event sequence: %w", err)
	}
	for _, sink := range sinks {
		d := &dispatcher{sink: sink, cursor: last, wake: make(chan struct{}, 1)}
		l.dispatchers = append(l.dispatchers, d)
		l.tomb.Go(func() error {
			return l.dispatch(d)
		})
	}
	return l, nil
}

// Close makes a last delivery attempt to every sink and stops the
// dispatchers. It is safe to call more than once.
func (l *Ledger) Close() error {
	if len(l.dispatchers) == 0 {
		return nil
	}
	l.tomb.Kill(nil)
	return l.tomb.Wait()
}

// Now returns the current ledger time.
func (l *Ledger) Now() time.Time {
	return l.clock.Now()
}

// Tx is the handle an operation receives inside Execute.
type Tx struct {
	*gorm.DB
	now      time.Time
	events   []Event
	onCommit []func()
}

// Now is the ledger time of the whole operation.
func (tx *Tx) Now() time.Time {
	return tx.now
}

// OnCommit registers fn to run once the transaction committed.
func (tx *Tx) OnCommit(fn func()) {
	tx.onCommit = append(tx.onCommit, fn)
}

// Emit appends an event to the log inside the transaction.
func (tx *Tx) Emit(eventType, windowID string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}

	var last uint64
	if err := tx.Model(&Event{}).Select("COALESCE(MAX(sequence), 0)").Scan(&last).Error; err != nil {
		return fmt.Errorf("failed to read event sequence: %w", err)
	}

	event := Event{
		Sequence:  last + 1,
		EventID:   "EVT_" + uuid.New().String(),
		Type:      eventType,
		WindowID:  windowID,
		Payload:   string(body),
		CreatedAt: tx.now,
	}
	if err := tx.Create(&event).Error; err != nil {
		return fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	tx.events = append(tx.events, event)
	return nil
}

// Execute runs fn exclusively inside one database transaction. If fn returns
// an error nothing it did is kept. After a successful commit the registered
// commit hooks run and the sinks are told about the new events; delivery
// happens outside the lock.
func (l *Ledger) Execute(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := l.commit(ctx, fn)
	if err != nil {
		return err
	}
	if len(tx.events) > 0 {
		l.notify()
	}
	return nil
}

func (l *Ledger) commit(ctx context.Context, fn func(tx *Tx) error) (*Tx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &Tx{now: l.clock.Now()}
	err := l.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		tx.DB = db
		return fn(tx)
	})
	if err != nil {
		return nil, err
	}

	for _, hook := range tx.onCommit {
		hook()
	}
	return tx, nil
}

// Read runs fn exclusively against a consistent view of the store.
func (l *Ledger) Read(ctx context.Context, fn func(db *gorm.DB) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(l.db.WithContext(ctx))
}

// Events returns up to limit events with a sequence greater than after.
func (l *Ledger) Events(ctx context.Context, after uint64, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var events []Event
	err := l.Read(ctx, func(db *gorm.DB) error {
		return db.Where("sequence > ?", after).Order("sequence ASC").Limit(limit).Find(&events).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	return events, nil
}

func (l *Ledger) notify() {
	for _, d := range l.dispatchers {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
}

func (l *Ledger) dispatch(d *dispatcher) error {
	var retry <-chan time.Time
	for {
		select {
		case <-l.tomb.Dying():
			l.deliver(d)
			return nil
		case <-d.wake:
		case <-retry:
		}

		retry = nil
		if err := l.deliver(d); err != nil {
			retry = l.clock.After(RetryDelay)
		}
	}
}

// deliver publishes everything after the dispatcher cursor. The events are
// already durable in the log, so a sink failure only delays delivery.
func (l *Ledger) deliver(d *dispatcher) error {
	logger := log.With().
		Str("service", "ledger").
		Str("sink", fmt.Sprintf("%T", d.sink)).
		Logger()

	for {
		events, err := l.Events(context.Background(), d.cursor, publishBatch)
		if err != nil {
			logger.Error().Err(err).Uint64("cursor", d.cursor).Msg("failed to read events for delivery")
			return err
		}
		if len(events) == 0 {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), PublishTimeout)
		err = d.sink.Publish(ctx, events)
		cancel()
		if err != nil {
			logger.Error().
				Err(err).
				Uint64("first_sequence", events[0].Sequence).
				Int("events", len(events)).
				Msg("failed to publish events")
			return err
		}
		d.cursor = events[len(events)-1].Sequence
	}
}
