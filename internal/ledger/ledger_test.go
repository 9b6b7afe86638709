package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ksred/lem-clearing/internal/accounts"
	"github.com/ksred/lem-clearing/internal/ledger"
	"github.com/ksred/lem-clearing/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]ledger.Event
	err     error
}

func (s *recordingSink) Publish(_ context.Context, events []ledger.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, events)
	return s.err
}

func (s *recordingSink) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *recordingSink) snapshot() [][]ledger.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]ledger.Event(nil), s.batches...)
}

func TestExecuteCommitsAndPublishes(t *testing.T) {
	sink := &recordingSink{}
	l, _, _ := testutil.NewLedger(t, sink)
	ctx := context.Background()

	committed := false
	err := l.Execute(ctx, func(tx *ledger.Tx) error {
		require.NoError(t, tx.Create(&accounts.Account{TraderID: "alice"}).Error)
		require.NoError(t, tx.Emit("test.first", "WIN_1", map[string]string{"k": "v"}))
		require.NoError(t, tx.Emit("test.second", "WIN_1", nil))
		tx.OnCommit(func() { committed = true })
		return nil
	})
	require.NoError(t, err)
	assert.True(t, committed)

	require.NoError(t, l.Close())
	require.Len(t, sink.batches, 1)
	batch := sink.batches[0]
	require.Len(t, batch, 2)
	assert.Equal(t, uint64(1), batch[0].Sequence)
	assert.Equal(t, uint64(2), batch[1].Sequence)
	assert.Equal(t, `{"k":"v"}`, batch[0].Payload)
	assert.Equal(t, testutil.Start, batch[0].CreatedAt)

	events, err := l.Events(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "test.first", events[0].Type)
	assert.NotEmpty(t, events[0].EventID)
}

func TestExecuteRollsBackOnError(t *testing.T) {
	sink := &recordingSink{}
	l, _, _ := testutil.NewLedger(t, sink)
	ctx := context.Background()
	boom := errors.New("boom")

	committed := false
	err := l.Execute(ctx, func(tx *ledger.Tx) error {
		require.NoError(t, tx.Create(&accounts.Account{TraderID: "alice"}).Error)
		require.NoError(t, tx.Emit("test.event", "", nil))
		tx.OnCommit(func() { committed = true })
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, committed)
	require.NoError(t, l.Close())
	assert.Empty(t, sink.batches)

	var count int64
	require.NoError(t, l.Read(ctx, func(db *gorm.DB) error {
		return db.Model(&accounts.Account{}).Count(&count).Error
	}))
	assert.Zero(t, count)

	events, err := l.Events(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSinkFailureDoesNotFailOperation(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	l, _, _ := testutil.NewLedger(t, sink)

	err := l.Execute(context.Background(), func(tx *ledger.Tx) error {
		return tx.Emit("test.event", "", nil)
	})
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.NotEmpty(t, sink.batches)
	for _, batch := range sink.batches {
		assert.Equal(t, uint64(1), batch[0].Sequence)
	}
}

func TestFailedPublishIsRetried(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	l, clk, _ := testutil.NewLedger(t, sink)
	ctx := context.Background()

	require.NoError(t, l.Execute(ctx, func(tx *ledger.Tx) error {
		return tx.Emit("test.event", "", nil)
	}))
	require.Eventually(t, func() bool {
		return len(sink.snapshot()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	sink.setErr(nil)
	require.Eventually(t, func() bool {
		clk.Add(ledger.RetryDelay)
		batches := sink.snapshot()
		return len(batches) > 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Close())
	for _, batch := range sink.snapshot() {
		require.Len(t, batch, 1)
		assert.Equal(t, uint64(1), batch[0].Sequence)
	}
}

func TestSinksReceiveEventsInOrder(t *testing.T) {
	sink := &recordingSink{}
	l, _, _ := testutil.NewLedger(t, sink)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Execute(ctx, func(tx *ledger.Tx) error {
			if err := tx.Emit("test.first", "", i); err != nil {
				return err
			}
			return tx.Emit("test.second", "", i)
		}))
	}
	require.NoError(t, l.Close())

	var sequences []uint64
	for _, batch := range sink.snapshot() {
		for _, e := range batch {
			sequences = append(sequences, e.Sequence)
		}
	}
	require.Len(t, sequences, 20)
	for i, seq := range sequences {
		assert.Equal(t, uint64(i+1), seq)
	}
}

// blockingSink holds every publish until released.
type blockingSink struct {
	recordingSink
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingSink() *blockingSink {
	return &blockingSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (s *blockingSink) Publish(ctx context.Context, events []ledger.Event) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.recordingSink.Publish(ctx, events)
}

func (s *blockingSink) unblock() {
	s.once.Do(func() { close(s.release) })
}

func TestSlowSinkDoesNotBlockOperations(t *testing.T) {
	sink := newBlockingSink()
	l, _, _ := testutil.NewLedger(t, sink)
	t.Cleanup(sink.unblock)
	ctx := context.Background()

	require.NoError(t, l.Execute(ctx, func(tx *ledger.Tx) error {
		return tx.Emit("test.first", "", nil)
	}))
	select {
	case <-sink.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("sink never received the first event")
	}

	done := make(chan error, 1)
	go func() {
		done <- l.Execute(ctx, func(tx *ledger.Tx) error {
			return tx.Emit("test.second", "", nil)
		})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("operation waited for the sink")
	}

	events, err := l.Events(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	sink.unblock()
	require.NoError(t, l.Close())
	var delivered int
	for _, batch := range sink.snapshot() {
		delivered += len(batch)
	}
	assert.Equal(t, 2, delivered)
}

func TestNewLedgerSkipsEventsBeforeStart(t *testing.T) {
	l, _, db := testutil.NewLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Execute(ctx, func(tx *ledger.Tx) error {
		return tx.Emit("test.before", "", nil)
	}))

	sink := &recordingSink{}
	restarted, err := ledger.New(db, nil, sink)
	require.NoError(t, err)
	require.NoError(t, restarted.Execute(ctx, func(tx *ledger.Tx) error {
		return tx.Emit("test.after", "", nil)
	}))
	require.NoError(t, restarted.Close())

	require.Len(t, sink.batches, 1)
	require.Len(t, sink.batches[0], 1)
	assert.Equal(t, "test.after", sink.batches[0][0].Type)
	assert.Equal(t, uint64(2), sink.batches[0][0].Sequence)
}

func TestOperationSeesSingleLedgerTime(t *testing.T) {
	l, clk, _ := testutil.NewLedger(t)

	err := l.Execute(context.Background(), func(tx *ledger.Tx) error {
		before := tx.Now()
		clk.Add(time.Hour)
		assert.Equal(t, before, tx.Now())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, testutil.Start.Add(time.Hour), l.Now())
}

func TestEventsPagination(t *testing.T) {
	l, _, _ := testutil.NewLedger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Execute(ctx, func(tx *ledger.Tx) error {
			return tx.Emit("test.event", "", i)
		}))
	}

	page, err := l.Events(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(3), page[0].Sequence)
	assert.Equal(t, uint64(4), page[1].Sequence)
}

func TestExecuteSerializesOperations(t *testing.T) {
	l, _, _ := testutil.NewLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Execute(ctx, func(tx *ledger.Tx) error {
				return tx.Emit("test.event", "", nil)
			}))
		}()
	}
	wg.Wait()

	events, err := l.Events(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
}
