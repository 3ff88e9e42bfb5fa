package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sgo "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/solpipe/delivery/errormsg"
	"github.com/solpipe/delivery/tx"
	"github.com/solpipe/delivery/tx/cache"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	list []tx.Resolution
}

func (c *collector) Report(r tx.Resolution) {
	c.mu.Lock()
	c.list = append(c.list, r)
	c.mu.Unlock()
}

type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time {
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func testQueue(t *testing.T, policy Policy, c *cache.Cache) (*Queue, *collector, *testClock) {
	col := new(collector)
	q, err := Create(CreateMemoryStore(), policy, c, col)
	require.NoError(t, err)
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	q.now = clock.now
	return q, col, clock
}

func testPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    time.Minute,
		MaxAttempts: 3,
	}
}

func entryFor(job sgo.PublicKey, attempts int, createdAt time.Time) tx.RetryEntry {
	return tx.RetryEntry{
		Message:   tx.DurableMessage{Message: tx.Message{JobId: job}, CreatedAt: createdAt},
		Attempts:  attempts,
		LastClass: errormsg.ClassExpired,
	}
}

func TestBackoff(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	require.Equal(t, time.Second, p.Backoff(0))
	require.Equal(t, time.Second, p.Backoff(1))
	require.Equal(t, 2*time.Second, p.Backoff(2))
	require.Equal(t, 4*time.Second, p.Backoff(3))
	require.Equal(t, 5*time.Second, p.Backoff(4))
	require.Equal(t, 5*time.Second, p.Backoff(400))

	p.Jitter = 0.5
	require.Equal(t, 2*time.Second, p.Delay(2, func() float64 { return 0.5 }))
	require.Equal(t, time.Second, p.Delay(2, func() float64 { return 0 }))
	for i := 0; i < 100; i++ {
		d := p.Delay(2, defaultRandom())
		require.True(t, time.Second <= d && d <= 3*time.Second)
	}
}

// max attempts 3: the first nack leads to exactly two retries, the third failure is permanent
func TestMaxAttemptsThree(t *testing.T) {
	q, col, clock := testQueue(t, testPolicy(), nil)
	job := sgo.NewWallet().PublicKey()
	ctx := context.Background()

	var calls []tx.RetryEntry
	handler := func(ctx context.Context, e tx.RetryEntry) (tx.Handle, error) {
		calls = append(calls, e)
		return tx.Handle{Id: uuid.New(), JobId: e.JobId(), Signature: sgo.Signature{byte(len(calls))}}, nil
	}

	require.NoError(t, q.Nack(ctx, entryFor(job, 1, clock.t)))
	require.NoError(t, q.Drain(ctx, handler))
	require.Len(t, calls, 0, "not due yet")

	for i := 0; i < 2; i++ {
		clock.advance(time.Minute)
		require.NoError(t, q.Drain(ctx, handler))
		require.Len(t, calls, i+1)
		inFlight := calls[i]
		require.Equal(t, i+2, inFlight.Attempts)
		require.True(t, inFlight.InFlight)

		// in flight entries are not drained again
		require.NoError(t, q.Drain(ctx, handler))
		require.Len(t, calls, i+1)

		// the monitor reports the replay failed
		require.NoError(t, q.Nack(ctx, inFlight))
	}

	clock.advance(time.Minute)
	require.NoError(t, q.Drain(ctx, handler))
	require.Len(t, calls, 2)
	require.Equal(t, 0, q.Len())
	require.Len(t, col.list, 1)
	r := col.list[0]
	require.Equal(t, tx.OutcomeFailedPermanently, r.Outcome)
	require.Equal(t, 3, r.Attempts)
	require.Equal(t, job, r.JobId)
	require.Equal(t, errormsg.ClassExpired, r.LastClass)
}

func TestBackoffSchedule(t *testing.T) {
	q, _, clock := testQueue(t, Policy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute, MaxAttempts: 10}, nil)
	job := sgo.NewWallet().PublicKey()
	require.NoError(t, q.Nack(context.Background(), entryFor(job, 3, clock.t)))
	e, err := q.store.Get(job)
	require.NoError(t, err)
	require.Equal(t, clock.t.Add(4*time.Second), e.NextAt)
}

func TestStaleNackIgnored(t *testing.T) {
	q, _, clock := testQueue(t, testPolicy(), nil)
	job := sgo.NewWallet().PublicKey()
	ctx := context.Background()
	require.NoError(t, q.Nack(ctx, entryFor(job, 2, clock.t)))
	require.NoError(t, q.Nack(ctx, entryFor(job, 1, clock.t)))
	e, err := q.store.Get(job)
	require.NoError(t, err)
	require.Equal(t, 2, e.Attempts)
}

func TestHandlerErrorReschedules(t *testing.T) {
	q, col, clock := testQueue(t, testPolicy(), nil)
	job := sgo.NewWallet().PublicKey()
	ctx := context.Background()
	require.NoError(t, q.Nack(ctx, entryFor(job, 1, clock.t)))
	clock.advance(time.Minute)

	require.NoError(t, q.Drain(ctx, func(ctx context.Context, e tx.RetryEntry) (tx.Handle, error) {
		return tx.Handle{}, errormsg.Wrap(errormsg.ClassAllEndpointsUnavailable, nil)
	}))
	e, err := q.store.Get(job)
	require.NoError(t, err)
	require.False(t, e.InFlight)
	require.Equal(t, 2, e.Attempts)
	require.Equal(t, errormsg.ClassAllEndpointsUnavailable, e.LastClass)
	require.Equal(t, clock.t.Add(2*time.Second), e.NextAt)
	require.Empty(t, col.list)
}

func TestHandlerPermanentErrorReported(t *testing.T) {
	q, col, clock := testQueue(t, testPolicy(), nil)
	job := sgo.NewWallet().PublicKey()
	ctx := context.Background()
	require.NoError(t, q.Nack(ctx, entryFor(job, 1, clock.t)))
	clock.advance(time.Minute)

	require.NoError(t, q.Drain(ctx, func(ctx context.Context, e tx.RetryEntry) (tx.Handle, error) {
		return tx.Handle{}, errormsg.Wrap(errormsg.ClassPermanentFailure, errors.New("wrong nonce authority"))
	}))
	require.Equal(t, 0, q.Len())
	require.Len(t, col.list, 1)
	require.Equal(t, tx.OutcomeFailedPermanently, col.list[0].Outcome)
	require.Equal(t, errormsg.ClassPermanentFailure, col.list[0].LastClass)
	require.Equal(t, 2, col.list[0].Attempts)
}

func TestLateLandingReportedConfirmed(t *testing.T) {
	q, col, clock := testQueue(t, testPolicy(), nil)
	job := sgo.NewWallet().PublicKey()
	ctx := context.Background()
	sig := sgo.Signature{4, 4}
	require.NoError(t, q.Nack(ctx, entryFor(job, 1, clock.t)))
	clock.advance(time.Minute)

	calls := 0
	require.NoError(t, q.Drain(ctx, func(ctx context.Context, e tx.RetryEntry) (tx.Handle, error) {
		calls++
		return tx.Handle{}, &tx.Landed{Signature: sig}
	}))
	require.Equal(t, 1, calls)
	require.Equal(t, 0, q.Len())
	require.Len(t, col.list, 1)
	require.Equal(t, tx.OutcomeConfirmed, col.list[0].Outcome)
	require.Equal(t, sig, col.list[0].Signature)
	require.Equal(t, 1, col.list[0].Attempts)
	require.Equal(t, errormsg.ClassExpired, col.list[0].LastClass)
}

func TestAckAndCancel(t *testing.T) {
	q, _, clock := testQueue(t, testPolicy(), nil)
	ctx := context.Background()
	a := sgo.NewWallet().PublicKey()
	b := sgo.NewWallet().PublicKey()
	require.NoError(t, q.Nack(ctx, entryFor(a, 1, clock.t)))
	require.NoError(t, q.Nack(ctx, entryFor(b, 1, clock.t)))
	require.Equal(t, 2, q.Len())

	q.Ack(a)
	require.Equal(t, 1, q.Len())

	q.Cancel(b)
	require.Equal(t, 0, q.Len())
	require.NoError(t, q.Nack(ctx, entryFor(b, 2, clock.t)))
	require.Equal(t, 0, q.Len())

	q.Resume(b)
	require.NoError(t, q.Nack(ctx, entryFor(b, 2, clock.t)))
	require.Equal(t, 1, q.Len())
}

func TestMaxAgeIsPermanent(t *testing.T) {
	policy := testPolicy()
	policy.MaxAttempts = 100
	policy.MaxAge = time.Minute
	q, col, clock := testQueue(t, policy, nil)
	job := sgo.NewWallet().PublicKey()
	require.NoError(t, q.Nack(context.Background(), entryFor(job, 1, clock.t.Add(-2*time.Minute))))
	clock.advance(time.Hour)
	require.NoError(t, q.Drain(context.Background(), func(ctx context.Context, e tx.RetryEntry) (tx.Handle, error) {
		return tx.Handle{}, errors.New("must not run")
	}))
	require.Len(t, col.list, 1)
	require.Equal(t, 1, col.list[0].Attempts)
}

func TestSupersededEntryDropped(t *testing.T) {
	c := cache.Create()
	q, col, clock := testQueue(t, testPolicy(), c)
	job := sgo.NewWallet().PublicKey()
	entry := entryFor(job, 1, clock.t)
	entry.LastSignature = sgo.Signature{1}
	require.NoError(t, q.Nack(context.Background(), entry))

	_, ok := c.Insert(tx.Submitted{Id: uuid.New(), JobId: job, Signature: sgo.Signature{2}})
	require.True(t, ok)

	clock.advance(time.Minute)
	ran := false
	require.NoError(t, q.Drain(context.Background(), func(ctx context.Context, e tx.RetryEntry) (tx.Handle, error) {
		ran = true
		return tx.Handle{}, nil
	}))
	require.False(t, ran)
	require.Equal(t, 0, q.Len())
	require.Empty(t, col.list)
}

func TestMemoryStoreOrder(t *testing.T) {
	s := CreateMemoryStore()
	base := time.Unix(1_700_000_000, 0)
	jobs := make([]sgo.PublicKey, 3)
	for i, offset := range []time.Duration{3 * time.Second, time.Second, 2 * time.Second} {
		jobs[i] = sgo.NewWallet().PublicKey()
		e := entryFor(jobs[i], 1, base)
		e.NextAt = base.Add(offset)
		require.NoError(t, s.Put(e))
	}
	due, err := s.Due(base.Add(2 * time.Second))
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, jobs[1], due[0].JobId())
	require.Equal(t, jobs[2], due[1].JobId())

	e, err := s.Get(jobs[1])
	require.NoError(t, err)
	e.InFlight = true
	require.NoError(t, s.Put(e))
	due, err = s.Due(base.Add(2 * time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, s.Recover())
	due, err = s.Due(base.Add(2 * time.Second))
	require.NoError(t, err)
	require.Len(t, due, 2)
}
