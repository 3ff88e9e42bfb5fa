// Package retry schedules failed and expired jobs for replay with exponential backoff.
package retry

import (
	"context"
	"errors"
	"sync"
	"time"

	sgo "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/solpipe/delivery/errormsg"
	"github.com/solpipe/delivery/meter"
	"github.com/solpipe/delivery/tx"
	"github.com/solpipe/delivery/tx/cache"
)

// Handler resubmits a due entry.  A zero handle id with an error means nothing was
// submitted and the queue reschedules the entry itself; otherwise the monitor owns the
// outcome of the submission.
type Handler func(ctx context.Context, entry tx.RetryEntry) (tx.Handle, error)

type Queue struct {
	store    Store
	policy   Policy
	cache    *cache.Cache
	reporter tx.Reporter
	now      func() time.Time
	random   func() float64

	mu       sync.Mutex
	canceled map[sgo.PublicKey]bool
}

// Create builds a queue over store.  c may be nil, which disables superseded checks.
func Create(store Store, policy Policy, c *cache.Cache, reporter tx.Reporter) (*Queue, error) {
	if store == nil || reporter == nil {
		return nil, errors.New("retry queue needs a store and reporter")
	}
	if policy.MaxAttempts <= 0 {
		return nil, errors.New("max attempts must be positive")
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	if policy.DrainInterval <= 0 {
		policy.DrainInterval = DefaultPolicy().DrainInterval
	}
	err := store.Recover()
	if err != nil {
		return nil, err
	}
	return &Queue{
		store:    store,
		policy:   policy,
		cache:    c,
		reporter: reporter,
		now:      time.Now,
		random:   defaultRandom(),
		canceled: make(map[sgo.PublicKey]bool),
	}, nil
}

// Nack schedules entry after backoff(entry.Attempts).  A nack for an attempt older than
// the one in flight is ignored.
func (q *Queue) Nack(ctx context.Context, entry tx.RetryEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := entry.JobId()
	if q.canceled[job] {
		log.Debugf("dropping nack for canceled job %s", job.String())
		return nil
	}
	old, err := q.store.Get(job)
	if err == nil {
		if entry.Attempts < old.Attempts {
			return nil
		}
		if !old.Message.NonceAccount.IsZero() && entry.Message.NonceAccount.IsZero() {
			entry.Message.NonceAccount = old.Message.NonceAccount
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if entry.Attempts < 1 {
		entry.Attempts = 1
	}
	entry.InFlight = false
	entry.NextAt = q.now().Add(q.policy.Delay(entry.Attempts, q.random))
	err = q.store.Put(entry)
	if err != nil {
		return err
	}
	q.backlog()
	return nil
}

// Ack forgets the job after it was confirmed.
func (q *Queue) Ack(job sgo.PublicKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Delete(job); err != nil {
		log.Debugf("retry ack %s: %s", job.String(), err.Error())
	}
	q.backlog()
}

// Cancel drops the job and ignores further nacks for it until Resume.
func (q *Queue) Cancel(job sgo.PublicKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.canceled[job] = true
	if err := q.store.Delete(job); err != nil {
		log.Debugf("retry cancel %s: %s", job.String(), err.Error())
	}
	q.backlog()
}

func (q *Queue) Resume(job sgo.PublicKey) {
	q.mu.Lock()
	delete(q.canceled, job)
	q.mu.Unlock()
}

func (q *Queue) Canceled(job sgo.PublicKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.canceled[job]
}

func (q *Queue) Len() int {
	n, err := q.store.Len()
	if err != nil {
		return 0
	}
	return n
}

// caller holds q.mu
func (q *Queue) backlog() {
	if n, err := q.store.Len(); err == nil {
		meter.RetryBacklog.Set(float64(n))
	}
}

// Run drains due entries every DrainInterval until ctx ends.
func (q *Queue) Run(ctx context.Context, handler Handler) {
	doneC := ctx.Done()
	nextC := time.After(q.policy.DrainInterval)
out:
	for {
		select {
		case <-doneC:
			break out
		case <-nextC:
			if err := q.Drain(ctx, handler); err != nil && ctx.Err() == nil {
				log.Debugf("retry drain: %s", err.Error())
			}
			nextC = time.After(q.policy.DrainInterval)
		}
	}
}

// Drain runs every due entry once.  Entries over the attempt or age limit are reported as
// permanent failures.
func (q *Queue) Drain(ctx context.Context, handler Handler) error {
	now := q.now()
	q.mu.Lock()
	due, err := q.store.Due(now)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	for _, entry := range due {
		if ctx.Err() != nil {
			return errors.New("canceled")
		}
		entry, ok, r := q.claim(entry, now)
		if r != nil {
			q.reporter.Report(*r)
		}
		if !ok {
			continue
		}
		h, err := handler(ctx, entry)
		if err == nil {
			q.sent(entry, h)
			continue
		}
		log.Debugf("replay of job %s failed: %s", entry.JobId().String(), err.Error())
		if h.Id != uuid.Nil {
			// the submission is recorded; the monitor will resolve it
			q.sent(entry, h)
			continue
		}
		var landed *tx.Landed
		if errors.As(err, &landed) {
			q.mu.Lock()
			r := q.settle(entry, landed.Signature, q.now())
			q.mu.Unlock()
			q.reporter.Report(r)
			continue
		}
		entry.LastClass = errormsg.Classify(err)
		if entry.LastClass == errormsg.ClassPermanentFailure {
			q.mu.Lock()
			r := q.abandon(entry, entry.LastClass, q.now())
			q.mu.Unlock()
			q.reporter.Report(r)
			continue
		}
		if err2 := q.Nack(ctx, entry); err2 != nil {
			log.Debugf("failed to reschedule job %s: %s", entry.JobId().String(), err2.Error())
		}
	}
	return nil
}

// claim drops superseded, canceled and exhausted entries, and marks the rest in flight with
// the attempt count bumped.
func (q *Queue) claim(entry tx.RetryEntry, now time.Time) (tx.RetryEntry, bool, *tx.Resolution) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := entry.JobId()
	current, err := q.store.Get(job)
	if err != nil || current.InFlight || now.Before(current.NextAt) {
		return entry, false, nil
	}
	entry = current
	if q.canceled[job] {
		q.store.Delete(job)
		q.backlog()
		return entry, false, nil
	}
	if q.superseded(entry) {
		log.Debugf("job %s superseded by a newer submission", job.String())
		q.store.Delete(job)
		q.backlog()
		return entry, false, nil
	}
	if q.policy.MaxAttempts <= entry.Attempts || entry.Message.Expired(now, q.policy.MaxAge) {
		r := q.abandon(entry, entry.LastClass, now)
		return entry, false, &r
	}
	entry.Attempts++
	entry.InFlight = true
	if err = q.store.Put(entry); err != nil {
		log.Debugf("failed to mark job %s in flight: %s", job.String(), err.Error())
		return entry, false, nil
	}
	return entry, true, nil
}

// abandon removes the entry and builds its terminal resolution; caller holds q.mu.
func (q *Queue) abandon(entry tx.RetryEntry, class errormsg.Class, now time.Time) tx.Resolution {
	job := entry.JobId()
	q.store.Delete(job)
	q.backlog()
	if class == errormsg.ClassNone {
		class = errormsg.ClassPermanentFailure
	}
	r := tx.Resolution{
		JobId:      job,
		Signature:  entry.LastSignature,
		Outcome:    tx.OutcomeFailedPermanently,
		Attempts:   entry.Attempts,
		LastClass:  class,
		ResolvedAt: now,
	}
	meter.Resolutions.WithLabelValues(r.Outcome.String(), r.LastClass.String()).Inc()
	meter.ResolutionAttempts.Observe(float64(r.Attempts))
	log.Infof("job %s failed permanently after %d attempts (%s)", job.String(), r.Attempts, class.String())
	return r
}

// settle removes an entry whose previous attempt turned out to be committed; caller holds
// q.mu.  The claim already counted an attempt that was never sent, so it is taken back.
func (q *Queue) settle(entry tx.RetryEntry, sig sgo.Signature, now time.Time) tx.Resolution {
	job := entry.JobId()
	q.store.Delete(job)
	q.backlog()
	attempts := entry.Attempts - 1
	if attempts < 1 {
		attempts = 1
	}
	r := tx.Resolution{
		JobId:      job,
		Signature:  sig,
		Outcome:    tx.OutcomeConfirmed,
		Attempts:   attempts,
		LastClass:  entry.LastClass,
		ResolvedAt: now,
	}
	meter.Resolutions.WithLabelValues(r.Outcome.String(), r.LastClass.String()).Inc()
	meter.ResolutionAttempts.Observe(float64(r.Attempts))
	log.Infof("job %s confirmed late as %s after %d attempts", job.String(), sig.String(), r.Attempts)
	return r
}

func (q *Queue) sent(entry tx.RetryEntry, h tx.Handle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	current, err := q.store.Get(entry.JobId())
	if err != nil || !current.InFlight {
		return
	}
	current.LastSignature = h.Signature
	q.store.Put(current)
}

func (q *Queue) superseded(entry tx.RetryEntry) bool {
	if q.cache == nil {
		return false
	}
	latest, present := q.cache.Get(entry.JobId())
	if !present || latest.Signature == entry.LastSignature {
		return false
	}
	return latest.Status == tx.StatusPending || latest.Status == tx.StatusConfirmed
}
