// Package monitor follows pending submissions until they confirm, fail or expire.
package monitor

import (
	"context"
	"errors"
	"time"

	sgo "github.com/gagliardetto/solana-go"
	sgorpc "github.com/gagliardetto/solana-go/rpc"
	log "github.com/sirupsen/logrus"
	"github.com/solpipe/delivery/endpoint"
	"github.com/solpipe/delivery/errormsg"
	"github.com/solpipe/delivery/meter"
	"github.com/solpipe/delivery/pool"
	"github.com/solpipe/delivery/state/slot"
	"github.com/solpipe/delivery/tx"
	"github.com/solpipe/delivery/tx/cache"
)

// getSignatureStatuses accepts at most this many signatures per call
const MAX_SIGNATURES_PER_CALL = 256

type Configuration struct {
	Interval   time.Duration
	Commitment sgorpc.CommitmentType
	// durable submissions carry no block height bound, so they expire by age
	NonceTimeout time.Duration
	Retention    time.Duration
}

func DefaultConfiguration() Configuration {
	return Configuration{
		Interval:     2 * time.Second,
		Commitment:   sgorpc.CommitmentConfirmed,
		NonceTimeout: 90 * time.Second,
		Retention:    10 * time.Minute,
	}
}

// Retrier is the part of the retry queue the monitor feeds.
type Retrier interface {
	Nack(ctx context.Context, entry tx.RetryEntry) error
	Ack(job sgo.PublicKey)
}

type Monitor struct {
	p        *pool.Pool
	cache    *cache.Cache
	clock    slot.Clock
	retrier  Retrier
	reporter tx.Reporter
	config   Configuration
	now      func() time.Time
}

func Create(
	p *pool.Pool,
	c *cache.Cache,
	clock slot.Clock,
	retrier Retrier,
	reporter tx.Reporter,
	config Configuration,
) (*Monitor, error) {
	if p == nil || c == nil || retrier == nil || reporter == nil {
		return nil, errors.New("monitor needs a pool, cache, retrier and reporter")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfiguration().Interval
	}
	if len(config.Commitment) == 0 {
		config.Commitment = DefaultConfiguration().Commitment
	}
	if config.NonceTimeout <= 0 {
		config.NonceTimeout = DefaultConfiguration().NonceTimeout
	}
	if config.Retention <= 0 {
		config.Retention = DefaultConfiguration().Retention
	}
	return &Monitor{
		p: p, cache: c, clock: clock, retrier: retrier, reporter: reporter, config: config, now: time.Now,
	}, nil
}

// Run polls on every interval and on every value from snapshotC (which may be nil) until
// ctx ends.
func (m *Monitor) Run(ctx context.Context, snapshotC <-chan slot.Snapshot) {
	doneC := ctx.Done()
	nextC := time.After(m.config.Interval)
out:
	for {
		select {
		case <-doneC:
			break out
		case <-nextC:
			nextC = time.After(m.config.Interval)
		case <-snapshotC:
		}
		if err := m.Poll(ctx); err != nil && ctx.Err() == nil {
			log.Debugf("monitor poll: %s", err.Error())
		}
	}
}

// Poll runs one pass over the pending submissions.
func (m *Monitor) Poll(ctx context.Context) error {
	now := m.now()
	defer m.cache.EvictTerminalOlderThan(now, m.config.Retention)

	pending := m.cache.Pending()
	meter.PendingTransactions.Set(float64(len(pending)))
	if len(pending) == 0 {
		return nil
	}

	query := make([]tx.Submitted, 0, len(pending))
	for _, s := range pending {
		if s.SendError != nil && errormsg.Classify(s.SendError) == errormsg.ClassApplicationRejected {
			if errormsg.IsStaleBlockhash(s.SendError) {
				m.fail(ctx, s, tx.StatusExpired, errormsg.ClassExpired, now)
			} else {
				m.fail(ctx, s, tx.StatusFailed, errormsg.ClassApplicationRejected, now)
			}
			continue
		}
		// transport-level send errors stay pending: the transaction may still have landed
		query = append(query, s)
	}

	var height uint64
	heightKnown := false
	blockHeight := func() (uint64, bool) {
		if heightKnown {
			return height, true
		}
		h, err := m.blockHeight(ctx)
		if err != nil {
			log.Debugf("monitor: block height unavailable: %s", err.Error())
			return 0, false
		}
		height = h
		heightKnown = true
		return height, true
	}

	var lastErr error
	for start := 0; start < len(query); start += MAX_SIGNATURES_PER_CALL {
		end := start + MAX_SIGNATURES_PER_CALL
		if len(query) < end {
			end = len(query)
		}
		batch := query[start:end]
		statuses, err := m.statuses(ctx, batch)
		if err != nil {
			// without statuses nothing can be declared expired safely
			lastErr = err
			continue
		}
		for i, s := range batch {
			m.apply(ctx, s, statuses[i], now, blockHeight)
		}
	}
	return lastErr
}

func (m *Monitor) statuses(ctx context.Context, batch []tx.Submitted) ([]*sgorpc.SignatureStatusesResult, error) {
	sigs := make([]sgo.Signature, len(batch))
	for i := range batch {
		sigs[i] = batch[i].Signature
	}
	result, err := pool.Call(ctx, m.p, pool.KindRead, func(ctx context.Context, e *endpoint.Endpoint) (*sgorpc.GetSignatureStatusesResult, error) {
		return e.Rpc().GetSignatureStatuses(ctx, true, sigs...)
	})
	if err != nil {
		return nil, err
	}
	if result == nil || len(result.Value) != len(sigs) {
		return nil, errors.New("signature status count mismatch")
	}
	return result.Value, nil
}

func (m *Monitor) apply(
	ctx context.Context,
	s tx.Submitted,
	status *sgorpc.SignatureStatusesResult,
	now time.Time,
	blockHeight func() (uint64, bool),
) {
	if status != nil {
		if status.Err != nil {
			m.fail(ctx, s, tx.StatusFailed, errormsg.ClassApplicationRejected, now)
			return
		}
		if Reached(status, m.config.Commitment) {
			m.confirm(s, now)
		}
		return
	}
	switch s.Anchor.Kind {
	case tx.AnchorNonce:
		if m.config.NonceTimeout < now.Sub(s.SubmittedAt) {
			m.fail(ctx, s, tx.StatusExpired, errormsg.ClassExpired, now)
		}
	default:
		h, ok := blockHeight()
		if ok && s.Anchor.LastValidBlockHeight < h {
			m.fail(ctx, s, tx.StatusExpired, errormsg.ClassExpired, now)
		}
	}
}

func (m *Monitor) blockHeight(ctx context.Context) (uint64, error) {
	if m.clock != nil {
		if snap, err := m.clock.Latest(); err == nil && 0 < snap.BlockHeight {
			return snap.BlockHeight, nil
		}
	}
	return pool.Call(ctx, m.p, pool.KindRead, func(ctx context.Context, e *endpoint.Endpoint) (uint64, error) {
		return e.Rpc().GetBlockHeight(ctx, m.config.Commitment)
	})
}

func commitmentRank(c sgorpc.ConfirmationStatusType) int {
	switch c {
	case sgorpc.ConfirmationStatusFinalized:
		return 2
	case sgorpc.ConfirmationStatusConfirmed:
		return 1
	default:
		return 0
	}
}

// Reached reports whether a found signature sits at or above want.
func Reached(status *sgorpc.SignatureStatusesResult, want sgorpc.CommitmentType) bool {
	got := commitmentRank(status.ConfirmationStatus)
	// confirmations is null once the block is rooted
	if status.Confirmations == nil && len(status.ConfirmationStatus) == 0 {
		got = 2
	}
	return commitmentRank(sgorpc.ConfirmationStatusType(want)) <= got
}

func (m *Monitor) confirm(s tx.Submitted, now time.Time) {
	_, err := m.cache.UpdateStatus(s.Signature, tx.StatusConfirmed, errormsg.ClassNone, now)
	if err != nil {
		return
	}
	m.retrier.Ack(s.JobId)
	r := tx.Resolution{
		JobId:      s.JobId,
		Signature:  s.Signature,
		Outcome:    tx.OutcomeConfirmed,
		Attempts:   s.Attempts(),
		LastClass:  s.LastClass,
		ResolvedAt: now,
	}
	meter.Resolutions.WithLabelValues(r.Outcome.String(), r.LastClass.String()).Inc()
	meter.ResolutionAttempts.Observe(float64(r.Attempts))
	log.Debugf("job %s confirmed as %s after %d attempts", s.JobId.String(), s.Signature.String(), r.Attempts)
	m.reporter.Report(r)
}

func (m *Monitor) fail(ctx context.Context, s tx.Submitted, status tx.Status, class errormsg.Class, now time.Time) {
	updated, err := m.cache.UpdateStatus(s.Signature, status, class, now)
	if err != nil {
		return
	}
	log.Debugf("job %s attempt %s %s", s.JobId.String(), s.Signature.String(), status.String())
	err = m.retrier.Nack(ctx, RetryEntryFor(updated, class))
	if err != nil {
		log.Debugf("failed to queue retry for job %s: %s", s.JobId.String(), err.Error())
	}
}

// RetryEntryFor converts a failed or expired submission into a retry entry.
func RetryEntryFor(s tx.Submitted, class errormsg.Class) tx.RetryEntry {
	original := s.Original
	if original == nil {
		sig := s.Signature
		original = &sig
	}
	createdAt := s.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.SubmittedAt
	}
	dm := tx.DurableMessage{
		Message:    s.Message,
		CreatedAt:  createdAt,
		RetryCount: s.Attempts(),
		Original:   original,
	}
	if s.Anchor.Kind == tx.AnchorNonce {
		dm.NonceAccount = s.Anchor.NonceAccount
		dm.Snapshot = s.Encoded
		dm.SnapshotNonce = s.Anchor.NonceValue
		if h, err := s.Message.Hash(); err == nil {
			dm.InstructionHash = h
		}
	}
	return tx.RetryEntry{
		Message:       dm,
		Attempts:      s.Attempts(),
		LastClass:     class,
		LastSignature: s.Signature,
	}
}
