// Package submit signs and sends transactions through the pool and records them in the
// cache for the monitor to follow.
package submit

import (
	"context"
	"errors"
	"time"

	sgo "github.com/gagliardetto/solana-go"
	sgorpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/solpipe/delivery/endpoint"
	"github.com/solpipe/delivery/errormsg"
	"github.com/solpipe/delivery/meter"
	"github.com/solpipe/delivery/pool"
	"github.com/solpipe/delivery/script"
	"github.com/solpipe/delivery/state/slot"
	"github.com/solpipe/delivery/tx"
	"github.com/solpipe/delivery/tx/cache"
)

type Configuration struct {
	SkipPreflight       bool
	PreflightCommitment sgorpc.CommitmentType
	// passed to the rpc node; nil leaves the node default
	MaxRetries *uint
	Tpu        TpuConfiguration
}

func DefaultConfiguration() Configuration {
	return Configuration{
		SkipPreflight:       false,
		PreflightCommitment: sgorpc.CommitmentProcessed,
		Tpu:                 DefaultTpuConfiguration(),
	}
}

type Submitter struct {
	p       *pool.Pool
	cache   *cache.Cache
	clock   slot.Clock
	builder script.Builder
	config  Configuration
	tpu     *Tpu
	now     func() time.Time
}

// Create wires a submitter.  clock may be nil, in which case every blockhash anchored
// submission fetches a fresh blockhash through the pool.
func Create(
	p *pool.Pool,
	c *cache.Cache,
	clock slot.Clock,
	builder script.Builder,
	config Configuration,
) (*Submitter, error) {
	if p == nil || c == nil || builder == nil {
		return nil, errors.New("submitter needs a pool, cache and builder")
	}
	e1 := &Submitter{
		p: p, cache: c, clock: clock, builder: builder, config: config, now: time.Now,
	}
	if config.Tpu.Enabled {
		t, err := CreateTpu(p, clock, config.Tpu)
		if err != nil {
			return nil, err
		}
		e1.tpu = t
	}
	return e1, nil
}

func (e1 *Submitter) Close() {
	if e1.tpu != nil {
		e1.tpu.Close()
	}
}

// Submit sends msg anchored at the latest blockhash.  A job that already has a pending
// submission gets that submission's handle back and nothing is sent.
func (e1 *Submitter) Submit(ctx context.Context, msg tx.Message) (tx.Handle, error) {
	err := msg.Validate()
	if err != nil {
		return tx.Handle{}, errormsg.Wrap(errormsg.ClassPermanentFailure, err)
	}
	if s, present := e1.cache.Get(msg.JobId); present && s.Status == tx.StatusPending {
		return s.Handle(), nil
	}
	anchor, err := e1.anchor(ctx)
	if err != nil {
		return tx.Handle{}, err
	}
	built, err := e1.builder.Build(msg, anchor)
	if err != nil {
		return tx.Handle{}, errormsg.Wrap(errormsg.ClassPermanentFailure, err)
	}
	return e1.send(ctx, msg, anchor, built, e1.now(), 0, nil)
}

// SubmitDurable sends a replay anchored at nonce, reusing the stored snapshot when the
// instructions and nonce value are unchanged.
func (e1 *Submitter) SubmitDurable(ctx context.Context, dm tx.DurableMessage, nonce sgo.Hash) (tx.Handle, error) {
	err := dm.Message.Validate()
	if err != nil {
		return tx.Handle{}, errormsg.Wrap(errormsg.ClassPermanentFailure, err)
	}
	if s, present := e1.cache.Get(dm.Message.JobId); present && s.Status == tx.StatusPending {
		return s.Handle(), nil
	}
	anchor := tx.Anchor{Kind: tx.AnchorNonce, NonceAccount: dm.NonceAccount, NonceValue: nonce}
	var built *sgo.Transaction
	if dm.SnapshotValid(nonce) {
		built, err = script.Decode(dm.Snapshot)
		if err != nil {
			log.Debugf("discarding snapshot for job %s: %s", dm.Message.JobId.String(), err.Error())
			built = nil
		}
	}
	if built == nil {
		built, err = e1.builder.Build(dm.Message, anchor)
		if err != nil {
			return tx.Handle{}, errormsg.Wrap(errormsg.ClassPermanentFailure, err)
		}
	}
	createdAt := dm.CreatedAt
	if createdAt.IsZero() {
		createdAt = e1.now()
	}
	return e1.send(ctx, dm.Message, anchor, built, createdAt, dm.RetryCount, dm.Original)
}

func (e1 *Submitter) anchor(ctx context.Context) (tx.Anchor, error) {
	var s slot.Snapshot
	var err error
	if e1.clock != nil {
		s, err = e1.clock.Latest()
	}
	if e1.clock == nil || err != nil || !s.HasBlockhash() {
		s, err = slot.Fetch(ctx, e1.p, sgorpc.CommitmentConfirmed)
		if err != nil {
			return tx.Anchor{}, err
		}
	}
	return tx.Anchor{
		Kind:                 tx.AnchorBlockhash,
		Blockhash:            s.Blockhash,
		LastValidBlockHeight: s.LastValidBlockHeight,
	}, nil
}

func (e1 *Submitter) send(
	ctx context.Context,
	msg tx.Message,
	anchor tx.Anchor,
	built *sgo.Transaction,
	createdAt time.Time,
	retryCount int,
	original *sgo.Signature,
) (tx.Handle, error) {
	if len(built.Signatures) == 0 {
		return tx.Handle{}, errormsg.Wrap(errormsg.ClassPermanentFailure, errors.New("unsigned transaction"))
	}
	wire, err := built.MarshalBinary()
	if err != nil {
		return tx.Handle{}, errormsg.Wrap(errormsg.ClassPermanentFailure, err)
	}
	encoded, err := script.Encode(built)
	if err != nil {
		return tx.Handle{}, errormsg.Wrap(errormsg.ClassPermanentFailure, err)
	}
	sig := built.Signatures[0]
	s, created := e1.cache.Insert(tx.Submitted{
		Id:          uuid.New(),
		Signature:   sig,
		JobId:       msg.JobId,
		Anchor:      anchor,
		SubmittedAt: e1.now(),
		CreatedAt:   createdAt,
		RetryCount:  retryCount,
		Original:    original,
		Message:     msg,
		Encoded:     encoded,
	})
	if !created {
		return s.Handle(), nil
	}
	path := "rpc"
	if anchor.Kind == tx.AnchorNonce {
		path = "durable"
	}

	if e1.tpu != nil {
		go e1.tpu.Forward(wire)
	}

	err = e1.p.Do(ctx, pool.KindWrite, func(ctx context.Context, e *endpoint.Endpoint) error {
		got, err2 := e.Rpc().SendTransactionWithOpts(ctx, built, sgorpc.TransactionOpts{
			SkipPreflight:       e1.config.SkipPreflight,
			PreflightCommitment: e1.config.PreflightCommitment,
			MaxRetries:          e1.config.MaxRetries,
		})
		if err2 == nil && !got.Equals(sig) {
			log.Debugf("endpoint %s echoed signature %s for %s", e.Name(), got.String(), sig.String())
		}
		return err2
	})
	if err != nil {
		meter.Submissions.WithLabelValues(path, errormsg.Classify(err).String()).Inc()
		if err2 := e1.cache.MarkSendError(sig, err); err2 != nil {
			log.Debugf("failed to record send error for %s: %s", sig.String(), err2.Error())
		}
		return s.Handle(), err
	}
	meter.Submissions.WithLabelValues(path, "ok").Inc()
	log.Debugf("job %s sent as %s (retry %d)", msg.JobId.String(), sig.String(), retryCount)
	return s.Handle(), nil
}
