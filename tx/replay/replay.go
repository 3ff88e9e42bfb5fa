// Package replay resubmits retried jobs anchored to durable nonces, so a job keeps its
// place through any amount of blockhash expiry.
package replay

import (
	"context"
	"errors"
	"fmt"

	sgo "github.com/gagliardetto/solana-go"
	sgorpc "github.com/gagliardetto/solana-go/rpc"
	log "github.com/sirupsen/logrus"
	"github.com/solpipe/delivery/endpoint"
	"github.com/solpipe/delivery/errormsg"
	"github.com/solpipe/delivery/pool"
	"github.com/solpipe/delivery/tx"
	"github.com/solpipe/delivery/tx/monitor"
)

// Submitter is the durable half of the transaction submitter.
type Submitter interface {
	SubmitDurable(ctx context.Context, dm tx.DurableMessage, nonce sgo.Hash) (tx.Handle, error)
}

type Consumer struct {
	p          *pool.Pool
	submitter  Submitter
	nonces     NonceProvider
	commitment sgorpc.CommitmentType
}

func Create(p *pool.Pool, submitter Submitter, nonces NonceProvider, commitment sgorpc.CommitmentType) (*Consumer, error) {
	if p == nil || submitter == nil || nonces == nil {
		return nil, errors.New("replay needs a pool, submitter and nonce provider")
	}
	if len(commitment) == 0 {
		commitment = sgorpc.CommitmentConfirmed
	}
	return &Consumer{p: p, submitter: submitter, nonces: nonces, commitment: commitment}, nil
}

// Replay is a retry.Handler.  entry.Attempts already counts this submission.
func (c *Consumer) Replay(ctx context.Context, entry tx.RetryEntry) (tx.Handle, error) {
	dm := entry.Message
	job := dm.Message.JobId
	if dm.NonceAccount.IsZero() {
		account, err := c.nonces.Acquire(job)
		if err != nil {
			return tx.Handle{}, err
		}
		dm.NonceAccount = account
	}
	nonce, err := c.CurrentNonce(ctx, dm.NonceAccount)
	if err != nil {
		return tx.Handle{}, err
	}
	if !nonce.Authority.Equals(dm.Message.Signer) {
		return tx.Handle{}, errormsg.Wrap(errormsg.ClassPermanentFailure, fmt.Errorf(
			"nonce %s is controlled by %s, not %s",
			dm.NonceAccount.String(), nonce.Authority.String(), dm.Message.Signer.String(),
		))
	}
	// a durable attempt stays valid until its nonce moves, so a moved nonce may mean the
	// attempt written off as expired did land after all
	if !dm.SnapshotNonce.IsZero() && !dm.SnapshotNonce.Equals(nonce.Nonce) && !entry.LastSignature.IsZero() {
		landed, err := c.landed(ctx, entry.LastSignature)
		if err != nil {
			return tx.Handle{}, err
		}
		if landed {
			log.Infof("job %s: attempt %s landed late; not replaying", job.String(), entry.LastSignature.String())
			return tx.Handle{}, &tx.Landed{Signature: entry.LastSignature}
		}
	}
	dm.RetryCount = entry.Attempts - 1
	if dm.RetryCount < 0 {
		dm.RetryCount = 0
	}
	log.Debugf("replaying job %s (attempt %d) on nonce %s", job.String(), entry.Attempts, dm.NonceAccount.String())
	return c.submitter.SubmitDurable(ctx, dm, nonce.Nonce)
}

// landed looks the signature up in the full transaction history.  A transaction that
// failed on chain did not run its instructions and counts as not landed.  One that is
// found but below the commitment is reported as a transport error so the entry waits.
func (c *Consumer) landed(ctx context.Context, sig sgo.Signature) (bool, error) {
	result, err := pool.Call(ctx, c.p, pool.KindRead, func(ctx context.Context, e *endpoint.Endpoint) (*sgorpc.GetSignatureStatusesResult, error) {
		return e.Rpc().GetSignatureStatuses(ctx, true, sig)
	})
	if err != nil {
		return false, err
	}
	if result == nil || len(result.Value) != 1 {
		return false, errormsg.Wrap(errormsg.ClassTransport, errors.New("signature status count mismatch"))
	}
	status := result.Value[0]
	switch {
	case status == nil:
		return false, nil
	case status.Err != nil:
		return false, nil
	case monitor.Reached(status, c.commitment):
		return true, nil
	default:
		return false, errormsg.Wrap(errormsg.ClassTransport, fmt.Errorf("attempt %s found below %s", sig.String(), c.commitment))
	}
}

// CurrentNonce reads a nonce account through the pool.
func (c *Consumer) CurrentNonce(ctx context.Context, account sgo.PublicKey) (*NonceAccount, error) {
	info, err := pool.GetAccountInfo(ctx, c.p, account, string(c.commitment))
	if err != nil {
		return nil, err
	}
	data, err := info.Bytes()
	if err != nil {
		return nil, err
	}
	return DecodeNonceAccount(data)
}

// Release returns the job's nonce account to the provider once the job is resolved.
func (c *Consumer) Release(job sgo.PublicKey) {
	c.nonces.Release(job)
}
