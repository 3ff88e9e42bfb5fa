package monitor_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	sgo "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/solpipe/delivery/endpoint"
	"github.com/solpipe/delivery/errormsg"
	"github.com/solpipe/delivery/pool"
	"github.com/solpipe/delivery/state/slot"
	"github.com/solpipe/delivery/test/fakerpc"
	"github.com/solpipe/delivery/tx"
	"github.com/solpipe/delivery/tx/cache"
	"github.com/solpipe/delivery/tx/monitor"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu          sync.Mutex
	nacks       []tx.RetryEntry
	acks        []sgo.PublicKey
	resolutions []tx.Resolution
}

func (r *recorder) Nack(ctx context.Context, entry tx.RetryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nacks = append(r.nacks, entry)
	return nil
}

func (r *recorder) Ack(job sgo.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, job)
}

func (r *recorder) Report(res tx.Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolutions = append(r.resolutions, res)
}

type fixture struct {
	server   *fakerpc.Server
	cache    *cache.Cache
	recorder *recorder
	monitor  *monitor.Monitor
	statuses map[sgo.Signature]*fakerpc.SignatureStatus
	mu       sync.Mutex
}

func setup(t *testing.T, height uint64) *fixture {
	f := &fixture{
		server:   fakerpc.Start(),
		cache:    cache.Create(),
		recorder: new(recorder),
		statuses: make(map[sgo.Signature]*fakerpc.SignatureStatus),
	}
	t.Cleanup(f.server.Close)
	f.server.Handle("getSignatureStatuses", fakerpc.SignatureStatuses(func(sig sgo.Signature) *fakerpc.SignatureStatus {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.statuses[sig]
	}))
	e, err := endpoint.Create(endpoint.Configuration{Name: "a", RpcUrl: f.server.URL, RateCapacity: 1000})
	require.NoError(t, err)
	p, err := pool.Create(pool.DefaultConfiguration(), []*endpoint.Endpoint{e})
	require.NoError(t, err)
	clock := slot.Fixed{Slot: 500, BlockHeight: height, Blockhash: sgo.Hash{1}, LastValidBlockHeight: height + 150, ObservedAt: time.Now()}
	f.monitor, err = monitor.Create(p, f.cache, clock, f.recorder, f.recorder, monitor.Configuration{
		Interval:     time.Hour,
		NonceTimeout: time.Minute,
		Retention:    time.Hour,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) setStatus(sig sgo.Signature, status *fakerpc.SignatureStatus) {
	f.mu.Lock()
	f.statuses[sig] = status
	f.mu.Unlock()
}

func (f *fixture) insert(t *testing.T, anchor tx.Anchor, submittedAt time.Time) tx.Submitted {
	var sig sgo.Signature
	id := uuid.New()
	copy(sig[:], id[:])
	s, ok := f.cache.Insert(tx.Submitted{
		Id:          id,
		Signature:   sig,
		JobId:       sgo.NewWallet().PublicKey(),
		Anchor:      anchor,
		SubmittedAt: submittedAt,
		CreatedAt:   submittedAt,
	})
	require.True(t, ok)
	return s
}

func TestConfirmedEmitsResolution(t *testing.T) {
	f := setup(t, 100)
	s := f.insert(t, tx.Anchor{LastValidBlockHeight: 200}, time.Now())
	one := uint64(1)
	f.setStatus(s.Signature, &fakerpc.SignatureStatus{Slot: 10, Confirmations: &one, ConfirmationStatus: "confirmed"})

	require.NoError(t, f.monitor.Poll(context.Background()))
	got, _ := f.cache.GetBySignature(s.Signature)
	require.Equal(t, tx.StatusConfirmed, got.Status)
	require.Len(t, f.recorder.resolutions, 1)
	require.Equal(t, tx.OutcomeConfirmed, f.recorder.resolutions[0].Outcome)
	require.Equal(t, 1, f.recorder.resolutions[0].Attempts)
	require.Equal(t, []sgo.PublicKey{s.JobId}, f.recorder.acks)

	// confirmed is final
	require.NoError(t, f.monitor.Poll(context.Background()))
	require.Len(t, f.recorder.resolutions, 1)
}

func TestProcessedIsNotEnough(t *testing.T) {
	f := setup(t, 100)
	s := f.insert(t, tx.Anchor{LastValidBlockHeight: 200}, time.Now())
	one := uint64(0)
	f.setStatus(s.Signature, &fakerpc.SignatureStatus{Slot: 10, Confirmations: &one, ConfirmationStatus: "processed"})
	require.NoError(t, f.monitor.Poll(context.Background()))
	got, _ := f.cache.GetBySignature(s.Signature)
	require.Equal(t, tx.StatusPending, got.Status)
}

func TestStaleBlockhashRejectionExpires(t *testing.T) {
	f := setup(t, 100)
	s := f.insert(t, tx.Anchor{LastValidBlockHeight: 200}, time.Now())
	rejected := errormsg.Wrap(errormsg.ClassApplicationRejected, errors.New("Transaction simulation failed: Blockhash not found"))
	require.NoError(t, f.cache.MarkSendError(s.Signature, rejected))

	require.NoError(t, f.monitor.Poll(context.Background()))
	got, _ := f.cache.GetBySignature(s.Signature)
	require.Equal(t, tx.StatusExpired, got.Status)
	require.Len(t, f.recorder.nacks, 1)
	entry := f.recorder.nacks[0]
	require.Equal(t, 1, entry.Attempts)
	require.Equal(t, errormsg.ClassExpired, entry.LastClass)
	require.Equal(t, s.Signature, *entry.Message.Original)
	require.Equal(t, 0, f.server.Calls("getSignatureStatuses"))
}

func TestOtherRejectionFails(t *testing.T) {
	f := setup(t, 100)
	s := f.insert(t, tx.Anchor{LastValidBlockHeight: 200}, time.Now())
	require.NoError(t, f.cache.MarkSendError(s.Signature, errormsg.Wrap(errormsg.ClassApplicationRejected, errors.New("insufficient funds"))))
	require.NoError(t, f.monitor.Poll(context.Background()))
	got, _ := f.cache.GetBySignature(s.Signature)
	require.Equal(t, tx.StatusFailed, got.Status)
	require.Equal(t, errormsg.ClassApplicationRejected, f.recorder.nacks[0].LastClass)
}

func TestTransportSendErrorStaysPending(t *testing.T) {
	f := setup(t, 100)
	s := f.insert(t, tx.Anchor{LastValidBlockHeight: 200}, time.Now())
	require.NoError(t, f.cache.MarkSendError(s.Signature, errormsg.Wrap(errormsg.ClassAllEndpointsUnavailable, nil)))
	require.NoError(t, f.monitor.Poll(context.Background()))
	got, _ := f.cache.GetBySignature(s.Signature)
	require.Equal(t, tx.StatusPending, got.Status)
	require.Empty(t, f.recorder.nacks)
}

func TestBlockhashWindowLapse(t *testing.T) {
	f := setup(t, 300)
	lapsed := f.insert(t, tx.Anchor{LastValidBlockHeight: 299}, time.Now())
	live := f.insert(t, tx.Anchor{LastValidBlockHeight: 300}, time.Now())

	require.NoError(t, f.monitor.Poll(context.Background()))
	got, _ := f.cache.GetBySignature(lapsed.Signature)
	require.Equal(t, tx.StatusExpired, got.Status)
	got, _ = f.cache.GetBySignature(live.Signature)
	require.Equal(t, tx.StatusPending, got.Status)
	require.Len(t, f.recorder.nacks, 1)
}

func TestOnChainErrorFails(t *testing.T) {
	f := setup(t, 100)
	s := f.insert(t, tx.Anchor{LastValidBlockHeight: 200}, time.Now())
	f.setStatus(s.Signature, &fakerpc.SignatureStatus{Slot: 10, Err: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}, ConfirmationStatus: "confirmed"})
	require.NoError(t, f.monitor.Poll(context.Background()))
	got, _ := f.cache.GetBySignature(s.Signature)
	require.Equal(t, tx.StatusFailed, got.Status)
}

func TestNonceTimeout(t *testing.T) {
	f := setup(t, 100)
	nonceAccount := sgo.NewWallet().PublicKey()
	old := f.insert(t, tx.Anchor{Kind: tx.AnchorNonce, NonceAccount: nonceAccount, NonceValue: sgo.Hash{2}}, time.Now().Add(-2*time.Minute))
	fresh := f.insert(t, tx.Anchor{Kind: tx.AnchorNonce, NonceAccount: nonceAccount, NonceValue: sgo.Hash{2}}, time.Now())

	require.NoError(t, f.monitor.Poll(context.Background()))
	got, _ := f.cache.GetBySignature(old.Signature)
	require.Equal(t, tx.StatusExpired, got.Status)
	got, _ = f.cache.GetBySignature(fresh.Signature)
	require.Equal(t, tx.StatusPending, got.Status)
	require.Equal(t, nonceAccount, f.recorder.nacks[0].Message.NonceAccount)
	require.Equal(t, sgo.Hash{2}, f.recorder.nacks[0].Message.SnapshotNonce)
}

func TestStatusUnavailableKeepsPending(t *testing.T) {
	f := setup(t, 300)
	s := f.insert(t, tx.Anchor{LastValidBlockHeight: 100}, time.Now())
	f.server.FailWith(http.StatusServiceUnavailable)
	require.Error(t, f.monitor.Poll(context.Background()))
	got, _ := f.cache.GetBySignature(s.Signature)
	require.Equal(t, tx.StatusPending, got.Status)
}
