package replay_test

import (
	"context"
	"testing"
	"time"

	sgo "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/solpipe/delivery/endpoint"
	"github.com/solpipe/delivery/errormsg"
	"github.com/solpipe/delivery/pool"
	"github.com/solpipe/delivery/test/fakerpc"
	"github.com/solpipe/delivery/tx"
	"github.com/solpipe/delivery/tx/replay"
	"github.com/stretchr/testify/require"
)

type captureSubmitter struct {
	dm    tx.DurableMessage
	nonce sgo.Hash
}

func (c *captureSubmitter) SubmitDurable(ctx context.Context, dm tx.DurableMessage, nonce sgo.Hash) (tx.Handle, error) {
	c.dm = dm
	c.nonce = nonce
	return tx.Handle{Id: uuid.New(), JobId: dm.Message.JobId}, nil
}

func TestNonceLayout(t *testing.T) {
	na := replay.NonceAccount{
		Version:              1,
		State:                1,
		Authority:            sgo.NewWallet().PublicKey(),
		Nonce:                sgo.Hash{9, 9},
		LamportsPerSignature: 5000,
	}
	data := replay.EncodeNonceAccount(na)
	require.Len(t, data, replay.NONCE_ACCOUNT_SIZE)
	got, err := replay.DecodeNonceAccount(data)
	require.NoError(t, err)
	require.Equal(t, na, *got)

	na.State = 0
	_, err = replay.DecodeNonceAccount(replay.EncodeNonceAccount(na))
	require.Error(t, err)
	_, err = replay.DecodeNonceAccount(data[:40])
	require.Error(t, err)
}

func TestNoncePool(t *testing.T) {
	a := sgo.NewWallet().PublicKey()
	np := replay.CreateNoncePool([]sgo.PublicKey{a})
	job1 := sgo.NewWallet().PublicKey()
	job2 := sgo.NewWallet().PublicKey()

	got, err := np.Acquire(job1)
	require.NoError(t, err)
	require.Equal(t, a, got)
	again, err := np.Acquire(job1)
	require.NoError(t, err)
	require.Equal(t, a, again)

	_, err = np.Acquire(job2)
	require.ErrorIs(t, err, replay.ErrNoNonce)

	np.Release(job1)
	require.Equal(t, 1, np.Available())
	got, err = np.Acquire(job2)
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func setup(t *testing.T, authority sgo.PublicKey, nonce sgo.Hash) (*pool.Pool, sgo.PublicKey) {
	p, nonceAccount, _ := setupServer(t, authority, nonce)
	return p, nonceAccount
}

func setupServer(t *testing.T, authority sgo.PublicKey, nonce sgo.Hash) (*pool.Pool, sgo.PublicKey, *fakerpc.Server) {
	s := fakerpc.Start()
	t.Cleanup(s.Close)
	nonceAccount := sgo.NewWallet().PublicKey()
	s.Handle("getAccountInfo", fakerpc.Account(replay.EncodeNonceAccount(replay.NonceAccount{
		Version:              1,
		State:                1,
		Authority:            authority,
		Nonce:                nonce,
		LamportsPerSignature: 5000,
	}), sgo.SystemProgramID, 1447680))
	e, err := endpoint.Create(endpoint.Configuration{Name: "a", RpcUrl: s.URL})
	require.NoError(t, err)
	p, err := pool.Create(pool.DefaultConfiguration(), []*endpoint.Endpoint{e})
	require.NoError(t, err)
	return p, nonceAccount, s
}

func TestReplayAnchorsToCurrentNonce(t *testing.T) {
	signer := sgo.NewWallet().PublicKey()
	p, nonceAccount := setup(t, signer, sgo.Hash{6})
	sub := new(captureSubmitter)
	np := replay.CreateNoncePool([]sgo.PublicKey{nonceAccount})
	c, err := replay.Create(p, sub, np, "")
	require.NoError(t, err)

	job := sgo.NewWallet().PublicKey()
	_, err = c.Replay(context.Background(), tx.RetryEntry{
		Message: tx.DurableMessage{
			Message:   tx.Message{JobId: job, Signer: signer},
			CreatedAt: time.Now(),
		},
		Attempts: 2,
	})
	require.NoError(t, err)
	require.Equal(t, sgo.Hash{6}, sub.nonce)
	require.Equal(t, nonceAccount, sub.dm.NonceAccount)
	require.Equal(t, 1, sub.dm.RetryCount)
	require.Equal(t, 0, np.Available())

	c.Release(job)
	require.Equal(t, 1, np.Available())
}

func TestReplayRejectsForeignAuthority(t *testing.T) {
	p, nonceAccount := setup(t, sgo.NewWallet().PublicKey(), sgo.Hash{6})
	c, err := replay.Create(p, new(captureSubmitter), replay.CreateNoncePool([]sgo.PublicKey{nonceAccount}), "")
	require.NoError(t, err)
	_, err = c.Replay(context.Background(), tx.RetryEntry{
		Message:  tx.DurableMessage{Message: tx.Message{JobId: sgo.NewWallet().PublicKey(), Signer: sgo.NewWallet().PublicKey()}},
		Attempts: 2,
	})
	require.ErrorIs(t, err, errormsg.ErrPermanentFailure)
}

func TestReplaySkipsLateLandedAttempt(t *testing.T) {
	signer := sgo.NewWallet().PublicKey()
	p, nonceAccount, s := setupServer(t, signer, sgo.Hash{7})
	prior := sgo.Signature{3, 3}
	s.Handle("getSignatureStatuses", fakerpc.SignatureStatuses(func(sig sgo.Signature) *fakerpc.SignatureStatus {
		if sig != prior {
			return nil
		}
		return &fakerpc.SignatureStatus{Slot: 90, ConfirmationStatus: "finalized"}
	}))
	sub := new(captureSubmitter)
	c, err := replay.Create(p, sub, replay.CreateNoncePool([]sgo.PublicKey{nonceAccount}), "")
	require.NoError(t, err)

	_, err = c.Replay(context.Background(), tx.RetryEntry{
		Message: tx.DurableMessage{
			Message:       tx.Message{JobId: sgo.NewWallet().PublicKey(), Signer: signer},
			NonceAccount:  nonceAccount,
			SnapshotNonce: sgo.Hash{6},
			CreatedAt:     time.Now(),
		},
		Attempts:      2,
		LastSignature: prior,
	})
	var landed *tx.Landed
	require.ErrorAs(t, err, &landed)
	require.Equal(t, prior, landed.Signature)
	require.True(t, sub.nonce.IsZero())
	require.Equal(t, 1, s.Calls("getSignatureStatuses"))
}

func TestReplayRebuildsAfterFailedAttempt(t *testing.T) {
	signer := sgo.NewWallet().PublicKey()
	p, nonceAccount, s := setupServer(t, signer, sgo.Hash{7})
	s.Handle("getSignatureStatuses", fakerpc.SignatureStatuses(func(sig sgo.Signature) *fakerpc.SignatureStatus {
		return &fakerpc.SignatureStatus{
			Slot:               90,
			Err:                map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}},
			ConfirmationStatus: "finalized",
		}
	}))
	sub := new(captureSubmitter)
	c, err := replay.Create(p, sub, replay.CreateNoncePool([]sgo.PublicKey{nonceAccount}), "")
	require.NoError(t, err)

	_, err = c.Replay(context.Background(), tx.RetryEntry{
		Message: tx.DurableMessage{
			Message:       tx.Message{JobId: sgo.NewWallet().PublicKey(), Signer: signer},
			NonceAccount:  nonceAccount,
			SnapshotNonce: sgo.Hash{6},
			CreatedAt:     time.Now(),
		},
		Attempts:      2,
		LastSignature: sgo.Signature{3, 3},
	})
	require.NoError(t, err)
	require.Equal(t, sgo.Hash{7}, sub.nonce)
}

func TestReplayWaitsOnUnconfirmedAttempt(t *testing.T) {
	signer := sgo.NewWallet().PublicKey()
	p, nonceAccount, s := setupServer(t, signer, sgo.Hash{7})
	s.Handle("getSignatureStatuses", fakerpc.SignatureStatuses(func(sig sgo.Signature) *fakerpc.SignatureStatus {
		one := uint64(1)
		return &fakerpc.SignatureStatus{Slot: 90, Confirmations: &one, ConfirmationStatus: "processed"}
	}))
	sub := new(captureSubmitter)
	c, err := replay.Create(p, sub, replay.CreateNoncePool([]sgo.PublicKey{nonceAccount}), "")
	require.NoError(t, err)

	h, err := c.Replay(context.Background(), tx.RetryEntry{
		Message: tx.DurableMessage{
			Message:       tx.Message{JobId: sgo.NewWallet().PublicKey(), Signer: signer},
			NonceAccount:  nonceAccount,
			SnapshotNonce: sgo.Hash{6},
			CreatedAt:     time.Now(),
		},
		Attempts:      2,
		LastSignature: sgo.Signature{3, 3},
	})
	require.ErrorIs(t, err, errormsg.ErrTransport)
	require.Equal(t, uuid.Nil, h.Id)
	require.True(t, sub.nonce.IsZero())
}
