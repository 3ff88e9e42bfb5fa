package submit_test

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sgo "github.com/gagliardetto/solana-go"
	sgosys "github.com/gagliardetto/solana-go/programs/system"
	"github.com/solpipe/delivery/endpoint"
	"github.com/solpipe/delivery/errormsg"
	"github.com/solpipe/delivery/pool"
	"github.com/solpipe/delivery/script"
	"github.com/solpipe/delivery/state/slot"
	"github.com/solpipe/delivery/test/fakerpc"
	"github.com/solpipe/delivery/tx"
	"github.com/solpipe/delivery/tx/cache"
	"github.com/solpipe/delivery/tx/submit"
	"github.com/stretchr/testify/require"
)

type countingBuilder struct {
	inner script.Builder
	n     atomic.Int32
}

func (b *countingBuilder) Build(msg tx.Message, anchor tx.Anchor) (*sgo.Transaction, error) {
	b.n.Add(1)
	return b.inner.Build(msg, anchor)
}

type fixture struct {
	server  *fakerpc.Server
	pool    *pool.Pool
	cache   *cache.Cache
	key     sgo.PrivateKey
	builder *countingBuilder
	clock   slot.Clock
}

func setup(t *testing.T) *fixture {
	s := fakerpc.Start()
	t.Cleanup(s.Close)
	e, err := endpoint.Create(endpoint.Configuration{Name: "a", RpcUrl: s.URL, RateCapacity: 1000})
	require.NoError(t, err)
	p, err := pool.Create(pool.DefaultConfiguration(), []*endpoint.Endpoint{e})
	require.NoError(t, err)
	key := sgo.NewWallet().PrivateKey
	return &fixture{
		server:  s,
		pool:    p,
		cache:   cache.Create(),
		key:     key,
		builder: &countingBuilder{inner: script.CreateKeyBuilder(key)},
		clock: slot.Fixed{
			Slot:                 100,
			BlockHeight:          90,
			Blockhash:            sgo.Hash{4},
			LastValidBlockHeight: 240,
			ObservedAt:           time.Now(),
		},
	}
}

func (f *fixture) message(t *testing.T) tx.Message {
	ins, err := tx.FromInstruction(sgosys.NewTransferInstruction(1, f.key.PublicKey(), sgo.NewWallet().PublicKey()).Build())
	require.NoError(t, err)
	return tx.Message{JobId: sgo.NewWallet().PublicKey(), Signer: f.key.PublicKey(), Instructions: []tx.Instruction{ins}}
}

func (f *fixture) submitter(t *testing.T, config submit.Configuration) *submit.Submitter {
	s, err := submit.Create(f.pool, f.cache, f.clock, f.builder, config)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSubmitRecordsPending(t *testing.T) {
	f := setup(t)
	var sent []*sgo.Transaction
	var mu sync.Mutex
	f.server.Handle("sendTransaction", fakerpc.AcceptTransactions(func(t *sgo.Transaction) {
		mu.Lock()
		sent = append(sent, t)
		mu.Unlock()
	}))
	s := f.submitter(t, submit.DefaultConfiguration())
	msg := f.message(t)

	h, err := s.Submit(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, msg.JobId, h.JobId)
	require.Len(t, sent, 1)
	require.Equal(t, h.Signature, sent[0].Signatures[0])
	require.Equal(t, sgo.Hash{4}, sent[0].Message.RecentBlockhash)

	entry, present := f.cache.Get(msg.JobId)
	require.True(t, present)
	require.Equal(t, tx.StatusPending, entry.Status)
	require.Equal(t, uint64(240), entry.Anchor.LastValidBlockHeight)
	require.NotEmpty(t, entry.Encoded)

	again, err := s.Submit(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, h.Id, again.Id)
	require.Equal(t, 1, f.server.Calls("sendTransaction"))
}

func TestConcurrentSubmitSendsOnce(t *testing.T) {
	f := setup(t)
	f.server.Handle("sendTransaction", fakerpc.AcceptTransactions(nil))
	s := f.submitter(t, submit.DefaultConfiguration())
	msg := f.message(t)

	var wg sync.WaitGroup
	handles := make([]tx.Handle, 8)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := s.Submit(context.Background(), msg)
			require.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()
	for _, h := range handles {
		require.Equal(t, handles[0].Id, h.Id)
	}
	require.Equal(t, 1, f.cache.Len())
	require.Equal(t, 1, f.server.Calls("sendTransaction"))
}

func TestSubmitRecordsRejection(t *testing.T) {
	f := setup(t)
	f.server.Handle("sendTransaction", fakerpc.Fail(-32002, "Transaction simulation failed: Blockhash not found"))
	s := f.submitter(t, submit.DefaultConfiguration())
	msg := f.message(t)

	h, err := s.Submit(context.Background(), msg)
	require.Error(t, err)
	require.Equal(t, errormsg.ClassApplicationRejected, errormsg.Classify(err))

	entry, present := f.cache.GetBySignature(h.Signature)
	require.True(t, present)
	require.Equal(t, tx.StatusPending, entry.Status)
	require.True(t, errormsg.IsStaleBlockhash(entry.SendError))
	require.Equal(t, errormsg.ClassApplicationRejected, entry.LastClass)
}

func TestSubmitFetchesBlockhashWithoutClock(t *testing.T) {
	f := setup(t)
	f.clock = nil
	f.server.Handle("getLatestBlockhash", fakerpc.LatestBlockhash(sgo.Hash{8}, 400))
	f.server.Handle("sendTransaction", fakerpc.AcceptTransactions(nil))
	s := f.submitter(t, submit.DefaultConfiguration())
	msg := f.message(t)

	_, err := s.Submit(context.Background(), msg)
	require.NoError(t, err)
	entry, _ := f.cache.Get(msg.JobId)
	require.Equal(t, sgo.Hash{8}, entry.Anchor.Blockhash)
	require.Equal(t, uint64(400), entry.Anchor.LastValidBlockHeight)
}

func TestSubmitDurableReusesSnapshot(t *testing.T) {
	f := setup(t)
	f.server.Handle("sendTransaction", fakerpc.AcceptTransactions(nil))
	s := f.submitter(t, submit.DefaultConfiguration())
	msg := f.message(t)
	nonceAccount := sgo.NewWallet().PublicKey()
	nonce := sgo.Hash{5}

	built, err := f.builder.inner.Build(msg, tx.Anchor{Kind: tx.AnchorNonce, NonceAccount: nonceAccount, NonceValue: nonce})
	require.NoError(t, err)
	encoded, err := script.Encode(built)
	require.NoError(t, err)
	hash, err := msg.Hash()
	require.NoError(t, err)
	original := sgo.Signature{1}

	dm := tx.DurableMessage{
		Message:         msg,
		NonceAccount:    nonceAccount,
		CreatedAt:       time.Now(),
		RetryCount:      1,
		Snapshot:        encoded,
		SnapshotNonce:   nonce,
		InstructionHash: hash,
		Original:        &original,
	}
	h, err := s.SubmitDurable(context.Background(), dm, nonce)
	require.NoError(t, err)
	require.Equal(t, built.Signatures[0], h.Signature)
	require.Equal(t, int32(0), f.builder.n.Load())

	entry, _ := f.cache.Get(msg.JobId)
	require.Equal(t, tx.AnchorNonce, entry.Anchor.Kind)
	require.Equal(t, 1, entry.RetryCount)
	require.Equal(t, original, *entry.Original)
}

func TestSubmitDurableRebuildsOnNewNonce(t *testing.T) {
	f := setup(t)
	f.server.Handle("sendTransaction", fakerpc.AcceptTransactions(nil))
	s := f.submitter(t, submit.DefaultConfiguration())
	msg := f.message(t)
	hash, err := msg.Hash()
	require.NoError(t, err)

	dm := tx.DurableMessage{
		Message:         msg,
		NonceAccount:    sgo.NewWallet().PublicKey(),
		CreatedAt:       time.Now(),
		Snapshot:        "AAAA",
		SnapshotNonce:   sgo.Hash{5},
		InstructionHash: hash,
	}
	_, err = s.SubmitDurable(context.Background(), dm, sgo.Hash{6})
	require.NoError(t, err)
	require.Equal(t, int32(1), f.builder.n.Load())
}

func TestTpuForwardsToLeaders(t *testing.T) {
	f := setup(t)
	f.server.Handle("sendTransaction", fakerpc.AcceptTransactions(nil))

	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()
	leader := sgo.NewWallet().PublicKey()
	other := sgo.NewWallet().PublicKey()
	f.server.Handle("getSlotLeaders", fakerpc.Result([]string{leader.String(), leader.String(), other.String()}))
	f.server.Handle("getClusterNodes", fakerpc.Result([]map[string]interface{}{
		{"pubkey": leader.String(), "tpu": listener.LocalAddr().String()},
		{"pubkey": other.String(), "tpu": nil},
	}))

	config := submit.DefaultConfiguration()
	config.Tpu.Enabled = true
	s := f.submitter(t, config)
	h, err := s.Submit(context.Background(), f.message(t))
	require.NoError(t, err)

	buf := make([]byte, 2048)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)
	got, err := script.ParseTransaction(buf[:n])
	require.NoError(t, err)
	require.Equal(t, h.Signature, got.Signatures[0])
}
