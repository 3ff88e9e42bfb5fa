package slot_test

import (
	"context"
	"testing"
	"time"

	sgo "github.com/gagliardetto/solana-go"
	"github.com/solpipe/delivery/endpoint"
	"github.com/solpipe/delivery/pool"
	"github.com/solpipe/delivery/state/slot"
	"github.com/solpipe/delivery/test/fakerpc"
	"github.com/stretchr/testify/require"
)

func TestAdvanceIsMonotonic(t *testing.T) {
	h1 := sgo.Hash{1}
	h2 := sgo.Hash{2}
	now := time.Now()
	s, ok := slot.Advance(slot.Snapshot{}, slot.Snapshot{Slot: 10, BlockHeight: 8, Blockhash: h1, LastValidBlockHeight: 158, ObservedAt: now})
	require.True(t, ok)

	_, ok = slot.Advance(s, slot.Snapshot{Slot: 9, BlockHeight: 7, ObservedAt: now})
	require.False(t, ok)

	s2, ok := slot.Advance(s, slot.Snapshot{Slot: 11, ObservedAt: now})
	require.True(t, ok)
	require.Equal(t, uint64(11), s2.Slot)
	require.Equal(t, h1, s2.Blockhash)

	s3, ok := slot.Advance(s2, slot.Snapshot{Slot: 12, BlockHeight: 9, Blockhash: h2, LastValidBlockHeight: 159, ObservedAt: now})
	require.True(t, ok)
	require.Equal(t, h2, s3.Blockhash)
	require.Equal(t, uint64(159), s3.LastValidBlockHeight)
}

func TestSlotHomePolls(t *testing.T) {
	s := fakerpc.Start()
	defer s.Close()
	hash := sgo.Hash{7}
	s.Handle("getLatestBlockhash", fakerpc.LatestBlockhash(hash, 250))

	e, err := endpoint.Create(endpoint.Configuration{Name: "a", RpcUrl: s.URL})
	require.NoError(t, err)
	p, err := pool.Create(pool.DefaultConfiguration(), []*endpoint.Endpoint{e})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	home, err := slot.SubscribeSlot(ctx, p, nil, slot.Configuration{Refresh: 50 * time.Millisecond})
	require.NoError(t, err)
	sub := home.OnSnapshot()
	defer sub.Unsubscribe()

	select {
	case snap := <-sub.StreamC:
		require.Equal(t, hash, snap.Blockhash)
		require.Equal(t, uint64(250), snap.LastValidBlockHeight)
		require.Equal(t, uint64(100), snap.BlockHeight)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot")
	}
	latest, err := home.Latest()
	require.NoError(t, err)
	require.Equal(t, hash, latest.Blockhash)
}
