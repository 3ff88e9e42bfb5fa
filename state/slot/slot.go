// Package slot publishes the chain clock: one writer turns slot notifications and periodic
// blockhash refreshes into immutable snapshots.
package slot

import (
	"context"
	"errors"
	"time"

	sgo "github.com/gagliardetto/solana-go"
	sgorpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	dssub "github.com/solpipe/delivery/ds/sub"
	"github.com/solpipe/delivery/endpoint"
	"github.com/solpipe/delivery/pool"
	"github.com/solpipe/delivery/stream"
)

// Snapshot is never mutated after it is published.
type Snapshot struct {
	Slot                 uint64
	BlockHeight          uint64
	Blockhash            sgo.Hash
	LastValidBlockHeight uint64
	ObservedAt           time.Time
}

func (s Snapshot) HasBlockhash() bool {
	return !s.Blockhash.IsZero()
}

var ErrNoSnapshot = errors.New("chain clock has not been observed yet")

// Clock is the read side of the chain clock.
type Clock interface {
	Latest() (Snapshot, error)
}

type Configuration struct {
	Refresh    time.Duration
	Commitment sgorpc.CommitmentType
}

func DefaultConfiguration() Configuration {
	return Configuration{Refresh: 2 * time.Second, Commitment: sgorpc.CommitmentConfirmed}
}

type SlotHome struct {
	id         uuid.UUID
	reqC       chan<- dssub.ResponseChannel[Snapshot]
	ctx        context.Context
	singleReqC chan<- chan<- Snapshot
}

// SubscribeSlot starts the clock.  m may be nil, in which case only polling is used.
func SubscribeSlot(
	ctxOutside context.Context,
	p *pool.Pool,
	m *stream.Manager,
	config Configuration,
) (SlotHome, error) {
	if config.Refresh <= 0 {
		config = DefaultConfiguration()
	}
	ctx, cancel := context.WithCancel(ctxOutside)

	home := dssub.CreateSubHome[Snapshot]()
	id, err := uuid.NewRandom()
	if err != nil {
		cancel()
		return SlotHome{}, err
	}

	singleReqC := make(chan chan<- Snapshot)
	go loopInternal(ctx, cancel, home, p, m, config, id, singleReqC)

	return SlotHome{
		reqC: home.ReqC, ctx: ctx, id: id, singleReqC: singleReqC,
	}, nil
}

func (sh SlotHome) Latest() (Snapshot, error) {
	err := sh.ctx.Err()
	if err != nil {
		return Snapshot{}, err
	}
	doneC := sh.ctx.Done()
	respC := make(chan Snapshot, 1)
	select {
	case <-doneC:
		return Snapshot{}, errors.New("canceled")
	case sh.singleReqC <- respC:
	}
	select {
	case <-doneC:
		return Snapshot{}, errors.New("canceled")
	case ans := <-respC:
		if ans.ObservedAt.IsZero() {
			return ans, ErrNoSnapshot
		}
		return ans, nil
	}
}

const SLOT_BUFFER_SIZE = 100

func (sh SlotHome) OnSnapshot() dssub.Subscription[Snapshot] {
	return dssub.SubscriptionRequestWithBufferSize(sh.reqC, SLOT_BUFFER_SIZE, nil)
}

func (sh SlotHome) CloseSignal() <-chan struct{} {
	return sh.ctx.Done()
}

// Fetch reads the latest blockhash and block height through the pool.
func Fetch(ctx context.Context, p *pool.Pool, commitment sgorpc.CommitmentType) (Snapshot, error) {
	bh, err := pool.Call(ctx, p, pool.KindRead, func(ctx context.Context, e *endpoint.Endpoint) (*sgorpc.GetLatestBlockhashResult, error) {
		return e.Rpc().GetLatestBlockhash(ctx, commitment)
	})
	if err != nil {
		return Snapshot{}, err
	}
	height, err := pool.Call(ctx, p, pool.KindRead, func(ctx context.Context, e *endpoint.Endpoint) (uint64, error) {
		return e.Rpc().GetBlockHeight(ctx, commitment)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Slot:                 bh.Context.Slot,
		BlockHeight:          height,
		Blockhash:            bh.Value.Blockhash,
		LastValidBlockHeight: bh.Value.LastValidBlockHeight,
		ObservedAt:           time.Now(),
	}, nil
}

type refreshResult struct {
	s   Snapshot
	err error
}

func loopInternal(
	ctx context.Context,
	cancel context.CancelFunc,
	home *dssub.SubHome[Snapshot],
	p *pool.Pool,
	m *stream.Manager,
	config Configuration,
	id uuid.UUID,
	singleReqC <-chan chan<- Snapshot,
) {
	var err error
	defer cancel()
	doneC := ctx.Done()
	reqC := home.ReqC
	deleteC := home.DeleteC
	defer home.Close()

	var streamC <-chan stream.Update
	var streamErrorC <-chan error
	subscribe := func() {
		if m == nil {
			return
		}
		sub, err2 := m.Subscribe(ctx, stream.SlotTopic())
		if err2 != nil {
			log.Debugf("slot stream unavailable: %s", err2.Error())
			return
		}
		streamC = sub.StreamC
		streamErrorC = sub.ErrorC
	}
	subscribe()

	var current Snapshot
	refreshC := make(chan refreshResult, 1)
	refreshing := false
	nextC := time.After(0)

out:
	for {
		select {
		case <-doneC:
			break out
		case <-nextC:
			nextC = time.After(config.Refresh)
			if streamC == nil {
				subscribe()
			}
			if !refreshing {
				refreshing = true
				go loopRefresh(ctx, p, config.Commitment, refreshC)
			}
		case r := <-refreshC:
			refreshing = false
			if r.err != nil {
				log.Debugf("slothome %s refresh failed: %s", id.String(), r.err.Error())
				continue
			}
			if next, ok := Advance(current, r.s); ok {
				current = next
				home.BroadcastNonBlocking(current)
			}
		case u := <-streamC:
			next := current
			next.Slot = u.Slot
			next.ObservedAt = time.Now()
			if next, ok := Advance(current, next); ok {
				current = next
				home.BroadcastNonBlocking(current)
			}
		case err = <-streamErrorC:
			streamC = nil
			streamErrorC = nil
			if err != nil {
				log.Debugf("slot stream error: %s", err.Error())
			}
		case respC := <-singleReqC:
			respC <- current
		case rC := <-reqC:
			home.Receive(rC)
		case id := <-deleteC:
			home.Delete(id)
		}
	}
	log.Debugf("exiting slot home %s", id.String())
}

func loopRefresh(
	ctx context.Context,
	p *pool.Pool,
	commitment sgorpc.CommitmentType,
	refreshC chan<- refreshResult,
) {
	s, err := Fetch(ctx, p, commitment)
	refreshC <- refreshResult{s: s, err: err}
}

// Advance merges next into prev.  Slot and block height never go backwards; the
// blockhash follows whichever observation carries the newer one.  ok is false when
// nothing changed.
func Advance(prev Snapshot, next Snapshot) (Snapshot, bool) {
	ans := prev
	changed := false
	if ans.Slot < next.Slot {
		ans.Slot = next.Slot
		changed = true
	}
	if ans.BlockHeight < next.BlockHeight {
		ans.BlockHeight = next.BlockHeight
		changed = true
	}
	if next.HasBlockhash() && !next.Blockhash.Equals(ans.Blockhash) && ans.LastValidBlockHeight <= next.LastValidBlockHeight {
		ans.Blockhash = next.Blockhash
		ans.LastValidBlockHeight = next.LastValidBlockHeight
		changed = true
	}
	if changed {
		ans.ObservedAt = next.ObservedAt
		if ans.ObservedAt.IsZero() {
			ans.ObservedAt = time.Now()
		}
	}
	return ans, changed
}

// Fixed is a Clock that always reports s.
type Fixed Snapshot

func (f Fixed) Latest() (Snapshot, error) {
	s := Snapshot(f)
	if s.ObservedAt.IsZero() {
		return s, ErrNoSnapshot
	}
	return s, nil
}
