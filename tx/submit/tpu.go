package submit

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	sgo "github.com/gagliardetto/solana-go"
	sgorpc "github.com/gagliardetto/solana-go/rpc"
	log "github.com/sirupsen/logrus"
	"github.com/solpipe/delivery/endpoint"
	"github.com/solpipe/delivery/meter"
	"github.com/solpipe/delivery/pool"
	"github.com/solpipe/delivery/state/slot"
)

// leaders hold four consecutive slots
const SLOTS_PER_LEADER = 4

type TpuConfiguration struct {
	Enabled bool
	// number of upcoming leaders to write to
	Fanout        int
	LeaderRefresh time.Duration
	Timeout       time.Duration
}

func DefaultTpuConfiguration() TpuConfiguration {
	return TpuConfiguration{
		Enabled:       false,
		Fanout:        2,
		LeaderRefresh: 10 * time.Second,
		Timeout:       3 * time.Second,
	}
}

// Tpu forwards wire transactions straight to upcoming leaders over UDP.
type Tpu struct {
	p      *pool.Pool
	clock  slot.Clock
	config TpuConfiguration
	conn   *net.UDPConn

	mu        sync.Mutex
	startSlot uint64
	leaders   []sgo.PublicKey
	addrs     map[sgo.PublicKey]*net.UDPAddr
	fetchedAt time.Time
}

func CreateTpu(p *pool.Pool, clock slot.Clock, config TpuConfiguration) (*Tpu, error) {
	if config.Fanout <= 0 {
		config.Fanout = DefaultTpuConfiguration().Fanout
	}
	if config.LeaderRefresh <= 0 {
		config.LeaderRefresh = DefaultTpuConfiguration().LeaderRefresh
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTpuConfiguration().Timeout
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	return &Tpu{p: p, clock: clock, config: config, conn: conn, addrs: make(map[sgo.PublicKey]*net.UDPAddr)}, nil
}

func (t *Tpu) Close() {
	t.conn.Close()
}

// Forward is best effort; failures are logged and counted, never returned to the caller.
func (t *Tpu) Forward(wire []byte) int {
	ctx, cancel := context.WithTimeout(context.Background(), t.config.Timeout)
	defer cancel()
	targets, err := t.Targets(ctx)
	if err != nil {
		log.Debugf("tpu forward skipped: %s", err.Error())
		meter.Submissions.WithLabelValues("tpu", "no_leader").Inc()
		return 0
	}
	sent := 0
	for _, addr := range targets {
		_, err = t.conn.WriteToUDP(wire, addr)
		if err != nil {
			log.Debugf("tpu write to %s failed: %s", addr.String(), err.Error())
			meter.Submissions.WithLabelValues("tpu", "error").Inc()
			continue
		}
		sent++
		meter.Submissions.WithLabelValues("tpu", "ok").Inc()
	}
	return sent
}

// Targets returns the TPU addresses of the next Fanout distinct leaders.
func (t *Tpu) Targets(ctx context.Context) ([]*net.UDPAddr, error) {
	current, err := t.currentSlot(ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	stale := len(t.leaders) == 0 ||
		t.config.LeaderRefresh < time.Since(t.fetchedAt) ||
		current < t.startSlot ||
		t.startSlot+uint64(len(t.leaders)) <= current+uint64(t.config.Fanout*SLOTS_PER_LEADER)
	t.mu.Unlock()
	if stale {
		err = t.refresh(ctx, current)
		if err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	ans := make([]*net.UDPAddr, 0, t.config.Fanout)
	seen := make(map[sgo.PublicKey]bool)
	for i := current - t.startSlot; i < uint64(len(t.leaders)) && len(ans) < t.config.Fanout; i++ {
		leader := t.leaders[i]
		if seen[leader] {
			continue
		}
		seen[leader] = true
		addr, present := t.addrs[leader]
		if !present {
			continue
		}
		ans = append(ans, addr)
	}
	if len(ans) == 0 {
		return nil, errors.New("no leader with a known tpu address")
	}
	return ans, nil
}

func (t *Tpu) currentSlot(ctx context.Context) (uint64, error) {
	if t.clock != nil {
		if s, err := t.clock.Latest(); err == nil && 0 < s.Slot {
			return s.Slot, nil
		}
	}
	return pool.Call(ctx, t.p, pool.KindRead, func(ctx context.Context, e *endpoint.Endpoint) (uint64, error) {
		return e.Rpc().GetSlot(ctx, sgorpc.CommitmentProcessed)
	})
}

func (t *Tpu) refresh(ctx context.Context, current uint64) error {
	limit := uint64(t.config.Fanout*SLOTS_PER_LEADER) * 4
	leaders, err := pool.Call(ctx, t.p, pool.KindRead, func(ctx context.Context, e *endpoint.Endpoint) ([]sgo.PublicKey, error) {
		return e.Rpc().GetSlotLeaders(ctx, current, limit)
	})
	if err != nil {
		return err
	}
	nodes, err := pool.Call(ctx, t.p, pool.KindRead, func(ctx context.Context, e *endpoint.Endpoint) ([]*sgorpc.GetClusterNodesResult, error) {
		return e.Rpc().GetClusterNodes(ctx)
	})
	if err != nil {
		return err
	}
	addrs := make(map[sgo.PublicKey]*net.UDPAddr, len(nodes))
	for _, n := range nodes {
		if n == nil || n.TPU == nil {
			continue
		}
		addr, err2 := net.ResolveUDPAddr("udp", *n.TPU)
		if err2 != nil {
			continue
		}
		addrs[n.Pubkey] = addr
	}
	t.mu.Lock()
	t.startSlot = current
	t.leaders = leaders
	t.addrs = addrs
	t.fetchedAt = time.Now()
	t.mu.Unlock()
	return nil
}
