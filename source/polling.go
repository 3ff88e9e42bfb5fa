package source

import (
	"context"
	"errors"
	"sync"
	"time"

	sgo "github.com/gagliardetto/solana-go"
	sgorpc "github.com/gagliardetto/solana-go/rpc"
	log "github.com/sirupsen/logrus"
	"github.com/solpipe/delivery/pool"
)

type PollingConfiguration struct {
	Interval   time.Duration
	Commitment sgorpc.CommitmentType
}

func DefaultPollingConfiguration() PollingConfiguration {
	return PollingConfiguration{Interval: 5 * time.Second, Commitment: sgorpc.CommitmentConfirmed}
}

// PollingSource reads every watched job account through the pool on a fixed interval.
type PollingSource struct {
	ctx      context.Context
	cancel   context.CancelFunc
	eventC   chan Event
	p        *pool.Pool
	detector Detector
	config   PollingConfiguration

	mu   sync.Mutex
	jobs map[sgo.PublicKey]uint64
}

func CreatePollingSource(
	ctx context.Context,
	p *pool.Pool,
	detector Detector,
	config PollingConfiguration,
) (*PollingSource, error) {
	if p == nil || detector == nil {
		return nil, errors.New("polling source needs a pool and a detector")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultPollingConfiguration().Interval
	}
	if len(config.Commitment) == 0 {
		config.Commitment = DefaultPollingConfiguration().Commitment
	}
	ctxC, cancel := context.WithCancel(ctx)
	ps := &PollingSource{
		ctx:      ctxC,
		cancel:   cancel,
		eventC:   make(chan Event, DEFAULT_PUSH_BUFFER),
		p:        p,
		detector: detector,
		config:   config,
		jobs:     make(map[sgo.PublicKey]uint64),
	}
	go ps.loopPoll()
	return ps, nil
}

func (ps *PollingSource) Watch(job sgo.PublicKey) {
	ps.mu.Lock()
	if _, present := ps.jobs[job]; !present {
		ps.jobs[job] = 0
	}
	ps.mu.Unlock()
}

func (ps *PollingSource) Unwatch(job sgo.PublicKey) {
	ps.mu.Lock()
	delete(ps.jobs, job)
	ps.mu.Unlock()
}

func (ps *PollingSource) Recv(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, errors.New("canceled")
	case <-ps.ctx.Done():
		return Event{}, ErrClosed
	case e := <-ps.eventC:
		return e, nil
	}
}

func (ps *PollingSource) Close() error {
	ps.cancel()
	return nil
}

func (ps *PollingSource) loopPoll() {
	doneC := ps.ctx.Done()
	nextC := time.After(0)
out:
	for {
		select {
		case <-doneC:
			break out
		case <-nextC:
			ps.poll()
			nextC = time.After(ps.config.Interval)
		}
	}
}

func (ps *PollingSource) poll() {
	ps.mu.Lock()
	jobs := make([]sgo.PublicKey, 0, len(ps.jobs))
	for job := range ps.jobs {
		jobs = append(jobs, job)
	}
	ps.mu.Unlock()

	for _, job := range jobs {
		info, slot, err := pool.GetAccountInfoAt(ps.ctx, ps.p, job, string(ps.config.Commitment))
		if err != nil {
			if ps.ctx.Err() != nil {
				return
			}
			log.Debugf("poll job %s: %s", job.String(), err.Error())
			continue
		}
		if !ps.advance(job, slot) {
			continue
		}
		data, err := info.Bytes()
		if err != nil {
			log.Debugf("poll job %s: %s", job.String(), err.Error())
			continue
		}
		msg, err := ps.detector(ps.ctx, job, data, slot)
		if err != nil {
			log.Debugf("detector for job %s: %s", job.String(), err.Error())
			continue
		}
		if msg == nil {
			continue
		}
		select {
		case <-ps.ctx.Done():
			return
		case ps.eventC <- MessageEvent(*msg):
		}
	}
}

// advance drops reads from a lagging endpoint that is behind a read already seen.
func (ps *PollingSource) advance(job sgo.PublicKey, slot uint64) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	last, present := ps.jobs[job]
	if !present || slot < last {
		return false
	}
	ps.jobs[job] = slot
	return true
}
