package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/solpipe/delivery/endpoint"
	"github.com/solpipe/delivery/errormsg"
	"github.com/solpipe/delivery/meter"
)

// Kind tells the pool whether a call may be served by a read-only endpoint.
type Kind int

const (
	KindRead Kind = iota
	KindWrite
	// websocket subscriptions; only endpoints with a websocket url qualify
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindStream:
		return "stream"
	default:
		return "read"
	}
}

type Configuration struct {
	MaxAttempts int
	CallTimeout time.Duration
}

func DefaultConfiguration() Configuration {
	return Configuration{
		MaxAttempts: 3,
		CallTimeout: 10 * time.Second,
	}
}

// Pool owns a fixed set of endpoints and picks one for every outbound call.
type Pool struct {
	endpoints []*endpoint.Endpoint
	config    Configuration
	now       func() time.Time
}

func Create(config Configuration, list []*endpoint.Endpoint) (*Pool, error) {
	if len(list) == 0 {
		return nil, errors.New("no endpoints")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = len(list)
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultConfiguration().CallTimeout
	}
	seen := make(map[string]bool)
	for _, e := range list {
		if seen[e.Name()] {
			return nil, fmt.Errorf("duplicate endpoint name %s", e.Name())
		}
		seen[e.Name()] = true
	}
	l := make([]*endpoint.Endpoint, len(list))
	copy(l, list)
	return &Pool{endpoints: l, config: config, now: time.Now}, nil
}

func (p *Pool) Endpoints() []*endpoint.Endpoint {
	l := make([]*endpoint.Endpoint, len(p.endpoints))
	copy(l, p.endpoints)
	return l
}

// rank returns the endpoints eligible right now, best first: role, then health, then latency.
func (p *Pool) rank(kind Kind, now time.Time) []*endpoint.Endpoint {
	type candidate struct {
		e      *endpoint.Endpoint
		health endpoint.Health
	}
	list := make([]candidate, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		if kind == KindWrite && e.Role() == endpoint.RoleReadOnly {
			continue
		}
		if kind == KindStream && len(e.WsUrl()) == 0 {
			continue
		}
		if !e.Breaker().Ready() {
			continue
		}
		if !e.Limiter().Available(now) {
			continue
		}
		list = append(list, candidate{e: e, health: e.Health()})
	}
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.e.Role() != b.e.Role() {
			return a.e.Role() < b.e.Role()
		}
		if a.health.Status.Rank() != b.health.Status.Rank() {
			return a.health.Status.Rank() < b.health.Status.Rank()
		}
		return a.health.Latency < b.health.Latency
	})
	ans := make([]*endpoint.Endpoint, len(list))
	for i := range list {
		ans[i] = list[i].e
	}
	return ans
}

// Call runs op against the best eligible endpoint, failing over on transport errors.
// Application-level rejections are returned as-is without penalising the endpoint.
func Call[T any](
	ctx context.Context,
	p *Pool,
	kind Kind,
	op func(ctx context.Context, e *endpoint.Endpoint) (T, error),
) (T, error) {
	var zero T
	candidates := p.rank(kind, p.now())
	if len(candidates) == 0 {
		meter.PoolExhausted.WithLabelValues(kind.String()).Inc()
		return zero, errormsg.Wrap(errormsg.ClassAllEndpointsUnavailable, nil)
	}
	var lastErr error
	attempts := 0
	for _, e := range candidates {
		if p.config.MaxAttempts <= attempts {
			break
		}
		// the breaker goes first so an open circuit costs no token; a token spent on a
		// failing call is not refunded
		if !e.Breaker().Allow() {
			lastErr = errormsg.Wrap(errormsg.ClassEndpointUnavailable, fmt.Errorf("%s circuit is open", e.Name()))
			continue
		}
		if !e.Limiter().TryAcquireAt(p.now()) {
			e.Breaker().Release()
			lastErr = errormsg.Wrap(errormsg.ClassEndpointUnavailable, fmt.Errorf("%s is rate limited", e.Name()))
			continue
		}
		attempts++
		ctxC, cancel := context.WithTimeout(ctx, p.config.CallTimeout)
		start := time.Now()
		ans, err := op(ctxC, e)
		latency := time.Since(start)
		cancel()
		if err == nil {
			p.onSuccess(e, latency)
			return ans, nil
		}
		if ctx.Err() != nil {
			// the caller gave up; that says nothing about the endpoint
			e.Breaker().Release()
			return zero, errors.New("canceled")
		}
		class := errormsg.Classify(err)
		switch class {
		case errormsg.ClassApplicationRejected, errormsg.ClassExpired, errormsg.ClassPermanentFailure:
			p.onSuccess(e, latency)
			meter.EndpointCalls.WithLabelValues(e.Name(), class.String()).Inc()
			return zero, errormsg.Wrap(class, err)
		default:
			p.onFailure(e, err)
			lastErr = err
			log.Debugf("endpoint %s failed (%s), failing over: %s", e.Name(), class.String(), err.Error())
		}
	}
	meter.PoolExhausted.WithLabelValues(kind.String()).Inc()
	return zero, errormsg.Wrap(errormsg.ClassAllEndpointsUnavailable, lastErr)
}

// Do is Call for operations that only return an error.
func (p *Pool) Do(
	ctx context.Context,
	kind Kind,
	op func(ctx context.Context, e *endpoint.Endpoint) error,
) error {
	_, err := Call(ctx, p, kind, func(ctx context.Context, e *endpoint.Endpoint) (struct{}, error) {
		return struct{}{}, op(ctx, e)
	})
	return err
}

const latencyWeight = 0.3

func (p *Pool) onSuccess(e *endpoint.Endpoint, latency time.Duration) {
	e.Breaker().RecordSuccess()
	meter.EndpointCalls.WithLabelValues(e.Name(), "ok").Inc()
	meter.BreakerState.WithLabelValues(e.Name()).Set(float64(e.Breaker().State()))
	e.UpdateHealth(func(h *endpoint.Health) {
		if h.Latency == 0 {
			h.Latency = latency
		} else {
			h.Latency = time.Duration(latencyWeight*float64(latency) + (1-latencyWeight)*float64(h.Latency))
		}
		if h.Status == endpoint.Unreachable {
			h.Status = endpoint.Degraded
		}
	})
}

func (p *Pool) onFailure(e *endpoint.Endpoint, err error) {
	e.Breaker().RecordFailure()
	state := e.Breaker().State()
	meter.EndpointCalls.WithLabelValues(e.Name(), errormsg.ClassTransport.String()).Inc()
	meter.BreakerState.WithLabelValues(e.Name()).Set(float64(state))
	e.UpdateHealth(func(h *endpoint.Health) {
		h.LastError = err.Error()
		if state == endpoint.BreakerOpen {
			h.Status = endpoint.Unreachable
		} else if h.Status != endpoint.Unreachable {
			h.Status = endpoint.Degraded
		}
	})
}

type EndpointStatus struct {
	Name    string
	Role    endpoint.Role
	Breaker endpoint.BreakerState
	Health  endpoint.Health
	Tokens  float64
}

func (p *Pool) Snapshot() []EndpointStatus {
	now := p.now()
	ans := make([]EndpointStatus, len(p.endpoints))
	for i, e := range p.endpoints {
		ans[i] = EndpointStatus{
			Name:    e.Name(),
			Role:    e.Role(),
			Breaker: e.Breaker().State(),
			Health:  e.Health(),
			Tokens:  e.Limiter().Tokens(now),
		}
	}
	return ans
}
