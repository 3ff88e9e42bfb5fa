package pool

import (
	"context"
	"time"

	sgorpc "github.com/gagliardetto/solana-go/rpc"
	log "github.com/sirupsen/logrus"
	"github.com/solpipe/delivery/endpoint"
	"github.com/solpipe/delivery/meter"
)

type ProbeConfiguration struct {
	Interval        time.Duration
	Timeout         time.Duration
	DegradedLatency time.Duration
	// consecutive probe errors before an endpoint is labelled unreachable
	UnreachableAfter int
}

func DefaultProbeConfiguration() ProbeConfiguration {
	return ProbeConfiguration{
		Interval:         5 * time.Second,
		Timeout:          3 * time.Second,
		DegradedLatency:  750 * time.Millisecond,
		UnreachableAfter: 3,
	}
}

// ProbeFunc is a cheap liveness query.
type ProbeFunc func(ctx context.Context, e *endpoint.Endpoint) error

func SlotProbe(ctx context.Context, e *endpoint.Endpoint) error {
	_, err := e.Rpc().GetSlot(ctx, sgorpc.CommitmentProcessed)
	return err
}

// RunProbes starts one probe loop per endpoint.  The loops exit with ctx.
// Probes only relabel health; they never open or close a breaker.
func (p *Pool) RunProbes(ctx context.Context, config ProbeConfiguration, probe ProbeFunc) {
	if probe == nil {
		probe = SlotProbe
	}
	if config.Interval <= 0 {
		config = DefaultProbeConfiguration()
	}
	for _, e := range p.endpoints {
		go loopProbe(ctx, e, config, probe)
	}
}

func loopProbe(
	ctx context.Context,
	e *endpoint.Endpoint,
	config ProbeConfiguration,
	probe ProbeFunc,
) {
	doneC := ctx.Done()
	failures := 0
	var h endpoint.Health
	nextC := time.After(0)
out:
	for {
		select {
		case <-doneC:
			break out
		case <-nextC:
			h, failures = ProbeOnce(ctx, e, config, probe, failures)
			e.SetHealth(h)
			meter.EndpointHealth.WithLabelValues(e.Name()).Set(float64(h.Status))
			if h.Status != endpoint.Healthy {
				log.Debugf("endpoint %s probe: %s (%s) %s", e.Name(), h.Status.String(), h.Latency.String(), h.LastError)
			}
			nextC = time.After(config.Interval)
		}
	}
}

// ProbeOnce runs a single probe and classifies the endpoint.  failures is the count of
// consecutive failed probes before this one; the updated count is returned.
func ProbeOnce(
	ctx context.Context,
	e *endpoint.Endpoint,
	config ProbeConfiguration,
	probe ProbeFunc,
	failures int,
) (endpoint.Health, int) {
	ctxC, cancel := context.WithTimeout(ctx, config.Timeout)
	start := time.Now()
	err := probe(ctxC, e)
	latency := time.Since(start)
	cancel()
	meter.ProbeLatency.WithLabelValues(e.Name()).Observe(latency.Seconds())

	h := endpoint.Health{CheckedAt: time.Now(), Latency: latency}
	if err != nil {
		failures++
		h.LastError = err.Error()
		if config.UnreachableAfter <= failures {
			h.Status = endpoint.Unreachable
		} else {
			h.Status = endpoint.Degraded
		}
		return h, failures
	}
	if config.DegradedLatency < latency {
		h.Status = endpoint.Degraded
	} else {
		h.Status = endpoint.Healthy
	}
	return h, 0
}
