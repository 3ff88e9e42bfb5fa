package web

import (
	"context"
	"errors"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	"github.com/solpipe/delivery/endpoint"
	"github.com/solpipe/delivery/pool"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type healthInternal struct {
	hasStarted bool
	p          *pool.Pool
}

func loopHealth(
	ctx context.Context,
	healthC <-chan func(*healthInternal),
	p *pool.Pool,
) {
	doneC := ctx.Done()
	in := new(healthInternal)
	in.p = p

out:
	for {
		select {
		case <-doneC:
			break out
		case req := <-healthC:
			req(in)
		}
	}
}

// healthy means some endpoint that accepts writes is neither open nor unreachable.
func (in *healthInternal) healthy() bool {
	if in.p == nil {
		return true
	}
	for _, s := range in.p.Snapshot() {
		if s.Role == endpoint.RoleReadOnly {
			continue
		}
		if s.Breaker == endpoint.BreakerOpen || s.Health.Status == endpoint.Unreachable {
			continue
		}
		return true
	}
	return false
}

// mark that the server has successfully started
func (e1 external) has_started() {
	doneC := e1.ctx.Done()
	select {
	case <-doneC:
	case e1.healthC <- func(hi *healthInternal) {
		log.Debug("setting has started=true")
		hi.hasStarted = true
	}:
	}
}

func (e1 external) ask(cb func(hi *healthInternal) error) error {
	doneC := e1.ctx.Done()
	errorC := make(chan error, 1)
	select {
	case <-doneC:
		return errors.New("canceled")
	case e1.healthC <- func(hi *healthInternal) {
		errorC <- cb(hi)
	}:
	}
	select {
	case err := <-errorC:
		return err
	case <-doneC:
		return errors.New("canceled")
	}
}

func reply(w http.ResponseWriter, err error) {
	if err == nil {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}

func (e1 external) startup(w http.ResponseWriter) {
	reply(w, e1.ask(func(hi *healthInternal) error {
		if !hi.hasStarted {
			return errors.New("not started")
		}
		return nil
	}))
}

func (e1 external) liveness(w http.ResponseWriter) {
	reply(w, e1.ask(func(hi *healthInternal) error {
		if !hi.hasStarted {
			return errors.New("not started")
		}
		if !hi.healthy() {
			return errors.New("no writable endpoint available")
		}
		return nil
	}))
}

type endpointReply struct {
	Name      string  `json:"name"`
	Role      string  `json:"role"`
	Breaker   string  `json:"breaker"`
	Health    string  `json:"health"`
	LatencyMs int64   `json:"latency_ms"`
	CheckedAt int64   `json:"checked_at"`
	LastError string  `json:"last_error,omitempty"`
	Tokens    float64 `json:"tokens"`
}

func (e1 external) status(w http.ResponseWriter) {
	var list []pool.EndpointStatus
	if e1.p != nil {
		list = e1.p.Snapshot()
	}
	ans := make([]endpointReply, len(list))
	for i, s := range list {
		ans[i] = endpointReply{
			Name:      s.Name,
			Role:      s.Role.String(),
			Breaker:   s.Breaker.String(),
			Health:    s.Health.Status.String(),
			LatencyMs: s.Health.Latency.Milliseconds(),
			LastError: s.Health.LastError,
			Tokens:    s.Tokens,
		}
		if !s.Health.CheckedAt.IsZero() {
			ans[i].CheckedAt = s.Health.CheckedAt.UnixMilli()
		}
	}
	data, err := json.Marshal(ans)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
