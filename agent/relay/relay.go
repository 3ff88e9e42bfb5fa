// Package relay wires the endpoint pool, chain clock, submitter, monitor, retry queue and
// replay consumer into one delivery agent.
package relay

import (
	"context"
	"errors"

	sgo "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	dssub "github.com/solpipe/delivery/ds/sub"
	"github.com/solpipe/delivery/endpoint"
	"github.com/solpipe/delivery/errormsg"
	"github.com/solpipe/delivery/pool"
	"github.com/solpipe/delivery/script"
	"github.com/solpipe/delivery/source"
	"github.com/solpipe/delivery/state/slot"
	"github.com/solpipe/delivery/stream"
	"github.com/solpipe/delivery/tx"
	"github.com/solpipe/delivery/tx/cache"
	"github.com/solpipe/delivery/tx/monitor"
	"github.com/solpipe/delivery/tx/replay"
	"github.com/solpipe/delivery/tx/retry"
	"github.com/solpipe/delivery/tx/submit"
)

type Configuration struct {
	Pool    pool.Configuration
	Probe   pool.ProbeConfiguration
	Stream  stream.Configuration
	Slot    slot.Configuration
	Submit  submit.Configuration
	Monitor monitor.Configuration
	Retry   retry.Policy
	// pre-allocated durable nonce accounts, one per concurrently replayed job
	NonceAccounts []sgo.PublicKey
	// never open websocket feeds even when endpoints advertise them
	DisableStream bool
}

func DefaultConfiguration() Configuration {
	return Configuration{
		Pool:    pool.DefaultConfiguration(),
		Probe:   pool.DefaultProbeConfiguration(),
		Stream:  stream.DefaultConfiguration(),
		Slot:    slot.DefaultConfiguration(),
		Submit:  submit.DefaultConfiguration(),
		Monitor: monitor.DefaultConfiguration(),
		Retry:   retry.DefaultPolicy(),
	}
}

var ErrJobCanceled = errors.New("job canceled")

// Relay is a value handle; copies share the same agent.
type Relay struct {
	ctx       context.Context
	cancel    context.CancelFunc
	internalC chan<- func(*internal)
	reqC      chan<- dssub.ResponseChannel[tx.Resolution]
	p         *pool.Pool
	cache     *cache.Cache
	submitter *submit.Submitter
	queue     *retry.Queue
	replay    *replay.Consumer
}

// Create starts every background loop.  store holds the retry backlog; dialer may be nil
// for the websocket default.
func Create(
	ctx context.Context,
	config Configuration,
	endpoints []*endpoint.Endpoint,
	builder script.Builder,
	store retry.Store,
	dialer stream.Dialer,
) (Relay, error) {
	if builder == nil {
		return Relay{}, errors.New("no builder")
	}
	if store == nil {
		store = retry.CreateMemoryStore()
	}
	p, err := pool.Create(config.Pool, endpoints)
	if err != nil {
		return Relay{}, err
	}
	ctxC, cancel := context.WithCancel(ctx)

	p.RunProbes(ctxC, config.Probe, nil)

	var m *stream.Manager
	if !config.DisableStream && hasStream(endpoints) {
		manager := stream.Create(ctxC, p, dialer, config.Stream)
		m = &manager
	}
	slotHome, err := slot.SubscribeSlot(ctxC, p, m, config.Slot)
	if err != nil {
		cancel()
		return Relay{}, err
	}

	c := cache.Create()
	submitter, err := submit.Create(p, c, slotHome, builder, config.Submit)
	if err != nil {
		cancel()
		return Relay{}, err
	}

	resolutionC := make(chan tx.Resolution, RESOLUTION_BUFFER_SIZE)
	reporter := tx.ReporterFunc(func(r tx.Resolution) {
		select {
		case <-ctxC.Done():
		case resolutionC <- r:
		}
	})
	queue, err := retry.Create(store, config.Retry, c, reporter)
	if err != nil {
		cancel()
		submitter.Close()
		return Relay{}, err
	}
	nonces := replay.CreateNoncePool(config.NonceAccounts)
	consumer, err := replay.Create(p, submitter, nonces, config.Monitor.Commitment)
	if err != nil {
		cancel()
		submitter.Close()
		return Relay{}, err
	}

	canceledC := make(chan sgo.PublicKey, RESOLUTION_BUFFER_SIZE)
	mon, err := monitor.Create(p, c, slotHome, retrier{queue: queue, ctx: ctxC, canceledC: canceledC}, reporter, config.Monitor)
	if err != nil {
		cancel()
		submitter.Close()
		return Relay{}, err
	}

	home := dssub.CreateSubHome[tx.Resolution]()
	internalC := make(chan func(*internal), 10)
	snapshotSub := slotHome.OnSnapshot()

	go mon.Run(ctxC, snapshotSub.StreamC)
	go queue.Run(ctxC, consumer.Replay)
	go loopInternal(ctxC, cancel, internalC, home, resolutionC, canceledC, c, consumer, config.Monitor.Retention, func() {
		submitter.Close()
		if err2 := store.Close(); err2 != nil {
			log.Debugf("closing retry store: %s", err2.Error())
		}
	})

	return Relay{
		ctx:       ctxC,
		cancel:    cancel,
		internalC: internalC,
		reqC:      home.ReqC,
		p:         p,
		cache:     c,
		submitter: submitter,
		queue:     queue,
		replay:    consumer,
	}, nil
}

func hasStream(endpoints []*endpoint.Endpoint) bool {
	for _, e := range endpoints {
		if len(e.WsUrl()) != 0 {
			return true
		}
	}
	return false
}

func (e1 Relay) Pool() *pool.Pool {
	return e1.p
}

func (e1 Relay) send(ctx context.Context, cb func(*internal)) error {
	select {
	case <-e1.ctx.Done():
		return errors.New("canceled")
	case <-ctx.Done():
		return errors.New("canceled")
	case e1.internalC <- cb:
		return nil
	}
}

// Submit hands msg to the submitter.  A submission that was recorded but rejected on send
// still returns its handle without an error: the job's fate arrives as a resolution.
// Submitting a canceled job lifts the cancel.
func (e1 Relay) Submit(ctx context.Context, msg tx.Message) (tx.Handle, error) {
	job := msg.JobId
	e1.queue.Resume(job)
	err := e1.send(ctx, func(in *internal) {
		delete(in.resolved, job)
		delete(in.canceled, job)
	})
	if err != nil {
		return tx.Handle{}, err
	}
	h, err := e1.submitter.Submit(ctx, msg)
	if err != nil && h.Id != uuid.Nil {
		log.Debugf("job %s send failed (%s), monitor will resolve it: %s", job.String(), errormsg.Classify(err).String(), err.Error())
		return h, nil
	}
	return h, err
}

// Wait blocks until the job resolves or ctx ends.  Ending ctx does not retract anything.
func (e1 Relay) Wait(ctx context.Context, job sgo.PublicKey) (tx.Resolution, error) {
	ansC := make(chan waitResult, 1)
	err := e1.send(ctx, func(in *internal) {
		in.wait(job, ansC)
	})
	if err != nil {
		return tx.Resolution{}, err
	}
	select {
	case <-ctx.Done():
		return tx.Resolution{}, errors.New("canceled")
	case <-e1.ctx.Done():
		return tx.Resolution{}, errors.New("canceled")
	case ans := <-ansC:
		return ans.r, ans.err
	}
}

// Cancel stops retry and replay for job.  A transaction already broadcast may still
// confirm, in which case the confirmation is reported as usual.
func (e1 Relay) Cancel(ctx context.Context, job sgo.PublicKey) error {
	e1.queue.Cancel(job)
	return e1.send(ctx, func(in *internal) {
		in.cancel_job(job)
	})
}

// OnResolution streams every terminal resolution.  Slow subscribers miss resolutions
// rather than stall the agent.
func (e1 Relay) OnResolution() dssub.Subscription[tx.Resolution] {
	return dssub.SubscriptionRequestWithBufferSize(e1.reqC, RESOLUTION_BUFFER_SIZE, nil)
}

// Consume applies events from src until the source is exhausted or ctx ends.
func (e1 Relay) Consume(ctx context.Context, src source.Source) error {
	for {
		ev, err := src.Recv(ctx)
		if errors.Is(err, source.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		switch {
		case ev.Message != nil:
			_, err = e1.Submit(ctx, *ev.Message)
			if err != nil {
				log.Infof("job %s not submitted: %s", ev.Message.JobId.String(), err.Error())
			}
		case ev.Control != nil:
			err = e1.Control(ctx, *ev.Control)
			if err != nil {
				log.Debugf("control %s for job %s: %s", ev.Control.Kind.String(), ev.Control.JobId.String(), err.Error())
			}
		}
		if ctx.Err() != nil {
			return errors.New("canceled")
		}
	}
}

// Control applies one claim coordination event.
func (e1 Relay) Control(ctx context.Context, c source.Control) error {
	switch c.Kind {
	case source.ControlClaim:
		e1.queue.Resume(c.JobId)
		return e1.send(ctx, func(in *internal) {
			delete(in.canceled, c.JobId)
		})
	case source.ControlAck:
		e1.queue.Ack(c.JobId)
		if !e1.pending(c.JobId) {
			e1.replay.Release(c.JobId)
		}
		return nil
	case source.ControlNack:
		latest, present := e1.cache.Get(c.JobId)
		if !present {
			return errors.New("nothing submitted for job")
		}
		if latest.Status == tx.StatusPending {
			// the pending attempt may still land; the monitor decides
			return nil
		}
		class := c.Class
		if class == errormsg.ClassNone {
			class = latest.LastClass
		}
		return e1.queue.Nack(ctx, monitor.RetryEntryFor(latest, class))
	case source.ControlCancel:
		return e1.Cancel(ctx, c.JobId)
	default:
		return errors.New("unknown control")
	}
}

func (e1 Relay) pending(job sgo.PublicKey) bool {
	s, present := e1.cache.Get(job)
	return present && s.Status == tx.StatusPending
}

func (e1 Relay) Close() <-chan error {
	signalC := e1.CloseSignal()
	e1.cancel()
	return signalC
}

func (e1 Relay) CloseSignal() <-chan error {
	signalC := make(chan error, 1)
	err := e1.ctx.Err()
	if err != nil {
		signalC <- err
		return signalC
	}
	select {
	case <-e1.ctx.Done():
		signalC <- errors.New("canceled")
	case e1.internalC <- func(in *internal) {
		in.closeSignalCList = append(in.closeSignalCList, signalC)
	}:
	}
	return signalC
}

// retrier sits between the monitor and the queue so that failures of canceled jobs still
// free their nonce accounts.
type retrier struct {
	queue     *retry.Queue
	ctx       context.Context
	canceledC chan<- sgo.PublicKey
}

func (r retrier) Nack(ctx context.Context, entry tx.RetryEntry) error {
	job := entry.JobId()
	if r.queue.Canceled(job) {
		select {
		case <-r.ctx.Done():
		case r.canceledC <- job:
		}
		return nil
	}
	return r.queue.Nack(ctx, entry)
}

func (r retrier) Ack(job sgo.PublicKey) {
	r.queue.Ack(job)
}
