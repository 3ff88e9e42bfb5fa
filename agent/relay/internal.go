package relay

import (
	"context"
	"errors"
	"time"

	sgo "github.com/gagliardetto/solana-go"
	log "github.com/sirupsen/logrus"
	dssub "github.com/solpipe/delivery/ds/sub"
	"github.com/solpipe/delivery/tx"
	"github.com/solpipe/delivery/tx/cache"
	"github.com/solpipe/delivery/tx/replay"
)

const RESOLUTION_BUFFER_SIZE = 100

type waitResult struct {
	r   tx.Resolution
	err error
}

type internal struct {
	ctx              context.Context
	closeSignalCList []chan<- error
	home             *dssub.SubHome[tx.Resolution]
	cache            *cache.Cache
	replay           *replay.Consumer
	waiters          map[sgo.PublicKey][]chan<- waitResult
	resolved         map[sgo.PublicKey]tx.Resolution
	canceled         map[sgo.PublicKey]bool
	retention        time.Duration
}

func loopInternal(
	ctx context.Context,
	cancel context.CancelFunc,
	internalC <-chan func(*internal),
	home *dssub.SubHome[tx.Resolution],
	resolutionC <-chan tx.Resolution,
	canceledC <-chan sgo.PublicKey,
	c *cache.Cache,
	consumer *replay.Consumer,
	retention time.Duration,
	onExit func(),
) {
	defer cancel()
	doneC := ctx.Done()
	if retention <= 0 {
		retention = 10 * time.Minute
	}

	in := new(internal)
	in.ctx = ctx
	in.closeSignalCList = make([]chan<- error, 0)
	in.home = home
	in.cache = c
	in.replay = consumer
	in.waiters = make(map[sgo.PublicKey][]chan<- waitResult)
	in.resolved = make(map[sgo.PublicKey]tx.Resolution)
	in.canceled = make(map[sgo.PublicKey]bool)
	in.retention = retention

	evictC := time.After(retention)
out:
	for {
		select {
		case <-doneC:
			break out
		case req := <-internalC:
			req(in)
		case r := <-resolutionC:
			in.on_resolution(r)
		case job := <-canceledC:
			log.Debugf("canceled job %s failed; releasing its nonce", job.String())
			in.replay.Release(job)
		case <-evictC:
			in.evict(time.Now())
			evictC = time.After(retention)
		case id := <-home.DeleteC:
			home.Delete(id)
		case r := <-home.ReqC:
			home.Receive(r)
		}
	}

	err := errors.New("canceled")
	for job, list := range in.waiters {
		for _, ansC := range list {
			ansC <- waitResult{err: err}
		}
		delete(in.waiters, job)
	}
	home.Close()
	onExit()
	for _, signalC := range in.closeSignalCList {
		signalC <- nil
	}
}

func (in *internal) pending(job sgo.PublicKey) bool {
	s, present := in.cache.Get(job)
	return present && s.Status == tx.StatusPending
}

func (in *internal) on_resolution(r tx.Resolution) {
	job := r.JobId
	in.replay.Release(job)
	in.resolved[job] = r
	list, present := in.waiters[job]
	if present {
		for _, ansC := range list {
			ansC <- waitResult{r: r}
		}
		delete(in.waiters, job)
	}
	dropped := in.home.BroadcastNonBlocking(r)
	if 0 < dropped {
		log.Infof("%d resolution subscribers missed job %s", dropped, job.String())
	}
}

// wait answers at once when the job already resolved and nothing newer is in flight.
func (in *internal) wait(job sgo.PublicKey, ansC chan<- waitResult) {
	if in.canceled[job] {
		ansC <- waitResult{err: ErrJobCanceled}
		return
	}
	r, present := in.resolved[job]
	if present && !in.pending(job) {
		ansC <- waitResult{r: r}
		return
	}
	in.waiters[job] = append(in.waiters[job], ansC)
}

func (in *internal) cancel_job(job sgo.PublicKey) {
	in.canceled[job] = true
	list, present := in.waiters[job]
	if present {
		for _, ansC := range list {
			ansC <- waitResult{err: ErrJobCanceled}
		}
		delete(in.waiters, job)
	}
	if !in.pending(job) {
		in.replay.Release(job)
	}
}

func (in *internal) evict(now time.Time) {
	for job, r := range in.resolved {
		if in.retention < now.Sub(r.ResolvedAt) {
			delete(in.resolved, job)
		}
	}
}
