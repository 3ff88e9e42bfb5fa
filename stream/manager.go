// Package stream keeps one self-healing websocket subscription per topic and fans its
// updates out to any number of consumers.
package stream

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	dssub "github.com/solpipe/delivery/ds/sub"
	"github.com/solpipe/delivery/endpoint"
	"github.com/solpipe/delivery/meter"
	"github.com/solpipe/delivery/pool"
	"github.com/solpipe/delivery/util"
)

const TOPIC_BUFFER_SIZE = 100

// ErrGaveUp ends every subscription of a topic once reconnecting has failed too often.
var ErrGaveUp = errors.New("stream reconnect attempts exhausted")

type Configuration struct {
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// consecutive failed connects before subscribers get a terminal error
	MaxReconnects int
}

func DefaultConfiguration() Configuration {
	return Configuration{
		ReconnectBase: 500 * time.Millisecond,
		ReconnectMax:  30 * time.Second,
		MaxReconnects: 10,
	}
}

type Manager struct {
	ctx       context.Context
	internalC chan<- func(*internal)
}

func Create(ctx context.Context, p *pool.Pool, dialer Dialer, config Configuration) Manager {
	if dialer == nil {
		dialer = WsDialer{}
	}
	if config.ReconnectBase <= 0 {
		config = DefaultConfiguration()
	}
	internalC := make(chan func(*internal), 10)
	go loopInternal(ctx, internalC, p, dialer, config)
	return Manager{ctx: ctx, internalC: internalC}
}

func (m Manager) send(ctx context.Context, cb func(*internal)) error {
	select {
	case <-m.ctx.Done():
		return errors.New("canceled")
	case <-ctx.Done():
		return errors.New("canceled")
	case m.internalC <- cb:
		return nil
	}
}

// Subscribe attaches to topic, connecting it if this is its first subscriber.
func (m Manager) Subscribe(ctx context.Context, topic Topic) (dssub.Subscription[Update], error) {
	respC := make(chan topicHandle, 1)
	err := m.send(ctx, func(in *internal) {
		respC <- in.topic(topic)
	})
	if err != nil {
		return dssub.Subscription[Update]{}, err
	}
	var h topicHandle
	select {
	case <-ctx.Done():
		return dssub.Subscription[Update]{}, errors.New("canceled")
	case h = <-respC:
	}
	ctxC, cancel := util.MergeCtx(ctx, h.ctx)
	defer cancel()
	return dssub.SubscriptionRequestCtx(ctxC, h.reqC, TOPIC_BUFFER_SIZE, nil)
}

// Unsubscribe closes the topic connection; its subscribers see a nil error.
func (m Manager) Unsubscribe(topic Topic) {
	key := topic.Key()
	_ = m.send(m.ctx, func(in *internal) {
		h, present := in.topics[key]
		if present {
			h.cancel()
			delete(in.topics, key)
		}
	})
}

func (m Manager) CloseSignal() <-chan struct{} {
	return m.ctx.Done()
}

type topicHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
	reqC   chan<- dssub.ResponseChannel[Update]
}

type internal struct {
	ctx       context.Context
	p         *pool.Pool
	dialer    Dialer
	config    Configuration
	topics    map[string]topicHandle
	finishedC chan<- finished
}

type finished struct {
	key string
	ctx context.Context
}

func loopInternal(
	ctx context.Context,
	internalC <-chan func(*internal),
	p *pool.Pool,
	dialer Dialer,
	config Configuration,
) {
	doneC := ctx.Done()
	finishedC := make(chan finished, 1)
	in := new(internal)
	in.ctx = ctx
	in.p = p
	in.dialer = dialer
	in.config = config
	in.topics = make(map[string]topicHandle)
	in.finishedC = finishedC

out:
	for {
		select {
		case <-doneC:
			break out
		case req := <-internalC:
			req(in)
		case f := <-finishedC:
			// a newer loop for the same key may already have replaced this one
			h, present := in.topics[f.key]
			if present && h.ctx == f.ctx {
				delete(in.topics, f.key)
			}
		}
	}
	for _, h := range in.topics {
		h.cancel()
	}
}

func (in *internal) topic(topic Topic) topicHandle {
	key := topic.Key()
	h, present := in.topics[key]
	if present && h.ctx.Err() == nil {
		return h
	}
	ctxC, cancel := context.WithCancel(in.ctx)
	home := dssub.CreateSubHome[Update]()
	h = topicHandle{ctx: ctxC, cancel: cancel, reqC: home.ReqC}
	in.topics[key] = h
	go loopTopic(ctxC, cancel, in.p, in.dialer, in.config, topic, home, in.finishedC)
	return h
}

type feedResult struct {
	feed Feed
	err  error
}

func loopTopic(
	ctx context.Context,
	cancel context.CancelFunc,
	p *pool.Pool,
	dialer Dialer,
	config Configuration,
	topic Topic,
	home *dssub.SubHome[Update],
	finishedC chan<- finished,
) {
	var err error
	key := topic.Key()
	doneC := ctx.Done()
	defer func() {
		select {
		case finishedC <- finished{key: key, ctx: ctx}:
		case <-time.After(time.Second):
		}
	}()
	defer cancel()

	failures := 0
	delay := config.ReconnectBase
	lastSlot := make(map[string]uint64)

	var feed Feed
	var feedCancel context.CancelFunc
	updateC := make(chan Update, TOPIC_BUFFER_SIZE)
	var streamErrorC chan error
	dialC := make(chan feedResult, 1)
	dialing := false
	var nextC <-chan time.Time = time.After(0)

	closeFeed := func() {
		if feed != nil {
			feedCancel()
			feed.Close()
			feed = nil
		}
	}
	defer closeFeed()

out:
	for {
		select {
		case <-doneC:
			break out
		case r := <-home.ReqC:
			home.Receive(r)
		case id := <-home.DeleteC:
			home.Delete(id)
		case <-nextC:
			nextC = nil
			dialing = true
			go dial(ctx, p, dialer, topic, dialC)
		case r := <-dialC:
			dialing = false
			if r.err != nil {
				failures++
				log.Debugf("stream %s: connect %d/%d failed: %s", key, failures, config.MaxReconnects, r.err.Error())
				if config.MaxReconnects <= failures {
					err = errors.Join(ErrGaveUp, r.err)
					break out
				}
				nextC = time.After(delay)
				delay = nextDelay(delay, config)
				continue
			}
			failures = 0
			delay = config.ReconnectBase
			feed = r.feed
			var feedCtx context.Context
			feedCtx, feedCancel = context.WithCancel(ctx)
			// each connection gets its own error channel so a stale reader cannot kill a new feed
			streamErrorC = make(chan error, 1)
			go loopRead(feedCtx, feed, updateC, streamErrorC)
		case u := <-updateC:
			last, present := lastSlot[u.Key]
			if present && u.Slot <= last {
				continue
			}
			lastSlot[u.Key] = u.Slot
			if dropped := home.BroadcastNonBlocking(u); 0 < dropped {
				log.Debugf("stream %s: %d slow subscribers missed slot %d", key, dropped, u.Slot)
			}
		case err = <-streamErrorC:
			streamErrorC = nil
			closeFeed()
			meter.StreamReconnects.WithLabelValues(topic.Kind.String()).Inc()
			log.Debugf("stream %s disconnected: %s", key, err.Error())
			err = nil
			if !dialing {
				nextC = time.After(delay)
				delay = nextDelay(delay, config)
			}
		}
	}
	if dialing {
		go func() {
			if r := <-dialC; r.feed != nil {
				r.feed.Close()
			}
		}()
	}
	if err != nil {
		home.Fail(err)
	} else {
		home.Close()
	}
}

func nextDelay(delay time.Duration, config Configuration) time.Duration {
	delay *= 2
	if config.ReconnectMax < delay {
		delay = config.ReconnectMax
	}
	return delay
}

func dial(
	ctx context.Context,
	p *pool.Pool,
	dialer Dialer,
	topic Topic,
	dialC chan<- feedResult,
) {
	feed, err := pool.Call(ctx, p, pool.KindStream, func(ctx context.Context, e *endpoint.Endpoint) (Feed, error) {
		return dialer.Open(ctx, e, topic)
	})
	dialC <- feedResult{feed: feed, err: err}
}

func loopRead(ctx context.Context, feed Feed, updateC chan<- Update, errorC chan<- error) {
	doneC := ctx.Done()
	for {
		u, err := feed.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				errorC <- err
			}
			return
		}
		select {
		case <-doneC:
			return
		case updateC <- u:
		}
	}
}
