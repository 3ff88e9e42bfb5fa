package source

import (
	"context"
	"errors"
	"sync"

	sgo "github.com/gagliardetto/solana-go"
	sgorpc "github.com/gagliardetto/solana-go/rpc"
	log "github.com/sirupsen/logrus"
	"github.com/solpipe/delivery/stream"
)

const DEFAULT_PUSH_BUFFER = 100

// PushSource is fed from outside: in-process producers call Push, and watched job
// accounts stream in through the subscription manager.
type PushSource struct {
	ctx    context.Context
	cancel context.CancelFunc
	eventC chan Event

	mu      sync.Mutex
	watched map[sgo.PublicKey]stream.Topic
}

func CreatePushSource(ctx context.Context, bufferSize int) *PushSource {
	if bufferSize <= 0 {
		bufferSize = DEFAULT_PUSH_BUFFER
	}
	ctxC, cancel := context.WithCancel(ctx)
	return &PushSource{
		ctx:     ctxC,
		cancel:  cancel,
		eventC:  make(chan Event, bufferSize),
		watched: make(map[sgo.PublicKey]stream.Topic),
	}
}

// Push blocks while the buffer is full.
func (ps *PushSource) Push(ctx context.Context, event Event) error {
	if event.Message == nil && event.Control == nil {
		return errors.New("empty event")
	}
	if event.Message != nil {
		if err := event.Message.Validate(); err != nil {
			return err
		}
	}
	select {
	case <-ctx.Done():
		return errors.New("canceled")
	case <-ps.ctx.Done():
		return ErrClosed
	case ps.eventC <- event:
		return nil
	}
}

func (ps *PushSource) Recv(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, errors.New("canceled")
	case <-ps.ctx.Done():
		return Event{}, ErrClosed
	case e := <-ps.eventC:
		return e, nil
	}
}

// Watch runs detector on every change to the job account until Unwatch or Close.
func (ps *PushSource) Watch(
	ctx context.Context,
	m stream.Manager,
	job sgo.PublicKey,
	commitment sgorpc.CommitmentType,
	detector Detector,
) error {
	if detector == nil {
		return errors.New("no detector")
	}
	topic := stream.AccountTopic(job, commitment)
	ps.mu.Lock()
	_, present := ps.watched[job]
	if !present {
		ps.watched[job] = topic
	}
	ps.mu.Unlock()
	if present {
		return nil
	}
	sub, err := m.Subscribe(ctx, topic)
	if err != nil {
		ps.mu.Lock()
		delete(ps.watched, job)
		ps.mu.Unlock()
		return err
	}
	go ps.loopWatch(m, job, topic, sub.StreamC, sub.ErrorC, detector)
	return nil
}

func (ps *PushSource) Unwatch(m stream.Manager, job sgo.PublicKey) {
	ps.mu.Lock()
	topic, present := ps.watched[job]
	delete(ps.watched, job)
	ps.mu.Unlock()
	if present {
		m.Unsubscribe(topic)
	}
}

func (ps *PushSource) loopWatch(
	m stream.Manager,
	job sgo.PublicKey,
	topic stream.Topic,
	updateC <-chan stream.Update,
	errorC <-chan error,
	detector Detector,
) {
	doneC := ps.ctx.Done()
	var err error
out:
	for {
		select {
		case <-doneC:
			m.Unsubscribe(topic)
			break out
		case err = <-errorC:
			break out
		case u := <-updateC:
			msg, err2 := detector(ps.ctx, job, u.Data, u.Slot)
			if err2 != nil {
				log.Debugf("detector for job %s: %s", job.String(), err2.Error())
				continue
			}
			if msg == nil {
				continue
			}
			if err2 = ps.Push(ps.ctx, MessageEvent(*msg)); err2 != nil {
				break out
			}
		}
	}
	if err != nil {
		log.Infof("watch on job %s ended: %s", job.String(), err.Error())
	}
	ps.mu.Lock()
	if t, present := ps.watched[job]; present && t == topic {
		delete(ps.watched, job)
	}
	ps.mu.Unlock()
}

func (ps *PushSource) Close() error {
	ps.cancel()
	return nil
}
