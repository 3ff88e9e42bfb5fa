package sub

import (
	"context"
	"errors"
)

const DEFAULT_BUFFER_SIZE = 10

// Subscription is the consumer side of a SubHome broadcast.
// ErrorC receives exactly one value when the subscription ends: nil on a clean close.
type Subscription[T any] struct {
	id      int
	deleteC chan<- int
	StreamC <-chan T
	ErrorC  <-chan error
}

// Unsubscribe must not be called after the owning SubHome loop has exited.
func (s Subscription[T]) Unsubscribe() {
	s.deleteC <- s.id
}

type innerSubscription[T any] struct {
	id      int
	streamC chan<- T
	errorC  chan<- error
	filter  func(T) bool
}

type ResponseChannel[T any] struct {
	RespC      chan<- Subscription[T]
	filter     func(T) bool
	bufferSize int
}

func SubscriptionRequest[T any](reqC chan<- ResponseChannel[T], filterCallback func(T) bool) Subscription[T] {
	return SubscriptionRequestWithBufferSize(reqC, DEFAULT_BUFFER_SIZE, filterCallback)
}

func SubscriptionRequestWithBufferSize[T any](
	reqC chan<- ResponseChannel[T],
	bufferSize int,
	filterCallback func(T) bool,
) Subscription[T] {
	respC := make(chan Subscription[T], 1)
	if filterCallback == nil {
		filterCallback = AllowAll[T]
	}
	reqC <- ResponseChannel[T]{
		RespC:      respC,
		filter:     filterCallback,
		bufferSize: bufferSize,
	}
	return <-respC
}

// SubscriptionRequestCtx gives up when ctx ends, which matters when the owning loop may
// already have exited.
func SubscriptionRequestCtx[T any](
	ctx context.Context,
	reqC chan<- ResponseChannel[T],
	bufferSize int,
	filterCallback func(T) bool,
) (Subscription[T], error) {
	respC := make(chan Subscription[T], 1)
	if filterCallback == nil {
		filterCallback = AllowAll[T]
	}
	doneC := ctx.Done()
	select {
	case <-doneC:
		return Subscription[T]{}, errors.New("canceled")
	case reqC <- ResponseChannel[T]{RespC: respC, filter: filterCallback, bufferSize: bufferSize}:
	}
	select {
	case <-doneC:
		return Subscription[T]{}, errors.New("canceled")
	case s := <-respC:
		return s, nil
	}
}

func AllowAll[T any](x T) bool {
	return true
}

// SubHome is owned by a single goroutine; none of its methods are safe for concurrent use.
type SubHome[T any] struct {
	id      int
	subs    map[int]*innerSubscription[T]
	DeleteC chan int
	ReqC    chan ResponseChannel[T]
}

func CreateSubHome[T any]() *SubHome[T] {
	reqC := make(chan ResponseChannel[T], 10)
	return &SubHome[T]{
		id: 0, subs: make(map[int]*innerSubscription[T]), DeleteC: make(chan int, 10), ReqC: reqC,
	}
}

func (sh *SubHome[T]) SubscriberCount() int {
	return len(sh.subs)
}

func (sh *SubHome[T]) Broadcast(value T) {
	for _, v := range sh.subs {
		if v.filter(value) {
			v.streamC <- value
		}
	}
}

// BroadcastNonBlocking skips subscribers whose buffer is full and returns how many were skipped.
func (sh *SubHome[T]) BroadcastNonBlocking(value T) int {
	dropped := 0
	for _, v := range sh.subs {
		if !v.filter(value) {
			continue
		}
		select {
		case v.streamC <- value:
		default:
			dropped++
		}
	}
	return dropped
}

func (sh *SubHome[T]) Delete(id int) {
	p, present := sh.subs[id]
	if present {
		p.errorC <- nil
		delete(sh.subs, id)
	}
}

// Fail ends every subscription with err.
func (sh *SubHome[T]) Fail(err error) {
	for _, v := range sh.subs {
		v.errorC <- err
	}
	sh.subs = make(map[int]*innerSubscription[T])
}

// close all subscriptions
func (sh *SubHome[T]) Close() {
	sh.Fail(nil)
}

func (sh *SubHome[T]) Receive(resp ResponseChannel[T]) {
	id := sh.id
	sh.id++
	size := resp.bufferSize
	if size <= 0 {
		size = DEFAULT_BUFFER_SIZE
	}
	filter := resp.filter
	if filter == nil {
		filter = AllowAll[T]
	}
	streamC := make(chan T, size)
	errorC := make(chan error, 1)
	sh.subs[id] = &innerSubscription[T]{
		id: id, streamC: streamC, errorC: errorC, filter: filter,
	}
	resp.RespC <- Subscription[T]{id: id, StreamC: streamC, ErrorC: errorC, deleteC: sh.DeleteC}
}
