package source

import (
	"context"
	"errors"
	"sync"
)

// MockSource replays a fixed list of events, then reports ErrClosed.
type MockSource struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func CreateMockSource(events ...Event) *MockSource {
	list := make([]Event, len(events))
	copy(list, events)
	return &MockSource{events: list}
}

func (ms *MockSource) Append(events ...Event) {
	ms.mu.Lock()
	ms.events = append(ms.events, events...)
	ms.mu.Unlock()
}

func (ms *MockSource) Recv(ctx context.Context) (Event, error) {
	if ctx.Err() != nil {
		return Event{}, errors.New("canceled")
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed || len(ms.events) == 0 {
		return Event{}, ErrClosed
	}
	e := ms.events[0]
	ms.events = ms.events[1:]
	return e, nil
}

func (ms *MockSource) Close() error {
	ms.mu.Lock()
	ms.closed = true
	ms.mu.Unlock()
	return nil
}
