package retry

import (
	"errors"
	"sync"
	"time"

	sgo "github.com/gagliardetto/solana-go"
	"github.com/solpipe/delivery/ds/list"
	"github.com/solpipe/delivery/tx"
)

var ErrNotFound = errors.New("no retry entry for job")

// Store holds the backlog, one entry per job.
type Store interface {
	// Put inserts or replaces the job's entry.
	Put(entry tx.RetryEntry) error
	Get(job sgo.PublicKey) (tx.RetryEntry, error)
	Delete(job sgo.PublicKey) error
	// Due lists entries that are not in flight and whose NextAt is at or before now,
	// earliest first.
	Due(now time.Time) ([]tx.RetryEntry, error)
	Len() (int, error)
	// Recover clears in-flight flags left behind by a previous process.
	Recover() error
	Close() error
}

type memoryStore struct {
	mu    sync.Mutex
	order *list.Generic[tx.RetryEntry]
	byJob map[sgo.PublicKey]*list.Node[tx.RetryEntry]
}

// CreateMemoryStore keeps entries ordered by NextAt in a linked list.
func CreateMemoryStore() Store {
	return &memoryStore{
		order: list.CreateGeneric[tx.RetryEntry](),
		byJob: make(map[sgo.PublicKey]*list.Node[tx.RetryEntry]),
	}
}

func byNextAt(a tx.RetryEntry, b tx.RetryEntry) bool {
	return a.NextAt.Before(b.NextAt)
}

func (ms *memoryStore) Put(entry tx.RetryEntry) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	job := entry.JobId()
	if node, present := ms.byJob[job]; present {
		ms.order.Remove(node)
	}
	ms.byJob[job] = ms.order.InsertSorted(entry, byNextAt)
	return nil
}

func (ms *memoryStore) Get(job sgo.PublicKey) (tx.RetryEntry, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	node, present := ms.byJob[job]
	if !present {
		return tx.RetryEntry{}, ErrNotFound
	}
	return node.Value(), nil
}

func (ms *memoryStore) Delete(job sgo.PublicKey) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	node, present := ms.byJob[job]
	if present {
		ms.order.Remove(node)
		delete(ms.byJob, job)
	}
	return nil
}

func (ms *memoryStore) Due(now time.Time) ([]tx.RetryEntry, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ans := make([]tx.RetryEntry, 0)
	for node := ms.order.HeadNode(); node != nil; node = node.Next() {
		e := node.Value()
		if now.Before(e.NextAt) {
			break
		}
		if !e.InFlight {
			ans = append(ans, e)
		}
	}
	return ans, nil
}

func (ms *memoryStore) Len() (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return int(ms.order.Size), nil
}

func (ms *memoryStore) Recover() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for node := ms.order.HeadNode(); node != nil; node = node.Next() {
		e := node.Value()
		e.InFlight = false
		node.ChangeValue(e)
	}
	return nil
}

func (ms *memoryStore) Close() error {
	return nil
}
