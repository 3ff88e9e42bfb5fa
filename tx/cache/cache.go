// Package cache tracks every submission so that a job is never in flight twice.
package cache

import (
	"errors"
	"sync"
	"time"

	sgo "github.com/gagliardetto/solana-go"
	"github.com/solpipe/delivery/errormsg"
	"github.com/solpipe/delivery/tx"
)

var ErrNotFound = errors.New("transaction not in cache")

// ErrBadTransition is returned when an update would move a status backwards.
var ErrBadTransition = errors.New("status transition not allowed")

type Cache struct {
	mu sync.RWMutex
	// latest submission per job
	byJob map[sgo.PublicKey]*tx.Submitted
	bySig map[sgo.Signature]*tx.Submitted
}

func Create() *Cache {
	return &Cache{
		byJob: make(map[sgo.PublicKey]*tx.Submitted),
		bySig: make(map[sgo.Signature]*tx.Submitted),
	}
}

// Get returns the latest submission for the job.
func (c *Cache) Get(job sgo.PublicKey) (tx.Submitted, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, present := c.byJob[job]
	if !present {
		return tx.Submitted{}, false
	}
	return *s, true
}

func (c *Cache) GetBySignature(sig sgo.Signature) (tx.Submitted, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, present := c.bySig[sig]
	if !present {
		return tx.Submitted{}, false
	}
	return *s, true
}

// Insert stores s as the job's latest submission unless the job already has a Pending
// one, in which case that entry is returned with false.
func (c *Cache) Insert(s tx.Submitted) (tx.Submitted, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, present := c.byJob[s.JobId]
	if present && old.Status == tx.StatusPending {
		return *old, false
	}
	s.Status = tx.StatusPending
	n := new(tx.Submitted)
	*n = s
	c.byJob[s.JobId] = n
	c.bySig[s.Signature] = n
	return s, true
}

// UpdateStatus moves the submission identified by sig to status.  Terminal statuses are
// final.
func (c *Cache) UpdateStatus(
	sig sgo.Signature,
	status tx.Status,
	class errormsg.Class,
	now time.Time,
) (tx.Submitted, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, present := c.bySig[sig]
	if !present {
		return tx.Submitted{}, ErrNotFound
	}
	if !s.Status.CanMoveTo(status) {
		return *s, ErrBadTransition
	}
	s.Status = status
	if class != errormsg.ClassNone {
		s.LastClass = class
	}
	if status.Terminal() {
		s.ResolvedAt = now
	}
	return *s, nil
}

// MarkSendError records that delivery of sig failed; the monitor resolves it.
func (c *Cache) MarkSendError(sig sgo.Signature, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, present := c.bySig[sig]
	if !present {
		return ErrNotFound
	}
	s.SendError = err
	s.LastClass = errormsg.Classify(err)
	return nil
}

// SetEncoded stores the wire form of sig for later reuse.
func (c *Cache) SetEncoded(sig sgo.Signature, encoded string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, present := c.bySig[sig]
	if !present {
		return ErrNotFound
	}
	s.Encoded = encoded
	return nil
}

func (c *Cache) Pending() []tx.Submitted {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ans := make([]tx.Submitted, 0)
	for _, s := range c.bySig {
		if s.Status == tx.StatusPending {
			ans = append(ans, *s)
		}
	}
	return ans
}

// EvictTerminalOlderThan drops resolved submissions resolved before now-d.
func (c *Cache) EvictTerminalOlderThan(now time.Time, d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.Add(-d)
	n := 0
	for sig, s := range c.bySig {
		if !s.Status.Terminal() || !s.ResolvedAt.Before(cutoff) {
			continue
		}
		delete(c.bySig, sig)
		if latest, present := c.byJob[s.JobId]; present && latest == s {
			delete(c.byJob, s.JobId)
		}
		n++
	}
	return n
}

// Remove forgets every submission of the job.
func (c *Cache) Remove(job sgo.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byJob, job)
	for sig, s := range c.bySig {
		if s.JobId.Equals(job) {
			delete(c.bySig, sig)
		}
	}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bySig)
}
