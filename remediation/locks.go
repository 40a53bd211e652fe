package remediation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrResourceBusy reports that another run held the resource lock for longer
// than the caller was willing to queue.
var ErrResourceBusy = errors.New("resource busy")

// lockTable serializes remediation per resource. Each resource owns a
// one-slot token channel; waiters queue on the send and acquire in order.
// Slots are reference counted and evicted once nobody holds or waits on
// them, so the table does not grow with every resource ever remediated.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*lockSlot)}
}

// retain returns the slot for key, creating it if needed, with its refcount
// bumped for the caller.
func (lt *lockTable) retain(key string) *lockSlot {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	slot, ok := lt.locks[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		lt.locks[key] = slot
	}
	slot.refs++
	return slot
}

// drop releases one reference on key and evicts the slot when it was the last
func (lt *lockTable) drop(key string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	slot, ok := lt.locks[key]
	if !ok {
		return
	}
	slot.refs--
	if slot.refs <= 0 {
		delete(lt.locks, key)
	}
}

// acquire blocks until the resource lock is free, maxWait elapses, or ctx is
// cancelled. A successful acquire keeps its reference until release.
func (lt *lockTable) acquire(ctx context.Context, key string, maxWait time.Duration) error {
	slot := lt.retain(key)

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case slot.ch <- struct{}{}:
		return nil
	case <-timer.C:
		lt.drop(key)
		return fmt.Errorf("%w: %s held for over %s", ErrResourceBusy, key, maxWait)
	case <-ctx.Done():
		lt.drop(key)
		return ctx.Err()
	}
}

func (lt *lockTable) release(key string) {
	lt.mu.Lock()
	slot, ok := lt.locks[key]
	lt.mu.Unlock()
	if !ok {
		return
	}
	<-slot.ch
	lt.drop(key)
}

// size reports how many resource slots are currently live
func (lt *lockTable) size() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.locks)
}
