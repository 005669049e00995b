// Package buyerlock serializes purchase flows per buyer.
package buyerlock

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrBusy is returned when the buyer already has a purchase flow in flight.
var ErrBusy = errors.New("buyerlock: purchase already in progress")

// Locker grants at most one holder per buyer. The release function is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, buyerID string) (func(), error)
}

// MemoryLocker keeps locks in process memory.
type MemoryLocker struct {
	mutex sync.Mutex
	held  map[string]struct{}
}

// NewMemoryLocker returns an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// Acquire takes the buyer's lock or fails with ErrBusy without waiting.
func (locker *MemoryLocker) Acquire(ctx context.Context, buyerID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := strings.TrimSpace(buyerID)
	locker.mutex.Lock()
	defer locker.mutex.Unlock()
	if _, busy := locker.held[key]; busy {
		return nil, ErrBusy
	}
	locker.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			locker.mutex.Lock()
			delete(locker.held, key)
			locker.mutex.Unlock()
		})
	}, nil
}
