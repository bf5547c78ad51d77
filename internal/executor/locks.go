package executor

import (
	"context"
	"sync"
)

// NodeLocks serialises mutation of a node across concurrent engine runs.
// The zero value is not usable; use NewNodeLocks.
type NodeLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// DefaultLocks is shared by every engine in the process
var DefaultLocks = NewNodeLocks()

// NewNodeLocks creates an empty lock registry
func NewNodeLocks() *NodeLocks {
	return &NodeLocks{slots: make(map[string]chan struct{})}
}

// Acquire blocks until node is free or ctx is done
func (l *NodeLocks) Acquire(ctx context.Context, node string) (release func(), err error) {
	l.mu.Lock()
	slot, ok := l.slots[node]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[node] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
