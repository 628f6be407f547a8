package engine

import (
	"context"
	"sync"
)

// matchLocks serializes admission per match. Entries are dropped once no
// caller holds or waits on them.
type matchLocks struct {
	mu    sync.Mutex
	slots map[string]*matchSlot
}

type matchSlot struct {
	ch   chan struct{}
	refs int
}

func newMatchLocks() *matchLocks {
	return &matchLocks{slots: map[string]*matchSlot{}}
}

// lock blocks until the match is free or ctx is done.
func (l *matchLocks) lock(ctx context.Context, matchID string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[matchID]
	if !ok {
		slot = &matchSlot{ch: make(chan struct{}, 1)}
		l.slots[matchID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(matchID, slot)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			l.release(matchID, slot)
		})
	}, nil
}

func (l *matchLocks) release(matchID string, slot *matchSlot) {
	l.mu.Lock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, matchID)
	}
	l.mu.Unlock()
}

func (l *matchLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
