// Package lockmap is a sharded lock map shared by bufcache (buffer
// pins) and icache (per-inode sleep-locks) — the bottom two tiers of
// the lock-ordering rule in spec.md §5.
//
// The API behaves as if there were a lock for every possible uint64
// key (a block number or an inode number); ShardLock.Acquire(k)
// acquires it and ShardLock.Release(k) releases it. Internally only a
// fixed number of shards is kept, each guarding the lock state for
// every key that hashes to it, so acquiring contends only with other
// keys in the same shard.
package lockmap

import "sync"

type lockState struct {
	held    bool
	cond    *sync.Cond
	waiters uint64
}

type shard struct {
	mu    sync.Mutex
	state map[uint64]*lockState
}

func newShard() *shard {
	return &shard{state: make(map[uint64]*lockState)}
}

func (s *shard) acquire(key uint64) {
	s.mu.Lock()
	for {
		st, ok := s.state[key]
		if !ok {
			st = &lockState{cond: sync.NewCond(&s.mu)}
			s.state[key] = st
		}
		if !st.held {
			st.held = true
			s.mu.Unlock()
			return
		}
		st.waiters++
		st.cond.Wait()
		if st2, ok := s.state[key]; ok {
			st2.waiters--
		}
	}
}

// tryAcquire attempts to acquire key without blocking.
func (s *shard) tryAcquire(key uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[key]
	if !ok {
		s.state[key] = &lockState{held: true, cond: sync.NewCond(&s.mu)}
		return true
	}
	if st.held {
		return false
	}
	st.held = true
	return true
}

func (s *shard) release(key uint64) {
	s.mu.Lock()
	st := s.state[key]
	if st == nil || !st.held {
		s.mu.Unlock()
		panic("lockmap: release of unheld lock")
	}
	st.held = false
	if st.waiters > 0 {
		st.cond.Signal()
	} else {
		delete(s.state, key)
	}
	s.mu.Unlock()
}

const defaultShards uint64 = 43

// ShardLock is a sharded collection of per-key locks.
type ShardLock struct {
	shards []*shard
	n      uint64
}

// New creates a ShardLock with the default shard count.
func New() *ShardLock {
	return NewN(defaultShards)
}

// NewN creates a ShardLock with an explicit shard count, useful for
// tests that want to force collisions.
func NewN(n uint64) *ShardLock {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = newShard()
	}
	return &ShardLock{shards: shards, n: n}
}

func (l *ShardLock) shardFor(key uint64) *shard {
	return l.shards[key%l.n]
}

// Acquire blocks until the lock for key is held.
func (l *ShardLock) Acquire(key uint64) {
	l.shardFor(key).acquire(key)
}

// TryAcquire acquires the lock for key only if it is free.
func (l *ShardLock) TryAcquire(key uint64) bool {
	return l.shardFor(key).tryAcquire(key)
}

// Release releases a previously-acquired lock for key.
func (l *ShardLock) Release(key uint64) {
	l.shardFor(key).release(key)
}
