package relay

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockShards = 32

// trackLocks hands out one mutex per track. Entries live only while held or
// awaited, so idle tracks cost nothing and unrelated tracks never contend.
type trackLocks struct {
	shards [lockShards]lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*trackLock
}

type trackLock struct {
	mu   sync.Mutex
	refs int
}

func newTrackLocks() *trackLocks {
	l := &trackLocks{}
	for i := range l.shards {
		l.shards[i].locks = make(map[string]*trackLock)
	}
	return l
}

// lock blocks until the caller owns trackID and returns the unlock function.
func (l *trackLocks) lock(trackID string) func() {
	shard := &l.shards[xxhash.Sum64String(trackID)%lockShards]

	shard.mu.Lock()
	tl := shard.locks[trackID]
	if tl == nil {
		tl = &trackLock{}
		shard.locks[trackID] = tl
	}
	tl.refs++
	shard.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()

		shard.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(shard.locks, trackID)
		}
		shard.mu.Unlock()
	}
}

// held returns the number of tracks with a live lock entry.
func (l *trackLocks) held() int {
	n := 0
	for i := range l.shards {
		l.shards[i].mu.Lock()
		n += len(l.shards[i].locks)
		l.shards[i].mu.Unlock()
	}
	return n
}
