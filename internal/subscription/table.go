// Package subscription keeps the interest relation between connections and tracks.
package subscription

import (
	"sync"

	"github.com/onnwee/livetrack/internal/track"
)

// Subscriber is a connection that can receive track updates.
// Deliver must not block; implementations queue the update and return.
type Subscriber interface {
	ID() string
	Deliver(update track.Update) error
}

// Table maps track identifiers to their current subscribers.
// Mutations and snapshot reads are serialized by one RWMutex, so a broadcast
// sees the subscriber set either before or after any given change.
type Table struct {
	mu     sync.RWMutex
	tracks map[string]map[string]Subscriber // trackID -> subscriberID -> subscriber
	conns  map[string]map[string]struct{}   // subscriberID -> trackIDs

	// onChange, if set, receives the total number of subscriptions after each change.
	onChange func(total int)
	total    int
}

// NewTable creates an empty subscription table.
func NewTable() *Table {
	return &Table{
		tracks: make(map[string]map[string]Subscriber),
		conns:  make(map[string]map[string]struct{}),
	}
}

// OnChange registers a callback invoked with the total subscription count.
// It is called with the table lock held and must not call back into the table.
func (t *Table) OnChange(fn func(total int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Subscribe adds the pair if absent and returns the subscriber count for trackID.
func (t *Table) Subscribe(sub Subscriber, trackID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := t.tracks[trackID]
	if subs == nil {
		subs = make(map[string]Subscriber)
		t.tracks[trackID] = subs
	}
	if _, exists := subs[sub.ID()]; !exists {
		subs[sub.ID()] = sub

		watched := t.conns[sub.ID()]
		if watched == nil {
			watched = make(map[string]struct{})
			t.conns[sub.ID()] = watched
		}
		watched[trackID] = struct{}{}

		t.total++
		t.notify()
	}
	return len(subs)
}

// Unsubscribe removes the pair if present and returns the remaining count for trackID.
func (t *Table) Unsubscribe(sub Subscriber, trackID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.remove(sub.ID(), trackID) {
		t.notify()
	}
	return len(t.tracks[trackID])
}

// Remove drops every subscription owned by sub and returns the tracks it left.
// Call it when the connection closes.
func (t *Table) Remove(sub Subscriber) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	watched := t.conns[sub.ID()]
	if len(watched) == 0 {
		return nil
	}

	left := make([]string, 0, len(watched))
	for trackID := range watched {
		left = append(left, trackID)
	}
	for _, trackID := range left {
		t.remove(sub.ID(), trackID)
	}
	t.notify()
	return left
}

// remove deletes one pair; the caller holds the write lock.
func (t *Table) remove(subID, trackID string) bool {
	subs, ok := t.tracks[trackID]
	if !ok {
		return false
	}
	if _, ok := subs[subID]; !ok {
		return false
	}

	delete(subs, subID)
	if len(subs) == 0 {
		delete(t.tracks, trackID)
	}

	if watched := t.conns[subID]; watched != nil {
		delete(watched, trackID)
		if len(watched) == 0 {
			delete(t.conns, subID)
		}
	}
	t.total--
	return true
}

func (t *Table) notify() {
	if t.onChange != nil {
		t.onChange(t.total)
	}
}

// Count returns the number of subscribers of trackID.
func (t *Table) Count(trackID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.tracks[trackID])
}

// Subscribers returns a snapshot of the subscribers of trackID.
// The returned slice is owned by the caller.
func (t *Table) Subscribers(trackID string) []Subscriber {
	t.mu.RLock()
	defer t.mu.RUnlock()

	subs := t.tracks[trackID]
	if len(subs) == 0 {
		return nil
	}

	snapshot := make([]Subscriber, 0, len(subs))
	for _, s := range subs {
		snapshot = append(snapshot, s)
	}
	return snapshot
}

// Tracks returns the identifiers sub is subscribed to.
func (t *Table) Tracks(sub Subscriber) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	watched := t.conns[sub.ID()]
	ids := make([]string, 0, len(watched))
	for id := range watched {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the total number of subscriptions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}
