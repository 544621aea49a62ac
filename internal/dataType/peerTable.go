package dataType

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// ReorderWindow is how far below the last seen seq a beacon may arrive and
// still count as late. Anything further back is taken as a sender restart,
// as is any lower seq whose ts is newer than the last one seen.
const ReorderWindow = 64

// PeerTable keeps the latest state of every sender heard on the group.
// It is bounded: the least recently heard sender is evicted first.
type PeerTable struct {
	mu     sync.Mutex
	peers  *lru.Cache
	rates  *RateWindow
	expiry time.Duration
}

func NewPeerTable(maxPeers int, expiry time.Duration) (*PeerTable, error) {
	rates := NewRateWindow(16, 10)
	peers, err := lru.NewWithEvict(maxPeers, func(key, _ interface{}) {
		rates.Remove(key.(string))
	})
	if err != nil {
		return nil, fmt.Errorf("peer table: %w", err)
	}
	return &PeerTable{peers: peers, rates: rates, expiry: expiry}, nil
}

// Observe folds one received beacon into the table and returns the updated
// state of its sender.
func (pt *PeerTable) Observe(b Beacon, src string, at time.Time) PeerState {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.rates.AddAt(b.ID, at)

	v, ok := pt.peers.Get(b.ID)
	if !ok {
		st := &PeerState{ID: b.ID, FirstSeen: at, Received: 1}
		st.update(b, src, at)
		pt.peers.Add(b.ID, st)
		return *st
	}
	st := v.(*PeerState)
	st.Received++
	st.LastSeen = at

	switch {
	case b.Seq > st.LastSeq:
		st.Lost += b.Seq - st.LastSeq - 1
		st.update(b, src, at)
	case st.LastSeq-b.Seq > ReorderWindow, b.TS > st.LastSentTS:
		// A late beacon carries an older ts; a lower seq stamped after the
		// last one comes from a fresh counter.
		st.Restarts++
		st.update(b, src, at)
	default:
		st.OutOfOrder++
	}
	return *st
}

func (st *PeerState) update(b Beacon, src string, at time.Time) {
	st.Addr = src
	st.LastSeq = b.Seq
	st.LastSeen = at
	st.LastSentTS = b.TS
	st.Lat = b.Lat
	st.Lon = b.Lon
	st.Speed = b.Speed
}

func (pt *PeerTable) Get(id string) (PeerState, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	v, ok := pt.peers.Peek(id)
	if !ok {
		return PeerState{}, false
	}
	return *v.(*PeerState), true
}

func (pt *PeerTable) Len() int {
	return pt.peers.Len()
}

// Cleanup removes senders not heard from within the expiry and reports how
// many were removed. A zero expiry keeps every sender.
func (pt *PeerTable) Cleanup(now time.Time) int {
	if pt.expiry <= 0 {
		return 0
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()

	removed := 0
	// Keys are ordered oldest first, so stop at the first live entry.
	for _, k := range pt.peers.Keys() {
		v, ok := pt.peers.Peek(k)
		if !ok {
			continue
		}
		if now.Sub(v.(*PeerState).LastSeen) <= pt.expiry {
			break
		}
		pt.peers.Remove(k)
		removed++
	}
	pt.rates.GC(now)
	return removed
}

// Snapshot returns a copy of every sender, sorted by id.
func (pt *PeerTable) Snapshot(now time.Time) []PeerSnapshot {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	keys := pt.peers.Keys()
	out := make([]PeerSnapshot, 0, len(keys))
	for _, k := range keys {
		v, ok := pt.peers.Peek(k)
		if !ok {
			continue
		}
		id := k.(string)
		out = append(out, PeerSnapshot{
			PeerState: *v.(*PeerState),
			Rate1s:    pt.rates.RateAt(id, 1, now),
			Rate10s:   pt.rates.RateAt(id, 10, now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func StartPeerTableGC(table *PeerTable, interval time.Duration, stopCh <-chan struct{}) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			table.Cleanup(now)
		case <-stopCh:
			return
		}
	}
}
