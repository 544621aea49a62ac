package dataType

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// slot holds the count of one wall-clock second.
type slot struct {
	second int64
	count  int64
}

type window struct {
	slots    []slot
	lastSeen int64
}

func newWindow(size int64) *window {
	return &window{slots: make([]slot, size)}
}

func (w *window) add(sec int64) {
	idx := sec % int64(len(w.slots))
	if w.slots[idx].second != sec {
		w.slots[idx] = slot{second: sec, count: 1}
	} else {
		w.slots[idx].count++
	}
	w.lastSeen = sec
}

// sum counts events in the last n seconds ending at now, now included.
func (w *window) sum(n, now int64) int64 {
	size := int64(len(w.slots))
	if n > size {
		n = size
	}
	var total int64
	for sec := now - n + 1; sec <= now; sec++ {
		s := w.slots[sec%size]
		if s.second == sec {
			total += s.count
		}
	}
	return total
}

type windowShard struct {
	mu      sync.Mutex
	windows map[uint64]*window
}

// RateWindow counts received beacons per sender over a sliding window of
// whole seconds. Senders are spread over shards by xxhash of their id.
type RateWindow struct {
	shards []*windowShard
	size   int64
}

func NewRateWindow(shards int, seconds int64) *RateWindow {
	if shards < 1 {
		shards = 1
	}
	if seconds < 1 {
		seconds = 1
	}
	rw := &RateWindow{
		shards: make([]*windowShard, shards),
		size:   seconds,
	}
	for i := range rw.shards {
		rw.shards[i] = &windowShard{windows: make(map[uint64]*window)}
	}
	return rw
}

func (rw *RateWindow) shard(h uint64) *windowShard {
	return rw.shards[h%uint64(len(rw.shards))]
}

// AddAt records one event for key in the second containing at.
func (rw *RateWindow) AddAt(key string, at time.Time) {
	h := xxhash.Sum64String(key)
	sh := rw.shard(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	w, ok := sh.windows[h]
	if !ok {
		w = newWindow(rw.size)
		sh.windows[h] = w
	}
	w.add(at.Unix())
}

// RateAt returns events per second for key over the n seconds ending at now.
func (rw *RateWindow) RateAt(key string, n int64, now time.Time) float64 {
	if n < 1 {
		return 0
	}
	if n > rw.size {
		n = rw.size
	}
	h := xxhash.Sum64String(key)
	sh := rw.shard(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	w, ok := sh.windows[h]
	if !ok {
		return 0
	}
	return float64(w.sum(n, now.Unix())) / float64(n)
}

func (rw *RateWindow) Remove(key string) {
	h := xxhash.Sum64String(key)
	sh := rw.shard(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.windows, h)
}

// GC drops windows with no events inside the window span.
func (rw *RateWindow) GC(now time.Time) {
	threshold := now.Unix() - rw.size
	for _, sh := range rw.shards {
		sh.mu.Lock()
		for h, w := range sh.windows {
			if w.lastSeen < threshold {
				delete(sh.windows, h)
			}
		}
		sh.mu.Unlock()
	}
}
