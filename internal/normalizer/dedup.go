package normalizer

import (
	"container/list"
	"sync"
	"time"
)

// DedupCache is a TTL-bound LRU of recently seen event fingerprints
type DedupCache struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	ll    *list.List               // most-recent at front
	items map[string]*list.Element // fingerprint -> element
}

type dedupEntry struct {
	key string
	exp time.Time
}

// NewDedupCache creates a cache holding at most maxKeys fingerprints for ttl
func NewDedupCache(maxKeys int, ttl time.Duration) *DedupCache {
	if maxKeys <= 0 {
		maxKeys = 50000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DedupCache{
		cap:   maxKeys,
		ttl:   ttl,
		ll:    list.New(),
		items: make(map[string]*list.Element, maxKeys),
	}
}

// CheckAndMark reports whether the fingerprint was already present and, if
// not, records it. Check and insert happen under one lock so two
// near-simultaneous duplicates can never both pass.
func (d *DedupCache) CheckAndMark(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if el, ok := d.items[key]; ok {
		en := el.Value.(dedupEntry)
		if now.Before(en.exp) {
			d.ll.MoveToFront(el)
			return true
		}
		d.ll.Remove(el)
		delete(d.items, key)
	}

	el := d.ll.PushFront(dedupEntry{key: key, exp: now.Add(d.ttl)})
	d.items[key] = el

	for d.ll.Len() > d.cap {
		t := d.ll.Back()
		if t == nil {
			break
		}
		old := t.Value.(dedupEntry)
		d.ll.Remove(t)
		delete(d.items, old.key)
	}
	// drop expired entries from the tail while we hold the lock
	for {
		t := d.ll.Back()
		if t == nil || now.Before(t.Value.(dedupEntry).exp) {
			break
		}
		d.ll.Remove(t)
		delete(d.items, t.Value.(dedupEntry).key)
	}
	return false
}

// Len returns the number of cached fingerprints
func (d *DedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ll.Len()
}
