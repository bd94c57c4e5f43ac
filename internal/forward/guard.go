package forward

import (
	"strings"
	"sync"
	"time"
)

// Clock returns the current time. Tests swap it for a manual clock.
type Clock func() time.Time

// ttlSet is a set of keys with a per-entry expiry. Expired entries are
// treated as absent and swept lazily, at most once per ttl.
type ttlSet struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       Clock
	entries   map[string]time.Time
	lastSweep time.Time
}

func newTTLSet(ttl time.Duration, now Clock) *ttlSet {
	if now == nil {
		now = time.Now
	}
	return &ttlSet{ttl: ttl, now: now, entries: make(map[string]time.Time)}
}

// reserve inserts key unless a live entry exists. Reports whether it inserted.
func (s *ttlSet) reserve(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)
	if exp, ok := s.entries[key]; ok && now.Before(exp) {
		return false
	}
	s.entries[key] = now.Add(s.ttl)
	return true
}

// take removes key and reports whether it was live.
func (s *ttlSet) take(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)
	exp, ok := s.entries[key]
	if !ok {
		return false
	}
	delete(s.entries, key)
	return now.Before(exp)
}

func (s *ttlSet) remove(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (s *ttlSet) reset() {
	s.mu.Lock()
	s.entries = make(map[string]time.Time)
	s.mu.Unlock()
}

func (s *ttlSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *ttlSet) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < s.ttl {
		return
	}
	for k, exp := range s.entries {
		if !now.Before(exp) {
			delete(s.entries, k)
		}
	}
	s.lastSweep = now
}

// SelfSent remembers the ids of messages this process sends so their echoes
// are not forwarded again.
type SelfSent struct {
	set *ttlSet
}

func NewSelfSent(ttl time.Duration, now Clock) *SelfSent {
	return &SelfSent{set: newTTLSet(ttl, now)}
}

// Remember records an outgoing id. Call it before sending.
func (g *SelfSent) Remember(id string) {
	g.set.mu.Lock()
	defer g.set.mu.Unlock()
	now := g.set.now()
	g.set.sweepLocked(now)
	g.set.entries[id] = now.Add(g.set.ttl)
}

// Consume reports whether id was sent by us, removing it. A second call for
// the same id returns false.
func (g *SelfSent) Consume(id string) bool { return g.set.take(id) }

// Forget drops an id whose send failed.
func (g *SelfSent) Forget(id string) { g.set.remove(id) }

func (g *SelfSent) Reset()   { g.set.reset() }
func (g *SelfSent) Len() int { return g.set.len() }

// Dedup suppresses identical content relayed between the same pair of
// groups within a short window.
type Dedup struct {
	set    *ttlSet
	prefix int
}

func NewDedup(ttl time.Duration, prefix int, now Clock) *Dedup {
	return &Dedup{set: newTTLSet(ttl, now), prefix: prefix}
}

// Key builds the dedup key from the route and the first runes of the body.
func (g *Dedup) Key(from, to, body string) string {
	r := []rune(body)
	if len(r) > g.prefix {
		r = r[:g.prefix]
	}
	return strings.Join([]string{from, to, string(r)}, "\x00")
}

// Reserve claims key. It returns false if a live reservation exists.
func (g *Dedup) Reserve(key string) bool { return g.set.reserve(key) }

// Release drops a reservation whose send failed.
func (g *Dedup) Release(key string) { g.set.remove(key) }

func (g *Dedup) Reset()   { g.set.reset() }
func (g *Dedup) Len() int { return g.set.len() }
