// Package series stores bounded per-signal time series for decoded frames.
package series

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	DefaultCapacity = 20000
	shardCount      = 64
)

// Key identifies one signal of one frame of one database in one session.
type Key struct {
	Session string `json:"session"`
	DBKey   string `json:"db_key"`
	FrameID uint32 `json:"frame_id"`
	Signal  string `json:"signal"`
}

// String renders "session:dbkey:frameid:signal" with a decimal frame ID.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%d:%s", k.Session, k.DBKey, k.FrameID, k.Signal)
}

// ParseKey is the inverse of Key.String. The database key may itself contain
// colons.
func ParseKey(s string) (Key, error) {
	first := strings.Index(s, ":")
	last := strings.LastIndex(s, ":")
	if first < 0 || first == last {
		return Key{}, fmt.Errorf("series: malformed key %q", s)
	}
	mid := s[first+1 : last]
	sep := strings.LastIndex(mid, ":")
	if sep < 0 {
		return Key{}, fmt.Errorf("series: malformed key %q", s)
	}
	id, err := strconv.ParseUint(mid[sep+1:], 10, 32)
	if err != nil {
		return Key{}, fmt.Errorf("series: malformed frame id in %q: %w", s, err)
	}
	return Key{Session: s[:first], DBKey: mid[:sep], FrameID: uint32(id), Signal: s[last+1:]}, nil
}

func (k Key) shard() uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.Session))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.DBKey))
	_, _ = h.Write([]byte{0, byte(k.FrameID), byte(k.FrameID >> 8), byte(k.FrameID >> 16), byte(k.FrameID >> 24)})
	_, _ = h.Write([]byte(k.Signal))
	return h.Sum32() % shardCount
}

// ring grows by append until it holds cap points, then overwrites the
// oldest in place.
type ring struct {
	t, v []float64
	head int
	cap  int
}

func (r *ring) push(t, v float64) {
	if len(r.t) < r.cap {
		r.t = append(r.t, t)
		r.v = append(r.v, v)
		return
	}
	r.t[r.head], r.v[r.head] = t, v
	r.head = (r.head + 1) % r.cap
}

func (r *ring) len() int { return len(r.t) }

func (r *ring) copyOut() ([]float64, []float64) {
	n := len(r.t)
	ts := make([]float64, 0, n)
	vs := make([]float64, 0, n)
	ts = append(append(ts, r.t[r.head:]...), r.t[:r.head]...)
	vs = append(append(vs, r.v[r.head:]...), r.v[:r.head]...)
	return ts, vs
}

type shard struct {
	mu     sync.RWMutex
	series map[Key]*ring
}

// Store is safe for one writer per session and any number of readers. Each
// key keeps at most Capacity points, oldest evicted first.
type Store struct {
	capacity int
	shards   [shardCount]*shard
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &Store{capacity: capacity}
	for i := range s.shards {
		s.shards[i] = &shard{series: map[Key]*ring{}}
	}
	return s
}

func (s *Store) Capacity() int { return s.capacity }

func (s *Store) Append(k Key, t, v float64) {
	sh := s.shards[k.shard()]
	sh.mu.Lock()
	r, ok := sh.series[k]
	if !ok {
		r = &ring{cap: s.capacity}
		sh.series[k] = r
	}
	r.push(t, v)
	sh.mu.Unlock()
}

// Get returns copies of the times and values of k, oldest first. An unknown
// key yields two empty slices.
func (s *Store) Get(k Key) ([]float64, []float64) {
	sh := s.shards[k.shard()]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	r, ok := sh.series[k]
	if !ok {
		return []float64{}, []float64{}
	}
	return r.copyOut()
}

func (s *Store) Len(k Key) int {
	sh := s.shards[k.shard()]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if r, ok := sh.series[k]; ok {
		return r.len()
	}
	return 0
}

// Keys lists every stored key, ordered by its string form.
func (s *Store) Keys() []Key {
	var out []Key
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.series {
			out = append(out, k)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// DeleteSession drops every series of a session and returns how many.
func (s *Store) DeleteSession(session string) int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k := range sh.series {
			if k.Session == session {
				delete(sh.series, k)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// ValueAt returns the value of k at time t: linear interpolation between
// samples, clamped to the first/last sample outside the stored range, and
// nearest sample when times are not monotonic.
func (s *Store) ValueAt(k Key, t float64) (float64, bool) {
	ts, vs := s.Get(k)
	return newSampler(ts, vs).at(t)
}

// Difference returns a(t) - b(t) at every sample time of a, with b
// interpolated. Both series need at least two points.
func (s *Store) Difference(a, b Key) ([]float64, []float64) {
	ta, va := s.Get(a)
	tb, vb := s.Get(b)
	if len(ta) < 2 || len(tb) < 2 {
		return []float64{}, []float64{}
	}
	sb := newSampler(tb, vb)
	out := make([]float64, len(ta))
	for i, t := range ta {
		y, _ := sb.at(t)
		out[i] = va[i] - y
	}
	return ta, out
}

type sampler struct {
	ts, vs    []float64
	monotonic bool
}

func newSampler(ts, vs []float64) sampler {
	mono := true
	for i := 1; i < len(ts); i++ {
		if ts[i] < ts[i-1] {
			mono = false
			break
		}
	}
	return sampler{ts: ts, vs: vs, monotonic: mono}
}

func (s sampler) at(q float64) (float64, bool) {
	n := len(s.ts)
	switch {
	case n == 0:
		return 0, false
	case n == 1:
		return s.vs[0], true
	case !s.monotonic:
		best := 0
		for i, t := range s.ts {
			if abs(t-q) < abs(s.ts[best]-q) {
				best = i
			}
		}
		return s.vs[best], true
	case q <= s.ts[0]:
		return s.vs[0], true
	case q >= s.ts[n-1]:
		return s.vs[n-1], true
	}
	// First sample strictly after q; ts[i-1] <= q < ts[i].
	i := sort.Search(n, func(i int) bool { return s.ts[i] > q })
	t0, t1 := s.ts[i-1], s.ts[i]
	v0, v1 := s.vs[i-1], s.vs[i]
	if t1 == t0 {
		return v1, true
	}
	return v0 + (v1-v0)*(q-t0)/(t1-t0), true
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
