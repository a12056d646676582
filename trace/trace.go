// Package trace keeps a bounded, sequenced history of bus frames.
package trace

import (
	"sync"

	"canscope/bus"
)

const (
	DefaultCapacity = 20000
	DefaultBitrate  = 500000
)

// Record is one traced frame. Delta is nil the first time an arbitration ID
// is seen after a Clear.
type Record struct {
	Seq       uint64        `json:"seq"`
	Time      float64       `json:"time"`
	SOF       float64       `json:"sof"`
	Delta     *float64      `json:"delta"`
	Channel   string        `json:"channel"`
	Direction bus.Direction `json:"direction"`
	ID        uint32        `json:"id"`
	Extended  bool          `json:"extended"`
	FD        bool          `json:"fd,omitempty"`
	DLC       int           `json:"dlc"`
	Data      []byte        `json:"data"`
	DBKey     string        `json:"db_key"`
	Message   string        `json:"message"`
}

// Buffer is a ring of Records. Sequence numbers start at 1 and keep growing
// across Clear.
type Buffer struct {
	mu       sync.RWMutex
	items    []Record
	capacity int
	head     int // oldest record
	size     int
	seq      uint64
	lastTime map[uint32]float64
	bitrate  float64
}

func New(capacity, bitrate int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if bitrate <= 0 {
		bitrate = DefaultBitrate
	}
	return &Buffer{
		items:    make([]Record, capacity),
		capacity: capacity,
		lastTime: map[uint32]float64{},
		bitrate:  float64(bitrate),
	}
}

// frameBits roughly estimates the bits a frame occupies on the wire, stuff
// bits ignored.
func frameBits(dlc int, extended bool) int {
	base := 47
	if extended {
		base = 67
	}
	return base + max(0, min(64, dlc))*8
}

// Push appends a frame and returns the stored record.
func (b *Buffer) Push(f bus.Frame, channel, dbKey, msgName string) Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	var delta *float64
	if last, ok := b.lastTime[f.ID]; ok {
		d := f.Time - last
		delta = &d
	}
	b.lastTime[f.ID] = f.Time

	b.seq++
	rec := Record{
		Seq:       b.seq,
		Time:      f.Time,
		SOF:       max(0, f.Time-float64(frameBits(f.DLC(), f.Extended))/b.bitrate),
		Delta:     delta,
		Channel:   channel,
		Direction: f.Direction,
		ID:        f.ID,
		Extended:  f.Extended,
		FD:        f.FD,
		DLC:       f.DLC(),
		Data:      append([]byte(nil), f.Data...),
		DBKey:     dbKey,
		Message:   msgName,
	}

	tail := (b.head + b.size) % b.capacity
	b.items[tail] = rec
	if b.size == b.capacity {
		b.head = (b.head + 1) % b.capacity
	} else {
		b.size++
	}
	return rec
}

// GetSince returns the records with Seq > lastSeq, oldest first. When lastSeq
// predates the oldest retained record everything is returned.
func (b *Buffer) GetSince(lastSeq uint64) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		return nil
	}

	start := 0
	if oldest := b.items[b.head].Seq; lastSeq >= oldest {
		// Seqs are contiguous inside the ring.
		start = int(lastSeq - oldest + 1)
	}
	if start >= b.size {
		return nil
	}
	out := make([]Record, 0, b.size-start)
	for i := start; i < b.size; i++ {
		out = append(out, b.items[(b.head+i)%b.capacity])
	}
	return out
}

// Clear drops all records and per-ID timing. Sequence numbers continue.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.items {
		b.items[i] = Record{}
	}
	b.head, b.size = 0, 0
	b.lastTime = map[uint32]float64{}
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *Buffer) Capacity() int { return b.capacity }

// LastSeq returns the sequence number of the newest record ever pushed.
func (b *Buffer) LastSeq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}
