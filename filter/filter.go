// Package filter decides which arbitration IDs a session decodes and logs.
package filter

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrInvalidMode = errors.New("filter: mode must be 'include' or 'exclude'")

type Mode string

const (
	// Include passes only listed IDs.
	Include Mode = "include"
	// Exclude blocks listed IDs.
	Exclude Mode = "exclude"
)

// ParseMode accepts a mode name in any case, surrounding space ignored.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case Include, Exclude:
		return m, nil
	default:
		return "", fmt.Errorf("%w: got %q", ErrInvalidMode, s)
	}
}

// Snapshot is a point-in-time copy of a Filter.
type Snapshot struct {
	Enabled        bool     `json:"enabled"`
	Mode           Mode     `json:"mode"`
	IDs            []uint32 `json:"ids"`
	AffectsLogging bool     `json:"affects_logging"`
}

// Filter is an include/exclude set of arbitration IDs. The zero value is not
// usable; use New. A disabled filter allows everything.
type Filter struct {
	mu             sync.RWMutex
	enabled        bool
	mode           Mode
	ids            map[uint32]struct{}
	affectsLogging bool
}

func New() *Filter {
	return &Filter{mode: Exclude, ids: map[uint32]struct{}{}}
}

// Configure replaces the whole filter state. An invalid mode leaves the
// filter untouched.
func (f *Filter) Configure(enabled bool, mode string, ids []uint32, affectsLogging bool) error {
	m, err := ParseMode(mode)
	if err != nil {
		return err
	}
	set := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	f.mu.Lock()
	f.enabled = enabled
	f.mode = m
	f.ids = set
	f.affectsLogging = affectsLogging
	f.mu.Unlock()
	return nil
}

func (f *Filter) Allows(id uint32) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.enabled {
		return true
	}
	_, in := f.ids[id]
	if f.mode == Include {
		return in
	}
	return !in
}

// AffectsLogging reports whether filtered-out frames are also kept out of
// the log.
func (f *Filter) AffectsLogging() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.affectsLogging
}

func (f *Filter) Snapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]uint32, 0, len(f.ids))
	for id := range f.ids {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return Snapshot{
		Enabled:        f.enabled,
		Mode:           f.mode,
		IDs:            ids,
		AffectsLogging: f.affectsLogging,
	}
}

// Bank holds one Filter per database key.
type Bank struct {
	mu      sync.RWMutex
	filters map[string]*Filter
}

func NewBank() *Bank {
	return &Bank{filters: map[string]*Filter{}}
}

// Ensure returns the filter for key, creating a disabled one if needed.
func (b *Bank) Ensure(key string) *Filter {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.filters[key]
	if !ok {
		f = New()
		b.filters[key] = f
	}
	return f
}

func (b *Bank) Get(key string) (*Filter, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, ok := b.filters[key]
	return f, ok
}

func (b *Bank) Remove(key string) {
	b.mu.Lock()
	delete(b.filters, key)
	b.mu.Unlock()
}

func (b *Bank) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.filters))
	for k := range b.filters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
