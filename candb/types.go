// Package candb loads CAN signal databases and packs/unpacks signals.
//
// Several databases can be loaded into one Registry at once; the Registry
// routes every frame ID to exactly one owning database.
package candb

import (
	"sort"
)

// MuxRole describes how a signal takes part in multiplexing.
type MuxRole uint8

const (
	MuxNone MuxRole = iota
	// MuxSwitch selects which multiplexed signals are present.
	MuxSwitch
	// MuxMember is only present when the switch equals MuxValue.
	MuxMember
)

type SignalDef struct {
	Name      string
	StartBit  int
	BitLength int
	BigEndian bool // Motorola byte order, StartBit is the MSB position
	Signed    bool
	Factor    float64
	Offset    float64
	Min       float64
	Max       float64
	Default   float64
	Unit      string
	Comment   string
	Receivers []string
	Choices   map[int64]string
	Mux       MuxRole
	MuxValue  uint64
}

// HasRange reports whether Min/Max constrain encoding. A DBC "[0|0]" range
// means unconstrained.
func (s *SignalDef) HasRange() bool { return s.Min != 0 || s.Max != 0 }

// Label returns the choice text for raw, if any.
func (s *SignalDef) Label(raw int64) (string, bool) {
	l, ok := s.Choices[raw]
	return l, ok
}

type FrameDef struct {
	ID       uint32
	Extended bool
	Name     string
	DLC      int
	Sender   string
	CycleMS  int
	Comment  string
	Signals  []SignalDef
}

// Signal returns the named signal definition.
func (f *FrameDef) Signal(name string) (*SignalDef, bool) {
	for i := range f.Signals {
		if f.Signals[i].Name == name {
			return &f.Signals[i], true
		}
	}
	return nil, false
}

// Multiplexer returns the switch signal of a multiplexed frame.
func (f *FrameDef) Multiplexer() (*SignalDef, bool) {
	for i := range f.Signals {
		if f.Signals[i].Mux == MuxSwitch {
			return &f.Signals[i], true
		}
	}
	return nil, false
}

// Database is one parsed signal database.
type Database struct {
	Path   string
	Nodes  []string
	ByID   map[uint32]*FrameDef
	ByName map[string]*FrameDef
}

func newDatabase(path string) *Database {
	return &Database{
		Path:   path,
		ByID:   map[uint32]*FrameDef{},
		ByName: map[string]*FrameDef{},
	}
}

func (db *Database) addFrame(fd *FrameDef) {
	db.ByID[fd.ID] = fd
	db.ByName[fd.Name] = fd
}

func (db *Database) FrameNames() []string {
	out := make([]string, 0, len(db.ByName))
	for k := range db.ByName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Frames returns every frame ordered by ID.
func (db *Database) Frames() []*FrameDef {
	out := make([]*FrameDef, 0, len(db.ByID))
	for _, fd := range db.ByID {
		out = append(out, fd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FrameIDs returns every frame ID ordered ascending.
func (db *Database) FrameIDs() []uint32 {
	out := make([]uint32, 0, len(db.ByID))
	for id := range db.ByID {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
