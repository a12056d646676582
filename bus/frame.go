// Package bus defines the CAN frame model and the transport abstraction the
// session engine reads from and writes to.
package bus

import (
	"errors"
	"fmt"
	"strings"
)

// Direction tells whether a frame was received from or transmitted onto the bus.
type Direction uint8

const (
	Rx Direction = iota
	Tx
)

func (d Direction) String() string {
	if d == Tx {
		return "Tx"
	}
	return "Rx"
}

// MarshalText renders the direction as "Rx" or "Tx".
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "rx":
		*d = Rx
	case "tx":
		*d = Tx
	default:
		return fmt.Errorf("bus: unknown direction %q", b)
	}
	return nil
}

const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF

	MaxClassicLen = 8
	MaxFDLen      = 64
)

var (
	ErrInvalidID  = errors.New("bus: invalid identifier")
	ErrInvalidLen = errors.New("bus: invalid data length")
)

// fdLengths are the payload sizes a CAN FD DLC can encode.
var fdLengths = [...]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// Frame is a classic CAN or CAN FD frame as seen by the session engine.
//
// Time is filled by the receiver (seconds since the session connected); a
// transport leaves it zero.
type Frame struct {
	ID        uint32
	Extended  bool
	Remote    bool
	FD        bool
	BRS       bool
	Data      []byte
	Direction Direction
	Time      float64
}

// DLC returns the payload length in bytes.
func (f Frame) DLC() int { return len(f.Data) }

// Validate checks the identifier range and payload length.
func (f Frame) Validate() error {
	if f.Extended {
		if f.ID > MaxExtendedID {
			return fmt.Errorf("%w: 0x%X exceeds 29 bits", ErrInvalidID, f.ID)
		}
	} else if f.ID > MaxStandardID {
		return fmt.Errorf("%w: 0x%X exceeds 11 bits", ErrInvalidID, f.ID)
	}
	if !f.FD {
		if len(f.Data) > MaxClassicLen {
			return fmt.Errorf("%w: %d bytes in a classic frame", ErrInvalidLen, len(f.Data))
		}
		return nil
	}
	for _, n := range fdLengths {
		if n == len(f.Data) {
			return nil
		}
	}
	return fmt.Errorf("%w: %d bytes is not a CAN FD length", ErrInvalidLen, len(f.Data))
}

// Clone returns a copy that does not share the payload slice.
func (f Frame) Clone() Frame {
	out := f
	out.Data = append([]byte(nil), f.Data...)
	return out
}

// HexData renders the payload as space separated upper-case hex bytes.
func (f Frame) HexData() string {
	var b strings.Builder
	for i, v := range f.Data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}

func (f Frame) String() string {
	return fmt.Sprintf("%s id=0x%X ext=%v len=%d data=[%s]", f.Direction, f.ID, f.Extended, len(f.Data), f.HexData())
}
