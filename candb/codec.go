package candb

import (
	"fmt"
	"math"
	"sort"
)

const rangeTolerance = 1e-9

// SignalValue is one decoded signal with its raw and physical forms.
type SignalValue struct {
	Name     string  `json:"name"`
	Raw      int64   `json:"raw"`
	Physical float64 `json:"physical"`
	Label    string  `json:"label,omitempty"`
	Unit     string  `json:"unit,omitempty"`
}

func (s *SignalDef) factor() float64 {
	if s.Factor == 0 {
		return 1
	}
	return s.Factor
}

func (s *SignalDef) extract(data []byte) (uint64, int64, error) {
	u, err := getBits(data, s.StartBit, s.BitLength, s.BigEndian)
	if err != nil {
		return 0, 0, fmt.Errorf("signal %s: %w", s.Name, err)
	}
	return u, unsignedToRawInt64(u, s.BitLength, s.Signed), nil
}

func (s *SignalDef) physical(u uint64, raw int64) float64 {
	if s.Signed {
		return float64(raw)*s.factor() + s.Offset
	}
	return float64(u)*s.factor() + s.Offset
}

// active returns the signals present in data, honouring the multiplexer.
func (fd *FrameDef) active(data []byte) ([]*SignalDef, error) {
	sw, muxed := fd.Multiplexer()
	var selector uint64
	if muxed {
		u, _, err := sw.extract(data)
		if err != nil {
			return nil, err
		}
		selector = u
	}
	out := make([]*SignalDef, 0, len(fd.Signals))
	for i := range fd.Signals {
		s := &fd.Signals[i]
		if s.Mux == MuxMember && (!muxed || s.MuxValue != selector) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (fd *FrameDef) checkLen(data []byte) error {
	if len(data) < fd.DLC {
		return fmt.Errorf("%w: frame 0x%X expects DLC %d, got %d", ErrDecode, fd.ID, fd.DLC, len(data))
	}
	return nil
}

// Decode returns the scaled value of every present signal. Choice signals
// keep their numeric value.
func (fd *FrameDef) Decode(data []byte) (map[string]float64, error) {
	if err := fd.checkLen(data); err != nil {
		return nil, err
	}
	sigs, err := fd.active(data)
	if err != nil {
		return nil, fmt.Errorf("%w: frame 0x%X: %v", ErrDecode, fd.ID, err)
	}
	out := make(map[string]float64, len(sigs))
	for _, s := range sigs {
		u, raw, err := s.extract(data)
		if err != nil {
			return nil, fmt.Errorf("%w: frame 0x%X: %v", ErrDecode, fd.ID, err)
		}
		out[s.Name] = s.physical(u, raw)
	}
	return out, nil
}

// DecodeDetailed returns raw, physical and label forms in signal order.
func (fd *FrameDef) DecodeDetailed(data []byte) ([]SignalValue, error) {
	if err := fd.checkLen(data); err != nil {
		return nil, err
	}
	sigs, err := fd.active(data)
	if err != nil {
		return nil, fmt.Errorf("%w: frame 0x%X: %v", ErrDecode, fd.ID, err)
	}
	out := make([]SignalValue, 0, len(sigs))
	for _, s := range sigs {
		u, raw, err := s.extract(data)
		if err != nil {
			return nil, fmt.Errorf("%w: frame 0x%X: %v", ErrDecode, fd.ID, err)
		}
		v := SignalValue{
			Name:     s.Name,
			Raw:      raw,
			Physical: s.physical(u, raw),
			Unit:     s.Unit,
		}
		if l, ok := s.Label(raw); ok {
			v.Label = l
		}
		out = append(out, v)
	}
	return out, nil
}

// Encode packs values into a DLC sized payload. Every present signal must be
// given; for a multiplexed frame the switch value decides which members are
// present.
func (fd *FrameDef) Encode(values map[string]float64) ([]byte, error) {
	if fd.DLC < 0 || fd.DLC > 64 {
		return nil, fmt.Errorf("%w: frame %s has invalid DLC %d", ErrEncode, fd.Name, fd.DLC)
	}
	for name := range values {
		if _, ok := fd.Signal(name); !ok {
			return nil, fmt.Errorf("%w: frame %s has no signal %q", ErrEncode, fd.Name, name)
		}
	}

	var selector uint64
	sw, muxed := fd.Multiplexer()
	if muxed {
		v, ok := values[sw.Name]
		if !ok {
			return nil, fmt.Errorf("%w: frame %s: missing multiplexer %q", ErrEncode, fd.Name, sw.Name)
		}
		selector = uint64(math.Round((v - sw.Offset) / sw.factor()))
	}

	out := make([]byte, fd.DLC)
	var missing []string
	for i := range fd.Signals {
		s := &fd.Signals[i]
		if s.Mux == MuxMember && (!muxed || s.MuxValue != selector) {
			continue
		}
		v, ok := values[s.Name]
		if !ok {
			missing = append(missing, s.Name)
			continue
		}
		if s.HasRange() && (v < s.Min-rangeTolerance || v > s.Max+rangeTolerance) {
			return nil, fmt.Errorf("%w: frame %s signal %s: %g outside [%g, %g]",
				ErrEncode, fd.Name, s.Name, v, s.Min, s.Max)
		}

		raw := int64(math.Round((v - s.Offset) / s.factor()))
		raw = clampRaw(raw, s.BitLength, s.Signed)
		if err := setBits(out, s.StartBit, s.BitLength, s.BigEndian, rawToUnsigned(raw, s.BitLength)); err != nil {
			return nil, fmt.Errorf("%w: frame %s signal %s: %v", ErrEncode, fd.Name, s.Name, err)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: frame %s: missing signals %v", ErrEncode, fd.Name, missing)
	}
	return out, nil
}

func (m *Database) FrameByName(name string) (*FrameDef, error) {
	fd, ok := m.ByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown frame %q (available: %v)", ErrFrameNotFound, name, m.FrameNames())
	}
	return fd, nil
}

func (m *Database) FrameByID(id uint32) (*FrameDef, error) {
	fd, ok := m.ByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown frame id 0x%X", ErrFrameNotFound, id)
	}
	return fd, nil
}

func (m *Database) EncodeFrame(frameName string, values map[string]float64) ([]byte, *FrameDef, error) {
	fd, err := m.FrameByName(frameName)
	if err != nil {
		return nil, nil, err
	}
	out, err := fd.Encode(values)
	if err != nil {
		return nil, nil, err
	}
	return out, fd, nil
}

func (m *Database) DecodeFrame(frameID uint32, data []byte) (map[string]float64, error) {
	fd, err := m.FrameByID(frameID)
	if err != nil {
		return nil, err
	}
	return fd.Decode(data)
}
