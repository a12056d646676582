package candb

import (
	"fmt"
	"math"
	"os"

	"go.einride.tech/can/pkg/dbc"
)

// DBC placeholder names that carry no meaning.
const (
	dbcNoNode           = "Vector__XXX"
	dbcIndependentSigID = "VECTOR__INDEPENDENT_SIG_MSG"
)

func loadDBC(path string) (*Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseDBC(path, data)
}

func parseDBC(path string, data []byte) (*Database, error) {
	p := dbc.NewParser(path, data)
	if err := p.Parse(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}

	db := newDatabase(path)
	type sigRef struct {
		id   uint32
		name string
	}
	choices := map[sigRef]map[int64]string{}
	sigComments := map[sigRef]string{}
	msgComments := map[uint32]string{}

	for _, def := range p.Defs() {
		switch def := def.(type) {
		case *dbc.NodesDef:
			for _, n := range def.NodeNames {
				db.Nodes = append(db.Nodes, string(n))
			}
		case *dbc.MessageDef:
			if string(def.Name) == dbcIndependentSigID {
				continue
			}
			fd, err := frameFromDBC(def)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
			}
			if _, dup := db.ByID[fd.ID]; dup {
				return nil, fmt.Errorf("%w: %s: frame 0x%X defined twice", ErrParse, path, fd.ID)
			}
			db.addFrame(fd)
		case *dbc.ValueDescriptionsDef:
			if def.SignalName == "" {
				continue
			}
			m := make(map[int64]string, len(def.ValueDescriptions))
			for _, vd := range def.ValueDescriptions {
				m[int64(math.Round(vd.Value))] = vd.Description
			}
			choices[sigRef{def.MessageID.ToCAN(), string(def.SignalName)}] = m
		case *dbc.CommentDef:
			switch def.ObjectType {
			case dbc.ObjectTypeSignal:
				sigComments[sigRef{def.MessageID.ToCAN(), string(def.SignalName)}] = def.Comment
			case dbc.ObjectTypeMessage:
				msgComments[def.MessageID.ToCAN()] = def.Comment
			}
		}
	}

	for _, fd := range db.ByID {
		fd.Comment = msgComments[fd.ID]
		for i := range fd.Signals {
			s := &fd.Signals[i]
			ref := sigRef{fd.ID, s.Name}
			s.Choices = choices[ref]
			s.Comment = sigComments[ref]
		}
	}
	return db, nil
}

func frameFromDBC(def *dbc.MessageDef) (*FrameDef, error) {
	if def.Size > 64 {
		return nil, fmt.Errorf("frame %s: size %d exceeds 64 bytes", def.Name, def.Size)
	}
	fd := &FrameDef{
		ID:       def.MessageID.ToCAN(),
		Extended: def.MessageID.IsExtended(),
		Name:     string(def.Name),
		DLC:      int(def.Size),
	}
	if def.Transmitter != dbcNoNode {
		fd.Sender = string(def.Transmitter)
	}
	payload := make([]byte, fd.DLC)
	for _, sd := range def.Signals {
		s := SignalDef{
			Name:      string(sd.Name),
			StartBit:  int(sd.StartBit),
			BitLength: int(sd.Size),
			BigEndian: sd.IsBigEndian,
			Signed:    sd.IsSigned,
			Factor:    sd.Factor,
			Offset:    sd.Offset,
			Min:       sd.Minimum,
			Max:       sd.Maximum,
			Unit:      sd.Unit,
		}
		for _, r := range sd.Receivers {
			if r != dbcNoNode {
				s.Receivers = append(s.Receivers, string(r))
			}
		}
		switch {
		case sd.IsMultiplexerSwitch:
			s.Mux = MuxSwitch
		case sd.IsMultiplexed:
			s.Mux = MuxMember
			s.MuxValue = sd.MultiplexerSwitch
		}
		if err := checkField(payload, s.StartBit, s.BitLength, s.BigEndian); err != nil {
			return nil, fmt.Errorf("frame %s signal %s: %v", fd.Name, s.Name, err)
		}
		fd.Signals = append(fd.Signals, s)
	}
	return fd, nil
}
