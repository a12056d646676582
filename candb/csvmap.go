package candb

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Signal map CSV: one row per signal, frames are grouped by frame_id.
//
//	frame_id,frame_name,dlc,signal_name,start_bit,bit_length[,optional columns]
//
// Optional columns: extended, sender, cycle_ms, endianness (little|big),
// signed, factor, offset, min, max, default, unit, comment, choices
// ("0=Off;1=On").
var csvRequired = []string{"frame_id", "frame_name", "dlc", "signal_name", "start_bit", "bit_length"}

func loadCSVMap(csvPath string) (*Database, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseCSVMap(csvPath, f)
}

func parseCSVMap(name string, src io.Reader) (*Database, error) {
	r := csv.NewReader(src)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read header: %v", ErrParse, name, err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, k := range csvRequired {
		if _, ok := idx[k]; !ok {
			return nil, fmt.Errorf("%w: %s: missing required column %q", ErrParse, name, k)
		}
	}

	m := newDatabase(name)
	line := 1
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: %s:%d: %v", ErrParse, name, line, err)
		}
		row := csvRow{idx: idx, rec: rec}
		if err := m.addCSVRow(row); err != nil {
			return nil, fmt.Errorf("%w: %s:%d: %v", ErrParse, name, line, err)
		}
	}

	for _, fd := range m.ByID {
		sort.SliceStable(fd.Signals, func(i, j int) bool { return fd.Signals[i].StartBit < fd.Signals[j].StartBit })
	}
	return m, nil
}

type csvRow struct {
	idx map[string]int
	rec []string
}

func (r csvRow) get(col string) string {
	i, ok := r.idx[col]
	if !ok || i >= len(r.rec) {
		return ""
	}
	return strings.TrimSpace(r.rec[i])
}

func (r csvRow) int(col string, def int) (int, error) {
	s := r.get(col)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("column %s: %w", col, err)
	}
	return v, nil
}

func (r csvRow) float(col string, def float64) (float64, error) {
	s := r.get(col)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("column %s: %w", col, err)
	}
	return v, nil
}

func (r csvRow) bool(col string) bool {
	ss := strings.ToLower(r.get(col))
	return ss == "true" || ss == "1" || ss == "yes"
}

func (m *Database) addCSVRow(row csvRow) error {
	frameID, err := parseHexOrDecUint32(row.get("frame_id"))
	if err != nil {
		return fmt.Errorf("invalid frame_id %q: %w", row.get("frame_id"), err)
	}
	frameName := row.get("frame_name")
	if frameName == "" {
		return fmt.Errorf("frame 0x%X has no name", frameID)
	}
	dlc, err := row.int("dlc", 0)
	if err != nil {
		return err
	}
	if dlc <= 0 || dlc > 64 {
		return fmt.Errorf("frame %s (0x%X): invalid dlc %d", frameName, frameID, dlc)
	}
	cycleMS, err := row.int("cycle_ms", 0)
	if err != nil {
		return err
	}

	sig := SignalDef{
		Name:    row.get("signal_name"),
		Signed:  row.bool("signed"),
		Unit:    row.get("unit"),
		Comment: row.get("comment"),
	}
	if sig.StartBit, err = row.int("start_bit", 0); err != nil {
		return err
	}
	if sig.BitLength, err = row.int("bit_length", 0); err != nil {
		return err
	}
	if sig.Factor, err = row.float("factor", 1); err != nil {
		return err
	}
	if sig.Offset, err = row.float("offset", 0); err != nil {
		return err
	}
	if sig.Min, err = row.float("min", 0); err != nil {
		return err
	}
	if sig.Max, err = row.float("max", 0); err != nil {
		return err
	}
	if sig.Default, err = row.float("default", 0); err != nil {
		return err
	}
	switch e := strings.ToLower(row.get("endianness")); e {
	case "", "little", "intel":
	case "big", "motorola":
		sig.BigEndian = true
	default:
		return fmt.Errorf("frame %s signal %s: unsupported endianness %q", frameName, sig.Name, e)
	}
	if sig.BitLength <= 0 || sig.BitLength > 64 {
		return fmt.Errorf("frame %s signal %s: invalid bit_length %d", frameName, sig.Name, sig.BitLength)
	}
	if err := checkField(make([]byte, dlc), sig.StartBit, sig.BitLength, sig.BigEndian); err != nil {
		return fmt.Errorf("frame %s signal %s: %v", frameName, sig.Name, err)
	}
	if choices := row.get("choices"); choices != "" {
		if sig.Choices, err = parseChoices(choices); err != nil {
			return fmt.Errorf("frame %s signal %s: %v", frameName, sig.Name, err)
		}
	}

	fd, ok := m.ByID[frameID]
	if !ok {
		fd = &FrameDef{
			ID:       frameID,
			Extended: row.bool("extended") || frameID > 0x7FF,
			Name:     frameName,
			DLC:      dlc,
			Sender:   row.get("sender"),
			CycleMS:  cycleMS,
		}
		m.addFrame(fd)
	}
	if fd.DLC != dlc {
		return fmt.Errorf("frame %s (0x%X) has inconsistent DLC (%d vs %d)", frameName, frameID, fd.DLC, dlc)
	}
	if _, dup := fd.Signal(sig.Name); dup {
		return fmt.Errorf("frame %s: duplicate signal %s", frameName, sig.Name)
	}
	fd.Signals = append(fd.Signals, sig)
	return nil
}

func parseChoices(s string) (map[int64]string, error) {
	out := map[int64]string{}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid choice %q", part)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(k), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid choice value %q: %w", k, err)
		}
		out[n] = strings.TrimSpace(v)
	}
	return out, nil
}

func parseHexOrDecUint32(s string) (uint32, error) {
	ss := strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(ss, "0x") || strings.HasPrefix(ss, "0X") {
		base = 16
		ss = ss[2:]
	}
	u, err := strconv.ParseUint(ss, base, 32)
	if err != nil {
		return 0, err
	}
	return uint32(u), nil
}
