package framelog

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"canscope/bus"
)

const ascDateLayout = "Mon Jan 02 03:04:05.000 pm 2006"

// ascWriter writes Vector ASCII logs with absolute timestamps and hex IDs.
type ascWriter struct {
	f   *os.File
	buf *bufio.Writer
}

func newASCWriter(path string) (Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := &ascWriter{f: f, buf: bufio.NewWriter(f)}
	now := time.Now().Format(ascDateLayout)
	fmt.Fprintf(w.buf, "date %s\n", now)
	w.buf.WriteString("base hex  timestamps absolute\n")
	w.buf.WriteString("internal events logged\n")
	w.buf.WriteString("// version 9.0.0\n")
	fmt.Fprintf(w.buf, "Begin Triggerblock %s\n", now)
	w.buf.WriteString("   0.000000 Start of measurement\n")
	return w, nil
}

func ascID(f bus.Frame) string {
	if f.Extended {
		return fmt.Sprintf("%Xx", f.ID)
	}
	return fmt.Sprintf("%X", f.ID)
}

func ascLine(f bus.Frame) string {
	data := f.HexData()
	if f.FD {
		brs := 0
		if f.BRS {
			brs = 1
		}
		return fmt.Sprintf("%9.6f CANFD   1 %-4s %8s %32s %d 0 %X %2d %s",
			f.Time, f.Direction, ascID(f), "", brs, fdDLC(f.DLC()), f.DLC(), data)
	}
	if f.Remote {
		return fmt.Sprintf("%9.6f 1  %-15s %-4s r %X", f.Time, ascID(f), f.Direction, f.DLC())
	}
	return fmt.Sprintf("%9.6f 1  %-15s %-4s d %X %s", f.Time, ascID(f), f.Direction, f.DLC(), data)
}

func (a *ascWriter) Write(f bus.Frame) error {
	_, err := a.buf.WriteString(strings.TrimRight(ascLine(f), " ") + "\n")
	return err
}

func (a *ascWriter) Close() error {
	a.buf.WriteString("End TriggerBlock\n")
	if err := a.buf.Flush(); err != nil {
		a.f.Close()
		return err
	}
	return a.f.Close()
}

// fdDLC maps a CAN FD payload length to its 4-bit DLC code.
func fdDLC(n int) int {
	switch {
	case n <= 8:
		return n
	case n <= 12:
		return 9
	case n <= 16:
		return 10
	case n <= 20:
		return 11
	case n <= 24:
		return 12
	case n <= 32:
		return 13
	case n <= 48:
		return 14
	default:
		return 15
	}
}
