package framelog

import (
	"bufio"
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"canscope/bus"
)

// csvWriter writes the column layout most CAN log tools read:
// timestamp,arbitration_id,extended,remote,error,dlc,data with base64 data.
type csvWriter struct {
	f   *os.File
	buf *bufio.Writer
	w   *csv.Writer
}

func newCSVWriter(path string) (Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)
	w := csv.NewWriter(buf)
	if err := w.Write([]string{"timestamp", "arbitration_id", "extended", "remote", "error", "dlc", "data"}); err != nil {
		f.Close()
		return nil, err
	}
	return &csvWriter{f: f, buf: buf, w: w}, nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (c *csvWriter) Write(f bus.Frame) error {
	return c.w.Write([]string{
		strconv.FormatFloat(f.Time, 'f', 6, 64),
		fmt.Sprintf("0x%X", f.ID),
		flag(f.Extended),
		flag(f.Remote),
		"0",
		strconv.Itoa(f.DLC()),
		base64.StdEncoding.EncodeToString(f.Data),
	})
}

func (c *csvWriter) Close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		c.f.Close()
		return err
	}
	if err := c.buf.Flush(); err != nil {
		c.f.Close()
		return err
	}
	return c.f.Close()
}
