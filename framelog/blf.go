package framelog

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"os"
	"time"

	"canscope/bus"
)

// Vector BLF layout constants.
const (
	blfFileHeaderSize  = 144
	blfObjHeaderBase   = 16 // "LOBJ", header size, header version, object size, object type
	blfObjHeaderV1     = 16 // flags, client index, object version, timestamp
	blfContainerHeader = 16 // compression method, reserved, uncompressed size, reserved

	blfLogContainer = 10
	blfCANMessage   = 1
	blfCANFDMessage = 100

	blfTimeOneNanos = 2
	blfZlibDeflate  = 2

	blfExtendedID = 0x80000000
	blfDirTx      = 0x01
	blfRemote     = 0x80

	blfFDEDL = 0x1
	blfFDBRS = 0x2

	blfMaxContainer = 128 * 1024
	blfAppID        = 5
)

// blfWriter writes Vector binary logging format with zlib compressed
// containers. The file header is rewritten with the final sizes on Close.
type blfWriter struct {
	f            *os.File
	pending      bytes.Buffer
	objects      uint32
	uncompressed uint64
	start        time.Time
}

func newBLFWriter(path string) (Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := &blfWriter{f: f, start: time.Now(), uncompressed: blfFileHeaderSize}
	if err := w.writeHeader(w.start); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func systemTime(t time.Time) [8]uint16 {
	return [8]uint16{
		uint16(t.Year()), uint16(t.Month()), uint16(t.Weekday()), uint16(t.Day()),
		uint16(t.Hour()), uint16(t.Minute()), uint16(t.Second()), uint16(t.Nanosecond() / 1e6),
	}
}

func (w *blfWriter) writeHeader(stop time.Time) error {
	size, err := w.f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	size = max(size, blfFileHeaderSize)

	var hdr bytes.Buffer
	hdr.WriteString("LOGG")
	le := binary.LittleEndian
	binary.Write(&hdr, le, uint32(blfFileHeaderSize))
	hdr.Write([]byte{blfAppID, 0, 0, 0}) // application id, major, minor, build
	hdr.Write([]byte{2, 6, 8, 1})        // binlog major, minor, build, patch
	binary.Write(&hdr, le, uint64(size))
	binary.Write(&hdr, le, w.uncompressed)
	binary.Write(&hdr, le, w.objects)
	binary.Write(&hdr, le, uint32(0))
	binary.Write(&hdr, le, systemTime(w.start))
	binary.Write(&hdr, le, systemTime(stop))
	hdr.Write(make([]byte, blfFileHeaderSize-hdr.Len()))

	if _, err := w.f.WriteAt(hdr.Bytes(), 0); err != nil {
		return err
	}
	_, err = w.f.Seek(0, io.SeekEnd)
	return err
}

func (w *blfWriter) Write(f bus.Frame) error {
	var body bytes.Buffer
	le := binary.LittleEndian
	id := f.ID
	if f.Extended {
		id |= blfExtendedID
	}
	var flags uint8
	if f.Direction == bus.Tx {
		flags |= blfDirTx
	}
	objType := uint32(blfCANMessage)
	if f.FD {
		objType = blfCANFDMessage
		var fdFlags uint8 = blfFDEDL
		if f.BRS {
			fdFlags |= blfFDBRS
		}
		var data [64]byte
		copy(data[:], f.Data)
		binary.Write(&body, le, uint16(1)) // channel
		body.WriteByte(flags)
		body.WriteByte(uint8(fdDLC(f.DLC())))
		binary.Write(&body, le, id)
		binary.Write(&body, le, uint32(0)) // frame length
		body.WriteByte(0)                  // bit count
		body.WriteByte(fdFlags)
		body.WriteByte(uint8(f.DLC()))
		body.Write(make([]byte, 5))
		body.Write(data[:])
	} else {
		if f.Remote {
			flags |= blfRemote
		}
		var data [8]byte
		copy(data[:], f.Data)
		binary.Write(&body, le, uint16(1))
		body.WriteByte(flags)
		body.WriteByte(uint8(f.DLC()))
		binary.Write(&body, le, id)
		body.Write(data[:])
	}

	ts := uint64(0)
	if f.Time > 0 {
		ts = uint64(f.Time * 1e9)
	}
	headerSize := uint16(blfObjHeaderBase + blfObjHeaderV1)
	w.pending.WriteString("LOBJ")
	binary.Write(&w.pending, le, headerSize)
	binary.Write(&w.pending, le, uint16(1))
	binary.Write(&w.pending, le, uint32(int(headerSize)+body.Len()))
	binary.Write(&w.pending, le, objType)
	binary.Write(&w.pending, le, uint32(blfTimeOneNanos))
	binary.Write(&w.pending, le, uint16(0)) // client index
	binary.Write(&w.pending, le, uint16(0)) // object version
	binary.Write(&w.pending, le, ts)
	w.pending.Write(body.Bytes())
	if pad := body.Len() % 4; pad != 0 {
		w.pending.Write(make([]byte, pad))
	}
	w.objects++

	if w.pending.Len() >= blfMaxContainer {
		return w.flush()
	}
	return nil
}

// flush compresses the pending objects into one log container.
func (w *blfWriter) flush() error {
	if w.pending.Len() == 0 {
		return nil
	}
	raw := w.pending.Bytes()
	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	if _, err := zw.Write(raw); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	le := binary.LittleEndian
	var obj bytes.Buffer
	obj.WriteString("LOBJ")
	binary.Write(&obj, le, uint16(blfObjHeaderBase))
	binary.Write(&obj, le, uint16(1))
	binary.Write(&obj, le, uint32(blfObjHeaderBase+blfContainerHeader+z.Len()))
	binary.Write(&obj, le, uint32(blfLogContainer))
	binary.Write(&obj, le, uint16(blfZlibDeflate))
	obj.Write(make([]byte, 6))
	binary.Write(&obj, le, uint32(len(raw)))
	obj.Write(make([]byte, 4))
	obj.Write(z.Bytes())
	if pad := z.Len() % 4; pad != 0 {
		obj.Write(make([]byte, pad))
	}

	if _, err := w.f.Write(obj.Bytes()); err != nil {
		return err
	}
	w.uncompressed += uint64(blfObjHeaderBase + blfContainerHeader + len(raw))
	w.pending.Reset()
	return nil
}

func (w *blfWriter) Close() error {
	if err := w.flush(); err != nil {
		w.f.Close()
		return err
	}
	if err := w.writeHeader(time.Now()); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
