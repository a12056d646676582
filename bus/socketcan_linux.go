//go:build linux

package bus

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

const (
	socketCANDialTimeout = 5 * time.Second
	socketCANRxQueue     = 4096
)

func init() {
	Register("socketcan", func(cfg Config) (Transport, error) {
		ctx, cancel := context.WithTimeout(context.Background(), socketCANDialTimeout)
		defer cancel()
		return DialSocketCAN(ctx, cfg)
	})
}

// SocketCAN is a Linux SocketCAN transport. The einride receiver blocks in
// Receive, so a reader goroutine feeds a buffered channel that Recv waits on
// with a timeout.
type SocketCAN struct {
	conn net.Conn
	recv *socketcan.Receiver
	tx   *socketcan.Transmitter

	frames chan Frame
	done   chan struct{}
	once   sync.Once

	// failed is closed once the reader has stopped; err is set before.
	failed chan struct{}
	err    error
}

// DialSocketCAN opens cfg.Channel (for example "can0" or "vcan0").
// Bit rates are configured on the link with ip(8), not through the socket.
func DialSocketCAN(ctx context.Context, cfg Config) (*SocketCAN, error) {
	if cfg.FD {
		return nil, fmt.Errorf("socketcan: CAN FD frames are not supported by this driver")
	}
	conn, err := socketcan.DialContext(ctx, "can", cfg.Channel)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial %s: %w", cfg.Channel, err)
	}
	return newSocketCAN(conn), nil
}

func newSocketCAN(conn net.Conn) *SocketCAN {
	s := &SocketCAN{
		conn:   conn,
		recv:   socketcan.NewReceiver(conn),
		tx:     socketcan.NewTransmitter(conn),
		frames: make(chan Frame, socketCANRxQueue),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *SocketCAN) readLoop() {
	for s.recv.Receive() {
		if s.recv.HasErrorFrame() {
			continue
		}
		select {
		case s.frames <- fromEinride(s.recv.Frame()):
		case <-s.done:
			return
		default:
			// reader is behind; the kernel queue would overrun the same way
		}
	}
	err := s.recv.Err()
	if err == nil {
		err = ErrClosed
	}
	s.err = fmt.Errorf("socketcan receive: %w", err)
	close(s.failed)
}

func (s *SocketCAN) Recv(timeout time.Duration) (Frame, bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-s.frames:
		return f, true, nil
	case <-s.failed:
		// frames read before the failure are still delivered
		select {
		case f := <-s.frames:
			return f, true, nil
		default:
		}
		return Frame{}, false, s.err
	case <-t.C:
		return Frame{}, false, nil
	case <-s.done:
		return Frame{}, false, ErrClosed
	}
}

func (s *SocketCAN) Send(f Frame) error {
	if f.FD {
		return fmt.Errorf("socketcan: CAN FD frames are not supported by this driver")
	}
	cf, err := toEinride(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.tx.TransmitFrame(ctx, cf)
}

func (s *SocketCAN) Shutdown() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func fromEinride(cf can.Frame) Frame {
	n := int(cf.Length)
	if n > MaxClassicLen {
		n = MaxClassicLen
	}
	return Frame{
		ID:       cf.ID,
		Extended: cf.IsExtended,
		Remote:   cf.IsRemote,
		Data:     append([]byte(nil), cf.Data[:n]...),
	}
}

func toEinride(f Frame) (can.Frame, error) {
	if err := f.Validate(); err != nil {
		return can.Frame{}, err
	}
	cf := can.Frame{
		ID:         f.ID,
		Length:     uint8(len(f.Data)),
		IsExtended: f.Extended,
		IsRemote:   f.Remote,
	}
	copy(cf.Data[:], f.Data)
	return cf, nil
}
