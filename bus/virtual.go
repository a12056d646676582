package bus

import (
	"sync"
	"time"
)

const virtualInboxSize = 1024

func init() {
	Register("virtual", func(cfg Config) (Transport, error) {
		return OpenVirtual(cfg.Channel), nil
	})
}

type virtualHub struct {
	mu    sync.Mutex
	nodes map[string]map[*Virtual]struct{}
}

var hub = &virtualHub{nodes: make(map[string]map[*Virtual]struct{})}

// Virtual is an in-process bus node. Frames sent by one node are delivered to
// every other node opened on the same channel. A node whose inbox is full
// misses the frame, like a controller with an overrun receive FIFO.
type Virtual struct {
	channel string
	inbox   chan Frame
	done    chan struct{}
	once    sync.Once
}

// OpenVirtual attaches a new node to channel.
func OpenVirtual(channel string) *Virtual {
	v := &Virtual{
		channel: channel,
		inbox:   make(chan Frame, virtualInboxSize),
		done:    make(chan struct{}),
	}
	hub.mu.Lock()
	if hub.nodes[channel] == nil {
		hub.nodes[channel] = make(map[*Virtual]struct{})
	}
	hub.nodes[channel][v] = struct{}{}
	hub.mu.Unlock()
	return v
}

func (v *Virtual) Recv(timeout time.Duration) (Frame, bool, error) {
	select {
	case <-v.done:
		return Frame{}, false, ErrClosed
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-v.inbox:
		return f, true, nil
	case <-t.C:
		return Frame{}, false, nil
	case <-v.done:
		return Frame{}, false, ErrClosed
	}
}

func (v *Virtual) Send(f Frame) error {
	select {
	case <-v.done:
		return ErrClosed
	default:
	}
	if err := f.Validate(); err != nil {
		return err
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	for peer := range hub.nodes[v.channel] {
		if peer == v {
			continue
		}
		out := f.Clone()
		out.Direction = Rx
		out.Time = 0
		select {
		case peer.inbox <- out:
		default:
		}
	}
	return nil
}

func (v *Virtual) Shutdown() error {
	v.once.Do(func() {
		close(v.done)
		hub.mu.Lock()
		delete(hub.nodes[v.channel], v)
		if len(hub.nodes[v.channel]) == 0 {
			delete(hub.nodes, v.channel)
		}
		hub.mu.Unlock()
	})
	return nil
}
