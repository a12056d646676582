package session

import (
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"canscope/bus"
	"canscope/candb"
	"canscope/filter"
	"canscope/framelog"
	"canscope/metrics"
	"canscope/series"
	"canscope/trace"
)

// State is the lifecycle of a worker: Idle, Running, then Stopped for good.
type State int32

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "idle"
	}
}

var ErrInvalidState = errors.New("session: worker already started or stopped")

// deps is what the receive and transmit workers share with their session.
type deps struct {
	sessionID string
	name      string
	channel   string
	registry  *candb.Registry
	filters   *filter.Bank
	trace     *trace.Buffer
	logger    *framelog.Logger
	store     *series.Store
	observer  Observer
	metrics   *metrics.Session
	log       *zap.Logger
	tun       Tunables
	t0        time.Time
}

// since returns seconds elapsed since the session connected.
func (d *deps) since() float64 { return time.Since(d.t0).Seconds() }

// lifecycle implements the Idle -> Running -> Stopped machine shared by both
// workers.
type lifecycle struct {
	state atomic.Int32
	stop  chan struct{}
	done  chan struct{}
}

func newLifecycle() lifecycle {
	return lifecycle{stop: make(chan struct{}), done: make(chan struct{})}
}

func (l *lifecycle) State() State { return State(l.state.Load()) }

func (l *lifecycle) begin() error {
	if !l.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrInvalidState
	}
	return nil
}

// requestStop moves to Stopped and reports whether this call did it.
func (l *lifecycle) requestStop() bool {
	for {
		s := l.state.Load()
		if s == int32(Stopped) {
			return false
		}
		if l.state.CompareAndSwap(s, int32(Stopped)) {
			close(l.stop)
			if s == int32(Idle) {
				close(l.done)
			}
			return true
		}
	}
}

// Wait blocks until the worker exits or timeout passes, and reports whether
// it exited.
func (l *lifecycle) Wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-l.done:
		return true
	case <-t.C:
		return false
	}
}

func (l *lifecycle) stopping() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

// txRecord stamps a sent frame and records it in the trace and log.
func (d *deps) txRecord(f bus.Frame) {
	f.Direction = bus.Tx
	f.Time = d.since()
	key, name, _ := d.registry.Resolve(f.ID)
	d.trace.Push(f, d.channel, key, name)
	d.logger.PushFrame(f.Time, f)
}
