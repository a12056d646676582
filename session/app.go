// Package session runs CAN sessions: a receive pipeline and a transmit
// scheduler over one transport, with the databases, filters, trace and
// logger each session owns.
package session

import (
	"time"

	"go.uber.org/zap"

	"canscope/metrics"
	"canscope/series"
)

// Tunables are the timeouts and sizes of the session workers.
type Tunables struct {
	RecvTimeout      time.Duration
	RecvErrorBackoff time.Duration
	TxPollTimeout    time.Duration
	TxQueueSize      int
	JoinTimeout      time.Duration
	TraceCapacity    int
	LogQueueSize     int
	LogRecentMax     int
	LogPollTimeout   time.Duration
	LogStopTimeout   time.Duration
}

func DefaultTunables() Tunables {
	return Tunables{
		RecvTimeout:      100 * time.Millisecond,
		RecvErrorBackoff: 10 * time.Millisecond,
		TxPollTimeout:    20 * time.Millisecond,
		TxQueueSize:      1024,
		JoinTimeout:      1500 * time.Millisecond,
		TraceCapacity:    20000,
		LogQueueSize:     50000,
		LogRecentMax:     5000,
		LogPollTimeout:   250 * time.Millisecond,
		LogStopTimeout:   2 * time.Second,
	}
}

// withDefaults fills every zero field from DefaultTunables.
func (t Tunables) withDefaults() Tunables {
	d := DefaultTunables()
	pickD := func(v, def time.Duration) time.Duration {
		if v <= 0 {
			return def
		}
		return v
	}
	pickN := func(v, def int) int {
		if v <= 0 {
			return def
		}
		return v
	}
	return Tunables{
		RecvTimeout:      pickD(t.RecvTimeout, d.RecvTimeout),
		RecvErrorBackoff: pickD(t.RecvErrorBackoff, d.RecvErrorBackoff),
		TxPollTimeout:    pickD(t.TxPollTimeout, d.TxPollTimeout),
		TxQueueSize:      pickN(t.TxQueueSize, d.TxQueueSize),
		JoinTimeout:      pickD(t.JoinTimeout, d.JoinTimeout),
		TraceCapacity:    pickN(t.TraceCapacity, d.TraceCapacity),
		LogQueueSize:     pickN(t.LogQueueSize, d.LogQueueSize),
		LogRecentMax:     pickN(t.LogRecentMax, d.LogRecentMax),
		LogPollTimeout:   pickD(t.LogPollTimeout, d.LogPollTimeout),
		LogStopTimeout:   pickD(t.LogStopTimeout, d.LogStopTimeout),
	}
}

// App is the process wide context shared by every session: logging, the
// observer, metrics and the time-series store. Build one at startup and pass
// it to NewManager.
type App struct {
	Log      *zap.Logger
	Observer Observer
	Metrics  *metrics.Metrics
	Store    *series.Store
	Tunables Tunables
}

func (a App) withDefaults() App {
	if a.Log == nil {
		a.Log = zap.NewNop()
	}
	if a.Observer == nil {
		a.Observer = ObserverFuncs{}
	}
	if a.Store == nil {
		a.Store = series.NewStore(series.DefaultCapacity)
	}
	a.Tunables = a.Tunables.withDefaults()
	return a
}
