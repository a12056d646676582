package session

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"canscope/bus"
	"canscope/series"
)

// Receiver reads frames from a transport and runs each through trace,
// filter, logger, decode and store.
type Receiver struct {
	lifecycle
	d  *deps
	tr bus.Transport
}

func newReceiver(d *deps, tr bus.Transport) *Receiver {
	return &Receiver{lifecycle: newLifecycle(), d: d, tr: tr}
}

// Start launches the receive loop. A Receiver runs at most once.
func (r *Receiver) Start() error {
	if err := r.begin(); err != nil {
		return err
	}
	go r.run()
	return nil
}

// Stop asks the loop to exit; it notices within one receive timeout.
func (r *Receiver) Stop() { r.requestStop() }

func (r *Receiver) run() {
	defer close(r.done)
	d := r.d
	d.observer.OnStatus(fmt.Sprintf("[%s] RX thread started", d.name))
	d.log.Debug("receiver started")

	for !r.stopping() {
		f, ok, err := r.tr.Recv(d.tun.RecvTimeout)
		if err != nil {
			if r.stopping() {
				break
			}
			d.metrics.ReadErr.Inc()
			d.observer.OnError("CAN Receive Error", fmt.Sprintf("[%s] %v", d.name, err))
			select {
			case <-r.stop:
			case <-time.After(d.tun.RecvErrorBackoff):
			}
			continue
		}
		if !ok {
			continue
		}
		f.Time = d.since()
		f.Direction = bus.Rx
		d.handle(f)
	}

	d.observer.OnStatus(fmt.Sprintf("[%s] RX thread stopped", d.name))
	d.log.Debug("receiver stopped")
}

// handle runs one received frame through the pipeline. Trace always sees the
// frame; the logger sees it unless its database filter rejects it and also
// governs logging; only owned, allowed frames are decoded.
func (d *deps) handle(f bus.Frame) {
	d.metrics.Received.Inc()

	key, name, owned := d.registry.Resolve(f.ID)
	d.trace.Push(f, d.channel, key, name)

	allowed, governsLog := true, false
	if owned {
		if flt, ok := d.filters.Get(key); ok {
			allowed = flt.Allows(f.ID)
			governsLog = flt.AffectsLogging()
		}
	}
	if !owned || !governsLog || allowed {
		d.logger.PushFrame(f.Time, f)
	}
	if !allowed {
		d.metrics.Filtered.Inc()
		return
	}
	if !owned {
		return
	}

	values, err := d.registry.Decode(f.ID, key, f.Data)
	if err != nil {
		d.metrics.DecodeErr.Inc()
		d.observer.OnError("DBC Decode Error", fmt.Sprintf("[%s] ID=0x%X: %v", d.name, f.ID, err))
		return
	}
	d.metrics.Decoded.Inc()

	for sig, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			d.log.Debug("skipping non-numeric signal", zap.Uint32("id", f.ID), zap.String("signal", sig))
			continue
		}
		d.store.Append(series.Key{Session: d.sessionID, DBKey: key, FrameID: f.ID, Signal: sig}, f.Time, v)
	}
}
