package session

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canscope/bus"
	"canscope/series"
)

func rpmKey() series.Key {
	return series.Key{Session: "s1", DBKey: powertrainKey, FrameID: 0x100, Signal: "RPM"}
}

func TestHandle_DecodesOwnedFrame(t *testing.T) {
	d, rec := newTestDeps(t)
	f := engineFrame()
	f.Time = 0.5
	d.handle(f)

	recs := d.trace.GetSince(0)
	require.Len(t, recs, 1)
	assert.Equal(t, powertrainKey, recs[0].DBKey)
	assert.Equal(t, "Engine", recs[0].Message)

	ts, vs := d.store.Get(rpmKey())
	assert.Equal(t, []float64{0.5}, ts)
	assert.Equal(t, []float64{1000}, vs)
	_, gears := d.store.Get(series.Key{Session: "s1", DBKey: powertrainKey, FrameID: 0x100, Signal: "Gear"})
	assert.Equal(t, []float64{2}, gears)

	assert.Equal(t, 1.0, counterValue(t, d.metrics.Received))
	assert.Equal(t, 1.0, counterValue(t, d.metrics.Decoded))
	assert.Empty(t, rec.Errors())
}

func TestHandle_UnownedFrameIsTracedOnly(t *testing.T) {
	d, _ := newTestDeps(t)
	d.handle(bus.Frame{ID: 0x7FF, Data: []byte{1}})

	recs := d.trace.GetSince(0)
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].DBKey)
	assert.Empty(t, recs[0].Message)
	assert.Empty(t, d.store.Keys())
	assert.Zero(t, counterValue(t, d.metrics.Decoded))
}

func TestHandle_DecodeErrorIsReported(t *testing.T) {
	d, rec := newTestDeps(t)
	d.handle(bus.Frame{ID: 0x100, Data: []byte{0x01, 0x02}})

	require.Len(t, rec.Errors(), 1)
	assert.True(t, rec.hasError("DBC Decode Error: [bench] ID=0x100:"))
	assert.Equal(t, 1.0, counterValue(t, d.metrics.DecodeErr))
	assert.Empty(t, d.store.Keys())
	assert.Equal(t, 1, d.trace.Len())
}

func TestHandle_FilterAndLogging(t *testing.T) {
	cases := []struct {
		name           string
		affectsLogging bool
		wantWritten    uint64
	}{
		{"filter governs logging", true, 1},
		{"filter ignores logging", false, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, _ := newTestDeps(t)
			flt, ok := d.filters.Get(powertrainKey)
			require.True(t, ok)
			require.NoError(t, flt.Configure(true, "exclude", []uint32{0x100}, tc.affectsLogging))
			require.NoError(t, d.logger.Start(filepath.Join(t.TempDir(), "rx.csv")))

			d.handle(engineFrame())
			d.handle(bus.Frame{ID: 0x200, Data: []byte{0x12, 0x34, 0x01, 0x00}})
			d.logger.Stop()

			assert.Equal(t, tc.wantWritten, d.logger.Status().Written)
			assert.Equal(t, 2, d.trace.Len())
			assert.Equal(t, 1.0, counterValue(t, d.metrics.Filtered))
			assert.Zero(t, d.store.Len(rpmKey()))
			ts, _ := d.store.Get(series.Key{Session: "s1", DBKey: powertrainKey, FrameID: 0x200, Signal: "Pressure"})
			assert.Len(t, ts, 1)
		})
	}
}

func TestReceiver_RunsUntilStopped(t *testing.T) {
	d, rec := newTestDeps(t)
	tr := newMockTransport()
	r := newReceiver(d, tr)
	require.NoError(t, r.Start())
	assert.ErrorIs(t, r.Start(), ErrInvalidState)
	assert.Equal(t, Running, r.State())

	tr.rx <- engineFrame()
	tr.recvErr <- errors.New("bus off")
	tr.rx <- engineFrame()

	require.Eventually(t, func() bool { return d.store.Len(rpmKey()) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, rec.hasError("CAN Receive Error: [bench] bus off"))
	assert.Equal(t, 1.0, counterValue(t, d.metrics.ReadErr))

	recs := d.trace.GetSince(0)
	require.Len(t, recs, 2)
	assert.Equal(t, bus.Rx, recs[0].Direction)
	assert.LessOrEqual(t, recs[0].Time, recs[1].Time)

	r.Stop()
	require.True(t, r.Wait(time.Second))
	assert.Equal(t, Stopped, r.State())
	assert.True(t, rec.hasStatus("[bench] RX thread started"))
	assert.True(t, rec.hasStatus("[bench] RX thread stopped"))
}

func TestReceiver_StopBeforeStart(t *testing.T) {
	d, _ := newTestDeps(t)
	r := newReceiver(d, newMockTransport())
	r.Stop()
	assert.True(t, r.Wait(10*time.Millisecond))
	assert.ErrorIs(t, r.Start(), ErrInvalidState)
}
