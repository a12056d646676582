package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestEventBus_FanOut(t *testing.T) {
	b := NewEventBus()
	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()
	assert.Equal(t, 2, b.Len())

	b.OnStatus("[bench] Connected")
	b.OnError("TX Send Error", "[bench] boom")

	for _, ch := range []<-chan Event{ch1, ch2} {
		e := <-ch
		assert.Equal(t, EventStatus, e.Type)
		assert.Equal(t, "[bench] Connected", e.Message)
		assert.False(t, e.Timestamp.IsZero())
		e = <-ch
		assert.Equal(t, EventError, e.Type)
		assert.Equal(t, "TX Send Error", e.Title)
	}

	unsub1()
	unsub1()
	_, open := <-ch1
	assert.False(t, open)
	assert.Equal(t, 1, b.Len())
}

func TestEventBus_SlowSubscriberMissesEvents(t *testing.T) {
	b := NewEventBus()
	ch, unsub := b.Subscribe()
	defer unsub()
	for i := 0; i < subscriberBuffer+10; i++ {
		b.OnStatus("tick")
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestObservers_FanOutAndLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	rec := &recorder{}
	var statuses []string
	obs := Observers{rec, LogObserver(zap.New(core)), ObserverFuncs{Status: func(m string) { statuses = append(statuses, m) }}}

	obs.OnStatus("[bench] Connected")
	obs.OnError("CAN Receive Error", "[bench] bus off")

	assert.Equal(t, []string{"[bench] Connected"}, rec.Status())
	assert.Equal(t, []string{"CAN Receive Error: [bench] bus off"}, rec.Errors())
	assert.Equal(t, []string{"[bench] Connected"}, statuses)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, "CAN Receive Error", entries[1].Message)
	assert.Equal(t, "events", entries[1].LoggerName)
}
