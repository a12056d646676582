package session

import (
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canscope/bus"
)

func newTestManager(t *testing.T) (*Manager, *recorder) {
	t.Helper()
	rec := &recorder{}
	m := NewManager(testApp(rec))
	t.Cleanup(m.ShutdownAll)
	return m, rec
}

func TestManager_CreateAssignsShortHexIDs(t *testing.T) {
	m, _ := newTestManager(t)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := m.Create(CreateRequest{Name: fmt.Sprintf("s%d", i), Bus: bus.Config{Interface: "virtual", Channel: t.Name()}})
		require.NoError(t, err)
		require.Len(t, id, 8)
		_, err = hex.DecodeString(id)
		require.NoError(t, err)
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, m.Sessions(), 50)
}

func TestManager_DuplicateNameReturnsNoSession(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.Create(CreateRequest{Name: "bench", Bus: bus.Config{Interface: "virtual"}})
	require.NoError(t, err)
	require.NotEqual(t, NoSession, id)

	dup, err := m.Create(CreateRequest{Name: "bench"})
	assert.NoError(t, err)
	assert.Equal(t, NoSession, dup)
	assert.Len(t, m.Sessions(), 1)
}

func TestManager_CreateWithBadDatabase(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.Create(CreateRequest{Name: "bench", Databases: []string{"missing.dbc"}})
	assert.Error(t, err)
	assert.Equal(t, NoSession, id)
	assert.Empty(t, m.Sessions())

	_, err = m.Create(CreateRequest{Name: "  "})
	assert.Error(t, err)
}

func TestManager_LifecycleAndRemove(t *testing.T) {
	m, rec := newTestManager(t)
	cfg := bus.Config{Interface: "virtual", Channel: t.Name()}
	id, err := m.Create(CreateRequest{Name: "bench", Bus: cfg, Databases: []string{powertrainDBC}})
	require.NoError(t, err)

	peer := bus.OpenVirtual(t.Name())
	defer peer.Shutdown()

	require.NoError(t, m.Connect(id))
	require.NoError(t, peer.Send(engineFrame()))
	s, err := m.Get(id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(m.App().Store.Keys()) > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Disconnect(id))
	assert.False(t, s.Connected())

	require.NoError(t, m.Connect(id))
	require.NoError(t, m.Remove(id))
	assert.False(t, s.Connected())
	assert.Empty(t, m.App().Store.Keys())
	assert.True(t, rec.hasStatus("[bench] Disconnected"))

	_, err = m.Get(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, m.Remove(id), ErrSessionNotFound)
	assert.ErrorIs(t, m.Connect(id), ErrSessionNotFound)
	assert.ErrorIs(t, m.Disconnect(id), ErrSessionNotFound)
}

func TestManager_ShutdownAll(t *testing.T) {
	m, _ := newTestManager(t)
	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		id, err := m.Create(CreateRequest{Name: name, Bus: bus.Config{Interface: "virtual", Channel: t.Name() + name}})
		require.NoError(t, err)
		require.NoError(t, m.Connect(id))
		ids = append(ids, id)
	}
	m.ShutdownAll()
	for _, s := range m.Sessions() {
		assert.False(t, s.Connected())
	}
	assert.Equal(t, map[string]string{ids[0]: "a", ids[1]: "b", ids[2]: "c"}, m.Names())
}
