package series

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rpm = Key{Session: "ab12cd34", DBKey: "powertrain.dbc", FrameID: 256, Signal: "RPM"}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "ab12cd34:powertrain.dbc:256:RPM", rpm.String())

	k, err := ParseKey(rpm.String())
	require.NoError(t, err)
	assert.Equal(t, rpm, k)

	k, err = ParseKey("s:odd:name.dbc:7:Sig")
	require.NoError(t, err)
	assert.Equal(t, Key{Session: "s", DBKey: "odd:name.dbc", FrameID: 7, Signal: "Sig"}, k)

	for _, bad := range []string{"", "nocolon", "a:b", "a:b:x:c"} {
		_, err := ParseKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestAppendAndBound(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Append(rpm, float64(i), float64(i*10))
	}
	ts, vs := s.Get(rpm)
	assert.Equal(t, []float64{2, 3, 4}, ts)
	assert.Equal(t, []float64{20, 30, 40}, vs)
	assert.Equal(t, 3, s.Len(rpm))
}

func TestAppendGrowsWithHistory(t *testing.T) {
	s := NewStore(DefaultCapacity)
	for i := 0; i < 200; i++ {
		k := rpm
		k.FrameID = uint32(i)
		s.Append(k, 0, 1)
	}
	for _, sh := range s.shards {
		for k, r := range sh.series {
			assert.Less(t, cap(r.t), 64, k.String())
			assert.Less(t, cap(r.v), 64, k.String())
		}
	}
}

func TestAppendWrapsAfterCapacity(t *testing.T) {
	s := NewStore(4)
	for i := 0; i < 11; i++ {
		s.Append(rpm, float64(i), float64(-i))
	}
	ts, vs := s.Get(rpm)
	assert.Equal(t, []float64{7, 8, 9, 10}, ts)
	assert.Equal(t, []float64{-7, -8, -9, -10}, vs)
	assert.Equal(t, 4, s.Len(rpm))
}

func TestGetUnknownIsEmpty(t *testing.T) {
	s := NewStore(0)
	ts, vs := s.Get(rpm)
	assert.Empty(t, ts)
	assert.Empty(t, vs)
	assert.Equal(t, DefaultCapacity, s.Capacity())
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore(4)
	s.Append(rpm, 1, 1)
	ts, _ := s.Get(rpm)
	ts[0] = 99
	ts2, _ := s.Get(rpm)
	assert.Equal(t, 1.0, ts2[0])
}

func TestKeysAndDeleteSession(t *testing.T) {
	s := NewStore(4)
	other := rpm
	other.Session = "ffff0000"
	gear := rpm
	gear.Signal = "Gear"

	s.Append(rpm, 0, 1)
	s.Append(gear, 0, 1)
	s.Append(other, 0, 1)
	assert.Equal(t, []Key{gear, rpm, other}, s.Keys())

	assert.Equal(t, 2, s.DeleteSession("ab12cd34"))
	assert.Equal(t, []Key{other}, s.Keys())
}

func TestValueAt(t *testing.T) {
	s := NewStore(10)
	_, ok := s.ValueAt(rpm, 1)
	assert.False(t, ok)

	s.Append(rpm, 1, 10)
	v, ok := s.ValueAt(rpm, 100)
	require.True(t, ok)
	assert.Equal(t, 10.0, v)

	s.Append(rpm, 2, 20)
	s.Append(rpm, 4, 0)
	tests := []struct {
		at   float64
		want float64
	}{
		{0, 10},
		{1, 10},
		{1.5, 15},
		{3, 10},
		{4, 0},
		{9, 0},
	}
	for _, tt := range tests {
		v, ok := s.ValueAt(rpm, tt.at)
		require.True(t, ok)
		assert.InDelta(t, tt.want, v, 1e-12, "at %v", tt.at)
	}
}

func TestValueAtNonMonotonicUsesNearest(t *testing.T) {
	s := NewStore(10)
	s.Append(rpm, 5, 50)
	s.Append(rpm, 1, 10)
	s.Append(rpm, 3, 30)

	v, ok := s.ValueAt(rpm, 1.2)
	require.True(t, ok)
	assert.Equal(t, 10.0, v)
	v, _ = s.ValueAt(rpm, 4.9)
	assert.Equal(t, 50.0, v)
}

func TestDifference(t *testing.T) {
	s := NewStore(10)
	b := rpm
	b.Signal = "Ref"

	ts, vs := s.Difference(rpm, b)
	assert.Empty(t, ts)
	assert.Empty(t, vs)

	s.Append(rpm, 0, 5)
	s.Append(rpm, 1, 5)
	s.Append(rpm, 2, 5)
	s.Append(b, 0, 0)
	s.Append(b, 2, 4)

	ts, vs = s.Difference(rpm, b)
	assert.Equal(t, []float64{0, 1, 2}, ts)
	assert.Equal(t, []float64{5, 3, 1}, vs)
}

func TestConcurrentAppendAndRead(t *testing.T) {
	s := NewStore(100)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		k := rpm
		k.FrameID = uint32(w)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s.Append(k, float64(i), float64(i))
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				ts, vs := s.Get(k)
				assert.Equal(t, len(ts), len(vs))
			}
		}()
	}
	wg.Wait()
	for w := 0; w < 4; w++ {
		k := rpm
		k.FrameID = uint32(w)
		assert.Equal(t, 100, s.Len(k))
	}
}
