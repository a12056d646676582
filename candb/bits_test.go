package candb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitsIntelRoundTrip(t *testing.T) {
	data := make([]byte, 8)
	require.NoError(t, setBits(data, 4, 12, false, 0xABC))
	assert.Equal(t, []byte{0xC0, 0xAB, 0, 0, 0, 0, 0, 0}, data)

	v, err := getBits(data, 4, 12, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xABC), v)
}

func TestBitsMotorolaLayout(t *testing.T) {
	data := make([]byte, 4)
	require.NoError(t, setBits(data, 7, 16, true, 0x1234))
	assert.Equal(t, []byte{0x12, 0x34, 0, 0}, data)

	v, err := getBits(data, 7, 16, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), v)
}

func TestBitsMotorolaUnaligned(t *testing.T) {
	data := make([]byte, 8)
	require.NoError(t, setBits(data, 3, 10, true, 0x2AB))
	v, err := getBits(data, 3, 10, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2AB), v)
}

func TestBitsFDPayload(t *testing.T) {
	data := make([]byte, 64)
	require.NoError(t, setBits(data, 500, 12, false, 0xFFF))
	v, err := getBits(data, 500, 12, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xFFF), v)
}

func TestBitsOutOfRange(t *testing.T) {
	_, err := getBits(make([]byte, 2), 10, 8, false)
	require.Error(t, err)
	_, err = getBits(make([]byte, 2), 0, 0, false)
	require.Error(t, err)
}

func TestSignExtension(t *testing.T) {
	assert.Equal(t, int64(-1), unsignedToRawInt64(0xFFF, 12, true))
	assert.Equal(t, int64(0xFFF), unsignedToRawInt64(0xFFF, 12, false))
	assert.Equal(t, int64(-2048), unsignedToRawInt64(0x800, 12, true))
	assert.Equal(t, uint64(0xFFF), rawToUnsigned(-1, 12))
}

func TestClampRaw(t *testing.T) {
	assert.Equal(t, int64(255), clampRaw(300, 8, false))
	assert.Equal(t, int64(0), clampRaw(-3, 8, false))
	assert.Equal(t, int64(127), clampRaw(300, 8, true))
	assert.Equal(t, int64(-128), clampRaw(-300, 8, true))
}
