package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{Internal, "internal"},
		{Config, "config"},
		{Transport, "transport"},
		{Codec, "codec"},
		{Resource, "resource"},
		{Collision, "collision"},
		{Kind(99), "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.kind.String())
		})
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("boom")

	require.Nil(t, Wrap(Config, nil, "registry", "Add"))

	err := Wrap(Codec, base, "registry", "Decode")
	assert.Equal(t, "registry.Decode: boom", err.Error())
	assert.ErrorIs(t, err, base)
	assert.Equal(t, Codec, KindOf(err))
	assert.True(t, Is(err, Codec))
	assert.False(t, Is(err, Config))
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
	assert.Equal(t, Internal, KindOf(nil))
	assert.False(t, Is(nil, Internal))
}

func TestKindOf_WrappedChain(t *testing.T) {
	err := fmt.Errorf("session: %w", Wrap(Transport, errors.New("no device"), "bus", "Open"))
	assert.Equal(t, Transport, KindOf(err))
}
