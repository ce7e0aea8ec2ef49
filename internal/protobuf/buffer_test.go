package protobuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuffer_IntRoundTrip(t *testing.T) {
	b := New()
	b.Allocate(4)
	require.NoError(t, b.WriteInt(0x01020304))
	b.First()
	v, err := b.ReadInt()
	require.NoError(t, err)
	require.EqualValues(t, 0x01020304, v)
}

func TestBuffer_ShortAndIntSequence(t *testing.T) {
	// S4 — ProtocolBuffer round-trip.
	b := New()
	b.Allocate(6)
	require.NoError(t, b.WriteInt(0x01020304))
	require.NoError(t, b.WriteShort(0x0506))
	b.First()

	v, err := b.ReadInt()
	require.NoError(t, err)
	w, err := b.ReadShort()
	require.NoError(t, err)

	require.EqualValues(t, 0x01020304, v)
	require.EqualValues(t, 0x0506, w)
}

func TestBuffer_WriteBufferRoundTrip(t *testing.T) {
	payload := []byte("some arbitrary WAL-ish bytes")
	b := New()
	b.Allocate(len(payload))
	require.NoError(t, b.WriteBuffer(payload))
	b.First()
	out, err := b.ReadBuffer(len(payload))
	require.NoError(t, err)
	require.Equal(t, payload, out)
}

func TestBuffer_OutOfRange(t *testing.T) {
	b := New()
	b.Allocate(2)
	require.NoError(t, b.WriteShort(1))
	require.ErrorIs(t, b.WriteByte(1), ErrOutOfRange)

	b.First()
	_, err := b.ReadInt()
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestBuffer_ClearResetsAndZeroes(t *testing.T) {
	b := New()
	b.Allocate(4)
	require.NoError(t, b.WriteInt(123))
	b.Clear()
	require.Equal(t, 0, b.Position())
	for _, v := range b.Ptr() {
		require.Zero(t, v)
	}
}

func TestBuffer_AssignAndRead(t *testing.T) {
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	b := New()
	b.Allocate(len(payload))
	require.NoError(t, b.Assign(payload, len(payload)))

	out := make([]byte, len(payload))
	require.NoError(t, b.Read(out, len(payload), 0))
	require.Equal(t, payload, out)
}
