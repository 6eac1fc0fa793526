package frame

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		n := r.Intn(4096)
		payload := make([]byte, n)
		r.Read(payload)
		compressed := r.Intn(2) == 0

		encoded := Encode(payload, compressed)
		msgs, err := DecodeAll(encoded, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, payload, msgs[0].Payload)
		assert.Equal(t, compressed, msgs[0].Compressed)
	}
}

func TestEncodeZeroLength(t *testing.T) {
	encoded := Encode(nil, false)
	require.Len(t, encoded, 5)
	msgs, err := DecodeAll(encoded, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Payload)
}

func TestDecodeArbitraryChunking(t *testing.T) {
	payloads := [][]byte{[]byte("hello"), []byte(""), []byte("world, a slightly longer message")}
	var wire []byte
	for _, p := range payloads {
		wire = append(wire, Encode(p, false)...)
	}

	var got [][]byte
	d := NewDecoder(0)
	for _, b := range wire { // feed one byte at a time
		err := d.Feed([]byte{b}, func(m Message) {
			cp := append([]byte(nil), m.Payload...)
			got = append(got, cp)
		})
		require.NoError(t, err)
	}
	require.Len(t, got, len(payloads))
	for i, p := range payloads {
		assert.Equal(t, p, got[i])
	}
}

func TestMaxMessageSizeBoundary(t *testing.T) {
	const max = 16
	okPayload := make([]byte, max)
	msgs, err := DecodeAll(Encode(okPayload, false), max)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	tooBig := make([]byte, max+1)
	_, err = DecodeAll(Encode(tooBig, false), max)
	require.Error(t, err)
	var malformed *MalformedFrameError
	require.ErrorAs(t, err, &malformed)
}
