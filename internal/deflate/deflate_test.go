package deflate

import (
	"bufio"
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func compress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	w := NewWriter(bw)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.End())
	require.NoError(t, bw.Flush())
	return buf.Bytes()
}

func decompress(t *testing.T, data []byte) []byte {
	t.Helper()
	br := bufio.NewReader(bytes.NewReader(data))
	r := NewReader(br)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return out
}

func TestRoundTripShort(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	compressed := compress(t, data)
	require.Equal(t, data, decompress(t, compressed))
}

func TestRoundTripRepetitive(t *testing.T) {
	data := bytes.Repeat([]byte("abcabcabcabcabc123123123"), 500)
	compressed := compress(t, data)
	require.Less(t, len(compressed), len(data))
	require.Equal(t, data, decompress(t, compressed))
}

func TestRoundTripEmpty(t *testing.T) {
	compressed := compress(t, nil)
	require.Equal(t, []byte{}, decompress(t, compressed))
}

func TestRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := make([]byte, 20000)
	rng.Read(data)
	compressed := compress(t, data)
	require.Equal(t, data, decompress(t, compressed))
}

func TestRoundTripAcrossWindowBoundary(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	data := make([]byte, 1<<16+37)
	for i := range data {
		data[i] = byte(rng.Intn(4)) // low-entropy, forces long match runs
	}
	compressed := compress(t, data)
	require.Equal(t, data, decompress(t, compressed))
}

func TestBitWriterEndPadsToByteBoundary(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	w := NewBitWriter(bw)
	require.NoError(t, w.WriteBits(0b101, 3))
	require.NoError(t, w.End())
	require.NoError(t, bw.Flush())
	require.Len(t, buf.Bytes(), 1)
}

func TestErrorKindString(t *testing.T) {
	require.Equal(t, "bad_block_type", ErrBadBlockType.String())
	err := newErr(ErrLongDistance, "x")
	require.True(t, Is(err, ErrLongDistance))
	require.False(t, Is(err, ErrBadTrees))
}
