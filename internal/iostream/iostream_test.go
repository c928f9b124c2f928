package iostream

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteAllShortWrite(t *testing.T) {
	w := &zeroWriter{}
	err := WriteAll(w, []byte("hello"))
	require.ErrorIs(t, err, ErrShortWrite)
}

type zeroWriter struct{}

func (zeroWriter) Write([]byte) (int, error) { return 0, nil }

func TestReadAll(t *testing.T) {
	r := NewBufReader(strings.NewReader("the quick brown fox"), 0)
	got, err := ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "the quick brown fox", string(got))
}

func TestLimitReader(t *testing.T) {
	r := NewBufReader(strings.NewReader("0123456789"), 0)
	lr := NewLimitReader(r, 4)
	got, err := ReadAll(lr)
	require.NoError(t, err)
	require.Equal(t, "0123", string(got))
	require.Equal(t, int64(0), lr.Remaining())
}

func TestTakeWhileReader(t *testing.T) {
	br := NewBufReader(strings.NewReader("abc123"), 0)
	tw := NewTakeWhileReader(br, func(b byte) bool { return b >= 'a' && b <= 'z' })
	got, err := ReadAll(tw)
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))
}

func TestBufWriterDiscardsWithoutFlush(t *testing.T) {
	var dst bytes.Buffer
	var warned string
	bw := NewBufWriter(&dst, 4096, func(msg string) { warned = msg })
	_, err := bw.Write([]byte("buffered but never flushed"))
	require.NoError(t, err)
	require.NoError(t, bw.Close())
	require.Empty(t, dst.String())
	require.NotEmpty(t, warned)
}

func TestBufWriterFlushVisible(t *testing.T) {
	var dst bytes.Buffer
	bw := NewBufWriter(&dst, 4096, nil)
	_, err := bw.Write([]byte("visible"))
	require.NoError(t, err)
	require.NoError(t, bw.Flush())
	require.Equal(t, "visible", dst.String())
}
