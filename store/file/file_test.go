package file

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.wal")
	l, err := NewLog(path)
	require.Nil(t, err)

	records := []string{"one", "two", "three"}
	for i, r := range records {
		pos, err := l.Append(context.Background(), []byte(r))
		assert.Nil(t, err)
		assert.Equal(t, int64(i), pos)
	}

	got := make([]string, 0)
	err = l.Replay(context.Background(), 0, func(pos int64, rec []byte) bool {
		got = append(got, string(rec))
		return true
	})
	assert.Nil(t, err)
	assert.Equal(t, records, got)

	assert.Nil(t, l.Close())
}

func TestReplayFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.wal")
	l, err := NewLog(path)
	require.Nil(t, err)
	defer l.Close()

	for _, r := range []string{"a", "b", "c", "d"} {
		_, err := l.Append(context.Background(), []byte(r))
		require.Nil(t, err)
	}

	got := make([]string, 0)
	err = l.Replay(context.Background(), 2, func(pos int64, rec []byte) bool {
		got = append(got, string(rec))
		return true
	})
	assert.Nil(t, err)
	assert.Equal(t, []string{"c", "d"}, got)
}

func TestReopenContinuesPositions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.wal")

	l, err := NewLog(path)
	require.Nil(t, err)
	_, err = l.Append(context.Background(), []byte("first"))
	require.Nil(t, err)
	require.Nil(t, l.Close())

	l, err = NewLog(path)
	require.Nil(t, err)
	defer l.Close()

	pos, err := l.Append(context.Background(), []byte("second"))
	assert.Nil(t, err)
	assert.Equal(t, int64(1), pos)
}

func TestTornTailTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.wal")

	l, err := NewLog(path)
	require.Nil(t, err)
	_, err = l.Append(context.Background(), []byte("good"))
	require.Nil(t, err)
	require.Nil(t, l.Close())

	// Simulate a crash mid-append: a header promising more bytes than
	// were ever written.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.Nil(t, err)
	var header [8]byte
	binary.BigEndian.PutUint64(header[:], 1000)
	_, err = f.Write(header[:])
	require.Nil(t, err)
	_, err = f.Write([]byte("torn"))
	require.Nil(t, err)
	require.Nil(t, f.Close())

	l, err = NewLog(path)
	require.Nil(t, err)
	defer l.Close()

	got := make([]string, 0)
	err = l.Replay(context.Background(), 0, func(pos int64, rec []byte) bool {
		got = append(got, string(rec))
		return true
	})
	assert.Nil(t, err)
	assert.Equal(t, []string{"good"}, got)

	pos, err := l.Append(context.Background(), []byte("after"))
	assert.Nil(t, err)
	assert.Equal(t, int64(1), pos)
}
