package statestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_AppendAndReplay(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Append("submit", map[string]string{"name": "op-1"})
	require.NoError(t, err)
	_, err = s.Append("complete", map[string]string{"name": "op-1"})
	require.NoError(t, err)

	var kinds []string
	require.NoError(t, s.Replay(func(r Record) error {
		kinds = append(kinds, r.Kind)
		return nil
	}))
	assert.Equal(t, []string{"submit", "complete"}, kinds)
}

func TestStore_SnapshotTruncatesWAL(t *testing.T) {
	s := openTestStore(t)

	seq1, err := s.Append("submit", map[string]string{"name": "op-1"})
	require.NoError(t, err)
	_, err = s.Append("queued", map[string]string{"name": "op-2"})
	require.NoError(t, err)

	require.NoError(t, s.Snapshot(map[string]int{"count": 1}, seq1))

	var kinds []string
	require.NoError(t, s.Replay(func(r Record) error {
		kinds = append(kinds, r.Kind)
		return nil
	}))
	assert.Equal(t, []string{"queued"}, kinds)

	snap, ok, err := s.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(snap), "count")
}

func TestStore_LoadSnapshotAbsent(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.LoadSnapshot()
	require.NoError(t, err)
	assert.False(t, ok)
}
