package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "run.json"), nil)
}

func twoItems() []Item {
	return []Item{
		{Group: "a", Text: "first"},
		{Group: "b", Text: "second"},
	}
}

func TestCreateAndLoad(t *testing.T) {
	s := newTestStore(t)

	run, err := s.Create("hash1", twoItems())
	require.NoError(t, err)
	assert.Equal(t, "hash1", run.SourceListHash)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, StatusPending, run.Items[0].Status)
	assert.False(t, run.StartedAt.IsZero())
	assert.Equal(t, 2, s.Len())

	// Reload from disk through a fresh store.
	s2 := NewStore(s.Path(), nil)
	run2, err := s2.Load("hash1")
	require.NoError(t, err)
	assert.Equal(t, run.RunID, run2.RunID)
	assert.Equal(t, run.Items, run2.Items)
}

func TestCreate_RefusesExisting(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("hash1", twoItems())
	require.NoError(t, err)

	_, err = s.Create("hash2", twoItems())
	require.ErrorIs(t, err, ErrRunExists)
}

func TestLoad_ChangedListFailsFast(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("hash1", twoItems())
	require.NoError(t, err)
	require.NoError(t, s.Update(0, func(it *Item) { it.Status = StatusCompleted }))

	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	s2 := NewStore(s.Path(), nil)
	_, err = s2.Load("hash-other")
	require.ErrorIs(t, err, ErrListChanged)

	// Nothing on disk was mutated by the failed load.
	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLoad_NoRun(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load("hash1")
	require.ErrorIs(t, err, ErrNoRun)
}

func TestUpdate_PersistsAtomically(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("hash1", twoItems())
	require.NoError(t, err)

	now := time.Now().UTC()
	err = s.Update(1, func(it *Item) {
		it.Status = StatusInterrupted
		it.Attempts = 2
		it.InterruptedAt = &now
		it.PartialContext = "tail"
	})
	require.NoError(t, err)

	// No temp file left behind.
	_, statErr := os.Stat(s.Path() + ".tmp")
	assert.True(t, os.IsNotExist(statErr))

	var run RunState
	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &run))
	assert.Equal(t, StatusInterrupted, run.Items[1].Status)
	assert.Equal(t, 2, run.Items[1].Attempts)
	assert.Equal(t, "tail", run.Items[1].PartialContext)
	require.NotNil(t, run.Items[1].InterruptedAt)
}

func TestUpdate_IndexOutOfRange(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("hash1", twoItems())
	require.NoError(t, err)

	require.ErrorIs(t, s.Update(5, func(it *Item) {}), ErrIndexOutOfRange)
	require.ErrorIs(t, s.Update(-1, func(it *Item) {}), ErrIndexOutOfRange)
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("hash1", twoItems())
	require.NoError(t, err)

	require.NoError(t, s.Reset())
	assert.False(t, s.Exists())

	// Reset of an absent run is not an error.
	require.NoError(t, s.Reset())

	// A new run can now be created.
	_, err = s.Create("hash2", twoItems())
	require.NoError(t, err)
}

func TestStuckRunning(t *testing.T) {
	run := &RunState{Items: []Item{
		{Status: StatusCompleted},
		{Status: StatusRunning},
		{Status: StatusPending},
	}}
	assert.Equal(t, []int{1}, run.StuckRunning())

	run.Items[1].Status = StatusInterrupted
	assert.Nil(t, run.StuckRunning())
}

func TestItemTerminal(t *testing.T) {
	assert.True(t, (&Item{Status: StatusCompleted}).Terminal())
	assert.True(t, (&Item{Status: StatusFailed}).Terminal())
	assert.False(t, (&Item{Status: StatusPending}).Terminal())
	assert.False(t, (&Item{Status: StatusInterrupted}).Terminal())
	assert.False(t, (&Item{Status: StatusRunning}).Terminal())
}
