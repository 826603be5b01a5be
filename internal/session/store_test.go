package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MEKXH/ccapproval/internal/approval"
)

func TestStore_CreateGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	created := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Create(Thread{
		SessionID: "sess-1",
		ThreadTS:  "1700000000.000100",
		ChannelID: "C123",
		Status:    StatusExecuting,
		CreatedAt: created,
		UpdatedAt: created,
	}))

	reopened := NewStore(dir)
	got, ok, err := reopened.Get("sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1700000000.000100", got.ThreadTS)
	assert.Equal(t, "C123", got.ChannelID)
	assert.Equal(t, StatusExecuting, got.Status)
	assert.True(t, got.CreatedAt.Equal(created))
}

func TestStore_FileFormat(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.Create(Thread{SessionID: "s", ThreadTS: "1.2", ChannelID: "C1"}))

	raw, err := os.ReadFile(filepath.Join(dir, "session-threads.json"))
	require.NoError(t, err)
	for _, key := range []string{`"sessionId"`, `"threadTs"`, `"channelId"`, `"status": "executing"`, `"createdAt"`, `"updatedAt"`} {
		assert.Contains(t, string(raw), key)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestStore_GetMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	_, ok, err := store.Get("nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_UpdateMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	status := StatusDone
	_, err := store.Update("ghost", Patch{Status: &status})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "session ghost not found", err.Error())
}

func TestStore_UpdateBumpsUpdatedAt(t *testing.T) {
	store := NewStore(t.TempDir())
	t0 := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return t0 }
	require.NoError(t, store.Create(Thread{SessionID: "s", ThreadTS: "1.2", ChannelID: "C1"}))

	store.now = func() time.Time { return t0.Add(time.Minute) }
	status := StatusFailed
	updated, err := store.Update("s", Patch{Status: &status})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, updated.Status)
	assert.Equal(t, "1.2", updated.ThreadTS)
	assert.True(t, updated.CreatedAt.Equal(t0))
	assert.True(t, updated.UpdatedAt.Equal(t0.Add(time.Minute)))
}

func TestStore_DeleteAndGetAll(t *testing.T) {
	store := NewStore(t.TempDir())
	base := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Create(Thread{SessionID: "b", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, store.Create(Thread{SessionID: "a", CreatedAt: base}))

	all, err := store.GetAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].SessionID)

	require.NoError(t, store.Delete("a"))
	require.NoError(t, store.Delete("missing"))

	all, err = store.GetAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b", all[0].SessionID)
}

func TestStore_Prune(t *testing.T) {
	store := NewStore(t.TempDir())
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Create(Thread{SessionID: "old", UpdatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, store.Create(Thread{SessionID: "fresh", UpdatedAt: now.Add(-time.Hour)}))

	removed, err := store.Prune(24*time.Hour, now)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "old", removed[0].SessionID)

	_, ok, err := store.Get("fresh")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.Prune(0, now)
	assert.Error(t, err)
}

func TestStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session-threads.json"), []byte("{not json"), 0o644))

	_, _, err := NewStore(dir).Get("x")
	assert.Error(t, err)
}

func TestDefaultDataDir_UsesXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg")
	assert.Equal(t, filepath.Join("/tmp/xdg", "ccapproval"), DefaultDataDir())
}

func TestBinding_Lifecycle(t *testing.T) {
	store := NewStore(t.TempDir())
	binding := NewBinding(store)

	_, ok, err := binding.Lookup("sess")
	require.NoError(t, err)
	assert.False(t, ok)

	root := approval.Location{ChannelID: "C1", MessageTS: "1.5"}
	require.NoError(t, binding.Start("sess", root))

	got, ok, err := binding.Lookup("sess")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, root, got)

	require.NoError(t, binding.Finish("sess", false))
	thread, _, err := store.Get("sess")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, thread.Status)

	assert.NoError(t, binding.Finish("unknown", true))
}
