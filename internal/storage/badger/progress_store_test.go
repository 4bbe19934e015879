package badger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/interfaces"
	"github.com/timshannon/badgerhold/v4"
)

func newTestProgressStore(t *testing.T) *ProgressStore {
	t.Helper()

	tmpDir := t.TempDir()
	options := badgerhold.DefaultOptions
	options.Dir = tmpDir
	options.ValueDir = tmpDir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	db := &BadgerDB{store: store}
	return NewProgressStore(db, arbor.NewLogger())
}

func TestProgressStore_SetGetRemove(t *testing.T) {
	s := newTestProgressStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "analysisSteps_REQ-1")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	require.NoError(t, s.Set(ctx, "analysisSteps_REQ-1", `[{"name":"a"}]`))
	value, err := s.Get(ctx, "analysisSteps_REQ-1")
	require.NoError(t, err)
	assert.Equal(t, `[{"name":"a"}]`, value)

	require.NoError(t, s.Set(ctx, "analysisSteps_REQ-1", `[]`))
	value, err = s.Get(ctx, "analysisSteps_REQ-1")
	require.NoError(t, err)
	assert.Equal(t, `[]`, value)

	require.NoError(t, s.Remove(ctx, "analysisSteps_REQ-1"))
	_, err = s.Get(ctx, "analysisSteps_REQ-1")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	// Removing twice is a no-op
	require.NoError(t, s.Remove(ctx, "analysisSteps_REQ-1"))
}

func TestProgressStore_KeysAreCaseSensitive(t *testing.T) {
	s := newTestProgressStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "analysisStatus_REQ-1", "true"))
	_, err := s.Get(ctx, "analysisstatus_req-1")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestProgressStore_KeysByPrefix(t *testing.T) {
	s := newTestProgressStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "analysisStatus_REQ-1", "true"))
	require.NoError(t, s.Set(ctx, "analysisStatus_REQ-2", "true"))
	require.NoError(t, s.Set(ctx, "analysisSteps_REQ-1", "[]"))

	keys, err := s.Keys(ctx, "analysisStatus_")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"analysisStatus_REQ-1", "analysisStatus_REQ-2"}, keys)
}

func TestNewBadgerDB_InMemory(t *testing.T) {
	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer db.Close()

	s := NewProgressStore(db, arbor.NewLogger())
	require.NoError(t, s.Set(context.Background(), "k", "v"))
	v, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestRunValueLogGC(t *testing.T) {
	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "progress")})
	require.NoError(t, err)
	defer db.Close()

	s := NewProgressStore(db, arbor.NewLogger())
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("workflow_status_REQ-%d", i)
		require.NoError(t, s.Set(ctx, key, "true"))
		require.NoError(t, s.Remove(ctx, key))
	}

	// Nothing worth rewriting is not an error
	assert.NoError(t, db.RunValueLogGC(0.5))

	mem, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer mem.Close()
	assert.NoError(t, mem.RunValueLogGC(0.5))
}
