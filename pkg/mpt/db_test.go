package mpt_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/monad-mpt/monad-mpt/internal/config"
	"github.com/monad-mpt/monad-mpt/pkg/mpt"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DevicePaths = []string{filepath.Join(dir, "dev0.bin")}
	cfg.ChunksPerDevice = []uint32{64}
	cfg.ChunkCapacity = 1 << 16
	cfg.MetadataDir = filepath.Join(dir, "meta")
	cfg.HistoryCapacity = 16
	return cfg
}

func TestUpsertThenGetReturnsValue(t *testing.T) {
	ctx := context.Background()
	db, err := mpt.Open(ctx, testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	updates := &mpt.UpdateList{Updates: []mpt.Update{
		{Key: []byte("alice"), Value: []byte("100")},
		{Key: []byte("bob"), Value: []byte("200")},
	}}

	_, err = db.Upsert(ctx, updates, 1, true, false)
	require.NoError(t, err)

	v, err := db.Get(ctx, []byte("alice"), 1)
	require.NoError(t, err)
	require.Equal(t, "100", string(v))

	v, err = db.Get(ctx, []byte("bob"), 1)
	require.NoError(t, err)
	require.Equal(t, "200", string(v))

	_, err = db.Get(ctx, []byte("carol"), 1)
	require.ErrorIs(t, err, mpt.ErrNotFound)
}

func TestMultipleVersionsArePreserved(t *testing.T) {
	ctx := context.Background()
	db, err := mpt.Open(ctx, testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Upsert(ctx, &mpt.UpdateList{Updates: []mpt.Update{{Key: []byte("k"), Value: []byte("v1")}}}, 1, true, false)
	require.NoError(t, err)

	_, err = db.Upsert(ctx, &mpt.UpdateList{Updates: []mpt.Update{{Key: []byte("k"), Value: []byte("v2")}}}, 2, true, false)
	require.NoError(t, err)

	v1, err := db.Get(ctx, []byte("k"), 1)
	require.NoError(t, err)
	require.Equal(t, "v1", string(v1))

	v2, err := db.Get(ctx, []byte("k"), 2)
	require.NoError(t, err)
	require.Equal(t, "v2", string(v2))

	require.Equal(t, mpt.Version(2), db.LatestVersion())
}

func TestEraseRemovesKey(t *testing.T) {
	ctx := context.Background()
	db, err := mpt.Open(ctx, testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Upsert(ctx, &mpt.UpdateList{Updates: []mpt.Update{{Key: []byte("k"), Value: []byte("v")}}}, 1, true, false)
	require.NoError(t, err)

	_, err = db.Upsert(ctx, &mpt.UpdateList{Updates: []mpt.Update{{Key: []byte("k"), Value: nil}}}, 2, true, false)
	require.NoError(t, err)

	_, err = db.Get(ctx, []byte("k"), 2)
	require.ErrorIs(t, err, mpt.ErrNotFound)

	// Old version still has the key.
	v, err := db.Get(ctx, []byte("k"), 1)
	require.NoError(t, err)
	require.Equal(t, "v", string(v))
}

func TestTraverseVisitsAllKeys(t *testing.T) {
	ctx := context.Background()
	db, err := mpt.Open(ctx, testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	updates := &mpt.UpdateList{Updates: []mpt.Update{
		{Key: []byte("aaa"), Value: []byte("1")},
		{Key: []byte("aab"), Value: []byte("2")},
		{Key: []byte("bbb"), Value: []byte("3")},
	}}
	_, err = db.Upsert(ctx, updates, 1, true, false)
	require.NoError(t, err)

	seen := map[string]string{}
	err = db.Traverse(ctx, nil, 1, 0, func(key, value []byte) bool {
		seen[string(key)] = string(value)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"aaa": "1", "aab": "2", "bbb": "3"}, seen)
}

func TestRejectsUnsortedUpdateList(t *testing.T) {
	ctx := context.Background()
	db, err := mpt.Open(ctx, testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	updates := &mpt.UpdateList{Updates: []mpt.Update{
		{Key: []byte("b"), Value: []byte("1")},
		{Key: []byte("a"), Value: []byte("2")},
	}}

	_, err = db.Upsert(ctx, updates, 1, true, false)
	require.ErrorIs(t, err, mpt.ErrInvalidUpdateList)
}

func TestReopenRecoversCommittedData(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	db, err := mpt.Open(ctx, cfg)
	require.NoError(t, err)

	_, err = db.Upsert(ctx, &mpt.UpdateList{Updates: []mpt.Update{{Key: []byte("persisted"), Value: []byte("yes")}}}, 1, true, false)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := mpt.Open(ctx, cfg)
	require.NoError(t, err)
	defer db2.Close()

	v, err := db2.Get(ctx, []byte("persisted"), 1)
	require.NoError(t, err)
	require.Equal(t, "yes", string(v))
	require.Equal(t, mpt.Version(1), db2.LatestVersion())
}

// TestUpsertReclaimsChunksEvictedFromHistoryWindow exercises the storage
// pool's chunk free list end to end: with a tiny chunk count and a short
// history window, committing more versions than there are chunks would
// exhaust the pool outright unless chunks evicted from the retained window
// are returned to the free list and reused.
func TestUpsertReclaimsChunksEvictedFromHistoryWindow(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.DevicePaths = []string{filepath.Join(dir, "dev0.bin")}
	cfg.ChunksPerDevice = []uint32{4}
	cfg.ChunkCapacity = 220
	cfg.MetadataDir = filepath.Join(dir, "meta")
	cfg.HistoryCapacity = 2

	db, err := mpt.Open(ctx, cfg)
	require.NoError(t, err)
	defer db.Close()

	value := make([]byte, 150)
	for v := mpt.Version(1); v <= 10; v++ {
		updates := &mpt.UpdateList{Updates: []mpt.Update{{Key: []byte("k"), Value: value}}}
		_, err := db.Upsert(ctx, updates, v, true, false)
		require.NoErrorf(t, err, "upsert for version %d should have reused a reclaimed chunk instead of running out", v)
	}

	got, err := db.Get(ctx, []byte("k"), 10)
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestUpdateFinalizedVersionPersists(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	db, err := mpt.Open(ctx, cfg)
	require.NoError(t, err)

	_, err = db.Upsert(ctx, &mpt.UpdateList{Updates: []mpt.Update{{Key: []byte("k"), Value: []byte("v")}}}, 1, true, false)
	require.NoError(t, err)

	require.NoError(t, db.UpdateFinalizedVersion(1))
	require.NoError(t, db.Close())

	db2, err := mpt.Open(ctx, cfg)
	require.NoError(t, err)
	defer db2.Close()
}
