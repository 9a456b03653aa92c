package dynamics

import (
	"context"
	"errors"
	"testing"
	"time"

	"goods-dynamics/internal/backfill"
	"goods-dynamics/internal/models"
	"goods-dynamics/internal/persistence"
	"goods-dynamics/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBatch(t *testing.T, repos map[string]*storage.MemoryRepository) (*Batch, persistence.CacheStore) {
	t.Helper()
	cache, err := persistence.NewBadgerCache("", persistence.WithInMemory(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	open := func(table string) (storage.Repository, error) {
		repo, ok := repos[table]
		if !ok {
			return nil, errors.New("unknown table " + table)
		}
		return repo, nil
	}
	cfg := models.Config{Backfill: models.BackfillConfig{Workers: 2}, OverridePolicy: models.ManualWins}
	clock := func() time.Time { return day("2024-02-13").Add(9 * time.Hour) }
	return NewBatch(cfg, open, cache, zap.NewNop(), WithClock(clock)), cache
}

func TestBatchFullRefresh(t *testing.T) {
	nl, cz := seedStore(), seedStore()
	batch, cache := newTestBatch(t, map[string]*storage.MemoryRepository{"ROA1_NL": nl, "ROA1_CZ": cz})

	nlKey := persistence.Key{Table: "ROA1_NL", Date: target}
	frKey := persistence.Key{Table: "ROA1_FR", Date: target}
	require.NoError(t, cache.Put(nlKey, CacheEntry{}))
	require.NoError(t, cache.Put(frKey, CacheEntry{}))

	res, err := batch.FullRefresh(context.Background(), []string{"ROA1_NL", "ROA1_CZ", "ROA1_XX"}, backfill.FullRefreshOptions{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Tables, 3)

	assert.True(t, res.Tables[0].Success)
	assert.Greater(t, res.Tables[0].UpdatedCount, 0)
	assert.Equal(t, res.Tables[0].UpdatedCount, res.Tables[1].UpdatedCount)
	require.NotNil(t, res.Tables[0].Full)
	assert.Equal(t, models.StatusRising, cz.Statuses()["A|2024-02-12"])

	assert.Equal(t, "ROA1_XX", res.Tables[2].Table)
	assert.False(t, res.Tables[2].Success)
	assert.Contains(t, res.Tables[2].Message, "全量刷新失败")

	// 只清除刷新过的站点的缓存，共用的缓存仍然可用
	found, err := cache.Get(nlKey, &CacheEntry{})
	require.NoError(t, err)
	assert.False(t, found)
	found, err = cache.Get(frKey, &CacheEntry{})
	require.NoError(t, err)
	assert.True(t, found)
}

func TestBatchQuickRefresh(t *testing.T) {
	batch, _ := newTestBatch(t, map[string]*storage.MemoryRepository{"ROA1_NL": seedStore()})

	res, err := batch.QuickRefresh(context.Background(), []string{"ROA1_NL"}, time.Time{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Processed)
	require.Len(t, res.Tables, 1)
	require.NotNil(t, res.Tables[0].Quick)
	assert.Equal(t, target, res.Tables[0].Quick.Date)
	assert.Contains(t, res.Tables[0].Message, "2024-02-12")

	_, err = batch.QuickRefresh(context.Background(), nil, time.Time{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err = batch.QuickRefresh(ctx, []string{"ROA1_NL"}, time.Time{})
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.False(t, res.Success)
	assert.Empty(t, res.Tables)
}
