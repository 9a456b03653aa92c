package dynamics

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"goods-dynamics/internal/exporter"
	"goods-dynamics/internal/models"
	"goods-dynamics/internal/persistence"
	"goods-dynamics/internal/storage"
	"goods-dynamics/internal/transition"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

func day(s string) time.Time {
	t, err := models.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

func n(v int64) *int64 { return &v }

var target = day("2024-02-12")

type mockRenderer struct {
	mu    sync.Mutex
	calls map[string][]string
}

func (m *mockRenderer) Render(_ context.Context, group string, _ time.Time, histories []*models.GoodsHistory) ([]Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string][]string)
	}
	var images []Image
	for _, h := range histories {
		m.calls[group] = append(m.calls[group], h.GoodsID)
		images = append(images, Image{GoodsID: h.GoodsID, ContentType: "image/png", Data: []byte("png")})
	}
	return images, nil
}

// seedStore 构造目标日期 2024-02-12 的五个动销品：
// A 保持上升期，B 由上升期到非上升期，C 新增上升期，E 缺货，F 中断后更新为上升期
func seedStore() *storage.MemoryRepository {
	repo := storage.NewMemoryRepository()
	repo.Put(
		// A：状态未回填，曝光持续上升
		models.DailyRecord{GoodsID: "A", Date: day("2024-02-10"), Impressions: 10, Buyers: n(1), Reason: "Normal"},
		models.DailyRecord{GoodsID: "A", Date: day("2024-02-11"), Impressions: 20, Buyers: n(0)},
		models.DailyRecord{GoodsID: "A", Date: day("2024-02-12"), Impressions: 30, Buyers: n(0)},

		models.DailyRecord{GoodsID: "B", Date: day("2024-02-09"), Impressions: 50, Buyers: n(3), Status: models.StatusRising},
		models.DailyRecord{GoodsID: "B", Date: day("2024-02-10"), Impressions: 40, Status: models.StatusRising, Reason: "Out_of_stock(3 days)"},
		models.DailyRecord{GoodsID: "B", Date: day("2024-02-11"), Impressions: 30, Status: models.StatusRising},
		models.DailyRecord{GoodsID: "B", Date: day("2024-02-12"), Impressions: 10, Status: models.StatusDeclined},

		models.DailyRecord{GoodsID: "C", Date: day("2024-02-12"), Impressions: 8, Buyers: n(50)},

		models.DailyRecord{GoodsID: "E", Date: day("2024-02-01"), Impressions: 9, Buyers: n(2), Status: models.StatusRising},

		models.DailyRecord{GoodsID: "F", Date: day("2024-02-05"), Impressions: 7, Buyers: n(1), Status: models.StatusRising},
		models.DailyRecord{GoodsID: "F", Date: day("2024-02-12"), Impressions: 70, Status: models.StatusRising},

		// 非动销品与首次动销晚于目标日期的商品不参与统计
		models.DailyRecord{GoodsID: "X", Date: day("2024-02-12"), Impressions: 3, Buyers: n(0)},
		models.DailyRecord{GoodsID: "Y", Date: day("2024-02-11"), Impressions: 3, Buyers: n(0)},
		models.DailyRecord{GoodsID: "Y", Date: day("2024-02-13"), Impressions: 4, Buyers: n(1)},
	)
	return repo
}

func newTestService(t *testing.T, repo *storage.MemoryRepository, opts ...Option) *Service {
	t.Helper()
	cache, err := persistence.NewBadgerCache("", persistence.WithInMemory(true))
	require.NoError(t, err)
	cfg := models.Config{
		Table:          "ROA1_NL",
		Backfill:       models.BackfillConfig{Workers: 4, GapLookbackDays: 30},
		OverridePolicy: models.ManualWins,
	}
	clock := func() time.Time { return day("2024-02-13").Add(9 * time.Hour) }
	opts = append([]Option{WithClock(clock)}, opts...)
	svc := New(cfg, repo, cache, zap.NewNop(), opts...)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func goodsIDs(g *GoodsGroup) []string {
	var ids []string
	for _, info := range g.GoodsInfo {
		ids = append(ids, info.GoodsID)
	}
	return ids
}

func TestClassifyCategoriesAndPartition(t *testing.T) {
	repo := seedStore()
	svc := newTestService(t, repo)

	res, err := svc.Classify(context.Background(), ClassifyRequest{})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, target, res.Date)

	stats := res.Statistics
	assert.Equal(t, 5, stats.Population)
	assert.Equal(t, 3, stats.ActualRisingCount)
	assert.Equal(t, 2, stats.PreviousRisingCount)
	assert.Equal(t, 1, stats.OutOfStockCount)
	assert.Equal(t, stats.Population, len(res.Rising.GoodsInfo)+len(res.Declined.GoodsInfo))
	assert.Equal(t, []string{"A", "C", "F"}, goodsIDs(res.Rising))
	assert.Equal(t, []string{"B", "E"}, goodsIDs(res.Declined))

	assert.Equal(t, []string{"C"}, goodsIDs(res.Categories[transition.NewRising]))
	assert.Equal(t, []string{"F"}, goodsIDs(res.Categories[transition.UpdatedToRising]))
	assert.Equal(t, []string{"B"}, goodsIDs(res.Categories[transition.DeclinedFromRising]))
	assert.Empty(t, res.Categories[transition.BackToRising].GoodsInfo)
	assert.Empty(t, res.Categories[transition.NewDeclined].GoodsInfo)

	assert.True(t, stats.Consistency.OK, stats.Consistency.Formula())
	assert.Nil(t, stats.Gap)

	// D 和 D-1 上缺少的状态已经写回
	statuses := repo.Statuses()
	assert.Equal(t, models.StatusRising, statuses["A|2024-02-11"])
	assert.Equal(t, models.StatusRising, statuses["A|2024-02-12"])
	assert.Equal(t, models.StatusRising, statuses["C|2024-02-12"])
	assert.Equal(t, models.StatusUnset, statuses["X|2024-02-12"])
	assert.Zero(t, stats.ComputedCount)

	assert.Equal(t, 5, res.TotalSummary.UniqueGoods)
}

func TestClassifyFilterByBuyers(t *testing.T) {
	svc := newTestService(t, seedStore())

	filter, err := ParseBuyersRange("1..10")
	require.NoError(t, err)
	res, err := svc.Classify(context.Background(), ClassifyRequest{Date: target, Filter: filter})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Statistics.Population)
	assert.NotContains(t, goodsIDs(res.Rising), "C")
	assert.Equal(t, 4, len(res.Rising.GoodsInfo)+len(res.Declined.GoodsInfo))

	_, err = svc.Classify(context.Background(), ClassifyRequest{Filter: &BuyersRange{Min: n(5), Max: n(1)}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestClassifyFilterDoesNotCreateGap(t *testing.T) {
	repo := storage.NewMemoryRepository()
	repo.Put(
		// A 单独缺少 02-11
		models.DailyRecord{GoodsID: "A", Date: day("2024-02-05"), Impressions: 5, Buyers: n(5), Status: models.StatusRising},
		models.DailyRecord{GoodsID: "A", Date: day("2024-02-12"), Impressions: 9, Status: models.StatusRising},
		// B 有 02-11 的数据，但买家数不在筛选范围内
		models.DailyRecord{GoodsID: "B", Date: day("2024-02-10"), Impressions: 5, Buyers: n(100), Status: models.StatusRising},
		models.DailyRecord{GoodsID: "B", Date: day("2024-02-11"), Impressions: 6, Status: models.StatusRising},
		models.DailyRecord{GoodsID: "B", Date: day("2024-02-12"), Impressions: 7, Status: models.StatusRising},
	)
	svc := newTestService(t, repo)

	filter, err := ParseBuyersRange("1..10")
	require.NoError(t, err)
	res, err := svc.Classify(context.Background(), ClassifyRequest{Date: target, Filter: filter})
	require.NoError(t, err)
	assert.Nil(t, res.Statistics.Gap)
	assert.Equal(t, 1, res.Statistics.Population)
	assert.Equal(t, []string{"A"}, goodsIDs(res.Categories[transition.UpdatedToRising]))
}

func TestClassifyGap(t *testing.T) {
	repo := storage.NewMemoryRepository()
	repo.Put(
		models.DailyRecord{GoodsID: "G", Date: day("2024-02-05"), Impressions: 5, Buyers: n(1), Status: models.StatusRising},
		models.DailyRecord{GoodsID: "G", Date: day("2024-02-12"), Impressions: 9, Status: models.StatusRising},
		models.DailyRecord{GoodsID: "H", Date: day("2024-02-03"), Impressions: 5, Buyers: n(1), Status: models.StatusDeclined},
		models.DailyRecord{GoodsID: "H", Date: day("2024-02-12"), Impressions: 2, Status: models.StatusDeclined},
	)
	svc := newTestService(t, repo)

	res, err := svc.Classify(context.Background(), ClassifyRequest{Date: target})
	require.NoError(t, err)
	gap := res.Statistics.Gap
	require.NotNil(t, gap)
	assert.Equal(t, day("2024-02-06"), gap.Start)
	assert.Equal(t, day("2024-02-11"), gap.End)
	assert.Equal(t, day("2024-02-05"), gap.LatestWithData)
	assert.True(t, res.Statistics.Consistency.Skipped)
	for _, c := range transition.NamedCategories {
		assert.Zero(t, res.Statistics.Counts[c], c)
	}
	assert.Equal(t, 2, res.Statistics.Population)
}

func TestClassifyCache(t *testing.T) {
	svc := newTestService(t, seedStore())
	ctx := context.Background()

	first, err := svc.Classify(ctx, ClassifyRequest{Date: target, UseCache: true})
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := svc.Classify(ctx, ClassifyRequest{Date: target, UseCache: true})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Statistics.ActualRisingCount, second.Statistics.ActualRisingCount)
	assert.Equal(t, goodsIDs(first.Categories[transition.NewRising]), goodsIDs(second.Categories[transition.NewRising]))

	// 不同的过滤条件使用不同的缓存键
	filtered, err := svc.Classify(ctx, ClassifyRequest{Date: target, UseCache: true, Filter: &BuyersRange{Max: n(10)}})
	require.NoError(t, err)
	assert.False(t, filtered.FromCache)

	fresh, err := svc.Classify(ctx, ClassifyRequest{Date: target})
	require.NoError(t, err)
	assert.False(t, fresh.FromCache)

	dates, err := svc.CachedDates()
	require.NoError(t, err)
	assert.Equal(t, []time.Time{target}, dates)

	require.NoError(t, svc.ClearCache(&target))
	again, err := svc.Classify(ctx, ClassifyRequest{Date: target, UseCache: true})
	require.NoError(t, err)
	assert.False(t, again.FromCache)

	require.NoError(t, svc.ClearCache(nil))
	dates, err = svc.CachedDates()
	require.NoError(t, err)
	assert.Empty(t, dates)
}

func TestClassifyWithoutCacheOverwritesEntry(t *testing.T) {
	repo := seedStore()
	svc := newTestService(t, repo)
	ctx := context.Background()

	cached, err := svc.Classify(ctx, ClassifyRequest{Date: target, UseCache: true})
	require.NoError(t, err)
	require.Equal(t, 1, cached.Statistics.OutOfStockCount)

	// E 在目标日期补到了数据，重新计算并覆盖缓存
	repo.Put(models.DailyRecord{GoodsID: "E", Date: target, Impressions: 1})
	fresh, err := svc.Classify(ctx, ClassifyRequest{Date: target})
	require.NoError(t, err)
	assert.False(t, fresh.FromCache)
	assert.Zero(t, fresh.Statistics.OutOfStockCount)

	reread, err := svc.Classify(ctx, ClassifyRequest{Date: target, UseCache: true})
	require.NoError(t, err)
	assert.True(t, reread.FromCache)
	assert.Zero(t, reread.Statistics.OutOfStockCount)
	assert.Equal(t, fresh.Statistics.ActualRisingCount, reread.Statistics.ActualRisingCount)
}

// brokenCache 读取总是未命中，写入总是失败
type brokenCache struct{}

func (brokenCache) Get(persistence.Key, interface{}) (bool, error) { return false, nil }
func (brokenCache) Put(key persistence.Key, _ interface{}) error {
	return fmt.Errorf("%w: %s: disk full", persistence.ErrCacheWrite, key)
}
func (brokenCache) Clear(string, time.Time) error { return nil }
func (brokenCache) ClearAll() error { return nil }
func (brokenCache) Keys(string) ([]string, error) { return nil, nil }
func (brokenCache) Close() error { return nil }

func TestClassifyCacheWriteFailureIsWarning(t *testing.T) {
	cfg := models.Config{Table: "ROA1_NL", Backfill: models.BackfillConfig{Workers: 2}}
	svc := New(cfg, seedStore(), brokenCache{}, zap.NewNop(),
		WithClock(func() time.Time { return day("2024-02-13").Add(9 * time.Hour) }))
	t.Cleanup(func() { _ = svc.Close() })

	res, err := svc.Classify(context.Background(), ClassifyRequest{Date: target, UseCache: true})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, 5, res.Statistics.Population)
	warnings := strings.Join(res.Warnings, "\n")
	assert.Contains(t, warnings, "缓存写入失败")
	assert.Contains(t, warnings, persistence.ErrCacheWrite.Error())
}

func TestClassifyRenderOnlyRequestedGroups(t *testing.T) {
	r := &mockRenderer{}
	svc := newTestService(t, seedStore(), WithRenderer(r))
	ctx := context.Background()

	res, err := svc.Classify(ctx, ClassifyRequest{Date: target, UseCache: true, Render: []string{"new_rising", GroupDeclined}})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"new_rising": {"C"}, GroupDeclined: {"B", "E"}}, r.calls)
	require.Len(t, res.Categories[transition.NewRising].Images, 1)
	assert.Empty(t, res.Categories[transition.DeclinedFromRising].Images)

	// 图表不进入缓存
	cached, err := svc.Classify(ctx, ClassifyRequest{Date: target, UseCache: true})
	require.NoError(t, err)
	require.True(t, cached.FromCache)
	assert.Empty(t, cached.Categories[transition.NewRising].Images)
	assert.Empty(t, cached.Declined.Images)

	// 命中缓存时按需重新加载历史生成图表
	withImages, err := svc.Classify(ctx, ClassifyRequest{Date: target, UseCache: true, Render: []string{GroupRising}})
	require.NoError(t, err)
	assert.True(t, withImages.FromCache)
	assert.Len(t, withImages.Rising.Images, 3)

	_, err = svc.Classify(ctx, ClassifyRequest{Render: []string{"steady_rising"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Classify(ctx, ClassifyRequest{Render: []string{"bogus"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestQuickRefreshInvalidatesCache(t *testing.T) {
	repo := seedStore()
	svc := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.Classify(ctx, ClassifyRequest{Date: target, UseCache: true})
	require.NoError(t, err)

	repo.Put(models.DailyRecord{GoodsID: "E", Date: target, Impressions: 1})
	res, err := svc.QuickRefresh(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, target, res.Date)
	// 当天有记录的五个动销品都会重新计算
	assert.Equal(t, 5, res.UpdatedCount)

	after, err := svc.Classify(ctx, ClassifyRequest{Date: target, UseCache: true})
	require.NoError(t, err)
	assert.False(t, after.FromCache)
	assert.Zero(t, after.Statistics.OutOfStockCount)
}

func readCSV(t *testing.T, f *exporter.File) [][]string {
	t.Helper()
	rows, err := csv.NewReader(strings.NewReader(strings.TrimPrefix(string(f.Data), "\ufeff"))).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestExportSingleDayCSV(t *testing.T) {
	svc := newTestService(t, seedStore())

	f, err := svc.Export(context.Background(), ExportRequest{Date: target, Format: "csv", Fields: []string{"goods_id", "Status"}})
	require.NoError(t, err)
	assert.Equal(t, "动销品管理_NL_2024-02-12_全部_单日_20240213_090000.csv", f.Name)
	// E 当天没有记录，输出一行缺货占位
	assert.Equal(t, 5, f.Rows)
	rows := readCSV(t, f)
	assert.Equal(t, []string{"goods_id", "Status", "状态"}, rows[0])
	assert.Equal(t, []string{"A", "1", "上升期"}, rows[1])
	assert.Equal(t, []string{"B", "2", "非上升期"}, rows[4])
	assert.Equal(t, []string{"E", "2", "非上升期"}, rows[5])
}

func TestExportDeclinedFromRisingIncludesOutOfStock(t *testing.T) {
	repo := seedStore()
	// G 前一天还是上升期，目标日期缺货下架
	repo.Put(
		models.DailyRecord{GoodsID: "G", Date: day("2024-02-10"), Impressions: 5, Buyers: n(1), Status: models.StatusRising, Reason: "Low_stock"},
		models.DailyRecord{GoodsID: "G", Date: day("2024-02-11"), Impressions: 6, Status: models.StatusRising},
	)
	svc := newTestService(t, repo)

	f, err := svc.Export(context.Background(), ExportRequest{
		Date: target, Status: ExportDeclinedFromRising, Format: "csv", Fields: []string{"goods_id", "date_label", "Status", "Reason"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, f.Rows)
	rows := readCSV(t, f)
	assert.Equal(t, []string{"B", "2024-02-12", "2", "Out_of_stock(3 days)"}, rows[1])
	assert.Equal(t, []string{"G", "2024-02-12", "2", "Low_stock"}, rows[2])
}

func TestExportLatestReasonAndDeclinedFromRising(t *testing.T) {
	svc := newTestService(t, seedStore())

	f, err := svc.Export(context.Background(), ExportRequest{
		Date: target, Status: ExportDeclinedFromRising, Format: "xlsx", Fields: []string{"goods_id", "Reason"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.Rows)

	wb, err := excelize.OpenReader(bytes.NewReader(f.Data))
	require.NoError(t, err)
	defer wb.Close()
	assert.Equal(t, []string{"非上升期"}, wb.GetSheetList())
	rows, err := wb.GetRows("非上升期")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "Out_of_stock(3 days)"}, rows[1])
}

func TestExportAllHistory(t *testing.T) {
	svc := newTestService(t, seedStore())

	f, err := svc.Export(context.Background(), ExportRequest{Date: target, Status: ExportRising, Range: RangeAllHistory, Format: "csv"})
	require.NoError(t, err)
	// A 三天 + C 一天 + F 两天
	assert.Equal(t, 6, f.Rows)
	assert.Contains(t, f.Name, "_上升期_全历史_")
	assert.Equal(t, "goods_id", readCSV(t, f)[0][0])
}

func TestExportErrors(t *testing.T) {
	svc := newTestService(t, seedStore())
	ctx := context.Background()

	_, err := svc.Export(ctx, ExportRequest{Date: target, Fields: []string{"bogus"}})
	assert.ErrorIs(t, err, exporter.ErrNothingToExport)

	_, err = svc.Export(ctx, ExportRequest{Date: target, Status: "9"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Export(ctx, ExportRequest{Date: target, Format: "pdf"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Export(ctx, ExportRequest{Date: day("2024-01-01")})
	assert.ErrorIs(t, err, exporter.ErrNothingToExport)
}

func TestManualOverride(t *testing.T) {
	svc := newTestService(t, seedStore())
	ctx := context.Background()

	assert.ErrorIs(t, svc.ManualOverride(ctx, "A", target, "color", "red"), ErrInvalidField)
	assert.ErrorIs(t, svc.ManualOverride(ctx, "A", target, "price", "abc"), ErrInvalidRequest)
	assert.ErrorIs(t, svc.ManualOverride(ctx, "A", target, "price", "-1"), ErrInvalidRequest)
	assert.ErrorIs(t, svc.ManualOverride(ctx, "", target, "price", "1"), ErrInvalidRequest)
	err := svc.ManualOverride(ctx, "A", day("2023-01-01"), "price", "1")
	assert.True(t, errors.Is(err, storage.ErrRecordNotFound), err)

	_, err = svc.Classify(ctx, ClassifyRequest{Date: target, UseCache: true})
	require.NoError(t, err)
	require.NoError(t, svc.ManualOverride(ctx, "A", target, "price", "12.50"))
	require.NoError(t, svc.ManualOverride(ctx, "A", target, "reason", "Blocked"))

	res, err := svc.Classify(ctx, ClassifyRequest{Date: target, UseCache: true})
	require.NoError(t, err)
	assert.False(t, res.FromCache, "override must invalidate the cached date")
	assert.Equal(t, 1, res.Statistics.Reasons.Blocked)

	f, err := svc.Export(ctx, ExportRequest{Date: target, Status: ExportRising, Format: "csv", Fields: []string{"goods_id", "Price", "Reason"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "12.5", "Blocked"}, readCSV(t, f)[1])
}
