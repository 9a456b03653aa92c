package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"goods-dynamics/internal/models"
	"goods-dynamics/internal/trend"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HistorySource 提供动销品列表和单个goods_id的完整历史
type HistorySource interface {
	DynamicGoodsIDs(ctx context.Context) ([]string, error)
	LoadHistory(ctx context.Context, goodsID string) (*models.GoodsHistory, error)
}

// StatusSink 接收状态写入，生产环境中由 statuswriter.Writer 串行执行
type StatusSink interface {
	SaveStatus(ctx context.Context, goodsID string, date time.Time, status models.Status) (bool, error)
	ClearStatusBefore(ctx context.Context, goodsID string, date time.Time) (int64, error)
	DropOverrides(ctx context.Context, goodsID string, date time.Time) (int64, error)
}

// Failure 记录单个goods_id处理失败的原因，不会中断整批处理
type Failure struct {
	GoodsID string    `json:"goods_id"`
	Date    time.Time `json:"date,omitempty"`
	Error   string    `json:"error"`
}

// DateRange 是一段连续日期（含首尾）
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (r DateRange) String() string {
	if r.Start.Equal(r.End) {
		return models.FormatDate(r.Start)
	}
	return models.FormatDate(r.Start) + " ~ " + models.FormatDate(r.End)
}

// Days 返回区间包含的天数
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

// SalesGap 是某个goods_id有动销但流量表缺少记录的日期
type SalesGap struct {
	GoodsID string      `json:"goods_id"`
	Dates   []time.Time `json:"dates"`
}

// FullRefreshOptions 控制全量刷新
type FullRefreshOptions struct {
	Recompute bool      // 重新计算所有日期，状态不同则覆盖；默认只补齐空状态
	Until     time.Time // 刷新截止日期（含），零值为昨天
	GoodsIDs  []string  // 只刷新指定goods_id，空为全部动销品
}

// FullResult 是全量刷新的结果。
// 中断或有goods_id加载失败时不计算 MissingDateRanges，并设置 MissingRangesSkipped。
type FullResult struct {
	RunID                string        `json:"run_id"`
	Until                time.Time     `json:"until"`
	Goods                int           `json:"goods"`
	Processed            int           `json:"processed"`
	UpdatedCount         int           `json:"updated_count"`
	ClearedCount         int64         `json:"cleared_count"`
	OverridesDropped     int64         `json:"overrides_dropped"`
	Failures             []Failure     `json:"failures,omitempty"`
	MissingDateRanges    []DateRange   `json:"missing_date_ranges,omitempty"`
	MissingRangesSkipped bool          `json:"missing_ranges_skipped,omitempty"`
	SalesWithoutTraffic  []SalesGap    `json:"sales_without_traffic,omitempty"`
	Interrupted          bool          `json:"interrupted"`
	Elapsed              time.Duration `json:"elapsed"`
}

// QuickResult 是快速刷新的结果
type QuickResult struct {
	RunID        string        `json:"run_id"`
	Date         time.Time     `json:"date"`
	UpdatedCount int           `json:"updated_count"`
	SkippedCount int           `json:"skipped_count"`
	Failures     []Failure     `json:"failures,omitempty"`
	Interrupted  bool          `json:"interrupted"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Engine 负责计算并回填每个goods_id每天的状态
type Engine struct {
	source     HistorySource
	sink       StatusSink
	classifier *trend.Classifier
	workers    int
	policy     models.OverridePolicy
	now        func() time.Time
	logger     *zap.Logger
}

// Option 修改 Engine 的可选参数
type Option func(*Engine)

// WithClock 替换获取当前时间的函数，用于测试“昨天”
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithOverridePolicy 设置回填与手动更新的优先级
func WithOverridePolicy(p models.OverridePolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// NewEngine 创建回填引擎
func NewEngine(source HistorySource, sink StatusSink, classifier *trend.Classifier, cfg models.BackfillConfig, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		source:     source,
		sink:       sink,
		classifier: classifier,
		workers:    cfg.Workers,
		policy:     models.ManualWins,
		now:        time.Now,
		logger:     logger,
	}
	if e.workers <= 0 {
		e.workers = 8
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Yesterday 返回当前时钟下的昨天
func (e *Engine) Yesterday() time.Time {
	return models.Day(e.now()).AddDate(0, 0, -1)
}

// LoadDynamic 并发加载所有动销品的历史，按goods_id排序返回
func (e *Engine) LoadDynamic(ctx context.Context) ([]*models.GoodsHistory, error) {
	ids, err := e.source.DynamicGoodsIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list dynamic goods: %w", err)
	}
	histories := make([]*models.GoodsHistory, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			h, err := e.source.LoadHistory(gctx, id)
			if err != nil {
				return fmt.Errorf("failed to load goods_id %s: %w", id, err)
			}
			histories[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := histories[:0]
	for _, h := range histories {
		if h.IsDynamic() {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GoodsID < out[j].GoodsID })
	return out, nil
}

// FullRefresh 对每个动销品：清空首次动销日期之前的状态，再逐日计算并补齐状态。
// 取消 ctx 后不再开始新的goods_id，已写入的进度保持有效。
func (e *Engine) FullRefresh(ctx context.Context, opts FullRefreshOptions) (*FullResult, error) {
	start := time.Now()
	until := models.Day(opts.Until)
	if opts.Until.IsZero() {
		until = e.Yesterday()
	}
	res := &FullResult{RunID: uuid.NewString(), Until: until}
	log := e.logger.With(zap.String("run_id", res.RunID))

	ids := opts.GoodsIDs
	if len(ids) == 0 {
		var err error
		if ids, err = e.source.DynamicGoodsIDs(ctx); err != nil {
			return nil, fmt.Errorf("failed to list dynamic goods: %w", err)
		}
	}
	res.Goods = len(ids)
	log.Sugar().Infof("Full refresh started for %d goods until %s (recompute=%v).", len(ids), models.FormatDate(until), opts.Recompute)

	var (
		mu        sync.Mutex
		withData  = make(map[time.Time]struct{})
		earliest   time.Time
		completed  int
		loadFailed bool
	)

	g := new(errgroup.Group)
	g.SetLimit(e.workers)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		id := id
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			h, err := e.source.LoadHistory(ctx, id)
			if err != nil {
				mu.Lock()
				res.Failures = append(res.Failures, Failure{GoodsID: id, Error: err.Error()})
				loadFailed = true
				mu.Unlock()
				return nil
			}
			// 单个goods_id一旦开始就完整写完
			gs := e.refreshGoods(context.WithoutCancel(ctx), h, until, opts.Recompute)

			mu.Lock()
			defer mu.Unlock()
			completed++
			res.UpdatedCount += gs.updated
			res.ClearedCount += gs.cleared
			res.OverridesDropped += gs.overridesDropped
			res.Failures = append(res.Failures, gs.failures...)
			if gs.dynamic {
				if earliest.IsZero() || gs.first.Before(earliest) {
					earliest = gs.first
				}
				for _, r := range h.Records {
					withData[r.Date] = struct{}{}
				}
				if dates := h.SalesOnlyUpTo(until); len(dates) > 0 {
					res.SalesWithoutTraffic = append(res.SalesWithoutTraffic, SalesGap{GoodsID: h.GoodsID, Dates: dates})
				}
			}
			if completed%500 == 0 {
				log.Sugar().Infof("Full refresh progress: %d/%d goods.", completed, len(ids))
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Processed = completed
	res.Interrupted = ctx.Err() != nil && completed < len(ids)
	// 只看到部分goods_id时无法判断哪些日期整体缺数据
	switch {
	case len(opts.GoodsIDs) > 0 || earliest.IsZero():
	case res.Interrupted || loadFailed:
		res.MissingRangesSkipped = true
		log.Warn("Missing date ranges skipped, not every dynamic goods was loaded.",
			zap.Bool("interrupted", res.Interrupted), zap.Bool("load_failed", loadFailed))
	default:
		res.MissingDateRanges = missingRanges(earliest, until, withData)
	}
	sortFailures(res.Failures)
	sort.Slice(res.SalesWithoutTraffic, func(i, j int) bool {
		return res.SalesWithoutTraffic[i].GoodsID < res.SalesWithoutTraffic[j].GoodsID
	})
	res.Elapsed = time.Since(start)

	for _, r := range res.MissingDateRanges {
		log.Sugar().Warnf("No traffic data for any dynamic goods on %s.", r)
	}
	for _, g := range res.SalesWithoutTraffic {
		log.Warn("Goods has sales but no traffic data.",
			zap.String("goods_id", g.GoodsID), zap.Int("days", len(g.Dates)), zap.Time("first", g.Dates[0]))
	}
	log.Sugar().Infof("Full refresh finished: %d/%d goods, %d statuses written, %d cleared, %d failures, interrupted=%v, elapsed=%s.",
		res.Processed, res.Goods, res.UpdatedCount, res.ClearedCount, len(res.Failures), res.Interrupted, res.Elapsed)
	return res, nil
}

type goodsStats struct {
	dynamic          bool
	first            time.Time
	updated          int
	cleared          int64
	overridesDropped int64
	failures         []Failure
}

func (e *Engine) refreshGoods(ctx context.Context, h *models.GoodsHistory, until time.Time, recompute bool) goodsStats {
	var gs goodsStats
	first, ok := h.FirstDynamicDate()
	if !ok {
		return gs
	}
	gs.dynamic, gs.first = true, first

	cleared, err := e.sink.ClearStatusBefore(ctx, h.GoodsID, first)
	if err != nil {
		gs.failures = append(gs.failures, Failure{GoodsID: h.GoodsID, Date: first, Error: err.Error()})
		return gs
	}
	gs.cleared = cleared

	series := make([]float64, 0, len(h.Records))
	for i := range h.Records {
		rec := &h.Records[i]
		series = append(series, rec.Impressions)
		if rec.Date.Before(first) {
			rec.Status = models.StatusUnset
			continue
		}
		if rec.Date.After(until) {
			break
		}
		if rec.Status.Valid() && !recompute {
			continue
		}
		status := e.classify(h.GoodsID, rec.Date, series)
		if status == rec.Status {
			continue
		}
		written, dropped, err := e.write(ctx, h.GoodsID, rec.Date, status)
		if err != nil {
			gs.failures = append(gs.failures, Failure{GoodsID: h.GoodsID, Date: rec.Date, Error: err.Error()})
			continue
		}
		if written {
			rec.Status = status
			gs.updated++
		}
		gs.overridesDropped += dropped
	}
	return gs
}

// QuickRefresh 只计算指定日期（零值为昨天）的状态。
// 当天没有记录的goods_id（缺货下架）直接跳过。
func (e *Engine) QuickRefresh(ctx context.Context, date time.Time) (*QuickResult, error) {
	start := time.Now()
	if date.IsZero() {
		date = e.Yesterday()
	}
	date = models.Day(date)
	res := &QuickResult{RunID: uuid.NewString(), Date: date}
	log := e.logger.With(zap.String("run_id", res.RunID))

	ids, err := e.source.DynamicGoodsIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list dynamic goods: %w", err)
	}
	log.Sugar().Infof("Quick refresh started for %s over %d dynamic goods.", models.FormatDate(date), len(ids))

	var mu sync.Mutex
	processed := 0
	g := new(errgroup.Group)
	g.SetLimit(e.workers)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		id := id
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			updated, skipped, err := e.refreshDay(context.WithoutCancel(ctx), id, date)
			mu.Lock()
			defer mu.Unlock()
			processed++
			if err != nil {
				res.Failures = append(res.Failures, Failure{GoodsID: id, Date: date, Error: err.Error()})
				return nil
			}
			if updated {
				res.UpdatedCount++
			}
			if skipped {
				res.SkippedCount++
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Interrupted = ctx.Err() != nil && processed < len(ids)
	sortFailures(res.Failures)
	res.Elapsed = time.Since(start)
	log.Sugar().Infof("Quick refresh finished: %d updated, %d skipped, %d failures, elapsed=%s.",
		res.UpdatedCount, res.SkippedCount, len(res.Failures), res.Elapsed)
	return res, nil
}

func (e *Engine) refreshDay(ctx context.Context, goodsID string, date time.Time) (updated, skipped bool, err error) {
	h, err := e.source.LoadHistory(ctx, goodsID)
	if err != nil {
		return false, false, err
	}
	if _, ok := h.RecordOn(date); !ok {
		return false, true, nil
	}
	first, ok := h.FirstDynamicDate()
	if !ok || date.Before(first) {
		return false, true, nil
	}
	status := e.classify(goodsID, date, h.ImpressionsUpTo(date))
	written, _, err := e.write(ctx, goodsID, date, status)
	return written, false, err
}

// EnsureDates 为已加载的历史补齐指定日期上的空状态，并同步更新内存中的记录。
// 返回写入数量和失败列表。
func (e *Engine) EnsureDates(ctx context.Context, histories []*models.GoodsHistory, dates ...time.Time) (int, []Failure) {
	var (
		mu       sync.Mutex
		updated  int
		failures []Failure
	)
	g := new(errgroup.Group)
	g.SetLimit(e.workers)
	for _, h := range histories {
		h := h
		g.Go(func() error {
			first, ok := h.FirstDynamicDate()
			if !ok {
				return nil
			}
			for _, d := range dates {
				rec, ok := h.RecordOn(d)
				if !ok || rec.Status.Valid() || rec.Date.Before(first) {
					continue
				}
				status := e.classify(h.GoodsID, rec.Date, h.ImpressionsUpTo(rec.Date))
				written, _, err := e.write(ctx, h.GoodsID, rec.Date, status)
				mu.Lock()
				if err != nil {
					failures = append(failures, Failure{GoodsID: h.GoodsID, Date: rec.Date, Error: err.Error()})
				} else if written {
					rec.Status = status
					updated++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sortFailures(failures)
	return updated, failures
}

// Classify 对一个曝光序列做判断，数据不足时记录日志并按上升期处理
func (e *Engine) Classify(series []float64) models.Status {
	return e.classify("", time.Time{}, series)
}

func (e *Engine) classify(goodsID string, date time.Time, series []float64) models.Status {
	status, err := e.classifier.Classify(series)
	if errors.Is(err, trend.ErrInsufficientData) {
		e.logger.Debug("Insufficient data, treated as rising.",
			zap.String("goods_id", goodsID), zap.String("date", models.FormatDate(date)), zap.Int("points", len(series)))
	}
	return status
}

// write 写入状态；recompute_wins 策略下同时清除该记录的手动更新
func (e *Engine) write(ctx context.Context, goodsID string, date time.Time, status models.Status) (bool, int64, error) {
	ok, err := e.sink.SaveStatus(ctx, goodsID, date, status)
	if err != nil || !ok {
		return ok, 0, err
	}
	if e.policy != models.RecomputeWins {
		return true, 0, nil
	}
	dropped, err := e.sink.DropOverrides(ctx, goodsID, date)
	if err != nil {
		return true, 0, fmt.Errorf("status saved but failed to drop overrides: %w", err)
	}
	return true, dropped, nil
}

// missingRanges 找出 [from, until] 中没有任何动销品流量数据的日期，合并成连续区间
func missingRanges(from, until time.Time, withData map[time.Time]struct{}) []DateRange {
	var ranges []DateRange
	for d := models.Day(from); !d.After(until); d = d.AddDate(0, 0, 1) {
		if _, ok := withData[d]; ok {
			continue
		}
		if n := len(ranges); n > 0 && ranges[n-1].End.AddDate(0, 0, 1).Equal(d) {
			ranges[n-1].End = d
			continue
		}
		ranges = append(ranges, DateRange{Start: d, End: d})
	}
	return ranges
}

func sortFailures(fs []Failure) {
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].GoodsID != fs[j].GoodsID {
			return fs[i].GoodsID < fs[j].GoodsID
		}
		return fs[i].Date.Before(fs[j].Date)
	})
}
