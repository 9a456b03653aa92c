package dynamics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"goods-dynamics/internal/backfill"
	"goods-dynamics/internal/exporter"
	"goods-dynamics/internal/models"
	"goods-dynamics/internal/persistence"
	"goods-dynamics/internal/reporter"
	"goods-dynamics/internal/statuswriter"
	"goods-dynamics/internal/storage"
	"goods-dynamics/internal/transition"
	"goods-dynamics/internal/trend"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrInvalidRequest 表示请求参数不合法
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidField 表示手动更新的字段不是 reason / video / price
	ErrInvalidField = errors.New("invalid override field")
)

// 两个整体分组的名称，可以和变更类别一起出现在 ClassifyRequest.Render 中
const (
	GroupRising   = "rising"
	GroupDeclined = "declined"

	sheetRising   = "上升期"
	sheetDeclined = "非上升期"
)

// 导出请求中的状态与范围
const (
	ExportAll                = "all"
	ExportRising             = "1"
	ExportDeclined           = "2"
	ExportDeclinedFromRising = "declined_from_rising"

	RangeSingle     = "single"
	RangeAllHistory = "all_history"
)

// Service 是动销品状态管理的入口，组合回填、分析、统计、缓存和导出
type Service struct {
	cfg      models.Config
	repo     storage.Repository
	writer   *statuswriter.Writer
	engine   *backfill.Engine
	analyzer *transition.Analyzer
	cache    persistence.CacheStore
	changes  *ChangeLog
	renderer Renderer
	logger   *zap.Logger
	now      func() time.Time
}

// Option 修改 Service 的可选依赖
type Option func(*Service)

// WithRenderer 设置趋势图渲染器，默认不渲染
func WithRenderer(r Renderer) Option {
	return func(s *Service) { s.renderer = r }
}

// WithClock 替换当前时间，影响“昨天”的计算
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New 创建服务并启动状态写入协程，使用完毕后需要调用 Close
func New(cfg models.Config, repo storage.Repository, cache persistence.CacheStore, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:      cfg,
		repo:     repo,
		cache:    cache,
		renderer: NopRenderer{},
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.History.Dir != "" {
		s.changes = NewChangeLog(cfg.History.Dir, s.now)
	}

	s.writer = statuswriter.NewWriter(repo, logger.Named("statuswriter"))
	s.writer.Start()

	classifier := trend.NewClassifier(cfg.Trend)
	s.engine = backfill.NewEngine(repo, s.writer, classifier, cfg.Backfill, logger.Named("backfill"),
		backfill.WithClock(s.now), backfill.WithOverridePolicy(cfg.OverridePolicy))
	s.analyzer = transition.NewAnalyzer(cfg.Backfill.GapLookbackDays, s.engine.Classify)
	return s
}

// Close 停止写入协程并关闭缓存和数据库
func (s *Service) Close() error {
	s.writer.Stop()
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	errs = append(errs, s.repo.Close())
	return errors.Join(errs...)
}

// WriterStats 返回状态写入协程的计数
func (s *Service) WriterStats() statuswriter.Stats {
	return s.writer.Stats()
}

// ClassifyRequest 是查询某一天动销品状态的请求
type ClassifyRequest struct {
	Date     time.Time    // 零值为昨天
	UseCache bool         // false 时跳过读取并覆盖缓存
	Filter   *BuyersRange // 为空时不过滤
	Render   []string     // 需要生成图表的类别，可以是变更类别或 rising / declined
}

// GoodsGroup 是一组goods_id的展示信息、统计和图表
type GoodsGroup struct {
	GoodsInfo []reporter.GoodsInfo `json:"goods_info"`
	Summary   reporter.Summary     `json:"summary"`
	Images    []Image              `json:"images,omitempty"`
}

// CacheEntry 是写入缓存的分析结果，不包含图表
type CacheEntry struct {
	Date         time.Time                           `json:"date"`
	Statistics   *reporter.Statistics                `json:"statistics"`
	Categories   map[transition.Category]*GoodsGroup `json:"categories"`
	Rising       *GoodsGroup                         `json:"rising"`
	Declined     *GoodsGroup                         `json:"declined"`
	TotalSummary reporter.Summary                    `json:"total_summary"`
	AnalyzedAt   time.Time                           `json:"analyzed_at"`
}

// ClassifyResult 是 Classify 的返回值
type ClassifyResult struct {
	CacheEntry
	RunID     string        `json:"run_id"`
	FromCache bool          `json:"from_cache"`
	Warnings  []string      `json:"warnings,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Classify 计算目标日期每个动销品的实际状态和变更类别。
// 目标日期和前一天缺少的状态会先补齐；前一天整体缺数据时结果中的 Statistics.Gap 非空。
func (s *Service) Classify(ctx context.Context, req ClassifyRequest) (*ClassifyResult, error) {
	start := time.Now()
	if err := req.Filter.Validate(); err != nil {
		return nil, err
	}
	groups, err := parseGroups(req.Render)
	if err != nil {
		return nil, err
	}
	date := s.resolveDate(req.Date)
	key := persistence.Key{Table: s.cfg.Table, Date: date, Options: req.Filter.String()}
	res := &ClassifyResult{RunID: uuid.NewString()}
	log := s.logger.With(zap.String("run_id", res.RunID), zap.String("date", models.FormatDate(date)))

	if req.UseCache && s.cache != nil {
		found, err := s.cache.Get(key, &res.CacheEntry)
		if err != nil {
			log.Warn("Failed to read cache, recomputing.", zap.Error(err))
			res.Warnings = append(res.Warnings, err.Error())
			res.CacheEntry = CacheEntry{}
		} else if found && res.Statistics != nil {
			res.FromCache = true
			log.Debug("Classification served from cache.")
		}
	}

	var histories map[string]*models.GoodsHistory
	if !res.FromCache {
		a, err := s.analyze(ctx, date, req.Filter)
		if err != nil {
			return nil, err
		}
		res.CacheEntry = *s.buildEntry(a)
		res.Warnings = append(res.Warnings, a.warnings...)
		histories = a.histories

		if s.cache != nil {
			if err := s.cache.Put(key, &res.CacheEntry); err != nil {
				log.Warn("Failed to write cache.", zap.Error(err))
				res.Warnings = append(res.Warnings, fmt.Sprintf("缓存写入失败: %v", err))
			}
		}
		// 只为全量结果保存变更记录
		if s.changes != nil && !req.Filter.Active() {
			if wrote, err := s.changes.Save(s.cfg.Table, &res.CacheEntry); err != nil {
				log.Warn("Failed to save change log.", zap.Error(err))
				res.Warnings = append(res.Warnings, fmt.Sprintf("变更记录保存失败: %v", err))
			} else if wrote {
				log.Info("Change log saved.", zap.String("path", s.changes.Path(s.cfg.Table, date)))
			}
		}
	}
	if res.Statistics != nil {
		res.Warnings = append(res.Warnings, res.Statistics.Warnings...)
	}

	if len(groups) > 0 {
		res.Warnings = append(res.Warnings, s.render(ctx, date, &res.CacheEntry, groups, histories)...)
	}

	res.Elapsed = time.Since(start)
	log.Info("Classification finished.",
		zap.Int("population", res.Statistics.Population),
		zap.Int("rising", res.Statistics.ActualRisingCount),
		zap.Bool("from_cache", res.FromCache),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

type analysis struct {
	date      time.Time
	result    transition.Result
	stats     *reporter.Statistics
	histories map[string]*models.GoodsHistory
	warnings  []string
}

// analyze 加载动销品、补齐 D 和 D-1 的状态、过滤后做变更判断
func (s *Service) analyze(ctx context.Context, date time.Time, filter *BuyersRange) (*analysis, error) {
	all, err := s.engine.LoadDynamic(ctx)
	if err != nil {
		return nil, err
	}
	a := &analysis{date: date, histories: make(map[string]*models.GoodsHistory, len(all))}

	updated, failures := s.engine.EnsureDates(ctx, all, date, date.AddDate(0, 0, -1))
	if updated > 0 {
		s.logger.Sugar().Infof("Filled %d missing statuses for %s.", updated, models.FormatDate(date))
	}
	if len(failures) > 0 {
		a.warnings = append(a.warnings, fmt.Sprintf("%d 条状态补齐失败，例如 goods id %s: %s",
			len(failures), failures[0].GoodsID, failures[0].Error))
	}

	population := make([]*models.GoodsHistory, 0, len(all))
	for _, h := range all {
		first, ok := h.FirstDynamicDate()
		if !ok || first.After(date) || !filter.Match(h) {
			continue
		}
		population = append(population, h)
		a.histories[h.GoodsID] = h
	}

	a.result = s.analyzer.AnalyzeIn(date, population, all)
	a.stats = reporter.Build(a.result)
	if a.result.Gap != nil {
		s.logger.Warn("Previous day missing for every dynamic goods.", zap.String("message", a.result.Gap.Message))
	}
	return a, nil
}

func (s *Service) buildEntry(a *analysis) *CacheEntry {
	entry := &CacheEntry{
		Date:         a.date,
		Statistics:   a.stats,
		Categories:   make(map[transition.Category]*GoodsGroup, len(transition.NamedCategories)),
		TotalSummary: reporter.Summarize(a.result.Outcomes, a.date),
		AnalyzedAt:   s.now(),
	}

	byCategory := make(map[transition.Category][]transition.Outcome)
	var rising, declined []transition.Outcome
	for _, o := range a.result.Outcomes {
		byCategory[o.Category] = append(byCategory[o.Category], o)
		if o.Current == models.StatusRising {
			rising = append(rising, o)
		} else {
			declined = append(declined, o)
		}
	}
	for _, c := range transition.NamedCategories {
		entry.Categories[c] = newGroup(byCategory[c], a.date)
	}
	entry.Rising = newGroup(rising, a.date)
	entry.Declined = newGroup(declined, a.date)
	return entry
}

func newGroup(outcomes []transition.Outcome, date time.Time) *GoodsGroup {
	g := &GoodsGroup{GoodsInfo: make([]reporter.GoodsInfo, 0, len(outcomes)), Summary: reporter.Summarize(outcomes, date)}
	for _, o := range outcomes {
		g.GoodsInfo = append(g.GoodsInfo, reporter.Info(o, date))
	}
	return g
}

// group 返回分组名称对应的结果
func (e *CacheEntry) group(name string) *GoodsGroup {
	switch name {
	case GroupRising:
		return e.Rising
	case GroupDeclined:
		return e.Declined
	}
	return e.Categories[transition.Category(name)]
}

// render 只为请求的分组生成图表；失败只记警告
func (s *Service) render(ctx context.Context, date time.Time, entry *CacheEntry, groups []string, histories map[string]*models.GoodsHistory) []string {
	var warnings []string
	for _, name := range groups {
		g := entry.group(name)
		if g == nil || len(g.GoodsInfo) == 0 {
			continue
		}
		hs := make([]*models.GoodsHistory, 0, len(g.GoodsInfo))
		for _, info := range g.GoodsInfo {
			h, ok := histories[info.GoodsID]
			if !ok {
				var err error
				if h, err = s.repo.LoadHistory(ctx, info.GoodsID); err != nil {
					warnings = append(warnings, fmt.Sprintf("加载 goods id %s 失败: %v", info.GoodsID, err))
					continue
				}
			}
			hs = append(hs, h)
		}
		images, err := s.renderer.Render(ctx, name, date, hs)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s 图表生成失败: %v", name, err))
			continue
		}
		g.Images = images
	}
	return warnings
}

func parseGroups(names []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		if n != GroupRising && n != GroupDeclined {
			c, err := transition.ParseCategory(n)
			if err != nil || !c.Named() {
				return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidRequest, n)
			}
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}

func (s *Service) resolveDate(d time.Time) time.Time {
	if d.IsZero() {
		return s.engine.Yesterday()
	}
	return models.Day(d)
}

// FullRefresh 全量回填状态，有写入时清空本站点的缓存
func (s *Service) FullRefresh(ctx context.Context, opts backfill.FullRefreshOptions) (*backfill.FullResult, error) {
	res, err := s.engine.FullRefresh(ctx, opts)
	if err != nil {
		return nil, err
	}
	if res.UpdatedCount > 0 || res.ClearedCount > 0 || res.OverridesDropped > 0 {
		if err := s.clearTable(); err != nil {
			s.logger.Warn("Failed to invalidate cache after full refresh.", zap.Error(err))
		}
	}
	return res, nil
}

// QuickRefresh 只回填一天（零值为昨天），并清除受影响日期的缓存
func (s *Service) QuickRefresh(ctx context.Context, date time.Time) (*backfill.QuickResult, error) {
	res, err := s.engine.QuickRefresh(ctx, date)
	if err != nil {
		return nil, err
	}
	if res.UpdatedCount > 0 && s.cache != nil {
		// 次日的分析以这一天作为前一天
		for _, d := range []time.Time{res.Date, res.Date.AddDate(0, 0, 1)} {
			if err := s.cache.Clear(s.cfg.Table, d); err != nil {
				s.logger.Warn("Failed to invalidate cache after quick refresh.", zap.Error(err))
			}
		}
	}
	return res, nil
}

// ClearCache 清除指定日期的缓存，date 为空时清除全部
func (s *Service) ClearCache(date *time.Time) error {
	if s.cache == nil {
		return nil
	}
	if date == nil {
		s.logger.Info("Clearing all cached classifications.")
		return s.cache.ClearAll()
	}
	s.logger.Info("Clearing cached classifications.", zap.String("date", models.FormatDate(*date)))
	return s.cache.Clear(s.cfg.Table, models.Day(*date))
}

// CachedDates 返回本站点已缓存的日期
func (s *Service) CachedDates() ([]time.Time, error) {
	if s.cache == nil {
		return nil, nil
	}
	keys, err := s.cache.Keys(s.cfg.Table)
	if err != nil {
		return nil, err
	}
	seen := make(map[time.Time]bool)
	var dates []time.Time
	for _, k := range keys {
		if d, ok := persistence.ParseKeyDate(k); ok && !seen[d] {
			seen[d] = true
			dates = append(dates, d)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

func (s *Service) clearTable() error {
	dates, err := s.CachedDates()
	if err != nil {
		return err
	}
	for _, d := range dates {
		if err := s.cache.Clear(s.cfg.Table, d); err != nil {
			return err
		}
	}
	return nil
}

// ExportRequest 是导出请求
type ExportRequest struct {
	Date   time.Time // 零值为昨天
	Status string    // all / 1 / 2 / declined_from_rising
	Range  string    // single / all_history
	Fields []string  // 为空导出全部字段
	Format string    // xlsx / csv
}

// Export 按状态和日期范围导出动销品数据。
// 单日导出时 Reason 使用截至该日最新的非空 Reason。
func (s *Service) Export(ctx context.Context, req ExportRequest) (*exporter.File, error) {
	format, err := exporter.ParseFormat(req.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	status := req.Status
	switch status {
	case "":
		status = ExportAll
	case ExportAll, ExportRising, ExportDeclined, ExportDeclinedFromRising:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, req.Status)
	}
	dateRange := req.Range
	switch dateRange {
	case "", RangeSingle:
		dateRange = RangeSingle
	case RangeAllHistory, "all":
		dateRange = RangeAllHistory
	default:
		return nil, fmt.Errorf("%w: unknown range %q", ErrInvalidRequest, req.Range)
	}
	columns := exporter.ResolveColumns(req.Fields)
	if len(columns) == 0 {
		return nil, exporter.ErrNothingToExport
	}

	date := s.resolveDate(req.Date)
	a, err := s.analyze(ctx, date, nil)
	if err != nil {
		return nil, err
	}

	var risingOut, declinedOut []transition.Outcome
	for _, o := range a.result.Outcomes {
		switch status {
		case ExportAll:
			if o.Current == models.StatusRising {
				risingOut = append(risingOut, o)
			} else {
				declinedOut = append(declinedOut, o)
			}
		case ExportRising:
			if o.Current == models.StatusRising {
				risingOut = append(risingOut, o)
			}
		case ExportDeclined:
			if o.Current != models.StatusRising {
				declinedOut = append(declinedOut, o)
			}
		case ExportDeclinedFromRising:
			if o.Category == transition.DeclinedFromRising {
				declinedOut = append(declinedOut, o)
			}
		}
	}

	risingRecords, _ := exportRecords(risingOut, date, dateRange)
	declinedRecords, outOfStock := exportRecords(declinedOut, date, dateRange)
	file, err := exporter.Build(format,
		exporter.FileName(s.cfg.Table, date, statusLabel(status), rangeLabel(dateRange), s.now()),
		columns,
		exporter.Sheet{Name: sheetRising, Records: risingRecords},
		exporter.Sheet{Name: sheetDeclined, Records: declinedRecords},
	)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Export finished.", zap.String("file", file.Name), zap.Int("rows", file.Rows), zap.Int("out_of_stock", outOfStock))
	return file, nil
}

// exportRecords 返回要导出的记录和其中缺货占位行的数量。
// 单日导出时，当天没有流量记录的缺货商品输出一行只有 goods_id、日期、状态和 Reason 的占位记录。
func exportRecords(outcomes []transition.Outcome, date time.Time, dateRange string) ([]models.DailyRecord, int) {
	var (
		out        []models.DailyRecord
		outOfStock int
	)
	for _, o := range outcomes {
		if o.History == nil {
			continue
		}
		if dateRange == RangeAllHistory {
			out = append(out, o.History.RecordsUpTo(date)...)
			continue
		}
		rec, ok := o.History.RecordOn(date)
		if !ok {
			outOfStock++
			out = append(out, models.DailyRecord{
				GoodsID: o.GoodsID,
				Date:    date,
				Status:  models.StatusDeclined,
				Reason:  o.History.LatestReason(date),
			})
			continue
		}
		r := *rec
		r.Reason = o.History.LatestReason(date)
		out = append(out, r)
	}
	return out, outOfStock
}

func statusLabel(status string) string {
	switch status {
	case ExportRising:
		return "上升期"
	case ExportDeclined:
		return "非上升期"
	case ExportDeclinedFromRising:
		return "由上升期到非上升期"
	}
	return "全部"
}

func rangeLabel(r string) string {
	if r == RangeAllHistory {
		return "全历史"
	}
	return "单日"
}

// ManualOverride 手动更新某条记录的 Reason / Video / Price。
// 原始值保留在流量表中，读取时以手动值为准；该日期的缓存随之失效。
func (s *Service) ManualOverride(ctx context.Context, goodsID string, date time.Time, field, value string) error {
	goodsID = strings.TrimSpace(goodsID)
	if goodsID == "" || date.IsZero() {
		return fmt.Errorf("%w: goods_id and date are required", ErrInvalidRequest)
	}
	f, ok := models.ParseOverrideField(field)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	value = strings.TrimSpace(value)
	if f == models.FieldPrice {
		p, err := decimal.NewFromString(value)
		if err != nil {
			return fmt.Errorf("%w: price %q is not a number", ErrInvalidRequest, value)
		}
		if p.IsNegative() {
			return fmt.Errorf("%w: price must not be negative", ErrInvalidRequest)
		}
		value = p.String()
	}

	o := models.ManualOverride{GoodsID: goodsID, Date: models.Day(date), Field: f, Value: value, UpdatedAt: s.now()}
	if err := s.repo.SaveOverride(ctx, o); err != nil {
		return fmt.Errorf("failed to save override of goods_id %s on %s: %w", goodsID, models.FormatDate(date), err)
	}
	s.logger.Info("Manual override saved.",
		zap.String("goods_id", goodsID), zap.String("date", models.FormatDate(date)), zap.String("field", string(f)))

	if s.cache != nil {
		if err := s.cache.Clear(s.cfg.Table, o.Date); err != nil {
			s.logger.Warn("Failed to invalidate cache after override.", zap.Error(err))
		}
	}
	return nil
}
