package dynamics

import (
	"context"
	"fmt"
	"time"

	"goods-dynamics/internal/backfill"
	"goods-dynamics/internal/models"
	"goods-dynamics/internal/persistence"
	"goods-dynamics/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RepoOpener 为一个站点表打开数据仓库
type RepoOpener func(table string) (storage.Repository, error)

// TableResult 是批量刷新中一个站点表的结果
type TableResult struct {
	Table             string                `json:"table"`
	Success           bool                  `json:"success"`
	Message           string                `json:"message"`
	UpdatedCount      int                   `json:"updated_count"`
	MissingDateRanges []backfill.DateRange  `json:"missing_date_ranges,omitempty"`
	Full              *backfill.FullResult  `json:"full,omitempty"`
	Quick             *backfill.QuickResult `json:"quick,omitempty"`
}

// BatchResult 是批量刷新的汇总，Success 表示没有任何站点表失败
type BatchResult struct {
	RunID       string        `json:"run_id"`
	Success     bool          `json:"success"`
	Total       int           `json:"total"`
	Processed   int           `json:"processed"`
	Failed      int           `json:"failed"`
	Tables      []TableResult `json:"tables"`
	Interrupted bool          `json:"interrupted"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Batch 依次对多个站点表执行刷新，所有站点共用一个缓存
type Batch struct {
	cfg    models.Config
	open   RepoOpener
	cache  persistence.CacheStore
	logger *zap.Logger
	opts   []Option
}

// NewBatch 创建批量刷新器，opts 会传给每个站点的 Service
func NewBatch(cfg models.Config, open RepoOpener, cache persistence.CacheStore, logger *zap.Logger, opts ...Option) *Batch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batch{cfg: cfg, open: open, cache: cache, logger: logger, opts: opts}
}

// FullRefresh 对每个站点表执行全量刷新
func (b *Batch) FullRefresh(ctx context.Context, tables []string, opts backfill.FullRefreshOptions) (*BatchResult, error) {
	return b.run(ctx, tables, "全量刷新", func(svc *Service, tr *TableResult) error {
		res, err := svc.FullRefresh(ctx, opts)
		if err != nil {
			return err
		}
		tr.Full = res
		tr.UpdatedCount = res.UpdatedCount
		tr.MissingDateRanges = res.MissingDateRanges
		tr.Success = !res.Interrupted
		tr.Message = fmt.Sprintf("处理 %d/%d 个动销品，更新 %d 条状态，失败 %d 个",
			res.Processed, res.Goods, res.UpdatedCount, len(res.Failures))
		return nil
	})
}

// QuickRefresh 对每个站点表执行快速刷新
func (b *Batch) QuickRefresh(ctx context.Context, tables []string, date time.Time) (*BatchResult, error) {
	return b.run(ctx, tables, "快速刷新", func(svc *Service, tr *TableResult) error {
		res, err := svc.QuickRefresh(ctx, date)
		if err != nil {
			return err
		}
		tr.Quick = res
		tr.UpdatedCount = res.UpdatedCount
		tr.Success = !res.Interrupted
		tr.Message = fmt.Sprintf("%s 更新 %d 条状态，跳过 %d 个，失败 %d 个",
			models.FormatDate(res.Date), res.UpdatedCount, res.SkippedCount, len(res.Failures))
		return nil
	})
}

func (b *Batch) run(ctx context.Context, tables []string, action string, refresh func(*Service, *TableResult) error) (*BatchResult, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: no tables selected", ErrInvalidRequest)
	}
	start := time.Now()
	res := &BatchResult{RunID: uuid.NewString(), Total: len(tables)}
	log := b.logger.With(zap.String("run_id", res.RunID))
	log.Sugar().Infof("Batch %s started for %d tables.", action, len(tables))

	for _, table := range tables {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}
		tr := b.runTable(table, action, refresh)
		if tr.Success {
			res.Processed++
		} else {
			res.Failed++
			log.Warn("Batch table failed.", zap.String("table", table), zap.String("message", tr.Message))
		}
		res.Tables = append(res.Tables, tr)
	}

	res.Success = res.Failed == 0 && !res.Interrupted
	res.Elapsed = time.Since(start)
	log.Sugar().Infof("Batch %s finished: %d/%d tables succeeded, %d failed, interrupted=%v, elapsed=%s.",
		action, res.Processed, res.Total, res.Failed, res.Interrupted, res.Elapsed)
	return res, nil
}

func (b *Batch) runTable(table, action string, refresh func(*Service, *TableResult) error) TableResult {
	tr := TableResult{Table: table}
	repo, err := b.open(table)
	if err != nil {
		tr.Message = fmt.Sprintf("%s失败: %v", action, err)
		return tr
	}
	cfg := b.cfg
	cfg.Table = table
	var cache persistence.CacheStore
	if b.cache != nil {
		cache = sharedCache{b.cache}
	}
	svc := New(cfg, repo, cache, b.logger.With(zap.String("table", table)), b.opts...)
	defer func() {
		if err := svc.Close(); err != nil {
			b.logger.Warn("Failed to close table resources.", zap.String("table", table), zap.Error(err))
		}
	}()

	if err := refresh(svc, &tr); err != nil {
		tr.Success = false
		tr.Message = fmt.Sprintf("%s失败: %v", action, err)
	}
	return tr
}

// sharedCache 让单个站点的 Service 关闭时不关闭共用的缓存
type sharedCache struct {
	persistence.CacheStore
}

func (sharedCache) Close() error { return nil }
