package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"goods-dynamics/internal/backfill"
	"goods-dynamics/internal/config"
	"goods-dynamics/internal/dynamics"
	"goods-dynamics/internal/logger"
	"goods-dynamics/internal/models"
	"goods-dynamics/internal/persistence"
	"goods-dynamics/internal/reporter"
	"goods-dynamics/internal/storage"
	"goods-dynamics/internal/transition"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "classify", "running mode: classify, full, quick, batch-full, batch-quick, clear, cache, export or override")
	dateStr := flag.String("date", "", "target date (YYYY-MM-DD), defaults to yesterday")
	noCache := flag.Bool("no-cache", false, "classify: recompute and overwrite the cached result")
	filterStr := flag.String("buyers", "", "classify: keep goods whose total buyers fall in min..max")
	renderStr := flag.String("render", "", "classify: comma separated groups to render charts for")
	recompute := flag.Bool("recompute", false, "full: recompute statuses that are already set")
	goodsStr := flag.String("goods", "", "full: comma separated goods ids, defaults to all dynamic goods")
	tablesStr := flag.String("tables", "", "batch-full / batch-quick: comma separated site tables, defaults to the config tables")
	allDates := flag.Bool("all", false, "clear: drop every cached date")
	status := flag.String("status", dynamics.ExportAll, "export: all, 1, 2 or declined_from_rising")
	dateRange := flag.String("range", dynamics.RangeSingle, "export: single or all_history")
	fields := flag.String("fields", "", "export: comma separated columns, defaults to all")
	format := flag.String("format", "xlsx", "export: xlsx or csv")
	outDir := flag.String("out", ".", "export: output directory")
	goodsID := flag.String("goods-id", "", "override: goods id")
	field := flag.String("field", "", "override: reason, video or price")
	value := flag.String("value", "", "override: new value")
	flag.Parse()

	// 加载配置前先用默认配置初始化日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.Sync()

	date, err := parseDate(*dateStr)
	if err != nil {
		logger.S().Fatalf("日期格式错误，请使用 YYYY-MM-DD 格式: %v", err)
	}

	// 收到中断信号后停止派发新的goods_id，已经开始的写入会完成
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *mode == "batch-full" || *mode == "batch-quick" {
		tables := splitList(*tablesStr)
		if len(tables) == 0 {
			tables = cfg.Tables
		}
		runBatch(ctx, cfg, *mode, tables, backfill.FullRefreshOptions{Recompute: *recompute, Until: date}, date)
		return
	}

	svc, err := newService(cfg)
	if err != nil {
		logger.S().Fatalf("初始化失败: %v", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.S().Warnf("关闭资源失败: %v", err)
		}
	}()

	switch *mode {
	case "classify":
		filter, err := dynamics.ParseBuyersRange(*filterStr)
		if err != nil {
			logger.S().Fatal(err)
		}
		runClassify(ctx, svc, dynamics.ClassifyRequest{
			Date:     date,
			UseCache: !*noCache,
			Filter:   filter,
			Render:   splitList(*renderStr),
		})
	case "full":
		runFullRefresh(ctx, svc, backfill.FullRefreshOptions{
			Recompute: *recompute,
			Until:     date,
			GoodsIDs:  splitList(*goodsStr),
		})
	case "quick":
		runQuickRefresh(ctx, svc, date)
	case "clear":
		var target *time.Time
		if !*allDates {
			if date.IsZero() {
				logger.S().Fatal("clear 模式需要 --date 或 --all")
			}
			target = &date
		}
		if err := svc.ClearCache(target); err != nil {
			logger.S().Fatalf("清除缓存失败: %v", err)
		}
		logger.S().Info("缓存已清除。")
	case "cache":
		dates, err := svc.CachedDates()
		if err != nil {
			logger.S().Fatalf("读取缓存失败: %v", err)
		}
		for _, d := range dates {
			fmt.Println(models.FormatDate(d))
		}
	case "export":
		runExport(ctx, svc, dynamics.ExportRequest{
			Date:   date,
			Status: *status,
			Range:  *dateRange,
			Fields: splitList(*fields),
			Format: *format,
		}, *outDir)
	case "override":
		if date.IsZero() {
			logger.S().Fatal("override 模式需要 --date")
		}
		if err := svc.ManualOverride(ctx, *goodsID, date, *field, *value); err != nil {
			logger.S().Fatalf("手动更新失败: %v", err)
		}
		logger.S().Infof("已更新 goods id %s 在 %s 的 %s。", *goodsID, models.FormatDate(date), *field)
	default:
		logger.S().Fatalf("未知的运行模式: %s。", *mode)
	}
}

// newService 连接数据库和缓存并创建服务
func newService(cfg *models.Config) (*dynamics.Service, error) {
	repo, err := storage.InitDB(cfg.Database, cfg.Table)
	if err != nil {
		return nil, err
	}
	cache, err := persistence.NewBadgerCache(cfg.Cache.Path, persistence.WithInMemory(cfg.Cache.InMemory))
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	return dynamics.New(*cfg, repo, cache, logger.L()), nil
}

// runBatch 依次刷新多个站点表，共用一个缓存
func runBatch(ctx context.Context, cfg *models.Config, mode string, tables []string, opts backfill.FullRefreshOptions, date time.Time) {
	cache, err := persistence.NewBadgerCache(cfg.Cache.Path, persistence.WithInMemory(cfg.Cache.InMemory))
	if err != nil {
		logger.S().Fatalf("初始化缓存失败: %v", err)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.S().Warnf("关闭缓存失败: %v", err)
		}
	}()

	open := func(table string) (storage.Repository, error) {
		repo, err := storage.InitDB(cfg.Database, table)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
	batch := dynamics.NewBatch(*cfg, open, cache, logger.L())

	var res *dynamics.BatchResult
	if mode == "batch-full" {
		res, err = batch.FullRefresh(ctx, tables, opts)
	} else {
		res, err = batch.QuickRefresh(ctx, tables, date)
	}
	if err != nil {
		logger.S().Fatalf("批量刷新失败: %v", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"站点", "结果", "更新", "说明"})
	for _, tr := range res.Tables {
		result := "成功"
		if !tr.Success {
			result = "失败"
		}
		t.AppendRow(table.Row{tr.Table, result, tr.UpdatedCount, tr.Message})
		for _, r := range tr.MissingDateRanges {
			logger.S().Warnf("%s 数据库没有 %s 的信息，请手动导入数据到数据库", tr.Table, r.String())
		}
	}
	t.AppendFooter(table.Row{"合计", fmt.Sprintf("%d/%d", res.Processed, res.Total), "", fmt.Sprintf("失败 %d", res.Failed)})
	t.Render()
	if res.Interrupted {
		logger.S().Warn("批量刷新被中断，剩余站点未处理。")
	}
}

func runClassify(ctx context.Context, svc *dynamics.Service, req dynamics.ClassifyRequest) {
	res, err := svc.Classify(ctx, req)
	if err != nil {
		logger.S().Fatalf("状态判断失败: %v", err)
	}
	if res.FromCache {
		logger.S().Infof("使用 %s 的缓存结果。", res.AnalyzedAt.Format(time.DateTime))
	}
	reporter.Render(os.Stdout, res.Statistics)

	summaries := map[string]reporter.Summary{"全部": res.TotalSummary}
	order := []string{"全部"}
	for _, c := range transition.NamedCategories {
		g, ok := res.Categories[c]
		if !ok || len(g.GoodsInfo) == 0 {
			continue
		}
		summaries[c.Label()] = g.Summary
		order = append(order, c.Label())
		printGoods(c.Label(), g)
	}
	reporter.RenderSummaries(os.Stdout, summaries, order)
	for _, w := range res.Warnings {
		logger.S().Warn(w)
	}
}

func printGoods(title string, g *dynamics.GoodsGroup) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	t.AppendHeader(table.Row{"goods_id", "首次动销", "Reason", "图表"})
	images := make(map[string]int, len(g.Images))
	for _, img := range g.Images {
		images[img.GoodsID]++
	}
	for _, info := range g.GoodsInfo {
		t.AppendRow(table.Row{info.GoodsID, models.FormatDate(info.JoinDate), info.Reason, images[info.GoodsID]})
	}
	t.Render()
}

func runFullRefresh(ctx context.Context, svc *dynamics.Service, opts backfill.FullRefreshOptions) {
	res, err := svc.FullRefresh(ctx, opts)
	if err != nil {
		logger.S().Fatalf("全量回填失败: %v", err)
	}
	logger.L().Info("Full refresh result.",
		zap.String("run_id", res.RunID),
		zap.Int("goods", res.Goods),
		zap.Int("processed", res.Processed),
		zap.Int("updated", res.UpdatedCount),
		zap.Int64("cleared", res.ClearedCount),
		zap.Int64("overrides_dropped", res.OverridesDropped),
		zap.Int("failures", len(res.Failures)),
		zap.Bool("interrupted", res.Interrupted),
		zap.Duration("elapsed", res.Elapsed))
	for _, r := range res.MissingDateRanges {
		logger.S().Warnf("数据库没有 %s 的信息，请手动导入数据到数据库", r.String())
	}
	if res.MissingRangesSkipped {
		logger.S().Warn("本次刷新未覆盖全部动销品，未检查缺失日期。")
	}
	for _, g := range res.SalesWithoutTraffic {
		dates := make([]string, 0, len(g.Dates))
		for _, d := range g.Dates {
			dates = append(dates, models.FormatDate(d))
		}
		logger.S().Warnf("goods id %s 有动销数据但缺少Traffic数据: %s", g.GoodsID, strings.Join(dates, ", "))
	}
	printFailures(res.Failures)
}

func runQuickRefresh(ctx context.Context, svc *dynamics.Service, date time.Time) {
	res, err := svc.QuickRefresh(ctx, date)
	if err != nil {
		logger.S().Fatalf("快速回填失败: %v", err)
	}
	logger.S().Infof("%s 快速回填完成: 更新 %d，跳过 %d，失败 %d，耗时 %s。",
		models.FormatDate(res.Date), res.UpdatedCount, res.SkippedCount, len(res.Failures), res.Elapsed)
	printFailures(res.Failures)
}

func printFailures(failures []backfill.Failure) {
	if len(failures) == 0 {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"goods_id", "日期", "错误"})
	for _, f := range failures {
		t.AppendRow(table.Row{f.GoodsID, models.FormatDate(f.Date), f.Error})
	}
	t.Render()
}

func runExport(ctx context.Context, svc *dynamics.Service, req dynamics.ExportRequest, outDir string) {
	file, err := svc.Export(ctx, req)
	if err != nil {
		logger.S().Fatalf("导出失败: %v", err)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		logger.S().Fatalf("创建输出目录失败: %v", err)
	}
	path := filepath.Join(outDir, file.Name)
	if err := os.WriteFile(path, file.Data, 0644); err != nil {
		logger.S().Fatalf("写入导出文件失败: %v", err)
	}
	logger.S().Infof("已导出 %d 行到 %s", file.Rows, path)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return models.ParseDate(s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
