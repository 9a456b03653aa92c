package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"goods-dynamics/internal/models"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中，
// 之后应用环境变量覆盖并补齐默认值
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}

	if err := ApplyEnv(config); err != nil {
		return nil, err
	}
	ApplyDefaults(config)
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv 用环境变量覆盖配置文件中的值（.env 由 main 通过 godotenv 加载）
func ApplyEnv(cfg *models.Config) error {
	if v := os.Getenv("DYNAMICS_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("DYNAMICS_TABLE"); v != "" {
		cfg.Table = v
	}
	if v := os.Getenv("DYNAMICS_TABLES"); v != "" {
		cfg.Tables = splitTables(v)
	}
	if v := os.Getenv("DYNAMICS_CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
	}
	if v := os.Getenv("DYNAMICS_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DYNAMICS_WORKERS %q: %w", v, err)
		}
		cfg.Backfill.Workers = n
	}
	if v := os.Getenv("DYNAMICS_LOG_LEVEL"); v != "" {
		cfg.LogConfig.Level = v
	}
	return nil
}

// ApplyDefaults 为未设置的字段填充默认值
func ApplyDefaults(cfg *models.Config) {
	if cfg.Trend.Window <= 0 {
		cfg.Trend.Window = 7
	}
	if cfg.Trend.MinPoints <= 0 {
		cfg.Trend.MinPoints = 3
	}
	if cfg.Trend.PeakDeclineRatio <= 0 {
		cfg.Trend.PeakDeclineRatio = 0.3
	}
	if cfg.Trend.SlopeDeclineRatio <= 0 {
		cfg.Trend.SlopeDeclineRatio = 0.2
	}
	if cfg.Backfill.Workers <= 0 {
		cfg.Backfill.Workers = 8
	}
	if cfg.Backfill.GapLookbackDays <= 0 {
		cfg.Backfill.GapLookbackDays = 30
	}
	if cfg.OverridePolicy == "" {
		cfg.OverridePolicy = models.ManualWins
	}
	if cfg.Cache.Path == "" && !cfg.Cache.InMemory {
		cfg.Cache.Path = "data/cache"
	}
	if cfg.History.Dir == "" {
		cfg.History.Dir = "History_Dynamic"
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}

// Validate 检查配置是否可用
func Validate(cfg *models.Config) error {
	if cfg.Table == "" {
		return fmt.Errorf("config: table is required")
	}
	switch cfg.OverridePolicy {
	case models.ManualWins, models.RecomputeWins:
	default:
		return fmt.Errorf("config: unknown override_policy %q", cfg.OverridePolicy)
	}
	if cfg.Trend.PeakDeclineRatio >= 1 || cfg.Trend.SlopeDeclineRatio >= 1 {
		return fmt.Errorf("config: decline ratios must be below 1")
	}
	for _, t := range cfg.Tables {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("config: tables must not contain empty names")
		}
	}
	return nil
}

func splitTables(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
