package models

// Config 定义了动销品引擎的所有配置参数
type Config struct {
	Table          string         `json:"table"`           // 当前站点表名，如 "ROA1_NL"
	Tables         []string       `json:"tables"`          // 批量刷新时依次处理的站点表
	Database       DatabaseConfig `json:"database"`        // 流量/销售数据库
	Cache          CacheConfig    `json:"cache"`           // 分析结果缓存
	History        HistoryConfig  `json:"history"`         // 每日变更记录
	Trend          TrendConfig    `json:"trend"`           // 趋势判断参数
	Backfill       BackfillConfig `json:"backfill"`        // 状态回填参数
	OverridePolicy OverridePolicy `json:"override_policy"` // 手动更新与回填的优先级
	LogConfig      LogConfig      `json:"log"`             // 日志配置
}

// DatabaseConfig 定义了MySQL连接参数
type DatabaseConfig struct {
	DSN             string `json:"dsn"`
	TrafficSchema   string `json:"traffic_schema"` // 流量库，默认 Vida_Traffic
	SalesSchema     string `json:"sales_schema"`   // 销售库，默认 Vida_Sales
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_sec"`
}

// CacheConfig 定义了缓存存储的位置
type CacheConfig struct {
	Path     string `json:"path"`      // BadgerDB 目录
	InMemory bool   `json:"in_memory"` // 仅在内存中缓存（测试或临时运行）
}

// HistoryConfig 定义了每日变更记录的保存位置，Dir 为空时不保存
type HistoryConfig struct {
	Dir string `json:"dir"` // 默认 History_Dynamic
}

// TrendConfig 定义了上升期判断的阈值
type TrendConfig struct {
	Window            int     `json:"window"`              // 计算斜率的最近天数
	MinPoints         int     `json:"min_points"`          // 少于该点数时直接视为上升期
	PeakDeclineRatio  float64 `json:"peak_decline_ratio"`  // 相对峰值的回落比例，超过即过了上升期
	SlopeDeclineRatio float64 `json:"slope_decline_ratio"` // 斜率为负时允许的回落比例
	SlopeTolerance    float64 `json:"slope_tolerance"`     // 接近0的负斜率仍视为上升
}

// BackfillConfig 定义了状态回填的并发与缺口检测参数
type BackfillConfig struct {
	Workers         int `json:"workers"`           // 并发处理的goods_id数量
	GapLookbackDays int `json:"gap_lookback_days"` // 查找最近有数据日期时最多回溯的天数
}

// OverridePolicy 决定手动更新的 Reason/Video/Price 在回填重新计算后是否保留
type OverridePolicy string

const (
	ManualWins    OverridePolicy = "manual_wins"
	RecomputeWins OverridePolicy = "recompute_wins"
)

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}
