package trend

import (
	"errors"

	"goods-dynamics/internal/models"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrInsufficientData 表示曝光点数少于2，无法拟合趋势。
// 此时仍返回上升期作为默认结果，调用方只需记录日志。
var ErrInsufficientData = errors.New("insufficient impressions history for trend fit")

// Decision 记录一次趋势判断的依据，便于日志和排查
type Decision struct {
	Status       models.Status
	Points       int
	Peak         float64
	Last         float64
	DeclineRatio float64 // (peak - last) / peak
	Slope        float64 // 最近窗口的最小二乘斜率，窗口不足时为0
	Rule         string  // 命中的判断规则
}

// Classifier 根据曝光序列判断上升期 / 非上升期
type Classifier struct {
	cfg models.TrendConfig
}

// NewClassifier 创建分类器，未设置的阈值使用默认值
func NewClassifier(cfg models.TrendConfig) *Classifier {
	if cfg.Window <= 1 {
		cfg.Window = 7
	}
	if cfg.MinPoints <= 0 {
		cfg.MinPoints = 3
	}
	if cfg.PeakDeclineRatio <= 0 {
		cfg.PeakDeclineRatio = 0.3
	}
	if cfg.SlopeDeclineRatio <= 0 {
		cfg.SlopeDeclineRatio = 0.2
	}
	if cfg.SlopeTolerance < 0 {
		cfg.SlopeTolerance = 0
	}
	return &Classifier{cfg: cfg}
}

// Config 返回生效的配置
func (c *Classifier) Config() models.TrendConfig {
	return c.cfg
}

// Classify 只返回状态
func (c *Classifier) Classify(series []float64) (models.Status, error) {
	d, err := c.Analyze(series)
	return d.Status, err
}

// Analyze 按顺序应用判断规则，第一个命中的规则决定结果
func (c *Classifier) Analyze(series []float64) (Decision, error) {
	d := Decision{Status: models.StatusRising, Points: len(series)}
	if len(series) < 2 {
		d.Rule = "insufficient_data"
		return d, ErrInsufficientData
	}
	if len(series) < c.cfg.MinPoints {
		d.Rule = "below_min_points"
		return d, nil
	}

	peakIdx := floats.MaxIdx(series)
	d.Peak = series[peakIdx]
	d.Last = series[len(series)-1]
	if d.Peak > 0 {
		d.DeclineRatio = (d.Peak - d.Last) / d.Peak
	}

	// 峰值就在最后一天，仍在上升
	if peakIdx == len(series)-1 {
		d.Rule = "peak_is_latest"
		return d, nil
	}

	if d.Peak > 0 && d.DeclineRatio > c.cfg.PeakDeclineRatio {
		d.Status = models.StatusDeclined
		d.Rule = "past_peak"
		return d, nil
	}

	if len(series) >= c.cfg.Window {
		d.Slope = Slope(series[len(series)-c.cfg.Window:])
		if d.Slope < -c.cfg.SlopeTolerance && d.Peak > 0 && d.DeclineRatio > c.cfg.SlopeDeclineRatio {
			d.Status = models.StatusDeclined
			d.Rule = "declining_slope"
			return d, nil
		}
	}

	d.Rule = "rising"
	return d, nil
}

// Slope 返回以 0..n-1 为横坐标的最小二乘斜率
func Slope(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	xs := make([]float64, len(values))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, beta := stat.LinearRegression(xs, values, nil, false)
	return beta
}
