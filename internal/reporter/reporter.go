package reporter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"goods-dynamics/internal/models"
	"goods-dynamics/internal/transition"
)

// ReasonKind 是 Reason 字段解析后的类别
type ReasonKind string

const (
	ReasonOutOfStock                 ReasonKind = "Out_of_stock"
	ReasonSecondaryTrafficRestricted ReasonKind = "Secondary_traffic_restricted"
	ReasonBlocked                    ReasonKind = "Blocked"
	ReasonNormal                     ReasonKind = "Normal"
	ReasonNone                       ReasonKind = "None"
)

var parenthesized = regexp.MustCompile(`\([^)]*\)`)

// ParseReason 去除括号及括号里的内容后判断类别，
// 例如 "Blocked (XX_Secondary_traffic_restricted_0000)" 归为 Blocked
func ParseReason(reason string) ReasonKind {
	if reason == "" || reason == "None" {
		return ReasonNone
	}
	cleaned := strings.TrimSpace(parenthesized.ReplaceAllString(reason, ""))
	switch {
	case strings.Contains(cleaned, "Blocked"):
		return ReasonBlocked
	case strings.Contains(cleaned, "Secondary_traffic_restricted"):
		return ReasonSecondaryTrafficRestricted
	case strings.Contains(cleaned, "Out_of_stock"):
		return ReasonOutOfStock
	case strings.Contains(cleaned, "Normal"):
		return ReasonNormal
	}
	return ReasonNone
}

// ReasonBreakdown 是各 Reason 类别的goods_id数量
type ReasonBreakdown struct {
	OutOfStock                 int `json:"out_of_stock"`
	SecondaryTrafficRestricted int `json:"secondary_traffic_restricted"`
	Blocked                    int `json:"blocked"`
	Normal                     int `json:"normal"`
	None                       int `json:"none"`
}

func (b *ReasonBreakdown) add(k ReasonKind) {
	switch k {
	case ReasonOutOfStock:
		b.OutOfStock++
	case ReasonSecondaryTrafficRestricted:
		b.SecondaryTrafficRestricted++
	case ReasonBlocked:
		b.Blocked++
	case ReasonNormal:
		b.Normal++
	default:
		b.None++
	}
}

// Total 返回所有类别之和
func (b ReasonBreakdown) Total() int {
	return b.OutOfStock + b.SecondaryTrafficRestricted + b.Blocked + b.Normal + b.None
}

// ConsistencyCheck 校验 上一日上升期 + 新增 + 更新 + 重回 - 跌出 是否等于当天实际上升期数量。
// 不一致只作为警告输出，不会修正数据。
type ConsistencyCheck struct {
	PreviousRising          int      `json:"previous_rising"`
	NewRising               int      `json:"new_rising"`
	UpdatedToRising         int      `json:"updated_to_rising"`
	BackToRising            int      `json:"back_to_rising"`
	DeclinedFromRising      int      `json:"declined_from_rising"`
	Calculated              int      `json:"calculated"`
	Actual                  int      `json:"actual"`
	OK                      bool     `json:"ok"`
	Skipped                 bool     `json:"skipped"`                              // 前一天整体缺数据时不做校验
	DiffCalculatedNotActual []string `json:"diff_calculated_not_actual,omitempty"` // 推算为上升期但实际不是
	DiffActualNotCalculated []string `json:"diff_actual_not_calculated,omitempty"` // 实际为上升期但推算不是
}

// Formula 返回校验公式的文字形式
func (c ConsistencyCheck) Formula() string {
	return fmt.Sprintf("%d + %d + %d + %d - %d = %d (实际 %d)",
		c.PreviousRising, c.NewRising, c.UpdatedToRising, c.BackToRising, c.DeclinedFromRising, c.Calculated, c.Actual)
}

// Summary 是一组goods_id截至目标日期的记录统计
type Summary struct {
	TotalRecords int       `json:"total_records"`
	UniqueGoods  int       `json:"unique_goods"`
	MinDate      time.Time `json:"min_date"`
	MaxDate      time.Time `json:"max_date"`
	DateSpanDays int       `json:"date_span_days"`
}

// GoodsInfo 是展示给运营的单个goods_id信息
type GoodsInfo struct {
	GoodsID  string              `json:"goods_id"`
	JoinDate time.Time           `json:"join_date"` // 首次动销日期
	Reason   string              `json:"reason"`
	Category transition.Category `json:"category"`
	Status   models.Status       `json:"status"`
}

// Statistics 是目标日期的全部统计结果
type Statistics struct {
	Date                time.Time                   `json:"date"`
	Population          int                         `json:"population"`
	ActualRisingCount   int                         `json:"actual_rising_count"`
	PreviousRisingCount int                         `json:"previous_rising_count"`
	DeclinedCount       int                         `json:"declined_count"` // 状态为2 + 缺货下架
	OutOfStockCount     int                         `json:"out_of_stock_count"`
	ComputedCount       int                         `json:"computed_count"` // 状态临时计算的数量
	Counts              map[transition.Category]int `json:"counts"`
	Consistency         ConsistencyCheck            `json:"consistency"`
	Reasons             ReasonBreakdown             `json:"reasons"`
	OnSaleCount         int                         `json:"on_sale_count"`
	OnSaleRatio         float64                     `json:"on_sale_ratio"`           // 当天有流量的动销品 / 全部动销品
	ReasonOnSaleRatio   float64                     `json:"reason_on_sale_ratio"`    // Reason 为 Normal 或空的占比
	Gap                 *transition.Gap             `json:"gap,omitempty"`
	Notes               []string                    `json:"notes,omitempty"`
	Warnings            []string                    `json:"warnings,omitempty"`
}

// Build 根据分析结果计算统计数据
func Build(res transition.Result) *Statistics {
	s := &Statistics{
		Date:       res.Date,
		Population: len(res.Outcomes),
		Counts:     make(map[transition.Category]int),
		Gap:        res.Gap,
		Notes:      append([]string(nil), res.Notes...),
	}
	for _, c := range transition.NamedCategories {
		s.Counts[c] = 0
	}

	calculated := make(map[string]bool)
	actual := make(map[string]bool)
	for _, o := range res.Outcomes {
		s.Counts[o.Category]++
		if o.Current == models.StatusRising {
			s.ActualRisingCount++
			actual[o.GoodsID] = true
		} else {
			s.DeclinedCount++
		}
		if o.Previous == models.StatusRising {
			s.PreviousRisingCount++
			calculated[o.GoodsID] = true
		}
		if o.OutOfStock {
			s.OutOfStockCount++
		} else {
			s.OnSaleCount++
		}
		if o.Computed {
			s.ComputedCount++
		}
		switch o.Category {
		case transition.NewRising, transition.UpdatedToRising, transition.BackToRising:
			calculated[o.GoodsID] = true
		case transition.DeclinedFromRising:
			delete(calculated, o.GoodsID)
		}
		if o.History != nil {
			s.Reasons.add(ParseReason(o.History.LatestReason(res.Date)))
		} else {
			s.Reasons.add(ReasonNone)
		}
	}

	if s.Population > 0 {
		s.OnSaleRatio = float64(s.OnSaleCount) / float64(s.Population)
		s.ReasonOnSaleRatio = float64(s.Reasons.Normal+s.Reasons.None) / float64(s.Population)
	}

	s.Consistency = check(s, calculated, actual)
	if !s.Consistency.Skipped && !s.Consistency.OK {
		s.Warnings = append(s.Warnings, fmt.Sprintf("上升期数量校验不一致: %s", s.Consistency.Formula()))
	}
	if s.ComputedCount > 0 {
		s.Warnings = append(s.Warnings, fmt.Sprintf("%d 个goods_id当天状态尚未回填，已临时计算", s.ComputedCount))
	}
	return s
}

func check(s *Statistics, calculated, actual map[string]bool) ConsistencyCheck {
	c := ConsistencyCheck{
		PreviousRising:     s.PreviousRisingCount,
		NewRising:          s.Counts[transition.NewRising],
		UpdatedToRising:    s.Counts[transition.UpdatedToRising],
		BackToRising:       s.Counts[transition.BackToRising],
		DeclinedFromRising: s.Counts[transition.DeclinedFromRising],
		Actual:             s.ActualRisingCount,
	}
	c.Calculated = c.PreviousRising + c.NewRising + c.UpdatedToRising + c.BackToRising - c.DeclinedFromRising
	if s.Gap != nil {
		c.Skipped = true
		return c
	}
	for id := range calculated {
		if !actual[id] {
			c.DiffCalculatedNotActual = append(c.DiffCalculatedNotActual, id)
		}
	}
	for id := range actual {
		if !calculated[id] {
			c.DiffActualNotCalculated = append(c.DiffActualNotCalculated, id)
		}
	}
	sort.Strings(c.DiffCalculatedNotActual)
	sort.Strings(c.DiffActualNotCalculated)
	c.OK = c.Calculated == c.Actual && len(c.DiffCalculatedNotActual) == 0 && len(c.DiffActualNotCalculated) == 0
	return c
}

// Summarize 统计一组goods_id截至 upTo 的全部记录
func Summarize(outcomes []transition.Outcome, upTo time.Time) Summary {
	var sum Summary
	for _, o := range outcomes {
		if o.History == nil {
			continue
		}
		records := o.History.RecordsUpTo(upTo)
		if len(records) == 0 {
			continue
		}
		sum.UniqueGoods++
		sum.TotalRecords += len(records)
		if first := records[0].Date; sum.MinDate.IsZero() || first.Before(sum.MinDate) {
			sum.MinDate = first
		}
		if last := records[len(records)-1].Date; last.After(sum.MaxDate) {
			sum.MaxDate = last
		}
	}
	if sum.UniqueGoods > 0 {
		sum.DateSpanDays = int(sum.MaxDate.Sub(sum.MinDate).Hours()/24) + 1
	}
	return sum
}

// Info 生成goods_id的展示信息，Reason 取截至 upTo 最新的非空值
func Info(o transition.Outcome, upTo time.Time) GoodsInfo {
	info := GoodsInfo{
		GoodsID:  o.GoodsID,
		JoinDate: o.FirstDynamicDate,
		Category: o.Category,
		Status:   o.Current,
		Reason:   "None",
	}
	if o.History != nil {
		if r := o.History.LatestReason(upTo); r != "" {
			info.Reason = r
		}
	}
	return info
}
