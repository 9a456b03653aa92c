package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout 是 date_label 的格式
const DateLayout = "2006-01-02"

// Status 是某个goods_id在某一天的状态
type Status int

const (
	StatusUnset    Status = 0 // 未计算 (NULL)
	StatusRising   Status = 1 // 上升期
	StatusDeclined Status = 2 // 非上升期（过了上升期 / 缺货下架）
)

func (s Status) String() string {
	switch s {
	case StatusRising:
		return "rising"
	case StatusDeclined:
		return "declined"
	default:
		return "unset"
	}
}

// Valid 判断状态是否为1或2
func (s Status) Valid() bool {
	return s == StatusRising || s == StatusDeclined
}

// Day 将时间截断到UTC零点，所有按天比较的地方都使用它
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate 解析 YYYY-MM-DD 格式的日期
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式: %w", err)
	}
	return t, nil
}

// FormatDate 输出 YYYY-MM-DD
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

// DailyRecord 是某个goods_id某一天的流量行，Status 存在同一行上
type DailyRecord struct {
	GoodsID     string                 `json:"goods_id"`
	Date        time.Time              `json:"date"`
	Impressions float64                `json:"impressions"`      // Product impressions
	Clicks      float64                `json:"clicks"`           // Product clicks
	CTR         float64                `json:"ctr"`
	Buyers      *int64                 `json:"buyers,omitempty"` // 来自销售表，可能为空
	Reason      string                 `json:"reason,omitempty"`
	Video       string                 `json:"video,omitempty"`
	Price       *decimal.Decimal       `json:"price,omitempty"`
	Status      Status                 `json:"status"`
	Overridden  map[OverrideField]bool `json:"-"`                // 被手动更新覆盖的字段
}

// BuyersValue 返回买家数，空值视为0
func (r DailyRecord) BuyersValue() int64 {
	if r.Buyers == nil {
		return 0
	}
	return *r.Buyers
}

// OverrideField 是允许手动更新的字段
type OverrideField string

const (
	FieldReason OverrideField = "reason"
	FieldVideo  OverrideField = "video"
	FieldPrice  OverrideField = "price"
)

// ParseOverrideField 校验字段名
func ParseOverrideField(s string) (OverrideField, bool) {
	switch OverrideField(s) {
	case FieldReason, FieldVideo, FieldPrice:
		return OverrideField(s), true
	}
	return "", false
}

// ManualOverride 是一次手动更新，保存在独立的表中并在读取时覆盖原值
type ManualOverride struct {
	GoodsID   string        `json:"goods_id"`
	Date      time.Time     `json:"date"`
	Field     OverrideField `json:"field"`
	Value     string        `json:"value"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// SalesDay 是销售表中有买家、但流量表当天没有记录的一天
type SalesDay struct {
	Date   time.Time `json:"date"`
	Buyers int64     `json:"buyers"`
}

// GoodsHistory 是一个goods_id按日期升序排列的全部记录
type GoodsHistory struct {
	GoodsID   string        `json:"goods_id"`
	Records   []DailyRecord `json:"records"`
	SalesOnly []SalesDay    `json:"sales_only,omitempty"` // 有动销但缺少流量数据的日期，升序
}

// Sort 按日期升序排列记录
func (h *GoodsHistory) Sort() {
	sort.Slice(h.Records, func(i, j int) bool { return h.Records[i].Date.Before(h.Records[j].Date) })
	sort.Slice(h.SalesOnly, func(i, j int) bool { return h.SalesOnly[i].Date.Before(h.SalesOnly[j].Date) })
}

// BuyersTotal 返回全部历史的买家数之和
func (h *GoodsHistory) BuyersTotal() int64 {
	var total int64
	for _, r := range h.Records {
		total += r.BuyersValue()
	}
	for _, s := range h.SalesOnly {
		total += s.Buyers
	}
	return total
}

// IsDynamic 判断是否为动销品：至少有一天 buyers > 0
func (h *GoodsHistory) IsDynamic() bool {
	_, ok := h.FirstDynamicDate()
	return ok
}

// FirstDynamicDate 返回首次动销日期（buyers > 0 的最早日期），
// 包括流量表当天没有记录的销售日期
func (h *GoodsHistory) FirstDynamicDate() (time.Time, bool) {
	var first time.Time
	for _, r := range h.Records {
		if r.BuyersValue() > 0 {
			first = r.Date
			break
		}
	}
	for _, s := range h.SalesOnly {
		if s.Buyers > 0 {
			if first.IsZero() || s.Date.Before(first) {
				first = s.Date
			}
			break
		}
	}
	return first, !first.IsZero()
}

// SalesOnlyUpTo 返回截至指定日期（含）有动销但缺少流量数据的日期
func (h *GoodsHistory) SalesOnlyUpTo(date time.Time) []time.Time {
	date = Day(date)
	var out []time.Time
	for _, s := range h.SalesOnly {
		if s.Date.After(date) {
			break
		}
		if s.Buyers > 0 {
			out = append(out, s.Date)
		}
	}
	return out
}

// FirstDate 返回第一条记录的日期
func (h *GoodsHistory) FirstDate() (time.Time, bool) {
	if len(h.Records) == 0 {
		return time.Time{}, false
	}
	return h.Records[0].Date, true
}

// RecordOn 返回指定日期的记录
func (h *GoodsHistory) RecordOn(date time.Time) (*DailyRecord, bool) {
	date = Day(date)
	i := sort.Search(len(h.Records), func(i int) bool { return !h.Records[i].Date.Before(date) })
	if i < len(h.Records) && h.Records[i].Date.Equal(date) {
		return &h.Records[i], true
	}
	return nil, false
}

// HasRecordBefore 判断指定日期之前是否有任何记录
func (h *GoodsHistory) HasRecordBefore(date time.Time) bool {
	return len(h.Records) > 0 && h.Records[0].Date.Before(Day(date))
}

// LatestStatusBefore 返回指定日期之前最近一次非空的状态
func (h *GoodsHistory) LatestStatusBefore(date time.Time) Status {
	date = Day(date)
	for i := len(h.Records) - 1; i >= 0; i-- {
		r := h.Records[i]
		if !r.Date.Before(date) {
			continue
		}
		if r.Status.Valid() {
			return r.Status
		}
	}
	return StatusUnset
}

// LatestReason 返回截至指定日期（含）最新的非空 Reason
func (h *GoodsHistory) LatestReason(upTo time.Time) string {
	upTo = Day(upTo)
	for i := len(h.Records) - 1; i >= 0; i-- {
		r := h.Records[i]
		if r.Date.After(upTo) {
			continue
		}
		if r.Reason != "" && r.Reason != "None" {
			return r.Reason
		}
	}
	return ""
}

// ImpressionsUpTo 返回截至指定日期（含）的曝光序列
func (h *GoodsHistory) ImpressionsUpTo(date time.Time) []float64 {
	date = Day(date)
	series := make([]float64, 0, len(h.Records))
	for _, r := range h.Records {
		if r.Date.After(date) {
			break
		}
		series = append(series, r.Impressions)
	}
	return series
}

// RecordsUpTo 返回截至指定日期（含）的记录
func (h *GoodsHistory) RecordsUpTo(date time.Time) []DailyRecord {
	date = Day(date)
	i := sort.Search(len(h.Records), func(i int) bool { return h.Records[i].Date.After(date) })
	return h.Records[:i]
}
