package transition

import (
	"errors"
	"fmt"
	"time"

	"goods-dynamics/internal/models"
)

// ErrMissingDayGap 表示前一天整个数据集都没有流量数据
var ErrMissingDayGap = errors.New("no traffic data for any dynamic goods on the previous day")

// Category 是goods_id在目标日期相对前一天的变更类别
type Category string

const (
	NewRising          Category = "new_rising"           // 新增上升期
	NewDeclined        Category = "new_declined"         // 新增非上升期
	UpdatedToRising    Category = "updated_to_rising"    // 更新为上升期（中断后恢复）
	BackToRising       Category = "back_to_rising"       // 由非上升期重回上升期
	DeclinedFromRising Category = "declined_from_rising" // 由上升期到非上升期
	SteadyRising       Category = "steady_rising"        // 保持上升期
	SteadyDeclined     Category = "steady_declined"      // 保持非上升期
)

// NamedCategories 是五个需要单独统计的变更类别，按展示顺序排列
var NamedCategories = []Category{NewRising, NewDeclined, UpdatedToRising, BackToRising, DeclinedFromRising}

// Named 判断是否为五个变更类别之一
func (c Category) Named() bool {
	for _, n := range NamedCategories {
		if c == n {
			return true
		}
	}
	return false
}

// Critical 由上升期到非上升期需要重点关注
func (c Category) Critical() bool {
	return c == DeclinedFromRising
}

// Label 返回运营界面上使用的中文名称
func (c Category) Label() string {
	switch c {
	case NewRising:
		return "新增上升期"
	case NewDeclined:
		return "新增非上升期"
	case UpdatedToRising:
		return "更新为上升期"
	case BackToRising:
		return "由非上升期重回上升期"
	case DeclinedFromRising:
		return "由上升期到非上升期"
	case SteadyRising:
		return "保持上升期"
	case SteadyDeclined:
		return "保持非上升期"
	}
	return string(c)
}

// ParseCategory 解析类别名称
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	switch c {
	case NewRising, NewDeclined, UpdatedToRising, BackToRising, DeclinedFromRising, SteadyRising, SteadyDeclined:
		return c, nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Input 是一个goods_id做变更判断所需的全部状态。
// Previous 为 StatusUnset 表示前一天没有状态；LatestPrior 为 StatusUnset 表示更早也没有。
type Input struct {
	Current     models.Status
	Previous    models.Status
	LatestPrior models.Status
}

func (in Input) hasPrevious() bool { return in.Previous.Valid() }
func (in Input) hasPrior() bool    { return in.LatestPrior.Valid() }

// Rule 是决策表中的一行
type Rule struct {
	Name     string
	Match    func(Input) bool
	Category Category
}

var rules = []Rule{
	{
		Name:     "rising_to_declined",
		Match:    func(in Input) bool { return in.Current == models.StatusDeclined && in.Previous == models.StatusRising },
		Category: DeclinedFromRising,
	},
	{
		Name:     "declined_to_rising",
		Match:    func(in Input) bool { return in.Current == models.StatusRising && in.Previous == models.StatusDeclined },
		Category: BackToRising,
	},
	{
		Name: "rising_after_gap_prior_declined",
		Match: func(in Input) bool {
			return in.Current == models.StatusRising && !in.hasPrevious() && in.LatestPrior == models.StatusDeclined
		},
		Category: BackToRising,
	},
	{
		Name:     "first_rising",
		Match:    func(in Input) bool { return in.Current == models.StatusRising && !in.hasPrevious() && !in.hasPrior() },
		Category: NewRising,
	},
	{
		Name:     "rising_after_gap",
		Match:    func(in Input) bool { return in.Current == models.StatusRising && !in.hasPrevious() && in.hasPrior() },
		Category: UpdatedToRising,
	},
	{
		Name:     "first_declined",
		Match:    func(in Input) bool { return in.Current == models.StatusDeclined && !in.hasPrevious() && !in.hasPrior() },
		Category: NewDeclined,
	},
}

// Rules 返回按优先级排列的决策表副本
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// Decide 按优先级依次匹配决策表，第一个命中的规则决定类别；
// 都不命中时按当前状态归入保持上升期 / 保持非上升期。
func Decide(in Input) Category {
	c, _ := DecideWithRule(in)
	return c
}

// DecideWithRule 同 Decide，并返回命中的规则名
func DecideWithRule(in Input) (Category, string) {
	for _, r := range rules {
		if r.Match(in) {
			return r.Category, r.Name
		}
	}
	if in.Current == models.StatusRising {
		return SteadyRising, "unchanged"
	}
	return SteadyDeclined, "unchanged"
}

// Outcome 是一个goods_id在目标日期的完整判断结果
type Outcome struct {
	GoodsID          string               `json:"goods_id"`
	Current          models.Status        `json:"current"`
	Previous         models.Status        `json:"previous"`
	LatestPrior      models.Status        `json:"latest_prior"`
	OutOfStock       bool                 `json:"out_of_stock"`     // 目标日期没有流量记录
	MissingPrevious  bool                 `json:"missing_previous"` // 前一天单独缺少记录
	Computed         bool                 `json:"computed"`         // 状态为临时计算，未入库
	Category         Category             `json:"category"`
	Rule             string               `json:"rule"`
	FirstDynamicDate time.Time            `json:"first_dynamic_date"`
	History          *models.GoodsHistory `json:"-"`
}

// Gap 描述整个数据集缺少数据的日期区间
type Gap struct {
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	LatestWithData time.Time `json:"latest_with_data,omitempty"`
	Message        string    `json:"message"`
}

func (g *Gap) Error() string { return g.Message }

// Unwrap 使 errors.Is(gap, ErrMissingDayGap) 成立
func (g *Gap) Unwrap() error { return ErrMissingDayGap }

// Analyzer 对一个目标日期的全部动销品做变更判断
type Analyzer struct {
	lookbackDays int
	fallback     func(series []float64) models.Status
}

// NewAnalyzer 创建分析器，lookbackDays 为查找最近有数据日期时的最大回溯天数。
// fallback 用于目标日期有记录但状态尚未计算的商品，结果不会写回数据库。
func NewAnalyzer(lookbackDays int, fallback func(series []float64) models.Status) *Analyzer {
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	if fallback == nil {
		fallback = func([]float64) models.Status { return models.StatusRising }
	}
	return &Analyzer{lookbackDays: lookbackDays, fallback: fallback}
}

// Result 是一次分析的结果
type Result struct {
	Date     time.Time `json:"date"`
	Outcomes []Outcome `json:"outcomes"` // 按goods_id排序
	Gap      *Gap      `json:"gap,omitempty"`
	Notes    []string  `json:"notes,omitempty"`
}

// Analyze 对histories中的每个goods_id判断实际状态和变更类别。
// histories 必须已按goods_id排序，且只包含首次动销日期不晚于 date 的商品。
// 如果前一天所有商品都没有记录，返回的 Result.Gap 非空且不分配任何变更类别。
func (a *Analyzer) Analyze(date time.Time, histories []*models.GoodsHistory) Result {
	return a.AnalyzeIn(date, histories, histories)
}

// AnalyzeIn 与 Analyze 相同，但整天缺数据的判断基于 universe（全部已加载的动销品），
// 变更类别只分配给 population。筛选后的子集不会因为自身缺少前一天记录而被误判为缺数据。
func (a *Analyzer) AnalyzeIn(date time.Time, population, universe []*models.GoodsHistory) Result {
	date = models.Day(date)
	prevDay := date.AddDate(0, 0, -1)
	res := Result{Date: date, Outcomes: make([]Outcome, 0, len(population))}

	withPrev, startedBeforePrev := 0, 0
	for _, h := range universe {
		if _, ok := h.RecordOn(prevDay); ok {
			withPrev++
		}
		if h.HasRecordBefore(prevDay) {
			startedBeforePrev++
		}
	}
	if withPrev == 0 && startedBeforePrev > 0 {
		res.Gap = a.findGap(prevDay, universe)
		res.Notes = append(res.Notes, res.Gap.Message)
	}

	for _, h := range population {
		o := Outcome{GoodsID: h.GoodsID, History: h}
		o.FirstDynamicDate, _ = h.FirstDynamicDate()

		if rec, ok := h.RecordOn(date); ok {
			o.Current = rec.Status
			if !o.Current.Valid() {
				o.Current = a.fallback(h.ImpressionsUpTo(date))
				o.Computed = true
			}
		} else {
			o.Current = models.StatusDeclined
			o.OutOfStock = true
		}
		if rec, ok := h.RecordOn(prevDay); ok {
			o.Previous = rec.Status
		} else if withPrev > 0 && h.HasRecordBefore(prevDay) {
			o.MissingPrevious = true
			res.Notes = append(res.Notes, fmt.Sprintf("goods id %s 查询日期的前一日(%s)单独没有status数据，可能缺货下架了",
				h.GoodsID, models.FormatDate(prevDay)))
		}
		o.LatestPrior = h.LatestStatusBefore(prevDay)

		switch {
		case res.Gap != nil:
			if o.Current == models.StatusRising {
				o.Category = SteadyRising
			} else {
				o.Category = SteadyDeclined
			}
			o.Rule = "gap"
		default:
			o.Category, o.Rule = DecideWithRule(Input{Current: o.Current, Previous: o.Previous, LatestPrior: o.LatestPrior})
		}
		res.Outcomes = append(res.Outcomes, o)
	}
	return res
}

// findGap 从前一天往前找最近一个有数据的日期
func (a *Analyzer) findGap(prevDay time.Time, histories []*models.GoodsHistory) *Gap {
	gap := &Gap{End: prevDay, Start: prevDay}
	for back := 1; back <= a.lookbackDays; back++ {
		d := prevDay.AddDate(0, 0, -back)
		for _, h := range histories {
			if _, ok := h.RecordOn(d); ok {
				gap.LatestWithData = d
				gap.Start = d.AddDate(0, 0, 1)
				gap.Message = fmt.Sprintf("数据库没有%s到%s日期的信息，请手动导入数据到数据库",
					models.FormatDate(gap.Start), models.FormatDate(gap.End))
				return gap
			}
		}
	}
	gap.Start = prevDay.AddDate(0, 0, -a.lookbackDays+1)
	gap.Message = fmt.Sprintf("数据库最近%d天内都没有流量数据，请手动导入数据到数据库", a.lookbackDays)
	return gap
}
