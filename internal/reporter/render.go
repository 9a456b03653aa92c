package reporter

import (
	"fmt"
	"io"

	"goods-dynamics/internal/models"
	"goods-dynamics/internal/transition"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Render 将统计结果以表格形式输出给运营
func Render(w io.Writer, s *Statistics) {
	fmt.Fprintf(w, "========== 动销品状态报告 %s ==========\n", models.FormatDate(s.Date))

	counts := table.NewWriter()
	counts.SetOutputMirror(w)
	counts.SetStyle(table.StyleLight)
	counts.AppendHeader(table.Row{"类别", "数量"})
	counts.AppendRow(table.Row{"动销品总数", s.Population})
	counts.AppendRow(table.Row{"上升期（实际）", s.ActualRisingCount})
	counts.AppendRow(table.Row{"非上升期", s.DeclinedCount})
	counts.AppendRow(table.Row{"  其中缺货下架", s.OutOfStockCount})
	counts.AppendRow(table.Row{"前一日上升期", s.PreviousRisingCount})
	counts.AppendSeparator()
	for _, c := range transition.NamedCategories {
		label := c.Label()
		if c.Critical() {
			label = text.Colors{text.FgRed, text.Bold}.Sprint(label)
		}
		counts.AppendRow(table.Row{label, s.Counts[c]})
	}
	counts.Render()

	if s.Gap != nil {
		fmt.Fprintf(w, "缺少数据: %s\n", s.Gap.Message)
	} else {
		status := text.FgGreen.Sprint("一致")
		if !s.Consistency.OK {
			status = text.FgRed.Sprint("不一致")
		}
		fmt.Fprintf(w, "上升期校验: %s  %s\n", s.Consistency.Formula(), status)
		for _, id := range s.Consistency.DiffCalculatedNotActual {
			fmt.Fprintf(w, "  推算为上升期但实际不是: %s\n", id)
		}
		for _, id := range s.Consistency.DiffActualNotCalculated {
			fmt.Fprintf(w, "  实际为上升期但推算不是: %s\n", id)
		}
	}

	reasons := table.NewWriter()
	reasons.SetOutputMirror(w)
	reasons.SetStyle(table.StyleLight)
	reasons.AppendHeader(table.Row{"Reason", "数量"})
	reasons.AppendRows([]table.Row{
		{ReasonOutOfStock, s.Reasons.OutOfStock},
		{ReasonSecondaryTrafficRestricted, s.Reasons.SecondaryTrafficRestricted},
		{ReasonBlocked, s.Reasons.Blocked},
		{ReasonNormal, s.Reasons.Normal},
		{ReasonNone, s.Reasons.None},
	})
	reasons.AppendFooter(table.Row{"在售占比", fmt.Sprintf("%.2f%%", s.OnSaleRatio*100)})
	reasons.Render()

	for _, n := range s.Notes {
		if s.Gap != nil && n == s.Gap.Message {
			continue
		}
		fmt.Fprintf(w, "提示: %s\n", n)
	}
	for _, warn := range s.Warnings {
		fmt.Fprintf(w, "%s %s\n", text.FgYellow.Sprint("警告:"), warn)
	}
}

// RenderSummaries 输出各分组的记录统计
func RenderSummaries(w io.Writer, summaries map[string]Summary, order []string) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"分组", "记录数", "goods_id数", "开始日期", "结束日期", "天数"})
	for _, name := range order {
		sum, ok := summaries[name]
		if !ok {
			continue
		}
		t.AppendRow(table.Row{name, sum.TotalRecords, sum.UniqueGoods,
			models.FormatDate(sum.MinDate), models.FormatDate(sum.MaxDate), sum.DateSpanDays})
	}
	t.Render()
}
