package dynamics

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"goods-dynamics/internal/models"
	"goods-dynamics/internal/transition"
)

const changeLogRule = "================================================================================"

// ChangeLog 把每天的变更结果保存为 <dir>/<日期>_<站点>.txt 文本记录。
// 有任何变更类别非空时覆盖已有记录；否则只在记录不存在时写入。
type ChangeLog struct {
	dir string
	now func() time.Time
}

// NewChangeLog 创建变更记录写入器
func NewChangeLog(dir string, now func() time.Time) *ChangeLog {
	if now == nil {
		now = time.Now
	}
	return &ChangeLog{dir: dir, now: now}
}

// Path 返回某个站点某一天的记录文件路径
func (c *ChangeLog) Path(table string, date time.Time) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s_%s.txt", models.FormatDate(date), table))
}

// Save 写入记录，返回是否实际写入了文件
func (c *ChangeLog) Save(table string, entry *CacheEntry) (bool, error) {
	path := c.Path(table, entry.Date)
	if !hasChanges(entry) {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("failed to stat change log %s: %w", path, err)
		}
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create change log dir %s: %w", c.dir, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(c.format(table, entry)), 0o644); err != nil {
		return false, fmt.Errorf("failed to write change log %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("failed to write change log %s: %w", path, err)
	}
	return true, nil
}

func hasChanges(entry *CacheEntry) bool {
	for _, c := range transition.NamedCategories {
		if g, ok := entry.Categories[c]; ok && len(g.GoodsInfo) > 0 {
			return true
		}
	}
	return false
}

func (c *ChangeLog) format(table string, entry *CacheEntry) string {
	var b strings.Builder
	line := func(format string, args ...interface{}) {
		fmt.Fprintf(&b, format+"\n", args...)
	}
	date := models.FormatDate(entry.Date)

	line(changeLogRule)
	line("动销品管理记录 - %s", date)
	line("表名: %s", table)
	line("记录时间: %s", c.now().Format(time.DateTime))
	line(changeLogRule)
	line("")

	st := entry.Statistics
	cc := st.Consistency
	line("【统计信息】")
	line("日期：%s", date)
	line("前一天上升期：%d个", st.PreviousRisingCount)
	line("计算上升期：%d个（前一天上升期 + 新增上升期 + 更新为上升期 + 由非上升期重回上升期 - 由上升期到非上升期）", cc.Calculated)
	line("实际上升期：%d个（选定日期Status=1的数量）", st.ActualRisingCount)
	line("差值：%d个", cc.Calculated-st.ActualRisingCount)
	line("非上升期：%d个", st.DeclinedCount)
	for _, cat := range transition.NamedCategories {
		line("%s%s：%d个", criticalMark(cat), cat.Label(), st.Counts[cat])
	}
	if st.Gap != nil {
		line("缺少数据：%s", st.Gap.Message)
	}
	line("")

	for _, cat := range transition.NamedCategories {
		g, ok := entry.Categories[cat]
		if !ok || len(g.GoodsInfo) == 0 {
			continue
		}
		ids := make([]string, 0, len(g.GoodsInfo))
		for _, info := range g.GoodsInfo {
			ids = append(ids, info.GoodsID)
		}
		line("【%s%s商品ID】", criticalMark(cat), cat.Label())
		line("商品数量: %d个", len(ids))
		line("goods_id: %s", strings.Join(ids, ", "))
		line("")
	}

	for _, grp := range []struct {
		title string
		group *GoodsGroup
	}{{sheetRising, entry.Rising}, {sheetDeclined, entry.Declined}} {
		if grp.group == nil || len(grp.group.GoodsInfo) == 0 {
			continue
		}
		line("【%s商品】", grp.title)
		line("商品数量: %d个", len(grp.group.GoodsInfo))
		line("")
		for _, info := range grp.group.GoodsInfo {
			line("%s - 加入时间: %s, Reason: %s", info.GoodsID, models.FormatDate(info.JoinDate), info.Reason)
		}
		line("")
	}

	if len(cc.DiffCalculatedNotActual) > 0 {
		line("【计算为上升期但实际不是】")
		line("goods_id: %s", strings.Join(cc.DiffCalculatedNotActual, ", "))
		line("")
	}
	if len(cc.DiffActualNotCalculated) > 0 {
		line("【实际为上升期但计算不是】")
		line("goods_id: %s", strings.Join(cc.DiffActualNotCalculated, ", "))
		line("")
	}
	return b.String()
}

func criticalMark(c transition.Category) string {
	if c.Critical() {
		return "！！！"
	}
	return ""
}
