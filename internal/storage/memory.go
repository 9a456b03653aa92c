package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"goods-dynamics/internal/models"
)

// MemoryRepository 是基于内存的 Repository 实现，用于测试和离线分析
type MemoryRepository struct {
	mu        sync.RWMutex
	records   map[string]map[time.Time]models.DailyRecord
	sales     map[string]map[time.Time]int64
	overrides map[string]map[time.Time]map[models.OverrideField]models.ManualOverride
	writes    int
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository 创建一个空的内存仓库
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records:   make(map[string]map[time.Time]models.DailyRecord),
		sales:     make(map[string]map[time.Time]int64),
		overrides: make(map[string]map[time.Time]map[models.OverrideField]models.ManualOverride),
	}
}

// Put 写入或覆盖流量记录（模拟上游数据导入）
func (m *MemoryRepository) Put(records ...models.DailyRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		r.Date = models.Day(r.Date)
		byDate, ok := m.records[r.GoodsID]
		if !ok {
			byDate = make(map[time.Time]models.DailyRecord)
			m.records[r.GoodsID] = byDate
		}
		byDate[r.Date] = r
	}
}

// PutSales 写入销售表中的买家数；当天有流量记录时同步到记录的 Buyers 上
func (m *MemoryRepository) PutSales(goodsID string, date time.Time, buyers int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	date = models.Day(date)
	byDate, ok := m.sales[goodsID]
	if !ok {
		byDate = make(map[time.Time]int64)
		m.sales[goodsID] = byDate
	}
	byDate[date] = buyers
	if r, ok := m.records[goodsID][date]; ok {
		b := buyers
		r.Buyers = &b
		m.records[goodsID][date] = r
	}
}

// StatusWrites 返回 SaveStatus / ClearStatusBefore 实际修改的次数
func (m *MemoryRepository) StatusWrites() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Statuses 返回所有记录的状态快照，键为 goods_id|date
func (m *MemoryRepository) Statuses() map[string]models.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.Status)
	for goodsID, byDate := range m.records {
		for d, r := range byDate {
			out[goodsID+"|"+models.FormatDate(d)] = r.Status
		}
	}
	return out
}

func (m *MemoryRepository) DynamicGoodsIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	for goodsID, byDate := range m.records {
		for _, r := range byDate {
			if r.BuyersValue() > 0 {
				seen[goodsID] = true
				break
			}
		}
	}
	for goodsID, byDate := range m.sales {
		for _, b := range byDate {
			if b > 0 {
				seen[goodsID] = true
				break
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryRepository) LoadHistory(ctx context.Context, goodsID string) (*models.GoodsHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := &models.GoodsHistory{GoodsID: goodsID}
	for d, r := range m.records[goodsID] {
		for _, o := range m.overrides[goodsID][d] {
			if err := applyOverride(&r, o); err != nil {
				return nil, err
			}
		}
		h.Records = append(h.Records, r)
	}
	for d, b := range m.sales[goodsID] {
		if _, ok := m.records[goodsID][d]; !ok && b > 0 {
			h.SalesOnly = append(h.SalesOnly, models.SalesDay{Date: d, Buyers: b})
		}
	}
	h.Sort()
	return h, nil
}

func (m *MemoryRepository) SaveStatus(ctx context.Context, goodsID string, date time.Time, status models.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	date = models.Day(date)
	r, ok := m.records[goodsID][date]
	if !ok {
		return false, nil
	}
	if r.Status != status {
		r.Status = status
		m.records[goodsID][date] = r
		m.writes++
	}
	return true, nil
}

func (m *MemoryRepository) ClearStatusBefore(ctx context.Context, goodsID string, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before = models.Day(before)
	var cleared int64
	for d, r := range m.records[goodsID] {
		if d.Before(before) && r.Status != models.StatusUnset {
			r.Status = models.StatusUnset
			m.records[goodsID][d] = r
			cleared++
			m.writes++
		}
	}
	return cleared, nil
}

func (m *MemoryRepository) SaveOverride(ctx context.Context, o models.ManualOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Date = models.Day(o.Date)
	if _, ok := m.records[o.GoodsID][o.Date]; !ok {
		return ErrRecordNotFound
	}
	byDate, ok := m.overrides[o.GoodsID]
	if !ok {
		byDate = make(map[time.Time]map[models.OverrideField]models.ManualOverride)
		m.overrides[o.GoodsID] = byDate
	}
	fields, ok := byDate[o.Date]
	if !ok {
		fields = make(map[models.OverrideField]models.ManualOverride)
		byDate[o.Date] = fields
	}
	fields[o.Field] = o
	return nil
}

func (m *MemoryRepository) DeleteOverrides(ctx context.Context, goodsID string, date time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	date = models.Day(date)
	n := int64(len(m.overrides[goodsID][date]))
	delete(m.overrides[goodsID], date)
	return n, nil
}

func (m *MemoryRepository) Close() error {
	return nil
}
