package dynamics

import (
	"fmt"
	"strconv"
	"strings"

	"goods-dynamics/internal/models"
)

// BuyersRange 按全部历史买家数之和过滤动销品，Min/Max 为空表示不限
type BuyersRange struct {
	Min *int64 `json:"min,omitempty"`
	Max *int64 `json:"max,omitempty"`
}

// Active 判断是否设置了任何过滤条件
func (f *BuyersRange) Active() bool {
	return f != nil && (f.Min != nil || f.Max != nil)
}

// Validate 检查区间是否合法
func (f *BuyersRange) Validate() error {
	if !f.Active() {
		return nil
	}
	if f.Min != nil && *f.Min < 0 {
		return fmt.Errorf("%w: filter min must not be negative", ErrInvalidRequest)
	}
	if f.Min != nil && f.Max != nil && *f.Max < *f.Min {
		return fmt.Errorf("%w: filter max %d is below min %d", ErrInvalidRequest, *f.Max, *f.Min)
	}
	return nil
}

// Match 判断goods_id的买家数之和是否落在 [Min, Max] 内
func (f *BuyersRange) Match(h *models.GoodsHistory) bool {
	if !f.Active() {
		return true
	}
	total := h.BuyersTotal()
	if f.Min != nil && total < *f.Min {
		return false
	}
	if f.Max != nil && total > *f.Max {
		return false
	}
	return true
}

// String 返回过滤条件的规范形式，用作缓存键的一部分
func (f *BuyersRange) String() string {
	if !f.Active() {
		return "buyers=all"
	}
	bound := func(v *int64) string {
		if v == nil {
			return "*"
		}
		return strconv.FormatInt(*v, 10)
	}
	return "buyers=" + bound(f.Min) + ".." + bound(f.Max)
}

// ParseBuyersRange 解析 "min..max" 形式的过滤条件，任一端可以为空或 "*"
func ParseBuyersRange(s string) (*BuyersRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	lo, hi, ok := strings.Cut(s, "..")
	if !ok {
		return nil, fmt.Errorf("%w: filter %q must look like min..max", ErrInvalidRequest, s)
	}
	parse := func(part string) (*int64, error) {
		part = strings.TrimSpace(part)
		if part == "" || part == "*" {
			return nil, nil
		}
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid filter bound %q", ErrInvalidRequest, part)
		}
		return &v, nil
	}
	minV, err := parse(lo)
	if err != nil {
		return nil, err
	}
	maxV, err := parse(hi)
	if err != nil {
		return nil, err
	}
	f := &BuyersRange{Min: minV, Max: maxV}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}
