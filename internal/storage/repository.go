package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goods-dynamics/internal/models"

	"github.com/shopspring/decimal"
)

// ErrRecordNotFound 表示指定 goods_id 和日期下没有流量记录
var ErrRecordNotFound = errors.New("record not found")

// Repository abstracts where traffic rows, statuses and manual overrides live.
// The engine only ever reads whole goods histories and writes single
// (goods_id, date) statuses, so every implementation stays small.
type Repository interface {
	// DynamicGoodsIDs returns every goods_id with at least one day of buyers > 0, sorted.
	DynamicGoodsIDs(ctx context.Context) ([]string, error)

	// LoadHistory returns all records of a goods_id sorted by date, with manual overrides applied.
	LoadHistory(ctx context.Context, goodsID string) (*models.GoodsHistory, error)

	// SaveStatus sets the status of an existing record. It returns false when no record exists.
	SaveStatus(ctx context.Context, goodsID string, date time.Time, status models.Status) (bool, error)

	// ClearStatusBefore sets status to NULL on every record before the given date
	// and returns how many non-null statuses were cleared.
	ClearStatusBefore(ctx context.Context, goodsID string, before time.Time) (int64, error)

	// SaveOverride stores a manual Reason/Video/Price edit. ErrRecordNotFound if the record is missing.
	SaveOverride(ctx context.Context, o models.ManualOverride) error

	// DeleteOverrides drops the manual edits of one record.
	DeleteOverrides(ctx context.Context, goodsID string, date time.Time) (int64, error)

	// Close releases the underlying connection.
	Close() error
}

// applyOverride 将手动更新的值写到记录上
func applyOverride(r *models.DailyRecord, o models.ManualOverride) error {
	switch o.Field {
	case models.FieldReason:
		r.Reason = o.Value
	case models.FieldVideo:
		r.Video = o.Value
	case models.FieldPrice:
		p, err := decimal.NewFromString(o.Value)
		if err != nil {
			return fmt.Errorf("invalid price %q for goods_id %s: %w", o.Value, o.GoodsID, err)
		}
		r.Price = &p
	default:
		return fmt.Errorf("unknown override field %q", o.Field)
	}
	if r.Overridden == nil {
		r.Overridden = make(map[models.OverrideField]bool)
	}
	r.Overridden[o.Field] = true
	return nil
}
