package dynamics

import (
	"context"
	"time"

	"goods-dynamics/internal/models"
)

// Image 是一张渲染好的图表
type Image struct {
	GoodsID     string `json:"goods_id"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// Renderer 为一组goods_id生成趋势图，图表不会写入缓存
type Renderer interface {
	Render(ctx context.Context, group string, date time.Time, histories []*models.GoodsHistory) ([]Image, error)
}

// NopRenderer 不生成任何图表
type NopRenderer struct{}

func (NopRenderer) Render(context.Context, string, time.Time, []*models.GoodsHistory) ([]Image, error) {
	return nil, nil
}
