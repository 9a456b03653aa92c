package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goods-dynamics/internal/logger"
	"goods-dynamics/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	defaultTrafficSchema = "Vida_Traffic"
	defaultSalesSchema   = "Vida_Sales"
	overridesTable       = "manual_overrides"
)

// trafficRow 对应流量表中的一行；列名沿用上游导入的表头
type trafficRow struct {
	GoodsID     string           `gorm:"column:goods_id"`
	DateLabel   time.Time        `gorm:"column:date_label"`
	Impressions float64          `gorm:"column:Product impressions"`
	Clicks      float64          `gorm:"column:Product clicks"`
	Status      *int             `gorm:"column:Status"`
	Reason      *string          `gorm:"column:Reason"`
	Video       *string          `gorm:"column:Video"`
	Price       *decimal.Decimal `gorm:"column:Price"`
	Buyers      *int64           `gorm:"column:Buyers"`
}

// salesRow 是销售表中的一行
type salesRow struct {
	DateLabel time.Time `gorm:"column:date_label"`
	Buyers    int64     `gorm:"column:Buyers"`
}

// overrideRow 是手动更新的记录，独立存放，读取时覆盖流量表中的值
type overrideRow struct {
	ID        uint      `gorm:"primaryKey"`
	Site      string    `gorm:"column:site;size:64;uniqueIndex:idx_override_key"`
	GoodsID   string    `gorm:"column:goods_id;size:64;uniqueIndex:idx_override_key"`
	DateLabel time.Time `gorm:"column:date_label;type:date;uniqueIndex:idx_override_key"`
	Field     string    `gorm:"column:field;size:16;uniqueIndex:idx_override_key"`
	Value     string    `gorm:"column:value;size:1024"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (overrideRow) TableName() string { return overridesTable }

// MySQLRepository 通过 gorm 读写站点的流量表、销售表和手动更新表
type MySQLRepository struct {
	db           *gorm.DB
	site         string
	trafficTable string
	salesTable   string
}

var _ Repository = (*MySQLRepository)(nil)

// InitDB 打开MySQL连接、设置连接池并确保手动更新表存在
func InitDB(cfg models.DatabaseConfig, site string) (*MySQLRepository, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database dsn is empty")
	}
	if site == "" {
		return nil, errors.New("table name is empty")
	}

	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	if err := db.AutoMigrate(&overrideRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate %s: %w", overridesTable, err)
	}

	trafficSchema, salesSchema := cfg.TrafficSchema, cfg.SalesSchema
	if trafficSchema == "" {
		trafficSchema = defaultTrafficSchema
	}
	if salesSchema == "" {
		salesSchema = defaultSalesSchema
	}

	logger.S().Infof("Database initialized for site %s.", site)
	return &MySQLRepository{
		db:           db,
		site:         site,
		trafficTable: fmt.Sprintf("`%s`.`%s`", trafficSchema, site),
		salesTable:   fmt.Sprintf("`%s`.`%s_Sales`", salesSchema, site),
	}, nil
}

func (r *MySQLRepository) DynamicGoodsIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Table(r.salesTable).
		Distinct("goods_id").
		Where("Buyers IS NOT NULL AND Buyers > 0").
		Order("goods_id").
		Pluck("goods_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query dynamic goods: %w", err)
	}
	return ids, nil
}

func (r *MySQLRepository) LoadHistory(ctx context.Context, goodsID string) (*models.GoodsHistory, error) {
	query := fmt.Sprintf(`
		SELECT t.goods_id, t.date_label, t.`+"`Product impressions`"+`, t.`+"`Product clicks`"+`,
		       t.Status, t.Reason, t.Video, t.Price, s.Buyers
		FROM %s t
		LEFT JOIN %s s ON t.goods_id = s.goods_id AND t.date_label = s.date_label
		WHERE t.goods_id = ?
		ORDER BY t.date_label`, r.trafficTable, r.salesTable)

	var rows []trafficRow
	if err := r.db.WithContext(ctx).Raw(query, goodsID).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load history of goods_id %s: %w", goodsID, err)
	}

	var overrides []overrideRow
	if err := r.db.WithContext(ctx).
		Where("site = ? AND goods_id = ?", r.site, goodsID).
		Find(&overrides).Error; err != nil {
		return nil, fmt.Errorf("failed to load overrides of goods_id %s: %w", goodsID, err)
	}
	byDate := make(map[time.Time][]overrideRow, len(overrides))
	for _, o := range overrides {
		d := models.Day(o.DateLabel)
		byDate[d] = append(byDate[d], o)
	}

	// 销售表有买家但流量表当天没有记录的日期
	salesOnlyQuery := fmt.Sprintf(`
		SELECT s.date_label, s.Buyers
		FROM %s s
		WHERE s.goods_id = ? AND s.Buyers > 0
		  AND NOT EXISTS (SELECT 1 FROM %s t WHERE t.goods_id = s.goods_id AND t.date_label = s.date_label)
		ORDER BY s.date_label`, r.salesTable, r.trafficTable)
	var salesOnly []salesRow
	if err := r.db.WithContext(ctx).Raw(salesOnlyQuery, goodsID).Scan(&salesOnly).Error; err != nil {
		return nil, fmt.Errorf("failed to load sales of goods_id %s: %w", goodsID, err)
	}

	h := &models.GoodsHistory{GoodsID: goodsID, Records: make([]models.DailyRecord, 0, len(rows))}
	for _, row := range salesOnly {
		h.SalesOnly = append(h.SalesOnly, models.SalesDay{Date: models.Day(row.DateLabel), Buyers: row.Buyers})
	}
	for _, row := range rows {
		rec := row.toRecord()
		for _, o := range byDate[rec.Date] {
			if err := applyOverride(&rec, o.toModel()); err != nil {
				return nil, err
			}
		}
		h.Records = append(h.Records, rec)
	}
	h.Sort()
	return h, nil
}

func (r *MySQLRepository) SaveStatus(ctx context.Context, goodsID string, date time.Time, status models.Status) (bool, error) {
	var value interface{}
	if status.Valid() {
		value = int(status)
	}
	res := r.db.WithContext(ctx).
		Table(r.trafficTable).
		Where("goods_id = ? AND date_label = ?", goodsID, models.FormatDate(date)).
		Update("Status", value)
	if res.Error != nil {
		return false, fmt.Errorf("failed to save status of goods_id %s on %s: %w", goodsID, models.FormatDate(date), res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	// MySQL 在值未变化时 RowsAffected 为 0，需要区分记录是否存在
	return r.recordExists(ctx, goodsID, date)
}

func (r *MySQLRepository) ClearStatusBefore(ctx context.Context, goodsID string, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Table(r.trafficTable).
		Where("goods_id = ? AND date_label < ? AND Status IS NOT NULL", goodsID, models.FormatDate(before)).
		Update("Status", nil)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clear status of goods_id %s before %s: %w", goodsID, models.FormatDate(before), res.Error)
	}
	return res.RowsAffected, nil
}

func (r *MySQLRepository) SaveOverride(ctx context.Context, o models.ManualOverride) error {
	exists, err := r.recordExists(ctx, o.GoodsID, o.Date)
	if err != nil {
		return err
	}
	if !exists {
		return ErrRecordNotFound
	}

	row := overrideRow{
		Site:      r.site,
		GoodsID:   o.GoodsID,
		DateLabel: models.Day(o.Date),
		Field:     string(o.Field),
		Value:     o.Value,
		UpdatedAt: o.UpdatedAt,
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("site = ? AND goods_id = ? AND date_label = ? AND field = ?",
			row.Site, row.GoodsID, models.FormatDate(row.DateLabel), row.Field).
			Delete(&overrideRow{}).Error; err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save override of goods_id %s: %w", o.GoodsID, err)
	}
	return nil
}

func (r *MySQLRepository) DeleteOverrides(ctx context.Context, goodsID string, date time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("site = ? AND goods_id = ? AND date_label = ?", r.site, goodsID, models.FormatDate(date)).
		Delete(&overrideRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete overrides of goods_id %s: %w", goodsID, res.Error)
	}
	return res.RowsAffected, nil
}

// Close 关闭底层连接池
func (r *MySQLRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *MySQLRepository) recordExists(ctx context.Context, goodsID string, date time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Table(r.trafficTable).
		Where("goods_id = ? AND date_label = ?", goodsID, models.FormatDate(date)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check record of goods_id %s: %w", goodsID, err)
	}
	return count > 0, nil
}

func (row trafficRow) toRecord() models.DailyRecord {
	rec := models.DailyRecord{
		GoodsID:     row.GoodsID,
		Date:        models.Day(row.DateLabel),
		Impressions: row.Impressions,
		Clicks:      row.Clicks,
		Buyers:      row.Buyers,
		Price:       row.Price,
	}
	if row.Impressions > 0 {
		rec.CTR = row.Clicks / row.Impressions
	}
	if row.Status != nil {
		rec.Status = models.Status(*row.Status)
	}
	if row.Reason != nil {
		rec.Reason = *row.Reason
	}
	if row.Video != nil {
		rec.Video = *row.Video
	}
	return rec
}

func (o overrideRow) toModel() models.ManualOverride {
	return models.ManualOverride{
		GoodsID:   o.GoodsID,
		Date:      models.Day(o.DateLabel),
		Field:     models.OverrideField(o.Field),
		Value:     o.Value,
		UpdatedAt: o.UpdatedAt,
	}
}
