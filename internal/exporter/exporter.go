package exporter

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"goods-dynamics/internal/models"

	"github.com/xuri/excelize/v2"
)

// ErrNothingToExport 表示筛选后没有任何可导出的行或字段
var ErrNothingToExport = errors.New("nothing to export")

// Format 是导出文件格式
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

const (
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	contentTypeCSV  = "text/csv; charset=utf-8"
	utf8BOM         = "\ufeff"
	statusColumn    = "状态"
)

// ParseFormat 解析导出格式，空字符串为 xlsx
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatXLSX:
		return FormatXLSX, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// Column 是可导出的字段，名称与流量表的列名一致
type Column string

const (
	ColumnGoodsID     Column = "goods_id"
	ColumnDate        Column = "date_label"
	ColumnImpressions Column = "Product impressions"
	ColumnClicks      Column = "Product clicks"
	ColumnCTR         Column = "CTR"
	ColumnBuyers      Column = "Buyers"
	ColumnStatus      Column = "Status"
	ColumnReason      Column = "Reason"
	ColumnVideo       Column = "Video"
	ColumnPrice       Column = "Price"
)

// AllColumns 是未指定字段时导出的全部字段
var AllColumns = []Column{
	ColumnGoodsID, ColumnDate, ColumnImpressions, ColumnClicks, ColumnCTR,
	ColumnBuyers, ColumnStatus, ColumnReason, ColumnVideo, ColumnPrice,
}

// ResolveColumns 保留选中字段中已知的部分，保持选择顺序；未选择时返回全部字段
func ResolveColumns(selected []string) []Column {
	if len(selected) == 0 {
		return append([]Column(nil), AllColumns...)
	}
	known := make(map[Column]bool, len(AllColumns))
	for _, c := range AllColumns {
		known[c] = true
	}
	var out []Column
	seen := make(map[Column]bool)
	for _, s := range selected {
		c := Column(s)
		if known[c] && !seen[c] {
			out = append(out, c)
			seen[c] = true
		}
	}
	return out
}

// Value 返回记录在该字段上的导出值
func (c Column) Value(r models.DailyRecord) interface{} {
	switch c {
	case ColumnGoodsID:
		return r.GoodsID
	case ColumnDate:
		return models.FormatDate(r.Date)
	case ColumnImpressions:
		return r.Impressions
	case ColumnClicks:
		return r.Clicks
	case ColumnCTR:
		return r.CTR
	case ColumnBuyers:
		if r.Buyers == nil {
			return ""
		}
		return *r.Buyers
	case ColumnStatus:
		if !r.Status.Valid() {
			return ""
		}
		return int(r.Status)
	case ColumnReason:
		return r.Reason
	case ColumnVideo:
		return r.Video
	case ColumnPrice:
		if r.Price == nil {
			return ""
		}
		f, _ := r.Price.Float64()
		return f
	}
	return ""
}

func (c Column) text(r models.DailyRecord) string {
	switch v := c.Value(r).(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	}
	return ""
}

// Sheet 是一个工作表（或 csv 中的一个状态分组）
type Sheet struct {
	Name    string
	Records []models.DailyRecord
}

// File 是生成的导出文件
type File struct {
	Name        string
	ContentType string
	Data        []byte
	Rows        int
}

// Build 生成导出文件。xlsx 每个非空分组一个工作表；
// csv 在两个分组都有数据时合并，并追加“状态”列。
func Build(format Format, name string, columns []Column, sheets ...Sheet) (*File, error) {
	var nonEmpty []Sheet
	rows := 0
	for _, s := range sheets {
		if len(s.Records) > 0 {
			nonEmpty = append(nonEmpty, s)
			rows += len(s.Records)
		}
	}
	if len(nonEmpty) == 0 || len(columns) == 0 {
		return nil, ErrNothingToExport
	}

	var (
		data        []byte
		contentType string
		err         error
	)
	switch format {
	case FormatXLSX:
		data, err = buildXLSX(columns, nonEmpty)
		contentType = contentTypeXLSX
	case FormatCSV:
		data, err = buildCSV(columns, nonEmpty)
		contentType = contentTypeCSV
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return &File{Name: name + "." + string(format), ContentType: contentType, Data: data, Rows: rows}, nil
}

// FileName 生成 动销品管理_<站点>_<日期>_<状态>_<范围>_<时间戳> 形式的文件名（不含扩展名）
func FileName(table string, date time.Time, status, dateRange string, now time.Time) string {
	site := strings.TrimPrefix(table, "ROA1_")
	return fmt.Sprintf("动销品管理_%s_%s_%s_%s_%s", site, models.FormatDate(date), status, dateRange, now.Format("20060102_150405"))
}

func buildXLSX(columns []Column, sheets []Sheet) ([]byte, error) {
	wb := excelize.NewFile()
	defer wb.Close()

	for i, s := range sheets {
		sheet := sanitizeSheetName(s.Name)
		if i == 0 {
			if err := wb.SetSheetName("Sheet1", sheet); err != nil {
				return nil, fmt.Errorf("failed to rename sheet: %w", err)
			}
		} else if _, err := wb.NewSheet(sheet); err != nil {
			return nil, fmt.Errorf("failed to create sheet %s: %w", sheet, err)
		}
		header := make([]interface{}, len(columns))
		for c, col := range columns {
			header[c] = string(col)
		}
		if err := setRow(wb, sheet, 1, header); err != nil {
			return nil, err
		}
		values := make([]interface{}, len(columns))
		for r, rec := range s.Records {
			for c, col := range columns {
				values[c] = col.Value(rec)
			}
			if err := setRow(wb, sheet, r+2, values); err != nil {
				return nil, err
			}
		}
		_ = wb.SetColWidth(sheet, "A", excelColumn(len(columns)-1), 18)
	}

	buf, err := wb.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write excel failed: %w", err)
	}
	return buf.Bytes(), nil
}

// setRow 从 A 列开始写入一行
func setRow(wb *excelize.File, sheet string, row int, values []interface{}) error {
	for c, v := range values {
		cell := excelColumn(c) + strconv.Itoa(row)
		if err := wb.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("failed to write cell %s!%s: %w", sheet, cell, err)
		}
	}
	return nil
}

func buildCSV(columns []Column, sheets []Sheet) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(utf8BOM)
	w := csv.NewWriter(&buf)

	combined := len(sheets) > 1
	header := make([]string, 0, len(columns)+1)
	for _, c := range columns {
		header = append(header, string(c))
	}
	if combined {
		header = append(header, statusColumn)
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, s := range sheets {
		for _, rec := range s.Records {
			row := make([]string, 0, len(header))
			for _, c := range columns {
				row = append(row, c.text(rec))
			}
			if combined {
				row = append(row, s.Name)
			}
			if err := w.Write(row); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write csv failed: %w", err)
	}
	return buf.Bytes(), nil
}

func excelColumn(idx int) string {
	col := ""
	i := idx + 1
	for i > 0 {
		i--
		col = string(rune('A'+i%26)) + col
		i /= 26
	}
	return col
}

func sanitizeSheetName(name string) string {
	sanitized := name
	for _, ch := range []string{"/", "\\", "*", "?", "[", "]", ":"} {
		sanitized = strings.ReplaceAll(sanitized, ch, " ")
	}
	sanitized = strings.TrimSpace(sanitized)
	if len([]rune(sanitized)) > 31 {
		sanitized = string([]rune(sanitized)[:31])
	}
	if sanitized == "" {
		sanitized = "Sheet"
	}
	return sanitized
}
