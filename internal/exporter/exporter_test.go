package exporter

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"goods-dynamics/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

var exportDate = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

func record(id string, status models.Status) models.DailyRecord {
	b := int64(2)
	p := decimal.RequireFromString("9.90")
	return models.DailyRecord{
		GoodsID: id, Date: exportDate, Impressions: 120, Clicks: 6, CTR: 0.05,
		Buyers: &b, Status: status, Reason: "Normal", Price: &p,
	}
}

func TestResolveColumns(t *testing.T) {
	assert.Equal(t, AllColumns, ResolveColumns(nil))
	assert.Equal(t, []Column{ColumnReason, ColumnGoodsID},
		ResolveColumns([]string{"Reason", "bogus", "goods_id", "Reason"}))
	assert.Empty(t, ResolveColumns([]string{"bogus"}))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)
	f, err = ParseFormat("CSV")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)
	_, err = ParseFormat("pdf")
	assert.Error(t, err)
}

func TestBuildNothingToExport(t *testing.T) {
	_, err := Build(FormatCSV, "x", AllColumns, Sheet{Name: "上升期"}, Sheet{Name: "非上升期"})
	assert.ErrorIs(t, err, ErrNothingToExport)

	_, err = Build(FormatCSV, "x", nil, Sheet{Name: "上升期", Records: []models.DailyRecord{record("A", 1)}})
	assert.ErrorIs(t, err, ErrNothingToExport)
}

func TestBuildCSVCombinesBuckets(t *testing.T) {
	f, err := Build(FormatCSV, "out", []Column{ColumnGoodsID, ColumnStatus, ColumnPrice},
		Sheet{Name: "上升期", Records: []models.DailyRecord{record("A", models.StatusRising)}},
		Sheet{Name: "非上升期", Records: []models.DailyRecord{record("B", models.StatusDeclined), record("C", models.StatusDeclined)}},
	)
	require.NoError(t, err)
	assert.Equal(t, "out.csv", f.Name)
	assert.Equal(t, 3, f.Rows)
	require.True(t, bytes.HasPrefix(f.Data, []byte("\ufeff")), "csv must start with a UTF-8 BOM")

	rows, err := csv.NewReader(strings.NewReader(strings.TrimPrefix(string(f.Data), "\ufeff"))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"goods_id", "Status", "Price", "状态"}, rows[0])
	assert.Equal(t, []string{"A", "1", "9.9", "上升期"}, rows[1])
	assert.Equal(t, []string{"C", "2", "9.9", "非上升期"}, rows[3])
}

func TestBuildCSVSingleBucketHasNoStatusColumn(t *testing.T) {
	f, err := Build(FormatCSV, "out", []Column{ColumnGoodsID},
		Sheet{Name: "上升期"},
		Sheet{Name: "非上升期", Records: []models.DailyRecord{record("B", models.StatusDeclined)}},
	)
	require.NoError(t, err)
	assert.Equal(t, "\ufeffgoods_id\nB\n", string(f.Data))
}

func TestBuildXLSXOneSheetPerBucket(t *testing.T) {
	f, err := Build(FormatXLSX, "out", AllColumns,
		Sheet{Name: "上升期", Records: []models.DailyRecord{record("A", models.StatusRising)}},
		Sheet{Name: "非上升期", Records: []models.DailyRecord{record("B", models.StatusDeclined)}},
	)
	require.NoError(t, err)
	assert.Equal(t, "out.xlsx", f.Name)

	wb, err := excelize.OpenReader(bytes.NewReader(f.Data))
	require.NoError(t, err)
	defer wb.Close()
	assert.Equal(t, []string{"上升期", "非上升期"}, wb.GetSheetList())

	rows, err := wb.GetRows("非上升期")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "goods_id", rows[0][0])
	assert.Equal(t, "B", rows[1][0])
	assert.Equal(t, "2024-07-01", rows[1][1])
}

func TestFileName(t *testing.T) {
	now := time.Date(2024, 7, 2, 9, 30, 5, 0, time.UTC)
	assert.Equal(t, "动销品管理_NL_2024-07-01_全部_单日_20240702_093005",
		FileName("ROA1_NL", exportDate, "全部", "单日", now))
}

func TestExcelColumn(t *testing.T) {
	assert.Equal(t, "A", excelColumn(0))
	assert.Equal(t, "Z", excelColumn(25))
	assert.Equal(t, "AA", excelColumn(26))
}

func TestSetRowReportsCellErrors(t *testing.T) {
	wb := excelize.NewFile()
	defer wb.Close()

	require.NoError(t, setRow(wb, "Sheet1", 1, []interface{}{"goods_id", 3.5}))
	v, err := wb.GetCellValue("Sheet1", "B1")
	require.NoError(t, err)
	assert.Equal(t, "3.5", v)

	err = setRow(wb, "上升期", 1, []interface{}{"goods_id"})
	require.Error(t, err)
	var notExist excelize.ErrSheetNotExist
	assert.ErrorAs(t, err, &notExist)
	assert.Contains(t, err.Error(), "上升期!A1")
}
