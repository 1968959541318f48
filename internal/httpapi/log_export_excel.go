package httpapi

import (
	"bytes"
	"fmt"
	"time"

	"edc-detector/internal/repository"

	"github.com/xuri/excelize/v2"
)

// LogExportHeader 日志导出表头
var LogExportHeader = []string{
	"Timestamp",
	"Item ID",
	"Kind",
	"Location",
	"Source",
	"RSSI",
}

// GenerateLogExport 逐行读取迭代器生成 Excel 文件
func GenerateLogExport(it *repository.EntryIterator) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Event Log"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}

	for i, h := range LogExportHeader {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return nil, err
		}
	}

	row := 2
	for it.Next() {
		e := it.Entry()
		values := []any{
			e.Timestamp.Format(time.RFC3339),
			e.ItemID,
			string(e.Kind),
			"",
			"",
			"",
		}
		if e.Location != nil {
			values[3] = *e.Location
		}
		if e.Source != nil {
			values[4] = string(*e.Source)
		}
		if e.RSSI != nil {
			values[5] = *e.RSSI
		}

		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", row, err)
		}
		row++
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write excel: %w", err)
	}
	return buf.Bytes(), nil
}
