package bulk

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ParseWorkbook reads the first sheet of an xlsx workbook into a header
// row and data rows. Short rows are padded to the header width so column
// indexes stay valid everywhere downstream.
func ParseWorkbook(data []byte) (header []string, rows [][]string, err error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, fmt.Errorf("workbook has no sheets")
	}

	all, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	if len(all) == 0 {
		return nil, nil, fmt.Errorf("sheet %q is empty", sheets[0])
	}

	header = all[0]
	rows = all[1:]
	for i, row := range rows {
		if len(row) < len(header) {
			padded := make([]string, len(header))
			copy(padded, row)
			rows[i] = padded
		}
	}
	return header, rows, nil
}

// BuildWorkbook writes a header and rows into a single-sheet xlsx file.
// Rows whose index is present in highlight get a fill on every populated
// cell so a human can locate them.
func BuildWorkbook(sheet string, header []string, rows [][]string, highlight map[int]bool) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if sheet == "" {
		sheet = "Sheet1"
	}
	if sheet != "Sheet1" {
		if err := f.SetSheetName("Sheet1", sheet); err != nil {
			return nil, err
		}
	}

	for i, h := range header {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return nil, err
		}
	}

	var highlightStyle int
	if len(highlight) > 0 {
		var err error
		highlightStyle, err = f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFC7CE"}},
		})
		if err != nil {
			return nil, err
		}
	}

	for ri, row := range rows {
		excelRow := ri + 2 // 1-based, after header
		for ci, v := range row {
			if v == "" {
				continue
			}
			cell, _ := excelize.CoordinatesToCellName(ci+1, excelRow)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return nil, err
			}
			if highlight[ri] {
				if err := f.SetCellStyle(sheet, cell, cell, highlightStyle); err != nil {
					return nil, err
				}
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
