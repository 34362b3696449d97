package extraction

import (
	"bytes"
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

// SpreadsheetMethod reads every sheet of an xlsx workbook.
type SpreadsheetMethod struct{}

// Name implements Method.
func (SpreadsheetMethod) Name() crawler.ExtractionMethod { return crawler.MethodSpreadsheet }

// Confidence implements Method.
func (SpreadsheetMethod) Confidence() float64 { return 0.9 }

// Applies implements Method.
func (SpreadsheetMethod) Applies(doc crawler.Document) bool { return isSpreadsheet(doc) }

// Tables implements Method. One table per sheet, with the sheet name as
// context.
func (SpreadsheetMethod) Tables(ctx context.Context, doc crawler.Document) ([]Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(doc.Body))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	var tables []Table
	for _, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		t := Table{Context: sheet}
		for _, row := range rows {
			cells := make([]string, len(row))
			for i, c := range row {
				cells[i] = cleanText(c)
			}
			if !emptyRow(cells) {
				t.Rows = append(t.Rows, cells)
			}
		}
		if len(t.Rows) > 0 {
			tables = append(tables, t)
		}
	}
	return tables, nil
}

func emptyRow(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}
