package export

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/contract-tables/internal/entity"
)

const maxSheetName = 31

// WorkbookXLSX renders one sheet per table. The header row lists the table's
// columns in first-seen order with row_name first; null cells stay empty.
func WorkbookXLSX(tables []entity.NormalizedTable) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	first := f.GetSheetName(0)

	if len(tables) == 0 {
		if err := f.SetCellValue(first, "A1", "no tables"); err != nil {
			return nil, err
		}
	}

	used := map[string]bool{}
	for i, t := range tables {
		name := sheetName(t, i, used)
		if i == 0 {
			if err := f.SetSheetName(first, name); err != nil {
				return nil, err
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}

		cols := t.Columns()
		for c, h := range cols {
			cell, _ := excelize.CoordinatesToCellName(c+1, 1)
			if err := f.SetCellValue(name, cell, h); err != nil {
				return nil, err
			}
		}
		for r, row := range t.Rows {
			for c, k := range cols {
				v, ok := row.Get(k)
				if !ok || v == nil {
					continue
				}
				cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
				if err := f.SetCellValue(name, cell, v); err != nil {
					return nil, err
				}
			}
		}
		if len(cols) > 0 {
			last, _ := excelize.ColumnNumberToName(len(cols))
			_ = f.SetColWidth(name, "A", "A", 40)
			if len(cols) > 1 {
				_ = f.SetColWidth(name, "B", last, 16)
			}
		}
	}
	f.SetActiveSheet(0)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

// sheetName makes a unique sheet name of at most 31 characters without the
// characters Excel rejects.
func sheetName(t entity.NormalizedTable, i int, used map[string]bool) string {
	base := t.TableID
	if base == "" {
		base = fmt.Sprintf("table_%d", i+1)
	}
	base = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`:\/?*[]`, r) {
			return '_'
		}
		return r
	}, base)
	base = strings.Trim(base, "'")
	if base == "" {
		base = fmt.Sprintf("table_%d", i+1)
	}
	base = truncate(base, maxSheetName)

	name := base
	for n := 1; used[strings.ToLower(name)]; n++ {
		suffix := fmt.Sprintf("~%d", n)
		name = truncate(base, maxSheetName-len(suffix)) + suffix
	}
	used[strings.ToLower(name)] = true
	return name
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
