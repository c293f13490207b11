package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/joseph-ayodele/contract-tables/internal/entity"
	"github.com/joseph-ayodele/contract-tables/internal/layout"
	"github.com/joseph-ayodele/contract-tables/internal/normalize"
)

var cellSplit = regexp.MustCompile(`\s{2,}|\t`)

// GroupLines turns page text into one table per page. Lines are split into
// cells on runs of two or more spaces or on tabs; lines with fewer than two
// cells are dropped. Pages with fewer than two non-empty lines yield nothing.
func GroupLines(pages []string) []entity.NormalizedTable {
	var tables []entity.NormalizedTable
	for i, text := range pages {
		page := i + 1
		var lines []string
		for _, l := range strings.Split(text, "\n") {
			if l = strings.TrimSpace(l); l != "" {
				lines = append(lines, l)
			}
		}
		if len(lines) < 2 {
			continue
		}

		var rows []*entity.Row
		for _, l := range lines {
			parts := cellSplit.Split(l, -1)
			if len(parts) < 2 {
				continue
			}
			row := &entity.Row{}
			for j, p := range parts {
				row.Set(layout.FallbackColumn(j), normalize.String(p))
			}
			rows = append(rows, row)
		}
		if len(rows) == 0 {
			continue
		}
		tables = append(tables, entity.NormalizedTable{
			TableID: fmt.Sprintf("table_%d", page),
			Page:    page,
			Rows:    rows,
		})
	}
	return tables
}
