package geometry

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/joseph-ayodele/contract-tables/internal/entity"
	"github.com/joseph-ayodele/contract-tables/internal/layout"
	"github.com/joseph-ayodele/contract-tables/internal/normalize"
)

const defaultFontSize = 10.0

func fontSize(g glyph) float64 {
	if g.FontSize <= 0 {
		return defaultFontSize
	}
	return g.FontSize
}

// rows buckets glyphs by baseline, top of the page first, each row sorted left to right.
func (o Options) rows(glyphs []glyph) [][]glyph {
	type bucket struct {
		y      float64
		glyphs []glyph
	}
	var buckets []*bucket
	for _, g := range glyphs {
		if strings.TrimSpace(g.S) == "" && g.W == 0 {
			continue
		}
		tol := fontSize(g) * o.RowTolerance
		var hit *bucket
		for _, b := range buckets {
			if math.Abs(b.y-g.Y) <= tol {
				hit = b
				break
			}
		}
		if hit == nil {
			hit = &bucket{y: g.Y}
			buckets = append(buckets, hit)
		}
		hit.glyphs = append(hit.glyphs, g)
	}

	sort.SliceStable(buckets, func(i, j int) bool { return buckets[i].y > buckets[j].y })
	out := make([][]glyph, 0, len(buckets))
	for _, b := range buckets {
		sort.SliceStable(b.glyphs, func(i, j int) bool { return b.glyphs[i].X < b.glyphs[j].X })
		out = append(out, b.glyphs)
	}
	return out
}

// cells splits each row into cell strings at wide horizontal gaps.
func (o Options) cells(rows [][]glyph) [][]string {
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		var (
			cells []string
			cur   strings.Builder
			end   float64
		)
		for i, g := range row {
			if i > 0 {
				gap := g.X - end
				size := fontSize(g)
				switch {
				case gap > size*o.CellGap:
					cells = append(cells, strings.TrimSpace(cur.String()))
					cur.Reset()
				case gap > size*o.WordGap:
					cur.WriteByte(' ')
				}
			}
			cur.WriteString(g.S)
			end = g.X + g.W
		}
		if cur.Len() > 0 {
			cells = append(cells, strings.TrimSpace(cur.String()))
		}
		out = append(out, cells)
	}
	return out
}

// tablesOnPage turns runs of at least two consecutive multi-cell rows into
// tables. The first row of a run is the header.
func tablesOnPage(rows [][]string, page int) []entity.NormalizedTable {
	var (
		tables []entity.NormalizedTable
		run    [][]string
	)
	flush := func() {
		if len(run) >= 2 {
			tables = append(tables, buildTable(run, fmt.Sprintf("p%d_t%d", page, len(tables)+1), page))
		}
		run = nil
	}
	for _, r := range rows {
		if len(r) >= 2 {
			run = append(run, r)
			continue
		}
		flush()
	}
	flush()
	return tables
}

func buildTable(run [][]string, id string, page int) entity.NormalizedTable {
	headers := run[0]
	tbl := entity.NormalizedTable{TableID: id, Page: page}
	for _, cells := range run[1:] {
		row := &entity.Row{}
		for i, c := range cells {
			key := entity.RowNameKey
			if i > 0 {
				key = layout.FallbackColumn(i)
				if i < len(headers) && strings.TrimSpace(headers[i]) != "" {
					key = strings.TrimSpace(headers[i])
				}
			}
			row.Set(key, normalize.String(c))
		}
		tbl.Rows = append(tbl.Rows, row)
	}
	return tbl
}
