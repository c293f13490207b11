package geometry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/contract-tables/internal/common"
	"github.com/joseph-ayodele/contract-tables/internal/extract"
)

// word lays out s as a single run starting at x on baseline y.
func word(x, y float64, s string) glyph {
	return glyph{X: x, Y: y, W: float64(len(s)) * 5, FontSize: 10, S: s}
}

func TestRowsAndCells(t *testing.T) {
	o := DefaultOptions()
	glyphs := []glyph{
		word(200, 700, "2023"),
		word(50, 700, "Linha"),
		word(50, 680, "Consultas"),
		word(97, 680.5, "externas"),
		word(200, 681, "1.234,56"),
		word(243, 681, "€"),
		word(50, 600, "Nota"),
	}
	cells := o.cells(o.rows(glyphs))
	assert.Equal(t, [][]string{
		{"Linha", "2023"},
		{"Consultas externas", "1.234,56 €"},
		{"Nota"},
	}, cells)
}

func TestTablesOnPage(t *testing.T) {
	rows := [][]string{
		{"Title"},
		{"Linha", "2022", ""},
		{"A", "1.000", "5", "extra"},
		{"B", "-", "2,5 %"},
		{"footer"},
		{"x", "y"},
		{"solo"},
		{"Item", "Valor"},
		{"C", "10"},
	}
	tables := tablesOnPage(rows, 4)
	require.Len(t, tables, 2)

	first := tables[0]
	assert.Equal(t, "p4_t1", first.TableID)
	assert.Equal(t, 4, first.Page)
	require.Len(t, first.Rows, 2)
	assert.Equal(t, []string{"row_name", "2022", "col_2", "col_3"}, first.Rows[0].Keys())
	assert.Equal(t, map[string]any{"row_name": "A", "2022": int64(1000), "col_2": int64(5), "col_3": "extra"}, first.Rows[0].Map())
	assert.Equal(t, map[string]any{"row_name": "B", "2022": nil, "col_2": 2.5}, first.Rows[1].Map())

	assert.Equal(t, "p4_t2", tables[1].TableID)
	assert.Equal(t, map[string]any{"row_name": "C", "Valor": int64(10)}, tables[1].Rows[0].Map())
}

func TestExtractRejectsGarbage(t *testing.T) {
	_, err := New(Options{}, nil).Extract(context.Background(), extract.Document{ItemID: "x", Bytes: []byte("not a pdf")})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.CodeBackend))
	assert.False(t, common.IsRetryable(err))
}
