package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/contract-tables/internal/common"
)

func cell(text string) string {
	return `{"blocks": [{"textBlock": {"text": "` + text + `"}}], "rowSpan": 1, "colSpan": 1}`
}

func table(blockID, header, body string) string {
	return `{"blockId": "` + blockID + `", "pageSpan": {"pageStart": 3}, "tableBlock": {` + header + body + `}}`
}

func transformOne(t *testing.T, src string) TableNode {
	t.Helper()
	nodes := FindTables(mustDecode(t, src))
	require.Len(t, nodes, 1)
	return nodes[0]
}

func TestTransformHeaderAndLocaleValues(t *testing.T) {
	node := transformOne(t, table("t1",
		`"headerRows": [{"cells": [`+cell("Item")+`,`+cell("2022")+`,`+cell("2023")+`]}],`,
		`"bodyRows": [{"cells": [`+cell("A")+`,`+cell("1.234,56 €")+`,`+cell("2.000")+`]}]`))

	tbl, err := Transform(node)
	require.NoError(t, err)
	assert.Equal(t, "t1", tbl.TableID)
	assert.Equal(t, 3, tbl.Page)
	require.Len(t, tbl.Rows, 1)
	assert.Equal(t, map[string]any{"row_name": "A", "2022": 1234.56, "2023": int64(2000)}, tbl.Rows[0].Map())
}

func TestTransformBlankHeaderFallsBackToPosition(t *testing.T) {
	node := transformOne(t, table("t2",
		`"headerRows": [{"cells": [`+cell("Item")+`,`+cell("Valor")+`,`+cell("")+`]}],`,
		`"bodyRows": [{"cells": [`+cell("B")+`,`+cell("9,9%")+`,`+cell("-")+`,`+cell("extra")+`]}, {"cells": [`+cell("C")+`]}]`))

	tbl, err := Transform(node)
	require.NoError(t, err)
	require.Len(t, tbl.Rows, 2)
	assert.Equal(t, []string{"row_name", "Valor", "col_2", "col_3"}, tbl.Rows[0].Keys())
	assert.Equal(t, map[string]any{"row_name": "B", "Valor": 9.9, "col_2": nil, "col_3": "extra"}, tbl.Rows[0].Map())
	assert.Equal(t, map[string]any{"row_name": "C"}, tbl.Rows[1].Map(), "short row only fills the columns it has")
}

func TestTransformWithoutHeaderSection(t *testing.T) {
	node := transformOne(t, table("t3", "",
		`"bodyRows": [{"cells": [`+cell("Item")+`,`+cell("2022")+`]}, {"cells": [{"blocks": []}, {"blocks": [{"text": "5"}, {"text": "000"}]}]}]`))

	tbl, err := Transform(node)
	require.NoError(t, err)
	require.Len(t, tbl.Rows, 2)
	assert.Equal(t, map[string]any{"row_name": "Item", "col_1": int64(2022)}, tbl.Rows[0].Map())
	assert.Equal(t, map[string]any{"row_name": nil, "col_1": int64(5000)}, tbl.Rows[1].Map())
}

func TestTransformDuplicateHeaderLastWriteWins(t *testing.T) {
	node := transformOne(t, table("t4",
		`"headerRows": [{"cells": [`+cell("Item")+`,`+cell("Total")+`,`+cell("Total")+`]}],`,
		`"bodyRows": [{"cells": [`+cell("A")+`,`+cell("1")+`,`+cell("2")+`]}]`))

	tbl, err := Transform(node)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"row_name": "A", "Total": int64(2)}, tbl.Rows[0].Map())
}

func TestTransformMalformed(t *testing.T) {
	cases := map[string]string{
		"missing run":      table("bad", "", `"bodyRows": [{"cells": [{"blocks": [{"blockId": "orphan"}]}]}]`),
		"null run":         table("bad", "", `"bodyRows": [{"cells": [{"blocks": [null]}]}]`),
		"cells not list":   table("bad", "", `"bodyRows": [{"cells": "oops"}]`),
		"body not list":    table("bad", "", `"bodyRows": {}`),
		"text not string":  table("bad", "", `"bodyRows": [{"cells": [{"blocks": [{"textBlock": {"text": 5}}]}]}]`),
		"table not object": `{"blockId": "bad", "tableBlock": []}`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Transform(transformOne(t, src))
			require.Error(t, err)
			assert.True(t, common.IsKind(err, common.CodeParse))
			assert.Contains(t, err.Error(), "table bad")
		})
	}
}

func TestTransformAllSkipsBadTables(t *testing.T) {
	tree := mustDecode(t, `{"documentLayout": {"blocks": [`+
		table("good", "", `"bodyRows": [{"cells": [`+cell("A")+`]}]`)+`,`+
		table("broken", "", `"bodyRows": [{"cells": [{"blocks": [{}]}]}]`)+
		`]}}`)

	tables, notes := TransformAll(FindTables(LayoutRoot(tree)), nil)
	require.Len(t, tables, 1)
	assert.Equal(t, "good", tables[0].TableID)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "broken")
}
