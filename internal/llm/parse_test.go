package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	b, err := ExtractJSON("<thinking>x</thinking>\n```json\n{\"a\": {\"b\": 1}}\n```")
	require.NoError(t, err)
	assert.Equal(t, `{"a": {"b": 1}}`, string(b))

	_, err = ExtractJSON("no object here")
	assert.ErrorIs(t, err, errNoJSON)
	_, err = ExtractJSON("} backwards {")
	assert.ErrorIs(t, err, errNoJSON)
}

func TestParseTablesKeepsOrderAndNormalizes(t *testing.T) {
	content := []byte(`{"extracted_tables": [
	  {"table_index": 3, "page": 7, "table_data": [
	    {"Item": "Consultas", "Valor 2023": "1234.56", "Taxa": "9.9%", "Qtd": 12, "Obs": "-"},
	    {"Item": "Cirurgias", "Valor 2023": "N/A", "Taxa": null, "Qtd": 1.5, "Obs": ""}
	  ]}
	]}`)
	require.NoError(t, ValidateJSONAgainstSchema(TablesSchema(), content))

	tables, err := ParseTables(content)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	tbl := tables[0]
	assert.Equal(t, "llm_3", tbl.TableID)
	assert.Equal(t, 7, tbl.Page)
	require.Len(t, tbl.Rows, 2)
	assert.Equal(t, []string{"Item", "Valor 2023", "Taxa", "Qtd", "Obs"}, tbl.Rows[0].Keys())
	assert.Equal(t, map[string]any{"Item": "Consultas", "Valor 2023": 1234.56, "Taxa": "9.9%", "Qtd": int64(12), "Obs": nil}, tbl.Rows[0].Map())
	assert.Equal(t, map[string]any{"Item": "Cirurgias", "Valor 2023": nil, "Taxa": nil, "Qtd": 1.5, "Obs": nil}, tbl.Rows[1].Map())
}

func TestSchemaRejectsMissingFields(t *testing.T) {
	err := ValidateJSONAgainstSchema(TablesSchema(), []byte(`{"extracted_tables": [{"page": 1, "table_data": []}]}`))
	assert.Error(t, err)
	err = ValidateJSONAgainstSchema(TablesSchema(), []byte(`{"tables": []}`))
	assert.Error(t, err)
}
