package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/joseph-ayodele/contract-tables/internal/entity"
	"github.com/joseph-ayodele/contract-tables/internal/layout"
)

var errNoJSON = errors.New("no JSON object in model output")

// ExtractJSON returns the text between the first '{' and the last '}'.
// Models sometimes wrap the object in prose or code fences.
func ExtractJSON(text string) ([]byte, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, errNoJSON
	}
	return []byte(text[start : end+1]), nil
}

var dotDecimal = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// Value normalizes one model-produced cell: numbers stay numbers, dot-decimal
// strings become floats, and "", "-" and N/A become nil.
func Value(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil && !strings.ContainsAny(x.String(), ".eE") {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case string:
		s := strings.TrimSpace(x)
		switch s {
		case "", "-", "N/A", "n/a":
			return nil
		}
		if dotDecimal.MatchString(s) {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
		return s
	case *layout.Object, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return v
	}
}

// ParseTables decodes validated model output into tables with ids llm_{index}.
// Key order inside each row follows the model output.
func ParseTables(content []byte) ([]entity.NormalizedTable, error) {
	root, err := layout.Decode(content)
	if err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	obj, ok := root.(*layout.Object)
	if !ok {
		return nil, fmt.Errorf("model output is %T, want object", root)
	}
	list, _ := obj.Get("extracted_tables")
	items, ok := list.([]any)
	if !ok {
		return nil, fmt.Errorf("extracted_tables is %T, want array", list)
	}

	tables := make([]entity.NormalizedTable, 0, len(items))
	for i, it := range items {
		t, ok := it.(*layout.Object)
		if !ok {
			return nil, fmt.Errorf("extracted_tables[%d] is %T, want object", i, it)
		}
		index := intField(t, "table_index", i)
		tbl := entity.NormalizedTable{
			TableID: fmt.Sprintf("llm_%d", index),
			Page:    intField(t, "page", 1),
		}
		data, _ := t.Get("table_data")
		rows, _ := data.([]any)
		for _, r := range rows {
			ro, ok := r.(*layout.Object)
			if !ok {
				continue
			}
			row := &entity.Row{}
			for _, k := range ro.Keys() {
				v, _ := ro.Get(k)
				row.Set(k, Value(v))
			}
			tbl.Rows = append(tbl.Rows, row)
		}
		tables = append(tables, tbl)
	}
	return tables, nil
}

func intField(o *layout.Object, key string, def int) int {
	v, ok := o.Get(key)
	if !ok {
		return def
	}
	n, ok := v.(json.Number)
	if !ok {
		return def
	}
	i, err := n.Int64()
	if err != nil {
		return def
	}
	return int(i)
}
