package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// RowNameKey is the key that always holds a row's first cell.
const RowNameKey = "row_name"

// NormalizedTable is the canonical flat table written to the ledger.
type NormalizedTable struct {
	TableID string `json:"table_id"`
	Page    int    `json:"page"`
	Rows    []*Row `json:"rows"`
}

// RowCount sums the rows of every table.
func RowCount(tables []NormalizedTable) int {
	n := 0
	for _, t := range tables {
		n += len(t.Rows)
	}
	return n
}

// Columns returns the union of row keys in first-seen order, row_name first.
func (t NormalizedTable) Columns() []string {
	seen := map[string]struct{}{}
	var cols []string
	add := func(k string) {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			cols = append(cols, k)
		}
	}
	for _, r := range t.Rows {
		if _, ok := r.Get(RowNameKey); ok {
			add(RowNameKey)
			break
		}
	}
	for _, r := range t.Rows {
		for _, k := range r.Keys() {
			add(k)
		}
	}
	return cols
}

// Row maps column names to normalized values (nil, int64, float64 or string)
// and keeps keys in insertion order. Setting an existing key overwrites its
// value in place.
type Row struct {
	keys []string
	vals map[string]any
}

// NewRow builds a row from alternating key/value pairs.
func NewRow(kv ...any) *Row {
	r := &Row{}
	for i := 0; i+1 < len(kv); i += 2 {
		r.Set(fmt.Sprint(kv[i]), kv[i+1])
	}
	return r
}

// Set assigns v under key; last write wins.
func (r *Row) Set(key string, v any) {
	if r.vals == nil {
		r.vals = map[string]any{}
	}
	if _, ok := r.vals[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.vals[key] = v
}

// Get returns the value under key.
func (r *Row) Get(key string) (any, bool) {
	if r == nil || r.vals == nil {
		return nil, false
	}
	v, ok := r.vals[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (r *Row) Keys() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.keys...)
}

// Len returns the number of keys.
func (r *Row) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Map returns a copy of the row as a plain map.
func (r *Row) Map() map[string]any {
	out := make(map[string]any, r.Len())
	if r == nil {
		return out
	}
	for _, k := range r.keys {
		out[k] = r.vals[k]
	}
	return out
}

func (r *Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if r != nil {
		for i, k := range r.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := json.Marshal(r.vals[k])
			if err != nil {
				return nil, fmt.Errorf("row key %q: %w", k, err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			buf.Write(vb)
			// integral floats keep a fraction so they reload as float64
			if _, ok := r.vals[k].(float64); ok && !bytes.ContainsAny(vb, ".eE") {
				buf.WriteString(".0")
			}
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *Row) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("row: expected object, got %v", tok)
	}
	*r = Row{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := kt.(string)
		if !ok {
			return fmt.Errorf("row: expected key, got %v", kt)
		}
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("row key %q: %w", key, err)
		}
		r.Set(key, scalar(raw))
	}
	_, err = dec.Token()
	return err
}

// scalar turns decoded JSON numbers back into int64 or float64.
func scalar(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	f, err := n.Float64()
	if err != nil {
		return s
	}
	return f
}
