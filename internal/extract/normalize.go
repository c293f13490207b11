package extract

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/contract-tables/internal/entity"
	"github.com/joseph-ayodele/contract-tables/internal/layout"
)

// Normalized is a backend result reduced to canonical tables.
type Normalized struct {
	Tables []entity.NormalizedTable
	// Notes are audit messages, e.g. for tables that were skipped.
	Notes []string
	// Raw is what gets stored as the item's raw output.
	Raw json.RawMessage
}

// Normalize reduces any Result variant to canonical tables.
func Normalize(res Result, logger *slog.Logger) (Normalized, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch r := res.(type) {
	case *TreeResult:
		nodes := layout.FindTables(layout.LayoutRoot(r.Root))
		tables, notes := layout.TransformAll(nodes, logger)
		raw := r.Raw
		if len(raw) == 0 {
			b, err := json.Marshal(r.Root)
			if err != nil {
				return Normalized{}, fmt.Errorf("encode tree: %w", err)
			}
			raw = b
		}
		return Normalized{Tables: tables, Notes: notes, Raw: raw}, nil
	case *TextResult:
		raw, err := json.Marshal(map[string]any{"pages": r.Pages})
		if err != nil {
			return Normalized{}, fmt.Errorf("encode pages: %w", err)
		}
		return Normalized{Tables: GroupLines(r.Pages), Raw: raw}, nil
	case *TablesResult:
		raw := r.Raw
		if len(raw) == 0 {
			b, err := json.Marshal(r.Tables)
			if err != nil {
				return Normalized{}, fmt.Errorf("encode tables: %w", err)
			}
			raw = b
		}
		return Normalized{Tables: r.Tables, Raw: raw}, nil
	case nil:
		return Normalized{}, fmt.Errorf("normalize: nil result")
	default:
		return Normalized{}, fmt.Errorf("normalize: unsupported result %T", res)
	}
}
