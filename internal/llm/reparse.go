package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/contract-tables/constants"
	"github.com/joseph-ayodele/contract-tables/internal/common"
	"github.com/joseph-ayodele/contract-tables/internal/extract"
	"github.com/joseph-ayodele/contract-tables/internal/layout"
)

// Reparser runs a layout backend, keeps only its table blocks and asks a
// model to rebuild the tables from them.
type Reparser struct {
	source extract.Backend
	model  Completer
	log    *slog.Logger
}

func NewReparser(source extract.Backend, model Completer, logger *slog.Logger) *Reparser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reparser{source: source, model: model, log: logger}
}

func (r *Reparser) Name() string { return constants.BackendLLM }

func (r *Reparser) Extract(ctx context.Context, doc extract.Document) (extract.Result, error) {
	start := time.Now()
	res, err := r.source.Extract(ctx, doc)
	if err != nil {
		return nil, err
	}
	tree, ok := res.(*extract.TreeResult)
	if !ok {
		return nil, common.NewBackendError(fmt.Sprintf("llm: %s returned %T, want a layout tree", r.source.Name(), res), 0, nil, false)
	}

	nodes := layout.FindTables(layout.LayoutRoot(tree.Root))
	if len(nodes) == 0 {
		r.log.Info("llm.reparse.no_tables", "item_id", doc.ItemID)
		return &extract.TablesResult{Raw: tree.Raw}, nil
	}
	filtered, err := json.Marshal(layout.Filtered(nodes))
	if err != nil {
		return nil, common.NewBackendError("llm: encode filtered layout", 0, err, false)
	}
	r.log.Info("llm.reparse.start",
		"item_id", doc.ItemID,
		"tables", len(nodes),
		"raw_bytes", len(tree.Raw),
		"filtered_bytes", len(filtered),
	)

	reply, err := r.model.Complete(ctx, Request{System: SystemPrompt(), User: UserPrompt(filtered)})
	if err != nil {
		return nil, err
	}
	content, err := ExtractJSON(reply)
	if err != nil {
		return nil, common.NewBackendError("llm: parse reply", 0, err, true)
	}
	if err := ValidateJSONAgainstSchema(TablesSchema(), content); err != nil {
		r.log.Warn("llm.reparse.schema_validation_failed", "item_id", doc.ItemID, "error", err)
		return nil, common.NewBackendError("llm: reply does not match schema", 0, err, true)
	}
	if marker := templateMarker(content); marker != "" {
		r.log.Warn("llm.reparse.template_echo", "item_id", doc.ItemID, "marker", marker)
		return nil, common.NewBackendError(fmt.Sprintf("llm: reply echoes the template placeholder %s", marker), 0, nil, true)
	}
	tables, err := ParseTables(content)
	if err != nil {
		return nil, common.NewBackendError("llm: decode tables", 0, err, true)
	}

	r.log.Info("llm.reparse.ok",
		"item_id", doc.ItemID,
		"tables", len(tables),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return &extract.TablesResult{Tables: tables, Raw: content}, nil
}

// templateMarkers are placeholders a model copies when it answers with the
// example shape instead of the document.
var templateMarkers = []string{`<page_number>`, `"column1"`, `"value1"`}

func templateMarker(content []byte) string {
	for _, m := range templateMarkers {
		if bytes.Contains(content, []byte(m)) {
			return m
		}
	}
	return ""
}
