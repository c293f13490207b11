package layout

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/joseph-ayodele/contract-tables/internal/common"
	"github.com/joseph-ayodele/contract-tables/internal/entity"
	"github.com/joseph-ayodele/contract-tables/internal/normalize"
)

// Keys inside a tableBlock.
const (
	KeyHeaderRows = "headerRows"
	KeyBodyRows   = "bodyRows"
	KeyCells      = "cells"
	KeyBlocks     = "blocks"
	KeyTextBlock  = "textBlock"
	KeyText       = "text"
)

// FallbackColumn names an unnamed column by position.
func FallbackColumn(i int) string {
	return fmt.Sprintf("col_%d", i)
}

// Transform converts one table node into a normalized table. Malformed
// structure yields a PARSE_ERROR AppError; it never panics.
func Transform(n TableNode) (tbl entity.NormalizedTable, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = common.NewParseError(n.BlockID, fmt.Sprintf("unexpected structure: %v", r))
		}
	}()

	if !isObject(n.Table) {
		return entity.NormalizedTable{}, common.NewParseError(n.BlockID, "tableBlock is not an object")
	}

	headerRows, err := rowList(n, KeyHeaderRows)
	if err != nil {
		return entity.NormalizedTable{}, err
	}
	bodyRows, err := rowList(n, KeyBodyRows)
	if err != nil {
		return entity.NormalizedTable{}, err
	}

	// Header cells from every header row are appended in order.
	var headers []string
	for ri, row := range headerRows {
		cells, err := cellList(n, row, KeyHeaderRows, ri)
		if err != nil {
			return entity.NormalizedTable{}, err
		}
		for ci, cell := range cells {
			text, err := cellText(n, cell, ri, ci)
			if err != nil {
				return entity.NormalizedTable{}, err
			}
			if text == "" {
				text = FallbackColumn(len(headers))
			}
			headers = append(headers, text)
		}
	}

	rows := make([]*entity.Row, 0, len(bodyRows))
	for ri, row := range bodyRows {
		cells, err := cellList(n, row, KeyBodyRows, ri)
		if err != nil {
			return entity.NormalizedTable{}, err
		}
		out := &entity.Row{}
		for ci, cell := range cells {
			text, err := cellText(n, cell, ri, ci)
			if err != nil {
				return entity.NormalizedTable{}, err
			}
			out.Set(columnName(headers, ci), normalize.String(text))
		}
		rows = append(rows, out)
	}

	return entity.NormalizedTable{TableID: n.BlockID, Page: n.Page, Rows: rows}, nil
}

func columnName(headers []string, i int) string {
	if i == 0 {
		return entity.RowNameKey
	}
	if i < len(headers) {
		return headers[i]
	}
	return FallbackColumn(i)
}

// TransformAll transforms every node, skipping the ones that fail. Each skip
// produces an audit note naming the table.
func TransformAll(nodes []TableNode, logger *slog.Logger) ([]entity.NormalizedTable, []string) {
	if logger == nil {
		logger = slog.Default()
	}
	tables := make([]entity.NormalizedTable, 0, len(nodes))
	var notes []string
	for _, n := range nodes {
		tbl, err := Transform(n)
		if err != nil {
			logger.Warn("layout.transform.skipped", "table_id", n.BlockID, "page", n.Page, "error", err)
			notes = append(notes, fmt.Sprintf("skipped table %s (page %d): %v", n.BlockID, n.Page, err))
			continue
		}
		tables = append(tables, tbl)
	}
	return tables, notes
}

func rowList(n TableNode, key string) ([]any, error) {
	v, ok := get(n.Table, key)
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, common.NewParseError(n.BlockID, key+" is not a list")
	}
	return list, nil
}

func cellList(n TableNode, row any, section string, ri int) ([]any, error) {
	if !isObject(row) {
		return nil, common.NewParseError(n.BlockID, fmt.Sprintf("%s[%d] is not an object", section, ri))
	}
	v, ok := get(row, KeyCells)
	if !ok || v == nil {
		return nil, nil
	}
	cells, ok := v.([]any)
	if !ok {
		return nil, common.NewParseError(n.BlockID, fmt.Sprintf("%s[%d].cells is not a list", section, ri))
	}
	return cells, nil
}

// cellText space-joins the cell's text runs. A run must be an object with a
// textBlock or a text key; anything else is a missing run.
func cellText(n TableNode, cell any, ri, ci int) (string, error) {
	if !isObject(cell) {
		return "", common.NewParseError(n.BlockID, fmt.Sprintf("row %d cell %d is not an object", ri, ci))
	}
	v, ok := get(cell, KeyBlocks)
	if !ok || v == nil {
		return "", nil
	}
	runs, ok := v.([]any)
	if !ok {
		return "", common.NewParseError(n.BlockID, fmt.Sprintf("row %d cell %d blocks is not a list", ri, ci))
	}

	parts := make([]string, 0, len(runs))
	for _, run := range runs {
		if tb, ok := get(run, KeyTextBlock); ok {
			if !isObject(tb) {
				return "", common.NewParseError(n.BlockID, fmt.Sprintf("row %d cell %d textBlock is not an object", ri, ci))
			}
			text, err := optionalString(tb, KeyText)
			if err != nil {
				return "", common.NewParseError(n.BlockID, fmt.Sprintf("row %d cell %d: %v", ri, ci, err))
			}
			parts = append(parts, text)
			continue
		}
		if _, ok := get(run, KeyText); ok {
			text, err := optionalString(run, KeyText)
			if err != nil {
				return "", common.NewParseError(n.BlockID, fmt.Sprintf("row %d cell %d: %v", ri, ci, err))
			}
			parts = append(parts, text)
			continue
		}
		return "", common.NewParseError(n.BlockID, fmt.Sprintf("row %d cell %d references a missing text run", ri, ci))
	}
	return strings.TrimSpace(strings.Join(parts, " ")), nil
}

func optionalString(node any, key string) (string, error) {
	v, ok := get(node, key)
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s is %T, not a string", key, v)
	}
	return s, nil
}
