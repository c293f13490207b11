package geometry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ledongthuc/pdf"
	"github.com/pkg/errors"

	"github.com/joseph-ayodele/contract-tables/constants"
	"github.com/joseph-ayodele/contract-tables/internal/common"
	"github.com/joseph-ayodele/contract-tables/internal/entity"
	"github.com/joseph-ayodele/contract-tables/internal/extract"
)

// Backend finds tables in the text layer of a PDF by position alone.
type Backend struct {
	opts Options
	log  *slog.Logger
}

// Options tune row and cell grouping, in units of font size.
type Options struct {
	// RowTolerance is how far apart two baselines may be and still share a row.
	RowTolerance float64
	// CellGap is the horizontal gap that starts a new cell.
	CellGap float64
	// WordGap is the gap that inserts a space inside a cell.
	WordGap float64
}

func DefaultOptions() Options {
	return Options{RowTolerance: 0.4, CellGap: 1.5, WordGap: 0.15}
}

func New(opts Options, logger *slog.Logger) *Backend {
	if opts == (Options{}) {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{opts: opts, log: logger}
}

func (b *Backend) Name() string { return constants.BackendGeometry }

func (b *Backend) Extract(ctx context.Context, doc extract.Document) (extract.Result, error) {
	pages, err := readGlyphs(doc.Bytes)
	if err != nil {
		b.log.Warn("geometry.read_failed", "item_id", doc.ItemID, "error", err)
		return nil, common.NewBackendError("geometry: read pdf", 0, err, false)
	}

	var tables []entity.NormalizedTable
	for i, glyphs := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := i + 1
		rows := b.opts.cells(b.opts.rows(glyphs))
		tables = append(tables, tablesOnPage(rows, page)...)
	}
	raw, err := json.Marshal(tables)
	if err != nil {
		return nil, common.NewBackendError("geometry: encode", 0, err, false)
	}
	b.log.Info("geometry.extract.ok", "item_id", doc.ItemID, "pages", len(pages), "tables", len(tables))
	return &extract.TablesResult{Tables: tables, Raw: raw}, nil
}

// glyph is one positioned text run.
type glyph struct {
	X, Y, W  float64
	FontSize float64
	S        string
}

// readGlyphs returns the text runs of every page. Malformed content streams
// make the pdf package panic, so that is turned into an error.
func readGlyphs(data []byte) (pages [][]glyph, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("malformed pdf: %v", r)
		}
	}()
	if len(data) == 0 {
		return nil, errors.New("empty document")
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Wrap(err, "open pdf")
	}
	n := r.NumPage()
	pages = make([][]glyph, 0, n)
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, nil)
			continue
		}
		content := p.Content()
		gs := make([]glyph, 0, len(content.Text))
		for _, t := range content.Text {
			gs = append(gs, glyph{X: t.X, Y: t.Y, W: t.W, FontSize: t.FontSize, S: t.S})
		}
		pages = append(pages, gs)
	}
	return pages, nil
}

// PageCount returns the number of pages in a PDF.
func PageCount(data []byte) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, errors.Wrap(err, "open pdf")
	}
	return r.NumPage(), nil
}
