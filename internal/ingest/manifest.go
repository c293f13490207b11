// Package ingest loads manifest files (CSV or XLSX) into the work-item ledger.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/contract-tables/constants"
	"github.com/joseph-ayodele/contract-tables/internal/common"
	"github.com/joseph-ayodele/contract-tables/internal/entity"
	"github.com/joseph-ayodele/contract-tables/internal/repository"
)

// Recognized manifest columns. Every other column is copied into fields.
const (
	ColumnID         = "id"
	ColumnPDFURL     = "original_pdf_url"
	ColumnLocator    = "source_locator"
	ColumnStorageURI = entity.FieldStorageURI
)

// Row is one manifest line.
type Row struct {
	Line    int
	ID      string
	Locator string
	Fields  map[string]any
}

// Stats summarizes one manifest ingest.
type Stats struct {
	Rows     int `json:"rows"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Invalid  int `json:"invalid"`
}

type Ingestor struct {
	repo   repository.WorkItemRepository
	logger *slog.Logger
}

func New(repo repository.WorkItemRepository, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{repo: repo, logger: logger}
}

// IngestFile upserts every row of the manifest at path. Rows without an id or
// locator are counted as invalid and skipped. With force, items already in a
// terminal status get their static fields refreshed too.
func (i *Ingestor) IngestFile(ctx context.Context, path string, force bool) (Stats, error) {
	var stats Stats
	rows, err := ReadManifest(path)
	if err != nil {
		return stats, err
	}
	i.logger.Info("ingest.start", "path", path, "rows", len(rows), "force", force)

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Rows++
		if row.ID == "" || row.Locator == "" {
			stats.Invalid++
			i.logger.Warn("ingest.row.invalid", "line", row.Line, "id", row.ID, "reason", "id and locator are required")
			continue
		}
		out, err := i.repo.UpsertStatic(ctx, repository.StaticFields{
			ID:            row.ID,
			SourceLocator: row.Locator,
			Fields:        row.Fields,
		}, force)
		if err != nil {
			if errors.Is(err, common.ErrInvalidInput) {
				stats.Invalid++
				i.logger.Warn("ingest.row.invalid", "line", row.Line, "id", row.ID, "error", err)
				continue
			}
			return stats, fmt.Errorf("ingest %s line %d: %w", path, row.Line, err)
		}
		switch out {
		case repository.UpsertInserted:
			stats.Inserted++
		case repository.UpsertUpdated:
			stats.Updated++
		case repository.UpsertSkipped:
			stats.Skipped++
		}
	}

	i.logger.Info("ingest.done",
		"path", path,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"skipped", stats.Skipped,
		"invalid", stats.Invalid,
	)
	return stats, nil
}

// ReadManifest parses a .csv or .xlsx manifest. For workbooks the first sheet is read.
func ReadManifest(path string) ([]Row, error) {
	ext := constants.NormalizeExt(filepath.Ext(path))
	if _, ok := constants.ManifestExtensions[ext]; !ok {
		return nil, common.NewAppError(common.CodeConfig, fmt.Sprintf("unsupported manifest extension %q", ext), common.ErrInvalidInput)
	}

	var (
		records [][]string
		err     error
	)
	switch ext {
	case "csv":
		var f *os.File
		f, err = os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		records, err = readCSV(f)
	case "xlsx":
		records, err = readXLSX(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return parseRecords(records)
}

func readCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return cr.ReadAll()
}

func readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	return f.GetRows(sheets[0])
}

func parseRecords(records [][]string) ([]Row, error) {
	if len(records) == 0 {
		return nil, common.NewValidationError("manifest is empty")
	}
	header := make([]string, len(records[0]))
	for j, h := range records[0] {
		header[j] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	}
	if !contains(header, ColumnID) {
		return nil, common.NewValidationError("manifest has no id column")
	}
	if !contains(header, ColumnPDFURL) && !contains(header, ColumnLocator) {
		return nil, common.NewValidationError("manifest has no original_pdf_url or source_locator column")
	}

	rows := make([]Row, 0, len(records)-1)
	for n, rec := range records[1:] {
		if blank(rec) {
			continue
		}
		row := Row{Line: n + 2, Fields: map[string]any{}}
		for j, col := range header {
			if col == "" || j >= len(rec) {
				continue
			}
			val := strings.TrimSpace(rec[j])
			switch col {
			case ColumnID:
				row.ID = val
			case ColumnPDFURL:
				row.Locator = val
			case ColumnLocator:
				if row.Locator == "" {
					row.Locator = val
				}
			default:
				if val != "" {
					row.Fields[col] = fieldValue(val)
				}
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// fieldValue keeps manifest cells as text, except plain integers such as years.
func fieldValue(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
