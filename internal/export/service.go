package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joseph-ayodele/contract-tables/constants"
	"github.com/joseph-ayodele/contract-tables/internal/common"
	"github.com/joseph-ayodele/contract-tables/internal/entity"
	"github.com/joseph-ayodele/contract-tables/internal/fetch"
	"github.com/joseph-ayodele/contract-tables/internal/repository"
)

// Bundle file names.
const (
	FileSource    = "source.pdf"
	FileLink      = "source_link.txt"
	FileRawOutput = "raw_output.json"
	FileResult    = "result.json"
	FileWorkbook  = "result.xlsx"
)

const dirPrefix = "export_"

// Uploader stores one exported file remotely.
type Uploader interface {
	Upload(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) error
}

// Bundle describes one export_N directory.
type Bundle struct {
	ItemID   string   `json:"item_id"`
	Dir      string   `json:"dir"`
	Files    []string `json:"files"`
	Uploaded bool     `json:"uploaded"`
}

// Service writes review bundles for processed items.
type Service struct {
	repo     repository.WorkItemRepository
	fetcher  fetch.Fetcher
	root     string
	uploader Uploader
	logger   *slog.Logger
}

type Option func(*Service)

// WithUploader copies every bundle file to u under export_N/.
func WithUploader(u Uploader) Option {
	return func(s *Service) { s.uploader = u }
}

func NewService(repo repository.WorkItemRepository, fetcher fetch.Fetcher, root string, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{repo: repo, fetcher: fetcher, root: root, logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ExportItem writes the bundle for one item. The item must have a result.
func (s *Service) ExportItem(ctx context.Context, id string) (Bundle, error) {
	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return Bundle{}, err
	}
	if item.Status != constants.StatusSuccess {
		return Bundle{}, fmt.Errorf("export %s: %w: status is %s, not success", id, common.ErrInvalidInput, item.Status)
	}
	return s.export(ctx, item)
}

// ExportSample writes bundles for n random items with a result.
func (s *Service) ExportSample(ctx context.Context, n int) ([]Bundle, error) {
	items, err := s.repo.Sample(ctx, repository.Filter{Statuses: []constants.ItemStatus{constants.StatusSuccess}}, n)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		s.logger.Info("export.sample.empty")
		return nil, nil
	}
	bundles := make([]Bundle, 0, len(items))
	for _, item := range items {
		b, err := s.export(ctx, item)
		if err != nil {
			return bundles, err
		}
		bundles = append(bundles, b)
	}
	return bundles, nil
}

func (s *Service) export(ctx context.Context, item *entity.WorkItem) (Bundle, error) {
	start := time.Now()
	dir, err := nextDir(s.root)
	if err != nil {
		return Bundle{}, err
	}
	b := Bundle{ItemID: item.ID, Dir: dir}
	write := func(name string, data []byte) error {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		b.Files = append(b.Files, name)
		return nil
	}

	var fetchErr error
	pdf, err := s.fetcher.Fetch(ctx, item.SourceLocator)
	if err != nil {
		fetchErr = err
		s.logger.Warn("export.fetch.failed", "item_id", item.ID, "locator", item.SourceLocator, "error", err)
	} else if err := write(FileSource, pdf); err != nil {
		return b, err
	}
	if err := write(FileLink, linkFile(item, fetchErr)); err != nil {
		return b, err
	}

	raw, err := prettyJSON(item.RawOutput)
	if err != nil {
		return b, err
	}
	if err := write(FileRawOutput, raw); err != nil {
		return b, err
	}

	tables := item.Result
	if tables == nil {
		tables = []entity.NormalizedTable{}
	}
	result, err := json.MarshalIndent(tables, "", "  ")
	if err != nil {
		return b, fmt.Errorf("encode result: %w", err)
	}
	if err := write(FileResult, result); err != nil {
		return b, err
	}

	xlsx, err := WorkbookXLSX(tables)
	if err != nil {
		return b, err
	}
	if err := write(FileWorkbook, xlsx); err != nil {
		return b, err
	}

	if s.uploader != nil {
		if err := s.upload(ctx, b); err != nil {
			return b, err
		}
		b.Uploaded = true
	}

	s.logger.Info("export.ok",
		"item_id", item.ID,
		"dir", dir,
		"tables", len(tables),
		"uploaded", b.Uploaded,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return b, nil
}

func (s *Service) upload(ctx context.Context, b Bundle) error {
	prefix := filepath.Base(b.Dir)
	for _, name := range b.Files {
		data, err := os.ReadFile(filepath.Join(b.Dir, name))
		if err != nil {
			return err
		}
		object := prefix + "/" + name
		if err := s.uploader.Upload(ctx, object, bytes.NewReader(data), int64(len(data)), contentType(name)); err != nil {
			return fmt.Errorf("upload %s: %w", object, err)
		}
	}
	return nil
}

// nextDir creates root/export_N for the smallest N above every existing one.
func nextDir(root string) (string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}
	next := 1
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), dirPrefix)); err == nil && n >= next {
			next = n + 1
		}
	}
	for {
		dir := filepath.Join(root, dirPrefix+strconv.Itoa(next))
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
		next++
	}
}

func linkFile(item *entity.WorkItem, fetchErr error) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Item ID: %s\n", item.ID)
	keys := make([]string, 0, len(item.Fields))
	for k := range item.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %v\n", k, item.Fields[k])
	}
	fmt.Fprintf(&sb, "Backend: %s\n", item.Backend)
	fmt.Fprintf(&sb, "Source:\n%s\n", item.SourceLocator)
	if fetchErr != nil {
		fmt.Fprintf(&sb, "\nPDF not downloaded: %v\n", fetchErr)
	}
	return []byte(sb.String())
}

func prettyJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null\n"), nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		// stored as-is
		return raw, nil
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".pdf":
		return constants.MimePDF
	case ".json":
		return "application/json"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/plain; charset=utf-8"
}
