package ocr

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/joseph-ayodele/contract-tables/constants"
	"github.com/joseph-ayodele/contract-tables/internal/common"
	"github.com/joseph-ayodele/contract-tables/internal/extract"
)

// Config for the OCR backend.
type Config struct {
	Pdftoppm    string // path to pdftoppm
	DPI         int
	Language    string // tesseract language, e.g. "por"
	TessdataDir string
	MaxPages    int // 0 = all
}

// Recognizer reads the text of one page image.
type Recognizer interface {
	Text(ctx context.Context, image []byte) (string, error)
}

// Backend renders each page with pdftoppm and reads it with a Recognizer.
type Backend struct {
	cfg    Config
	runner extract.Runner
	rec    Recognizer
	log    *slog.Logger
}

func New(cfg Config, runner extract.Runner, rec Recognizer, logger *slog.Logger) *Backend {
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = extract.ExecRunner{Log: logger}
	}
	if rec == nil {
		rec = NewTesseract(cfg.Language, cfg.TessdataDir)
	}
	return &Backend{cfg: cfg, runner: runner, rec: rec, log: logger}
}

func (b *Backend) Name() string { return constants.BackendOCR }

func (b *Backend) Extract(ctx context.Context, doc extract.Document) (extract.Result, error) {
	start := time.Now()
	tmpDir, err := os.MkdirTemp("", "ct-ocr-*")
	if err != nil {
		return nil, common.NewBackendError("ocr: temp dir", 0, err, false)
	}
	defer func(path string) {
		if err := os.RemoveAll(path); err != nil {
			b.log.Warn("ocr.cleanup_failed", "dir", path, "error", err)
		}
	}(tmpDir)

	in := filepath.Join(tmpDir, "source.pdf")
	if err := os.WriteFile(in, doc.Bytes, 0o600); err != nil {
		return nil, common.NewBackendError("ocr: write source", 0, err, false)
	}

	prefix := filepath.Join(tmpDir, "page")
	args := []string{"-r", strconv.Itoa(b.cfg.DPI), "-png"}
	if b.cfg.MaxPages > 0 {
		args = append(args, "-l", strconv.Itoa(b.cfg.MaxPages))
	}
	args = append(args, in, prefix)
	// pdftoppm -r 300 -png <in.pdf> <tmp/page>
	if _, errb, err := b.runner.Run(ctx, b.cfg.Pdftoppm, args...); err != nil {
		return nil, common.NewBackendError("ocr: pdftoppm: "+string(errb), 0, err, false)
	}

	// prefix-1.png, prefix-2.png, ... zero padded to the page count width
	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if b.cfg.MaxPages > 0 && len(matches) > b.cfg.MaxPages {
		matches = matches[:b.cfg.MaxPages]
	}
	if len(matches) == 0 {
		return nil, common.NewBackendError("ocr: pdftoppm produced no images", 0, nil, false)
	}

	pages := make([]string, 0, len(matches))
	for i, img := range matches {
		data, err := os.ReadFile(img)
		if err != nil {
			return nil, common.NewBackendError("ocr: read page image", 0, err, false)
		}
		txt, err := b.rec.Text(ctx, data)
		if err != nil {
			b.log.Warn("ocr.page_failed", "item_id", doc.ItemID, "page", i+1, "error", err)
			pages = append(pages, "")
			continue
		}
		pages = append(pages, txt)
	}
	b.log.Info("ocr.extract.ok",
		"item_id", doc.ItemID,
		"pages", len(pages),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return &extract.TextResult{Pages: pages}, nil
}
