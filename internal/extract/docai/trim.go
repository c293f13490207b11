package docai

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joseph-ayodele/contract-tables/internal/common"
	"github.com/joseph-ayodele/contract-tables/internal/extract/geometry"
)

// needsTrim reports whether pdf has more pages than the processor accepts.
func (c *Client) needsTrim(pdf []byte) (bool, error) {
	n, err := geometry.PageCount(pdf)
	if err != nil {
		return false, err
	}
	return n > c.cfg.MaxPages, nil
}

// trim keeps the last MaxPages pages of pdf using qpdf.
func (c *Client) trim(ctx context.Context, pdf []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "ct-trim-*")
	if err != nil {
		return nil, common.NewBackendError("docai: temp dir", 0, err, false)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			c.log.Warn("docai.trim.cleanup_failed", "dir", dir, "error", err)
		}
	}()

	in := filepath.Join(dir, "in.pdf")
	out := filepath.Join(dir, "out.pdf")
	if err := os.WriteFile(in, pdf, 0o600); err != nil {
		return nil, common.NewBackendError("docai: write temp pdf", 0, err, false)
	}
	// qpdf in.pdf --pages . r30-r1 -- out.pdf
	rng := fmt.Sprintf("r%d-r1", c.cfg.MaxPages)
	if _, errb, err := c.runner.Run(ctx, c.cfg.Qpdf, in, "--pages", ".", rng, "--", out); err != nil {
		return nil, common.NewBackendError("docai: qpdf trim: "+string(errb), 0, err, false)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		return nil, common.NewBackendError("docai: read trimmed pdf", 0, err, false)
	}
	c.log.Info("docai.trim.ok", "max_pages", c.cfg.MaxPages, "bytes_in", len(pdf), "bytes_out", len(b))
	return b, nil
}
