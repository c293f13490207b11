package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/contract-tables/constants"
	"github.com/joseph-ayodele/contract-tables/internal/common"
	"github.com/joseph-ayodele/contract-tables/internal/core"
	"github.com/joseph-ayodele/contract-tables/internal/export"
	"github.com/joseph-ayodele/contract-tables/internal/extract"
	"github.com/joseph-ayodele/contract-tables/internal/extract/docai"
	"github.com/joseph-ayodele/contract-tables/internal/extract/geometry"
	"github.com/joseph-ayodele/contract-tables/internal/extract/ocr"
	"github.com/joseph-ayodele/contract-tables/internal/fetch"
	"github.com/joseph-ayodele/contract-tables/internal/llm"
	"github.com/joseph-ayodele/contract-tables/internal/llm/openai"
	"github.com/joseph-ayodele/contract-tables/internal/ratelimit"
	"github.com/joseph-ayodele/contract-tables/internal/repository"
)

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg    *common.Config
	logger *slog.Logger
	db     *repository.DB
	repo   repository.WorkItemRepository
}

func openApp(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*app, error) {
	db, err := repository.Open(ctx, repository.Config{
		DSN:              cfg.Database.DSN,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &app{cfg: cfg, logger: logger, db: db, repo: repository.NewWorkItemRepository(db, logger)}, nil
}

func (a *app) Close() {
	a.db.Close()
}

func (a *app) fetcher() fetch.Fetcher {
	return fetch.New(fetch.Config{
		Timeout:    a.cfg.Fetch.Timeout,
		MaxRetries: a.cfg.Fetch.MaxRetries,
		RetryDelay: a.cfg.Fetch.RetryDelay,
	}, a.logger)
}

// backends builds the configured chain in order.
func (a *app) backends() ([]extract.Backend, error) {
	runner := extract.ExecRunner{Log: a.logger}
	var docaiClient *extract.Memo
	docaiOnce := func() *extract.Memo {
		if docaiClient == nil {
			c := a.cfg.DocAI
			client := docai.New(docai.Config{
				Endpoint:    c.Endpoint,
				AccessToken: c.AccessToken,
				Timeout:     c.Timeout,
				MaxRetries:  c.MaxRetries,
				RetryDelay:  c.RetryDelay,
				MaxPages:    c.MaxPages,
				UseStorage:  c.UseStorage,
				Qpdf:        c.Qpdf,
			}, runner, a.logger)
			// docai and llm share one layout call per document
			docaiClient = extract.NewMemo(client, max(2*a.cfg.Worker.Count, 4))
		}
		return docaiClient
	}

	chain := make([]extract.Backend, 0, len(a.cfg.Backends))
	for _, name := range a.cfg.Backends {
		switch name {
		case constants.BackendGeometry:
			chain = append(chain, geometry.New(geometry.DefaultOptions(), a.logger))
		case constants.BackendOCR:
			c := a.cfg.OCR
			chain = append(chain, ocr.New(ocr.Config{
				Pdftoppm:    c.Pdftoppm,
				DPI:         c.DPI,
				Language:    c.Language,
				TessdataDir: c.TessdataDir,
				MaxPages:    c.MaxPages,
			}, runner, ocr.NewTesseract(c.Language, c.TessdataDir), a.logger))
		case constants.BackendDocAI:
			chain = append(chain, docaiOnce())
		case constants.BackendLLM:
			c := a.cfg.LLM
			model := openai.NewClient(openai.Config{
				APIKey:      c.APIKey,
				BaseURL:     c.BaseURL,
				Model:       c.Model,
				Temperature: c.Temperature,
				Timeout:     c.Timeout,
				MaxRetries:  c.MaxRetries,
				RetryDelay:  c.RetryDelay,
			}, a.logger)
			chain = append(chain, llm.NewReparser(docaiOnce(), model, a.logger))
		default:
			return nil, common.NewAppError(common.CodeConfig, fmt.Sprintf("unknown backend %q", name), common.ErrInvalidInput)
		}
	}
	return chain, nil
}

// processor wires the fetcher, the backend chain and the shared limiter.
// The returned func releases the limiter's connection.
func (a *app) processor() (*core.Processor, func() error, error) {
	chain, err := a.backends()
	if err != nil {
		return nil, nil, err
	}
	r := a.cfg.Redis
	limiter, closeLimiter := ratelimit.New(ratelimit.Config{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
		Key:      r.Key,
		Limit:    r.Limit,
		Window:   r.Window,
	}, a.logger)

	opts := []core.ProcessorOption{core.WithRetries(a.cfg.Worker.MaxAttempts, a.cfg.Fetch.RetryDelay)}
	if limiter != nil {
		opts = append(opts, core.WithLimiter(limiter))
	}
	p := core.NewProcessor(a.logger, a.fetcher(), chain, opts...)
	a.logger.Info("processor.ready", "backends", p.Backends(), "shared_limit", r.Addr != "")
	return p, closeLimiter, nil
}

func (a *app) exporter(ctx context.Context) (*export.Service, error) {
	var opts []export.Option
	if m := a.cfg.Export.Minio; m.Endpoint != "" {
		up, err := export.NewMinioUploader(export.MinioConfig{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			UseSSL:    m.UseSSL,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		if err := up.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		opts = append(opts, export.WithUploader(up))
	}
	return export.NewService(a.repo, a.fetcher(), a.cfg.Export.Dir, a.logger, opts...), nil
}
