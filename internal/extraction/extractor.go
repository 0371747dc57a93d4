// Package extraction turns fetched article documents into text. PDFs go
// through a text-layer pass and, when enabled per source, OCR.
package extraction

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/civicwire/civicwire/internal/blobstore"
	"github.com/civicwire/civicwire/internal/ingestion"
	"github.com/civicwire/civicwire/internal/metrics"
	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/normalize"
)

// ErrNotPDF is returned when a fetched document is not a PDF.
var ErrNotPDF = errors.New("document is not a PDF")

// ErrArticleNotFound is returned when the article to extract does not exist.
var ErrArticleNotFound = errors.New("article not found")

const (
	pdfMagic      = "%PDF-"
	stderrExcerpt = 512
)

// Store is the persistence the extractor needs.
type Store interface {
	GetArticle(ctx context.Context, id int64) (*models.Article, error)
	UpdateArticle(ctx context.Context, article *models.Article) error
	GetBody(ctx context.Context, articleID int64) (*models.ArticleBody, error)
	SaveBody(ctx context.Context, body *models.ArticleBody) error
	GetScrapeSource(ctx context.Context, id int64) (*models.ScrapeSource, error)
}

// EnrichmentDispatcher queues analysis of an article.
type EnrichmentDispatcher interface {
	DispatchEnrichment(ctx context.Context, articleID int64) (bool, error)
}

// Reindexer refreshes the search document of an article.
type Reindexer interface {
	ReindexQuietly(ctx context.Context, articleID int64)
}

// Config holds tool locations and limits.
type Config struct {
	PdftotextPath   string
	PdftoppmPath    string
	TesseractPath   string
	OCRLanguage     string
	RasterDPI       int
	DefaultMaxPages int
	SummaryLength   int // runes of the backfilled summary
	// ToolRetry covers tools that could not run (start failure, timeout).
	// A nonzero exit is a verdict on the document and is never retried.
	ToolRetry ingestion.RetryPolicy
}

// DefaultConfig returns tool names resolved through PATH.
func DefaultConfig() Config {
	return Config{
		PdftotextPath:   "pdftotext",
		PdftoppmPath:    "pdftoppm",
		TesseractPath:   "tesseract",
		OCRLanguage:     "eng",
		RasterDPI:       300,
		DefaultMaxPages: 20,
		SummaryLength:   280,
		ToolRetry: ingestion.RetryPolicy{
			MaxRetries:     2,
			InitialBackoff: time.Second,
			MaxBackoff:     5 * time.Second,
			BackoffFactor:  2.0,
		},
	}
}

// Result reports the outcome of one extraction attempt.
type Result struct {
	ArticleID        int64
	Status           models.ExtractionStatus
	MeaningfulLength int
	Enriched         bool // enrichment was dispatched
	Err              error
}

// Extractor runs the extraction state machine for one article at a time.
type Extractor struct {
	store    Store
	fetcher  ingestion.Fetcher
	blobs    blobstore.Store
	runner   CommandRunner
	reindex  Reindexer
	enrich   EnrichmentDispatcher
	metrics  *metrics.PipelineCollector
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	tempRoot string
}

// New creates an extractor. metrics may be nil.
func New(
	store Store,
	fetcher ingestion.Fetcher,
	blobs blobstore.Store,
	runner CommandRunner,
	reindex Reindexer,
	enrich EnrichmentDispatcher,
	collector *metrics.PipelineCollector,
	cfg Config,
	logger *slog.Logger,
) *Extractor {
	def := DefaultConfig()
	if cfg.PdftotextPath == "" {
		cfg.PdftotextPath = def.PdftotextPath
	}
	if cfg.PdftoppmPath == "" {
		cfg.PdftoppmPath = def.PdftoppmPath
	}
	if cfg.TesseractPath == "" {
		cfg.TesseractPath = def.TesseractPath
	}
	if cfg.OCRLanguage == "" {
		cfg.OCRLanguage = def.OCRLanguage
	}
	if cfg.RasterDPI <= 0 {
		cfg.RasterDPI = def.RasterDPI
	}
	if cfg.DefaultMaxPages <= 0 {
		cfg.DefaultMaxPages = def.DefaultMaxPages
	}
	if cfg.SummaryLength <= 0 {
		cfg.SummaryLength = def.SummaryLength
	}
	return &Extractor{
		store:   store,
		fetcher: fetcher,
		blobs:   blobs,
		runner:  runner,
		reindex: reindex,
		enrich:  enrich,
		metrics: collector,
		cfg:     cfg,
		logger:  logger.With("component", "extractor"),
		now:     time.Now,
	}
}

// Outcome tags the result of a step.
type Outcome string

const (
	OutcomeContinue   Outcome = "continue"
	OutcomeSuccess    Outcome = "success"
	OutcomeOCRSuccess Outcome = "ocr_success"
	OutcomeEmpty      Outcome = "empty"
	OutcomeFailed     Outcome = "failed"
)

// StepResult is what a step hands to the chain. Any outcome other than
// OutcomeContinue ends the chain.
type StepResult struct {
	Outcome  Outcome
	Err      error
	ExitCode *int
	Bytes    int
	Stderr   string
}

func proceed(n int) StepResult { return StepResult{Outcome: OutcomeContinue, Bytes: n} }

func fail(err error) StepResult { return StepResult{Outcome: OutcomeFailed, Err: err} }

type step struct {
	name string
	run  func(ctx context.Context, a *attempt) StepResult
}

// attempt is the state threaded through the steps of one extraction.
type attempt struct {
	articleID   int64
	cfg         models.SourceConfig
	url         string
	data        []byte
	contentType string
	dir         string
	pdfPath     string
	text        string
	storagePath string
	sourceHash  string
	meta        models.ExtractionMeta
}

func (a *attempt) cleanup() {
	if a.dir != "" {
		os.RemoveAll(a.dir)
	}
}

func (e *Extractor) steps() []step {
	return []step{
		{"fetch", e.fetch},
		{"store", e.storeRaw},
		{"sniff", e.sniff},
		{"pdftotext", e.textLayer},
		{"meaningful_length", e.measure},
		{"rasterize", e.rasterize},
		{"ocr", e.ocr},
	}
}

// Extract runs the pipeline for an article. The returned error is reserved
// for persistence failures; extraction failures are reported in Result and
// recorded on the article body.
func (e *Extractor) Extract(ctx context.Context, articleID int64) (Result, error) {
	logger := e.logger.With("article_id", articleID)

	article, err := e.store.GetArticle(ctx, articleID)
	if err != nil {
		return Result{}, fmt.Errorf("load article: %w", err)
	}
	if article == nil {
		return Result{}, ErrArticleNotFound
	}

	var cfg models.SourceConfig
	src, err := e.store.GetScrapeSource(ctx, article.ScrapeSourceID)
	if err != nil {
		return Result{}, fmt.Errorf("load scrape source: %w", err)
	}
	if src != nil {
		cfg = src.Config
	}

	a := &attempt{
		articleID: articleID,
		cfg:       cfg,
		url:       article.CanonicalURL,
		meta:      models.ExtractionMeta{SourceURL: article.CanonicalURL},
	}
	defer a.cleanup()

	if !cfg.ExtractEnabled() {
		a.meta.Record(models.ExtractionStep{Name: "config", Outcome: string(models.ExtractionSkipped)})
		return e.finish(ctx, article, a, models.ExtractionSkipped, nil, logger)
	}

	outcome := OutcomeFailed
	var stepErr error
	for _, s := range e.steps() {
		start := e.now()
		res := s.run(ctx, a)
		rec := models.ExtractionStep{
			Name:       s.name,
			Outcome:    string(res.Outcome),
			ExitCode:   res.ExitCode,
			Bytes:      res.Bytes,
			Stderr:     res.Stderr,
			DurationMS: e.now().Sub(start).Milliseconds(),
		}
		if res.Err != nil {
			rec.Error = res.Err.Error()
		}
		a.meta.Record(rec)

		if res.Outcome != OutcomeContinue {
			outcome, stepErr = res.Outcome, res.Err
			break
		}
	}

	return e.finish(ctx, article, a, models.ExtractionStatus(outcome), stepErr, logger)
}

// finish persists the body and runs the success side effects.
func (e *Extractor) finish(ctx context.Context, article *models.Article, a *attempt, status models.ExtractionStatus, stepErr error, logger *slog.Logger) (Result, error) {
	body, err := e.store.GetBody(ctx, article.ID)
	if err != nil {
		return Result{}, fmt.Errorf("load body: %w", err)
	}
	if body == nil {
		body = &models.ArticleBody{ArticleID: article.ID}
	}

	now := e.now().UTC()
	body.ExtractionStatus = status
	body.ExtractionMeta = a.meta
	body.StoragePath = a.storagePath
	body.SourceHash = a.sourceHash
	body.ExtractedAt = &now
	body.ExtractionError = ""
	body.RawText, body.CleanedText = "", ""
	if stepErr != nil {
		body.ExtractionError = stepErr.Error()
	}
	if status == models.ExtractionSuccess || status == models.ExtractionOCRSuccess {
		body.RawText = a.text
		body.CleanedText = normalize.CleanText(a.text)
	}

	if err := e.store.SaveBody(ctx, body); err != nil {
		return Result{}, fmt.Errorf("save body: %w", err)
	}
	e.metrics.ObserveExtraction(string(status))

	res := Result{ArticleID: article.ID, Status: status, MeaningfulLength: a.meta.Meaningful, Err: stepErr}
	logger.Info("extraction finished",
		"status", string(status),
		"meaningful_length", a.meta.Meaningful,
		"ocr_used", a.meta.OCRUsed,
		"error", body.ExtractionError,
	)

	if body.CleanedText == "" {
		return res, nil
	}

	if article.Summary == "" {
		article.Summary = normalize.Excerpt(body.CleanedText, e.cfg.SummaryLength)
		if err := e.store.UpdateArticle(ctx, article); err != nil {
			return res, fmt.Errorf("backfill summary: %w", err)
		}
	}
	if e.reindex != nil {
		e.reindex.ReindexQuietly(ctx, article.ID)
	}
	if e.enrich != nil {
		queued, err := e.enrich.DispatchEnrichment(ctx, article.ID)
		if err != nil {
			logger.Warn("failed to dispatch enrichment", "error", err)
		}
		res.Enriched = queued
	}
	return res, nil
}

func (e *Extractor) fetch(ctx context.Context, a *attempt) StepResult {
	resp, err := e.fetcher.Fetch(ctx, a.url, a.cfg.Headers)
	if err != nil {
		return fail(err)
	}
	a.data = resp.Body
	a.contentType = resp.ContentType
	a.meta.ContentType = resp.ContentType
	a.meta.Bytes = len(resp.Body)

	sum := sha256.Sum256(resp.Body)
	a.sourceHash = hex.EncodeToString(sum[:])
	return proceed(len(resp.Body))
}

func (e *Extractor) storeRaw(ctx context.Context, a *attempt) StepResult {
	path, err := e.blobs.Put(ctx, blobstore.KeyForURL(a.url), a.data, a.contentType)
	if err != nil {
		return fail(fmt.Errorf("store raw document: %w", err))
	}
	a.storagePath = path
	return proceed(len(a.data))
}

func (e *Extractor) sniff(_ context.Context, a *attempt) StepResult {
	if !isPDF(a.contentType, a.data) {
		return fail(fmt.Errorf("%w: content type %q", ErrNotPDF, a.contentType))
	}
	return proceed(len(a.data))
}

// isPDF trusts the magic bytes over the declared type, which servers often
// get wrong for downloads.
func isPDF(contentType string, data []byte) bool {
	if bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), []byte(pdfMagic)) {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/pdf"
}

func (e *Extractor) textLayer(ctx context.Context, a *attempt) StepResult {
	dir, err := os.MkdirTemp(e.tempRoot, "extract-*")
	if err != nil {
		return fail(fmt.Errorf("create temp dir: %w", err))
	}
	a.dir = dir
	a.pdfPath = filepath.Join(dir, "source.pdf")
	if err := os.WriteFile(a.pdfPath, a.data, 0o600); err != nil {
		return fail(fmt.Errorf("write temp pdf: %w", err))
	}

	out, res := e.tool(ctx, e.cfg.PdftotextPath, "-layout", "-enc", "UTF-8", a.pdfPath, "-")
	if res.Outcome == OutcomeFailed {
		return res
	}
	a.text = string(out)
	res.Bytes = len(out)
	return res
}

func (e *Extractor) measure(_ context.Context, a *attempt) StepResult {
	a.meta.Meaningful = normalize.MeaningfulLength(a.text)
	switch {
	case a.meta.Meaningful > 0:
		return StepResult{Outcome: OutcomeSuccess, Bytes: a.meta.Meaningful}
	case !a.cfg.PDF.OCR:
		return StepResult{Outcome: OutcomeEmpty}
	default:
		return proceed(0)
	}
}

func (e *Extractor) rasterize(ctx context.Context, a *attempt) StepResult {
	maxPages := a.cfg.PDF.MaxPages
	if maxPages <= 0 {
		maxPages = e.cfg.DefaultMaxPages
	}
	a.meta.OCRUsed = true

	prefix := filepath.Join(a.dir, "page")
	_, res := e.tool(ctx, e.cfg.PdftoppmPath,
		"-r", strconv.Itoa(e.cfg.RasterDPI),
		"-f", "1", "-l", strconv.Itoa(maxPages),
		"-png", a.pdfPath, prefix)
	if res.Outcome == OutcomeFailed {
		return res
	}

	pages, err := pageImages(a.dir)
	if err != nil {
		return fail(err)
	}
	if len(pages) == 0 {
		return StepResult{Outcome: OutcomeEmpty}
	}
	res.Bytes = len(pages)
	return res
}

func (e *Extractor) ocr(ctx context.Context, a *attempt) StepResult {
	pages, err := pageImages(a.dir)
	if err != nil {
		return fail(err)
	}

	var sb strings.Builder
	for i, img := range pages {
		out, res := e.tool(ctx, e.cfg.TesseractPath, img, "stdout", "-l", e.cfg.OCRLanguage)
		if res.Outcome == OutcomeFailed {
			// Pages read so far stay in the diagnostics only.
			res.Err = fmt.Errorf("page %d: %w", i+1, res.Err)
			return res
		}
		text := normalize.CleanText(string(out))
		a.meta.PageLengths = append(a.meta.PageLengths, normalize.MeaningfulLength(text))
		if i > 0 {
			fmt.Fprintf(&sb, "\n\n--- page %d ---\n\n", i+1)
		}
		sb.WriteString(text)
	}

	a.text = sb.String()
	a.meta.Meaningful = 0
	for _, n := range a.meta.PageLengths {
		a.meta.Meaningful += n
	}
	if a.meta.Meaningful == 0 {
		a.text = ""
		return StepResult{Outcome: OutcomeEmpty}
	}
	return StepResult{Outcome: OutcomeOCRSuccess, Bytes: len(a.text)}
}

// tool runs an external binary and maps its exit into a StepResult.
func (e *Extractor) tool(ctx context.Context, name string, args ...string) ([]byte, StepResult) {
	var out CommandResult
	err := e.cfg.ToolRetry.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		out, err = e.runner.Run(ctx, name, args...)
		if err == nil || ctx.Err() != nil {
			return err
		}
		if attempt < e.cfg.ToolRetry.MaxRetries {
			e.logger.Warn("tool did not run, retrying", "tool", filepath.Base(name), "attempt", attempt+1, "error", err)
		}
		return ingestion.Retryable(err, 0)
	})
	stderr := excerpt(out.Stderr)
	if err != nil {
		res := fail(err)
		res.Stderr = stderr
		return nil, res
	}
	code := out.ExitCode
	res := StepResult{Outcome: OutcomeContinue, ExitCode: &code, Stderr: stderr}
	if code != 0 {
		res.Outcome = OutcomeFailed
		res.Err = &ToolError{Tool: filepath.Base(name), ExitCode: code, Stderr: stderr}
		return nil, res
	}
	return out.Stdout, res
}

// excerpt trims tool output to stderrExcerpt bytes without splitting a rune.
func excerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= stderrExcerpt {
		return s
	}
	cut := stderrExcerpt
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// pageImages lists rasterized pages in page order. pdftoppm zero-pads page
// numbers to the width of the last page, so names are sorted numerically.
func pageImages(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil {
		return nil, err
	}
	num := func(p string) int {
		base := strings.TrimSuffix(filepath.Base(p), ".png")
		n, _ := strconv.Atoi(strings.TrimPrefix(base, "page-"))
		return n
	}
	sort.Slice(matches, func(i, j int) bool { return num(matches[i]) < num(matches[j]) })
	return matches, nil
}
