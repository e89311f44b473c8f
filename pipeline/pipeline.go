// Package pipeline runs the three stages: collect links, extract details, download media.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/r3labs/diff/v3"
	"go.uber.org/zap"

	"github.com/alanbriolat/movie-archiver"
	"github.com/alanbriolat/movie-archiver/database"
	"github.com/alanbriolat/movie-archiver/movie"
)

var (
	ErrEmptyMediaURL = errors.New("no media URL")
	ErrPrecondition  = errors.New("stage precondition failed")
	ErrInvalidStage  = errors.New("invalid stage")
)

type Stage string

const (
	StageLinks     Stage = "1"
	StageDetails   Stage = "2"
	StageDownloads Stage = "3"
	StageAll       Stage = "all"
)

func ParseStage(s string) (Stage, error) {
	switch stage := Stage(s); stage {
	case StageLinks, StageDetails, StageDownloads, StageAll:
		return stage, nil
	default:
		return "", fmt.Errorf("%w %q: expected 1, 2, 3 or all", ErrInvalidStage, s)
	}
}

func (s Stage) Name() string {
	switch s {
	case StageLinks:
		return "links"
	case StageDetails:
		return "details"
	case StageDownloads:
		return "downloads"
	default:
		return string(s)
	}
}

// Store is the persistence the stages need.
type Store interface {
	ResetLinks() error
	ResetProcessedFlags() error
	InsertLinksIgnoringDuplicates(urls []string) (int64, error)
	ListUnprocessedLinks() ([]string, error)
	GetDetailByURL(url string) (*database.Detail, error)
	UpsertDetail(details *movie.Details) (database.RowID, error)
	ListPendingDownloads() ([]database.PendingDownload, error)
	MarkDownloaded(id database.RowID, path string) error
}

type Resolver interface {
	Resolve(ctx context.Context, host string) (string, error)
}

type LinkCollector interface {
	CollectLinks(ctx context.Context, maxPages int, delay time.Duration) ([]string, error)
	Close() error
}

type DetailExtractor interface {
	ExtractDetails(ctx context.Context, url string) (*movie.Details, error)
	Close() error
}

// CollectorFactory and ExtractorFactory start a browser-backed collaborator with the target host pinned to
// targetIP.
type CollectorFactory func(targetIP string) (LinkCollector, error)
type ExtractorFactory func(targetIP string) (DetailExtractor, error)

// ProgressFactory creates the progress callback for one download, and a function to call when it is over.
type ProgressFactory func(label string) (movie_archiver.ProgressFunc, func())

// Report summarises one stage run. Per-item failures are counted and collected, never returned as the stage error.
type Report struct {
	Stage     Stage
	RunID     string
	Succeeded int
	Failed    int
	Errors    *multierror.Error
	Elapsed   time.Duration
}

func (r *Report) fail(err error) {
	r.Failed++
	r.Errors = multierror.Append(r.Errors, err)
}

// Err returns the collected per-item failures, or nil.
func (r *Report) Err() error {
	return r.Errors.ErrorOrNil()
}

type Pipeline struct {
	config       *movie_archiver.Config
	store        Store
	resolver     Resolver
	newCollector CollectorFactory
	newExtractor ExtractorFactory
	downloader   movie_archiver.Downloader
	identities   *movie_archiver.IdentityPool
	progress     ProgressFactory
	logger       *zap.Logger
}

type Option func(p *Pipeline)

func WithResolver(r Resolver) Option {
	return func(p *Pipeline) {
		p.resolver = r
	}
}

func WithCollectorFactory(f CollectorFactory) Option {
	return func(p *Pipeline) {
		p.newCollector = f
	}
}

func WithExtractorFactory(f ExtractorFactory) Option {
	return func(p *Pipeline) {
		p.newExtractor = f
	}
}

func WithDownloader(d movie_archiver.Downloader) Option {
	return func(p *Pipeline) {
		p.downloader = d
	}
}

func WithIdentities(identities *movie_archiver.IdentityPool) Option {
	return func(p *Pipeline) {
		p.identities = identities
	}
}

func WithProgress(f ProgressFactory) Option {
	return func(p *Pipeline) {
		p.progress = f
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func New(config *movie_archiver.Config, store Store, options ...Option) *Pipeline {
	p := &Pipeline{
		config: config,
		store:  store,
		logger: zap.L(),
	}
	for _, option := range options {
		option(p)
	}
	if p.downloader == nil {
		p.downloader = movie_archiver.NewDownloaderBuilder().
			WithChunkSize(config.ChunkSize).
			WithTimeout(config.HTTPTimeout).
			Build()
	}
	if p.identities == nil {
		p.identities = movie_archiver.NewIdentityPool(config.UserAgents)
	}
	if p.progress == nil {
		p.progress = func(label string) (movie_archiver.ProgressFunc, func()) {
			return movie_archiver.LogProgress(p.logger.Named("download"), label, 5*time.Second), func() {}
		}
	}
	return p
}

// Run runs one stage, or all three in order. A precondition failure stops the run; reports for the stages that
// ran are returned either way.
func (p *Pipeline) Run(ctx context.Context, stage Stage) ([]*Report, error) {
	switch stage {
	case StageLinks:
		return collect(p.CollectLinks(ctx))
	case StageDetails:
		return collect(p.ExtractDetails(ctx))
	case StageDownloads:
		return collect(p.DownloadMedia(ctx))
	case StageAll:
		return p.RunAll(ctx)
	default:
		return nil, fmt.Errorf("%w %q", ErrInvalidStage, stage)
	}
}

func collect(report *Report, err error) ([]*Report, error) {
	return []*Report{report}, err
}

func (p *Pipeline) RunAll(ctx context.Context) ([]*Report, error) {
	var reports []*Report
	for _, stage := range []func(context.Context) (*Report, error){p.CollectLinks, p.ExtractDetails, p.DownloadMedia} {
		report, err := stage(ctx)
		reports = append(reports, report)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

func (p *Pipeline) newRun(stage Stage) (*Report, *zap.SugaredLogger) {
	report := &Report{Stage: stage, RunID: uuid.NewString()}
	log := p.logger.Named("pipeline").Sugar().With("stage", stage.Name(), "run_id", report.RunID)
	return report, log
}

func (p *Pipeline) finish(report *Report, log *zap.SugaredLogger, start time.Time) {
	report.Elapsed = time.Since(start)
	log.Infof("stage finished in %v: %d succeeded, %d failed", report.Elapsed.Round(time.Millisecond), report.Succeeded, report.Failed)
}

func (p *Pipeline) resolveTarget(ctx context.Context) (string, error) {
	if p.resolver == nil {
		return "", nil
	}
	ip, err := p.resolver.Resolve(ctx, p.config.Hostname)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	return ip, nil
}

// CollectLinks replaces the stored links with a fresh crawl of the listing. Links found before a browser fault are
// still saved, and the fault is reported.
func (p *Pipeline) CollectLinks(ctx context.Context) (*Report, error) {
	report, log := p.newRun(StageLinks)
	defer p.finish(report, log, time.Now())
	if p.newCollector == nil {
		return report, fmt.Errorf("%w: no link collector configured", ErrPrecondition)
	}

	ip, err := p.resolveTarget(ctx)
	if err != nil {
		return report, err
	}
	collector, err := p.newCollector(ip)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	defer func() {
		if err := collector.Close(); err != nil {
			log.Warnf("failed to close link collector: %v", err)
		}
	}()

	if err := p.store.ResetLinks(); err != nil {
		return report, fmt.Errorf("failed to reset links: %w", err)
	}
	links, err := collector.CollectLinks(ctx, p.config.MaxPages, p.config.PageDelay)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && len(links) == 0 {
			return report, ctxErr
		}
		log.Warnf("link collection stopped early after %d links: %v", len(links), err)
		report.fail(err)
	}
	inserted, err := p.store.InsertLinksIgnoringDuplicates(links)
	if err != nil {
		return report, fmt.Errorf("failed to save links: %w", err)
	}
	report.Succeeded = int(inserted)
	log.Infof("saved %d new links (%d collected)", inserted, len(links))
	return report, ctx.Err()
}

// ExtractDetails visits every unprocessed link and saves what it finds. Which links are unprocessed depends on the
// configured refresh policy.
func (p *Pipeline) ExtractDetails(ctx context.Context) (*Report, error) {
	report, log := p.newRun(StageDetails)
	defer p.finish(report, log, time.Now())
	if p.newExtractor == nil {
		return report, fmt.Errorf("%w: no detail extractor configured", ErrPrecondition)
	}

	ip, err := p.resolveTarget(ctx)
	if err != nil {
		return report, err
	}
	extractor, err := p.newExtractor(ip)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	defer func() {
		if err := extractor.Close(); err != nil {
			log.Warnf("failed to close detail extractor: %v", err)
		}
	}()

	if p.config.RefreshPolicy == movie_archiver.RefreshAll {
		log.Info("resetting processed flags")
		if err := p.store.ResetProcessedFlags(); err != nil {
			return report, fmt.Errorf("failed to reset processed flags: %w", err)
		}
	}
	urls, err := p.store.ListUnprocessedLinks()
	if err != nil {
		return report, fmt.Errorf("failed to list links: %w", err)
	}
	log.Infof("%d links to process", len(urls))

	for i, url := range urls {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		itemLog := log.With("url", url)
		itemLog.Infof("extracting %d/%d", i+1, len(urls))
		if err := p.extractOne(ctx, extractor, url, itemLog); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			itemLog.Errorf("no details saved: %v", err)
			report.fail(fmt.Errorf("%v: %w", url, err))
			continue
		}
		report.Succeeded++
	}
	return report, nil
}

func (p *Pipeline) extractOne(ctx context.Context, extractor DetailExtractor, url string, log *zap.SugaredLogger) error {
	details, err := extractor.ExtractDetails(ctx, url)
	if err != nil {
		return err
	}
	if details.APIURL == "" {
		if p.config.RequireMediaURL {
			return ErrEmptyMediaURL
		}
		log.Warn("no media URL recovered, saving details without one")
	}
	p.logChanges(url, details, log)
	if _, err := p.store.UpsertDetail(details); err != nil {
		return fmt.Errorf("failed to save details: %w", err)
	}
	return nil
}

// logChanges logs how re-extracted details differ from what was stored before.
func (p *Pipeline) logChanges(url string, details *movie.Details, log *zap.SugaredLogger) {
	previous, err := p.store.GetDetailByURL(url)
	if err != nil {
		log.Debugf("could not load previous details: %v", err)
		return
	}
	if previous == nil {
		return
	}
	changelog, err := diff.Diff(*previous, database.NewDetail(details))
	if err != nil {
		log.Debugf("could not compare details: %v", err)
		return
	}
	for _, change := range changelog {
		log.Debugf("%v %v: %v -> %v", change.Type, change.Path, change.From, change.To)
	}
	if len(changelog) > 0 {
		log.Infof("%d fields changed since the last extraction", len(changelog))
	}
}

// DownloadMedia downloads every detail that has not been downloaded yet. Details without a media URL are reported
// as failures and left as they are.
func (p *Pipeline) DownloadMedia(ctx context.Context) (*Report, error) {
	report, log := p.newRun(StageDownloads)
	defer p.finish(report, log, time.Now())

	pending, err := p.store.ListPendingDownloads()
	if err != nil {
		return report, fmt.Errorf("failed to list pending downloads: %w", err)
	}
	log.Infof("%d pending downloads", len(pending))
	headers := p.downloadHeaders()

	for i, item := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		itemLog := log.With("id", item.ID)
		if item.APIURL == "" {
			itemLog.Warn("skipping, no media URL")
			report.fail(fmt.Errorf("detail %d: %w", item.ID, ErrEmptyMediaURL))
			continue
		}
		itemLog.Infof("downloading %d/%d: %v", i+1, len(pending), item.APIURL)
		if err := p.downloadOne(ctx, item, headers); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			itemLog.Errorf("download failed: %v", err)
			report.fail(fmt.Errorf("detail %d: %w", item.ID, err))
			continue
		}
		report.Succeeded++
	}
	return report, nil
}

func (p *Pipeline) downloadOne(ctx context.Context, item database.PendingDownload, headers map[string]string) error {
	target, err := p.config.TargetPath(item.ID, item.APIURL)
	if err != nil {
		return err
	}
	progress, done := p.progress(filepath.Base(target))
	err = p.downloader.Download(movie_archiver.WithLogger(ctx, p.logger.Named("download")), item.APIURL, target, headers, progress)
	done()
	if err != nil {
		return err
	}
	if err := p.store.MarkDownloaded(item.ID, target); err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}
	return nil
}

func (p *Pipeline) downloadHeaders() map[string]string {
	headers := make(map[string]string, len(p.config.DownloadHeaders)+1)
	for name, value := range p.config.DownloadHeaders {
		headers[http.CanonicalHeaderKey(name)] = value
	}
	if _, ok := headers["User-Agent"]; !ok {
		if ua := p.identities.Next(); ua != "" {
			headers["User-Agent"] = ua
		}
	}
	return headers
}
