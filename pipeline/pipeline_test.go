package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alanbriolat/movie-archiver"
	"github.com/alanbriolat/movie-archiver/database"
	"github.com/alanbriolat/movie-archiver/movie"
	"github.com/alanbriolat/movie-archiver/resolve"
)

type fakeResolver struct {
	err   error
	hosts []string
}

func (r *fakeResolver) Resolve(_ context.Context, host string) (string, error) {
	r.hosts = append(r.hosts, host)
	if r.err != nil {
		return "", r.err
	}
	return "203.0.113.7", nil
}

type fakeCollector struct {
	links  []string
	err    error
	closed bool
}

func (c *fakeCollector) CollectLinks(context.Context, int, time.Duration) ([]string, error) {
	return c.links, c.err
}

func (c *fakeCollector) Close() error {
	c.closed = true
	return nil
}

type fakeExtractor struct {
	results map[string]*movie.Details
	visited []string
	closed  bool
}

func (e *fakeExtractor) ExtractDetails(_ context.Context, url string) (*movie.Details, error) {
	e.visited = append(e.visited, url)
	if d, ok := e.results[url]; ok {
		copied := *d
		return &copied, nil
	}
	return nil, errors.New("navigation timed out")
}

func (e *fakeExtractor) Close() error {
	e.closed = true
	return nil
}

type fakeDownloader struct {
	fail    map[string]bool
	headers map[string]string
	targets []string
}

func (d *fakeDownloader) Download(_ context.Context, url string, dest string, headers map[string]string, progress movie_archiver.ProgressFunc) error {
	d.headers = headers
	if d.fail[url] {
		return movie_archiver.ErrHTTPStatus
	}
	d.targets = append(d.targets, dest)
	progress(10, 10)
	return os.WriteFile(dest, []byte("0123456789"), 0644)
}

type fixture struct {
	config     *movie_archiver.Config
	db         *database.Database
	resolver   *fakeResolver
	collector  *fakeCollector
	extractor  *fakeExtractor
	downloader *fakeDownloader
	pipeline   *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	config := movie_archiver.NewConfig()
	config.DownloadDir = dir
	db, err := database.Open(filepath.Join(dir, "movies.db"), zap.NewNop())
	require_.NoError(t, err)
	require_.NoError(t, db.Initialize())
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		config:     config,
		db:         db,
		resolver:   &fakeResolver{},
		collector:  &fakeCollector{},
		extractor:  &fakeExtractor{results: map[string]*movie.Details{}},
		downloader: &fakeDownloader{fail: map[string]bool{}},
	}
	f.pipeline = New(config, db,
		WithResolver(f.resolver),
		WithCollectorFactory(func(targetIP string) (LinkCollector, error) {
			assert_.Equal(t, "203.0.113.7", targetIP)
			return f.collector, nil
		}),
		WithExtractorFactory(func(targetIP string) (DetailExtractor, error) {
			return f.extractor, nil
		}),
		WithDownloader(f.downloader),
		WithLogger(zap.NewNop()),
	)
	return f
}

func details(url string, apiURL string) *movie.Details {
	return &movie.Details{URL: url, Title: movie.Title{EN: url}, APIURL: apiURL}
}

func TestParseStage(t *testing.T) {
	assert := assert_.New(t)

	for _, s := range []string{"1", "2", "3", "all"} {
		stage, err := ParseStage(s)
		assert.NoError(err)
		assert.Equal(Stage(s), stage)
	}
	_, err := ParseStage("4")
	assert.ErrorIs(err, ErrInvalidStage)
}

func TestCollectLinks(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)

	_, err := f.db.InsertLinksIgnoringDuplicates([]string{"stale"})
	assert.NoError(err)
	f.collector.links = []string{"u1", "u2", "u1"}

	report, err := f.pipeline.CollectLinks(context.Background())
	assert.NoError(err)
	assert.Equal(2, report.Succeeded)
	assert.Equal(0, report.Failed)
	assert.NotEmpty(report.RunID)
	assert.True(f.collector.closed)
	assert.Equal([]string{"ge.movie"}, f.resolver.hosts)

	links, err := f.db.ListUnprocessedLinks()
	assert.NoError(err)
	sort.Strings(links)
	assert.Equal([]string{"u1", "u2"}, links)
}

func TestCollectLinksPartialFault(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)

	f.collector.links = []string{"u1"}
	f.collector.err = errors.New("tab crashed")

	report, err := f.pipeline.CollectLinks(context.Background())
	assert.NoError(err)
	assert.Equal(1, report.Succeeded)
	assert.Equal(1, report.Failed)
	assert.Error(report.Err())

	links, err := f.db.ListUnprocessedLinks()
	assert.NoError(err)
	assert.Equal([]string{"u1"}, links)
}

func TestResolutionFailureAbortsStage(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)

	_, err := f.db.InsertLinksIgnoringDuplicates([]string{"keep"})
	assert.NoError(err)
	f.resolver.err = resolve.ErrResolution

	_, err = f.pipeline.CollectLinks(context.Background())
	assert.ErrorIs(err, ErrPrecondition)
	assert.ErrorIs(err, resolve.ErrResolution)

	links, err := f.db.ListUnprocessedLinks()
	assert.NoError(err)
	assert.Equal([]string{"keep"}, links, "nothing is reset when the stage cannot start")

	_, err = f.pipeline.ExtractDetails(context.Background())
	assert.ErrorIs(err, ErrPrecondition)
	assert.Empty(f.extractor.visited)
}

func TestExtractDetails(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)

	_, err := f.db.InsertLinksIgnoringDuplicates([]string{"u1", "u2", "u3"})
	assert.NoError(err)
	f.extractor.results["u1"] = details("u1", "https://cdn.example/cd/GEO/SD/1.m3u8")
	f.extractor.results["u2"] = details("u2", "")

	report, err := f.pipeline.ExtractDetails(context.Background())
	assert.NoError(err)
	assert.Equal(2, report.Succeeded)
	assert.Equal(1, report.Failed)
	assert.Contains(report.Err().Error(), "u3")
	assert.True(f.extractor.closed)

	links, err := f.db.ListUnprocessedLinks()
	assert.NoError(err)
	assert.Equal([]string{"u3"}, links, "a failed link stays unprocessed")

	row, err := f.db.GetDetailByURL("u2")
	assert.NoError(err)
	if assert.NotNil(row) {
		assert.Equal("", *row.APIURL)
	}
}

func TestExtractDetailsRequireMediaURL(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)
	f.config.RequireMediaURL = true

	_, err := f.db.InsertLinksIgnoringDuplicates([]string{"u1"})
	assert.NoError(err)
	f.extractor.results["u1"] = details("u1", "")

	report, err := f.pipeline.ExtractDetails(context.Background())
	assert.NoError(err)
	assert.Equal(1, report.Failed)
	assert.ErrorIs(report.Err(), ErrEmptyMediaURL)

	row, err := f.db.GetDetailByURL("u1")
	assert.NoError(err)
	assert.Nil(row)
}

func TestExtractDetailsRefreshPolicy(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)

	_, err := f.db.InsertLinksIgnoringDuplicates([]string{"u1", "u2"})
	assert.NoError(err)
	f.extractor.results["u1"] = details("u1", "https://cdn.example/1.mp4")
	_, err = f.db.UpsertDetail(details("u1", "https://cdn.example/1.mp4"))
	assert.NoError(err)
	f.extractor.results["u2"] = details("u2", "https://cdn.example/2.mp4")

	f.config.RefreshPolicy = movie_archiver.RefreshNew
	_, err = f.pipeline.ExtractDetails(context.Background())
	assert.NoError(err)
	assert.Equal([]string{"u2"}, f.extractor.visited)

	f.extractor.visited = nil
	f.config.RefreshPolicy = movie_archiver.RefreshAll
	_, err = f.pipeline.ExtractDetails(context.Background())
	assert.NoError(err)
	sort.Strings(f.extractor.visited)
	assert.Equal([]string{"u1", "u2"}, f.extractor.visited)
}

func TestExtractDetailsCancelled(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)

	_, err := f.db.InsertLinksIgnoringDuplicates([]string{"u1"})
	assert.NoError(err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.pipeline.ExtractDetails(ctx)
	assert.ErrorIs(err, context.Canceled)
	assert.Empty(f.extractor.visited)
}

func TestDownloadMedia(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)

	_, err := f.db.InsertLinksIgnoringDuplicates([]string{"u1", "u2", "u3"})
	assert.NoError(err)
	id1, err := f.db.UpsertDetail(details("u1", "https://cdn.example/cd/GEO/SD/index.m3u8"))
	assert.NoError(err)
	_, err = f.db.UpsertDetail(details("u2", ""))
	assert.NoError(err)
	_, err = f.db.UpsertDetail(details("u3", "https://cdn.example/broken.mp4"))
	assert.NoError(err)
	f.downloader.fail["https://cdn.example/broken.mp4"] = true

	report, err := f.pipeline.DownloadMedia(context.Background())
	assert.NoError(err)
	assert.Equal(1, report.Succeeded)
	assert.Equal(2, report.Failed)
	assert.ErrorIs(report.Err(), ErrEmptyMediaURL)
	assert.ErrorIs(report.Err(), movie_archiver.ErrHTTPStatus)

	assert.Equal("https://ge.movie/", f.downloader.headers["Referer"])
	assert.Equal("bytes=0-", f.downloader.headers["Range"])
	assert.NotEmpty(f.downloader.headers["User-Agent"])

	target := filepath.Join(f.config.DownloadDir, "1.m3u8")
	assert.Equal([]string{target}, f.downloader.targets)
	assert.FileExists(target)

	row, err := f.db.GetDetailByURL("u1")
	assert.NoError(err)
	if assert.NotNil(row) {
		assert.Equal(id1, row.ID)
		assert.True(row.DownloadStatus)
		assert.Equal(target, *row.DownloadedPath)
	}

	pending, err := f.db.ListPendingDownloads()
	assert.NoError(err)
	assert.Len(pending, 2)
}

func TestRunAll(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)

	f.collector.links = []string{"u1", "u2"}
	f.extractor.results["u1"] = details("u1", "https://cdn.example/1.mp4")
	f.extractor.results["u2"] = details("u2", "https://cdn.example/2.mp4")

	reports, err := f.pipeline.Run(context.Background(), StageAll)
	assert.NoError(err)
	if assert.Len(reports, 3) {
		assert.Equal(StageLinks, reports[0].Stage)
		assert.Equal(StageDetails, reports[1].Stage)
		assert.Equal(StageDownloads, reports[2].Stage)
		assert.Equal(2, reports[2].Succeeded)
		assert.NotEqual(reports[0].RunID, reports[1].RunID)
	}
	assert.Len(f.downloader.targets, 2)

	// A second run downloads nothing new.
	f.downloader.targets = nil
	report, err := f.pipeline.DownloadMedia(context.Background())
	assert.NoError(err)
	assert.Equal(0, report.Succeeded+report.Failed)
}

func TestRunAllStopsOnPrecondition(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)
	f.resolver.err = resolve.ErrResolution

	reports, err := f.pipeline.RunAll(context.Background())
	assert.ErrorIs(err, ErrPrecondition)
	assert.Len(reports, 1)
}
