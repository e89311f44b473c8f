// Package extract visits movie pages in a real browser, reads their metadata and recovers the media URL by
// watching the network traffic triggered by the embedded player.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/alanbriolat/movie-archiver"
	"github.com/alanbriolat/movie-archiver/async"
	"github.com/alanbriolat/movie-archiver/generic"
	"github.com/alanbriolat/movie-archiver/internal/sync_"
	"github.com/alanbriolat/movie-archiver/movie"
	"github.com/alanbriolat/movie-archiver/resolve"
	"github.com/alanbriolat/movie-archiver/util"
)

var ErrNavigation = errors.New("navigation failed")

const deviceName = "iPhone 12"

type Extractor struct {
	config     *movie_archiver.Config
	identities *movie_archiver.IdentityPool
	pw         *playwright.Playwright
	browser    playwright.Browser
	device     *playwright.DeviceDescriptor
	log        *zap.SugaredLogger
}

// New launches the browser used for every extraction in this run. If targetIP is set, the configured hostname is
// pinned to it.
func New(config *movie_archiver.Config, targetIP string, identities *movie_archiver.IdentityPool, logger *zap.Logger) (*Extractor, error) {
	if logger == nil {
		logger = zap.L()
	}
	if config.InstallBrowsers {
		if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}}); err != nil {
			return nil, fmt.Errorf("failed to install browser: %w", err)
		}
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	var args []string
	if targetIP != "" {
		args = append(args, "--host-resolver-rules="+resolve.HostResolverRule(config.Hostname, targetIP))
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(config.Headless),
		Args:     args,
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return &Extractor{
		config:     config,
		identities: identities,
		pw:         pw,
		browser:    browser,
		device:     pw.Devices[deviceName],
		log:        logger.Named("extract").Sugar(),
	}, nil
}

func (e *Extractor) Close() error {
	var result *multierror.Error
	if err := e.browser.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close browser: %w", err))
	}
	if err := e.pw.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to stop playwright: %w", err))
	}
	return result.ErrorOrNil()
}

func (e *Extractor) contextOptions() playwright.BrowserNewContextOptions {
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
		HasTouch:          playwright.Bool(true),
		IsMobile:          playwright.Bool(true),
	}
	if e.device != nil {
		opts.UserAgent = playwright.String(e.device.UserAgent)
		opts.Viewport = e.device.Viewport
		opts.DeviceScaleFactor = playwright.Float(e.device.DeviceScaleFactor)
	}
	if ua := e.identities.Next(); ua != "" {
		opts.UserAgent = playwright.String(ua)
	}
	return opts
}

// ExtractDetails loads one movie page in its own browser context. Only a failure to load the page is an error;
// if the player cannot be started the details are returned without a media URL.
func (e *Extractor) ExtractDetails(ctx context.Context, pageURL string) (*movie.Details, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := e.log.With("url", pageURL)

	bctx, err := e.browser.NewContext(e.contextOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	defer func() {
		if err := bctx.Close(); err != nil {
			log.Warnf("failed to close browser context: %v", err)
		}
	}()
	page, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	candidates := sync_.NewMutexed(generic.NewSet[string]())
	page.OnResponse(func(resp playwright.Response) {
		base := util.StripQuery(resp.URL())
		if !IsMediaURL(base) {
			return
		}
		_ = candidates.Locked(func(s generic.Set[string]) error {
			if s.Add(base) {
				log.Debugf("intercepted media URL %v", base)
			}
			return nil
		})
	})

	_, err = page.Goto(pageURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(milliseconds(e.config.NavigationTimeout)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrNavigation, pageURL, err)
	}
	html, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %v: %v", ErrNavigation, pageURL, err)
	}
	details := ParseDetailsPage(pageURL, strings.NewReader(html))

	iframeSrc, err := e.startPlayer(ctx, page, log)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Warnf("player interaction failed, continuing without it: %v", err)
	}

	var found generic.Set[string]
	_ = candidates.Locked(func(s generic.Set[string]) error {
		found = s.Clone()
		return nil
	})
	details.APIURL = SelectMediaURL(found, e.config.MediaMarkers, iframeSrc, pageURL)
	log.Infof("%d media candidates, selected %q", found.Count(), details.APIURL)
	return details, nil
}

// startPlayer taps the player iframe and waits for it to request its media. It returns the iframe src whenever the
// iframe was found, even if a later step failed.
func (e *Extractor) startPlayer(ctx context.Context, page playwright.Page, log *zap.SugaredLogger) (string, error) {
	iframe, err := page.WaitForSelector(e.config.PlayerSelector, playwright.PageWaitForSelectorOptions{
		Timeout: playwright.Float(milliseconds(e.config.PlayerWaitTimeout)),
	})
	if err != nil {
		return "", fmt.Errorf("player not found: %w", err)
	}
	if iframe == nil {
		return "", errors.New("player not found")
	}
	src := attribute(iframe, "src", log)

	frame, err := iframe.ContentFrame()
	if err != nil {
		return src, fmt.Errorf("failed to access player frame: %w", err)
	}
	err = frame.WaitForLoadState(playwright.FrameWaitForLoadStateOptions{
		State:   playwright.LoadStateDomcontentloaded,
		Timeout: playwright.Float(milliseconds(e.config.FrameLoadTimeout)),
	})
	if err != nil {
		return src, fmt.Errorf("player frame did not load: %w", err)
	}
	if err := async.Sleep(ctx, e.config.PlayerPause); err != nil {
		return src, err
	}
	err = frame.Locator("body").Tap(playwright.LocatorTapOptions{
		Timeout: playwright.Float(milliseconds(e.config.TapTimeout)),
	})
	if err != nil {
		return src, fmt.Errorf("failed to tap player: %w", err)
	}
	return src, async.Sleep(ctx, e.config.PlayerSettle)
}

type attributeReader interface {
	GetAttribute(name string) (string, error)
}

// attribute reads an element attribute, treating a failed read as an absent attribute.
func attribute(el attributeReader, name string, log *zap.SugaredLogger) string {
	value, err := el.GetAttribute(name)
	if err != nil {
		log.Debugf("failed to read %v attribute: %v", name, err)
		return ""
	}
	return value
}

func milliseconds(d time.Duration) float64 {
	return float64(d.Milliseconds())
}
