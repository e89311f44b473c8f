package crawl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/alanbriolat/movie-archiver"
	"github.com/alanbriolat/movie-archiver/resolve"
)

const pageReadTimeout = 10 * time.Second

// ChromeFetcher renders listing pages in one headless Chrome, with a fresh tab per page.
type ChromeFetcher struct {
	config        *movie_archiver.Config
	identities    *movie_archiver.IdentityPool
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	log           *zap.SugaredLogger
}

// NewChromeFetcher starts the browser. If targetIP is set, the configured hostname is pinned to it.
func NewChromeFetcher(config *movie_archiver.Config, targetIP string, identities *movie_archiver.IdentityPool, logger *zap.Logger) (*ChromeFetcher, error) {
	if logger == nil {
		logger = zap.L()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Flag("headless", config.Headless),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.WindowSize(1920, 1080),
	)
	if targetIP != "" {
		opts = append(opts, chromedp.Flag("host-resolver-rules", resolve.HostResolverRule(config.Hostname, targetIP)))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	return &ChromeFetcher{
		config:        config,
		identities:    identities,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		log:           logger.Named("chrome").Sugar(),
	}, nil
}

func (f *ChromeFetcher) FetchListing(ctx context.Context, pageURL string) ListingPage {
	tabCtx, cancel := chromedp.NewContext(f.browserCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(tabCtx); err != nil {
		return Fault(fmt.Errorf("failed to open tab: %w", err))
	}

	var actions []chromedp.Action
	if ua := f.identities.Next(); ua != "" {
		actions = append(actions, emulation.SetUserAgentOverride(ua))
	}
	actions = append(actions, chromedp.Navigate(pageURL))
	if err := runStep(tabCtx, f.config.NavigationTimeout, actions...); err != nil {
		return Fault(fmt.Errorf("navigation to %v failed: %w", pageURL, err))
	}

	if err := runStep(tabCtx, f.config.ListingWaitTimeout, chromedp.WaitReady(ListingContainerSelector, chromedp.ByQuery)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return EndOfPages()
		}
		return Fault(fmt.Errorf("waiting for listing failed: %w", err))
	}

	var html string
	if err := runStep(tabCtx, pageReadTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return Fault(fmt.Errorf("failed to read page: %w", err))
	}
	links, err := ParseListing(pageURL, strings.NewReader(html))
	if err != nil {
		return Fault(err)
	}
	if len(links) == 0 {
		return EndOfPages()
	}
	return Found(links)
}

// runStep runs actions in the tab under a deadline of their own.
func runStep(tabCtx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	return withTimeout(tabCtx, timeout, func(ctx context.Context) error {
		return chromedp.Run(ctx, actions...)
	})
}

func withTimeout(parent context.Context, timeout time.Duration, step func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return step(ctx)
}

func (f *ChromeFetcher) Close() error {
	f.browserCancel()
	f.allocCancel()
	return nil
}
