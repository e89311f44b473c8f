// Package crawl walks the paginated movie listing and collects links to individual movie pages.
package crawl

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alanbriolat/movie-archiver/async"
)

type PageKind int

const (
	// PageFound means the page had links.
	PageFound PageKind = iota
	// PageEnd means the listing container never appeared or was empty, i.e. there are no more pages.
	PageEnd
	// PageFault means the browser failed in a way that says nothing about whether more pages exist.
	PageFault
)

func (k PageKind) String() string {
	switch k {
	case PageFound:
		return "found"
	case PageEnd:
		return "end of pages"
	case PageFault:
		return "fault"
	default:
		return fmt.Sprintf("PageKind(%d)", int(k))
	}
}

type ListingPage struct {
	Kind  PageKind
	Links []string
	Err   error
}

func Found(links []string) ListingPage {
	return ListingPage{Kind: PageFound, Links: links}
}

func EndOfPages() ListingPage {
	return ListingPage{Kind: PageEnd}
}

func Fault(err error) ListingPage {
	return ListingPage{Kind: PageFault, Err: err}
}

// ListingFetcher loads one listing page and classifies the outcome.
type ListingFetcher interface {
	FetchListing(ctx context.Context, pageURL string) ListingPage
	Close() error
}

type Collector struct {
	fetcher    ListingFetcher
	listingURL func(page int) string
	log        *zap.SugaredLogger
}

func NewCollector(fetcher ListingFetcher, listingURL func(page int) string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.L()
	}
	return &Collector{
		fetcher:    fetcher,
		listingURL: listingURL,
		log:        logger.Named("crawl").Sugar(),
	}
}

// CollectLinks visits listing pages 1..maxPages in order, pausing delay between pages, until a page has no listing.
// On a fault the links gathered so far are returned together with the error.
func (c *Collector) CollectLinks(ctx context.Context, maxPages int, delay time.Duration) ([]string, error) {
	var links []string
	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return links, err
		}
		pageURL := c.listingURL(page)
		c.log.Infof("fetching listing page %d: %v", page, pageURL)
		result := c.fetcher.FetchListing(ctx, pageURL)
		switch {
		case result.Kind == PageFault:
			c.log.Warnf("listing page %d failed: %v", page, result.Err)
			return links, fmt.Errorf("listing page %d: %w", page, result.Err)
		case result.Kind == PageEnd || len(result.Links) == 0:
			c.log.Infof("no listing on page %d, assuming end of pages", page)
			return links, nil
		}
		c.log.Infof("found %d links on page %d", len(result.Links), page)
		links = append(links, result.Links...)
		if page < maxPages {
			if err := async.Sleep(ctx, delay); err != nil {
				return links, err
			}
		}
	}
	c.log.Infof("reached page limit (%d)", maxPages)
	return links, nil
}

func (c *Collector) Close() error {
	return c.fetcher.Close()
}
