package crawl

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/alanbriolat/movie-archiver/util"
)

const (
	ListingContainerSelector = "section.content div.mlist"
	ListingLinkSelector      = ListingContainerSelector + " div.play a[href]"
)

// ParseListing returns the movie links on a rendered listing page, made absolute against pageURL, in page order.
func ParseListing(pageURL string, r io.Reader) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse listing: %w", err)
	}
	var links []string
	doc.Find(ListingLinkSelector).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href = strings.TrimSpace(href); href == "" {
			return
		}
		links = append(links, util.ResolveReference(pageURL, href))
	})
	return links, nil
}
