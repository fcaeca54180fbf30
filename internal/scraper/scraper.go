// Package scraper discovers candidate videos on configured listing pages.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/constants"
	"github.com/kozaktomas/face-finder/internal/fetch"
)

// Candidate is a video found on a listing page. Identity is (SourceSite, ID).
type Candidate struct {
	ID           string
	Title        string
	PageURL      string
	ThumbnailURL string
	SourceSite   string
}

// SkippedCandidate is a listing entry that could not be turned into a Candidate.
type SkippedCandidate struct {
	URL string
	Err error
}

// Discovery is the outcome of scraping one site.
type Discovery struct {
	Site       string
	Candidates []Candidate
	Skipped    []SkippedCandidate
}

// Scraper fetches listing pages through the guarded client.
type Scraper struct {
	client  *fetch.Client
	timeout time.Duration
	logger  logrus.FieldLogger
}

// New creates a scraper with a hard per-site timeout.
func New(client *fetch.Client, timeout time.Duration, logger logrus.FieldLogger) *Scraper {
	if timeout <= 0 {
		timeout = constants.DefaultSiteTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scraper{client: client, timeout: timeout, logger: logger}
}

// Discover fetches the site's listing page and returns up to MaxVideos
// candidates in page order. A site-level failure (timeout, HTTP status,
// blocked URL, unparseable page) returns an error and no candidates.
func (s *Scraper) Discover(ctx context.Context, site config.SiteDescriptor) (Discovery, error) {
	d := Discovery{Site: site.Name}

	listing, err := site.ListingURL()
	if err != nil {
		return d, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, res, err := s.client.Get(ctx, listing, constants.MaxListingSize)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return d, fmt.Errorf("site %s timed out after %s: %w", site.Name, s.timeout, err)
		}
		return d, fmt.Errorf("failed to fetch listing for %s: %w", site.Name, err)
	}

	base, err := url.Parse(res.FinalURL)
	if err != nil {
		return d, fmt.Errorf("invalid final URL for %s: %w", site.Name, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return d, fmt.Errorf("failed to parse listing for %s: %w", site.Name, err)
	}

	s.extract(doc, base, site, &d)

	s.logger.WithFields(logrus.Fields{
		"site":       site.Name,
		"candidates": len(d.Candidates),
		"skipped":    len(d.Skipped),
	}).Debug("site discovered")
	return d, nil
}

func (s *Scraper) extract(doc *goquery.Document, base *url.URL, site config.SiteDescriptor, d *Discovery) {
	sel := site.Selectors
	seen := make(map[string]bool)

	doc.Find(sel.Container).EachWithBreak(func(_ int, item *goquery.Selection) bool {
		if len(d.Candidates) >= site.MaxVideos {
			return false
		}

		link := within(item, sel.Link)
		href := strings.TrimSpace(link.AttrOr("href", ""))
		if href == "" {
			d.Skipped = append(d.Skipped, SkippedCandidate{Err: errors.New("entry has no link")})
			return true
		}
		pageURL, err := s.resolve(base, href)
		if err != nil {
			d.Skipped = append(d.Skipped, SkippedCandidate{URL: href, Err: err})
			return true
		}

		thumbRaw := thumbnailSource(within(item, sel.Thumbnail))
		if thumbRaw == "" {
			d.Skipped = append(d.Skipped, SkippedCandidate{URL: pageURL.String(), Err: errors.New("entry has no thumbnail")})
			return true
		}
		thumbURL, err := s.resolve(base, thumbRaw)
		if err != nil {
			d.Skipped = append(d.Skipped, SkippedCandidate{URL: thumbRaw, Err: err})
			return true
		}

		id := candidateID(item, link, sel.ID, pageURL)
		if id == "" {
			d.Skipped = append(d.Skipped, SkippedCandidate{URL: pageURL.String(), Err: errors.New("entry has no id")})
			return true
		}
		if seen[id] {
			return true
		}
		seen[id] = true

		d.Candidates = append(d.Candidates, Candidate{
			ID:           id,
			Title:        candidateTitle(item, link, sel.Title),
			PageURL:      pageURL.String(),
			ThumbnailURL: thumbURL.String(),
			SourceSite:   site.Name,
		})
		return true
	})
}

// resolve makes ref absolute and runs it through the SSRF guard.
func (s *Scraper) resolve(base *url.URL, ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", ref, err)
	}
	abs := base.ResolveReference(u)
	abs.Fragment = ""
	return s.client.Validate(abs.String())
}

// within finds selector inside item, or item itself when it matches.
func within(item *goquery.Selection, selector string) *goquery.Selection {
	if selector == "" {
		return item
	}
	if found := item.Find(selector).First(); found.Length() > 0 {
		return found
	}
	if item.Is(selector) {
		return item
	}
	return item.Find(selector)
}

func thumbnailSource(img *goquery.Selection) string {
	for _, attr := range []string{"src", "data-src", "data-thumb"} {
		if v := strings.TrimSpace(img.AttrOr(attr, "")); v != "" && !strings.HasPrefix(v, "data:") {
			return v
		}
	}
	return firstSrcset(img.AttrOr("srcset", ""))
}

func candidateID(item, link *goquery.Selection, attr string, pageURL *url.URL) string {
	var attrs []string
	if attr != "" {
		attrs = append(attrs, attr)
	}
	attrs = append(attrs, "data-id", "data-video-id")
	for _, a := range attrs {
		for _, s := range []*goquery.Selection{item, link} {
			if v := cleanID(s.AttrOr(a, "")); v != "" {
				return v
			}
		}
	}
	return idFromURL(pageURL)
}

func candidateTitle(item, link *goquery.Selection, selector string) string {
	if selector != "" {
		if t := CleanTitle(within(item, selector).First().Text()); t != "" {
			return t
		}
	}
	if t := CleanTitle(link.AttrOr("title", "")); t != "" {
		return t
	}
	return CleanTitle(item.Find("img").First().AttrOr("alt", ""))
}
