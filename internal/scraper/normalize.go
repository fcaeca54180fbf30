package scraper

import (
	"net/url"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/kozaktomas/face-finder/internal/constants"
)

const maxIDLength = 128

// CleanTitle normalizes scraped text to NFC, drops control and format
// characters, collapses whitespace and caps the length.
func CleanTitle(s string) string {
	t := transform.Chain(norm.NFC, runes.Remove(runes.Predicate(func(r rune) bool {
		return (unicode.Is(unicode.Cc, r) && !unicode.IsSpace(r)) || unicode.Is(unicode.Cf, r)
	})))
	result, _, err := transform.String(t, s)
	if err != nil {
		result = s
	}
	result = strings.Join(strings.Fields(result), " ")
	return truncateRunes(result, constants.MaxTitleLength)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// cleanID keeps ids short and printable.
func cleanID(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return truncateRunes(s, maxIDLength)
}

// idFromURL falls back to the last non-empty path segment of a page URL.
func idFromURL(u *url.URL) string {
	p := strings.TrimSuffix(u.Path, "/")
	seg := path.Base(p)
	if seg == "." || seg == "/" || seg == "" {
		return ""
	}
	if unescaped, err := url.PathUnescape(seg); err == nil {
		seg = unescaped
	}
	return cleanID(seg)
}

// firstSrcset returns the URL of the first srcset candidate.
func firstSrcset(srcset string) string {
	first, _, _ := strings.Cut(srcset, ",")
	fields := strings.Fields(first)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
