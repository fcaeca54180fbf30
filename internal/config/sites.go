package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/face-finder/internal/constants"
)

// Selectors are the CSS selectors used to pull video records off a listing page.
type Selectors struct {
	Container string `yaml:"container" json:"container"`
	Title     string `yaml:"title" json:"title"`
	Thumbnail string `yaml:"thumbnail" json:"thumbnail"`
	Link      string `yaml:"link" json:"link"`
	// ID names an attribute on the container holding the video id.
	ID string `yaml:"id" json:"id,omitempty"`
}

// SiteDescriptor describes one scrapeable video site.
type SiteDescriptor struct {
	Name        string    `yaml:"name" json:"name"`
	BaseURL     string    `yaml:"baseUrl" json:"baseUrl"`
	ListingPath string    `yaml:"listingPath" json:"listingPath,omitempty"`
	MaxVideos   int       `yaml:"maxVideos" json:"maxVideos"`
	Selectors   Selectors `yaml:"selectors" json:"selectors"`
}

// ListingURL returns the page to scrape.
func (s SiteDescriptor) ListingURL() (string, error) {
	base, err := url.Parse(s.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid baseUrl: %w", err)
	}
	if s.ListingPath == "" {
		return base.String(), nil
	}
	ref, err := url.Parse(s.ListingPath)
	if err != nil {
		return "", fmt.Errorf("invalid listingPath: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// LoadSites reads a descriptor file (a JSON or YAML array) and validates
// every entry against the host allowlist.
func LoadSites(path string, allowedHosts []string) ([]SiteDescriptor, error) {
	if path == "" {
		return nil, errors.New("SITE_DESCRIPTORS is not set")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read site descriptors: %w", err)
	}
	return ParseSites(data, allowedHosts)
}

// ParseSites decodes and validates descriptor data. JSON is valid YAML, so
// one decoder covers both formats.
func ParseSites(data []byte, allowedHosts []string) ([]SiteDescriptor, error) {
	var sites []SiteDescriptor
	if err := yaml.Unmarshal(data, &sites); err != nil {
		return nil, fmt.Errorf("failed to parse site descriptors: %w", err)
	}
	if len(sites) == 0 {
		return nil, errors.New("no site descriptors defined")
	}

	var errs []error
	seen := make(map[string]bool, len(sites))
	for i, s := range sites {
		if err := s.validate(allowedHosts); err != nil {
			errs = append(errs, fmt.Errorf("site %d (%s): %w", i, s.Name, err))
			continue
		}
		key := strings.ToLower(s.Name)
		if seen[key] {
			errs = append(errs, fmt.Errorf("site %d: duplicate name %q", i, s.Name))
		}
		seen[key] = true
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return sites, nil
}

func (s SiteDescriptor) validate(allowedHosts []string) error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("name is required")
	}
	if s.MaxVideos < 1 || s.MaxVideos > constants.MaxVideosPerSite {
		return fmt.Errorf("maxVideos must be between 1 and %d", constants.MaxVideosPerSite)
	}
	sel := s.Selectors
	if sel.Container == "" || sel.Thumbnail == "" || sel.Link == "" {
		return errors.New("selectors container, thumbnail and link are required")
	}

	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid baseUrl: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("baseUrl must use http or https")
	}
	if !HostAllowed(u.Hostname(), allowedHosts) {
		return fmt.Errorf("host %q is not in ALLOWED_VIDEO_HOSTS", u.Hostname())
	}
	if _, err := s.ListingURL(); err != nil {
		return err
	}
	return nil
}

// HostAllowed matches host exactly or as a subdomain of an allowlisted host.
func HostAllowed(host string, allowed []string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, a := range allowed {
		a = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(a)), ".")
		if a == "" {
			continue
		}
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}
