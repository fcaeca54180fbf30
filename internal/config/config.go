package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kozaktomas/face-finder/internal/constants"
)

type Config struct {
	Server    ServerConfig
	Session   SessionConfig
	Upload    UploadConfig
	Face      FaceConfig
	Scrape    ScrapeConfig
	Pipeline  PipelineConfig
	RateLimit RateLimitConfig
	Audit     AuditConfig
	Security  SecurityConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	PublicOrigin   string // added to the CSP connect-src (e.g., https://find.example.com)
}

type SessionConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
	MaxProcessing time.Duration // processing sessions older than this turn into errors
}

type UploadConfig struct {
	MaxFileSize  int64
	AllowedMIME  []string
	Dir          string // temp directory for thumbnail downloads
	MaxThumbSize int64
}

type FaceConfig struct {
	ServiceURL    string // defaults to http://localhost:8000
	ModelDim      int    // defaults to 128
	MinConfidence float64
	MaxDimension  int
	Timeout       time.Duration
}

type ScrapeConfig struct {
	AllowedHosts       []string
	SitesFile          string
	SiteTimeout        time.Duration
	ThumbnailTimeout   time.Duration
	PerHostConcurrency int
	PerHostRPS         float64
}

type PipelineConfig struct {
	SiteConcurrency  int
	ThumbConcurrency int
	CoarseFloor      float64
	ResultLimit      int
}

// Window is one rate limit policy row.
type Window struct {
	Duration time.Duration
	Max      int
}

type RateLimitConfig struct {
	FaceDetect  Window
	Similarity  Window
	VideoSearch Window
}

// Policies returns the policy table keyed by endpoint name.
func (c RateLimitConfig) Policies() map[string]Window {
	return map[string]Window{
		constants.EndpointFaceDetect:  c.FaceDetect,
		constants.EndpointSimilarity:  c.Similarity,
		constants.EndpointVideoSearch: c.VideoSearch,
	}
}

type AuditConfig struct {
	Retention int
}

type SecurityConfig struct {
	// EncryptionKey is the decoded ENCRYPTION_KEY; nil means an ephemeral key is used.
	EncryptionKey []byte
	keyErr        error
}

type LogConfig struct {
	Level  string
	Format string
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envInt64 is envInt for byte sizes.
func envInt64(key string, defaultVal int64) int64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envMillis reads a positive millisecond count as a duration.
func envMillis(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return time.Duration(n) * time.Millisecond
	}
	return defaultVal
}

// envFloat reads a finite, non-negative float.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	return defaultVal
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string, defaultVal []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	var out []string
	for item := range strings.SplitSeq(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func Load() *Config {
	key, keyErr := decodeKey(os.Getenv("ENCRYPTION_KEY"))

	return &Config{
		Server: ServerConfig{
			Host:           envString("WEB_HOST", "0.0.0.0"),
			Port:           envInt("WEB_PORT", 8080),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS", nil),
			PublicOrigin:   os.Getenv("WEB_PUBLIC_ORIGIN"),
		},
		Session: SessionConfig{
			TTL:           envMillis("TTL_MS", constants.DefaultSessionTTL),
			SweepInterval: envMillis("SWEEP_INTERVAL_MS", constants.DefaultSweepInterval),
			MaxProcessing: envMillis("MAX_PROCESSING_MS", constants.DefaultMaxProcessing),
		},
		Upload: UploadConfig{
			MaxFileSize:  envInt64("MAX_FILE_SIZE", constants.MaxUploadSize),
			AllowedMIME:  envList("ALLOWED_IMAGE_MIME", []string{"image/jpeg", "image/png", "image/webp"}),
			Dir:          envString("UPLOAD_DIR", filepath.Join(os.TempDir(), "face-finder")),
			MaxThumbSize: envInt64("MAX_THUMBNAIL_SIZE", constants.MaxThumbnailSize),
		},
		Face: FaceConfig{
			ServiceURL:    os.Getenv("FACE_SERVICE_URL"),
			ModelDim:      envInt("FACE_MODEL_DIM", constants.DefaultModelDim),
			MinConfidence: envFloat("FACE_MIN_CONFIDENCE", constants.DefaultMinConfidence),
			MaxDimension:  envInt("FACE_MAX_DIMENSION", constants.MaxImageDimension),
			Timeout:       envMillis("FACE_TIMEOUT_MS", constants.DefaultFaceTimeout),
		},
		Scrape: ScrapeConfig{
			AllowedHosts:       envList("ALLOWED_VIDEO_HOSTS", nil),
			SitesFile:          os.Getenv("SITE_DESCRIPTORS"),
			SiteTimeout:        envMillis("SITE_TIMEOUT_MS", constants.DefaultSiteTimeout),
			ThumbnailTimeout:   envMillis("THUMBNAIL_TIMEOUT_MS", constants.DefaultThumbnailTimeout),
			PerHostConcurrency: envInt("PER_HOST_CONCURRENCY", constants.DefaultPerHostConcurrency),
			PerHostRPS:         envFloat("PER_HOST_RPS", constants.DefaultPerHostRPS),
		},
		Pipeline: PipelineConfig{
			SiteConcurrency:  envInt("CONCURRENCY_SITES", constants.DefaultSiteConcurrency),
			ThumbConcurrency: envInt("CONCURRENCY_THUMBS", constants.DefaultThumbConcurrency),
			CoarseFloor:      envFloat("COARSE_FLOOR", constants.CoarseFloor),
			ResultLimit:      envInt("RESULT_LIMIT", constants.DefaultResultLimit),
		},
		RateLimit: RateLimitConfig{
			FaceDetect: Window{
				Duration: envMillis("RATE_LIMIT_FACE_DETECT_WINDOW_MS", 60*time.Second),
				Max:      envInt("RATE_LIMIT_FACE_DETECT_MAX", 10),
			},
			Similarity: Window{
				Duration: envMillis("RATE_LIMIT_SIMILARITY_WINDOW_MS", 60*time.Second),
				Max:      envInt("RATE_LIMIT_SIMILARITY_MAX", 100),
			},
			VideoSearch: Window{
				Duration: envMillis("RATE_LIMIT_VIDEO_SEARCH_WINDOW_MS", 5*time.Minute),
				Max:      envInt("RATE_LIMIT_VIDEO_SEARCH_MAX", 3),
			},
		},
		Audit: AuditConfig{
			Retention: envInt("AUDIT_RETENTION", constants.DefaultAuditRetention),
		},
		Security: SecurityConfig{
			EncryptionKey: key,
			keyErr:        keyErr,
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "text"),
		},
	}
}

// decodeKey accepts standard or URL-safe base64, padded or not.
func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var key []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err = enc.DecodeString(s); err == nil {
			break
		}
	}
	if err != nil {
		return nil, errors.New("ENCRYPTION_KEY is not valid base64")
	}
	if len(key) < 16 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must decode to at least 16 bytes, got %d", len(key))
	}
	return key, nil
}

// Validate checks the settings the server cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Security.keyErr != nil {
		errs = append(errs, c.Security.keyErr)
	}
	if c.Upload.MaxFileSize < constants.MinUploadSize {
		errs = append(errs, fmt.Errorf("MAX_FILE_SIZE must be at least %d bytes", constants.MinUploadSize))
	}
	if c.Pipeline.CoarseFloor > constants.MinThreshold {
		errs = append(errs, fmt.Errorf("COARSE_FLOOR must not exceed the minimum threshold %.2f", constants.MinThreshold))
	}
	for _, m := range c.Upload.AllowedMIME {
		switch m {
		case "image/jpeg", "image/png", "image/webp":
		default:
			errs = append(errs, fmt.Errorf("ALLOWED_IMAGE_MIME contains unsupported type %q", m))
		}
	}
	return errors.Join(errs...)
}
