package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kozaktomas/face-finder/internal/audit"
	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/envelope"
	"github.com/kozaktomas/face-finder/internal/facedetect"
	"github.com/kozaktomas/face-finder/internal/fetch"
	"github.com/kozaktomas/face-finder/internal/imaging"
	"github.com/kozaktomas/face-finder/internal/pipeline"
	"github.com/kozaktomas/face-finder/internal/ratelimit"
	"github.com/kozaktomas/face-finder/internal/scraper"
	"github.com/kozaktomas/face-finder/internal/session"
	"github.com/kozaktomas/face-finder/internal/thumbnail"
)

// app holds the wired search components shared by serve and search.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	audit    *audit.Log
	detector *facedetect.Service
	store    *session.Store
	limiter  *ratelimit.Limiter
	search   *pipeline.Service
	sites    []config.SiteDescriptor
}

// loadSites reads the descriptor file named by SITE_DESCRIPTORS, if any.
func loadSites(cfg *config.Config, logger logrus.FieldLogger) ([]config.SiteDescriptor, error) {
	if cfg.Scrape.SitesFile == "" {
		logger.Warn("SITE_DESCRIPTORS is not set, searches will not visit any site")
		return nil, nil
	}
	sites, err := config.LoadSites(cfg.Scrape.SitesFile, cfg.Scrape.AllowedHosts)
	if err != nil {
		return nil, err
	}
	logger.WithField("sites", len(sites)).Info("site descriptors loaded")
	return sites, nil
}

// policies converts the configured windows into limiter policies.
func policies(cfg config.RateLimitConfig) map[string]ratelimit.Policy {
	out := make(map[string]ratelimit.Policy)
	for endpoint, w := range cfg.Policies() {
		out[endpoint] = ratelimit.Policy{Window: w.Duration, Max: w.Max}
	}
	return out
}

// newApp builds every component from cfg. Rate limiting is skipped when
// limited is false (single local user).
func newApp(cfg *config.Config, logger *logrus.Logger, limited bool) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	sites, err := loadSites(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("loading site descriptors: %w", err)
	}

	sealer, err := envelope.New(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("creating embedding envelope: %w", err)
	}
	if sealer.Ephemeral() {
		logger.Warn("ENCRYPTION_KEY is not set, using a process-ephemeral key")
	}

	auditLog := audit.New(cfg.Audit.Retention, logger)

	var limits map[string]ratelimit.Policy
	if limited {
		limits = policies(cfg.RateLimit)
	}
	limiter := ratelimit.New(limits, auditLog)

	store := session.NewStore(session.Options{
		TTL:           cfg.Session.TTL,
		SweepInterval: cfg.Session.SweepInterval,
		MaxProcessing: cfg.Session.MaxProcessing,
		ResultLimit:   cfg.Pipeline.ResultLimit,
	}, sealer, auditLog, logger)

	detector := facedetect.NewService(
		facedetect.NewClient(cfg.Face.ServiceURL, cfg.Face.Timeout),
		facedetect.Options{
			ModelDim:      cfg.Face.ModelDim,
			MinConfidence: cfg.Face.MinConfidence,
			MaxDimension:  cfg.Face.MaxDimension,
		},
		logger,
	)

	client := fetch.New(fetch.Options{
		AllowedHosts:       cfg.Scrape.AllowedHosts,
		PerHostConcurrency: cfg.Scrape.PerHostConcurrency,
		PerHostRPS:         cfg.Scrape.PerHostRPS,
	})

	search := pipeline.New(pipeline.Deps{
		Detector: detector,
		Scraper:  scraper.New(client, cfg.Scrape.SiteTimeout, logger),
		Thumbnails: thumbnail.New(client, detector, thumbnail.Options{
			Dir:         cfg.Upload.Dir,
			Timeout:     cfg.Scrape.ThumbnailTimeout,
			MaxSize:     cfg.Upload.MaxThumbSize,
			AllowedMIME: cfg.Upload.AllowedMIME,
		}, logger),
		Store:   store,
		Limiter: limiter,
		Audit:   auditLog,
		Logger:  logger,
	}, sites, pipeline.Options{
		SiteConcurrency:  cfg.Pipeline.SiteConcurrency,
		ThumbConcurrency: cfg.Pipeline.ThumbConcurrency,
		CoarseFloor:      cfg.Pipeline.CoarseFloor,
		Upload: imaging.Limits{
			MaxSize:     cfg.Upload.MaxFileSize,
			AllowedMIME: cfg.Upload.AllowedMIME,
		},
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		audit:    auditLog,
		detector: detector,
		store:    store,
		limiter:  limiter,
		search:   search,
		sites:    sites,
	}, nil
}

// start clears stale temp files and launches the background sweepers.
func (a *app) start(ctx context.Context) {
	if n, err := thumbnail.SweepTempDir(a.cfg.Upload.Dir); err != nil {
		a.logger.WithError(err).Warn("failed to clean upload directory")
	} else if n > 0 {
		a.logger.WithField("files", n).Info("removed stale thumbnail files")
	}
	a.store.Start(ctx)
	a.limiter.Start(ctx)
}

// close stops the searches first so no worker writes into an erased store.
func (a *app) close() {
	a.search.Close()
	a.limiter.Stop()
	a.store.Stop()
}
