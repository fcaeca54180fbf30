package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/face-finder/internal/apperr"
	"github.com/kozaktomas/face-finder/internal/audit"
	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/envelope"
	"github.com/kozaktomas/face-finder/internal/facedetect"
	"github.com/kozaktomas/face-finder/internal/facedetect/facedetecttest"
	"github.com/kozaktomas/face-finder/internal/fetch"
	"github.com/kozaktomas/face-finder/internal/imaging/imagingtest"
	"github.com/kozaktomas/face-finder/internal/logging"
	"github.com/kozaktomas/face-finder/internal/ratelimit"
	"github.com/kozaktomas/face-finder/internal/scraper"
	"github.com/kozaktomas/face-finder/internal/session"
	"github.com/kozaktomas/face-finder/internal/thumbnail"
)

const (
	dim         = 16
	thumbHeight = 50
	userSize    = 128
)

type harness struct {
	t       *testing.T
	mux     *http.ServeMux
	srv     *httptest.Server
	backend *facedetecttest.Backend
	audit   *audit.Log
	store   *session.Store
	limiter *ratelimit.Limiter
	svc     *Service
}

type harnessOptions struct {
	ttl      time.Duration
	policies map[string]ratelimit.Policy
}

// newHarness starts a fake video host. Thumbnails live at /thumbs/{width}
// and are PNGs of that width; the fake face backend decides what each
// width contains.
func newHarness(t *testing.T, sites func(base string) []config.SiteDescriptor, ho harnessOptions) *harness {
	t.Helper()
	h := &harness{t: t, mux: http.NewServeMux(), backend: facedetecttest.NewBackend()}
	h.mux.HandleFunc("GET /thumbs/{width}", func(w http.ResponseWriter, r *http.Request) {
		width, err := strconv.Atoi(r.PathValue("width"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(imagingtest.PNG(t, width, thumbHeight))
	})
	h.srv = httptest.NewServer(h.mux)
	t.Cleanup(h.srv.Close)

	u, err := url.Parse(h.srv.URL)
	require.NoError(t, err)

	logger := logging.Discard()
	h.audit = audit.New(1000, logger)
	sealer, err := envelope.New(nil)
	require.NoError(t, err)
	h.store = session.NewStore(session.Options{TTL: ho.ttl}, sealer, h.audit, logger)

	detector := facedetect.NewService(h.backend, facedetect.Options{ModelDim: dim, MinConfidence: 0.5}, logger)
	client := fetch.New(fetch.Options{
		AllowedHosts:         []string{u.Hostname()},
		AllowPrivateNetworks: true,
		PerHostConcurrency:   4,
		PerHostRPS:           1000,
	})

	policies := ho.policies
	if policies == nil {
		policies = map[string]ratelimit.Policy{}
	}

	h.backend.Set(userSize, userSize, facedetecttest.Face(10, 10, 100, 100, facedetecttest.Axis(dim, 0)))
	h.limiter = ratelimit.New(policies, h.audit)

	h.svc = New(Deps{
		Detector:   detector,
		Scraper:    scraper.New(client, 300*time.Millisecond, logger),
		Thumbnails: thumbnail.New(client, detector, thumbnail.Options{Dir: t.TempDir(), Timeout: time.Second}, logger),
		Store:      h.store,
		Limiter:    h.limiter,
		Audit:      h.audit,
		Logger:     logger,
	}, sites(h.srv.URL), Options{SiteConcurrency: 3, ThumbConcurrency: 6})
	t.Cleanup(h.svc.Close)
	return h
}

// thumb registers a thumbnail whose single face scores s against the user.
func (h *harness) thumb(width int, s float64) string {
	h.backend.Set(width, thumbHeight, facedetecttest.Face(5, 5, 40, 45, facedetecttest.Similar(dim, s)))
	return fmt.Sprintf("/thumbs/%d", width)
}

// stranger registers a thumbnail with a face orthogonal to the user.
func (h *harness) stranger(width int) string {
	h.backend.Set(width, thumbHeight, facedetecttest.Face(5, 5, 40, 45, facedetecttest.Axis(dim, 3)))
	return fmt.Sprintf("/thumbs/%d", width)
}

// listing serves an HTML page at path with one entry per thumbnail.
func (h *harness) listing(path string, thumbs ...string) {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i, src := range thumbs {
		fmt.Fprintf(&b, `<div class="video" data-id="%s-%d"><a href="/watch/%d"><img src="%s"></a><h3>Video %d</h3></div>`,
			strings.Trim(path, "/"), i, i, src, i)
	}
	b.WriteString("</body></html>")
	page := b.String()
	h.mux.HandleFunc("GET "+path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(page))
	})
}

func descriptor(name, base, path string) config.SiteDescriptor {
	return config.SiteDescriptor{
		Name:        name,
		BaseURL:     base,
		ListingPath: path,
		MaxVideos:   20,
		Selectors:   config.Selectors{Container: ".video", Title: "h3", Thumbnail: "img", Link: "a"},
	}
}

func twoSites(base string) []config.SiteDescriptor {
	return []config.SiteDescriptor{descriptor("alpha", base, "/alpha"), descriptor("beta", base, "/beta")}
}

func (h *harness) start(ctx context.Context) string {
	h.t.Helper()
	res, err := h.svc.ProcessImage(ctx, imagingtest.JPEG(h.t, userSize, userSize))
	require.NoError(h.t, err)
	require.True(h.t, res.Success)
	require.True(h.t, res.FaceDetected)
	return res.SearchID
}

func ptr(f float64) *float64 { return &f }

func TestHappyPath(t *testing.T) {
	h := newHarness(t, twoSites, harnessOptions{})
	h.listing("/alpha", h.thumb(101, 0.82), h.stranger(103), h.stranger(104))
	h.listing("/beta", h.thumb(102, 0.71), h.stranger(105), "/thumbs/106")

	id := h.start(context.Background())
	h.svc.Wait()

	v, err := h.svc.Results(context.Background(), id, ptr(0.7))
	require.NoError(t, err)

	assert.Equal(t, session.StatusCompleted, v.Status)
	assert.Equal(t, 100, v.Progress)
	require.Len(t, v.Results, 2)
	assert.Equal(t, 0.82, v.Results[0].SimilarityScore)
	assert.Equal(t, "alpha", v.Results[0].SourceWebsite)
	assert.Equal(t, "alpha-0", v.Results[0].ID)
	assert.Equal(t, h.srv.URL+"/watch/0", v.Results[0].VideoURL)
	assert.Equal(t, 1, v.Results[0].FaceCount)
	assert.Equal(t, 0.71, v.Results[1].SimilarityScore)
	assert.Equal(t, "beta", v.Results[1].SourceWebsite)
	assert.Len(t, v.ProcessedSites, 2)
	assert.Empty(t, v.Errors)

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.NotContains(t, strings.ToLower(string(data)), "embedding")

	stored := 0
	for _, e := range h.audit.Entries() {
		if e.Op == audit.OpCreate && e.DataType == audit.DataFaceEmbedding {
			assert.Equal(t, id, e.SessionID)
			stored++
		}
	}
	assert.Equal(t, 2, stored, "one audited write per stored match")
}

func TestNoFace(t *testing.T) {
	h := newHarness(t, twoSites, harnessOptions{})

	res, err := h.svc.ProcessImage(context.Background(), imagingtest.JPEG(t, 64, 64))

	assert.Equal(t, apperr.KindNoFaceDetected, apperr.KindOf(err))
	assert.False(t, res.Success)
	assert.False(t, res.FaceDetected)
	assert.Zero(t, h.store.Len())
}

func TestInvalidUpload(t *testing.T) {
	h := newHarness(t, twoSites, harnessOptions{})

	_, err := h.svc.ProcessImage(context.Background(), []byte(strings.Repeat("MZ", 1024)))
	assert.Equal(t, apperr.KindInvalidFileType, apperr.KindOf(err))

	_, err = h.svc.ProcessImage(context.Background(), []byte{0xFF, 0xD8, 0xFF})
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))

	events := h.audit.SecurityEvents()
	require.NotEmpty(t, events)
	assert.Equal(t, audit.EventMaliciousFile, events[0].Type)
	assert.Zero(t, h.store.Len())
}

func TestThresholdRefinement(t *testing.T) {
	h := newHarness(t, twoSites, harnessOptions{})
	h.listing("/alpha", h.thumb(101, 0.82), h.stranger(103))
	h.listing("/beta", h.thumb(102, 0.71))

	id := h.start(context.Background())
	h.svc.Wait()

	v, err := h.svc.Configure(context.Background(), id, 0.80)
	require.NoError(t, err)
	require.Len(t, v.Results, 1)
	assert.Equal(t, 0.82, v.Results[0].SimilarityScore)

	v, err = h.svc.Configure(context.Background(), id, 0.60)
	require.NoError(t, err)
	assert.Len(t, v.Results, 2)

	_, err = h.svc.Configure(context.Background(), id, 1.5)
	assert.Equal(t, apperr.KindInvalidThreshold, apperr.KindOf(err))
}

func TestOneSiteDown(t *testing.T) {
	sites := func(base string) []config.SiteDescriptor {
		return []config.SiteDescriptor{descriptor("slow", base, "/slow"), descriptor("beta", base, "/beta")}
	}
	h := newHarness(t, sites, harnessOptions{})
	h.mux.HandleFunc("GET /slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	})
	h.listing("/beta", h.thumb(107, 0.9), h.stranger(108), h.stranger(109))

	id := h.start(context.Background())
	h.svc.Wait()

	v, err := h.svc.Results(context.Background(), id, ptr(0.5))
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, v.Status)
	require.Len(t, v.Results, 1)
	assert.Equal(t, 0.9, v.Results[0].SimilarityScore)

	require.Len(t, v.Errors, 1)
	assert.Equal(t, "slow", v.Errors[0].Site)
	assert.Equal(t, apperr.KindUpstreamFailed, v.Errors[0].Code)
	assert.Equal(t, "request timed out", v.Errors[0].Message)

	outcomes := map[string]session.SiteOutcome{}
	for _, o := range v.ProcessedSites {
		outcomes[o.Site] = o
	}
	assert.False(t, outcomes["slow"].Success)
	assert.True(t, outcomes["beta"].Success)
	assert.Equal(t, 3, outcomes["beta"].Candidates)
}

func TestSSRFAttempt(t *testing.T) {
	sites := func(base string) []config.SiteDescriptor {
		return []config.SiteDescriptor{descriptor("alpha", base, "/alpha")}
	}
	h := newHarness(t, sites, harnessOptions{})
	h.listing("/alpha", h.thumb(101, 0.95), "http://169.254.169.254/latest/meta-data/")

	id := h.start(context.Background())
	h.svc.Wait()

	v, err := h.svc.Results(context.Background(), id, ptr(0.1))
	require.NoError(t, err)
	require.Len(t, v.Results, 1)
	assert.Equal(t, "alpha-0", v.Results[0].ID)
	require.Len(t, v.Errors, 1)
	assert.Equal(t, apperr.KindSSRFBlocked, v.Errors[0].Code)

	var found bool
	for _, ev := range h.audit.SecurityEvents() {
		if ev.Type == audit.EventSSRFBlocked {
			found = true
			assert.Equal(t, id, ev.SessionID)
			assert.Equal(t, audit.SeverityHigh, ev.Severity)
			assert.Contains(t, ev.Details, "169.254.169.254")
		}
	}
	assert.True(t, found, "ssrf-blocked event must be audited")
}

func TestExpiry(t *testing.T) {
	sites := func(base string) []config.SiteDescriptor {
		return []config.SiteDescriptor{descriptor("alpha", base, "/alpha")}
	}
	h := newHarness(t, sites, harnessOptions{ttl: 100 * time.Millisecond})
	h.listing("/alpha", h.thumb(101, 0.9))

	id := h.start(context.Background())
	h.svc.Wait()
	time.Sleep(200 * time.Millisecond)

	_, err := h.svc.Results(context.Background(), id, nil)
	assert.Equal(t, apperr.KindSessionExpired, apperr.KindOf(err))
}

func TestPartialFailureIsolation(t *testing.T) {
	sites := func(base string) []config.SiteDescriptor {
		return []config.SiteDescriptor{descriptor("alpha", base, "/alpha")}
	}
	h := newHarness(t, sites, harnessOptions{})
	h.mux.HandleFunc("GET /broken/html", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not an image</html>"))
	})
	h.listing("/alpha",
		h.thumb(101, 0.9),
		"/missing.png",
		"/broken/html",
		h.stranger(102),
	)

	id := h.start(context.Background())
	h.svc.Wait()

	v, err := h.svc.Results(context.Background(), id, ptr(0.1))
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, v.Status)
	assert.LessOrEqual(t, v.TotalMatches, 2)
	assert.Len(t, v.Results, 1)
	require.GreaterOrEqual(t, len(v.Errors), 2)

	codes := map[apperr.Kind]bool{}
	for _, e := range v.Errors {
		codes[e.Code] = true
	}
	assert.True(t, codes[apperr.KindUpstreamFailed])
	assert.True(t, codes[apperr.KindInvalidFileType])
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, twoSites, harnessOptions{policies: map[string]ratelimit.Policy{
		"video-search": {Window: 5 * time.Minute, Max: 1},
		"similarity":   {Window: time.Minute, Max: 2},
	}})
	h.listing("/alpha")
	h.listing("/beta")
	ctx := audit.WithActor(context.Background(), audit.Actor{Principal: "10.0.0.1"})

	id := h.start(ctx)
	_, err := h.svc.ProcessImage(ctx, imagingtest.JPEG(t, userSize, userSize))
	assert.Equal(t, apperr.KindRateLimitExceeded, apperr.KindOf(err))

	other := audit.WithActor(context.Background(), audit.Actor{Principal: "10.0.0.2"})
	h.start(other)
	h.svc.Wait()

	_, err = h.svc.Results(ctx, id, nil)
	require.NoError(t, err)
	_, err = h.svc.Results(ctx, id, nil)
	require.NoError(t, err)
	_, err = h.svc.Results(ctx, id, nil)
	assert.Equal(t, apperr.KindRateLimitExceeded, apperr.KindOf(err))
}

func TestRateLimit_DeniedUploadSpendsNoQuota(t *testing.T) {
	h := newHarness(t, twoSites, harnessOptions{policies: map[string]ratelimit.Policy{
		"face-detect":  {Window: time.Minute, Max: 3},
		"video-search": {Window: time.Minute, Max: 1},
	}})
	h.listing("/alpha")
	h.listing("/beta")
	ctx := audit.WithActor(context.Background(), audit.Actor{Principal: "10.0.0.3"})

	h.start(ctx)
	for range 2 {
		_, err := h.svc.ProcessImage(ctx, imagingtest.JPEG(t, userSize, userSize))
		assert.Equal(t, apperr.KindRateLimitExceeded, apperr.KindOf(err))
	}
	h.svc.Wait()

	d := h.limiter.Check("face-detect", "10.0.0.3")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining, "only the accepted upload counts against face-detect")
}

func TestDeleteCancelsSearch(t *testing.T) {
	sites := func(base string) []config.SiteDescriptor {
		return []config.SiteDescriptor{descriptor("alpha", base, "/alpha")}
	}
	h := newHarness(t, sites, harnessOptions{})
	started := make(chan struct{}, 1)
	h.mux.HandleFunc("GET /hang", func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-r.Context().Done()
	})
	h.listing("/alpha", "/hang")

	id := h.start(context.Background())
	events, stop, err := h.svc.Subscribe(id)
	require.NoError(t, err)
	defer stop()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("thumbnail download never started")
	}

	require.NoError(t, h.svc.Delete(context.Background(), id))

	done := make(chan struct{})
	go func() {
		h.svc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("search did not stop after delete")
	}

	_, err = h.svc.Results(context.Background(), id, nil)
	assert.Equal(t, apperr.KindSessionNotFound, apperr.KindOf(err))

	var last Event
	for ev := range events {
		last = ev
	}
	assert.Equal(t, EventDeleted, last.Type)
}

func TestSubscribe_Completes(t *testing.T) {
	sites := func(base string) []config.SiteDescriptor {
		return []config.SiteDescriptor{descriptor("alpha", base, "/alpha")}
	}
	h := newHarness(t, sites, harnessOptions{})
	h.listing("/alpha", h.thumb(101, 0.9), h.stranger(102))

	id := h.start(context.Background())
	events, stop, err := h.svc.Subscribe(id)
	require.NoError(t, err)
	defer stop()

	var last Event
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-events:
			if !ok {
				done = true
				break
			}
			last = ev
		case <-timeout:
			t.Fatal("no completion event")
		}
	}
	assert.Equal(t, EventCompleted, last.Type)
	assert.Equal(t, 100, last.Progress)

	// Subscribing after completion yields the terminal event and a closed channel.
	late, stopLate, err := h.svc.Subscribe(id)
	require.NoError(t, err)
	defer stopLate()
	ev := <-late
	assert.Equal(t, EventCompleted, ev.Type)
	_, ok := <-late
	assert.False(t, ok)
}

func TestNoSites(t *testing.T) {
	h := newHarness(t, func(string) []config.SiteDescriptor { return nil }, harnessOptions{})

	id := h.start(context.Background())
	h.svc.Wait()

	v, err := h.svc.Results(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, v.Status)
	assert.Empty(t, v.Results)
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"timeout", fmt.Errorf("x: %w", context.DeadlineExceeded), apperr.KindUpstreamFailed},
		{"status", &fetch.StatusError{URL: "u", Code: 502}, apperr.KindUpstreamFailed},
		{"blocked", &fetch.BlockedError{URL: "u", Reason: "r"}, apperr.KindSSRFBlocked},
		{"plain", fmt.Errorf("boom"), apperr.KindUpstreamFailed},
		{"classified", apperr.New(apperr.KindInvalidImage, "bad image"), apperr.KindInvalidImage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, msg := describe(tt.err)
			assert.Equal(t, tt.want, kind)
			assert.NotEmpty(t, msg)
		})
	}
}
