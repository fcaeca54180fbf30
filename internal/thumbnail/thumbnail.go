// Package thumbnail downloads video thumbnails and detects faces in them.
package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kozaktomas/face-finder/internal/apperr"
	"github.com/kozaktomas/face-finder/internal/constants"
	"github.com/kozaktomas/face-finder/internal/facedetect"
	"github.com/kozaktomas/face-finder/internal/fetch"
	"github.com/kozaktomas/face-finder/internal/imaging"
)

const tempPattern = "thumb-*"

// Options configures a Processor.
type Options struct {
	Dir         string
	Timeout     time.Duration
	MaxSize     int64
	AllowedMIME []string
}

// Processor turns a thumbnail URL into face detections.
type Processor struct {
	client   *fetch.Client
	detector *facedetect.Service
	opts     Options
	logger   logrus.FieldLogger
}

// New creates a processor.
func New(client *fetch.Client, detector *facedetect.Service, opts Options, logger logrus.FieldLogger) *Processor {
	if opts.Dir == "" {
		opts.Dir = filepath.Join(os.TempDir(), "face-finder")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = constants.DefaultThumbnailTimeout
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = constants.MaxThumbnailSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Processor{client: client, detector: detector, opts: opts, logger: logger}
}

// Process downloads the thumbnail, validates it, decodes it once and runs
// face detection on the pixels. The download deadline covers only the
// transfer.
func (p *Processor) Process(ctx context.Context, thumbURL string) ([]facedetect.Face, error) {
	data, err := p.download(ctx, thumbURL)
	if err != nil {
		return nil, err
	}

	limits := imaging.Limits{MinSize: 1, MaxSize: p.opts.MaxSize, AllowedMIME: p.opts.AllowedMIME}
	if _, err := imaging.Validate(data, limits); err != nil {
		return nil, err
	}

	img, _, err := imaging.Decode(data)
	if err != nil {
		return nil, err
	}

	faces, err := p.detector.DetectImage(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}
	return faces, nil
}

// download streams the body into a temp file under the upload directory so
// large responses never sit in memory unchecked. The file is removed before
// returning.
func (p *Processor) download(ctx context.Context, thumbURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	if err := os.MkdirAll(p.opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	f, err := os.CreateTemp(p.opts.Dir, tempPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		f.Close()
		if err := os.Remove(f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.WithError(err).Warn("failed to remove temp file")
		}
	}()

	if _, err := p.client.Stream(ctx, thumbURL, p.opts.MaxSize, f); err != nil {
		if errors.Is(err, fetch.ErrTooLarge) {
			return nil, apperr.Wrap(apperr.KindFileTooLarge, "thumbnail exceeds size limit", err)
		}
		return nil, fmt.Errorf("thumbnail download failed: %w", err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind temp file: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(f, p.opts.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read temp file: %w", err)
	}
	return data, nil
}

// SweepTempDir removes thumbnail temp files left behind by a previous run.
func SweepTempDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read temp directory: %w", err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "thumb-") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
