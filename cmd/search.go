package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-finder/internal/apperr"
	"github.com/kozaktomas/face-finder/internal/audit"
	"github.com/kozaktomas/face-finder/internal/constants"
	"github.com/kozaktomas/face-finder/internal/session"
)

// pollInterval is how often the CLI reads search progress.
const pollInterval = 250 * time.Millisecond

var searchCmd = &cobra.Command{
	Use:   "search <image>",
	Short: "Search the configured sites for a face",
	Long: `Run a face search in-process and print the matching videos.
The largest face in the image is used. Sites come from SITE_DESCRIPTORS and
the session is deleted when the command exits.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().Float64("threshold", constants.DefaultThreshold, "Minimum similarity (0.1-1.0)")
	searchCmd.Flags().Duration("timeout", 5*time.Minute, "Give up after this long")
}

func runSearch(cmd *cobra.Command, args []string) error {
	threshold := mustGetFloat64(cmd, "threshold")
	if !session.ValidThreshold(threshold) {
		return fmt.Errorf("threshold must be between %.1f and %.1f", constants.MinThreshold, constants.MaxThreshold)
	}
	timeout := mustGetDuration(cmd, "timeout")

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	cfg, logger := loadConfig(cmd)
	a, err := newApp(cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx = audit.WithActor(ctx, audit.Actor{Principal: "cli", UserAgent: "face-finder/" + Version})

	a.start(ctx)

	res, err := a.search.ProcessImage(ctx, data)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNoFaceDetected) {
			fmt.Println("No face detected in the image.")
			return nil
		}
		_, msg := apperr.Public(err)
		return fmt.Errorf("search failed: %s", msg)
	}
	defer func() {
		if err := a.search.Delete(context.Background(), res.SearchID); err != nil && !apperr.IsKind(err, apperr.KindSessionNotFound) {
			logger.WithError(err).Warn("failed to delete session")
		}
	}()

	fmt.Printf("Face detected, searching %d site(s)...\n", len(a.sites))
	if err := waitForSearch(ctx, a.store, res.SearchID); err != nil {
		return err
	}

	view, err := a.search.Results(ctx, res.SearchID, &threshold)
	if err != nil {
		_, msg := apperr.Public(err)
		return fmt.Errorf("reading results: %s", msg)
	}
	printResults(view)
	return nil
}

// waitForSearch polls progress into a progress bar until the search ends.
func waitForSearch(ctx context.Context, store *session.Store, id string) error {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("Scanning thumbnails"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		status, progress, err := store.Progress(id)
		if err != nil {
			return fmt.Errorf("reading progress: %w", err)
		}
		_ = bar.Set(progress)
		if status.Terminal() {
			_ = bar.Finish()
			fmt.Println()
			return nil
		}

		select {
		case <-ctx.Done():
			fmt.Println()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errors.New("search timed out")
			}
			return errors.New("search interrupted")
		case <-ticker.C:
		}
	}
}

func printResults(view session.View) {
	if view.Error != nil {
		fmt.Printf("Search failed: %s (%s)\n", view.Error.Message, view.Error.Code)
	}

	for _, site := range view.ProcessedSites {
		if !site.Success {
			fmt.Printf("  Site %s failed: %s\n", site.Site, site.Error)
		}
	}
	if n := len(view.Errors); n > 0 {
		fmt.Printf("  %d thumbnail(s) could not be processed\n", n)
	}

	if len(view.Results) == 0 {
		fmt.Printf("No matches at threshold %.2f (%d candidate match(es) below it)\n", view.Threshold, view.TotalMatches)
		return
	}

	fmt.Printf("\nFound %d match(es) at threshold %.2f:\n\n", len(view.Results), view.Threshold)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tSITE\tFACES\tTITLE\tURL")
	for _, r := range view.Results {
		fmt.Fprintf(w, "%.2f\t%s\t%d\t%s\t%s\n", r.SimilarityScore, r.SourceWebsite, r.FaceCount, truncate(r.Title, 50), r.VideoURL)
	}
	w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
