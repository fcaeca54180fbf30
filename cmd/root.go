package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "face-finder",
	Short: "Find videos whose thumbnails show a given face",
	Long: `Face Finder takes a photo of a person, extracts a face embedding and
searches the thumbnails of configured video sites for the same face.
Sessions live in memory only; biometric data is sealed at rest and erased
when a session is deleted or expires.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().String("log-level", "", "Log level (overrides LOG_LEVEL)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// loadConfig reads the environment and sets up the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger) {
	cfg := config.Load()
	if level := mustGetString(cmd, "log-level"); level != "" {
		cfg.Log.Level = level
	}
	return cfg, logging.New(cfg.Log.Level, cfg.Log.Format)
}
