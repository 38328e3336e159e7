package cmd

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	goAuthSync "github.com/MrEthical07/goAuthSync"
)

var (
	configPath   string
	logLevel     string
	otlpEndpoint string
)

var rootCmd = &cobra.Command{
	Use:   "goauthsync",
	Short: "Cross-tab session synchronization toolkit",
	Long: `goauthsync keeps every tab of one origin on the same authentication state.

The serve command hosts a development token issuer and a websocket relay;
simulate drives a group of tabs through login, refresh and logout and reports
whether they converged.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().StringVar(&otlpEndpoint, "otlp-endpoint", os.Getenv("GOAUTHSYNC_OTLP_ENDPOINT"), "OTLP/HTTP traces endpoint URL; tracing is off when empty")
}

// loadConfig applies the file and environment layers, then the --log-level flag.
func loadConfig() (goAuthSync.Config, *log.Logger, error) {
	cfg, err := goAuthSync.LoadConfig(configPath)
	if err != nil {
		return goAuthSync.Config{}, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return goAuthSync.Config{}, nil, err
		}
	}
	return cfg, goAuthSync.NewLogger(os.Stderr, cfg.Logging.Level), nil
}
