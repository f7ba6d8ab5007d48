// Package cmd provides the command-line surface of webtable: the crawl,
// sites, and merge verbs, configuration loading, and signal wiring.
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mfurusho/webtable/internal/config"
	"github.com/mfurusho/webtable/internal/crawler"
	"github.com/mfurusho/webtable/internal/logging"
	"github.com/mfurusho/webtable/internal/storage"
)

var (
	cfgFile   string
	version   string
	buildTime string
)

// rootCmd is the base command; the verbs hang off it as subcommands.
var rootCmd = &cobra.Command{
	Use:   "webtable",
	Short: "A polite, resumable web crawler that writes into SQL tables",
	Long: `Webtable fetches pages politely (robots.txt, per-host rate limits,
adaptive backoff) and persists the results into a user-named table of an
embedded SQLite store. Interrupted runs resume from the durable queue.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets version information for the CLI.
func SetVersionInfo(v, bt string) {
	version = v
	buildTime = bt
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildTime)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./webtable.yml)")
	rootCmd.PersistentFlags().Bool("show-config", false, "Display current configuration in YAML format and exit")

	rootCmd.PersistentFlags().StringP("database", "d", "./webtable.db", "Path to SQLite database file")
	rootCmd.PersistentFlags().StringP("user-agent", "u", "", "HTTP User-Agent header, also used for robots matching (required)")

	rootCmd.PersistentFlags().Float64("delay", 1.0, "Seed crawl delay in seconds when robots.txt has none")
	rootCmd.PersistentFlags().Float64("min-delay", 0.0, "Lower clamp on the effective per-host delay in seconds")
	rootCmd.PersistentFlags().Float64("max-delay", 60.0, "Upper clamp on the effective per-host delay in seconds")
	rootCmd.PersistentFlags().Bool("respect-robots", true, "Honor robots.txt rules")
	rootCmd.PersistentFlags().Bool("log-skipped", true, "Write synthetic rows for robots/policy skips")
	rootCmd.PersistentFlags().Float64("max-retry-backoff", 600, "Cap on retry backoff in seconds")
	rootCmd.PersistentFlags().Int("max-retries", 3, "Retries after the first attempt before a terminal error row is written")
	rootCmd.PersistentFlags().Int("max-parallel-per-domain", 8, "Per-host in-flight request cap")
	rootCmd.PersistentFlags().IntP("max-total-connections", "c", 32, "Global in-flight request cap")

	rootCmd.PersistentFlags().IntP("timeout", "t", 30, "Per-request timeout in seconds")
	rootCmd.PersistentFlags().Int("discovery-timeout", 15, "Timeout for robots.txt and sitemap fetches in seconds")
	rootCmd.PersistentFlags().Int64("max-response-bytes", 10<<20, "Response body size cap in bytes")
	rootCmd.PersistentFlags().Bool("compress", true, "Send Accept-Encoding: gzip, deflate")
	rootCmd.PersistentFlags().String("accept-content-types", "", "Comma-separated content-type glob allowlist")
	rootCmd.PersistentFlags().String("reject-content-types", "", "Comma-separated content-type glob blocklist")

	rootCmd.PersistentFlags().Int("sitemap-cache-hours", 24, "Sitemap cache TTL in hours")
	rootCmd.PersistentFlags().Bool("update-stale", false, "Re-crawl stored URLs whose sitemap lastmod is newer")
	rootCmd.PersistentFlags().String("like", "", "SQL LIKE pattern applied to URLs before enqueueing")

	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-file", "", "Log file path (console only when empty)")

	bindFlags := []struct {
		viperKey string
		flagName string
	}{
		{"database_path", "database"},
		{"user_agent", "user-agent"},
		{"default_crawl_delay", "delay"},
		{"min_crawl_delay", "min-delay"},
		{"max_crawl_delay", "max-delay"},
		{"respect_robots_txt", "respect-robots"},
		{"log_skipped", "log-skipped"},
		{"max_retry_backoff_seconds", "max-retry-backoff"},
		{"max_retries", "max-retries"},
		{"max_parallel_per_domain", "max-parallel-per-domain"},
		{"max_total_connections", "max-total-connections"},
		{"timeout_seconds", "timeout"},
		{"discovery_timeout_seconds", "discovery-timeout"},
		{"max_response_bytes", "max-response-bytes"},
		{"compress", "compress"},
		{"accept_content_types", "accept-content-types"},
		{"reject_content_types", "reject-content-types"},
		{"sitemap_cache_hours", "sitemap-cache-hours"},
		{"update_stale", "update-stale"},
		{"url_filter", "like"},
	}
	for _, bind := range bindFlags {
		if err := viper.BindPFlag(bind.viperKey, rootCmd.PersistentFlags().Lookup(bind.flagName)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind flag %s: %v\n", bind.flagName, err)
		}
	}
}

// initConfig reads in the config file and WT_ environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("webtable")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("WT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	opts := logging.DefaultOptions()
	opts.Level, _ = cmd.Flags().GetString("log-level")
	opts.FilePath, _ = cmd.Flags().GetString("log-file")
	return logging.Setup(opts)
}

// loadConfig builds the validated run configuration for a target table.
func loadConfig(target string) (*config.CrawlConfig, error) {
	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.TargetTable = target

	if cfg.UserAgent == "" {
		cfg.UserAgent = generateUserAgent()
	}
	return cfg, nil
}

func generateUserAgent() string {
	if version != "" && version != "dev" {
		return fmt.Sprintf("Webtable/%s", version)
	}
	return ""
}

// showCurrentConfig dumps the effective configuration as YAML.
func showCurrentConfig(cfg *config.CrawlConfig) error {
	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration to YAML: %w", err)
	}

	fmt.Printf("# Current webtable configuration\n")
	fmt.Printf("# Generated at: %s\n", time.Now().Format(time.RFC3339))
	fmt.Printf("# Configuration file search paths: ./webtable.yml\n")
	fmt.Printf("# Environment variables prefix: WT_\n\n")
	fmt.Print(string(yamlData))
	return nil
}

// openStorage opens the SQLite store, creating its directory when needed.
func openStorage(cfg *config.CrawlConfig) (*storage.SQLiteStorage, error) {
	dbDir := filepath.Dir(cfg.DatabasePath)
	if err := os.MkdirAll(dbDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return storage.NewSQLiteStorage(cfg.DatabasePath)
}

// crawlerFor binds a crawler to the config and storage. Table creation
// happens inside; a failure here is a bind-time error.
func crawlerFor(cfg *config.CrawlConfig, store *storage.SQLiteStorage) (*crawler.Crawler, error) {
	c, err := crawler.New(cfg, store)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize crawler: %w", err)
	}
	return c, nil
}

// installSignalHandler wires SIGINT/SIGTERM to the crawl's cancellation
// token: the first signal drains, a second within the window aborts. The
// returned func removes the handler.
func installSignalHandler(token *crawler.CancellationToken) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		for range sigCh {
			if token.Interrupt() {
				fmt.Fprintln(os.Stderr, "Second interrupt, aborting immediately")
			} else {
				fmt.Fprintln(os.Stderr, "Interrupt received, draining (press again to abort)")
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}
