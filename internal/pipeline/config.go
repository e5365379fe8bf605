package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tapline-io/tapline/internal/config"
	"github.com/tapline-io/tapline/internal/ingestion"
)

// DefaultConfigPath is the default location for the pipeline configuration file.
const DefaultConfigPath = ".tapline.yaml"

// ConfigPathEnvVar is the environment variable name for a custom config path.
const ConfigPathEnvVar = "TAPLINE_CONFIG_PATH"

type (
	// Config declares the run's feed layout and watermark file location,
	// loaded from .tapline.yaml.
	Config struct {
		// WatermarkFile is the line-oriented watermark state file.
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		WatermarkFile string `yaml:"watermark_file"`

		// InventoryFeed is the bar stock snapshot CSV.
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		InventoryFeed string `yaml:"inventory_feed"`

		// SaleFeeds declares one entry per bar location.
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		SaleFeeds []FeedConfig `yaml:"sale_feeds"`
	}

	// FeedConfig declares one sale feed's physical layout.
	FeedConfig struct {
		Source    string   `yaml:"source"`
		Path      string   `yaml:"path"`
		Delimiter string   `yaml:"delimiter"`
		Gzip      bool     `yaml:"gzip"`
		Header    bool     `yaml:"header"`
		Columns   []string `yaml:"columns"`
	}
)

// ErrUnknownFeedSource is returned when a configured feed names an unknown bar.
var ErrUnknownFeedSource = errors.New("unknown feed source")

// DefaultConfig returns the canonical three-bar feed layout matching the
// out-of-band delivery contract.
func DefaultConfig() *Config {
	return &Config{
		WatermarkFile: "last_update.txt",
		InventoryFeed: "data/bar_data.csv",
		SaleFeeds: []FeedConfig{
			{Source: "budapest", Path: "data/budapest.csv.gz", Delimiter: ",", Gzip: true, Header: true},
			{Source: "london", Path: "data/london_transactions.csv.gz", Delimiter: "\t", Gzip: true},
			{Source: "new_york", Path: "data/ny.csv.gz", Delimiter: ",", Gzip: true, Header: true},
		},
	}
}

// LoadConfig loads pipeline configuration from a YAML file at the given path.
//
// Behavior:
//   - Returns the default layout (not an error) if the file doesn't exist
//   - Returns the default layout + logs a warning if the YAML is invalid
//   - Returns the parsed config on success, with unset fields defaulted
//
// The graceful degradation mirrors the out-of-band feed contract: the three
// canonical feeds are the common case and a config file is optional.
func LoadConfig(path string) *Config {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Config file not found, using default feed layout",
				slog.String("path", path))

			return DefaultConfig()
		}

		slog.Warn("Failed to read config file, using default feed layout",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultConfig()
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse config file, using default feed layout",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultConfig()
	}

	defaults := DefaultConfig()

	if cfg.WatermarkFile == "" {
		cfg.WatermarkFile = defaults.WatermarkFile
	}

	if cfg.InventoryFeed == "" {
		cfg.InventoryFeed = defaults.InventoryFeed
	}

	if len(cfg.SaleFeeds) == 0 {
		cfg.SaleFeeds = defaults.SaleFeeds
	}

	return cfg
}

// LoadConfigFromEnv loads config from the path in TAPLINE_CONFIG_PATH,
// falling back to ".tapline.yaml" in the current directory.
func LoadConfigFromEnv() *Config {
	return LoadConfig(config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath))
}

// FeedSpecs converts the configured feeds into source adapter specs.
// Returns ErrUnknownFeedSource when a feed names a bar outside the known set.
func (c *Config) FeedSpecs() ([]ingestion.FeedSpec, error) {
	specs := make([]ingestion.FeedSpec, 0, len(c.SaleFeeds))

	for _, feed := range c.SaleFeeds {
		source := ingestion.SourceID(feed.Source)
		if !source.IsValid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownFeedSource, feed.Source)
		}

		delimiter := ','
		if feed.Delimiter != "" {
			delimiter = []rune(feed.Delimiter)[0]
		}

		specs = append(specs, ingestion.FeedSpec{
			Source:    source,
			Path:      feed.Path,
			Delimiter: delimiter,
			Gzip:      feed.Gzip,
			HasHeader: feed.Header,
			Columns:   feed.Columns,
		})
	}

	return specs, nil
}
