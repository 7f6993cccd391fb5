package functree

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/getsentry/functree/internal/errorutil"
	"github.com/getsentry/functree/internal/filter"
)

const (
	DefaultPath            = "function_times.log"
	DefaultMinimumDuration = 50 * time.Millisecond

	// All keeps every call that lasted at least the minimum duration.
	All = filter.All
)

// TopK is the number of longest calls kept in each tree, or All.
type TopK = filter.TopK

// Config is the output configuration of a Timer.
type Config struct {
	Path            string        `yaml:"path" json:"path" toml:"path" env:"FUNCTREE_PATH" env-default:"function_times.log" env-description:"file call trees are appended to"`
	MinimumDuration time.Duration `yaml:"minimum_duration" json:"minimum_duration" toml:"minimum_duration" env:"FUNCTREE_MINIMUM_DURATION" env-default:"50ms" env-description:"calls shorter than this are not reported"`
	TopK            TopK          `yaml:"top_k" json:"top_k" toml:"top_k" env:"FUNCTREE_TOP_K" env-default:"all" env-description:"number of longest calls kept per tree, or all"`
}

func DefaultConfig() Config {
	return Config{
		Path:            DefaultPath,
		MinimumDuration: DefaultMinimumDuration,
		TopK:            All,
	}
}

// ParseTopK accepts a positive integer or "all".
func ParseTopK(s string) (TopK, error) {
	return filter.ParseTopK(s)
}

func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: empty path", errorutil.ErrInvalidConfig)
	}
	return c.filter().Validate()
}

func (c Config) filter() filter.Config {
	return filter.Config{
		MinimumDuration: c.MinimumDuration,
		TopK:            c.TopK,
	}
}

// ConfigFromEnv reads FUNCTREE_PATH, FUNCTREE_MINIMUM_DURATION and
// FUNCTREE_TOP_K, using the defaults for the ones not set.
func ConfigFromEnv() (Config, error) {
	var c Config
	if err := cleanenv.ReadEnv(&c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", errorutil.ErrInvalidConfig, err)
	}
	return c, c.Validate()
}

// LoadConfig reads a YAML, JSON, TOML, EDN or .env file. Environment
// variables take precedence over the file.
func LoadConfig(path string) (Config, error) {
	var c Config
	if err := cleanenv.ReadConfig(path, &c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", errorutil.ErrInvalidConfig, err)
	}
	return c, c.Validate()
}

// ConfigUsage describes the environment variables understood by
// ConfigFromEnv.
func ConfigUsage() string {
	var c Config
	usage, err := cleanenv.GetDescription(&c, nil)
	if err != nil {
		return ""
	}
	return usage
}
