// Package config loads labrun settings. LABRUN_* environment variables
// override labrun.yaml, which overrides the built-in defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configFileName = "labrun"
	configFileType = "yaml"
	envPrefix      = "LABRUN"
)

// Config keys.
const (
	KeyVersion            = "version"
	KeyStorePath          = "store.path"
	KeyLocalDir           = "local.dir"
	KeyDataDir            = "data.dir"
	KeyWriterDelay        = "writer.delay"
	KeyWriterMaxWait      = "writer.max_wait"
	KeyWriterFlushTimeout = "writer.flush_timeout"
	KeyCacheRefresh       = "cache.refresh_interval"
	KeyProlificBaseURL    = "prolific.base_url"
	KeyProlificProjectID  = "prolific.project_id"
	KeyProlificToken      = "prolific.token"
	KeyProlificTokenFile  = "prolific.token_file"
	KeyProlificPageSize   = "prolific.page_size"
	KeyProlificTimeout    = "prolific.status_timeout"
	KeyPublicURL          = "public_url"
	KeyServerAddr         = "server.addr"
)

// Config is the resolved labrun configuration.
type Config struct {
	// Version tags sessions and seeds completion codes.
	Version string

	// StorePath is the SQLite document store.
	StorePath string
	// LocalDir holds the badger local store.
	LocalDir string
	// DataDir is the root of the local data mirror.
	DataDir string

	WriterDelay        time.Duration
	WriterMaxWait      time.Duration
	WriterFlushTimeout time.Duration

	CacheRefresh time.Duration

	Prolific Prolific

	// PublicURL is where participants reach the experiment.
	PublicURL string

	ServerAddr string

	// File is the config file that was read, empty when none was found.
	File string
}

// Prolific holds recruitment platform settings.
type Prolific struct {
	BaseURL       string
	ProjectID     string
	Token         string
	TokenFile     string
	PageSize      int
	StatusTimeout time.Duration
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyVersion, "dev")
	v.SetDefault(KeyStorePath, "labrun.db")
	v.SetDefault(KeyLocalDir, filepath.Join(".labrun", "local"))
	v.SetDefault(KeyDataDir, "data")
	v.SetDefault(KeyWriterDelay, time.Second)
	v.SetDefault(KeyWriterMaxWait, 5*time.Second)
	v.SetDefault(KeyWriterFlushTimeout, 10*time.Second)
	v.SetDefault(KeyCacheRefresh, 60*time.Second)
	v.SetDefault(KeyProlificBaseURL, "https://api.prolific.com/api/v1")
	v.SetDefault(KeyProlificProjectID, "")
	v.SetDefault(KeyProlificToken, "")
	v.SetDefault(KeyProlificTokenFile, ".prolific_token")
	v.SetDefault(KeyProlificPageSize, 5)
	v.SetDefault(KeyProlificTimeout, 2*time.Second)
	v.SetDefault(KeyPublicURL, "http://localhost:3000")
	v.SetDefault(KeyServerAddr, ":3000")
}

// New returns a viper instance with defaults and environment binding but
// no config file.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads labrun.yaml from file when given, otherwise from the working
// directory. A missing labrun.yaml in the working directory is not an
// error; a missing explicit file is.
func Load(file string) (Config, error) {
	v := New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper resolves a Config from v and validates it.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Version:            v.GetString(KeyVersion),
		StorePath:          v.GetString(KeyStorePath),
		LocalDir:           v.GetString(KeyLocalDir),
		DataDir:            v.GetString(KeyDataDir),
		WriterDelay:        v.GetDuration(KeyWriterDelay),
		WriterMaxWait:      v.GetDuration(KeyWriterMaxWait),
		WriterFlushTimeout: v.GetDuration(KeyWriterFlushTimeout),
		CacheRefresh:       v.GetDuration(KeyCacheRefresh),
		Prolific: Prolific{
			BaseURL:       strings.TrimRight(v.GetString(KeyProlificBaseURL), "/"),
			ProjectID:     v.GetString(KeyProlificProjectID),
			Token:         v.GetString(KeyProlificToken),
			TokenFile:     v.GetString(KeyProlificTokenFile),
			PageSize:      v.GetInt(KeyProlificPageSize),
			StatusTimeout: v.GetDuration(KeyProlificTimeout),
		},
		PublicURL:  strings.TrimRight(v.GetString(KeyPublicURL), "/"),
		ServerAddr: v.GetString(KeyServerAddr),
		File:       v.ConfigFileUsed(),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that have no usable fallback.
func (c Config) Validate() error {
	var errs []error
	if c.Version == "" {
		errs = append(errs, errors.New("version must not be empty"))
	}
	if c.WriterDelay <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %s", KeyWriterDelay, c.WriterDelay))
	}
	if c.WriterMaxWait < c.WriterDelay {
		errs = append(errs, fmt.Errorf("%s (%s) must not be shorter than %s (%s)", KeyWriterMaxWait, c.WriterMaxWait, KeyWriterDelay, c.WriterDelay))
	}
	if c.WriterFlushTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %s", KeyWriterFlushTimeout, c.WriterFlushTimeout))
	}
	if c.Prolific.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeyProlificPageSize, c.Prolific.PageSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
