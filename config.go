package spacemap

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the converter settings that can live in a config file or in
// SPACEMAP_* environment variables.
type Config struct {
	AliasField  string   `mapstructure:"alias_field"`
	TagName     string   `mapstructure:"tag_name"`
	Naming      string   `mapstructure:"naming"`
	Strict      bool     `mapstructure:"strict"`
	MappingFile string   `mapstructure:"mapping_file"`
	LogLevel    string   `mapstructure:"log_level"`
	Postgres    PGConfig `mapstructure:"postgres"`
}

// LoadConfig reads the config file at path, any format viper understands.
// An empty path reads the environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("alias_field", DefaultAliasField)
	v.SetDefault("tag_name", "space")
	v.SetDefault("naming", "snake")
	v.SetDefault("log_level", "info")
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", "5432")

	v.SetEnvPrefix("SPACEMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return &cfg, nil
}

// Options turns the config into converter options, loading the mapping file
// it points to.
func (cfg *Config) Options() ([]ConverterOption, error) {
	options := []ConverterOption{
		WithAliasField(cfg.AliasField),
		WithTagName(cfg.TagName),
	}

	if cfg.Naming != "" {
		ns, ok := NamingStrategyByName(cfg.Naming)
		if !ok {
			return nil, fmt.Errorf("unknown naming strategy %q", cfg.Naming)
		}
		options = append(options, WithNamingStrategy(ns))
	}

	if cfg.Strict {
		options = append(options, WithStrictConversions())
	}

	if cfg.MappingFile != "" {
		mf, err := LoadMappingFile(cfg.MappingFile)
		if err != nil {
			return nil, err
		}
		options = append(options, WithMappingFile(mf))
	}

	if cfg.LogLevel != "" {
		logger, err := newLogger(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		options = append(options, WithLogger(logger))
	}

	return options, nil
}

// NewFromConfig creates a converter from cfg, extra options apply last.
func NewFromConfig(cfg *Config, extra ...ConverterOption) (*Converter, error) {
	options, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	return New(append(options, extra...)...)
}
