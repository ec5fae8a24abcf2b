// Package config loads environment options from a config file, .env files
// and SDBX_* environment variables.
//
// Keys use dashes in files ("max-readers") and underscores in the
// environment (SDBX_MAX_READERS). Sizes accept kb, mb and gb suffixes
// (binary multiples), flags are a comma separated list.
//
// The "log" key picks the environment logger: "zap", "logrus" or "slog".
// Left empty, the environment does not log.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Giulio2002/sdbx"
	"github.com/Giulio2002/sdbx/logger"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "sdbx"

// Keys understood by Load.
const (
	KeyPath            = "path"
	KeyFlags           = "flags"
	KeyMode            = "mode"
	KeySizeLower       = "size-lower"
	KeySizeNow         = "size-now"
	KeySizeUpper       = "size-upper"
	KeyGrowthStep      = "growth-step"
	KeyShrinkThreshold = "shrink-threshold"
	KeyPageSize        = "page-size"
	KeyMaxReaders      = "max-readers"
	KeyMaxTables       = "max-tables"
	KeyCacheSize       = "cache-size"
	KeySpillThreshold  = "spill-threshold"
	KeySyncBytes       = "sync-bytes"
	KeySyncPeriod      = "sync-period"
	KeyLog             = "log"
	KeyLogLevel        = "log-level"
)

var envFlagNames = map[string]sdbx.EnvFlags{
	"nosubdir":       sdbx.NoSubdir,
	"safe-nosync":    sdbx.SafeNoSync,
	"readonly":       sdbx.ReadOnly,
	"nometasync":     sdbx.NoMetaSync,
	"sticky-threads": sdbx.StickyThreads,
	"exclusive":      sdbx.Exclusive,
	"accede":         sdbx.Accede,
	"utterly-nosync": sdbx.UtterlyNoSync,
	"durable":        sdbx.Durable,
}

var unsetGeometry = sdbx.Geometry{
	SizeLower:       -1,
	SizeNow:         -1,
	SizeUpper:       -1,
	GrowthStep:      -1,
	ShrinkThreshold: -1,
	PageSize:        -1,
}

// Config is a loaded configuration.
type Config struct {
	Path    string
	Options sdbx.Options
}

// Load reads .env and .env.local from the working directory when present,
// then file (if not empty), then SDBX_* variables, which take precedence.
func Load(file string) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault(KeyMode, "0644")
	v.SetDefault(KeyLogLevel, "info")

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}
	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	flags, err := ParseFlags(v.GetStringSlice(KeyFlags))
	if err != nil {
		return nil, err
	}
	mode, err := strconv.ParseUint(v.GetString(KeyMode), 8, 32)
	if err != nil {
		return nil, fmt.Errorf("config: invalid mode %q: %w", v.GetString(KeyMode), err)
	}

	c := &Config{
		Path: v.GetString(KeyPath),
		Options: sdbx.Options{
			Flags:      flags,
			Mode:       os.FileMode(mode),
			MaxReaders: v.GetInt(KeyMaxReaders),
			MaxTables:  v.GetInt(KeyMaxTables),
			CacheSize:  v.GetInt(KeyCacheSize),
			SyncBytes:  uint64(v.GetSizeInBytes(KeySyncBytes)),
			SyncPeriod: v.GetDuration(KeySyncPeriod),

			SpillThreshold: v.GetInt(KeySpillThreshold),
		},
	}
	if c.Options.SyncPeriod < 0 {
		return nil, fmt.Errorf("config: negative %s", KeySyncPeriod)
	}
	if c.Options.Logger, err = NewLogger(v.GetString(KeyLog), v.GetString(KeyLogLevel)); err != nil {
		return nil, err
	}

	geo := sdbx.Geometry{
		SizeLower:       size(v, KeySizeLower),
		SizeNow:         size(v, KeySizeNow),
		SizeUpper:       size(v, KeySizeUpper),
		GrowthStep:      size(v, KeyGrowthStep),
		ShrinkThreshold: size(v, KeyShrinkThreshold),
		PageSize:        -1,
	}
	if v.IsSet(KeyPageSize) {
		geo.PageSize = int(v.GetSizeInBytes(KeyPageSize))
	}
	if geo != unsetGeometry {
		c.Options.Geometry = &geo
	}
	return c, nil
}

// Open opens the configured environment.
func (c *Config) Open() (*sdbx.Env, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("config: %s is not set", KeyPath)
	}
	return sdbx.Open(c.Path, c.Options)
}

// ParseFlags turns flag names into EnvFlags. Each element may itself hold
// several comma separated names.
func ParseFlags(names []string) (sdbx.EnvFlags, error) {
	var flags sdbx.EnvFlags
	for _, item := range names {
		for _, name := range strings.Split(item, ",") {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			f, ok := envFlagNames[name]
			if !ok {
				return 0, fmt.Errorf("config: unknown flag %q", name)
			}
			flags |= f
		}
	}
	return flags, nil
}

func size(v *viper.Viper, key string) sdbx.Size {
	if !v.IsSet(key) {
		return -1
	}
	return sdbx.Size(v.GetSizeInBytes(key))
}

// NewLogger builds the logger named by kind at the given level. An empty
// kind returns nil, which leaves the environment silent.
func NewLogger(kind, level string) (sdbx.Logger, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "":
		return nil, nil
	case "zap":
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", KeyLogLevel, err)
		}
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		l, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("config: build zap logger: %w", err)
		}
		return logger.NewZap(l), nil
	case "logrus":
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", KeyLogLevel, err)
		}
		l := logrus.New()
		l.SetLevel(lvl)
		return logger.NewLogrus(l), nil
	case "slog":
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("config: %s: %w", KeyLogLevel, err)
		}
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
	}
	return nil, fmt.Errorf("config: unknown logger %q", kind)
}
