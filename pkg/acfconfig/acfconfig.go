// Package acfconfig loads the fabric's configuration from a YAML file,
// adapted from pkg/config.Loader: file-provider koanf with `${VAR}`
// environment-variable expansion over the raw tree before unmarshal.
//
// The consul/etcd/zookeeper provider variants from the teacher are not
// carried forward -- they are stubbed "not yet implemented" there too,
// so there is nothing live to adapt, and a single-process fabric daemon
// needs only a file plus secrets-via-env.
package acfconfig

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// RateLimitTier is one tier's requests-per-minute ceiling.
type RateLimitTier struct {
	Name            string `yaml:"name"`
	RequestsPerMin  int64  `yaml:"requests_per_minute"`
}

// Config is the fabric's full runtime configuration.
type Config struct {
	// ChannelDefaultWaitMs holds per-channel base waits as read from the
	// file. pkg/accumulate does not read it; its built-in per-channel
	// table is what SuggestWaitMs uses.
	ChannelDefaultWaitMs map[string]int `yaml:"channel_default_wait_ms"`

	AccumulationMinWaitMs int `yaml:"accumulation_min_wait_ms"`
	AccumulationMaxWaitMs int `yaml:"accumulation_max_wait_ms"`

	MutexLockTimeout      time.Duration `yaml:"mutex_lock_timeout"`
	MutexBlockingTimeout  time.Duration `yaml:"mutex_blocking_timeout"`
	MutexRetryInterval    time.Duration `yaml:"mutex_retry_interval"`

	RateLimitTiers []RateLimitTier `yaml:"rate_limit_tiers"`

	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`

	SQLDialect string `yaml:"sql_dialect"`
	SQLDSN     string `yaml:"sql_dsn"`

	HTTPListenAddr string `yaml:"http_listen_addr"`

	JWTJWKSURL   string `yaml:"jwt_jwks_url"`
	JWTIssuer    string `yaml:"jwt_issuer"`
	JWTAudience  string `yaml:"jwt_audience"`

	OTelExporterEndpoint string  `yaml:"otel_exporter_endpoint"`
	OTelSamplingRatio    float64 `yaml:"otel_sampling_ratio"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// LoaderOptions configures Load. Path is required; the rest have
// fabric-sensible zero values.
type LoaderOptions struct {
	Path     string
	Watch    bool
	OnChange func(*Config) error
}

// Loader loads and, optionally, hot-reloads Config from a YAML file.
type Loader struct {
	koanf    *koanf.Koanf
	options  LoaderOptions
	parser   *yaml.YAML
	stopChan chan struct{}
}

// NewLoader builds a Loader for opts.Path.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("acfconfig: path is required")
	}
	return &Loader{
		koanf:    koanf.New("."),
		options:  opts,
		parser:   yaml.Parser(),
		stopChan: make(chan struct{}),
	}, nil
}

// Load reads the file, expands ${VAR} references against the process
// environment, and unmarshals into a Config with fabric defaults applied
// to any zero-valued field.
func (l *Loader) Load() (*Config, error) {
	provider := file.Provider(l.options.Path)
	if err := l.koanf.Load(provider, l.parser); err != nil {
		return nil, fmt.Errorf("acfconfig: load %s: %w", l.options.Path, err)
	}

	if err := l.expandEnvVars(); err != nil {
		return nil, fmt.Errorf("acfconfig: expand env vars: %w", err)
	}

	cfg, err := l.unmarshal()
	if err != nil {
		return nil, err
	}

	if l.options.Watch {
		go l.watch(provider)
	}
	return cfg, nil
}

func (l *Loader) unmarshal() (*Config, error) {
	cfg := &Config{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("acfconfig: unmarshal: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.AccumulationMinWaitMs == 0 {
		cfg.AccumulationMinWaitMs = 200
	}
	if cfg.AccumulationMaxWaitMs == 0 {
		cfg.AccumulationMaxWaitMs = 3000
	}
	if cfg.MutexLockTimeout == 0 {
		cfg.MutexLockTimeout = 30 * time.Second
	}
	if cfg.MutexBlockingTimeout == 0 {
		cfg.MutexBlockingTimeout = 5 * time.Second
	}
	if cfg.MutexRetryInterval == 0 {
		cfg.MutexRetryInterval = 50 * time.Millisecond
	}
	if cfg.SQLDialect == "" {
		cfg.SQLDialect = "sqlite"
	}
	if cfg.HTTPListenAddr == "" {
		cfg.HTTPListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "simple"
	}
	if cfg.OTelSamplingRatio == 0 {
		cfg.OTelSamplingRatio = 0.1
	}
}

// watch reloads Config whenever the underlying provider reports a
// change (via the fsnotify watcher of koanf's file provider).
func (l *Loader) watch(provider koanf.Provider) {
	watcher, ok := provider.(interface {
		Watch(cb func(event interface{}, err error)) error
	})
	if !ok {
		return
	}

	_ = watcher.Watch(func(event interface{}, err error) {
		select {
		case <-l.stopChan:
			return
		default:
		}
		if err != nil {
			return
		}

		if loadErr := l.koanf.Load(provider, l.parser); loadErr != nil {
			return
		}
		if expErr := l.expandEnvVars(); expErr != nil {
			return
		}
		newCfg, unmarshalErr := l.unmarshal()
		if unmarshalErr != nil {
			return
		}
		if l.options.OnChange != nil {
			_ = l.options.OnChange(newCfg)
		}
	})
}

// Stop makes later change notifications no-ops. The file provider's own
// watcher is not stopped, and Stop must be called at most once.
func (l *Loader) Stop() { close(l.stopChan) }

var (
	envWithDefault = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`)
	envBraced      = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
	envSimple      = regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`)
)

func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	s = envWithDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envWithDefault.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
	s = envBraced.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envBraced.FindStringSubmatch(match)[1])
	})
	s = envSimple.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envSimple.FindStringSubmatch(match)[1])
	})
	return s
}

func parseScalar(value string) interface{} {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

func expandEnvVarsInData(data interface{}) interface{} {
	switch v := data.(type) {
	case string:
		expanded := expandEnvVars(v)
		if expanded != v {
			return parseScalar(expanded)
		}
		return expanded
	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, value := range v {
			result[key] = expandEnvVarsInData(value)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			result[i] = expandEnvVarsInData(item)
		}
		return result
	default:
		return v
	}
}

func (l *Loader) expandEnvVars() error {
	expanded, ok := expandEnvVarsInData(l.koanf.Raw()).(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected type after environment variable expansion")
	}
	newKoanf := koanf.New(".")
	if err := newKoanf.Load(confmap.Provider(expanded, "."), nil); err != nil {
		return fmt.Errorf("reload expanded config: %w", err)
	}
	l.koanf = newKoanf
	return nil
}
