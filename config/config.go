// Package config holds the client options and loads them from flags, DRM_* environment
// variables and an optional config file.
package config

import (
	"drm-client/addresspool"
	"drm-client/codec"
	"drm-client/loadbalance"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "DRM"

const (
	DefaultTimeout               = 5 * time.Second
	DefaultHeartbeatTimeout      = 30 * time.Second
	DefaultRegisterCheckInterval = 30 * time.Second
	DefaultQueryServerAddr       = "127.0.0.1:9881"
	DefaultCacheNamespace        = "default"
	DefaultRegisterRetries       = 3
	DefaultRegisterRetryDelay    = 500 * time.Millisecond
	DefaultReconnectBaseDelay    = 100 * time.Millisecond
	DefaultReconnectMaxDelay     = 30 * time.Second
)

// Options is the full client configuration.
type Options struct {
	Timeout               time.Duration // per RPC
	HeartbeatTimeout      time.Duration // ping interval and staleness threshold
	RegisterCheckInterval time.Duration

	EnableLocalCache bool
	CacheDir         string
	CacheNamespace   string

	EnableQueryServer bool
	QueryServerAddr   string

	// Discovery: etcd first, then the REST fallback; a static list replaces both.
	EtcdEndpoints        []string
	DiscoveryPrefix      string
	DiscoveryFallbackURL string
	StaticEndpoints      []string
	Balancer             string

	InstanceID string
	AccessKey  string
	SecretKey  string
	Zone       string

	RegisterRetries    int
	RegisterRetryDelay time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	Codec              string
}

// Default returns the options used when nothing is configured.
func Default() Options {
	return Options{
		Timeout:               DefaultTimeout,
		HeartbeatTimeout:      DefaultHeartbeatTimeout,
		RegisterCheckInterval: DefaultRegisterCheckInterval,
		CacheDir:              defaultCacheDir(),
		CacheNamespace:        DefaultCacheNamespace,
		QueryServerAddr:       DefaultQueryServerAddr,
		DiscoveryPrefix:       addresspool.DefaultPrefix,
		Balancer:              "round-robin",
		RegisterRetries:       DefaultRegisterRetries,
		RegisterRetryDelay:    DefaultRegisterRetryDelay,
		ReconnectBaseDelay:    DefaultReconnectBaseDelay,
		ReconnectMaxDelay:     DefaultReconnectMaxDelay,
		Codec:                 "json",
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "drm")
	}
	return filepath.Join(os.TempDir(), "drm")
}

// Validate reports the first option that cannot work.
func (o Options) Validate() error {
	if o.Timeout <= 0 {
		return errors.New("config: timeout must be positive")
	}
	if o.HeartbeatTimeout <= 0 || o.RegisterCheckInterval <= 0 {
		return errors.New("config: heartbeat-timeout and register-check-interval must be positive")
	}
	if o.EnableLocalCache && o.CacheDir == "" {
		return errors.New("config: cache-dir is required when the local cache is enabled")
	}
	if o.EnableQueryServer && o.QueryServerAddr == "" {
		return errors.New("config: query-server-addr is required when the query server is enabled")
	}
	if len(o.EtcdEndpoints) == 0 && len(o.StaticEndpoints) == 0 && o.DiscoveryFallbackURL == "" {
		return errors.New("config: no discovery source configured")
	}
	if _, err := codec.ParseCodecType(o.Codec); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := loadbalance.New(o.Balancer, ""); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// RegisterFlags defines one flag per option on flags, defaulted from Default().
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("config", "", "path to a config file (yaml, json or toml)")
	flags.Duration("timeout", d.Timeout, "RPC timeout")
	flags.Duration("heartbeat-timeout", d.HeartbeatTimeout, "ping interval and registration staleness threshold")
	flags.Duration("register-check-interval", d.RegisterCheckInterval, "interval of the stale registration sweep")
	flags.Bool("enable-local-cache", d.EnableLocalCache, "persist accepted values and serve them before the network is ready")
	flags.String("cache-dir", d.CacheDir, "local cache directory")
	flags.String("cache-namespace", d.CacheNamespace, "sub-directory of cache-dir for this application")
	flags.Bool("enable-query-server", d.EnableQueryServer, "serve cached values to local tools")
	flags.String("query-server-addr", d.QueryServerAddr, "listen address of the query server")
	flags.StringSlice("etcd-endpoints", nil, "etcd endpoints used for server discovery")
	flags.String("discovery-prefix", d.DiscoveryPrefix, "etcd key prefix servers announce under")
	flags.String("discovery-fallback-url", "", "REST base URL returning the server list")
	flags.StringSlice("static-endpoints", nil, "fixed server list (host:port), skips discovery")
	flags.String("balancer", d.Balancer, "endpoint selection: round-robin, weighted-random or consistent-hash")
	flags.String("instance-id", "", "instance id sent on registration")
	flags.String("access-key", "", "access key sent on registration")
	flags.String("secret-key", "", "secret key sent with access-key on registration")
	flags.String("zone", "", "zone sent on registration")
	flags.Int("register-retries", d.RegisterRetries, "register attempts before reporting a failure")
	flags.Duration("register-retry-delay", d.RegisterRetryDelay, "base delay between register attempts")
	flags.Duration("reconnect-base-delay", d.ReconnectBaseDelay, "first reconnect delay")
	flags.Duration("reconnect-max-delay", d.ReconnectMaxDelay, "reconnect delay cap")
	flags.String("codec", d.Codec, "wire codec: json or binary")
}

// NewViper returns a viper instance reading DRM_* environment variables, with defaults
// from Default() and flags bound when flags is not nil.
func NewViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("heartbeat-timeout", d.HeartbeatTimeout)
	v.SetDefault("register-check-interval", d.RegisterCheckInterval)
	v.SetDefault("enable-local-cache", d.EnableLocalCache)
	v.SetDefault("cache-dir", d.CacheDir)
	v.SetDefault("cache-namespace", d.CacheNamespace)
	v.SetDefault("enable-query-server", d.EnableQueryServer)
	v.SetDefault("query-server-addr", d.QueryServerAddr)
	v.SetDefault("discovery-prefix", d.DiscoveryPrefix)
	v.SetDefault("balancer", d.Balancer)
	v.SetDefault("register-retries", d.RegisterRetries)
	v.SetDefault("register-retry-delay", d.RegisterRetryDelay)
	v.SetDefault("reconnect-base-delay", d.ReconnectBaseDelay)
	v.SetDefault("reconnect-max-delay", d.ReconnectMaxDelay)
	v.SetDefault("codec", d.Codec)
}

// Load reads options from the config file at path (optional) and the environment.
func Load(path string) (Options, error) {
	v, err := NewViper(nil)
	if err != nil {
		return Options{}, err
	}
	return FromViper(v, path)
}

// FromViper reads the config file at path into v when path is set, then decodes v.
func FromViper(v *viper.Viper, path string) (Options, error) {
	if path == "" {
		path = strings.TrimSpace(v.GetString("config"))
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Options{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	o := Options{
		Timeout:               v.GetDuration("timeout"),
		HeartbeatTimeout:      v.GetDuration("heartbeat-timeout"),
		RegisterCheckInterval: v.GetDuration("register-check-interval"),
		EnableLocalCache:      v.GetBool("enable-local-cache"),
		CacheDir:              v.GetString("cache-dir"),
		CacheNamespace:        v.GetString("cache-namespace"),
		EnableQueryServer:     v.GetBool("enable-query-server"),
		QueryServerAddr:       v.GetString("query-server-addr"),
		EtcdEndpoints:         stringList(v.GetStringSlice("etcd-endpoints")),
		DiscoveryPrefix:       v.GetString("discovery-prefix"),
		DiscoveryFallbackURL:  v.GetString("discovery-fallback-url"),
		StaticEndpoints:       stringList(v.GetStringSlice("static-endpoints")),
		Balancer:              v.GetString("balancer"),
		InstanceID:            v.GetString("instance-id"),
		AccessKey:             v.GetString("access-key"),
		SecretKey:             v.GetString("secret-key"),
		Zone:                  v.GetString("zone"),
		RegisterRetries:       v.GetInt("register-retries"),
		RegisterRetryDelay:    v.GetDuration("register-retry-delay"),
		ReconnectBaseDelay:    v.GetDuration("reconnect-base-delay"),
		ReconnectMaxDelay:     v.GetDuration("reconnect-max-delay"),
		Codec:                 v.GetString("codec"),
	}
	return o, nil
}

// stringList splits comma separated entries, as environment variables carry lists.
func stringList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
