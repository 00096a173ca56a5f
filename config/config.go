// Package config holds the typed proxy configuration, its template-driven
// loader and the manager that persists it.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Download modes for the cloud-drive backend.
const (
	ModeDirect = "direct"
	ModeProxy  = "proxy"
)

// Access filter modes.
const (
	FilterBlacklist = "blacklist"
	FilterWhitelist = "whitelist"
)

const redactedValue = "******"

// ErrInvalid is wrapped by errors from a configuration that fails validation.
var ErrInvalid = errors.New("invalid config")

// DefaultAPIBase is the cloud-drive open API endpoint.
const DefaultAPIBase = "https://open-api.123pan.com"

// Config is the complete proxy configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service" json:"service"`
	Emby      EmbyConfig      `yaml:"emby" json:"emby"`
	Pan123    Pan123Config    `yaml:"123" json:"123"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// ServiceConfig configures the service listener and the admin API.
type ServiceConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// ExternalURL is the externally reachable base used when wrapping
	// provider links for the relay endpoint. Empty means derive it from the
	// inbound request.
	ExternalURL string `yaml:"external_url" json:"external_url"`

	// APIToken protects /api when set.
	APIToken string `yaml:"api_token" json:"api_token"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	// RelayRate is the per-IP request rate allowed on /proxy/download (0 disables limiting).
	RelayRate  float64 `yaml:"relay_rate" json:"relay_rate"`
	RelayBurst int     `yaml:"relay_burst" json:"relay_burst"`

	// RelayHosts extends the hosts /proxy/download will fetch from. Official
	// provider hosts and the URL auth custom domains are always allowed,
	// together with their subdomains.
	RelayHosts []string `yaml:"relay_hosts" json:"relay_hosts"`
}

// EmbyConfig configures the proxy listener and the upstream media server.
type EmbyConfig struct {
	Enable             bool               `yaml:"enable" json:"enable"`
	Server             string             `yaml:"server" json:"server"`
	APIKey             string             `yaml:"api_key" json:"api_key"`
	Host               string             `yaml:"host" json:"host"`
	Port               int                `yaml:"port" json:"port"`
	RedirectEnable     bool               `yaml:"redirect_enable" json:"redirect_enable"`
	ModifyPlaybackInfo bool               `yaml:"modify_playback_info" json:"modify_playback_info"`
	FillMediaStreams   bool               `yaml:"fill_media_streams" json:"fill_media_streams"`
	SSLVerify          bool               `yaml:"ssl_verify" json:"ssl_verify"`
	PathMapping        PathMappingConfig  `yaml:"path_mapping" json:"path_mapping"`
	ClientFilter       ClientFilterConfig `yaml:"client_filter" json:"client_filter"`
}

// PathMappingConfig rewrites media-server paths into the cloud-drive mount.
type PathMappingConfig struct {
	Enable bool   `yaml:"enable" json:"enable"`
	From   string `yaml:"from" json:"from"`
	To     string `yaml:"to" json:"to"`
}

// ClientFilterConfig is the access rule set.
type ClientFilterConfig struct {
	Enable         bool     `yaml:"enable" json:"enable"`
	Mode           string   `yaml:"mode" json:"mode"`
	BlockedClients []string `yaml:"blocked_clients" json:"blocked_clients"`
	BlockedDevices []string `yaml:"blocked_devices" json:"blocked_devices"`
	BlockedIPs     []string `yaml:"blocked_ips" json:"blocked_ips"`
	AllowedClients []string `yaml:"allowed_clients" json:"allowed_clients"`
	AllowedDevices []string `yaml:"allowed_devices" json:"allowed_devices"`
	AllowedIPs     []string `yaml:"allowed_ips" json:"allowed_ips"`
}

// Pan123Config configures the cloud-drive backend.
type Pan123Config struct {
	Enable       bool          `yaml:"enable" json:"enable"`
	APIBase      string        `yaml:"api_base" json:"api_base"`
	ClientID     string        `yaml:"client_id" json:"client_id"`
	ClientSecret string        `yaml:"client_secret" json:"client_secret"`
	MountPath    string        `yaml:"mount_path" json:"mount_path"`
	DownloadMode string        `yaml:"download_mode" json:"download_mode"`
	URLAuth      URLAuthConfig `yaml:"url_auth" json:"url_auth"`
}

// URLAuthConfig configures auth_key signing for custom domains.
type URLAuthConfig struct {
	Enable        bool     `yaml:"enable" json:"enable"`
	SecretKey     string   `yaml:"secret_key" json:"secret_key"`
	UID           string   `yaml:"uid" json:"uid"`
	ExpireTime    int      `yaml:"expire_time" json:"expire_time"`
	CustomDomains []string `yaml:"custom_domains" json:"custom_domains"`
}

// CacheConfig configures the cache tiers and their maintenance.
type CacheConfig struct {
	HotTTL         time.Duration `yaml:"hot_ttl" json:"hot_ttl"`
	HotSize        int           `yaml:"hot_size" json:"hot_size"`
	ReaperInterval time.Duration `yaml:"reaper_interval" json:"reaper_interval"`
	ClientTimeout  time.Duration `yaml:"client_timeout" json:"client_timeout"`

	// RedisURL enables a shared redis hot tier instead of the in-process LRU.
	RedisURL string `yaml:"redis_url" json:"redis_url"`
}

// TelemetryConfig configures metric and trace export.
type TelemetryConfig struct {
	Prometheus      bool    `yaml:"prometheus" json:"prometheus"`
	OTLPMetrics     string  `yaml:"otlp_metrics_endpoint" json:"otlp_metrics_endpoint"`
	OTLPTraces      string  `yaml:"otlp_traces_endpoint" json:"otlp_traces_endpoint"`
	TraceSampleRate float64 `yaml:"trace_sample_rate" json:"trace_sample_rate"`
}

// Default returns a Config populated with documented defaults.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Host:       "0.0.0.0",
			Port:       5245,
			LogLevel:   "info",
			RelayRate:  20,
			RelayBurst: 40,
		},
		Emby: EmbyConfig{
			Host:             "0.0.0.0",
			Port:             8096,
			RedirectEnable:   true,
			FillMediaStreams: true,
			ClientFilter: ClientFilterConfig{
				Mode: FilterBlacklist,
			},
		},
		Pan123: Pan123Config{
			APIBase:      DefaultAPIBase,
			MountPath:    "/123",
			DownloadMode: ModeDirect,
			URLAuth: URLAuthConfig{
				ExpireTime: 3600,
			},
		},
		Cache: CacheConfig{
			HotTTL:         60 * time.Second,
			HotSize:        4096,
			ReaperInterval: 5 * time.Minute,
			ClientTimeout:  300 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Prometheus:      true,
			TraceSampleRate: 0.1,
		},
	}
}

// normalize cleans up values that are commonly entered inconsistently.
func (c *Config) normalize() {
	c.Emby.Server = strings.TrimRight(strings.TrimSpace(c.Emby.Server), "/")
	c.Service.ExternalURL = strings.TrimRight(strings.TrimSpace(c.Service.ExternalURL), "/")
	c.Pan123.APIBase = strings.TrimRight(strings.TrimSpace(c.Pan123.APIBase), "/")
	if c.Pan123.APIBase == "" {
		c.Pan123.APIBase = DefaultAPIBase
	}
	if c.Pan123.MountPath != "" && !strings.HasPrefix(c.Pan123.MountPath, "/") {
		c.Pan123.MountPath = "/" + c.Pan123.MountPath
	}
	c.Pan123.DownloadMode = strings.ToLower(strings.TrimSpace(c.Pan123.DownloadMode))
	c.Emby.ClientFilter.Mode = strings.ToLower(strings.TrimSpace(c.Emby.ClientFilter.Mode))

	domains := c.Pan123.URLAuth.CustomDomains[:0]
	for _, d := range c.Pan123.URLAuth.CustomDomains {
		if d = strings.TrimSpace(d); d != "" {
			domains = append(domains, d)
		}
	}
	c.Pan123.URLAuth.CustomDomains = domains
}

// Validate checks the configuration once at load time.
func (c *Config) Validate() error {
	var errs []error

	switch c.Pan123.DownloadMode {
	case ModeDirect, ModeProxy:
	default:
		errs = append(errs, fmt.Errorf("123.download_mode must be %q or %q, got %q", ModeDirect, ModeProxy, c.Pan123.DownloadMode))
	}

	switch c.Emby.ClientFilter.Mode {
	case FilterBlacklist, FilterWhitelist:
	default:
		errs = append(errs, fmt.Errorf("emby.client_filter.mode must be %q or %q, got %q", FilterBlacklist, FilterWhitelist, c.Emby.ClientFilter.Mode))
	}

	if err := validPort("service.port", c.Service.Port); err != nil {
		errs = append(errs, err)
	}
	if err := validPort("emby.port", c.Emby.Port); err != nil {
		errs = append(errs, err)
	}
	if c.Service.Port == c.Emby.Port {
		errs = append(errs, fmt.Errorf("service.port and emby.port must differ, both are %d", c.Service.Port))
	}

	if c.Emby.Enable && c.Emby.Server == "" {
		errs = append(errs, errors.New("emby.server is required when emby.enable is set"))
	}
	if c.Pan123.URLAuth.ExpireTime <= 0 {
		errs = append(errs, fmt.Errorf("123.url_auth.expire_time must be positive, got %d", c.Pan123.URLAuth.ExpireTime))
	}
	if c.Cache.HotTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.hot_ttl must be positive, got %s", c.Cache.HotTTL))
	}
	if c.Cache.HotSize <= 0 {
		errs = append(errs, fmt.Errorf("cache.hot_size must be positive, got %d", c.Cache.HotSize))
	}
	if c.Cache.ReaperInterval <= 0 {
		errs = append(errs, fmt.Errorf("cache.reaper_interval must be positive, got %s", c.Cache.ReaperInterval))
	}
	if c.Service.RelayRate < 0 || c.Service.RelayBurst < 0 {
		errs = append(errs, errors.New("service.relay_rate and service.relay_burst must not be negative"))
	}

	return errors.Join(errs...)
}

func validPort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.Service.APIToken = redact(out.Service.APIToken)
	out.Emby.APIKey = redact(out.Emby.APIKey)
	out.Pan123.ClientSecret = redact(out.Pan123.ClientSecret)
	out.Pan123.URLAuth.SecretKey = redact(out.Pan123.URLAuth.SecretKey)
	return &out
}

// Unredact restores secrets that arrive still masked, taking their values
// from prev. It lets a client send back a config it read from the admin API.
func (c *Config) Unredact(prev *Config) {
	keep := func(v *string, old string) {
		if *v == redactedValue {
			*v = old
		}
	}
	keep(&c.Service.APIToken, prev.Service.APIToken)
	keep(&c.Emby.APIKey, prev.Emby.APIKey)
	keep(&c.Pan123.ClientSecret, prev.Pan123.ClientSecret)
	keep(&c.Pan123.URLAuth.SecretKey, prev.Pan123.URLAuth.SecretKey)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return redactedValue
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := *c
	out.Pan123.URLAuth.CustomDomains = append([]string(nil), c.Pan123.URLAuth.CustomDomains...)
	out.Service.RelayHosts = append([]string(nil), c.Service.RelayHosts...)
	f := &out.Emby.ClientFilter
	f.BlockedClients = append([]string(nil), f.BlockedClients...)
	f.BlockedDevices = append([]string(nil), f.BlockedDevices...)
	f.BlockedIPs = append([]string(nil), f.BlockedIPs...)
	f.AllowedClients = append([]string(nil), f.AllowedClients...)
	f.AllowedDevices = append([]string(nil), f.AllowedDevices...)
	f.AllowedIPs = append([]string(nil), f.AllowedIPs...)
	return &out
}
