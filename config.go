package privaxy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FilterGroup tags a filter list with the category the frontend groups it
// under.
type FilterGroup string

// Filter groups known to the frontend.
const (
	FilterGroupAds     FilterGroup = "ads"
	FilterGroupPrivacy FilterGroup = "privacy"
	FilterGroupMalware FilterGroup = "malware"
	FilterGroupSocial  FilterGroup = "social"
)

// Valid reports whether g is one of the known filter groups.
func (g FilterGroup) Valid() bool {
	switch g {
	case FilterGroupAds, FilterGroupPrivacy, FilterGroupMalware, FilterGroupSocial:
		return true
	}
	return false
}

// Filter identifies one subscribed filter list. The source URL is the
// filter's identity: no two filters in a configuration share a URL.
type Filter struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Title   string      `yaml:"title" json:"title"`
	Group   FilterGroup `yaml:"group" json:"group"`
	URL     string      `yaml:"url" json:"url"`
}

// Configuration is the full mutable state of the proxy: filter list
// subscriptions, the custom filter text block, and the exclusion list. It
// is owned by the ConfigurationManager while being modified; everything
// else sees deep copies.
type Configuration struct {
	Filters       []Filter `yaml:"filters" json:"filters"`
	CustomFilters string   `yaml:"custom_filters" json:"custom_filters"`
	Exclusions    []string `yaml:"exclusions" json:"exclusions"`
}

// Equal reports whether two configurations hold the same filters, custom
// filter text, and exclusions.
func (c Configuration) Equal(other Configuration) bool {
	if c.CustomFilters != other.CustomFilters {
		return false
	}
	if len(c.Filters) != len(other.Filters) || len(c.Exclusions) != len(other.Exclusions) {
		return false
	}
	for i := range c.Filters {
		if c.Filters[i] != other.Filters[i] {
			return false
		}
	}
	for i := range c.Exclusions {
		if c.Exclusions[i] != other.Exclusions[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the configuration.
func (c Configuration) Clone() Configuration {
	out := c
	out.Filters = make([]Filter, len(c.Filters))
	copy(out.Filters, c.Filters)
	out.Exclusions = make([]string, len(c.Exclusions))
	copy(out.Exclusions, c.Exclusions)
	return out
}

// DefaultConfiguration returns the configuration a fresh install starts
// with: a small default filter set and no exclusions.
func DefaultConfiguration() Configuration {
	return Configuration{
		Filters: []Filter{
			{
				Enabled: true,
				Title:   "EasyList",
				Group:   FilterGroupAds,
				URL:     "https://easylist.to/easylist/easylist.txt",
			},
			{
				Enabled: true,
				Title:   "EasyPrivacy",
				Group:   FilterGroupPrivacy,
				URL:     "https://easylist.to/easylist/easyprivacy.txt",
			},
			{
				Enabled: false,
				Title:   "Online Malicious URL Blocklist",
				Group:   FilterGroupMalware,
				URL:     "https://malware-filter.gitlab.io/malware-filter/urlhaus-filter-online.txt",
			},
			{
				Enabled: false,
				Title:   "Fanboy's Social Blocking List",
				Group:   FilterGroupSocial,
				URL:     "https://easylist.to/easylist/fanboy-social.txt",
			},
		},
		Exclusions: []string{},
	}
}

// ReadConfiguration loads a persisted configuration from path.
func ReadConfiguration(path string) (Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, fmt.Errorf("read configuration: %w", err)
	}

	var cfg Configuration
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Configuration{}, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if cfg.Exclusions == nil {
		cfg.Exclusions = []string{}
	}
	return cfg, nil
}

// WriteConfiguration persists the configuration to path. The write is
// atomic: a temporary file in the same directory is renamed over the
// target, so readers never observe a partial document.
func WriteConfiguration(path string, cfg Configuration) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create configuration directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temporary configuration: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write configuration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close configuration: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace configuration: %w", err)
	}
	return nil
}

// Settings configure the control-plane daemon itself, as opposed to the
// Configuration resource it manages for the proxy.
type Settings struct {
	// API configures the admin API listener.
	API APISettings `mapstructure:"api"`

	// WebGUI configures the static frontend listener.
	WebGUI WebGUISettings `mapstructure:"web_gui"`

	// CA configures the intercepting certificate authority material.
	CA CASettings `mapstructure:"ca"`

	// ConfigurationPath is where the proxy Configuration document is
	// persisted.
	ConfigurationPath string `mapstructure:"configuration_path"`

	// FilterFetchTimeout bounds the content fetch performed when a filter
	// is added.
	FilterFetchTimeout time.Duration `mapstructure:"filter_fetch_timeout"`

	// Logging configures slog output.
	Logging LoggingSettings `mapstructure:"logging"`
}

// APISettings contains admin API listener settings.
type APISettings struct {
	// Bind is the address the admin API listens on.
	Bind string `mapstructure:"bind"`

	// AdvertisedHost is the externally reachable API address substituted
	// into the frontend's index.html. Defaults to Bind.
	AdvertisedHost string `mapstructure:"advertised_host"`
}

// WebGUISettings contains frontend listener settings.
type WebGUISettings struct {
	// Bind is the address the web GUI listens on.
	Bind string `mapstructure:"bind"`

	// AssetsDir is the directory holding the built frontend.
	AssetsDir string `mapstructure:"assets_dir"`
}

// CASettings contains certificate authority settings.
type CASettings struct {
	// CertPath is the path to the CA certificate PEM.
	CertPath string `mapstructure:"cert_path"`

	// KeyPath is the path to the CA private key PEM.
	KeyPath string `mapstructure:"key_path"`

	// Organization names the generated CA when none exists yet.
	Organization string `mapstructure:"organization"`
}

// LoggingSettings contains logging settings.
type LoggingSettings struct {
	// Level is the log level: debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Format is the log format: text, json.
	Format string `mapstructure:"format"`
}

// DefaultSettings returns daemon settings with sensible defaults.
func DefaultSettings() Settings {
	return Settings{
		API: APISettings{
			Bind: "127.0.0.1:8200",
		},
		WebGUI: WebGUISettings{
			Bind:      "127.0.0.1:8201",
			AssetsDir: "web_gui",
		},
		CA: CASettings{
			CertPath:     "privaxy_ca.crt",
			KeyPath:      "privaxy_ca.key",
			Organization: "Privaxy",
		},
		ConfigurationPath:  "privaxy.yaml",
		FilterFetchTimeout: 30 * time.Second,
		Logging: LoggingSettings{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadSettings loads daemon settings from file, environment, and defaults.
// It searches for settings files in the following order:
// 1. Explicit path (if provided)
// 2. ./privaxy-server.yaml
// 3. $HOME/.privaxy/privaxy-server.yaml
// 4. /etc/privaxy/privaxy-server.yaml
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()

	setSettingsDefaults(v)

	v.SetConfigName("privaxy-server")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.privaxy")
	v.AddConfigPath("/etc/privaxy")

	v.SetEnvPrefix("PRIVAXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read settings: %w", err)
		}
		// No settings file is fine, defaults apply.
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if s.API.AdvertisedHost == "" {
		s.API.AdvertisedHost = s.API.Bind
	}

	return &s, nil
}

func setSettingsDefaults(v *viper.Viper) {
	defaults := DefaultSettings()

	v.SetDefault("api.bind", defaults.API.Bind)
	v.SetDefault("web_gui.bind", defaults.WebGUI.Bind)
	v.SetDefault("web_gui.assets_dir", defaults.WebGUI.AssetsDir)
	v.SetDefault("ca.cert_path", defaults.CA.CertPath)
	v.SetDefault("ca.key_path", defaults.CA.KeyPath)
	v.SetDefault("ca.organization", defaults.CA.Organization)
	v.SetDefault("configuration_path", defaults.ConfigurationPath)
	v.SetDefault("filter_fetch_timeout", defaults.FilterFetchTimeout)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
}

// WriteExampleSettings writes an example daemon settings file.
func WriteExampleSettings(path string) error {
	example := `# Privaxy control plane settings

api:
  # Address the admin API listens on
  bind: "127.0.0.1:8200"

  # Externally reachable API address, substituted into the web GUI.
  # Defaults to the bind address.
  # advertised_host: "192.168.1.10:8200"

web_gui:
  # Address the web GUI listens on
  bind: "127.0.0.1:8201"

  # Directory holding the built frontend assets
  assets_dir: "web_gui"

ca:
  # CA certificate and key paths. Generated on first start if missing.
  cert_path: "privaxy_ca.crt"
  key_path: "privaxy_ca.key"

  # Organization name for a generated CA
  organization: "Privaxy"

# Where the proxy configuration document is persisted
configuration_path: "privaxy.yaml"

# Timeout for fetching filter content when a filter is added
filter_fetch_timeout: 30s

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json
  format: "text"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0o644)
}
