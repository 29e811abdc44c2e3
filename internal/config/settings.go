package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. POSTBOX_DELIVERY_MAX_RECIPIENTS.
const EnvPrefix = "POSTBOX"

// Media quality levels for outgoing images.
const (
	MediaBalanced = "balanced"
	MediaWorse    = "worse"
)

// Settings is the per-account settings.toml.
type Settings struct {
	Addr         string             `mapstructure:"addr"`
	DisplayName  string             `mapstructure:"display_name"`
	IMAP         Server             `mapstructure:"imap"`
	SMTP         Server             `mapstructure:"smtp"`
	Ephemeral    EphemeralSettings  `mapstructure:"ephemeral"`
	Retention    RetentionSettings  `mapstructure:"retention"`
	Delivery     DeliverySettings   `mapstructure:"delivery"`
	Bot          bool               `mapstructure:"bot"`
	MediaQuality string             `mapstructure:"media_quality"`
	MDNsEnabled  bool               `mapstructure:"mdns_enabled"`
	E2EEEnabled  bool               `mapstructure:"e2ee_enabled"`
	BCCSelf      bool               `mapstructure:"bcc_self"`
	Folders      FolderSettings     `mapstructure:"folders"`
	Housekeeping HousekeepSettings  `mapstructure:"housekeeping"`
	SecureJoin   SecureJoinSettings `mapstructure:"securejoin"`
	Gossip       GossipSettings     `mapstructure:"gossip"`
	Tracing      TracingSettings    `mapstructure:"tracing"`
}

// Server is one IMAP or SMTP endpoint. Security is "tls", "starttls" or "plain".
type Server struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Security string `mapstructure:"security"`
	User     string `mapstructure:"user"`
}

type EphemeralSettings struct {
	DefaultTimer time.Duration `mapstructure:"default_timer"`
}

type RetentionSettings struct {
	DeleteDeviceAfter time.Duration `mapstructure:"delete_device_after"`
	DeleteServerAfter time.Duration `mapstructure:"delete_server_after"`
}

type DeliverySettings struct {
	MaxRecipients      int           `mapstructure:"max_recipients"`
	MaxTries           int           `mapstructure:"max_tries"`
	BadAddressMaxTries int           `mapstructure:"bad_address_max_tries"`
	BackoffInitial     time.Duration `mapstructure:"backoff_initial"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
}

type FolderSettings struct {
	Mvbox        string        `mapstructure:"mvbox"`
	WatchMvbox   bool          `mapstructure:"watch_mvbox"`
	WatchSentbox bool          `mapstructure:"watch_sentbox"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type HousekeepSettings struct {
	Interval         time.Duration `mapstructure:"interval"`
	StaleConfigAfter time.Duration `mapstructure:"stale_config_after"`
}

type SecureJoinSettings struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// GossipSettings decides when Autocrypt-Gossip headers are attached and how
// gossiped keys count toward the encryption quorum.
type GossipSettings struct {
	MinMembers    int           `mapstructure:"min_members"`
	Interval      time.Duration `mapstructure:"interval"`
	ImpliesMutual bool          `mapstructure:"implies_mutual"`
}

type TracingSettings struct {
	Enabled    bool    `mapstructure:"enabled"`
	Exporter   string  `mapstructure:"exporter"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// DefaultSettings returns the settings used for keys absent from the file.
func DefaultSettings() *Settings {
	return &Settings{
		IMAP:         Server{Port: 993, Security: "tls"},
		SMTP:         Server{Port: 465, Security: "tls"},
		MediaQuality: MediaBalanced,
		MDNsEnabled:  true,
		E2EEEnabled:  true,
		Delivery: DeliverySettings{
			MaxRecipients:      50,
			MaxTries:           17,
			BadAddressMaxTries: 3,
			BackoffInitial:     10 * time.Second,
			BackoffMax:         time.Hour,
		},
		Folders: FolderSettings{
			Mvbox:        "Chats",
			ScanInterval: time.Minute,
			PollInterval: time.Minute,
			IdleTimeout:  23 * time.Minute,
		},
		Housekeeping: HousekeepSettings{
			Interval:         24 * time.Hour,
			StaleConfigAfter: 180 * 24 * time.Hour,
		},
		SecureJoin: SecureJoinSettings{Timeout: 15 * time.Minute},
		Gossip: GossipSettings{
			MinMembers:    3,
			Interval:      48 * time.Hour,
			ImpliesMutual: true,
		},
		Tracing: TracingSettings{Exporter: "stdout", SampleRate: 1},
	}
}

// flatten maps every settings key to its value, with durations as strings.
func flatten(s *Settings) map[string]any {
	return map[string]any{
		"addr":                            s.Addr,
		"display_name":                    s.DisplayName,
		"imap.host":                       s.IMAP.Host,
		"imap.port":                       s.IMAP.Port,
		"imap.security":                   s.IMAP.Security,
		"imap.user":                       s.IMAP.User,
		"smtp.host":                       s.SMTP.Host,
		"smtp.port":                       s.SMTP.Port,
		"smtp.security":                   s.SMTP.Security,
		"smtp.user":                       s.SMTP.User,
		"ephemeral.default_timer":         s.Ephemeral.DefaultTimer.String(),
		"retention.delete_device_after":   s.Retention.DeleteDeviceAfter.String(),
		"retention.delete_server_after":   s.Retention.DeleteServerAfter.String(),
		"delivery.max_recipients":         s.Delivery.MaxRecipients,
		"delivery.max_tries":              s.Delivery.MaxTries,
		"delivery.bad_address_max_tries":  s.Delivery.BadAddressMaxTries,
		"delivery.backoff_initial":        s.Delivery.BackoffInitial.String(),
		"delivery.backoff_max":            s.Delivery.BackoffMax.String(),
		"bot":                             s.Bot,
		"media_quality":                   s.MediaQuality,
		"mdns_enabled":                    s.MDNsEnabled,
		"e2ee_enabled":                    s.E2EEEnabled,
		"bcc_self":                        s.BCCSelf,
		"folders.mvbox":                   s.Folders.Mvbox,
		"folders.watch_mvbox":             s.Folders.WatchMvbox,
		"folders.watch_sentbox":           s.Folders.WatchSentbox,
		"folders.scan_interval":           s.Folders.ScanInterval.String(),
		"folders.poll_interval":           s.Folders.PollInterval.String(),
		"folders.idle_timeout":            s.Folders.IdleTimeout.String(),
		"housekeeping.interval":           s.Housekeeping.Interval.String(),
		"housekeeping.stale_config_after": s.Housekeeping.StaleConfigAfter.String(),
		"securejoin.timeout":              s.SecureJoin.Timeout.String(),
		"gossip.min_members":              s.Gossip.MinMembers,
		"gossip.interval":                 s.Gossip.Interval.String(),
		"gossip.implies_mutual":           s.Gossip.ImpliesMutual,
		"tracing.enabled":                 s.Tracing.Enabled,
		"tracing.exporter":                s.Tracing.Exporter,
		"tracing.endpoint":                s.Tracing.Endpoint,
		"tracing.sample_rate":             s.Tracing.SampleRate,
	}
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// LoadSettings reads settings.toml at path. Missing keys take defaults and
// POSTBOX_* environment variables override the file. A missing file yields
// the defaults.
func LoadSettings(path string) (*Settings, error) {
	v := newViper(path)
	for k, val := range flatten(DefaultSettings()) {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading settings %s: %w", path, err)
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("parsing settings %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

// SaveSettings writes s to path with owner-only permissions.
func SaveSettings(path string, s *Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}
	v := newViper(path)
	for k, val := range flatten(s) {
		v.Set(k, val)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing settings to %s: %w", path, err)
	}
	return os.Chmod(path, 0600)
}

// Validate rejects values the engine cannot run with.
func (s *Settings) Validate() error {
	if s.Delivery.MaxRecipients <= 0 {
		return fmt.Errorf("delivery.max_recipients must be positive, got %d", s.Delivery.MaxRecipients)
	}
	if s.Delivery.MaxTries <= 0 || s.Delivery.BadAddressMaxTries <= 0 {
		return fmt.Errorf("delivery retry limits must be positive")
	}
	if s.Delivery.BadAddressMaxTries > s.Delivery.MaxTries {
		return fmt.Errorf("delivery.bad_address_max_tries (%d) exceeds delivery.max_tries (%d)",
			s.Delivery.BadAddressMaxTries, s.Delivery.MaxTries)
	}
	switch s.MediaQuality {
	case MediaBalanced, MediaWorse:
	default:
		return fmt.Errorf("media_quality must be %q or %q, got %q", MediaBalanced, MediaWorse, s.MediaQuality)
	}
	if s.Gossip.MinMembers < 3 {
		return fmt.Errorf("gossip.min_members must be at least 3, got %d", s.Gossip.MinMembers)
	}
	return nil
}

// Configured reports whether the account has an address and servers.
func (s *Settings) Configured() bool {
	return s.Addr != "" && s.IMAP.Host != "" && s.SMTP.Host != ""
}

// Domain returns the part of the account address after the '@'.
func (s *Settings) Domain() string {
	if i := strings.LastIndexByte(s.Addr, '@'); i >= 0 {
		return s.Addr[i+1:]
	}
	return "localhost"
}
