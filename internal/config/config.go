package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"optrack/driver-agent/internal/model"
)

// Config lists the tunable parameters of the driver agent.
type Config struct {
	HTTPAddr     string
	DatabasePath string
	LogLevel     string

	GPSEnabled      bool
	GPSBind         string
	GPSDevice       string
	AdvertiseMDNS   bool
	LocationTimeout time.Duration

	MinInterval time.Duration
	MinDistance float64
	MinRotation float64

	SyncInterval     time.Duration
	FleetBrokerURL   string
	FleetTopicPrefix string
	FleetClientID    string

	SessionTTL        time.Duration
	InactivityTimeout time.Duration

	OperatorID         string
	OperatorSecret     string
	OperatorSecretHash string

	Profile model.Profile
	Buttons []model.OperationalButton
}

const (
	defaultConfigPath      = "~/.config/optrack/config.toml"
	defaultHTTPAddr        = "127.0.0.1:8470"
	defaultDatabasePath    = "~/.local/share/optrack/optrack.db"
	defaultLogLevel        = "info"
	defaultGPSBind         = ":1883"
	defaultLocationTimeout = 10 * time.Second
	defaultMinInterval     = 15 * time.Second
	defaultMinDistance     = 20.0
	defaultMinRotation     = 15.0
	defaultSyncInterval    = 5 * time.Minute
	defaultFleetPrefix     = "fleet"
	defaultSessionTTL      = 12 * time.Hour
	defaultInactivity      = 30 * time.Minute
	defaultVehicle         = "ABC1234"
	defaultUserID          = "motorista123"
)

// Default returns the configuration used when no file or environment overrides exist.
func Default() Config {
	return Config{
		HTTPAddr:          defaultHTTPAddr,
		DatabasePath:      mustExpand(defaultDatabasePath),
		LogLevel:          defaultLogLevel,
		GPSEnabled:        true,
		GPSBind:           defaultGPSBind,
		AdvertiseMDNS:     true,
		LocationTimeout:   defaultLocationTimeout,
		MinInterval:       defaultMinInterval,
		MinDistance:       defaultMinDistance,
		MinRotation:       defaultMinRotation,
		SyncInterval:      defaultSyncInterval,
		FleetTopicPrefix:  defaultFleetPrefix,
		SessionTTL:        defaultSessionTTL,
		InactivityTimeout: defaultInactivity,
		Profile:           defaultProfile(),
		Buttons:           append([]model.OperationalButton(nil), model.DefaultButtons...),
	}
}

func defaultProfile() model.Profile {
	return model.Profile{
		UserID:            defaultUserID,
		VehicleIdentifier: defaultVehicle,
		ActiveButtonIDs:   []string{"1", "2", "6", "7", "8", "9", "14", "15", "16"},
		NameOverrides: map[string]string{
			"6":  "Aguardando Carga de Água",
			"14": "Pausa para Almoço",
		},
	}
}

type rawConfig struct {
	HTTPAddr     string `toml:"http_addr"`
	DatabasePath string `toml:"database_path"`
	LogLevel     string `toml:"log_level"`

	GPS struct {
		Enabled *bool  `toml:"enabled"`
		Bind    string `toml:"bind"`
		Device  string `toml:"device"`
		MDNS    *bool  `toml:"mdns"`
		Timeout string `toml:"timeout"`
	} `toml:"gps"`

	Sampling struct {
		MinInterval string   `toml:"min_interval"`
		MinDistance *float64 `toml:"min_distance_m"`
		MinRotation *float64 `toml:"min_rotation_deg"`
	} `toml:"sampling"`

	Sync struct {
		Interval string `toml:"interval"`
	} `toml:"sync"`

	Fleet struct {
		BrokerURL   string `toml:"broker_url"`
		TopicPrefix string `toml:"topic_prefix"`
		ClientID    string `toml:"client_id"`
	} `toml:"fleet"`

	Session struct {
		TTL        string `toml:"ttl"`
		Inactivity string `toml:"inactivity"`
	} `toml:"session"`

	Operator struct {
		Identifier string `toml:"identifier"`
		Secret     string `toml:"secret"`
		SecretHash string `toml:"secret_hash"`
	} `toml:"operator"`

	Profile struct {
		UserID        string            `toml:"user_id"`
		Vehicle       string            `toml:"vehicle"`
		ActiveButtons []string          `toml:"active_buttons"`
		Names         map[string]string `toml:"names"`
	} `toml:"profile"`

	Buttons []struct {
		ID      string `toml:"id"`
		Name    string `toml:"name"`
		Visible *bool  `toml:"visible"`
	} `toml:"buttons"`
}

// Load reads the TOML file at path (the default location when empty), then applies
// OPTRACK_* environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()

	file, err := os.Open(resolved)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("open config: %w", err)
	default:
		defer file.Close()

		bytes, err := io.ReadAll(file)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		var raw rawConfig
		if err := toml.Unmarshal(bytes, &raw); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
		if err := cfg.apply(raw); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) apply(raw rawConfig) error {
	setString(&c.HTTPAddr, raw.HTTPAddr)
	if v := strings.TrimSpace(raw.DatabasePath); v != "" {
		c.DatabasePath = mustExpand(v)
	}
	setString(&c.LogLevel, raw.LogLevel)

	if raw.GPS.Enabled != nil {
		c.GPSEnabled = *raw.GPS.Enabled
	}
	setString(&c.GPSBind, raw.GPS.Bind)
	setString(&c.GPSDevice, raw.GPS.Device)
	if raw.GPS.MDNS != nil {
		c.AdvertiseMDNS = *raw.GPS.MDNS
	}

	durations := []struct {
		name string
		raw  string
		dest *time.Duration
	}{
		{"gps.timeout", raw.GPS.Timeout, &c.LocationTimeout},
		{"sampling.min_interval", raw.Sampling.MinInterval, &c.MinInterval},
		{"sync.interval", raw.Sync.Interval, &c.SyncInterval},
		{"session.ttl", raw.Session.TTL, &c.SessionTTL},
		{"session.inactivity", raw.Session.Inactivity, &c.InactivityTimeout},
	}
	for _, d := range durations {
		if err := setDuration(d.dest, d.name, d.raw); err != nil {
			return err
		}
	}

	if v := raw.Sampling.MinDistance; v != nil {
		if *v < 0 {
			return fmt.Errorf("invalid sampling.min_distance_m: %v", *v)
		}
		c.MinDistance = *v
	}
	if v := raw.Sampling.MinRotation; v != nil {
		if *v < 0 || *v > 180 {
			return fmt.Errorf("invalid sampling.min_rotation_deg: %v", *v)
		}
		c.MinRotation = *v
	}

	setString(&c.FleetBrokerURL, raw.Fleet.BrokerURL)
	setString(&c.FleetTopicPrefix, raw.Fleet.TopicPrefix)
	setString(&c.FleetClientID, raw.Fleet.ClientID)

	setString(&c.OperatorID, raw.Operator.Identifier)
	setString(&c.OperatorSecret, raw.Operator.Secret)
	setString(&c.OperatorSecretHash, raw.Operator.SecretHash)

	setString(&c.Profile.UserID, raw.Profile.UserID)
	setString(&c.Profile.VehicleIdentifier, raw.Profile.Vehicle)
	if raw.Profile.ActiveButtons != nil {
		c.Profile.ActiveButtonIDs = trimAll(raw.Profile.ActiveButtons)
	}
	if raw.Profile.Names != nil {
		c.Profile.NameOverrides = raw.Profile.Names
	}

	if len(raw.Buttons) > 0 {
		buttons := make([]model.OperationalButton, 0, len(raw.Buttons))
		for i, b := range raw.Buttons {
			id, name := strings.TrimSpace(b.ID), strings.TrimSpace(b.Name)
			if id == "" || name == "" {
				return fmt.Errorf("invalid buttons[%d]: id and name are required", i)
			}
			visible := true
			if b.Visible != nil {
				visible = *b.Visible
			}
			buttons = append(buttons, model.OperationalButton{ID: id, Name: name, Visible: visible})
		}
		c.Buttons = buttons
	}
	return nil
}

func (c *Config) applyEnv() error {
	envString := map[string]*string{
		"OPTRACK_HTTP_ADDR":            &c.HTTPAddr,
		"OPTRACK_LOG_LEVEL":            &c.LogLevel,
		"OPTRACK_GPS_BIND":             &c.GPSBind,
		"OPTRACK_GPS_DEVICE":           &c.GPSDevice,
		"OPTRACK_FLEET_BROKER":         &c.FleetBrokerURL,
		"OPTRACK_FLEET_TOPIC_PREFIX":   &c.FleetTopicPrefix,
		"OPTRACK_FLEET_CLIENT_ID":      &c.FleetClientID,
		"OPTRACK_OPERATOR_ID":          &c.OperatorID,
		"OPTRACK_OPERATOR_SECRET":      &c.OperatorSecret,
		"OPTRACK_OPERATOR_SECRET_HASH": &c.OperatorSecretHash,
		"OPTRACK_VEHICLE":              &c.Profile.VehicleIdentifier,
	}
	for name, dest := range envString {
		setString(dest, os.Getenv(name))
	}

	if v := strings.TrimSpace(os.Getenv("OPTRACK_DATABASE_PATH")); v != "" {
		c.DatabasePath = mustExpand(v)
	}

	envBool := map[string]*bool{
		"OPTRACK_GPS_ENABLED": &c.GPSEnabled,
		"OPTRACK_MDNS":        &c.AdvertiseMDNS,
	}
	for name, dest := range envBool {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			continue
		}
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dest = enabled
	}

	if err := setDuration(&c.SyncInterval, "OPTRACK_SYNC_INTERVAL", os.Getenv("OPTRACK_SYNC_INTERVAL")); err != nil {
		return err
	}
	if err := setDuration(&c.InactivityTimeout, "OPTRACK_INACTIVITY_TIMEOUT", os.Getenv("OPTRACK_INACTIVITY_TIMEOUT")); err != nil {
		return err
	}
	return nil
}

// OperatorConfigured reports whether a login credential is available.
func (c Config) OperatorConfigured() bool {
	return strings.TrimSpace(c.OperatorID) != "" && (c.OperatorSecret != "" || c.OperatorSecretHash != "")
}

// AgentURL returns the base URL CLI commands use to reach the local API.
func (c Config) AgentURL() string {
	addr := c.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func setString(dest *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dest = v
	}
}

func setDuration(dest *time.Duration, name, v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s: must be positive", name)
	}
	*dest = d
	return nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
