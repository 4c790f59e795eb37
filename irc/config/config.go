// Package config loads the daemon configuration from a file or URL in YAML,
// TOML or JSON, applies environment overrides and validates the result.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/presbrey/ts6d/irc/access"
)

// Link is a configured peer server.
type Link struct {
	Name            string `yaml:"name" toml:"name" json:"name" validate:"required,hostname_rfc1123"`
	Host            string `yaml:"host" toml:"host" json:"host"`
	Port            int    `yaml:"port" toml:"port" json:"port" validate:"gte=0,lte=65535"`
	SendPassword    string `yaml:"send_password" toml:"send_password" json:"send_password" validate:"required"`
	ReceivePassword string `yaml:"receive_password" toml:"receive_password" json:"receive_password" validate:"required"`
	SID             string `yaml:"sid" toml:"sid" json:"sid" validate:"omitempty,sid"`
	TLS             bool   `yaml:"tls" toml:"tls" json:"tls"`
	Autoconnect     bool   `yaml:"autoconnect" toml:"autoconnect" json:"autoconnect"`
}

// Addr returns host:port for outbound connections.
func (l Link) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// Lines holds the statically configured access lines, by kind.
type Lines struct {
	KLines        []access.Line `yaml:"klines" toml:"klines" json:"klines" validate:"dive"`
	DLines        []access.Line `yaml:"dlines" toml:"dlines" json:"dlines" validate:"dive"`
	GLines        []access.Line `yaml:"glines" toml:"glines" json:"glines" validate:"dive"`
	ILines        []access.Line `yaml:"ilines" toml:"ilines" json:"ilines" validate:"dive"`
	OLines        []access.Line `yaml:"olines" toml:"olines" json:"olines" validate:"dive"`
	ULines        []access.Line `yaml:"ulines" toml:"ulines" json:"ulines" validate:"dive"`
	ALines        []access.Line `yaml:"alines" toml:"alines" json:"alines" validate:"dive"`
	FallbackClass string        `yaml:"fallback_class" toml:"fallback_class" json:"fallback_class" env:"TS6D_FALLBACK_CLASS"`
}

// Config represents the server configuration
type Config struct {
	Server struct {
		Name        string `yaml:"name" toml:"name" json:"name" env:"TS6D_SERVER_NAME" validate:"required,hostname_rfc1123"`
		Description string `yaml:"description" toml:"description" json:"description" env:"TS6D_SERVER_DESCRIPTION"`
		SID         string `yaml:"sid" toml:"sid" json:"sid" env:"TS6D_SID" validate:"required,sid"`
		BindAddr    string `yaml:"bind_addr" toml:"bind_addr" json:"bind_addr" env:"TS6D_BIND_ADDR"`
		Port        int    `yaml:"port" toml:"port" json:"port" env:"TS6D_PORT" validate:"gte=0,lte=65535"`
		Password    string `yaml:"password" toml:"password" json:"password" env:"TS6D_PASSWORD"`
	} `yaml:"server" toml:"server" json:"server"`

	TLS struct {
		Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled" env:"TS6D_TLS_ENABLED"`
		Port    int    `yaml:"port" toml:"port" json:"port" env:"TS6D_TLS_PORT" validate:"gte=0,lte=65535"`
		Cert    string `yaml:"cert" toml:"cert" json:"cert" env:"TS6D_TLS_CERT" validate:"required_if=Enabled true"`
		Key     string `yaml:"key" toml:"key" json:"key" env:"TS6D_TLS_KEY" validate:"required_if=Enabled true"`
	} `yaml:"tls" toml:"tls" json:"tls"`

	Network struct {
		Name  string `yaml:"name" toml:"name" json:"name" env:"TS6D_NETWORK"`
		Links []Link `yaml:"links" toml:"links" json:"links" validate:"dive"`
	} `yaml:"network" toml:"network" json:"network"`

	Limits struct {
		MaxClients         int     `yaml:"max_clients" toml:"max_clients" json:"max_clients" env:"TS6D_MAX_CLIENTS" validate:"gte=0"`
		MaxChannels        int     `yaml:"max_channels" toml:"max_channels" json:"max_channels" env:"TS6D_MAX_CHANNELS" validate:"gte=0"`
		MaxChannelsPerUser int     `yaml:"max_channels_per_user" toml:"max_channels_per_user" json:"max_channels_per_user" env:"TS6D_MAX_CHANNELS_PER_USER" validate:"gte=0"`
		SendQ              int     `yaml:"sendq" toml:"sendq" json:"sendq" env:"TS6D_SENDQ" validate:"gt=0"`
		ThrottleRate       float64 `yaml:"throttle_rate" toml:"throttle_rate" json:"throttle_rate" env:"TS6D_THROTTLE_RATE" validate:"gte=0"`
		ThrottleBurst      int     `yaml:"throttle_burst" toml:"throttle_burst" json:"throttle_burst" env:"TS6D_THROTTLE_BURST" validate:"gte=0"`
		NickLen            int     `yaml:"nick_len" toml:"nick_len" json:"nick_len" env:"TS6D_NICK_LEN" validate:"gte=9"`
	} `yaml:"limits" toml:"limits" json:"limits"`

	// Timeouts are in seconds.
	Timeouts struct {
		Registration int `yaml:"registration" toml:"registration" json:"registration" env:"TS6D_REGISTRATION_TIMEOUT" validate:"gt=0"`
		PingInterval int `yaml:"ping_interval" toml:"ping_interval" json:"ping_interval" env:"TS6D_PING_INTERVAL" validate:"gt=0"`
		PingTimeout  int `yaml:"ping_timeout" toml:"ping_timeout" json:"ping_timeout" env:"TS6D_PING_TIMEOUT" validate:"gt=0"`
		Burst        int `yaml:"burst" toml:"burst" json:"burst" env:"TS6D_BURST_TIMEOUT" validate:"gt=0"`
	} `yaml:"timeouts" toml:"timeouts" json:"timeouts"`

	Cloak struct {
		Template string `yaml:"template" toml:"template" json:"template" env:"TS6D_CLOAK_TEMPLATE"`
		Secret   string `yaml:"secret" toml:"secret" json:"secret" env:"TS6D_CLOAK_SECRET"`
	} `yaml:"cloak" toml:"cloak" json:"cloak"`

	Database struct {
		Path         string `yaml:"path" toml:"path" json:"path" env:"TS6D_DATABASE"`
		PersistLines bool   `yaml:"persist_lines" toml:"persist_lines" json:"persist_lines" env:"TS6D_PERSIST_LINES"`
		SweepSeconds int    `yaml:"sweep_interval" toml:"sweep_interval" json:"sweep_interval" env:"TS6D_SWEEP_INTERVAL" validate:"gte=0"`
	} `yaml:"database" toml:"database" json:"database"`

	Admin struct {
		Enabled      bool   `yaml:"enabled" toml:"enabled" json:"enabled" env:"TS6D_ADMIN_ENABLED"`
		BindAddr     string `yaml:"bind_addr" toml:"bind_addr" json:"bind_addr" env:"TS6D_ADMIN_ADDR" validate:"required_if=Enabled true"`
		Token        string `yaml:"token" toml:"token" json:"token" env:"TS6D_ADMIN_TOKEN"`
		OIDCIssuer   string `yaml:"oidc_issuer" toml:"oidc_issuer" json:"oidc_issuer" env:"TS6D_OIDC_ISSUER" validate:"omitempty,url"`
		OIDCClientID string `yaml:"oidc_client_id" toml:"oidc_client_id" json:"oidc_client_id" env:"TS6D_OIDC_CLIENT_ID" validate:"required_with=OIDCIssuer"`
	} `yaml:"admin" toml:"admin" json:"admin"`

	Log struct {
		Level       string   `yaml:"level" toml:"level" json:"level" env:"TS6D_LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`
		Development bool     `yaml:"development" toml:"development" json:"development" env:"TS6D_LOG_DEVELOPMENT"`
		OutputPaths []string `yaml:"output_paths" toml:"output_paths" json:"output_paths" env:"TS6D_LOG_OUTPUT"`
	} `yaml:"log" toml:"log" json:"log"`

	Access Lines `yaml:"access" toml:"access" json:"access"`

	// Configuration source for rehashing
	Source string `yaml:"-" toml:"-" json:"-"`
}

func (c *Config) setDefaults() {
	c.Server.Description = "ts6d server"
	c.Server.BindAddr = "0.0.0.0"
	c.Server.Port = 6667
	c.TLS.Port = 6697
	c.Network.Name = "ts6net"
	c.Limits.MaxClients = 1000
	c.Limits.MaxChannelsPerUser = 20
	c.Limits.SendQ = 1024
	c.Limits.ThrottleRate = 1
	c.Limits.ThrottleBurst = 5
	c.Limits.NickLen = 30
	c.Timeouts.Registration = 30
	c.Timeouts.PingInterval = 120
	c.Timeouts.PingTimeout = 60
	c.Timeouts.Burst = 300
	c.Database.SweepSeconds = 60
	c.Admin.BindAddr = "127.0.0.1:8080"
	c.Log.Level = "info"
	c.Log.OutputPaths = []string{"stderr"}
}

// Load loads configuration from a file or URL
func Load(source string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()
	if err := cfg.loadFromSource(source); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload re-reads the configuration from its original source, or from
// newSource when given. On error c is left unchanged.
func (c *Config) Reload(newSource string) error {
	source := c.Source
	if newSource != "" {
		source = newSource
	}
	next, err := Load(source)
	if err != nil {
		return err
	}
	*c = *next
	return nil
}

// loadFromSource loads configuration from a file or URL
func (c *Config) loadFromSource(source string) error {
	var data []byte
	var err error

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Get(source)
		if err != nil {
			return fmt.Errorf("failed to load config from URL: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("failed to load config from URL, status: %s", resp.Status)
		}

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read config from URL: %w", err)
		}
	} else {
		data, err = os.ReadFile(source)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	path := source
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	switch {
	case strings.HasSuffix(path, ".toml"):
		_, err = toml.Decode(string(data), c)
	case strings.HasSuffix(path, ".json"):
		err = json.Unmarshal(data, c)
	default:
		err = yaml.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	c.Source = source
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	applyEnvOverridesRecursive(reflect.ValueOf(cfg).Elem())
}

func applyEnvOverridesRecursive(v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldValue := v.Field(i)
		if field.PkgPath != "" {
			continue
		}
		if envTag := field.Tag.Get("env"); envTag != "" {
			if envValue, exists := os.LookupEnv(envTag); exists {
				setFieldFromEnv(fieldValue, envValue)
			}
		} else if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			applyEnvOverridesRecursive(fieldValue)
		}
	}
}

// setFieldFromEnv sets a field's value from an environment variable
func setFieldFromEnv(field reflect.Value, envValue string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v, err := strconv.ParseInt(strings.TrimSpace(envValue), 10, 64); err == nil {
			field.SetInt(v)
		}
	case reflect.Float32, reflect.Float64:
		if v, err := strconv.ParseFloat(strings.TrimSpace(envValue), 64); err == nil {
			field.SetFloat(v)
		}
	case reflect.Bool:
		field.SetBool(parseBool(envValue))
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			values := strings.Split(envValue, ",")
			slice := reflect.MakeSlice(field.Type(), len(values), len(values))
			for i, v := range values {
				slice.Index(i).SetString(strings.TrimSpace(v))
			}
			field.Set(slice)
		}
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y", "on":
		return true
	}
	return false
}

// ListenAddress returns the plaintext client listener address.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Server.BindAddr, strconv.Itoa(c.Server.Port))
}

// TLSListenAddress returns the TLS listener address.
func (c *Config) TLSListenAddress() string {
	return net.JoinHostPort(c.Server.BindAddr, strconv.Itoa(c.TLS.Port))
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// RegistrationTimeout bounds the time a connection may stay unregistered.
func (c *Config) RegistrationTimeout() time.Duration { return seconds(c.Timeouts.Registration) }

// PingInterval is the idle time before a keepalive PING.
func (c *Config) PingInterval() time.Duration { return seconds(c.Timeouts.PingInterval) }

// PingTimeout is how long a PING may go unanswered.
func (c *Config) PingTimeout() time.Duration { return seconds(c.Timeouts.PingTimeout) }

// BurstTimeout bounds a link's Bursting phase.
func (c *Config) BurstTimeout() time.Duration { return seconds(c.Timeouts.Burst) }

// SweepInterval is how often expired lines are removed.
func (c *Config) SweepInterval() time.Duration { return seconds(c.Database.SweepSeconds) }

// FindLink returns the link block for a server name.
func (c *Config) FindLink(name string) (Link, bool) {
	for _, l := range c.Network.Links {
		if strings.EqualFold(l.Name, name) {
			return l, true
		}
	}
	return Link{}, false
}

// AccessLines flattens the configured lines, setting each Kind. Every
// link block also yields an A-line so its receive password authenticates
// the peer.
func (c *Config) AccessLines() []access.Line {
	var out []access.Line
	add := func(kind access.Kind, lines []access.Line) {
		for _, l := range lines {
			l.Kind = kind
			out = append(out, l)
		}
	}
	add(access.DLine, c.Access.DLines)
	add(access.KLine, c.Access.KLines)
	add(access.GLine, c.Access.GLines)
	add(access.ILine, c.Access.ILines)
	add(access.OLine, c.Access.OLines)
	add(access.ULine, c.Access.ULines)
	add(access.ALine, c.Access.ALines)
	for _, l := range c.Network.Links {
		out = append(out, access.Line{Kind: access.ALine, Mask: l.Name, Password: l.ReceivePassword, Name: l.Name})
	}
	return out
}
