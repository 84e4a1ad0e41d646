package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const configBaseName = "agentsettings"

// Settings is the agent configuration written by the installer as
// agentsettings.json, optionally layered with agentsettings.<env>.json.
type Settings struct {
	Agent       AgentSettings       `mapstructure:"Agent"`
	AgentApi    EndpointSettings    `mapstructure:"AgentApi"`
	Auth        EndpointSettings    `mapstructure:"Auth"`
	Polling     PollingSettings     `mapstructure:"Polling"`
	Diagnostics DiagnosticsSettings `mapstructure:"Diagnostics"`
	Log         LogSettings         `mapstructure:"Log"`
}

type AgentSettings struct {
	Id             string `mapstructure:"Id"`
	WorkspaceId    string `mapstructure:"WorkspaceId"`
	OrganizationId string `mapstructure:"OrganizationId"`
}

type EndpointSettings struct {
	Url string `mapstructure:"Url"`
}

type PollingSettings struct {
	IntervalSeconds     int `mapstructure:"IntervalSeconds"`
	BusyIntervalSeconds int `mapstructure:"BusyIntervalSeconds"`
}

func (p PollingSettings) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

func (p PollingSettings) BusyInterval() time.Duration {
	return time.Duration(p.BusyIntervalSeconds) * time.Second
}

// DiagnosticsSettings enables the loopback status listener when Addr is set.
type DiagnosticsSettings struct {
	Addr string `mapstructure:"Addr"`
}

type LogSettings struct {
	Level  string `mapstructure:"Level"`
	Format string `mapstructure:"Format"`
}

// Load reads agentsettings.json from dir, merges the optional
// agentsettings.<overlay>.json layer, and applies KRAKEN_* env overrides.
func Load(dir, overlay string) (Settings, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}

	v := viper.New()
	v.SetConfigName(configBaseName)
	v.SetConfigType("json")
	v.AddConfigPath(dir)

	v.SetEnvPrefix("KRAKEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Settings{}, fmt.Errorf("read %s.json: %w", configBaseName, err)
	}

	if overlay = strings.TrimSpace(overlay); overlay != "" {
		v.SetConfigName(configBaseName + "." + overlay)
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Settings{}, fmt.Errorf("merge %s.%s.json: %w", configBaseName, overlay, err)
			}
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return Settings{}, fmt.Errorf("decode agent settings: %w", err)
	}

	settings.AgentApi.Url = strings.TrimRight(strings.TrimSpace(settings.AgentApi.Url), "/")
	settings.Auth.Url = strings.TrimRight(strings.TrimSpace(settings.Auth.Url), "/")

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Polling.IntervalSeconds", 30)
	v.SetDefault("Polling.BusyIntervalSeconds", 5)
	v.SetDefault("Log.Level", "info")
	v.SetDefault("Log.Format", "json")
}

func (s Settings) Validate() error {
	if _, err := uuid.Parse(strings.TrimSpace(s.Agent.Id)); err != nil {
		return fmt.Errorf("agent id %q is not a uuid: %w", s.Agent.Id, err)
	}
	if strings.TrimSpace(s.Agent.WorkspaceId) == "" {
		return fmt.Errorf("agent workspace id is required")
	}
	if strings.TrimSpace(s.Agent.OrganizationId) == "" {
		return fmt.Errorf("agent organization id is required")
	}
	if !isHTTPSBase(s.AgentApi.Url) {
		return fmt.Errorf("agent api url %q must be an absolute http(s) base", s.AgentApi.Url)
	}
	if !isHTTPSBase(s.Auth.Url) {
		return fmt.Errorf("auth url %q must be an absolute http(s) base", s.Auth.Url)
	}
	if s.Polling.IntervalSeconds <= 0 || s.Polling.BusyIntervalSeconds <= 0 {
		return fmt.Errorf("polling intervals must be positive")
	}
	return nil
}

// isHTTPSBase accepts http:// as well so a local control plane can be targeted
// in development; production installers always write https bases.
func isHTTPSBase(u string) bool {
	return strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://")
}
