// Package settings loads the process configuration by merging, in order,
// compiled-in defaults, an optional file overlay selected by RUN_MODE, and
// environment variables prefixed PAIR_ — the Go equivalent, via viper, of
// the original config-rs three-tier Config::try_from/merge chain.
package settings

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the single configuration record for the process.
type Settings struct {
	Hostname string `mapstructure:"hostname"`
	Port     int    `mapstructure:"port"`

	MaxChannelConnections int           `mapstructure:"max_channel_connections"`
	ConnLifespan          time.Duration `mapstructure:"conn_lifespan"`
	ClientTimeout         time.Duration `mapstructure:"client_timeout"`
	Heartbeat             time.Duration `mapstructure:"heartbeat"`
	MaxExchanges          int           `mapstructure:"max_exchanges"`
	MaxData               int64         `mapstructure:"max_data"`

	MmdbLoc           string `mapstructure:"mmdb_loc"`
	StatsdHost        string `mapstructure:"statsd_host"`
	TrustedProxyList  string `mapstructure:"trusted_proxy_list"`
	HumanLogs         bool   `mapstructure:"human_logs"`
	DefaultLang       string `mapstructure:"default_lang"`
	LogLevel          string `mapstructure:"log_level"`

	// Restored from original_source/channelserver/src/settings.rs; the
	// distilled spec dropped IP reputation entirely (see SPEC_FULL.md §4.3a).
	IPReputationServer string `mapstructure:"ip_reputation_server"`
	IPRepMin           int    `mapstructure:"iprep_min"`
	IPViolation        string `mapstructure:"ip_violation"`

	// ADDED connection-rate admission (SPEC_FULL.md §4.8), no original
	// source equivalent.
	ConnRateIPBurst        int     `mapstructure:"conn_rate_ip_burst"`
	ConnRateIPPerSec       float64 `mapstructure:"conn_rate_ip_per_sec"`
	ConnRateGlobalBurst    int     `mapstructure:"conn_rate_global_burst"`
	ConnRateGlobalPerSec   float64 `mapstructure:"conn_rate_global_per_sec"`
}

const envPrefix = "PAIR"

// Load merges defaults, an optional config/<RUN_MODE> file, and PAIR_*
// environment variables, in that order of increasing precedence.
func Load(runMode string) (*Settings, error) {
	v := viper.New()

	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("port", 8000)
	v.SetDefault("max_channel_connections", 3)
	v.SetDefault("conn_lifespan", 300*time.Second)
	v.SetDefault("client_timeout", 30*time.Second)
	v.SetDefault("heartbeat", 5*time.Second)
	v.SetDefault("max_exchanges", 3)
	v.SetDefault("max_data", int64(0))
	v.SetDefault("mmdb_loc", "mmdb/latest/GeoLite2-City.mmdb")
	v.SetDefault("statsd_host", "")
	v.SetDefault("trusted_proxy_list", "")
	v.SetDefault("human_logs", false)
	v.SetDefault("default_lang", "en")
	v.SetDefault("log_level", "info")
	v.SetDefault("ip_reputation_server", "")
	v.SetDefault("iprep_min", 0)
	v.SetDefault("ip_violation", "channel_abuse")
	v.SetDefault("conn_rate_ip_burst", 10)
	v.SetDefault("conn_rate_ip_per_sec", 1.0)
	v.SetDefault("conn_rate_global_burst", 300)
	v.SetDefault("conn_rate_global_per_sec", 50.0)

	if runMode == "" {
		runMode = "development"
	}
	v.SetConfigName(runMode)
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("settings: reading config/%s: %w", runMode, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// viper's AutomaticEnv only binds keys it already knows about via
	// SetDefault/config file; BindEnv makes every field's env override
	// explicit regardless of which source populated the default.
	for _, key := range []string{
		"hostname", "port", "max_channel_connections", "conn_lifespan",
		"client_timeout", "heartbeat", "max_exchanges", "max_data",
		"mmdb_loc", "statsd_host", "trusted_proxy_list", "human_logs",
		"default_lang", "log_level", "ip_reputation_server", "iprep_min",
		"ip_violation", "conn_rate_ip_burst", "conn_rate_ip_per_sec",
		"conn_rate_global_burst", "conn_rate_global_per_sec",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("settings: binding env for %s: %w", key, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("settings: unmarshal: %w", err)
	}
	return &s, nil
}
