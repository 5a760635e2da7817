package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string `mapstructure:"log_level"`

	ICEServers      []string `mapstructure:"ice_servers"`
	UDPPort         uint16   `mapstructure:"udp_port"`
	IncludeLoopback bool     `mapstructure:"include_loopback"`

	PeerConnectionTimeout     time.Duration `mapstructure:"peer_connection_timeout"`
	SessionDescriptionTimeout time.Duration `mapstructure:"session_description_timeout"`
	DataChannelTimeout        time.Duration `mapstructure:"data_channel_timeout"`

	RestartReceiveInterval time.Duration `mapstructure:"restart_receive_interval"`
	RestartAcceptLimit     int           `mapstructure:"restart_accept_limit"`

	Signaler Signaler `mapstructure:"signaler"`
	Relay    Relay    `mapstructure:"relay"`
}

type Signaler struct {
	// local, lens2 or ws
	Kind     string `mapstructure:"kind"`
	Endpoint string `mapstructure:"endpoint"`
}

type Relay struct {
	Listen string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("ice_servers", []string{})
	v.SetDefault("udp_port", 0)
	v.SetDefault("include_loopback", false)
	v.SetDefault("peer_connection_timeout", "2.5s")
	v.SetDefault("session_description_timeout", "250ms")
	v.SetDefault("data_channel_timeout", "5s")
	v.SetDefault("restart_receive_interval", "60s")
	v.SetDefault("restart_accept_limit", 3)
	v.SetDefault("signaler.kind", "ws")
	v.SetDefault("signaler.endpoint", "ws://127.0.0.1:8080/ws")
	v.SetDefault("relay.listen", ":8080")
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads defaults, then the optional yaml file at path, then
// NEARBYRTC_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("nearbyrtc")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) WebRTCICEServers() []webrtc.ICEServer {
	if len(c.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.ICEServers}}
}
