package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type VoiceConfig struct {
	StrictClaim bool `mapstructure:"strict_claim"`
}

type ClientConfig struct {
	ServerURL   string `mapstructure:"server_url"`
	HTTPURL     string `mapstructure:"http_url"`
	UserID      string `mapstructure:"user_id"`
	DisplayName string `mapstructure:"display_name"`
	Audio       string `mapstructure:"audio"`
	RecordDir   string `mapstructure:"record_dir"`
}

type Config struct {
	Mode        string        `mapstructure:"mode"`
	Port        int           `mapstructure:"port"`
	ReadLimit   int64         `mapstructure:"read_limit"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	Secret      string        `mapstructure:"secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	WriteLimit  int           `mapstructure:"write_limit"`
	LogLevel    string        `mapstructure:"log_level"`
	DBPath      string        `mapstructure:"db_path"`
	PresenceTTL time.Duration `mapstructure:"presence_ttl"`
	PublicURL   string        `mapstructure:"public_url"`
	ICEServers  []string      `mapstructure:"ice_servers"`
	UDPPortMin  uint16        `mapstructure:"udp_port_min"`
	UDPPortMax  uint16        `mapstructure:"udp_port_max"`

	Voice  VoiceConfig  `mapstructure:"voice"`
	Client ClientConfig `mapstructure:"client"`
}

// New returns a viper instance with every default set and the config file
// for CONFIG_ENV registered. Callers may bind flags before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	v.SetConfigFile(fmt.Sprintf("config/config.%s.yaml", env))
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("HUDDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "huddle-dev-secret")
	v.SetDefault("token_ttl", "24h")
	v.SetDefault("write_limit", 200)
	v.SetDefault("log_level", "info")
	v.SetDefault("db_path", "./data/huddle.db")
	v.SetDefault("presence_ttl", "90s")
	v.SetDefault("public_url", "http://localhost:8080")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("udp_port_min", 0)
	v.SetDefault("udp_port_max", 0)
	v.SetDefault("voice.strict_claim", true)
	v.SetDefault("client.server_url", "ws://localhost:8080/api/store/ws")
	v.SetDefault("client.http_url", "http://localhost:8080")
	v.SetDefault("client.user_id", "")
	v.SetDefault("client.display_name", "guest")
	v.SetDefault("client.audio", "silence")
	v.SetDefault("client.record_dir", "")
	return v
}

// Load reads the config file if present and unmarshals v.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = New()
	}
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️ Config file not found (%s), using defaults\n", v.ConfigFileUsed())
	} else {
		fmt.Fprintf(os.Stderr, "✅ Loaded config: %s\n", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.UDPPortMax < cfg.UDPPortMin {
		return nil, fmt.Errorf("udp_port_max %d below udp_port_min %d", cfg.UDPPortMax, cfg.UDPPortMin)
	}
	return &cfg, nil
}
