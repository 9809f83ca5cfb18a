package config

import (
	"time"

	"github.com/spf13/viper"
)

type ServerCfg struct {
	Port                string `mapstructure:"port"`
	ReadTimeoutSeconds  int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `mapstructure:"write_timeout_seconds"`
	Development         bool   `mapstructure:"development"`
}

type MongoCfg struct {
	URI string `mapstructure:"uri"`
	DB  string `mapstructure:"db"`
}

type RedisCfg struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaCfg struct {
	Brokers     []string `mapstructure:"brokers"`
	EventsTopic string   `mapstructure:"events_topic"`
}

type ConsulCfg struct {
	Addr        string `mapstructure:"addr"`
	ServiceName string `mapstructure:"service_name"`
}

type JwtCfg struct {
	Algorithm     string `mapstructure:"algorithm"` // RS256 or HS256
	PublicKeyPath string `mapstructure:"public_key_path"`
	HSSecret      string `mapstructure:"hs_secret"`
}

// LimitsCfg carries the tunables of the messaging core. Zero values are
// replaced with defaults matching production behaviour.
type LimitsCfg struct {
	RateLimitMax           int `mapstructure:"rate_limit_max"`
	RateLimitWindowSeconds int `mapstructure:"rate_limit_window_seconds"`
	IPRatePerMinute        int `mapstructure:"ip_rate_per_minute"`
	ContentMaxBytes        int `mapstructure:"content_max_bytes"`
	MaxAttachments         int `mapstructure:"max_attachments"`
	SnippetMaxBytes        int `mapstructure:"snippet_max_bytes"`
	PresenceTTLSeconds     int `mapstructure:"presence_ttl_seconds"`
	TypingTTLSeconds       int `mapstructure:"typing_ttl_seconds"`
	OfflineTTLSeconds      int `mapstructure:"offline_ttl_seconds"`
	CacheTTLSeconds        int `mapstructure:"cache_ttl_seconds"`
	HistoryPageSize        int `mapstructure:"history_page_size"`
	ConversationPageSize   int `mapstructure:"conversation_page_size"`
}

type Config struct {
	Server ServerCfg `mapstructure:"server"`
	Mongo  MongoCfg  `mapstructure:"mongo"`
	Redis  RedisCfg  `mapstructure:"redis"`
	Kafka  KafkaCfg  `mapstructure:"kafka"`
	Consul ConsulCfg `mapstructure:"consul"`
	JWT    JwtCfg    `mapstructure:"jwt"`
	Limits LimitsCfg `mapstructure:"limits"`
	// Derived
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (l LimitsCfg) RateWindow() time.Duration  { return time.Duration(l.RateLimitWindowSeconds) * time.Second }
func (l LimitsCfg) PresenceTTL() time.Duration { return time.Duration(l.PresenceTTLSeconds) * time.Second }
func (l LimitsCfg) TypingTTL() time.Duration   { return time.Duration(l.TypingTTLSeconds) * time.Second }
func (l LimitsCfg) OfflineTTL() time.Duration  { return time.Duration(l.OfflineTTLSeconds) * time.Second }
func (l LimitsCfg) CacheTTL() time.Duration    { return time.Duration(l.CacheTTLSeconds) * time.Second }

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()
	v.SetEnvPrefix("APP")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8085"
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 15
	}
	cfg.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	cfg.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second

	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "msg"
	}
	if cfg.Kafka.EventsTopic == "" {
		cfg.Kafka.EventsTopic = "messaging.events"
	}
	if cfg.Consul.ServiceName == "" {
		cfg.Consul.ServiceName = "messaging-gateway"
	}

	l := &cfg.Limits
	if l.RateLimitMax == 0 {
		l.RateLimitMax = 10
	}
	if l.RateLimitWindowSeconds == 0 {
		l.RateLimitWindowSeconds = 60
	}
	if l.IPRatePerMinute == 0 {
		l.IPRatePerMinute = 300
	}
	if l.ContentMaxBytes == 0 {
		l.ContentMaxBytes = 5000
	}
	if l.MaxAttachments == 0 {
		l.MaxAttachments = 5
	}
	if l.SnippetMaxBytes == 0 {
		l.SnippetMaxBytes = 255
	}
	if l.PresenceTTLSeconds == 0 {
		l.PresenceTTLSeconds = 3600
	}
	if l.TypingTTLSeconds == 0 {
		l.TypingTTLSeconds = 5
	}
	if l.OfflineTTLSeconds == 0 {
		l.OfflineTTLSeconds = 604800
	}
	if l.CacheTTLSeconds == 0 {
		l.CacheTTLSeconds = 604800
	}
	if l.HistoryPageSize == 0 {
		l.HistoryPageSize = 50
	}
	if l.ConversationPageSize == 0 {
		l.ConversationPageSize = 20
	}
}
