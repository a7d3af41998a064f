package config

import (
	"strings"

	"github.com/spf13/viper"
)

type (
	Config struct {
		Host      string `json:"host" yaml:"host" mapstructure:"host"`
		MongoURI  string `json:"mongo_uri" yaml:"mongo_uri" mapstructure:"mongo_uri"`
		MongoDB   string `json:"mongo_db" yaml:"mongo_db" mapstructure:"mongo_db"`
		JWTSecret string `json:"jwt_secret" yaml:"jwt_secret" mapstructure:"jwt_secret"`
		Issuer    string `json:"issuer" yaml:"issuer" mapstructure:"issuer"`
		Audience  string `json:"audience" yaml:"audience" mapstructure:"audience"`

		// MasterKey is hex or raw; the at-rest key is derived from it with
		// HKDF, so any non-empty secret works.
		MasterKey string `json:"master_key" yaml:"master_key" mapstructure:"master_key"`

		Redis  RedisConfig  `json:"redis" yaml:"redis" mapstructure:"redis"`
		Client ClientConfig `json:"client" yaml:"client" mapstructure:"client"`
	}

	RedisConfig struct {
		Enable  bool   `json:"enable" yaml:"enable" mapstructure:"enable"`
		Host    string `json:"host" yaml:"host" mapstructure:"host"`
		Name    string `json:"name" yaml:"name" mapstructure:"name"`
		Channel string `json:"channel" yaml:"channel" mapstructure:"channel"`
	}

	ClientConfig struct {
		ReadMessageSizeLimit int64 `json:"read_message_size_limit" yaml:"read_message_size_limit" mapstructure:"read_message_size_limit"`
		ReadBufferSize       int   `json:"read_buffer_size" yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
		WriteBufferSize      int   `json:"write_buffer_size" yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
		SendBuffer           int   `json:"send_buffer" yaml:"send_buffer" mapstructure:"send_buffer"`
	}
)

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("config")
	v.AddConfigPath(path)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("host", "localhost:9090")
	v.SetDefault("mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("mongo_db", "vichat")
	v.SetDefault("issuer", "vichat")
	v.SetDefault("audience", "vichat-realtime")
	v.SetDefault("client.read_message_size_limit", 1<<20)
	v.SetDefault("client.read_buffer_size", 4096)
	v.SetDefault("client.write_buffer_size", 4096)
	v.SetDefault("client.send_buffer", 16)

	if err := v.ReadInConfig(); err != nil {
		// config file is optional, env + defaults suffice
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
