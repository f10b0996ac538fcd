package config

import (
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port string
	}
	Log struct {
		Level string
	}
	Database struct {
		DSN string
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
	}
	JWT struct {
		Secret string
	}
	Matchmaking struct {
		DefaultTimeoutMs    int64
		LockLeaseMs         int64
		LockWaitMs          int64
		SessionRetries      int
		SessionRetryDelayMs int64
		ClaimGraceMs        int64
		RegistryTTLSec      int64 `mapstructure:"registryTtlSec"`
		BotLockLeaseMs      int64
		Queues              []string
	}
	Sessions struct {
		AllocationDelayMs int64
		ConnectURL        string `mapstructure:"connectUrl"`
	}
	Bots struct {
		Source string // "redis" | "postgres"
		IDs    []string `mapstructure:"ids"`
	}
}

var C Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("matchmaking.defaultTimeoutMs", 30000)
	v.SetDefault("matchmaking.lockLeaseMs", 0) // 0: derived from the request timeout
	v.SetDefault("matchmaking.lockWaitMs", 350)
	v.SetDefault("matchmaking.sessionRetries", 4)
	v.SetDefault("matchmaking.sessionRetryDelayMs", 500)
	v.SetDefault("matchmaking.claimGraceMs", 0)
	v.SetDefault("matchmaking.registryTtlSec", 7200)
	v.SetDefault("matchmaking.botLockLeaseMs", 30000)
	v.SetDefault("matchmaking.queues", []string{"default"})
	v.SetDefault("sessions.allocationDelayMs", 0)
	v.SetDefault("sessions.connectUrl", "ws://localhost:8080/ws")
	v.SetDefault("bots.source", "redis")
}

// Load reads path (config/config.yaml when empty) into C. Values can be
// overridden with DUELQUEUE_* environment variables; a .env file in the
// working directory is loaded first if it exists.
func Load(path string) error {
	if path == "" {
		path = "config/config.yaml"
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("DUELQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return err
	}
	C = c
	return nil
}
