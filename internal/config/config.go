package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port     string
		LogLevel string
	}
	Sync struct {
		// Seconds of tolerated gap between a reported and a projected
		// position before a correction is sent.
		DriftThreshold float64
	}
	Room struct {
		GracePeriod   time.Duration
		IdleTTL       time.Duration
		SweepInterval time.Duration
	}
	WS struct {
		WriteTimeout time.Duration
		ReadLimit    int64
	}
}

func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("sync.drift_threshold", 1.5)

	v.SetDefault("room.grace_period", "30s")
	v.SetDefault("room.idle_ttl", "1h")
	v.SetDefault("room.sweep_interval", "60s")

	v.SetDefault("ws.write_timeout", "5s")
	v.SetDefault("ws.read_limit", 65536)

	// Map envs
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.log_level", "LOG_LEVEL")

	v.BindEnv("sync.drift_threshold", "SYNC_DRIFT_THRESHOLD")

	v.BindEnv("room.grace_period", "ROOM_GRACE_PERIOD")
	v.BindEnv("room.idle_ttl", "ROOM_IDLE_TTL")
	v.BindEnv("room.sweep_interval", "ROOM_SWEEP_INTERVAL")

	v.BindEnv("ws.write_timeout", "WS_WRITE_TIMEOUT")
	v.BindEnv("ws.read_limit", "WS_READ_LIMIT")

	var c Config
	c.Server.Port = toString(v.Get("server.port"))
	c.Server.LogLevel = v.GetString("server.log_level")

	c.Sync.DriftThreshold = v.GetFloat64("sync.drift_threshold")

	c.Room.GracePeriod = v.GetDuration("room.grace_period")
	c.Room.IdleTTL = v.GetDuration("room.idle_ttl")
	c.Room.SweepInterval = v.GetDuration("room.sweep_interval")

	c.WS.WriteTimeout = v.GetDuration("ws.write_timeout")
	c.WS.ReadLimit = v.GetInt64("ws.read_limit")

	log.Printf("config loaded: port=%s drift_threshold=%.2fs grace=%s idle_ttl=%s",
		c.Server.Port, c.Sync.DriftThreshold, c.Room.GracePeriod, c.Room.IdleTTL)
	return c
}

func toString(v any) string { return fmt.Sprint(v) }
