package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// Settings are the env-tunable knobs of one dependency's breaker.
type Settings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// GetRedisConfig reads CB_REDIS_* overrides.
func GetRedisConfig() Settings {
	return settingsFromEnv("CB_REDIS", Settings{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	})
}

// GetDatabaseConfig reads CB_DB_* overrides.
func GetDatabaseConfig() Settings {
	return settingsFromEnv("CB_DB", Settings{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	})
}

// GetOracleConfig reads CB_ORACLE_* overrides for the LLM completion endpoint.
func GetOracleConfig() Settings {
	return settingsFromEnv("CB_ORACLE", Settings{
		MaxRequests:      2,
		Interval:         30 * time.Second,
		Timeout:          20 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 1,
	})
}

// ToConfig converts settings to a breaker Config. OnStateChange is filled in on registration.
func (s Settings) ToConfig() Config {
	return Config{
		MaxRequests:      s.MaxRequests,
		Interval:         s.Interval,
		Timeout:          s.Timeout,
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
	}
}

func settingsFromEnv(prefix string, def Settings) Settings {
	return Settings{
		MaxRequests:      getEnvUint32(prefix+"_MAX_REQUESTS", def.MaxRequests),
		Interval:         getEnvDuration(prefix+"_INTERVAL", def.Interval),
		Timeout:          getEnvDuration(prefix+"_TIMEOUT", def.Timeout),
		FailureThreshold: getEnvUint32(prefix+"_FAILURE_THRESHOLD", def.FailureThreshold),
		SuccessThreshold: getEnvUint32(prefix+"_SUCCESS_THRESHOLD", def.SuccessThreshold),
	}
}

func getEnvUint32(key string, def uint32) uint32 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint32(n)
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
