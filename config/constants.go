// Package config holds the tunables of the round engine and the optional
// environment overrides layered on top of their compiled-in defaults.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Defaults match the canonical values named by the round engine: a
// fixed-capacity table of 10 slots, a 10 second betting window ticking
// once per real second, a 100ms flight tick incrementing the multiplier by
// 0.01, and a 5 second pause between rounds.
const (
	DefaultCapacity               = 10
	DefaultNicknameMaxBytes       = 13
	DefaultBettingSeconds         = 10
	DefaultBettingTickInterval    = time.Second
	DefaultPauseDuration          = 5 * time.Second
	DefaultMultiplierIncrement    = 0.01
	DefaultStartingMultiplier     = 1.00
	DefaultMultiplierTickInterval = 100 * time.Millisecond
)

// Config collects every round-engine tunable. Production code loads it via
// Load; tests construct one directly with compressed BettingTickInterval /
// PauseDuration / MultiplierTickInterval so the full state machine runs in
// milliseconds while BettingSeconds — the value actually broadcast to
// clients as "seconds remaining" — stays whatever the test wants to assert
// against.
type Config struct {
	Capacity               int
	NicknameMaxBytes       int
	BettingSeconds         int
	BettingTickInterval    time.Duration
	PauseDuration          time.Duration
	MultiplierIncrement    float64
	StartingMultiplier     float64
	MultiplierTickInterval time.Duration
}

// Default returns the spec-canonical configuration.
func Default() Config {
	return Config{
		Capacity:               DefaultCapacity,
		NicknameMaxBytes:       DefaultNicknameMaxBytes,
		BettingSeconds:         DefaultBettingSeconds,
		BettingTickInterval:    DefaultBettingTickInterval,
		PauseDuration:          DefaultPauseDuration,
		MultiplierIncrement:    DefaultMultiplierIncrement,
		StartingMultiplier:     DefaultStartingMultiplier,
		MultiplierTickInterval: DefaultMultiplierTickInterval,
	}
}

// Load builds the Config from an optional ".env" file plus environment
// variables, falling back to Default for anything unset. Missing .env is
// not an error — the teacher's own main() treats it the same way.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] no .env file found, using environment/defaults")
	} else {
		log.Println("[config] loaded overrides from .env")
	}

	cfg := Default()
	cfg.Capacity = intEnv("AVIATOR_CAPACITY", cfg.Capacity)
	cfg.NicknameMaxBytes = intEnv("AVIATOR_NICKNAME_MAX_BYTES", cfg.NicknameMaxBytes)
	cfg.BettingSeconds = intEnv("AVIATOR_BETTING_SECONDS", cfg.BettingSeconds)
	cfg.BettingTickInterval = durationMsEnv("AVIATOR_BETTING_TICK_MS", cfg.BettingTickInterval)
	cfg.PauseDuration = durationMsEnv("AVIATOR_PAUSE_MS", cfg.PauseDuration)
	cfg.MultiplierIncrement = floatEnv("AVIATOR_MULTIPLIER_INCREMENT", cfg.MultiplierIncrement)
	cfg.MultiplierTickInterval = durationMsEnv("AVIATOR_TICK_MS", cfg.MultiplierTickInterval)
	return cfg
}

func intEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q: %v", key, v, err)
		return fallback
	}
	return n
}

func floatEnv(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q: %v", key, v, err)
		return fallback
	}
	return f
}

func durationMsEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q: %v", key, v, err)
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
