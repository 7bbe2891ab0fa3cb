package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/Abraj743/opd-token-engine/internal/clock"
)

// Settings holds the allocation tunables. A Settings value is an immutable
// snapshot: callers take one at the start of a request and use it for the
// whole computation.
type Settings struct {
	PriorityBases           map[string]int `mapstructure:"priority_bases"`
	PreemptionThreshold     int            `mapstructure:"preemption_threshold"`
	DefaultSlotCapacity     int            `mapstructure:"default_slot_capacity"`
	EmergencyReservePct     int            `mapstructure:"emergency_reserve_percentage"`
	ConsultationMinutes     int            `mapstructure:"default_consultation_minutes"`
	BufferMinutes           int            `mapstructure:"buffer_minutes"`
	ReallocationWindowHours int            `mapstructure:"reallocation_window_hours"`
	MaxAlternatives         int            `mapstructure:"max_alternatives"`
	MaxRetries              int            `mapstructure:"max_retries"`
	ReallocationSearch      []string       `mapstructure:"reallocation_search"`
}

// DefaultSettings mirrors the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		PriorityBases: map[string]int{
			"emergency": 1000,
			"priority":  800,
			"followup":  600,
			"online":    400,
			"walkin":    200,
		},
		PreemptionThreshold:     200,
		DefaultSlotCapacity:     10,
		EmergencyReservePct:     20,
		ConsultationMinutes:     15,
		BufferMinutes:           5,
		ReallocationWindowHours: 4,
		MaxAlternatives:         5,
		MaxRetries:              1,
		ReallocationSearch: []string{
			"same_doctor_same_day",
			"same_specialty_same_day",
			"same_doctor_next_day",
		},
	}
}

// SettingsLoader produces a fresh Settings snapshot from the backing source.
type SettingsLoader func() (Settings, error)

// NewViperLoader builds a loader that layers an optional yaml file and
// OPD_-prefixed env vars over the defaults.
func NewViperLoader(file string) SettingsLoader {
	return func() (Settings, error) {
		v := viper.New()

		def := DefaultSettings()
		v.SetDefault("priority_bases", def.PriorityBases)
		v.SetDefault("preemption_threshold", def.PreemptionThreshold)
		v.SetDefault("default_slot_capacity", def.DefaultSlotCapacity)
		v.SetDefault("emergency_reserve_percentage", def.EmergencyReservePct)
		v.SetDefault("default_consultation_minutes", def.ConsultationMinutes)
		v.SetDefault("buffer_minutes", def.BufferMinutes)
		v.SetDefault("reallocation_window_hours", def.ReallocationWindowHours)
		v.SetDefault("max_alternatives", def.MaxAlternatives)
		v.SetDefault("max_retries", def.MaxRetries)
		v.SetDefault("reallocation_search", def.ReallocationSearch)

		v.SetEnvPrefix("OPD")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		if file != "" {
			v.SetConfigFile(file)
			if err := v.ReadInConfig(); err != nil {
				return Settings{}, fmt.Errorf("read settings file %s: %w", file, err)
			}
		}

		var s Settings
		if err := v.Unmarshal(&s); err != nil {
			return Settings{}, fmt.Errorf("unmarshal settings: %w", err)
		}

		if err := validateSettings(s); err != nil {
			return Settings{}, err
		}

		return s, nil
	}
}

func validateSettings(s Settings) error {
	for src, base := range s.PriorityBases {
		if base < 0 || base > 2000 {
			return fmt.Errorf("priority base for %s out of range: %d", src, base)
		}
	}
	if s.PreemptionThreshold < 0 {
		return fmt.Errorf("preemption_threshold must be >= 0, got %d", s.PreemptionThreshold)
	}
	if s.DefaultSlotCapacity < 1 {
		return fmt.Errorf("default_slot_capacity must be >= 1, got %d", s.DefaultSlotCapacity)
	}
	if s.EmergencyReservePct < 0 || s.EmergencyReservePct > 100 {
		return fmt.Errorf("emergency_reserve_percentage out of range: %d", s.EmergencyReservePct)
	}
	return nil
}

const defaultSettingsTTL = 5 * time.Minute

// SettingsCache hands out Settings snapshots, refreshing from the loader
// once the TTL has passed. A failed refresh keeps serving the last good
// snapshot.
type SettingsCache struct {
	loader SettingsLoader
	clk    clock.Clock
	ttl    time.Duration

	mu        sync.Mutex
	current   Settings
	loaded    bool
	fetchedAt time.Time
}

func NewSettingsCache(loader SettingsLoader, clk clock.Clock, opts ...SettingsCacheOption) *SettingsCache {
	c := &SettingsCache{
		loader: loader,
		clk:    clk,
		ttl:    defaultSettingsTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type SettingsCacheOption func(*SettingsCache)

// WithSettingsTTL overrides the refresh interval.
func WithSettingsTTL(d time.Duration) SettingsCacheOption {
	return func(c *SettingsCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// Snapshot returns the current settings, refreshing if stale.
func (c *SettingsCache) Snapshot() (Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	if c.loaded && now.Sub(c.fetchedAt) < c.ttl {
		return c.current, nil
	}

	s, err := c.loader()
	if err != nil {
		if c.loaded {
			return c.current, nil
		}
		return Settings{}, err
	}

	c.current = s
	c.loaded = true
	c.fetchedAt = now
	return c.current, nil
}
