package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	assert.Equal(t, 1000, s.PriorityBases["emergency"])
	assert.Equal(t, 800, s.PriorityBases["priority"])
	assert.Equal(t, 600, s.PriorityBases["followup"])
	assert.Equal(t, 400, s.PriorityBases["online"])
	assert.Equal(t, 200, s.PriorityBases["walkin"])
	assert.Equal(t, 200, s.PreemptionThreshold)
	assert.Equal(t, 10, s.DefaultSlotCapacity)
	assert.Equal(t, 20, s.EmergencyReservePct)
	assert.Equal(t, 5, s.MaxAlternatives)
	assert.Equal(t, []string{
		"same_doctor_same_day",
		"same_specialty_same_day",
		"same_doctor_next_day",
	}, s.ReallocationSearch)

	require.NoError(t, validateSettings(s))
}

func TestViperLoaderDefaults(t *testing.T) {
	s, err := NewViperLoader("")()
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings().PriorityBases, s.PriorityBases)
	assert.Equal(t, DefaultSettings().PreemptionThreshold, s.PreemptionThreshold)
}

func TestViperLoaderFileOverrides(t *testing.T) {
	file := filepath.Join(t.TempDir(), "settings.yaml")
	content := `
preemption_threshold: 150
max_alternatives: 3
priority_bases:
  emergency: 1200
  priority: 800
  followup: 600
  online: 400
  walkin: 100
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))

	s, err := NewViperLoader(file)()
	require.NoError(t, err)
	assert.Equal(t, 150, s.PreemptionThreshold)
	assert.Equal(t, 3, s.MaxAlternatives)
	assert.Equal(t, 1200, s.PriorityBases["emergency"])
	assert.Equal(t, 100, s.PriorityBases["walkin"])
	// untouched keys keep their defaults
	assert.Equal(t, 10, s.DefaultSlotCapacity)
}

func TestViperLoaderRejectsInvalid(t *testing.T) {
	file := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(file, []byte("preemption_threshold: -5\n"), 0o644))

	_, err := NewViperLoader(file)()
	require.Error(t, err)
}

func TestViperLoaderMissingFile(t *testing.T) {
	_, err := NewViperLoader(filepath.Join(t.TempDir(), "nope.yaml"))()
	require.Error(t, err)
}

func TestValidateSettings(t *testing.T) {
	s := DefaultSettings()
	s.PriorityBases["walkin"] = 2500
	assert.Error(t, validateSettings(s))

	s = DefaultSettings()
	s.DefaultSlotCapacity = 0
	assert.Error(t, validateSettings(s))

	s = DefaultSettings()
	s.EmergencyReservePct = 101
	assert.Error(t, validateSettings(s))
}

func TestSettingsCacheServesUntilTTL(t *testing.T) {
	clk := &stepClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	loads := 0
	loader := func() (Settings, error) {
		loads++
		s := DefaultSettings()
		s.PreemptionThreshold = 100 * loads
		return s, nil
	}

	cache := NewSettingsCache(loader, clk, WithSettingsTTL(5*time.Minute))

	s, err := cache.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 100, s.PreemptionThreshold)

	clk.Advance(4 * time.Minute)
	s, err = cache.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 100, s.PreemptionThreshold)
	assert.Equal(t, 1, loads)

	clk.Advance(2 * time.Minute)
	s, err = cache.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 200, s.PreemptionThreshold)
	assert.Equal(t, 2, loads)
}

func TestSettingsCacheServesStaleOnFailure(t *testing.T) {
	clk := &stepClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	fail := false
	loader := func() (Settings, error) {
		if fail {
			return Settings{}, errors.New("source down")
		}
		return DefaultSettings(), nil
	}

	cache := NewSettingsCache(loader, clk, WithSettingsTTL(time.Minute))

	s, err := cache.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 200, s.PreemptionThreshold)

	fail = true
	clk.Advance(2 * time.Minute)

	// refresh fails, the last good snapshot keeps serving
	s, err = cache.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 200, s.PreemptionThreshold)
}

func TestSettingsCacheFirstLoadFailure(t *testing.T) {
	clk := &stepClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	cache := NewSettingsCache(func() (Settings, error) {
		return Settings{}, errors.New("source down")
	}, clk)

	_, err := cache.Snapshot()
	require.Error(t, err)
}
