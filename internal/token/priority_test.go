package token

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abraj743/opd-token-engine/internal/config"
)

func TestCalculatePriorityBases(t *testing.T) {
	s := config.DefaultSettings()

	cases := []struct {
		src  Source
		base int
	}{
		{SourceEmergency, 1000},
		{SourcePriority, 800},
		{SourceFollowup, 600},
		{SourceOnline, 400},
		{SourceWalkin, 200},
	}

	for _, tc := range cases {
		res, err := CalculatePriority(tc.src, PatientInfo{Age: 30}, 0, uuid.Nil, s)
		require.NoError(t, err, "source %s", tc.src)
		assert.Equal(t, tc.base, res.Base)
		assert.Equal(t, tc.base, res.Final)
	}
}

func TestCalculatePriorityUnknownSource(t *testing.T) {
	_, err := CalculatePriority(Source("fax"), PatientInfo{}, 0, uuid.Nil, config.DefaultSettings())
	require.Error(t, err)
	assert.Equal(t, CodeValidation, CodeOf(err))
}

func TestCalculatePriorityAgeBonus(t *testing.T) {
	s := config.DefaultSettings()

	senior, err := CalculatePriority(SourceOnline, PatientInfo{Age: 65}, 0, uuid.Nil, s)
	require.NoError(t, err)
	assert.Equal(t, 450, senior.Final)
	assert.Equal(t, 50, senior.Breakdown["age"])

	child, err := CalculatePriority(SourceOnline, PatientInfo{Age: 12}, 0, uuid.Nil, s)
	require.NoError(t, err)
	assert.Equal(t, 430, child.Final)

	adult, err := CalculatePriority(SourceOnline, PatientInfo{Age: 40}, 0, uuid.Nil, s)
	require.NoError(t, err)
	assert.Equal(t, 400, adult.Final)
	assert.NotContains(t, adult.Breakdown, "age")

	// a request without an age must not pick up the child bonus
	unknown, err := CalculatePriority(SourceOnline, PatientInfo{}, 0, uuid.Nil, s)
	require.NoError(t, err)
	assert.Equal(t, 400, unknown.Final)
	assert.NotContains(t, unknown.Breakdown, "age")

	infant, err := CalculatePriority(SourceOnline, PatientInfo{Age: 1}, 0, uuid.Nil, s)
	require.NoError(t, err)
	assert.Equal(t, 430, infant.Final)
}

func TestCalculatePriorityMedicalHistory(t *testing.T) {
	s := config.DefaultSettings()
	info := PatientInfo{Age: 30, MedicalHistory: MedicalHistory{Chronic: true}}

	chronic, err := CalculatePriority(SourceOnline, info, 0, uuid.Nil, s)
	require.NoError(t, err)
	assert.Equal(t, 440, chronic.Final)

	// critical wins over chronic, the bonuses do not stack
	info.MedicalHistory.Critical = true
	critical, err := CalculatePriority(SourceOnline, info, 0, uuid.Nil, s)
	require.NoError(t, err)
	assert.Equal(t, 500, critical.Final)
	assert.Equal(t, 100, critical.Breakdown["medical"])
}

func TestCalculatePriorityUrgency(t *testing.T) {
	s := config.DefaultSettings()

	high, err := CalculatePriority(SourceWalkin, PatientInfo{Age: 30, Urgency: UrgencyHigh}, 0, uuid.Nil, s)
	require.NoError(t, err)
	assert.Equal(t, 275, high.Final)

	crit, err := CalculatePriority(SourceWalkin, PatientInfo{Age: 30, Urgency: UrgencyCritical}, 0, uuid.Nil, s)
	require.NoError(t, err)
	assert.Equal(t, 350, crit.Final)

	normal, err := CalculatePriority(SourceWalkin, PatientInfo{Age: 30, Urgency: UrgencyNormal}, 0, uuid.Nil, s)
	require.NoError(t, err)
	assert.Equal(t, 200, normal.Final)
}

func TestCalculatePriorityContinuityBonus(t *testing.T) {
	s := config.DefaultSettings()
	doctor := uuid.New()

	info := PatientInfo{Age: 30, IsFollowup: true, LastVisitedDoctor: doctor}
	same, err := CalculatePriority(SourceFollowup, info, 0, doctor, s)
	require.NoError(t, err)
	assert.Equal(t, 625, same.Final)

	other, err := CalculatePriority(SourceFollowup, info, 0, uuid.New(), s)
	require.NoError(t, err)
	assert.Equal(t, 600, other.Final)

	// not a follow-up visit, same doctor: no bonus
	info.IsFollowup = false
	fresh, err := CalculatePriority(SourceFollowup, info, 0, doctor, s)
	require.NoError(t, err)
	assert.Equal(t, 600, fresh.Final)
}

func TestCalculatePriorityWaitingBonus(t *testing.T) {
	s := config.DefaultSettings()
	info := PatientInfo{Age: 30}

	short, err := CalculatePriority(SourceWalkin, info, 25, uuid.Nil, s)
	require.NoError(t, err)
	assert.Equal(t, 205, short.Final)

	// capped at +100 regardless of how long the queue got
	long, err := CalculatePriority(SourceWalkin, info, 720, uuid.Nil, s)
	require.NoError(t, err)
	assert.Equal(t, 300, long.Final)
	assert.Equal(t, 100, long.Breakdown["waiting"])
}

func TestCalculatePriorityClampedToCeiling(t *testing.T) {
	s := config.DefaultSettings()
	info := PatientInfo{
		Age:            80,
		MedicalHistory: MedicalHistory{Critical: true},
		Urgency:        UrgencyCritical,
	}

	// 1000 + 50 + 100 + 150 + 100 would be 1400; pile on an absurd base
	s.PriorityBases["emergency"] = 1950

	res, err := CalculatePriority(SourceEmergency, info, 720, uuid.Nil, s)
	require.NoError(t, err)
	assert.Equal(t, 2000, res.Final)
	assert.Equal(t, LevelEmergency, res.Level)
}

func TestCalculatePriorityLevels(t *testing.T) {
	s := config.DefaultSettings()

	cases := []struct {
		src   Source
		info  PatientInfo
		level PriorityLevel
	}{
		{SourceEmergency, PatientInfo{Age: 30}, LevelEmergency},
		{SourcePriority, PatientInfo{Age: 30}, LevelHigh},
		{SourceOnline, PatientInfo{Age: 30}, LevelMedium},
		{SourceWalkin, PatientInfo{Age: 30}, LevelLow},
	}
	for _, tc := range cases {
		res, err := CalculatePriority(tc.src, tc.info, 0, uuid.Nil, s)
		require.NoError(t, err)
		assert.Equal(t, tc.level, res.Level, "source %s", tc.src)
	}
}

func TestCalculatePriorityDeterministic(t *testing.T) {
	s := config.DefaultSettings()
	doctor := uuid.New()
	info := PatientInfo{
		Age:               70,
		MedicalHistory:    MedicalHistory{Chronic: true},
		Urgency:           UrgencyHigh,
		IsFollowup:        true,
		LastVisitedDoctor: doctor,
	}

	first, err := CalculatePriority(SourceFollowup, info, 95, doctor, s)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := CalculatePriority(SourceFollowup, info, 95, doctor, s)
		require.NoError(t, err)
		assert.Equal(t, first.Final, again.Final)
		assert.Equal(t, first.Breakdown, again.Breakdown)
	}
}
