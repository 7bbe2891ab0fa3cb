package token

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/Abraj743/opd-token-engine/internal/config"
)

const (
	priorityFloor   = 0
	priorityCeiling = 2000

	seniorAgeBonus     = 50
	childAgeBonus      = 30
	criticalBonus      = 100
	chronicBonus       = 40
	urgencyCritBonus   = 150
	urgencyHighBonus   = 75
	continuityBonus    = 25
	waitingBonusCap    = 100
	waitingPerMinutes  = 5
	levelEmergencyBand = 1000
	levelHighBand      = 700
	levelMediumBand    = 400
)

// PriorityResult is the deterministic output of the calculator for one
// request.
type PriorityResult struct {
	Base      int
	Final     int
	Level     PriorityLevel
	Breakdown map[string]int
}

// CalculatePriority maps (source, patient attributes, waiting time) to a
// score in [0, 2000]. It is a pure function of its arguments and the
// settings snapshot; the same inputs always produce the same score.
// targetDoctor feeds the follow-up continuity bonus and may be uuid.Nil.
func CalculatePriority(src Source, info PatientInfo, waitingMinutes int, targetDoctor uuid.UUID, s config.Settings) (PriorityResult, error) {
	base, ok := s.PriorityBases[string(src)]
	if !ok {
		return PriorityResult{}, NewError(CodeValidation, fmt.Sprintf("unknown source %q", src)).
			WithDetail("source", string(src))
	}

	breakdown := map[string]int{"base": base}

	// Age 0 means the request did not carry an age; no bonus either way.
	if info.Age >= 65 {
		breakdown["age"] = seniorAgeBonus
	} else if info.Age > 0 && info.Age <= 12 {
		breakdown["age"] = childAgeBonus
	}

	if info.MedicalHistory.Critical {
		breakdown["medical"] = criticalBonus
	} else if info.MedicalHistory.Chronic {
		breakdown["medical"] = chronicBonus
	}

	switch info.Urgency {
	case UrgencyCritical:
		breakdown["urgency"] = urgencyCritBonus
	case UrgencyHigh:
		breakdown["urgency"] = urgencyHighBonus
	}

	if info.IsFollowup && targetDoctor != uuid.Nil && info.LastVisitedDoctor == targetDoctor {
		breakdown["continuity"] = continuityBonus
	}

	if waitingMinutes > 0 {
		w := waitingMinutes / waitingPerMinutes
		if w > waitingBonusCap {
			w = waitingBonusCap
		}
		if w > 0 {
			breakdown["waiting"] = w
		}
	}

	final := 0
	for _, v := range breakdown {
		final += v
	}
	if final < priorityFloor {
		final = priorityFloor
	}
	if final > priorityCeiling {
		final = priorityCeiling
	}

	return PriorityResult{
		Base:      base,
		Final:     final,
		Level:     levelFor(final),
		Breakdown: breakdown,
	}, nil
}

func levelFor(score int) PriorityLevel {
	switch {
	case score >= levelEmergencyBand:
		return LevelEmergency
	case score >= levelHighBand:
		return LevelHigh
	case score >= levelMediumBand:
		return LevelMedium
	default:
		return LevelLow
	}
}
