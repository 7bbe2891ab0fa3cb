package token

import (
	"time"

	"github.com/google/uuid"
)

type AllocationMethod string

const (
	MethodDirect       AllocationMethod = "direct"
	MethodPreemption   AllocationMethod = "preemption"
	MethodReallocation AllocationMethod = "reallocation"
)

// Outcome is the result of an allocation attempt: exactly one of
// Allocated, Alternatives or Rejected.
type Outcome interface {
	outcome()
}

// PreemptedToken describes a token displaced to make room, together with
// where (if anywhere) its patient was moved.
type PreemptedToken struct {
	Token              *Token
	ReallocationStatus ReallocationStatus
	ReallocatedTo      *Token // nil while reallocation is pending
}

// Allocated is the success outcome.
type Allocated struct {
	Token     *Token
	Method    AllocationMethod
	Preempted []PreemptedToken
}

func (Allocated) outcome() {}

// SlotOption is a candidate slot offered when the requested one cannot be
// used.
type SlotOption struct {
	SlotID    uuid.UUID
	DoctorID  uuid.UUID
	Date      time.Time
	StartTime string
	EndTime   string
	Specialty string
	Available int
}

// Alternatives is returned when no token could be placed in the requested
// slot but other slots can take the patient.
type Alternatives struct {
	RequestedSlotID   *uuid.UUID
	Slots             []SlotOption
	RecommendedAction string
	Suggestions       []string
}

func (Alternatives) outcome() {}

// Rejected is a definitive failure with a domain error attached.
type Rejected struct {
	Err *Error
}

func (Rejected) outcome() {}

func slotOption(s *Slot) SlotOption {
	return SlotOption{
		SlotID:    s.ID,
		DoctorID:  s.DoctorID,
		Date:      s.Date,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		Specialty: s.Specialty,
		Available: s.Available(),
	}
}
