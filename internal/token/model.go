package token

import (
	"time"

	"github.com/google/uuid"
)

type Source string

const (
	SourceOnline       Source = "online"
	SourceWalkin       Source = "walkin"
	SourcePriority     Source = "priority"
	SourceFollowup     Source = "followup"
	SourceEmergency    Source = "emergency"
	SourceReallocation Source = "reallocation"
)

type Status string

const (
	StatusAllocated      Status = "allocated"
	StatusConfirmed      Status = "confirmed"
	StatusInConsultation Status = "in_consultation"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusNoShow         Status = "noshow"
)

// Counted reports whether a token in this status occupies slot capacity.
func (s Status) Counted() bool {
	return s == StatusAllocated || s == StatusConfirmed || s == StatusInConsultation
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

type SlotStatus string

const (
	SlotActive    SlotStatus = "active"
	SlotSuspended SlotStatus = "suspended"
	SlotCompleted SlotStatus = "completed"
	SlotCancelled SlotStatus = "cancelled"
)

type PriorityLevel string

const (
	LevelEmergency PriorityLevel = "emergency"
	LevelHigh      PriorityLevel = "high"
	LevelMedium    PriorityLevel = "medium"
	LevelLow       PriorityLevel = "low"
)

type UrgencyLevel string

const (
	UrgencyNormal   UrgencyLevel = "normal"
	UrgencyHigh     UrgencyLevel = "high"
	UrgencyCritical UrgencyLevel = "critical"
)

// Slot is a doctor's timed window for a date. CurrentAllocation always
// equals the number of counted tokens referencing it; LastTokenNumber and
// Version only ever grow.
type Slot struct {
	ID                uuid.UUID
	DoctorID          uuid.UUID
	Date              time.Time // UTC day
	StartTime         string    // HH:MM
	EndTime           string    // HH:MM
	Specialty         string
	MaxCapacity       int
	CurrentAllocation int
	EmergencyReserved int
	Status            SlotStatus
	LastTokenNumber   int
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Available returns the raw free capacity including the emergency reserve.
func (s *Slot) Available() int {
	return s.MaxCapacity - s.CurrentAllocation
}

// RegularAvailable returns capacity open to non-emergency sources.
func (s *Slot) RegularAvailable() int {
	n := s.MaxCapacity - s.EmergencyReserved - s.CurrentAllocation
	if n < 0 {
		return 0
	}
	return n
}

// StartsAt anchors the HH:MM start time onto the slot date.
func (s *Slot) StartsAt() time.Time {
	return atClockTime(s.Date, s.StartTime)
}

// EndsAt anchors the HH:MM end time onto the slot date.
func (s *Slot) EndsAt() time.Time {
	return atClockTime(s.Date, s.EndTime)
}

func atClockTime(day time.Time, hhmm string) time.Time {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return day
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
}

type MedicalHistory struct {
	Critical bool
	Chronic  bool
}

// PatientInfo carries the patient attributes the priority calculator reads.
// A zero Age means the age was not provided.
type PatientInfo struct {
	Age               int
	MedicalHistory    MedicalHistory
	Urgency           UrgencyLevel
	IsFollowup        bool
	LastVisitedDoctor uuid.UUID
}

type ReallocationStatus string

const (
	ReallocationDone    ReallocationStatus = "reallocated"
	ReallocationPending ReallocationStatus = "pending"
)

// Metadata records how a token came to be where it is.
type Metadata struct {
	OriginSlotID       *uuid.UUID         `json:"origin_slot_id,omitempty"`
	PreemptionCause    string             `json:"preemption_cause,omitempty"`
	PreemptedByPatient *uuid.UUID         `json:"preempted_by_patient,omitempty"`
	Urgency            UrgencyLevel       `json:"urgency,omitempty"`
	ReallocatedTo      *uuid.UUID         `json:"reallocated_to,omitempty"`
	ReallocationStatus ReallocationStatus `json:"reallocation_status,omitempty"`
	CancelReason       string             `json:"cancel_reason,omitempty"`
	CancelledBy        string             `json:"cancelled_by,omitempty"`
	Notes              string             `json:"notes,omitempty"`
}

// Token is one patient's claim on a slot. (SlotID, TokenNumber) is unique;
// numbers are never reused within a slot.
type Token struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	DoctorID    uuid.UUID
	SlotID      uuid.UUID
	TokenNumber int
	Source      Source
	Priority    int
	Status      Status
	Metadata    Metadata
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Counted reports whether this token occupies its slot's capacity.
func (t *Token) Counted() bool {
	return t.Status.Counted()
}

// Less orders competing tokens for tie-breaking: higher priority first,
// then earlier creation, then lexicographically smaller ID.
func Less(a, b *Token) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

var requestSources = map[Source]bool{
	SourceOnline:    true,
	SourceWalkin:    true,
	SourcePriority:  true,
	SourceFollowup:  true,
	SourceEmergency: true,
}

// ValidRequestSource reports whether src may appear on an incoming
// allocation request. SourceReallocation is only ever assigned internally.
func ValidRequestSource(src Source) bool {
	return requestSources[src]
}
