package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/Abraj743/opd-token-engine/internal/token"
)

type MedicalHistoryPayload struct {
	Critical bool `json:"critical"`
	Chronic  bool `json:"chronic"`
}

type PatientInfoPayload struct {
	Age               int                   `json:"age"`
	MedicalHistory    MedicalHistoryPayload `json:"medical_history"`
	Urgency           string                `json:"urgency,omitempty"`
	IsFollowup        bool                  `json:"is_followup,omitempty"`
	LastVisitedDoctor string                `json:"last_visited_doctor,omitempty"`
}

type AllocateRequest struct {
	PatientID      string             `json:"patient_id"`
	DoctorID       string             `json:"doctor_id,omitempty"`
	SlotID         string             `json:"slot_id,omitempty"`
	Department     string             `json:"department,omitempty"`
	Source         string             `json:"source"`
	PatientInfo    PatientInfoPayload `json:"patient_info"`
	WaitingMinutes int                `json:"waiting_minutes,omitempty"`
	PreferredDate  string             `json:"preferred_date,omitempty"` // YYYY-MM-DD
	PreferredTime  string             `json:"preferred_time,omitempty"` // HH:MM
}

type EmergencyRequest struct {
	PatientID       string             `json:"patient_id"`
	DoctorID        string             `json:"doctor_id"`
	PreferredSlotID string             `json:"preferred_slot_id,omitempty"`
	PatientInfo     PatientInfoPayload `json:"patient_info"`
	UrgencyLevel    string             `json:"urgency_level"`
	AllowPreemption *bool              `json:"allow_preemption,omitempty"`
}

type CancelRequest struct {
	Reason      string `json:"reason"`
	CancelledBy string `json:"cancelled_by"`
}

type MoveRequest struct {
	NewSlotID string `json:"new_slot_id"`
}

type ActorRequest struct {
	ActorID string `json:"actor_id"`
	Notes   string `json:"notes,omitempty"`
}

type ReallocateBatchRequest struct {
	DoctorID string   `json:"doctor_id,omitempty"`
	SlotID   string   `json:"slot_id,omitempty"`
	DateFrom string   `json:"date_from,omitempty"`
	DateTo   string   `json:"date_to,omitempty"`
	Statuses []string `json:"statuses,omitempty"`
	Reason   string   `json:"reason"`
}

type TokenResponse struct {
	ID          uuid.UUID      `json:"id"`
	PatientID   uuid.UUID      `json:"patient_id"`
	DoctorID    uuid.UUID      `json:"doctor_id"`
	SlotID      uuid.UUID      `json:"slot_id"`
	TokenNumber int            `json:"token_number"`
	Source      string         `json:"source"`
	Priority    int            `json:"priority"`
	Status      string         `json:"status"`
	Metadata    token.Metadata `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

type PreemptedPayload struct {
	Token              TokenResponse  `json:"token"`
	ReallocationStatus string         `json:"reallocation_status"`
	ReallocatedTo      *TokenResponse `json:"reallocated_to,omitempty"`
}

type AllocatedResponse struct {
	Result           string             `json:"result"` // "allocated"
	Token            TokenResponse      `json:"token"`
	AllocationMethod string             `json:"allocation_method"`
	Preempted        []PreemptedPayload `json:"preempted,omitempty"`
}

type SlotOptionPayload struct {
	SlotID    uuid.UUID `json:"slot_id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	Date      string    `json:"date"`
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
	Specialty string    `json:"specialty,omitempty"`
	Available int       `json:"available"`
}

type AlternativesResponse struct {
	Result            string              `json:"result"` // "alternatives"
	RequestedSlotID   *uuid.UUID          `json:"requested_slot_id,omitempty"`
	Alternatives      []SlotOptionPayload `json:"alternatives"`
	RecommendedAction string              `json:"recommended_action"`
	Suggestions       []string            `json:"suggestions,omitempty"`
}

type BatchResponse struct {
	Relocated []TokenResponse `json:"relocated"`
	Failed    []BatchFailure  `json:"failed"`
}

type BatchFailure struct {
	TokenID uuid.UUID `json:"token_id"`
	Error   string    `json:"error"`
	Message string    `json:"message"`
}

type ErrorResponse struct {
	Error       string         `json:"error"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
}

func tokenResponse(t *token.Token) TokenResponse {
	return TokenResponse{
		ID:          t.ID,
		PatientID:   t.PatientID,
		DoctorID:    t.DoctorID,
		SlotID:      t.SlotID,
		TokenNumber: t.TokenNumber,
		Source:      string(t.Source),
		Priority:    t.Priority,
		Status:      string(t.Status),
		Metadata:    t.Metadata,
		CreatedAt:   t.CreatedAt,
	}
}
