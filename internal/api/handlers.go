package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Abraj743/opd-token-engine/internal/token"
)

type Handler struct {
	allocator *token.Allocator
	lifecycle *token.Lifecycle
}

func NewHandler(allocator *token.Allocator, lifecycle *token.Lifecycle) *Handler {
	return &Handler{
		allocator: allocator,
		lifecycle: lifecycle,
	}
}

func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}

	alloc := token.AllocationRequest{
		PatientID:       patientID,
		Department:      req.Department,
		Source:          token.Source(req.Source),
		WaitingMinutes:  req.WaitingMinutes,
		PreferredTime:   req.PreferredTime,
		AllowPreemption: true,
	}

	if req.SlotID != "" {
		slotID, err := uuid.Parse(req.SlotID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "slot_id must be a valid UUID")
			return
		}
		alloc.SlotID = &slotID
	}
	if req.DoctorID != "" {
		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		alloc.DoctorID = doctorID
	}
	if req.PreferredDate != "" {
		day, err := time.Parse("2006-01-02", req.PreferredDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_preferred_date", "preferred_date must be YYYY-MM-DD")
			return
		}
		alloc.PreferredDate = day
	}

	info, err := parsePatientInfo(req.PatientInfo)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_info", err.Error())
		return
	}
	alloc.Patient = info

	outcome, err := h.allocator.Allocate(r.Context(), alloc)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeOutcome(w, outcome)
}

func (h *Handler) EmergencyInsertion(w http.ResponseWriter, r *http.Request) {
	var req EmergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}

	em := token.EmergencyRequest{
		PatientID:       patientID,
		Urgency:         token.UrgencyLevel(req.UrgencyLevel),
		AllowPreemption: true,
	}
	if req.AllowPreemption != nil {
		em.AllowPreemption = *req.AllowPreemption
	}
	if req.DoctorID != "" {
		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		em.DoctorID = doctorID
	}
	if req.PreferredSlotID != "" {
		slotID, err := uuid.Parse(req.PreferredSlotID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "preferred_slot_id must be a valid UUID")
			return
		}
		em.PreferredSlotID = &slotID
	}

	info, err := parsePatientInfo(req.PatientInfo)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_info", err.Error())
		return
	}
	em.Patient = info

	outcome, err := h.allocator.EmergencyInsertion(r.Context(), em)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeOutcome(w, outcome)
}

func (h *Handler) GetToken(w http.ResponseWriter, r *http.Request) {
	id, ok := tokenID(w, r)
	if !ok {
		return
	}

	t, err := h.lifecycle.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse(t))
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.actorTransition(w, r, h.lifecycle.Confirm)
}

func (h *Handler) StartConsultation(w http.ResponseWriter, r *http.Request) {
	h.actorTransition(w, r, h.lifecycle.StartConsultation)
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := tokenID(w, r)
	if !ok {
		return
	}

	var req ActorRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	t, err := h.lifecycle.Complete(r.Context(), id, req.ActorID, req.Notes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(t))
}

func (h *Handler) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	h.actorTransition(w, r, h.lifecycle.MarkNoShow)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := tokenID(w, r)
	if !ok {
		return
	}

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	t, err := h.lifecycle.Cancel(r.Context(), id, token.CancelReason(req.Reason), req.CancelledBy)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(t))
}

func (h *Handler) Move(w http.ResponseWriter, r *http.Request) {
	id, ok := tokenID(w, r)
	if !ok {
		return
	}

	var req MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	newSlotID, err := uuid.Parse(req.NewSlotID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_slot_id", "new_slot_id must be a valid UUID")
		return
	}

	t, err := h.allocator.Move(r.Context(), id, newSlotID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(t))
}

func (h *Handler) ReallocateBatch(w http.ResponseWriter, r *http.Request) {
	var req ReallocateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "invalid_reason", "reason is required")
		return
	}

	var criteria token.BatchCriteria
	if req.DoctorID != "" {
		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		criteria.DoctorID = &doctorID
	}
	if req.SlotID != "" {
		slotID, err := uuid.Parse(req.SlotID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "slot_id must be a valid UUID")
			return
		}
		criteria.SlotID = &slotID
	}
	if req.DateFrom != "" {
		day, err := time.Parse("2006-01-02", req.DateFrom)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date_from", "date_from must be YYYY-MM-DD")
			return
		}
		criteria.DateFrom = day
	}
	if req.DateTo != "" {
		day, err := time.Parse("2006-01-02", req.DateTo)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date_to", "date_to must be YYYY-MM-DD")
			return
		}
		criteria.DateTo = day
	}
	for _, s := range req.Statuses {
		criteria.Statuses = append(criteria.Statuses, token.Status(s))
	}

	result, err := h.allocator.ReallocateBatch(r.Context(), criteria, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := BatchResponse{
		Relocated: make([]TokenResponse, 0, len(result.Relocated)),
		Failed:    make([]BatchFailure, 0, len(result.Failed)),
	}
	for _, t := range result.Relocated {
		resp.Relocated = append(resp.Relocated, tokenResponse(t))
	}
	for _, f := range result.Failed {
		resp.Failed = append(resp.Failed, BatchFailure{
			TokenID: f.Token.ID,
			Error:   string(f.Err.Code),
			Message: f.Err.Message,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) actorTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id uuid.UUID, actorID string) (*token.Token, error)) {
	id, ok := tokenID(w, r)
	if !ok {
		return
	}

	var req ActorRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	t, err := fn(r.Context(), id, req.ActorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(t))
}

func tokenID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_token_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func writeOutcome(w http.ResponseWriter, outcome token.Outcome) {
	switch o := outcome.(type) {
	case token.Allocated:
		resp := AllocatedResponse{
			Result:           "allocated",
			Token:            tokenResponse(o.Token),
			AllocationMethod: string(o.Method),
		}
		for _, p := range o.Preempted {
			pp := PreemptedPayload{
				Token:              tokenResponse(p.Token),
				ReallocationStatus: string(p.ReallocationStatus),
			}
			if p.ReallocatedTo != nil {
				tr := tokenResponse(p.ReallocatedTo)
				pp.ReallocatedTo = &tr
			}
			resp.Preempted = append(resp.Preempted, pp)
		}
		writeJSON(w, http.StatusCreated, resp)

	case token.Alternatives:
		resp := AlternativesResponse{
			Result:            "alternatives",
			RequestedSlotID:   o.RequestedSlotID,
			Alternatives:      make([]SlotOptionPayload, 0, len(o.Slots)),
			RecommendedAction: o.RecommendedAction,
			Suggestions:       o.Suggestions,
		}
		for _, s := range o.Slots {
			resp.Alternatives = append(resp.Alternatives, SlotOptionPayload{
				SlotID:    s.SlotID,
				DoctorID:  s.DoctorID,
				Date:      s.Date.Format("2006-01-02"),
				StartTime: s.StartTime,
				EndTime:   s.EndTime,
				Specialty: s.Specialty,
				Available: s.Available,
			})
		}
		writeJSON(w, http.StatusOK, resp)

	case token.Rejected:
		writeDomainError(w, o.Err)

	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "unknown outcome")
	}
}

func parsePatientInfo(p PatientInfoPayload) (token.PatientInfo, error) {
	info := token.PatientInfo{
		Age: p.Age,
		MedicalHistory: token.MedicalHistory{
			Critical: p.MedicalHistory.Critical,
			Chronic:  p.MedicalHistory.Chronic,
		},
		Urgency:    token.UrgencyLevel(p.Urgency),
		IsFollowup: p.IsFollowup,
	}
	if p.LastVisitedDoctor != "" {
		id, err := uuid.Parse(p.LastVisitedDoctor)
		if err != nil {
			return token.PatientInfo{}, err
		}
		info.LastVisitedDoctor = id
	}
	return info, nil
}
