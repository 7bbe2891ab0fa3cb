package token

import (
	"context"

	"github.com/google/uuid"
)

// CapacityManager serializes capacity reservation, release and token
// numbering for a slot. Every method expects to run inside a transaction
// opened by the caller: the slot row is loaded with a write lock and the
// version-checked update keeps the counters consistent under races.
type CapacityManager struct {
	repo Repository
}

func NewCapacityManager(repo Repository) *CapacityManager {
	return &CapacityManager{repo: repo}
}

// Reservation is the result of a successful capacity claim.
type Reservation struct {
	NewCount    int
	TokenNumber int
}

// Availability describes how much room a slot has left.
type Availability struct {
	Available        int // raw free capacity
	RegularAvailable int // free capacity outside the emergency reserve
}

// Reserve claims one unit of capacity and issues the next token number.
// Non-emergency sources may not eat into the emergency reserve. The token
// number is only ever handed out here, inside the transaction that also
// inserts the token, so no number exists without a token row.
func (m *CapacityManager) Reserve(ctx context.Context, slot *Slot, src Source) (Reservation, error) {
	limit := slot.MaxCapacity
	if src != SourceEmergency {
		limit = slot.MaxCapacity - slot.EmergencyReserved
	}

	if slot.CurrentAllocation >= limit {
		return Reservation{}, NewError(CodeSlotCapacityExceeded, "slot capacity exceeded").
			WithDetail("slot_id", slot.ID.String()).
			WithDetail("current_allocation", slot.CurrentAllocation).
			WithDetail("max_capacity", slot.MaxCapacity).
			WithDetail("emergency_reserved", slot.EmergencyReserved).
			WithSuggestion("try an alternative slot")
	}

	slot.CurrentAllocation++
	slot.LastTokenNumber++

	if err := m.repo.UpdateSlot(ctx, slot); err != nil {
		return Reservation{}, err
	}

	return Reservation{
		NewCount:    slot.CurrentAllocation,
		TokenNumber: slot.LastTokenNumber,
	}, nil
}

// Release frees one unit of capacity, never dropping below zero.
func (m *CapacityManager) Release(ctx context.Context, slot *Slot) error {
	if slot.CurrentAllocation > 0 {
		slot.CurrentAllocation--
	}
	return m.repo.UpdateSlot(ctx, slot)
}

// SwapWithinSlot issues a fresh token number without changing the
// allocation count: preemption replaces one counted token with another.
func (m *CapacityManager) SwapWithinSlot(ctx context.Context, slot *Slot) (Reservation, error) {
	slot.LastTokenNumber++

	if err := m.repo.UpdateSlot(ctx, slot); err != nil {
		return Reservation{}, err
	}

	return Reservation{
		NewCount:    slot.CurrentAllocation,
		TokenNumber: slot.LastTokenNumber,
	}, nil
}

// CheckAvailability reports free capacity for the slot.
func (m *CapacityManager) CheckAvailability(ctx context.Context, slotID uuid.UUID) (Availability, error) {
	slot, err := m.repo.GetSlot(ctx, slotID)
	if err != nil {
		return Availability{}, err
	}

	return Availability{
		Available:        slot.Available(),
		RegularAvailable: slot.RegularAvailable(),
	}, nil
}
