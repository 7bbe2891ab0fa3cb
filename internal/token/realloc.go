package token

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BatchCriteria selects the tokens a batch reallocation should relocate,
// typically everything active in a suspended or cancelled slot.
type BatchCriteria struct {
	DoctorID *uuid.UUID
	SlotID   *uuid.UUID
	DateFrom time.Time
	DateTo   time.Time
	Statuses []Status
}

type BatchFailure struct {
	Token *Token
	Err   *Error
}

type BatchResult struct {
	Relocated []*Token
	Failed    []BatchFailure
}

// ReallocateBatch relocates the matching tokens into candidate slots in
// priority-descending order, preserving each token's original priority and
// source. Tokens that cannot be placed are reported, not lost: they stay
// cancelled with a pending reallocation marker.
func (a *Allocator) ReallocateBatch(ctx context.Context, criteria BatchCriteria, reason string) (BatchResult, error) {
	settings, err := a.settings.Snapshot()
	if err != nil {
		return BatchResult{}, err
	}

	q := TokenQuery{
		DoctorID: criteria.DoctorID,
		SlotID:   criteria.SlotID,
		Statuses: criteria.Statuses,
		DateFrom: criteria.DateFrom,
		DateTo:   criteria.DateTo,
	}
	if len(q.Statuses) == 0 {
		q.Statuses = []Status{StatusAllocated, StatusConfirmed}
	}

	tokens, err := a.repo.ListTokens(ctx, q)
	if err != nil {
		return BatchResult{}, err
	}

	// Highest priority patients get first pick of the remaining capacity.
	sort.SliceStable(tokens, func(i, j int) bool {
		return Less(tokens[i], tokens[j])
	})

	var result BatchResult
	for _, t := range tokens {
		moved, err := a.relocateOne(ctx, t.ID, reason, settingsLimit(settings.MaxAlternatives))
		if err != nil {
			result.Failed = append(result.Failed, BatchFailure{Token: t, Err: AsError(err)})
			continue
		}
		result.Relocated = append(result.Relocated, moved)
	}

	a.log.Info().
		Str("reason", reason).
		Int("relocated", len(result.Relocated)).
		Int("failed", len(result.Failed)).
		Msg("batch reallocation finished")

	return result, nil
}

func settingsLimit(n int) int {
	if n <= 0 {
		return 5
	}
	return n
}

// relocateOne moves a single token to the first eligible candidate slot in
// one transaction.
func (a *Allocator) relocateOne(ctx context.Context, tokenID uuid.UUID, reason string, limit int) (*Token, error) {
	var moved *Token
	unplaced := false

	err := a.retry.Do(ctx, func(int) error {
		moved = nil
		return a.repo.WithTx(ctx, func(txCtx context.Context) error {
			tok, err := a.repo.GetTokenForUpdate(txCtx, tokenID)
			if err != nil {
				return err
			}
			if tok.Status.Terminal() {
				return NewError(CodeTokenAlreadyProcessed, "token already processed").
					WithDetail("token_id", tok.ID.String()).
					WithDetail("status", string(tok.Status))
			}

			settings, err := a.settings.Snapshot()
			if err != nil {
				return err
			}

			candidate, err := a.findReallocationSlot(txCtx, tok, settings)
			if err != nil {
				return err
			}
			if candidate == nil {
				// The error aborts this transaction; the pending
				// marker is written afterwards in a separate one.
				unplaced = true
				return NewError(CodeSlotCapacityExceeded, "no candidate slot with free capacity").
					WithDetail("token_id", tok.ID.String())
			}
			unplaced = false

			origin, target, err := a.lockSlotPair(txCtx, tok.SlotID, candidate.ID)
			if err != nil {
				return err
			}

			res, err := a.capacity.Reserve(txCtx, target, tok.Source)
			if err != nil {
				return err
			}

			originID := origin.ID
			now := a.clk.Now()
			moved = &Token{
				ID:          uuid.New(),
				PatientID:   tok.PatientID,
				DoctorID:    target.DoctorID,
				SlotID:      target.ID,
				TokenNumber: res.TokenNumber,
				Source:      tok.Source,
				Priority:    tok.Priority,
				Status:      StatusAllocated,
				Metadata: Metadata{
					OriginSlotID: &originID,
					Urgency:      tok.Metadata.Urgency,
					Notes:        reason,
				},
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := a.repo.InsertToken(txCtx, moved); err != nil {
				return err
			}

			wasCounted := tok.Counted()
			mid := moved.ID
			tok.Status = StatusCancelled
			tok.Metadata.ReallocatedTo = &mid
			tok.Metadata.ReallocationStatus = ReallocationDone
			tok.Metadata.CancelReason = reason
			if err := a.repo.UpdateToken(txCtx, tok); err != nil {
				return err
			}

			if wasCounted {
				if err := a.capacity.Release(txCtx, origin); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		if unplaced {
			if merr := a.markReallocationPending(ctx, tokenID); merr != nil {
				a.log.Warn().
					Err(merr).
					Str("token_id", tokenID.String()).
					Msg("could not flag token for a later reallocation pass")
			}
		}
		return nil, err
	}
	return moved, nil
}

// markReallocationPending flags a still-live token for a later pass in a
// transaction of its own, so the flag survives the failed placement.
func (a *Allocator) markReallocationPending(ctx context.Context, tokenID uuid.UUID) error {
	return a.retry.Do(ctx, func(int) error {
		return a.repo.WithTx(ctx, func(txCtx context.Context) error {
			tok, err := a.repo.GetTokenForUpdate(txCtx, tokenID)
			if err != nil {
				return err
			}
			if tok.Status.Terminal() || tok.Metadata.ReallocationStatus == ReallocationPending {
				return nil
			}
			tok.Metadata.ReallocationStatus = ReallocationPending
			return a.repo.UpdateToken(txCtx, tok)
		})
	})
}

// Move relocates one token into an explicitly chosen slot, producing a new
// token record with the same patient, priority and source.
func (a *Allocator) Move(ctx context.Context, tokenID, newSlotID uuid.UUID) (*Token, error) {
	var moved *Token

	err := a.retry.Do(ctx, func(int) error {
		moved = nil
		return a.repo.WithTx(ctx, func(txCtx context.Context) error {
			tok, err := a.repo.GetTokenForUpdate(txCtx, tokenID)
			if err != nil {
				return err
			}
			if tok.Status.Terminal() {
				return NewError(CodeTokenAlreadyProcessed, "token already processed").
					WithDetail("token_id", tok.ID.String()).
					WithDetail("status", string(tok.Status))
			}
			if tok.SlotID == newSlotID {
				return NewError(CodeSchedulingConflict, "token is already in the target slot").
					WithDetail("slot_id", newSlotID.String())
			}

			origin, target, err := a.lockSlotPair(txCtx, tok.SlotID, newSlotID)
			if err != nil {
				return err
			}
			if verr := a.validateSlot(target); verr != nil {
				return verr
			}

			res, err := a.capacity.Reserve(txCtx, target, tok.Source)
			if err != nil {
				return err
			}

			originID := origin.ID
			now := a.clk.Now()
			moved = &Token{
				ID:          uuid.New(),
				PatientID:   tok.PatientID,
				DoctorID:    target.DoctorID,
				SlotID:      target.ID,
				TokenNumber: res.TokenNumber,
				Source:      tok.Source,
				Priority:    tok.Priority,
				Status:      StatusAllocated,
				Metadata: Metadata{
					OriginSlotID: &originID,
					Urgency:      tok.Metadata.Urgency,
				},
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := a.repo.InsertToken(txCtx, moved); err != nil {
				return err
			}

			wasCounted := tok.Counted()
			mid := moved.ID
			tok.Status = StatusCancelled
			tok.Metadata.ReallocatedTo = &mid
			tok.Metadata.CancelReason = "moved"
			if err := a.repo.UpdateToken(txCtx, tok); err != nil {
				return err
			}

			if wasCounted {
				if err := a.capacity.Release(txCtx, origin); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// lockSlotPair locks two slot rows in a stable order so concurrent moves
// between the same pair cannot deadlock.
func (a *Allocator) lockSlotPair(ctx context.Context, first, second uuid.UUID) (*Slot, *Slot, error) {
	ids := []uuid.UUID{first, second}
	if strings.Compare(second.String(), first.String()) < 0 {
		ids[0], ids[1] = second, first
	}

	locked := make(map[uuid.UUID]*Slot, 2)
	for _, id := range ids {
		s, err := a.repo.GetSlotForUpdate(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		locked[id] = s
	}

	return locked[first], locked[second], nil
}
