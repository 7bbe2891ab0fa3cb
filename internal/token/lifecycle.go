package token

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Abraj743/opd-token-engine/internal/concurrency"
)

type CancelReason string

const (
	CancelPatientRequest    CancelReason = "patient_request"
	CancelDoctorUnavailable CancelReason = "doctor_unavailable"
	CancelEmergency         CancelReason = "emergency"
	CancelSystemError       CancelReason = "system_error"
	CancelOther             CancelReason = "other"
)

var cancelReasons = map[CancelReason]bool{
	CancelPatientRequest:    true,
	CancelDoctorUnavailable: true,
	CancelEmergency:         true,
	CancelSystemError:       true,
	CancelOther:             true,
}

// transitions is the token state machine. Terminal states are absent: any
// transition out of them is rejected with TOKEN_ALREADY_PROCESSED.
var transitions = map[Status]map[Status]bool{
	StatusAllocated: {
		StatusConfirmed: true,
		StatusCancelled: true,
		StatusNoShow:    true,
	},
	StatusConfirmed: {
		StatusInConsultation: true,
		StatusCancelled:      true,
		StatusNoShow:         true,
	},
	StatusInConsultation: {
		StatusCompleted: true,
	},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Lifecycle drives a token through its state machine, keeping the slot's
// allocation counter in step with the set of counted tokens.
type Lifecycle struct {
	repo     Repository
	capacity *CapacityManager
	retry    *concurrency.Retryer
	clk      Clock
	log      zerolog.Logger
}

func NewLifecycle(repo Repository, clk Clock, log zerolog.Logger, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		repo:     repo,
		capacity: NewCapacityManager(repo),
		retry:    concurrency.NewRetryer(IsTransient),
		clk:      clk,
		log:      log.With().Str("component", "lifecycle").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type LifecycleOption func(*Lifecycle)

// WithLifecycleRetryer replaces the default retry policy.
func WithLifecycleRetryer(r *concurrency.Retryer) LifecycleOption {
	return func(l *Lifecycle) { l.retry = r }
}

// Confirm moves an allocated token to confirmed.
func (l *Lifecycle) Confirm(ctx context.Context, tokenID uuid.UUID, actorID string) (*Token, error) {
	return l.transition(ctx, tokenID, StatusConfirmed, func(t *Token) {
		t.Metadata.Notes = appendNote(t.Metadata.Notes, fmt.Sprintf("confirmed by %s", actorID))
	})
}

// StartConsultation moves a confirmed token into consultation.
func (l *Lifecycle) StartConsultation(ctx context.Context, tokenID uuid.UUID, actorID string) (*Token, error) {
	return l.transition(ctx, tokenID, StatusInConsultation, nil)
}

// Complete finishes a consultation, freeing the slot position.
func (l *Lifecycle) Complete(ctx context.Context, tokenID uuid.UUID, actorID, notes string) (*Token, error) {
	return l.transition(ctx, tokenID, StatusCompleted, func(t *Token) {
		if notes != "" {
			t.Metadata.Notes = appendNote(t.Metadata.Notes, notes)
		}
	})
}

// Cancel releases the token's claim on its slot.
func (l *Lifecycle) Cancel(ctx context.Context, tokenID uuid.UUID, reason CancelReason, cancelledBy string) (*Token, error) {
	if !cancelReasons[reason] {
		return nil, NewError(CodeValidation, fmt.Sprintf("unknown cancel reason %q", reason)).
			WithDetail("reason", string(reason))
	}
	return l.transition(ctx, tokenID, StatusCancelled, func(t *Token) {
		t.Metadata.CancelReason = string(reason)
		t.Metadata.CancelledBy = cancelledBy
	})
}

// MarkNoShow records that the patient never turned up.
func (l *Lifecycle) MarkNoShow(ctx context.Context, tokenID uuid.UUID, actorID string) (*Token, error) {
	return l.transition(ctx, tokenID, StatusNoShow, func(t *Token) {
		t.Metadata.Notes = appendNote(t.Metadata.Notes, fmt.Sprintf("marked no-show by %s", actorID))
	})
}

// Get loads a token.
func (l *Lifecycle) Get(ctx context.Context, tokenID uuid.UUID) (*Token, error) {
	return l.repo.GetToken(ctx, tokenID)
}

func (l *Lifecycle) transition(ctx context.Context, tokenID uuid.UUID, to Status, mutate func(*Token)) (*Token, error) {
	var updated *Token

	err := l.retry.Do(ctx, func(int) error {
		updated = nil
		return l.repo.WithTx(ctx, func(txCtx context.Context) error {
			tok, err := l.repo.GetTokenForUpdate(txCtx, tokenID)
			if err != nil {
				return err
			}
			if tok.Status.Terminal() {
				return NewError(CodeTokenAlreadyProcessed, "token already processed").
					WithDetail("token_id", tok.ID.String()).
					WithDetail("status", string(tok.Status))
			}
			if !CanTransition(tok.Status, to) {
				return NewError(CodeSchedulingConflict, fmt.Sprintf("cannot move token from %s to %s", tok.Status, to)).
					WithDetail("token_id", tok.ID.String()).
					WithDetail("from", string(tok.Status)).
					WithDetail("to", string(to))
			}

			wasCounted := tok.Counted()
			tok.Status = to
			tok.UpdatedAt = l.clk.Now()
			if mutate != nil {
				mutate(tok)
			}
			if err := l.repo.UpdateToken(txCtx, tok); err != nil {
				return err
			}

			if wasCounted && !to.Counted() {
				slot, err := l.repo.GetSlotForUpdate(txCtx, tok.SlotID)
				if err != nil {
					return err
				}
				if err := l.capacity.Release(txCtx, slot); err != nil {
					return err
				}
			}

			updated = tok
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().
		Str("token_id", updated.ID.String()).
		Str("status", string(updated.Status)).
		Msg("token transitioned")

	return updated, nil
}

func appendNote(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "; " + note
}
