package token

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CandidateQuery narrows the slot search used for target resolution,
// alternatives and reallocation.
type CandidateQuery struct {
	DoctorID        *uuid.UUID
	Specialty       string
	DateFrom        time.Time
	DateTo          time.Time // inclusive; zero means open-ended
	ExcludeSlotIDs  []uuid.UUID
	RegularCapacity bool // only slots with capacity outside the emergency reserve
	Limit           int
}

// TokenQuery selects tokens for batch operations.
type TokenQuery struct {
	DoctorID *uuid.UUID
	SlotID   *uuid.UUID
	Statuses []Status
	DateFrom time.Time // slot date range
	DateTo   time.Time
}

// Repository contains all store interactions the allocation core needs.
// WithTx runs fn inside a single multi-row transaction; reads and writes
// issued through the fn's context share that transaction. UpdateSlot and
// UpdateToken are version-checked: they fail with ErrVersionConflict when
// the stored version differs from the one on the entity, and bump the
// version on success.
type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	GetSlotForUpdate(ctx context.Context, id uuid.UUID) (*Slot, error)
	UpdateSlot(ctx context.Context, s *Slot) error
	FindCandidateSlots(ctx context.Context, q CandidateQuery) ([]*Slot, error)

	GetToken(ctx context.Context, id uuid.UUID) (*Token, error)
	GetTokenForUpdate(ctx context.Context, id uuid.UUID) (*Token, error)
	InsertToken(ctx context.Context, t *Token) error
	UpdateToken(ctx context.Context, t *Token) error
	// ListActiveInSlot returns counted tokens ordered by priority asc,
	// createdAt desc: the head is always the preferred preemption victim.
	ListActiveInSlot(ctx context.Context, slotID uuid.UUID) ([]*Token, error)
	ListTokens(ctx context.Context, q TokenQuery) ([]*Token, error)
	// FindOverdueTokens returns allocated or confirmed tokens whose slot
	// ended more than grace before now.
	FindOverdueTokens(ctx context.Context, now time.Time, grace time.Duration) ([]*Token, error)
}
