package token

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Abraj743/opd-token-engine/internal/config"
)

// fakeRepo is an in-memory Repository with the same version-check
// semantics as the Postgres one. It hands out copies so tests cannot
// mutate the store through returned pointers.
type fakeRepo struct {
	mu     sync.Mutex
	slots  map[uuid.UUID]*Slot
	tokens map[uuid.UUID]*Token

	// conflictUpdateSlot makes the next N UpdateSlot calls fail with a
	// version conflict, for exercising the retry path.
	conflictUpdateSlot int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		slots:  make(map[uuid.UUID]*Slot),
		tokens: make(map[uuid.UUID]*Token),
	}
}

// fakeTx journals the pre-images of rows a transaction writes so a
// failing fn can be rolled back, matching what a real transaction does.
type fakeTx struct {
	slotPre  map[uuid.UUID]*Slot // nil pre-image: absent before the write
	tokenPre map[uuid.UUID]*Token
}

type fakeTxKey struct{}

func (r *fakeRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx := &fakeTx{
		slotPre:  make(map[uuid.UUID]*Slot),
		tokenPre: make(map[uuid.UUID]*Token),
	}
	if err := fn(context.WithValue(ctx, fakeTxKey{}, tx)); err != nil {
		r.mu.Lock()
		for id, pre := range tx.slotPre {
			if pre == nil {
				delete(r.slots, id)
			} else {
				r.slots[id] = pre
			}
		}
		for id, pre := range tx.tokenPre {
			if pre == nil {
				delete(r.tokens, id)
			} else {
				r.tokens[id] = pre
			}
		}
		r.mu.Unlock()
		return err
	}
	return nil
}

// journalSlot and journalToken record the first pre-image per row. Both
// run with r.mu held by the writing method.
func (r *fakeRepo) journalSlot(ctx context.Context, id uuid.UUID) {
	tx, ok := ctx.Value(fakeTxKey{}).(*fakeTx)
	if !ok {
		return
	}
	if _, seen := tx.slotPre[id]; seen {
		return
	}
	if cur, ok := r.slots[id]; ok {
		cp := *cur
		tx.slotPre[id] = &cp
	} else {
		tx.slotPre[id] = nil
	}
}

func (r *fakeRepo) journalToken(ctx context.Context, id uuid.UUID) {
	tx, ok := ctx.Value(fakeTxKey{}).(*fakeTx)
	if !ok {
		return
	}
	if _, seen := tx.tokenPre[id]; seen {
		return
	}
	if cur, ok := r.tokens[id]; ok {
		cp := *cur
		tx.tokenPre[id] = &cp
	} else {
		tx.tokenPre[id] = nil
	}
}

func (r *fakeRepo) addSlot(s *Slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	if cp.Version == 0 {
		cp.Version = 1
	}
	r.slots[cp.ID] = &cp
}

func (r *fakeRepo) addToken(t *Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	if cp.Version == 0 {
		cp.Version = 1
	}
	r.tokens[cp.ID] = &cp
}

func (r *fakeRepo) slot(id uuid.UUID) *Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.slots[id]
	return &cp
}

func (r *fakeRepo) token(id uuid.UUID) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.tokens[id]
	return &cp
}

func (r *fakeRepo) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeRepo) GetSlotForUpdate(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return r.GetSlot(ctx, id)
}

func (r *fakeRepo) UpdateSlot(ctx context.Context, s *Slot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conflictUpdateSlot > 0 {
		r.conflictUpdateSlot--
		return ErrVersionConflict
	}

	stored, ok := r.slots[s.ID]
	if !ok {
		return ErrSlotNotFound
	}
	if stored.Version != s.Version {
		return ErrVersionConflict
	}
	r.journalSlot(ctx, s.ID)
	s.Version++
	cp := *s
	r.slots[s.ID] = &cp
	return nil
}

func (r *fakeRepo) FindCandidateSlots(ctx context.Context, q CandidateQuery) ([]*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	excluded := make(map[uuid.UUID]bool, len(q.ExcludeSlotIDs))
	for _, id := range q.ExcludeSlotIDs {
		excluded[id] = true
	}

	var result []*Slot
	for _, s := range r.slots {
		if s.Status != SlotActive || excluded[s.ID] {
			continue
		}
		if !q.DateFrom.IsZero() && s.Date.Before(q.DateFrom) {
			continue
		}
		if !q.DateTo.IsZero() && s.Date.After(q.DateTo) {
			continue
		}
		if q.DoctorID != nil && s.DoctorID != *q.DoctorID {
			continue
		}
		if q.Specialty != "" && s.Specialty != q.Specialty {
			continue
		}
		if q.RegularCapacity {
			if s.RegularAvailable() <= 0 {
				continue
			}
		} else if s.Available() <= 0 {
			continue
		}
		cp := *s
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		return a.ID.String() < b.ID.String()
	})

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *fakeRepo) GetToken(ctx context.Context, id uuid.UUID) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *fakeRepo) GetTokenForUpdate(ctx context.Context, id uuid.UUID) (*Token, error) {
	return r.GetToken(ctx, id)
}

func (r *fakeRepo) InsertToken(ctx context.Context, t *Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.journalToken(ctx, t.ID)
	t.Version = 1
	cp := *t
	r.tokens[t.ID] = &cp
	return nil
}

func (r *fakeRepo) UpdateToken(ctx context.Context, t *Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.tokens[t.ID]
	if !ok {
		return ErrTokenNotFound
	}
	if stored.Version != t.Version {
		return ErrVersionConflict
	}
	r.journalToken(ctx, t.ID)
	t.Version++
	cp := *t
	r.tokens[t.ID] = &cp
	return nil
}

func (r *fakeRepo) ListActiveInSlot(ctx context.Context, slotID uuid.UUID) ([]*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*Token
	for _, t := range r.tokens {
		if t.SlotID == slotID && t.Status.Counted() {
			cp := *t
			result = append(result, &cp)
		}
	}

	// priority asc, newest first among equals: the head is the victim.
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		// on a full tie the smaller id wins its place, so the larger
		// id sorts toward the victim end
		return a.ID.String() > b.ID.String()
	})
	return result, nil
}

func (r *fakeRepo) ListTokens(ctx context.Context, q TokenQuery) ([]*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make(map[Status]bool, len(q.Statuses))
	for _, s := range q.Statuses {
		statuses[s] = true
	}

	var result []*Token
	for _, t := range r.tokens {
		if q.DoctorID != nil && t.DoctorID != *q.DoctorID {
			continue
		}
		if q.SlotID != nil && t.SlotID != *q.SlotID {
			continue
		}
		if len(statuses) > 0 && !statuses[t.Status] {
			continue
		}
		if !q.DateFrom.IsZero() || !q.DateTo.IsZero() {
			slot, ok := r.slots[t.SlotID]
			if !ok {
				continue
			}
			if !q.DateFrom.IsZero() && slot.Date.Before(q.DateFrom) {
				continue
			}
			if !q.DateTo.IsZero() && slot.Date.After(q.DateTo) {
				continue
			}
		}
		cp := *t
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return Less(result[i], result[j])
	})
	return result, nil
}

func (r *fakeRepo) FindOverdueTokens(ctx context.Context, now time.Time, grace time.Duration) ([]*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*Token
	for _, t := range r.tokens {
		if t.Status != StatusAllocated && t.Status != StatusConfirmed {
			continue
		}
		slot, ok := r.slots[t.SlotID]
		if !ok {
			continue
		}
		if slot.EndsAt().Add(grace).Before(now) {
			cp := *t
			result = append(result, &cp)
		}
	}
	return result, nil
}

// staticSettings is a SettingsSource serving a fixed snapshot.
type staticSettings struct {
	s config.Settings
}

func (f staticSettings) Snapshot() (config.Settings, error) {
	return f.s, nil
}

// noopGuard always admits the operation.
type noopGuard struct{}

func (noopGuard) Acquire(ctx context.Context, key string) (func(), error) {
	return func() {}, nil
}
