package token

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abraj743/opd-token-engine/internal/clock"
	"github.com/Abraj743/opd-token-engine/internal/concurrency"
)

func newTestLifecycle(repo Repository) *Lifecycle {
	return NewLifecycle(
		repo,
		clock.NewFixed(testNow),
		zerolog.Nop(),
		WithLifecycleRetryer(concurrency.NewRetryer(IsTransient, concurrency.WithBackoff(time.Millisecond, 2*time.Millisecond, 2))),
	)
}

func seedTokenInSlot(repo *fakeRepo, slot *Slot, status Status) *Token {
	tok := &Token{
		ID:          uuid.New(),
		PatientID:   uuid.New(),
		DoctorID:    slot.DoctorID,
		SlotID:      slot.ID,
		TokenNumber: slot.LastTokenNumber + 1,
		Source:      SourceOnline,
		Priority:    400,
		Status:      status,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
	repo.addToken(tok)

	if status.Counted() {
		slot.CurrentAllocation++
	}
	slot.LastTokenNumber++
	repo.addSlot(slot)
	return tok
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusAllocated, StatusConfirmed},
		{StatusAllocated, StatusCancelled},
		{StatusAllocated, StatusNoShow},
		{StatusConfirmed, StatusInConsultation},
		{StatusConfirmed, StatusCancelled},
		{StatusConfirmed, StatusNoShow},
		{StatusInConsultation, StatusCompleted},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to Status }{
		{StatusAllocated, StatusInConsultation},
		{StatusAllocated, StatusCompleted},
		{StatusConfirmed, StatusCompleted},
		{StatusInConsultation, StatusCancelled},
		{StatusInConsultation, StatusNoShow},
		{StatusCompleted, StatusConfirmed},
		{StatusCancelled, StatusAllocated},
		{StatusNoShow, StatusConfirmed},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	repo := newFakeRepo()
	slot := testSlot(5, 0)
	tok := seedTokenInSlot(repo, slot, StatusAllocated)
	l := newTestLifecycle(repo)
	ctx := context.Background()

	confirmed, err := l.Confirm(ctx, tok.ID, "reception-1")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
	assert.Contains(t, confirmed.Metadata.Notes, "reception-1")
	assert.Equal(t, 1, repo.slot(slot.ID).CurrentAllocation)

	started, err := l.StartConsultation(ctx, tok.ID, "dr-roy")
	require.NoError(t, err)
	assert.Equal(t, StatusInConsultation, started.Status)
	assert.Equal(t, 1, repo.slot(slot.ID).CurrentAllocation)

	done, err := l.Complete(ctx, tok.ID, "dr-roy", "prescribed rest")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Contains(t, done.Metadata.Notes, "prescribed rest")

	// leaving the counted set frees the position
	assert.Equal(t, 0, repo.slot(slot.ID).CurrentAllocation)
}

func TestCancelReleasesCapacity(t *testing.T) {
	repo := newFakeRepo()
	slot := testSlot(5, 0)
	tok := seedTokenInSlot(repo, slot, StatusAllocated)
	l := newTestLifecycle(repo)

	cancelled, err := l.Cancel(context.Background(), tok.ID, CancelPatientRequest, "patient")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, string(CancelPatientRequest), cancelled.Metadata.CancelReason)
	assert.Equal(t, "patient", cancelled.Metadata.CancelledBy)
	assert.Equal(t, 0, repo.slot(slot.ID).CurrentAllocation)
}

func TestCancelRejectsUnknownReason(t *testing.T) {
	repo := newFakeRepo()
	slot := testSlot(5, 0)
	tok := seedTokenInSlot(repo, slot, StatusAllocated)
	l := newTestLifecycle(repo)

	_, err := l.Cancel(context.Background(), tok.ID, CancelReason("boredom"), "patient")
	require.Error(t, err)
	assert.Equal(t, CodeValidation, CodeOf(err))
	assert.Equal(t, StatusAllocated, repo.token(tok.ID).Status)
}

func TestTerminalTokenRejectsFurtherTransitions(t *testing.T) {
	repo := newFakeRepo()
	l := newTestLifecycle(repo)
	ctx := context.Background()

	for _, status := range []Status{StatusCompleted, StatusCancelled, StatusNoShow} {
		slot := testSlot(5, 0)
		tok := seedTokenInSlot(repo, slot, status)

		_, err := l.Confirm(ctx, tok.ID, "reception-1")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAlreadyProcessed, "status %s", status)

		_, err = l.Cancel(ctx, tok.ID, CancelPatientRequest, "patient")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAlreadyProcessed, "status %s", status)
	}
}

func TestInvalidTransitionIsSchedulingConflict(t *testing.T) {
	repo := newFakeRepo()
	slot := testSlot(5, 0)
	tok := seedTokenInSlot(repo, slot, StatusAllocated)
	l := newTestLifecycle(repo)

	// allocated patients cannot walk straight into the consulting room
	_, err := l.StartConsultation(context.Background(), tok.ID, "dr-roy")
	require.Error(t, err)
	assert.Equal(t, CodeSchedulingConflict, CodeOf(err))
	assert.Equal(t, StatusAllocated, repo.token(tok.ID).Status)
	assert.Equal(t, 1, repo.slot(slot.ID).CurrentAllocation)
}

func TestCompleteRequiresConsultation(t *testing.T) {
	repo := newFakeRepo()
	slot := testSlot(5, 0)
	tok := seedTokenInSlot(repo, slot, StatusConfirmed)
	l := newTestLifecycle(repo)

	// a confirmed token completes only after the consultation started
	_, err := l.Complete(context.Background(), tok.ID, "dr-roy", "")
	require.Error(t, err)
	assert.Equal(t, CodeSchedulingConflict, CodeOf(err))
	assert.Equal(t, StatusConfirmed, repo.token(tok.ID).Status)
	assert.Equal(t, 1, repo.slot(slot.ID).CurrentAllocation)
}

func TestMarkNoShowReleasesCapacity(t *testing.T) {
	repo := newFakeRepo()
	slot := testSlot(5, 0)
	tok := seedTokenInSlot(repo, slot, StatusConfirmed)
	l := newTestLifecycle(repo)

	marked, err := l.MarkNoShow(context.Background(), tok.ID, "front-desk")
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, marked.Status)
	assert.Equal(t, 0, repo.slot(slot.ID).CurrentAllocation)
}

func TestLifecycleGet(t *testing.T) {
	repo := newFakeRepo()
	slot := testSlot(5, 0)
	tok := seedTokenInSlot(repo, slot, StatusAllocated)
	l := newTestLifecycle(repo)

	got, err := l.Get(context.Background(), tok.ID)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)

	_, err = l.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestAllocateThenCancelRestoresCapacity(t *testing.T) {
	repo := newFakeRepo()
	slot := testSlot(3, 0)
	repo.addSlot(slot)

	a := newTestAllocator(repo, noopGuard{})
	l := newTestLifecycle(repo)
	ctx := context.Background()

	before := repo.slot(slot.ID)

	sid := slot.ID
	out, err := a.Allocate(ctx, AllocationRequest{
		PatientID: uuid.New(),
		SlotID:    &sid,
		Source:    SourceWalkin,
	})
	require.NoError(t, err)
	alloc, ok := out.(Allocated)
	require.True(t, ok)

	_, err = l.Cancel(ctx, alloc.Token.ID, CancelPatientRequest, "patient")
	require.NoError(t, err)

	after := repo.slot(slot.ID)
	assert.Equal(t, before.CurrentAllocation, after.CurrentAllocation)
	// numbers are never reused even after the cancel
	assert.Equal(t, before.LastTokenNumber+1, after.LastTokenNumber)
}
