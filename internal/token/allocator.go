package token

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Abraj743/opd-token-engine/internal/concurrency"
	"github.com/Abraj743/opd-token-engine/internal/config"
)

// Guard short-circuits duplicate concurrent requests for the same
// operation key. Both the in-process registry and the Redis-backed guard
// satisfy it.
type Guard interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// SettingsSource hands out immutable tunable snapshots; one snapshot is
// taken per request and used for the whole computation.
type SettingsSource interface {
	Snapshot() (config.Settings, error)
}

// Clock is the subset of time the allocator needs.
type Clock interface {
	Now() time.Time
}

const defaultRequestDeadline = 30 * time.Second

// Allocator turns allocation requests into numbered tokens: directly when
// the slot has room, by preempting a lower-priority token when it does
// not, or by handing back alternatives.
type Allocator struct {
	repo     Repository
	capacity *CapacityManager
	guard    Guard
	retry    *concurrency.Retryer
	settings SettingsSource
	clk      Clock
	log      zerolog.Logger
	deadline time.Duration
}

func NewAllocator(repo Repository, guard Guard, settings SettingsSource, clk Clock, log zerolog.Logger, opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		repo:     repo,
		capacity: NewCapacityManager(repo),
		guard:    guard,
		retry:    concurrency.NewRetryer(IsTransient),
		settings: settings,
		clk:      clk,
		log:      log.With().Str("component", "allocator").Logger(),
		deadline: defaultRequestDeadline,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type AllocatorOption func(*Allocator)

// WithRetryer replaces the default retry policy.
func WithRetryer(r *concurrency.Retryer) AllocatorOption {
	return func(a *Allocator) { a.retry = r }
}

// WithRequestDeadline overrides the soft per-request deadline.
func WithRequestDeadline(d time.Duration) AllocatorOption {
	return func(a *Allocator) {
		if d > 0 {
			a.deadline = d
		}
	}
}

// AllocationRequest is one patient's ask for a token. Either SlotID or a
// doctor/department hint must be present.
type AllocationRequest struct {
	PatientID       uuid.UUID
	DoctorID        uuid.UUID // optional when SlotID is set
	SlotID          *uuid.UUID
	Department      string // specialty, used when no doctor is given
	Source          Source
	Patient         PatientInfo
	WaitingMinutes  int
	PreferredDate   time.Time // zero means today
	PreferredTime   string    // HH:MM, optional
	AllowPreemption bool
}

func (r *AllocationRequest) validate() *Error {
	if r.PatientID == uuid.Nil {
		return NewError(CodeValidation, "patient id is required")
	}
	if !ValidRequestSource(r.Source) {
		return NewError(CodeValidation, fmt.Sprintf("unknown source %q", r.Source)).
			WithDetail("source", string(r.Source))
	}
	if r.SlotID == nil && r.DoctorID == uuid.Nil && r.Department == "" {
		return NewError(CodeValidation, "one of slot id, doctor id or department is required")
	}
	return nil
}

// preemptionResult carries what the first transaction decided so the
// reallocation transaction can pick it up.
type preemptionResult struct {
	victim *Token
}

// Allocate resolves the request into an Outcome. Business failures come
// back as Rejected or Alternatives; the error return is reserved for
// faults the caller cannot act on.
func (a *Allocator) Allocate(ctx context.Context, req AllocationRequest) (Outcome, error) {
	if verr := req.validate(); verr != nil {
		return Rejected{Err: verr}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.deadline)
	defer cancel()

	settings, err := a.settings.Snapshot()
	if err != nil {
		return Rejected{Err: NewError(CodeServiceUnavailable, "settings unavailable").WithCause(err)}, nil
	}

	slot, outcome, err := a.resolveTarget(ctx, req, settings)
	if err != nil {
		return a.faultOutcome(ctx, err), nil
	}
	if outcome != nil {
		return outcome, nil
	}

	prio, perr := CalculatePriority(req.Source, req.Patient, req.WaitingMinutes, slot.DoctorID, settings)
	if perr != nil {
		return Rejected{Err: AsError(perr)}, nil
	}

	opKey := fmt.Sprintf("allocate:%s:%s", slot.ID, req.PatientID)
	release, err := a.guard.Acquire(ctx, opKey)
	if err != nil {
		if errors.Is(err, concurrency.ErrDuplicateOperation) {
			a.log.Debug().Str("op_key", opKey).Msg("duplicate concurrent request short-circuited")
			return Rejected{Err: NewError(CodeOperationInProgress, "an identical request is already being processed").
				WithDetail("operation_key", opKey).
				WithSuggestion("wait for the in-flight request to finish")}, nil
		}
		return Rejected{Err: NewError(CodeServiceUnavailable, "operation guard unavailable").WithCause(err)}, nil
	}
	defer release()

	var (
		created   *Token
		method    AllocationMethod
		preempted *preemptionResult
	)

	err = a.retry.Do(ctx, func(attempt int) error {
		created, method, preempted = nil, "", nil

		return a.repo.WithTx(ctx, func(txCtx context.Context) error {
			cur, err := a.repo.GetSlotForUpdate(txCtx, slot.ID)
			if err != nil {
				return err
			}
			if verr := a.validateSlot(cur); verr != nil {
				return verr
			}

			res, err := a.capacity.Reserve(txCtx, cur, req.Source)
			if err == nil {
				created = a.buildToken(cur, req, res.TokenNumber, prio.Final, req.Source, Metadata{Urgency: req.Patient.Urgency})
				if err := a.repo.InsertToken(txCtx, created); err != nil {
					return err
				}
				method = MethodDirect
				return nil
			}
			if !errors.Is(err, ErrCapacityExceeded) {
				return err
			}
			capErr := err

			victim, err := a.chooseVictim(txCtx, cur, req, prio.Final, settings)
			if err != nil {
				return err
			}
			if victim == nil {
				return capErr
			}

			victim.Status = StatusCancelled
			victim.Metadata.PreemptionCause = fmt.Sprintf("preempted by %s request with priority %d", req.Source, prio.Final)
			pid := req.PatientID
			victim.Metadata.PreemptedByPatient = &pid
			victim.Metadata.ReallocationStatus = ReallocationPending
			if err := a.repo.UpdateToken(txCtx, victim); err != nil {
				return err
			}

			// The count is unchanged: the new token replaces the victim.
			res, err = a.capacity.SwapWithinSlot(txCtx, cur)
			if err != nil {
				return err
			}

			created = a.buildToken(cur, req, res.TokenNumber, prio.Final, req.Source, Metadata{
				Urgency:         req.Patient.Urgency,
				PreemptionCause: fmt.Sprintf("displaced token %d", victim.TokenNumber),
			})
			if err := a.repo.InsertToken(txCtx, created); err != nil {
				return err
			}

			method = MethodPreemption
			preempted = &preemptionResult{victim: victim}
			return nil
		})
	})

	if err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			return a.buildAlternatives(ctx, req, slot, settings), nil
		}
		return a.faultOutcome(ctx, err), nil
	}

	out := Allocated{Token: created, Method: method}

	if preempted != nil {
		pt := a.reallocateDisplaced(ctx, preempted.victim, settings)
		out.Preempted = []PreemptedToken{pt}
		a.log.Info().
			Str("slot_id", slot.ID.String()).
			Str("token_id", created.ID.String()).
			Int("token_number", created.TokenNumber).
			Int("priority", created.Priority).
			Str("victim_token_id", preempted.victim.ID.String()).
			Str("reallocation_status", string(pt.ReallocationStatus)).
			Msg("token allocated by preemption")
	} else {
		a.log.Info().
			Str("slot_id", slot.ID.String()).
			Str("token_id", created.ID.String()).
			Int("token_number", created.TokenNumber).
			Int("priority", created.Priority).
			Str("method", string(method)).
			Msg("token allocated")
	}

	return out, nil
}

// EmergencyRequest is the dedicated emergency insertion surface.
type EmergencyRequest struct {
	PatientID       uuid.UUID
	DoctorID        uuid.UUID
	PreferredSlotID *uuid.UUID
	Patient         PatientInfo
	Urgency         UrgencyLevel
	AllowPreemption bool
}

// EmergencyInsertion places an emergency patient, preempting a
// lower-priority token when allowed and necessary.
func (a *Allocator) EmergencyInsertion(ctx context.Context, req EmergencyRequest) (Outcome, error) {
	if req.Urgency != UrgencyHigh && req.Urgency != UrgencyCritical {
		return Rejected{Err: NewError(CodeValidation, "urgency must be high or critical").
			WithDetail("urgency", string(req.Urgency))}, nil
	}

	info := req.Patient
	info.Urgency = req.Urgency

	return a.Allocate(ctx, AllocationRequest{
		PatientID:       req.PatientID,
		DoctorID:        req.DoctorID,
		SlotID:          req.PreferredSlotID,
		Source:          SourceEmergency,
		Patient:         info,
		AllowPreemption: req.AllowPreemption,
	})
}

// resolveTarget loads the requested slot or picks the best matching one.
// A non-nil Outcome means resolution already decided the request.
func (a *Allocator) resolveTarget(ctx context.Context, req AllocationRequest, settings config.Settings) (*Slot, Outcome, error) {
	if req.SlotID != nil {
		slot, err := a.repo.GetSlot(ctx, *req.SlotID)
		if err != nil {
			if errors.Is(err, ErrSlotNotFound) {
				return nil, Rejected{Err: AsError(err)}, nil
			}
			return nil, nil, err
		}
		if verr := a.validateSlot(slot); verr != nil {
			return nil, Rejected{Err: verr}, nil
		}
		return slot, nil, nil
	}

	day := req.PreferredDate
	if day.IsZero() {
		day = a.today()
	}

	q := CandidateQuery{
		DateFrom:        day,
		DateTo:          day,
		RegularCapacity: req.Source != SourceEmergency,
		Limit:           20,
	}
	if req.DoctorID != uuid.Nil {
		d := req.DoctorID
		q.DoctorID = &d
	} else {
		q.Specialty = req.Department
	}

	candidates, err := a.repo.FindCandidateSlots(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		return nil, a.buildAlternatives(ctx, req, nil, settings), nil
	}

	a.rankCandidates(candidates, req)
	return candidates[0], nil, nil
}

// rankCandidates orders best-first: the follow-up patient's last doctor,
// then the start nearest the requested time (earliest when none was
// given), then more free capacity.
func (a *Allocator) rankCandidates(slots []*Slot, req AllocationRequest) {
	preferred := uuid.Nil
	if req.Patient.IsFollowup {
		preferred = req.Patient.LastVisitedDoctor
	}
	wanted, hasWanted := clockMinutes(req.PreferredTime)

	sort.SliceStable(slots, func(i, j int) bool {
		si, sj := slots[i], slots[j]
		if preferred != uuid.Nil && (si.DoctorID == preferred) != (sj.DoctorID == preferred) {
			return si.DoctorID == preferred
		}
		if hasWanted {
			di, _ := clockMinutes(si.StartTime)
			dj, _ := clockMinutes(sj.StartTime)
			if abs(di-wanted) != abs(dj-wanted) {
				return abs(di-wanted) < abs(dj-wanted)
			}
		}
		ti, tj := si.StartsAt(), sj.StartsAt()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return si.Available() > sj.Available()
	})
}

// clockMinutes converts an HH:MM string to minutes since midnight.
func clockMinutes(hhmm string) (int, bool) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func (a *Allocator) validateSlot(s *Slot) *Error {
	if s.Status != SlotActive {
		return NewError(CodeSlotNotAvailable, "slot is not active").
			WithDetail("slot_id", s.ID.String()).
			WithDetail("status", string(s.Status))
	}
	if s.Date.Before(a.today()) {
		return NewError(CodeSlotNotAvailable, "slot date is in the past").
			WithDetail("slot_id", s.ID.String()).
			WithDetail("date", s.Date.Format("2006-01-02"))
	}
	return nil
}

// chooseVictim returns the token to displace, or nil when preemption is
// not allowed for this request. The victim is the lowest-priority counted
// token, newest first among equals.
func (a *Allocator) chooseVictim(ctx context.Context, slot *Slot, req AllocationRequest, priority int, settings config.Settings) (*Token, error) {
	if !req.AllowPreemption {
		return nil, nil
	}

	active, err := a.repo.ListActiveInSlot(ctx, slot.ID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}

	victim := active[0]
	if req.Source == SourceEmergency {
		if victim.Priority >= priority {
			return nil, nil
		}
		return victim, nil
	}

	// Peers are never preempted: the incoming priority must clear the
	// lowest one by the configured threshold.
	if priority-victim.Priority <= settings.PreemptionThreshold {
		return nil, nil
	}
	return victim, nil
}

// reallocateDisplaced tries to place the displaced patient elsewhere in a
// second transaction. Failure is not an error: the outcome downgrades to
// a pending reallocation marker on the cancelled token.
func (a *Allocator) reallocateDisplaced(ctx context.Context, victim *Token, settings config.Settings) PreemptedToken {
	var moved *Token

	err := a.repo.WithTx(ctx, func(txCtx context.Context) error {
		candidate, err := a.findReallocationSlot(txCtx, victim, settings)
		if err != nil {
			return err
		}
		if candidate == nil {
			return ErrCapacityExceeded
		}

		target, err := a.repo.GetSlotForUpdate(txCtx, candidate.ID)
		if err != nil {
			return err
		}
		res, err := a.capacity.Reserve(txCtx, target, SourceReallocation)
		if err != nil {
			return err
		}

		origin := victim.SlotID
		moved = &Token{
			ID:          uuid.New(),
			PatientID:   victim.PatientID,
			DoctorID:    target.DoctorID,
			SlotID:      target.ID,
			TokenNumber: res.TokenNumber,
			Source:      SourceReallocation,
			Priority:    victim.Priority,
			Status:      StatusAllocated,
			Metadata: Metadata{
				OriginSlotID:    &origin,
				PreemptionCause: victim.Metadata.PreemptionCause,
			},
			CreatedAt: a.clk.Now(),
			UpdatedAt: a.clk.Now(),
		}
		if err := a.repo.InsertToken(txCtx, moved); err != nil {
			return err
		}

		cancelled, err := a.repo.GetTokenForUpdate(txCtx, victim.ID)
		if err != nil {
			return err
		}
		mid := moved.ID
		cancelled.Metadata.ReallocatedTo = &mid
		cancelled.Metadata.ReallocationStatus = ReallocationDone
		if err := a.repo.UpdateToken(txCtx, cancelled); err != nil {
			return err
		}
		victim.Metadata = cancelled.Metadata
		return nil
	})

	if err != nil {
		a.log.Warn().
			Err(err).
			Str("victim_token_id", victim.ID.String()).
			Msg("reallocation of displaced token failed, left pending")
		return PreemptedToken{Token: victim, ReallocationStatus: ReallocationPending}
	}

	return PreemptedToken{Token: victim, ReallocationStatus: ReallocationDone, ReallocatedTo: moved}
}

// findReallocationSlot walks the configured search order: same doctor same
// day, same specialty same day, same doctor next day.
func (a *Allocator) findReallocationSlot(ctx context.Context, victim *Token, settings config.Settings) (*Slot, error) {
	origin, err := a.repo.GetSlot(ctx, victim.SlotID)
	if err != nil {
		return nil, err
	}

	limit := settings.MaxAlternatives
	if limit <= 0 {
		limit = 5
	}

	for _, stage := range settings.ReallocationSearch {
		q := CandidateQuery{
			ExcludeSlotIDs:  []uuid.UUID{origin.ID},
			RegularCapacity: true,
			Limit:           limit,
		}
		switch stage {
		case "same_doctor_same_day":
			d := origin.DoctorID
			q.DoctorID = &d
			q.DateFrom, q.DateTo = origin.Date, origin.Date
		case "same_specialty_same_day":
			q.Specialty = origin.Specialty
			q.DateFrom, q.DateTo = origin.Date, origin.Date
		case "same_doctor_next_day":
			d := origin.DoctorID
			q.DoctorID = &d
			next := origin.Date.AddDate(0, 0, 1)
			q.DateFrom, q.DateTo = next, next
		default:
			continue
		}

		candidates, err := a.repo.FindCandidateSlots(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, c := range candidates {
			if c.Status == SlotActive && c.RegularAvailable() > 0 {
				return c, nil
			}
		}
	}

	return nil, nil
}

// buildAlternatives collects up to the configured number of future slots
// matching the request, earliest first.
func (a *Allocator) buildAlternatives(ctx context.Context, req AllocationRequest, requested *Slot, settings config.Settings) Outcome {
	limit := settings.MaxAlternatives
	if limit <= 0 {
		limit = 5
	}

	q := CandidateQuery{
		DateFrom:        a.today(),
		RegularCapacity: req.Source != SourceEmergency,
		Limit:           limit,
	}
	if requested != nil {
		q.ExcludeSlotIDs = []uuid.UUID{requested.ID}
		d := requested.DoctorID
		q.DoctorID = &d
	} else if req.DoctorID != uuid.Nil {
		d := req.DoctorID
		q.DoctorID = &d
	} else {
		q.Specialty = req.Department
	}

	alt := Alternatives{
		RecommendedAction: "book_alternative_slot",
	}
	if requested != nil {
		id := requested.ID
		alt.RequestedSlotID = &id
	}

	candidates, err := a.repo.FindCandidateSlots(ctx, q)
	if err != nil {
		a.log.Warn().Err(err).Msg("alternative slot search failed")
		alt.Suggestions = append(alt.Suggestions, "retry shortly")
		return alt
	}

	// Widen to the same specialty when the doctor has nothing left.
	if len(candidates) == 0 && q.DoctorID != nil && (requested != nil && requested.Specialty != "" || req.Department != "") {
		q2 := q
		q2.DoctorID = nil
		if requested != nil {
			q2.Specialty = requested.Specialty
		} else {
			q2.Specialty = req.Department
		}
		candidates, err = a.repo.FindCandidateSlots(ctx, q2)
		if err != nil {
			candidates = nil
		}
	}

	for _, c := range candidates {
		alt.Slots = append(alt.Slots, slotOption(c))
	}
	if len(alt.Slots) == 0 {
		alt.RecommendedAction = "try_later"
		alt.Suggestions = append(alt.Suggestions, "no matching slots with free capacity today, try another date")
	}
	return alt
}

func (a *Allocator) buildToken(slot *Slot, req AllocationRequest, number, priority int, src Source, meta Metadata) *Token {
	now := a.clk.Now()
	return &Token{
		ID:          uuid.New(),
		PatientID:   req.PatientID,
		DoctorID:    slot.DoctorID,
		SlotID:      slot.ID,
		TokenNumber: number,
		Source:      src,
		Priority:    priority,
		Status:      StatusAllocated,
		Metadata:    meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// faultOutcome converts an escaped error into the Rejected variant the
// caller can act on.
func (a *Allocator) faultOutcome(ctx context.Context, err error) Outcome {
	switch {
	case ctx.Err() != nil:
		return Rejected{Err: NewError(CodeServiceUnavailable, "request deadline exceeded").WithCause(ctx.Err())}
	case errors.Is(err, concurrency.ErrMaxRetriesExceeded):
		return Rejected{Err: NewError(CodeMaxRetriesExceeded, "gave up after retrying a conflicting update").
			WithCause(err).
			WithSuggestion("retry the request")}
	default:
		return Rejected{Err: AsError(err)}
	}
}

func (a *Allocator) today() time.Time {
	now := a.clk.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
