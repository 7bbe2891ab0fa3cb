package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// NoShowSweeper marks tokens for patients who never turned up: anything
// still allocated or confirmed once the slot has been over for the grace
// period. Intended to be driven periodically by a worker.
type NoShowSweeper struct {
	repo      Repository
	lifecycle *Lifecycle
	clk       Clock
	grace     time.Duration
	log       zerolog.Logger
}

func NewNoShowSweeper(repo Repository, lifecycle *Lifecycle, clk Clock, grace time.Duration, log zerolog.Logger) *NoShowSweeper {
	return &NoShowSweeper{
		repo:      repo,
		lifecycle: lifecycle,
		clk:       clk,
		grace:     grace,
		log:       log.With().Str("component", "noshow-sweeper").Logger(),
	}
}

// Run executes one sweep pass and reports how many tokens were marked.
func (s *NoShowSweeper) Run(ctx context.Context) (int, error) {
	overdue, err := s.repo.FindOverdueTokens(ctx, s.clk.Now(), s.grace)
	if err != nil {
		return 0, fmt.Errorf("find overdue tokens: %w", err)
	}

	marked := 0
	for _, t := range overdue {
		if _, err := s.lifecycle.MarkNoShow(ctx, t.ID, "noshow-sweeper"); err != nil {
			// Someone else may have completed or cancelled it meanwhile.
			if errors.Is(err, ErrAlreadyProcessed) || errors.Is(err, ErrTokenNotFound) {
				continue
			}
			s.log.Warn().Err(err).Str("token_id", t.ID.String()).Msg("failed to mark no-show")
			continue
		}
		marked++
	}

	if marked > 0 {
		s.log.Info().Int("marked", marked).Msg("no-show sweep complete")
	}
	return marked, nil
}
