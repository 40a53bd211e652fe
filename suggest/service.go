package suggest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/audit"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

// Service owns asynchronous suggestion generation. It always produces a
// suggestion record for approval, falling back to static guidance when the
// provider is absent or fails, so the approval path never blocks on a model.
type Service struct {
	provider Provider
	store    *audit.Store
	timeout  time.Duration
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewService builds the service. provider may be nil.
func NewService(provider Provider, store *audit.Store, timeout time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		provider: provider,
		store:    store,
		timeout:  timeout,
		logger:   logger.With().Str("component", "suggest").Logger(),
	}
}

// GenerateAsync creates a suggestion for the finding in the background and
// moves it to AWAITING_APPROVAL once the record exists. fallback is the text
// used when no provider answer arrives.
func (s *Service) GenerateAsync(f types.Finding, fallback string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.generate(f, fallback)
	}()
}

// Wait blocks until in-flight generations finish. Called on shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) generate(f types.Finding, fallback string) {
	text, providerName := s.suggestText(f, fallback)

	suggestion := types.Suggestion{
		FindingID: f.ID,
		Text:      text,
		Provider:  providerName,
	}
	if err := s.store.CreateSuggestion(&suggestion); err != nil {
		s.logger.Error().Err(err).Str("finding_id", f.ID).Msg("Failed to persist suggestion")
		return
	}

	reason := fmt.Sprintf("suggestion %s from %s awaits approval", suggestion.ID, providerName)
	if _, err := s.store.TransitionFinding(f.ID, types.StatusAwaitingApproval, reason); err != nil {
		s.logger.Error().Err(err).Str("finding_id", f.ID).Msg("Failed to transition finding")
		return
	}

	s.logger.Info().
		Str("finding_id", f.ID).
		Str("suggestion_id", suggestion.ID).
		Str("provider", providerName).
		Msg("Suggestion ready for approval")
}

func (s *Service) suggestText(f types.Finding, fallback string) (string, string) {
	if s.provider == nil {
		return fallback, "static"
	}

	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	text, err := s.provider.Suggest(ctx, f)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("finding_id", f.ID).
			Str("provider", s.provider.Name()).
			Msg("Provider failed, using fallback text")
		return fallback, "static"
	}
	return text, s.provider.Name()
}
