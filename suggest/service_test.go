package suggest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/audit"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

type fakeProvider struct {
	text  string
	err   error
	delay time.Duration
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Suggest(ctx context.Context, _ types.Finding) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.text, f.err
}

func suggestedFinding(t *testing.T, store *audit.Store) types.Finding {
	t.Helper()
	ref := types.ResourceRef{Service: "network", ID: "sg-1"}
	f := types.Finding{
		DedupKey:      types.DedupKeyFor("SG_WORLD_OPEN_SSH", ref),
		Type:          "SG_WORLD_OPEN_SSH",
		Severity:      types.SeverityHigh,
		Resource:      ref,
		SourceScanner: "resource-graph",
		Summary:       "SSH open to world",
		Status:        types.StatusNew,
		DiscoveredAt:  time.Now(),
		LastSeenAt:    time.Now(),
	}
	if err := store.CreateFinding(&f); err != nil {
		t.Fatal(err)
	}
	if _, err := store.TransitionFinding(f.ID, types.StatusSuggested, "runbook requires approval"); err != nil {
		t.Fatal(err)
	}
	f.Status = types.StatusSuggested
	return f
}

func newStore(t *testing.T) *audit.Store {
	t.Helper()
	store, err := audit.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGenerateAsync_ProviderText(t *testing.T) {
	store := newStore(t)
	f := suggestedFinding(t, store)

	svc := NewService(&fakeProvider{text: "1. Remove the world-open rule"}, store, time.Second, zerolog.Nop())
	svc.GenerateAsync(f, "fallback text")
	svc.Wait()

	suggestions, err := store.SuggestionsForFinding(f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(suggestions) != 1 {
		t.Fatalf("got %d suggestions, want 1", len(suggestions))
	}
	if suggestions[0].Provider != "fake" || suggestions[0].Text != "1. Remove the world-open rule" {
		t.Errorf("suggestion = %+v", suggestions[0])
	}

	got, err := store.GetFinding(f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.StatusAwaitingApproval {
		t.Errorf("status = %s, want AWAITING_APPROVAL", got.Status)
	}
}

func TestGenerateAsync_ProviderFailureFallsBack(t *testing.T) {
	store := newStore(t)
	f := suggestedFinding(t, store)

	svc := NewService(&fakeProvider{err: errors.New("quota exceeded")}, store, time.Second, zerolog.Nop())
	svc.GenerateAsync(f, "restrict the rule to the admin CIDR")
	svc.Wait()

	suggestions, err := store.SuggestionsForFinding(f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(suggestions) != 1 {
		t.Fatalf("got %d suggestions, want 1", len(suggestions))
	}
	if suggestions[0].Provider != "static" {
		t.Errorf("provider = %s, want static fallback", suggestions[0].Provider)
	}
	if suggestions[0].Text != "restrict the rule to the admin CIDR" {
		t.Errorf("text = %q", suggestions[0].Text)
	}
}

func TestGenerateAsync_NoProviderStillMovesToApproval(t *testing.T) {
	store := newStore(t)
	f := suggestedFinding(t, store)

	svc := NewService(nil, store, time.Second, zerolog.Nop())
	svc.GenerateAsync(f, "manual fallback")
	svc.Wait()

	got, err := store.GetFinding(f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.StatusAwaitingApproval {
		t.Errorf("status = %s, approval path must not depend on a provider", got.Status)
	}
}

func TestGenerateAsync_SlowProviderTimesOut(t *testing.T) {
	store := newStore(t)
	f := suggestedFinding(t, store)

	svc := NewService(&fakeProvider{text: "late", delay: 5 * time.Second}, store, 20*time.Millisecond, zerolog.Nop())
	start := time.Now()
	svc.GenerateAsync(f, "fallback")
	svc.Wait()

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("generation took %v, timeout not applied", elapsed)
	}
	suggestions, err := store.SuggestionsForFinding(f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(suggestions) != 1 || suggestions[0].Provider != "static" {
		t.Errorf("suggestions = %+v, want one static fallback", suggestions)
	}
}
