package dns

import (
	"context"
	"testing"
	"time"
)

type fakeResolver struct {
	answers []string
	calls   int
	flipAt  int // switch to `answers` only after this many calls
}

func (f *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	f.calls++
	if f.calls < f.flipAt {
		return []string{"0.0.0.0"}, nil
	}
	return f.answers, nil
}

func TestWaitForGlobalResolutionRequiresTwoConsecutivePolls(t *testing.T) {
	r := &fakeResolver{answers: []string{"1.2.3.4"}, flipAt: 1}
	err := waitForGlobalResolution(context.Background(), []Resolver{r}, "example.com", "1.2.3.4",
		5*time.Second, 20*time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.calls < 2 {
		t.Fatalf("expected at least two polls before converging, got %d", r.calls)
	}
}

func TestWaitForGlobalResolutionTimesOutOnMismatch(t *testing.T) {
	r := &fakeResolver{answers: []string{"9.9.9.9"}, flipAt: 0}
	err := waitForGlobalResolution(context.Background(), []Resolver{r}, "example.com", "1.2.3.4",
		30*time.Millisecond, 20*time.Millisecond, 10*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if _, ok := err.(*PropagationTimeoutError); !ok {
		t.Fatalf("expected PropagationTimeoutError, got %T", err)
	}
}

type fakeTXTResolver struct {
	values []string
	calls  int
}

func (f *fakeTXTResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	f.calls++
	return f.values, nil
}

func TestWaitForTXTPropagationConvergesOnFirstMatch(t *testing.T) {
	r := &fakeTXTResolver{values: []string{"challenge-abc"}}
	err := waitForTXTPropagation(context.Background(), []TXTResolver{r}, "_acme-challenge.example.com",
		"challenge-abc", 5*time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.calls == 0 {
		t.Fatalf("expected at least one poll")
	}
}

func TestWaitForTXTPropagationRequiresAllResolversToAgree(t *testing.T) {
	agreed := &fakeTXTResolver{values: []string{"challenge-abc"}}
	stale := &fakeTXTResolver{values: []string{"old-value"}}
	err := waitForTXTPropagation(context.Background(), []TXTResolver{agreed, stale}, "_acme-challenge.example.com",
		"challenge-abc", 30*time.Millisecond, 10*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error since one resolver never converges")
	}
	if _, ok := err.(*TXTPropagationTimeoutError); !ok {
		t.Fatalf("expected TXTPropagationTimeoutError, got %T", err)
	}
}

func TestApexTrimsWildcardAndChallengeLabels(t *testing.T) {
	cases := map[string]string{
		"example.com":                     "example.com",
		"*.example.com":                   "example.com",
		"_acme-challenge.example.com":     "example.com",
		"_acme-challenge.sub.example.com": "sub.example.com",
	}
	for in, want := range cases {
		if got := apex(in); got != want {
			t.Fatalf("apex(%q) = %q, want %q", in, got, want)
		}
	}
}
