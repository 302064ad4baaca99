package cost

import "testing"

func TestEstimate_KnownInstanceClass(t *testing.T) {
	est := Estimate("t3.medium", 20)
	if est.TotalUSD <= 0 {
		t.Fatalf("expected positive total, got %f", est.TotalUSD)
	}
	if len(est.Lines) != 2 {
		t.Fatalf("expected 2 line items, got %d", len(est.Lines))
	}
	if est.Lines[0].Note != "" {
		t.Errorf("known instance class should not carry a note, got %q", est.Lines[0].Note)
	}
}

func TestEstimate_UnknownInstanceClassDoesNotFail(t *testing.T) {
	est := Estimate("made-up.class", 20)
	if est.Lines[0].MonthlyCostUSD != 0 {
		t.Errorf("unknown class should rate at 0, got %f", est.Lines[0].MonthlyCostUSD)
	}
	if est.Lines[0].Note == "" {
		t.Error("unknown class should carry an explanatory note")
	}
}
