// Package cost produces a best-effort monthly estimate for the resources
// a deployment is about to create, logged before apply proceeds so a
// caller can sanity-check instance class and volume size against a
// number instead of discovering it on a bill. It keeps a "one line per
// priced resource, rolled up into a total" structure against a static
// rate table, since there is nothing to bill against yet at estimate
// time — a live Cost Explorer/Billing API query has nothing to query.
package cost

import "fmt"

// LineItem is one priced resource in the estimate.
type LineItem struct {
	Resource      string
	MonthlyCostUSD float64
	Note          string
}

// MonthlyEstimate is the best-effort total handed to the caller before apply.
type MonthlyEstimate struct {
	Lines        []LineItem
	TotalUSD     float64
	Disclaimer   string
}

// instanceMonthlyUSD is a small, intentionally coarse rate table: this is
// a sanity-check number, not a billing-accurate quote, so only the
// instance classes this orchestrator actually launches are listed.
var instanceMonthlyUSD = map[string]float64{
	"t3.micro":   7.59,
	"t3.small":   15.18,
	"t3.medium":  30.37,
	"t3.large":   60.74,
	"e2-micro":   6.88,
	"e2-small":   13.76,
	"e2-medium":  27.51,
}

const rootVolumeMonthlyPerGB = 0.08 // gp3/pd-balanced, approximate

// Estimate computes a monthly estimate for one VM plus its root volume.
// Unknown instance classes are reported with a zero rate and a note
// rather than an error: the estimator must never block a deployment.
func Estimate(instanceClass string, rootVolumeGB int32) *MonthlyEstimate {
	est := &MonthlyEstimate{Disclaimer: "best-effort estimate only; consult the cloud provider's pricing calculator for a quote"}

	rate, known := instanceMonthlyUSD[instanceClass]
	line := LineItem{Resource: fmt.Sprintf("compute instance (%s)", instanceClass), MonthlyCostUSD: rate}
	if !known {
		line.Note = "unrecognized instance class; rate unavailable"
	}
	est.Lines = append(est.Lines, line)

	volCost := float64(rootVolumeGB) * rootVolumeMonthlyPerGB
	est.Lines = append(est.Lines, LineItem{Resource: fmt.Sprintf("root volume (%d GB)", rootVolumeGB), MonthlyCostUSD: volCost})

	for _, l := range est.Lines {
		est.TotalUSD += l.MonthlyCostUSD
	}
	return est
}

// String renders the estimate the way it is logged before apply proceeds.
func (e *MonthlyEstimate) String() string {
	s := ""
	for _, l := range e.Lines {
		if l.Note != "" {
			s += fmt.Sprintf("  %-32s $%7.2f/mo  (%s)\n", l.Resource, l.MonthlyCostUSD, l.Note)
			continue
		}
		s += fmt.Sprintf("  %-32s $%7.2f/mo\n", l.Resource, l.MonthlyCostUSD)
	}
	s += fmt.Sprintf("  %-32s $%7.2f/mo\n", "estimated total", e.TotalUSD)
	s += e.Disclaimer
	return s
}
