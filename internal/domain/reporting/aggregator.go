package reporting

import (
	"context"
	"time"

	"github.com/ehr/intake/internal/domain/visit"
	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/clock"
)

// DefaultWindow is used when the caller gives no lower bound.
const DefaultWindow = 24 * time.Hour

// Mean is one averaged duration. Minutes is nil when no visit in the window
// completed the interval.
type Mean struct {
	Minutes *int `json:"minutes"`
	Samples int  `json:"samples"`
}

// WaitTimes are the averages over visits that arrived inside [From, To].
type WaitTimes struct {
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	Visits         int       `json:"visits"`
	ToTriage       Mean      `json:"to_triage"`
	InTriage       Mean      `json:"in_triage"`
	ToConsultation Mean      `json:"to_consultation"`
	InConsultation Mean      `json:"in_consultation"`
	ToDischarge    Mean      `json:"to_discharge"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// meanOf rounds a span to the nearest whole minute.
func meanOf(sp visit.Span) Mean {
	if sp.Samples == 0 {
		return Mean{}
	}
	m := int(sp.Mean.Round(time.Minute) / time.Minute)
	return Mean{Minutes: &m, Samples: sp.Samples}
}

type Aggregator struct {
	visits visit.Reader
	clock  clock.Clock
}

func NewAggregator(visits visit.Reader, clk clock.Clock) *Aggregator {
	return &Aggregator{visits: visits, clock: clk}
}

// Window fills in missing bounds: to defaults to now and from to
// DefaultWindow before to.
func (a *Aggregator) Window(from, to *time.Time) (time.Time, time.Time, error) {
	end := a.clock.Now()
	if to != nil {
		end = *to
	}
	start := end.Add(-DefaultWindow)
	if from != nil {
		start = *from
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, apperr.Validation("from (%s) is after to (%s)",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return start, end, nil
}

// AverageWaitTimes averages each stage duration over the visits that
// arrived in [from, to]. Visits still in progress count only for the spans
// they have completed.
func (a *Aggregator) AverageWaitTimes(ctx context.Context, from, to time.Time) (*WaitTimes, error) {
	if from.After(to) {
		return nil, apperr.Validation("from (%s) is after to (%s)", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	now := a.clock.Now()
	spans, err := a.visits.WaitSpans(ctx, from, to, now)
	if err != nil {
		return nil, err
	}

	return &WaitTimes{
		From:           from,
		To:             to,
		Visits:         spans.Visits,
		ToTriage:       meanOf(spans.ToTriage),
		InTriage:       meanOf(spans.InTriage),
		ToConsultation: meanOf(spans.ToConsultation),
		InConsultation: meanOf(spans.InConsultation),
		ToDischarge:    meanOf(spans.ToDischarge),
		GeneratedAt:    now,
	}, nil
}
