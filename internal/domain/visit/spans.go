package visit

import "time"

// Span is the mean length of one stage interval.
type Span struct {
	Mean    time.Duration
	Samples int
}

// WaitSpans are the stage intervals averaged over the visits that arrived in
// a window. A span counts only when both ends are set, the end is not before
// the start and the end is not after now.
type WaitSpans struct {
	Visits         int
	ToTriage       Span
	InTriage       Span
	ToConsultation Span
	InConsultation Span
	ToDischarge    Span
}

type spanSum struct {
	total time.Duration
	n     int
}

func (s *spanSum) add(start, end *time.Time, now time.Time) {
	if start == nil || end == nil || end.Before(*start) || end.After(now) {
		return
	}
	s.total += end.Sub(*start)
	s.n++
}

func (s spanSum) span() Span {
	if s.n == 0 {
		return Span{}
	}
	return Span{Mean: s.total / time.Duration(s.n), Samples: s.n}
}

// SummarizeSpans averages the stage intervals of vs as seen at now.
func SummarizeSpans(vs []*Visit, now time.Time) *WaitSpans {
	var tt, it, tc, ic, td spanSum
	for _, v := range vs {
		arrived := v.ArrivedAt
		tt.add(&arrived, v.TriageStartedAt, now)
		it.add(v.TriageStartedAt, v.TriageCompletedAt, now)
		tc.add(v.TriageCompletedAt, v.ConsultationStartedAt, now)
		ic.add(v.ConsultationStartedAt, v.DischargedAt, now)
		td.add(&arrived, v.DischargedAt, now)
	}
	return &WaitSpans{
		Visits:         len(vs),
		ToTriage:       tt.span(),
		InTriage:       it.span(),
		ToConsultation: tc.span(),
		InConsultation: ic.span(),
		ToDischarge:    td.span(),
	}
}
