// Package events carries visit-state-changed notifications from the workflow
// to broadcast channels. Delivery is best effort.
package events

import (
	"context"
	"errors"
	"time"
)

const TypeVisitStageChanged = "visit.stage_changed"

// Event describes one committed stage transition.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Facility   string    `json:"facility,omitempty"`
	VisitID    int64     `json:"visit_id"`
	PatientID  int64     `json:"patient_id"`
	FromStage  string    `json:"from_stage,omitempty"`
	ToStage    string    `json:"to_stage"`
	ActorID    int64     `json:"actor_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Fanout publishes to every member and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
