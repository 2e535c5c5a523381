// Package status serves the durable record of activation runs to pollers.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rallypoint/internal/domain"
	"rallypoint/internal/fault"
	"rallypoint/internal/logging"
	"rallypoint/internal/repo"
)

type Service struct {
	Repo   repo.Repo
	Logger *zap.Logger
	Now    func() time.Time
}

// Snapshot is everything recorded for one instance.
type Snapshot struct {
	Instance         domain.ExecutionInstance           `json:"instance"`
	Events           []domain.ExecutionEvent            `json:"events"`
	Acknowledgments  []domain.StakeholderAcknowledgment `json:"acknowledgments"`
	Documents        []domain.GeneratedDocument         `json:"documents"`
	ProjectSync      *domain.ProjectSyncRecord          `json:"project_sync,omitempty"`
	Budgets          []domain.BudgetUnlockRecord        `json:"budgets"`
	Deadline         string                             `json:"deadline" format:"date-time"`
	Overdue          bool                               `json:"overdue"`
	RemainingSeconds int64                              `json:"remaining_seconds"`
	Acknowledged     int                                `json:"acknowledged"`
}

// EventsPage is one incremental poll. Cursor is the seq to pass next time.
type EventsPage struct {
	InstanceID string                  `json:"instance_id"`
	Status     string                  `json:"status"`
	Terminal   bool                    `json:"terminal"`
	Events     []domain.ExecutionEvent `json:"events"`
	Cursor     int64                   `json:"cursor"`
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) Get(ctx context.Context, instanceID string) (Snapshot, error) {
	inst, err := s.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Instance: inst, Deadline: inst.DeadlineAt}
	if snap.Events, err = s.Repo.ListEvents(ctx, instanceID, 0); err != nil {
		return Snapshot{}, fmt.Errorf("list events: %w", err)
	}
	if snap.Acknowledgments, err = s.Repo.ListAcknowledgments(ctx, instanceID); err != nil {
		return Snapshot{}, fmt.Errorf("list acknowledgments: %w", err)
	}
	if snap.Documents, err = s.Repo.ListDocuments(ctx, instanceID); err != nil {
		return Snapshot{}, fmt.Errorf("list documents: %w", err)
	}
	if snap.Budgets, err = s.Repo.ListBudgetUnlocks(ctx, instanceID); err != nil {
		return Snapshot{}, fmt.Errorf("list budgets: %w", err)
	}
	sync, err := s.Repo.GetProjectSync(ctx, instanceID)
	switch {
	case err == nil:
		snap.ProjectSync = &sync
	case !errors.Is(err, repo.ErrNotFound):
		return Snapshot{}, fmt.Errorf("get project sync: %w", err)
	}
	for _, a := range snap.Acknowledgments {
		if a.Status == domain.AckAcknowledged {
			snap.Acknowledged++
		}
	}
	if deadline, err := time.Parse(time.RFC3339, inst.DeadlineAt); err == nil && !inst.Terminal() {
		remaining := deadline.Sub(s.now())
		snap.Overdue = remaining < 0
		if remaining > 0 {
			snap.RemainingSeconds = int64(remaining / time.Second)
		}
	}
	return snap, nil
}

// EventsAfter returns the events with seq greater than after.
func (s Service) EventsAfter(ctx context.Context, instanceID string, after int64) (EventsPage, error) {
	if after < 0 {
		return EventsPage{}, fault.ValidationError{Field: "after", Reason: "must not be negative"}
	}
	inst, err := s.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return EventsPage{}, err
	}
	evs, err := s.Repo.ListEvents(ctx, instanceID, after)
	if err != nil {
		return EventsPage{}, err
	}
	page := EventsPage{InstanceID: instanceID, Status: inst.Status, Terminal: inst.Terminal(), Events: evs, Cursor: after}
	if n := len(evs); n > 0 {
		page.Cursor = evs[n-1].Seq
	}
	return page, nil
}

// Acknowledge records that a notified stakeholder has seen the activation.
// Acknowledging twice returns the first acknowledgment.
func (s Service) Acknowledge(ctx context.Context, instanceID, stakeholderID string) (domain.StakeholderAcknowledgment, error) {
	if _, err := s.Repo.GetInstance(ctx, instanceID); err != nil {
		return domain.StakeholderAcknowledgment{}, err
	}
	at := s.now().UTC().Format(time.RFC3339)
	ack, err := s.Repo.MarkAcknowledged(ctx, instanceID, stakeholderID, at)
	if err != nil {
		return ack, err
	}
	if ack.Status == domain.AckFailed {
		return ack, fault.PreconditionError{
			Reason:  fmt.Sprintf("stakeholder %s was never notified", stakeholderID),
			Details: map[string]any{"instance_id": instanceID, "stakeholder_id": stakeholderID, "error": ack.Error},
		}
	}
	logging.OrNop(s.Logger).Info("stakeholder acknowledged",
		zap.String("instance_id", instanceID),
		zap.String("stakeholder_id", stakeholderID))
	return ack, nil
}

// List returns a plan's instances, newest first.
func (s Service) List(ctx context.Context, planID string) ([]domain.ExecutionInstance, error) {
	return s.Repo.ListInstances(ctx, planID)
}
