package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"rallypoint/internal/domain"
	"rallypoint/internal/repo"
)

// Event types written to an execution timeline.
const (
	ActivationStarted    = "activation.started"
	DocumentsGenerated   = "documents.generated"
	StakeholdersNotified = "stakeholders.notified"
	BudgetsUnlocked      = "budgets.unlocked"
	ProjectSynced        = "project.synced"
	KickoffScheduled     = "kickoff.scheduled"
	ActivationCompleted  = "activation.completed"
	ActivationFailed     = "activation.failed"
)

type EventPayload map[string]any

// Writer appends events for one instance. Seq is assigned under the mutex at
// the moment the phase finished, so the log reads in completion order even
// when phases run concurrently.
type Writer struct {
	Repo       repo.Repo
	InstanceID string
	Now        func() time.Time

	mu     sync.Mutex
	seq    int64
	events []domain.ExecutionEvent
}

func NewWriter(r repo.Repo, instanceID string, now func() time.Time) *Writer {
	if now == nil {
		now = time.Now
	}
	return &Writer{Repo: r, InstanceID: instanceID, Now: now}
}

// Append records one event. The row is written even when ctx was cancelled by
// the activation, since the timeline must describe what happened.
func (w *Writer) Append(ctx context.Context, evtType string, success bool, took time.Duration, payload EventPayload) (domain.ExecutionEvent, error) {
	if payload == nil {
		payload = EventPayload{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	ev := domain.ExecutionEvent{
		ID:         uuid.NewString(),
		InstanceID: w.InstanceID,
		Seq:        w.seq,
		Type:       evtType,
		Success:    success,
		DurationMs: took.Milliseconds(),
		CreatedAt:  w.Now().UTC().Format(time.RFC3339Nano),
		Payload:    payload,
	}
	if err := w.Repo.InsertEvent(context.WithoutCancel(ctx), ev); err != nil {
		w.seq--
		return ev, err
	}
	w.events = append(w.events, ev)
	return ev, nil
}

// Events returns a copy of everything appended so far.
func (w *Writer) Events() []domain.ExecutionEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.ExecutionEvent, len(w.events))
	copy(out, w.events)
	return out
}
