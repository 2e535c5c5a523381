// Package orchestrator runs plan activations: readiness gate, single-flight
// instance creation, then the activation phases with an event per phase.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rallypoint/internal/adapter"
	"rallypoint/internal/domain"
	"rallypoint/internal/events"
	"rallypoint/internal/fault"
	"rallypoint/internal/logging"
	"rallypoint/internal/metrics"
	"rallypoint/internal/readiness"
	"rallypoint/internal/repo"
)

const (
	DefaultWindow            = 12 * time.Minute
	DefaultNotifyConcurrency = 8
)

// Integrations is the slice of the integration service the phases call.
type Integrations interface {
	CreateChannel(ctx context.Context, connectionID string, req adapter.ChannelRequest) (adapter.Channel, error)
	SendMessage(ctx context.Context, connectionID string, msg adapter.Message) (string, error)
	CreateTickets(ctx context.Context, connectionID string, tickets []adapter.Ticket) (adapter.TicketBatch, error)
	ScheduleEvent(ctx context.Context, connectionID string, req adapter.EventRequest) (string, error)
}

type Orchestrator struct {
	Repo              repo.Repo
	Readiness         readiness.Assessor
	Integrations      Integrations
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
	Now               func() time.Time
	Window            time.Duration
	NotifyConcurrency int

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// Result describes one activation run. It is returned for every run that
// got past the gate, whatever its outcome.
type Result struct {
	Success              bool                      `json:"success"`
	InstanceID           string                    `json:"instance_id"`
	Status               string                    `json:"status"`
	StartedAt            string                    `json:"started_at"`
	DeadlineAt           string                    `json:"deadline_at"`
	ReadinessScore       int                       `json:"readiness_score"`
	DocumentsGenerated   int                       `json:"documents_generated"`
	StakeholdersNotified int                       `json:"stakeholders_notified"`
	BudgetUnlocked       float64                   `json:"budget_unlocked"`
	ProjectSync          *domain.ProjectSyncRecord `json:"project_sync,omitempty"`
	Errors               []string                  `json:"errors"`
	Events               []domain.ExecutionEvent   `json:"events"`
}

var errCancelled = errors.New("activation cancelled")

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) log() *zap.Logger {
	return logging.OrNop(o.Logger)
}

func (o *Orchestrator) window() time.Duration {
	if o.Window > 0 {
		return o.Window
	}
	return DefaultWindow
}

func (o *Orchestrator) notifyConcurrency() int {
	if o.NotifyConcurrency > 0 {
		return o.NotifyConcurrency
	}
	return DefaultNotifyConcurrency
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Activate gates the plan on readiness and runs it. Only a failed gate, a
// concurrent activation or a storage failure before the run starts is
// returned as an error; everything after that is reported in the Result.
func (o *Orchestrator) Activate(ctx context.Context, planID string) (Result, error) {
	plan, err := o.Repo.GetPlan(ctx, planID)
	if err != nil {
		return Result{}, err
	}
	report, err := o.Readiness.AssessPlan(ctx, plan)
	if err != nil {
		return Result{}, err
	}
	if !report.CanProceed {
		var blocking []string
		for _, w := range report.Blocking() {
			blocking = append(blocking, w.Title+": "+w.Message)
		}
		o.log().Info("activation rejected", zap.String("plan_id", planID), zap.Strings("blocking", blocking))
		return Result{}, fault.PreconditionError{
			Reason: "plan is not ready for activation",
			Details: map[string]any{
				"plan_id":         planID,
				"readiness_score": report.ReadinessScore,
				"blocking":        blocking,
			},
		}
	}

	started := o.now()
	inst := domain.ExecutionInstance{
		ID:           uuid.NewString(),
		PlanID:       planID,
		Status:       domain.ExecutionRunning,
		CurrentPhase: phaseDocuments,
		StartedAt:    timestamp(started),
		DeadlineAt:   timestamp(started.Add(o.window())),
	}
	if err := o.Repo.InsertInstance(ctx, inst); err != nil {
		if errors.Is(err, repo.ErrInFlight) {
			return Result{}, fault.PreconditionError{
				Reason:  "plan already has an activation in flight",
				Details: map[string]any{"plan_id": planID},
			}
		}
		return Result{}, fmt.Errorf("create instance: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	o.track(inst.ID, cancel)
	defer func() {
		o.untrack(inst.ID)
		cancel(nil)
	}()

	r := &run{
		o:      o,
		plan:   plan,
		inst:   inst,
		events: events.NewWriter(o.Repo, inst.ID, o.Now),
		errs:   map[string]string{},
		res: Result{
			InstanceID:     inst.ID,
			StartedAt:      inst.StartedAt,
			DeadlineAt:     inst.DeadlineAt,
			ReadinessScore: report.ReadinessScore,
		},
	}
	o.log().Info("activation started",
		zap.String("plan_id", planID),
		zap.String("instance_id", inst.ID),
		zap.Int("readiness_score", report.ReadinessScore),
		zap.String("deadline_at", inst.DeadlineAt))
	r.emit(runCtx, events.ActivationStarted, true, 0, events.EventPayload{
		"plan_id":         planID,
		"readiness_score": report.ReadinessScore,
		"deadline_at":     inst.DeadlineAt,
	})

	r.documents(runCtx)

	if err := o.Repo.UpdateInstancePhase(runCtx, inst.ID, phaseFanOut); err != nil {
		r.fail(phaseFanOut, err)
	}
	var g errgroup.Group
	g.Go(func() error { r.stakeholders(runCtx); return nil })
	g.Go(func() error { r.budgets(runCtx); return nil })
	g.Go(func() error { r.projectSync(runCtx); return nil })
	g.Go(func() error { r.kickoff(runCtx); return nil })
	_ = g.Wait()

	return r.finish(runCtx, started), nil
}

// Cancel stops an activation. A run in this process has its context
// cancelled and finishes as cancelled; an instance left non-terminal by a
// previous process is marked cancelled directly.
func (o *Orchestrator) Cancel(ctx context.Context, instanceID string) (domain.ExecutionInstance, error) {
	o.mu.Lock()
	cancel, ok := o.running[instanceID]
	o.mu.Unlock()
	if ok {
		cancel(errCancelled)
		o.log().Info("activation cancel requested", zap.String("instance_id", instanceID))
		return o.Repo.GetInstance(ctx, instanceID)
	}
	inst, err := o.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return inst, err
	}
	if inst.Terminal() {
		return inst, fault.PreconditionError{
			Reason:  fmt.Sprintf("instance %s is already %s", instanceID, inst.Status),
			Details: map[string]any{"instance_id": instanceID, "status": inst.Status},
		}
	}
	err = o.Repo.FinishInstance(ctx, instanceID, domain.ExecutionCancelled, timestamp(o.now()), []string{"cancelled with no live run"})
	if errors.Is(err, repo.ErrNotFound) {
		return o.Repo.GetInstance(ctx, instanceID)
	}
	if err != nil {
		return inst, err
	}
	o.Metrics.ObserveActivation(domain.ExecutionCancelled)
	o.log().Warn("stale activation cancelled", zap.String("instance_id", instanceID), zap.String("plan_id", inst.PlanID))
	return o.Repo.GetInstance(ctx, instanceID)
}

func (o *Orchestrator) track(id string, cancel context.CancelCauseFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running == nil {
		o.running = map[string]context.CancelCauseFunc{}
	}
	o.running[id] = cancel
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, id)
}
