package readiness

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"rallypoint/internal/domain"
	"rallypoint/internal/logging"
	"rallypoint/internal/metrics"
	"rallypoint/internal/repo"
)

// Assessor loads current state and evaluates it. Nothing is cached between
// calls.
type Assessor struct {
	Repo    repo.Repo
	Policy  Policy
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (a Assessor) Assess(ctx context.Context, planID string) (Report, error) {
	plan, err := a.Repo.GetPlan(ctx, planID)
	if err != nil {
		return Report{}, err
	}
	return a.AssessPlan(ctx, plan)
}

// AssessPlan evaluates an already loaded plan against the stored connections
// it binds.
func (a Assessor) AssessPlan(ctx context.Context, plan domain.Plan) (Report, error) {
	conns := map[string]domain.IntegrationConnection{}
	b := plan.Integrations
	for _, id := range []string{b.ChatConnectionID, b.TicketingConnectionID, b.CalendarConnectionID} {
		if id == "" {
			continue
		}
		conn, err := a.Repo.GetConnection(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return Report{}, err
		}
		conns[id] = conn
	}
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	policy := a.Policy
	if policy.Penalties == nil {
		policy = DefaultPolicy()
	}
	rep := Evaluate(Input{Plan: plan, Connections: conns, Now: now(), Policy: policy})
	a.Metrics.ObserveReadiness(float64(rep.ReadinessScore))
	logging.OrNop(a.Logger).Debug("readiness evaluated",
		zap.String("plan_id", plan.ID),
		zap.Int("score", rep.ReadinessScore),
		zap.Bool("can_proceed", rep.CanProceed),
		zap.Int("warnings", len(rep.Warnings)))
	return rep, nil
}
