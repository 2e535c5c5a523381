package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rallypoint/internal/adapter"
	"rallypoint/internal/documents"
	"rallypoint/internal/domain"
	"rallypoint/internal/events"
	"rallypoint/internal/fault"
)

const (
	phaseDocuments    = "documents"
	phaseFanOut       = "fan_out"
	phaseStakeholders = "stakeholders"
	phaseBudgets      = "budgets"
	phaseProjectSync  = "project_sync"
	phaseKickoff      = "kickoff"
)

// phaseOrder fixes the order of Result.Errors regardless of which phase
// finished first.
var phaseOrder = []string{phaseDocuments, phaseFanOut, phaseStakeholders, phaseBudgets, phaseProjectSync, phaseKickoff}

const (
	ackChannelChat  = "chat"
	ackChannelInApp = "in_app"
)

// DefaultKickoffLead is how long after activation a kickoff without a
// configured slot is scheduled.
const DefaultKickoffLead = 15 * time.Minute

type run struct {
	o      *Orchestrator
	plan   domain.Plan
	inst   domain.ExecutionInstance
	events *events.Writer

	mu   sync.Mutex
	errs map[string]string
	res  Result
}

func (r *run) fail(phase string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.errs[phase]; ok {
		return
	}
	r.errs[phase] = fmt.Sprintf("%s: %v", phase, err)
}

func (r *run) emit(ctx context.Context, typ string, ok bool, took time.Duration, payload events.EventPayload) {
	if _, err := r.events.Append(ctx, typ, ok, took, payload); err != nil {
		r.o.log().Error("append event", zap.String("instance_id", r.inst.ID), zap.String("type", typ), zap.Error(err))
	}
}

// store is the context for local writes. They outlive a cancelled run so the
// record matches what was done.
func store(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (r *run) documents(ctx context.Context) {
	start := r.o.now()
	specs := r.plan.Documents
	if len(specs) == 0 {
		specs = []domain.DocumentSpec{documents.Brief}
	}
	data := documents.NewData(r.plan, r.inst.ID, r.inst.StartedAt, r.inst.DeadlineAt)
	var kinds, failures []string
	generated := 0
	for _, spec := range specs {
		if strings.TrimSpace(spec.Template) == "" {
			continue
		}
		title, body, err := documents.Render(spec, data)
		if err == nil {
			err = r.o.Repo.InsertDocument(store(ctx), domain.GeneratedDocument{
				ID:         uuid.NewString(),
				InstanceID: r.inst.ID,
				PlanID:     r.plan.ID,
				Kind:       spec.Kind,
				Title:      title,
				Body:       body,
				CreatedAt:  timestamp(r.o.now()),
			})
		}
		if err != nil {
			failures = append(failures, err.Error())
			continue
		}
		generated++
		kinds = append(kinds, spec.Kind)
	}
	if len(failures) > 0 {
		r.fail(phaseDocuments, errors.New(failures[0]))
	}
	r.mu.Lock()
	r.res.DocumentsGenerated = generated
	r.mu.Unlock()
	r.emit(ctx, events.DocumentsGenerated, len(failures) == 0, r.o.now().Sub(start), events.EventPayload{
		"count":  generated,
		"kinds":  kinds,
		"errors": failures,
	})
}

func (r *run) stakeholders(ctx context.Context) {
	start := r.o.now()
	chatID := r.plan.Integrations.ChatConnectionID
	acks := make([]domain.StakeholderAcknowledgment, len(r.plan.Stakeholders))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.notifyConcurrency())
	for i, s := range r.plan.Stakeholders {
		g.Go(func() error {
			ack := domain.StakeholderAcknowledgment{
				ID:            uuid.NewString(),
				InstanceID:    r.inst.ID,
				StakeholderID: s.ID,
				Name:          s.Name,
				Channel:       ackChannelInApp,
				Status:        domain.AckNotified,
			}
			if chatID != "" && s.ChatUserID != "" {
				ack.Channel = ackChannelChat
				ref, err := r.o.Integrations.SendMessage(gctx, chatID, adapter.Message{
					ChannelID: s.ChatUserID,
					Text:      notification(r.plan, r.inst, s),
				})
				if err != nil {
					ack.Status = domain.AckFailed
					ack.Error = fmt.Sprintf("%v (%s)", err, fault.Kind(err))
				}
				ack.MessageRef = ref
			}
			ack.NotifiedAt = timestamp(r.o.now())
			if err := r.o.Repo.InsertAcknowledgment(store(ctx), ack); err != nil {
				ack.Status = domain.AckFailed
				ack.Error = err.Error()
			}
			acks[i] = ack
			return nil
		})
	}
	_ = g.Wait()

	notified := 0
	var failed []string
	channels := map[string]int{}
	for _, a := range acks {
		if a.Status == domain.AckNotified {
			notified++
			channels[a.Channel]++
			continue
		}
		failed = append(failed, a.Name+": "+a.Error)
	}
	if len(failed) > 0 {
		r.fail(phaseStakeholders, fmt.Errorf("%d of %d notifications failed; %s", len(failed), len(acks), failed[0]))
	}
	r.mu.Lock()
	r.res.StakeholdersNotified = notified
	r.mu.Unlock()
	r.emit(ctx, events.StakeholdersNotified, len(failed) == 0, r.o.now().Sub(start), events.EventPayload{
		"notified": notified,
		"failed":   failed,
		"channels": channels,
	})
}

func notification(plan domain.Plan, inst domain.ExecutionInstance, s domain.Stakeholder) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s has been activated.", plan.Title)
	if s.Role != "" {
		var tasks []string
		for _, t := range plan.Tasks {
			if t.Role == s.Role {
				tasks = append(tasks, t.Title)
			}
		}
		fmt.Fprintf(&b, " You are on it as %s", s.Role)
		if len(tasks) > 0 {
			fmt.Fprintf(&b, ": %s", strings.Join(tasks, "; "))
		}
		b.WriteString(".")
	}
	fmt.Fprintf(&b, " Please acknowledge before %s (activation %s).", inst.DeadlineAt, inst.ID)
	return b.String()
}

func (r *run) budgets(ctx context.Context) {
	start := r.o.now()
	total := 0.0
	var unlocked, locked []string
	var failure error
	for _, b := range r.plan.Budgets {
		if !b.PreApproved || b.Amount <= 0 {
			locked = append(locked, b.Name)
			continue
		}
		err := r.o.Repo.InsertBudgetUnlock(store(ctx), domain.BudgetUnlockRecord{
			ID:         uuid.NewString(),
			InstanceID: r.inst.ID,
			BudgetID:   b.ID,
			Name:       b.Name,
			Amount:     b.Amount,
			Currency:   b.Currency,
			UnlockedAt: timestamp(r.o.now()),
		})
		if err != nil {
			if failure == nil {
				failure = err
			}
			continue
		}
		total += b.Amount
		unlocked = append(unlocked, b.Name)
	}
	if failure != nil {
		r.fail(phaseBudgets, failure)
	}
	r.mu.Lock()
	r.res.BudgetUnlocked = total
	r.mu.Unlock()
	r.emit(ctx, events.BudgetsUnlocked, failure == nil, r.o.now().Sub(start), events.EventPayload{
		"unlocked": unlocked,
		"locked":   locked,
		"total":    total,
	})
}

// projectSync creates the coordination channel, posts the kickoff message,
// then files one ticket per task. Tickets go out only after the channel step
// so they can link to it.
func (r *run) projectSync(ctx context.Context) {
	b := r.plan.Integrations
	if b.ChatConnectionID == "" && b.TicketingConnectionID == "" {
		return
	}
	start := r.o.now()
	rec := domain.ProjectSyncRecord{
		ID:                    uuid.NewString(),
		InstanceID:            r.inst.ID,
		ChatConnectionID:      b.ChatConnectionID,
		TicketingConnectionID: b.TicketingConnectionID,
		TicketKeys:            []string{},
	}
	var firstErr error
	succeeded := 0
	note := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if b.ChatConnectionID != "" {
		var members []string
		for _, s := range r.plan.Stakeholders {
			if s.ChatUserID != "" {
				members = append(members, s.ChatUserID)
			}
		}
		ch, err := r.o.Integrations.CreateChannel(ctx, b.ChatConnectionID, adapter.ChannelRequest{
			Name:    channelName(r.plan, r.inst.ID),
			Private: b.PrivateChannel,
			Members: members,
			Topic:   r.plan.Title,
		})
		if err != nil {
			note(err)
		} else {
			succeeded++
			rec.ChannelID = ch.ID
			ref, err := r.o.Integrations.SendMessage(ctx, b.ChatConnectionID, adapter.Message{
				ChannelID: ch.ID,
				Text:      kickoffMessage(r.plan, r.inst),
			})
			if err != nil {
				note(err)
			} else {
				succeeded++
				rec.MessageRef = ref
			}
		}
	}

	if b.TicketingConnectionID != "" && len(r.plan.Tasks) > 0 {
		batch, err := r.o.Integrations.CreateTickets(ctx, b.TicketingConnectionID, r.tickets(rec.ChannelID))
		rec.TicketKeys = append(rec.TicketKeys, batch.Keys()...)
		for _, e := range batch.Errors {
			rec.TicketErrors = append(rec.TicketErrors, fmt.Sprintf("%s: %s", e.Summary, e.Error))
		}
		succeeded += len(batch.Created)
		switch {
		case err != nil:
			note(err)
		case len(batch.Errors) > 0:
			note(fmt.Errorf("%d of %d tickets failed; %s", len(batch.Errors), len(r.plan.Tasks), rec.TicketErrors[0]))
		}
	}

	switch {
	case firstErr == nil:
		rec.Status = domain.SyncComplete
	case succeeded > 0:
		rec.Status = domain.SyncPartial
	default:
		rec.Status = domain.SyncFailed
	}
	rec.CreatedAt = timestamp(r.o.now())
	if err := r.o.Repo.InsertProjectSync(store(ctx), rec); err != nil {
		note(err)
	}
	if firstErr != nil {
		r.fail(phaseProjectSync, firstErr)
	}
	r.mu.Lock()
	r.res.ProjectSync = &rec
	r.mu.Unlock()
	payload := events.EventPayload{
		"status":      rec.Status,
		"channel_id":  rec.ChannelID,
		"ticket_keys": rec.TicketKeys,
	}
	if firstErr != nil {
		payload["error"] = firstErr.Error()
		payload["error_kind"] = fault.Kind(firstErr)
	}
	r.emit(ctx, events.ProjectSynced, firstErr == nil, r.o.now().Sub(start), payload)
}

func (r *run) tickets(channelID string) []adapter.Ticket {
	owners := map[string]string{}
	for _, s := range r.plan.Stakeholders {
		if s.Role != "" && s.TicketUserID != "" && !s.Unavailable {
			if _, ok := owners[s.Role]; !ok {
				owners[s.Role] = s.TicketUserID
			}
		}
	}
	out := make([]adapter.Ticket, 0, len(r.plan.Tasks))
	for _, t := range r.plan.Tasks {
		desc := t.Description
		if channelID != "" {
			desc = strings.TrimSpace(desc + "\n\nCoordination channel: " + channelID)
		}
		labels := []string{"rallypoint"}
		if t.Role != "" {
			labels = append(labels, t.Role)
		}
		out = append(out, adapter.Ticket{
			Ref:         t.ID,
			Project:     r.plan.Integrations.TicketProject,
			Summary:     t.Title,
			Description: desc,
			Assignee:    owners[t.Role],
			Priority:    t.Priority,
			Labels:      labels,
		})
	}
	return out
}

func (r *run) kickoff(ctx context.Context) {
	calID := r.plan.Integrations.CalendarConnectionID
	if calID == "" {
		return
	}
	start := r.o.now()
	req, err := r.kickoffRequest()
	var eventID string
	if err == nil {
		eventID, err = r.o.Integrations.ScheduleEvent(ctx, calID, req)
	}
	payload := events.EventPayload{"event_id": eventID, "start": req.Start}
	if err != nil {
		r.fail(phaseKickoff, err)
		payload["error"] = err.Error()
		payload["error_kind"] = fault.Kind(err)
	}
	r.emit(ctx, events.KickoffScheduled, err == nil, r.o.now().Sub(start), payload)
}

func (r *run) kickoffRequest() (adapter.EventRequest, error) {
	slot := domain.KickoffSlot{Summary: "Kickoff: " + r.plan.Title, DurationMinutes: 30}
	begin := r.o.now().Add(DefaultKickoffLead)
	if k := r.plan.Kickoff; k != nil {
		if k.Summary != "" {
			slot.Summary = k.Summary
		}
		if k.DurationMinutes > 0 {
			slot.DurationMinutes = k.DurationMinutes
		}
		slot.Location = k.Location
		if k.Start != "" {
			t, err := time.Parse(time.RFC3339, k.Start)
			if err != nil {
				return adapter.EventRequest{}, fault.ValidationError{Field: "kickoff.start", Reason: "must be an RFC 3339 timestamp"}
			}
			begin = t
		}
	}
	var attendees []string
	for _, s := range r.plan.Stakeholders {
		if s.Email != "" {
			attendees = append(attendees, s.Email)
		}
	}
	return adapter.EventRequest{
		Summary:     slot.Summary,
		Description: kickoffMessage(r.plan, r.inst),
		Start:       begin,
		End:         begin.Add(time.Duration(slot.DurationMinutes) * time.Minute),
		Attendees:   attendees,
		Location:    slot.Location,
	}, nil
}

func kickoffMessage(plan domain.Plan, inst domain.ExecutionInstance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s is active. Target completion %s.\n", plan.Title, inst.DeadlineAt)
	for _, t := range plan.Tasks {
		fmt.Fprintf(&b, "- %s", t.Title)
		if t.Role != "" {
			fmt.Fprintf(&b, " (%s)", t.Role)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// channelName derives a chat channel name from the plan unless one is bound.
func channelName(plan domain.Plan, instanceID string) string {
	if plan.Integrations.ChannelName != "" {
		return plan.Integrations.ChannelName
	}
	var b strings.Builder
	dash := false
	for _, c := range strings.ToLower(plan.Title) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
			dash = false
		} else if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 60 {
		slug = strings.Trim(slug[:60], "-")
	}
	if slug == "" {
		slug = "activation"
	}
	suffix := instanceID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return slug + "-" + suffix
}

func (r *run) finish(ctx context.Context, started time.Time) Result {
	r.mu.Lock()
	var errs []string
	for _, phase := range phaseOrder {
		if msg, ok := r.errs[phase]; ok {
			errs = append(errs, msg)
		}
	}
	r.mu.Unlock()

	status := domain.ExecutionCompleted
	switch {
	case errors.Is(context.Cause(ctx), errCancelled):
		status = domain.ExecutionCancelled
	case len(errs) > 0:
		status = domain.ExecutionFailed
	}
	if errs == nil {
		errs = []string{}
	}
	if err := r.o.Repo.FinishInstance(store(ctx), r.inst.ID, status, timestamp(r.o.now()), errs); err != nil {
		r.o.log().Error("finish instance", zap.String("instance_id", r.inst.ID), zap.Error(err))
	}

	typ := events.ActivationCompleted
	if status != domain.ExecutionCompleted {
		typ = events.ActivationFailed
	}
	took := r.o.now().Sub(started)
	r.emit(ctx, typ, status == domain.ExecutionCompleted, took, events.EventPayload{
		"status": status,
		"errors": errs,
	})
	r.o.Metrics.ObserveActivation(status)

	fields := []zap.Field{
		zap.String("plan_id", r.plan.ID),
		zap.String("instance_id", r.inst.ID),
		zap.String("status", status),
		zap.Duration("took", took),
	}
	if len(errs) > 0 {
		r.o.log().Warn("activation finished with errors", append(fields, zap.Strings("errors", errs))...)
	} else {
		r.o.log().Info("activation finished", fields...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.res
	res.Status = status
	res.Success = status == domain.ExecutionCompleted
	res.Errors = errs
	res.Events = r.events.Events()
	sort.SliceStable(res.Events, func(i, j int) bool { return res.Events[i].Seq < res.Events[j].Seq })
	return res
}
