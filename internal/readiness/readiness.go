// Package readiness scores a plan's fitness for activation.
//
// Evaluate is a pure function of the plan, a snapshot of the connections it
// binds, the clock and the scoring policy. Every check appends warnings to one
// flat list; the score and the blocking decision are computed over that list.
// Grouping by category is for presentation only.
package readiness

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"rallypoint/internal/documents"
	"rallypoint/internal/domain"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
	SeverityBlocking = "blocking"
)

const (
	CategoryResource     = "resource"
	CategoryCompliance   = "compliance"
	CategoryTiming       = "timing"
	CategoryDependencies = "dependencies"
)

// DefaultTaskMinutes is assumed for tasks that carry no duration.
const DefaultTaskMinutes = 30

type Warning struct {
	Code            string   `json:"code"`
	Severity        string   `json:"severity" enum:"info,warning,critical,blocking"`
	Category        string   `json:"category" enum:"resource,compliance,timing,dependencies"`
	Title           string   `json:"title"`
	Message         string   `json:"message"`
	AffectedTasks   []string `json:"affected_tasks,omitempty"`
	SuggestedAction string   `json:"suggested_action,omitempty"`
}

type Report struct {
	CanProceed                 bool           `json:"can_proceed"`
	ReadinessScore             int            `json:"readiness_score"`
	Warnings                   []Warning      `json:"warnings"`
	CriticalIssues             int            `json:"critical_issues"`
	EstimatedCompletionMinutes int            `json:"estimated_completion_minutes"`
	Metadata                   map[string]any `json:"metadata"`
}

// Grouped returns the warnings keyed by category, preserving order within
// each category.
func (r Report) Grouped() map[string][]Warning {
	out := map[string][]Warning{}
	for _, w := range r.Warnings {
		out[w.Category] = append(out[w.Category], w)
	}
	return out
}

// Blocking returns the warnings that prevent activation.
func (r Report) Blocking() []Warning {
	var out []Warning
	for _, w := range r.Warnings {
		if w.Severity == SeverityBlocking {
			out = append(out, w)
		}
	}
	return out
}

// Policy weighs warnings. A severity missing from Penalties costs nothing; a
// category missing from CategoryWeights weighs 1.
type Policy struct {
	Penalties       map[string]float64
	CategoryWeights map[string]float64
}

func DefaultPolicy() Policy {
	return Policy{
		Penalties: map[string]float64{
			SeverityInfo:     0,
			SeverityWarning:  5,
			SeverityCritical: 15,
			SeverityBlocking: 30,
		},
	}
}

func (p Policy) cost(w Warning) float64 {
	weight, ok := p.CategoryWeights[w.Category]
	if !ok {
		weight = 1
	}
	return p.Penalties[w.Severity] * weight
}

type Input struct {
	Plan domain.Plan
	// Connections holds every bound connection that exists, keyed by id.
	Connections map[string]domain.IntegrationConnection
	Now         time.Time
	Policy      Policy
}

// Evaluate runs every check and scores the result.
func Evaluate(in Input) Report {
	e := &evaluation{in: in}
	e.checkApproval()
	e.checkResources()
	e.checkDependencies()
	e.checkBindings()
	e.checkTiming()
	e.checkBudgets()
	e.checkOrgChart()
	e.checkDocuments()

	penalty := 0.0
	rep := Report{CanProceed: true, Warnings: e.warnings, EstimatedCompletionMinutes: e.estimate}
	if rep.Warnings == nil {
		rep.Warnings = []Warning{}
	}
	for _, w := range rep.Warnings {
		penalty += in.Policy.cost(w)
		switch w.Severity {
		case SeverityBlocking:
			rep.CanProceed = false
			rep.CriticalIssues++
		case SeverityCritical:
			rep.CriticalIssues++
		}
	}
	rep.ReadinessScore = int(math.Round(math.Max(0, math.Min(100, 100-penalty))))
	rep.Metadata = map[string]any{
		"plan_id":        in.Plan.ID,
		"evaluated_at":   in.Now.UTC().Format(time.RFC3339),
		"task_count":     len(in.Plan.Tasks),
		"stakeholders":   len(in.Plan.Stakeholders),
		"required_roles": e.required,
		"covered_roles":  e.covered,
		"penalty":        penalty,
	}
	return rep
}

type evaluation struct {
	in       Input
	warnings []Warning
	estimate int
	required int
	covered  int
}

func (e *evaluation) add(w Warning) {
	e.warnings = append(e.warnings, w)
}

func (e *evaluation) checkApproval() {
	if e.in.Plan.Status == domain.PlanApproved {
		return
	}
	status := e.in.Plan.Status
	if status == "" {
		status = "unset"
	}
	e.add(Warning{
		Code:            "plan_not_approved",
		Severity:        SeverityBlocking,
		Category:        CategoryCompliance,
		Title:           "Plan not approved",
		Message:         fmt.Sprintf("plan status is %s", status),
		SuggestedAction: "Approve the plan before activating it",
	})
}

func (e *evaluation) checkResources() {
	plan := e.in.Plan
	if len(plan.Tasks) == 0 {
		e.add(Warning{
			Code: "no_tasks", Severity: SeverityCritical, Category: CategoryResource,
			Title: "No tasks", Message: "the plan has no tasks to assign",
			SuggestedAction: "Add the response tasks to the plan",
		})
	}
	if len(plan.Stakeholders) == 0 {
		e.add(Warning{
			Code: "no_stakeholders", Severity: SeverityCritical, Category: CategoryResource,
			Title: "No stakeholders", Message: "nobody will be notified on activation",
			SuggestedAction: "Add stakeholders to the plan",
		})
	}

	available := map[string]bool{}
	for _, s := range plan.Stakeholders {
		if s.Email == "" && s.ChatUserID == "" {
			e.add(Warning{
				Code: "stakeholder_unreachable", Severity: SeverityWarning, Category: CategoryResource,
				Title:           "Stakeholder without contact",
				Message:         fmt.Sprintf("%s has neither an email nor a chat user", s.Name),
				SuggestedAction: "Record an email address or chat user id",
			})
		}
		if !s.Unavailable && s.Role != "" {
			available[s.Role] = true
		}
	}

	roleTasks := map[string][]string{}
	var roles []string
	minutes := 0
	for _, t := range plan.Tasks {
		d := t.DurationMinutes
		if d <= 0 {
			d = DefaultTaskMinutes
		}
		minutes += d
		if t.Role == "" {
			continue
		}
		if _, seen := roleTasks[t.Role]; !seen {
			roles = append(roles, t.Role)
		}
		roleTasks[t.Role] = append(roleTasks[t.Role], t.ID)
	}
	for _, role := range roles {
		if available[role] {
			e.covered++
			continue
		}
		e.add(Warning{
			Code: "role_uncovered", Severity: SeverityWarning, Category: CategoryResource,
			Title:           "Uncovered role",
			Message:         fmt.Sprintf("no available stakeholder holds role %q", role),
			AffectedTasks:   roleTasks[role],
			SuggestedAction: fmt.Sprintf("Assign a stakeholder with role %q", role),
		})
	}
	e.required = len(roles)

	factor := 1.0
	if e.required > 0 {
		factor = math.Max(1, float64(e.required)/math.Max(1, float64(e.covered)))
		if float64(e.covered)/float64(e.required) < 0.5 {
			e.add(Warning{
				Code: "role_coverage_low", Severity: SeverityCritical, Category: CategoryResource,
				Title:           "Low role coverage",
				Message:         fmt.Sprintf("%d of %d required roles are covered", e.covered, e.required),
				SuggestedAction: "Staff the missing roles or reassign tasks",
			})
		}
	}
	e.estimate = int(math.Ceil(float64(minutes) * factor))
}

func (e *evaluation) checkDependencies() {
	tasks := e.in.Plan.Tasks
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		index[t.ID] = i
	}
	for _, t := range tasks {
		var unknown []string
		for _, dep := range t.DependsOn {
			if _, ok := index[dep]; !ok {
				unknown = append(unknown, dep)
			}
		}
		if len(unknown) > 0 {
			e.add(Warning{
				Code: "dependency_unknown", Severity: SeverityBlocking, Category: CategoryDependencies,
				Title:           "Unknown dependency",
				Message:         fmt.Sprintf("task %s depends on missing tasks %s", t.ID, strings.Join(unknown, ", ")),
				AffectedTasks:   []string{t.ID},
				SuggestedAction: "Remove or fix the dependency",
			})
		}
	}
	if cycle := findCycle(tasks, index); len(cycle) > 0 {
		e.add(Warning{
			Code: "dependency_cycle", Severity: SeverityBlocking, Category: CategoryDependencies,
			Title:           "Cyclic dependencies",
			Message:         "tasks depend on each other in a loop: " + strings.Join(cycle, " -> "),
			AffectedTasks:   cycle,
			SuggestedAction: "Break the dependency loop",
		})
	}
}

// findCycle returns the task ids of the first dependency loop found, closed
// with its starting id, or nil.
func findCycle(tasks []domain.PlanTask, index map[string]int) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(tasks))
	var stack []string
	var cycle []string
	var visit func(i int) bool
	visit = func(i int) bool {
		state[i] = visiting
		stack = append(stack, tasks[i].ID)
		for _, dep := range tasks[i].DependsOn {
			j, ok := index[dep]
			if !ok {
				continue
			}
			switch state[j] {
			case visiting:
				for k, id := range stack {
					if id == dep {
						cycle = append(append([]string{}, stack[k:]...), dep)
						break
					}
				}
				return true
			case unvisited:
				if visit(j) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[i] = done
		return false
	}
	for i := range tasks {
		if state[i] == unvisited && visit(i) {
			return cycle
		}
	}
	return nil
}

func (e *evaluation) checkBindings() {
	b := e.in.Plan.Integrations
	bound := []struct{ id, typ string }{
		{b.ChatConnectionID, domain.IntegrationChat},
		{b.TicketingConnectionID, domain.IntegrationTicketing},
		{b.CalendarConnectionID, domain.IntegrationCalendar},
	}
	for _, bnd := range bound {
		if bnd.id == "" {
			continue
		}
		conn, ok := e.in.Connections[bnd.id]
		if !ok {
			e.add(Warning{
				Code: "integration_missing", Severity: SeverityBlocking, Category: CategoryDependencies,
				Title:           "Integration missing",
				Message:         fmt.Sprintf("%s connection %s does not exist", bnd.typ, bnd.id),
				SuggestedAction: "Connect the integration or unbind it from the plan",
			})
			continue
		}
		if conn.OrganizationID != e.in.Plan.OrganizationID {
			e.add(Warning{
				Code: "integration_foreign_org", Severity: SeverityBlocking, Category: CategoryCompliance,
				Title:           "Integration owned by another organization",
				Message:         fmt.Sprintf("%s connection %s belongs to organization %s, not %s", bnd.typ, bnd.id, conn.OrganizationID, e.in.Plan.OrganizationID),
				SuggestedAction: "Bind a connection created by this organization",
			})
			continue
		}
		if conn.IntegrationType != bnd.typ {
			e.add(Warning{
				Code: "integration_mismatch", Severity: SeverityBlocking, Category: CategoryDependencies,
				Title:           "Integration type mismatch",
				Message:         fmt.Sprintf("connection %s is %s, bound as %s", conn.Name, conn.IntegrationType, bnd.typ),
				SuggestedAction: "Bind a connection of the right type",
			})
			continue
		}
		switch conn.Status {
		case domain.ConnectionError:
			e.add(Warning{
				Code: "integration_error", Severity: SeverityCritical, Category: CategoryDependencies,
				Title:           "Integration failing",
				Message:         fmt.Sprintf("%s connection %s last failed: %s", bnd.typ, conn.Name, conn.LastError),
				SuggestedAction: "Fix the credentials and re-test the connection",
			})
		case domain.ConnectionPending:
			e.add(Warning{
				Code: "integration_pending", Severity: SeverityWarning, Category: CategoryDependencies,
				Title:           "Integration unverified",
				Message:         fmt.Sprintf("%s connection %s has not been verified", bnd.typ, conn.Name),
				SuggestedAction: "Test the connection",
			})
		case domain.ConnectionInactive:
			e.add(Warning{
				Code: "integration_inactive", Severity: SeverityBlocking, Category: CategoryDependencies,
				Title:           "Integration disconnected",
				Message:         fmt.Sprintf("%s connection %s is disconnected", bnd.typ, conn.Name),
				SuggestedAction: "Reconnect the integration or unbind it from the plan",
			})
		}
	}
	if b.TicketingConnectionID != "" && b.TicketProject == "" {
		e.add(Warning{
			Code: "ticket_project_missing", Severity: SeverityCritical, Category: CategoryDependencies,
			Title:           "No ticket project",
			Message:         "a ticketing integration is bound but no project is named; tickets will be rejected",
			SuggestedAction: "Set integrations.ticket_project on the plan",
		})
	}
	if b.ChatConnectionID == "" && b.TicketingConnectionID == "" {
		e.add(Warning{
			Code: "no_external_sync", Severity: SeverityInfo, Category: CategoryDependencies,
			Title:           "No external sync",
			Message:         "no chat or ticketing integration is bound; activation stays local",
			SuggestedAction: "Bind a chat or ticketing connection",
		})
	}
}

func (e *evaluation) checkTiming() {
	var overdue, malformed []string
	for _, t := range e.in.Plan.Tasks {
		if t.DueAt == "" {
			continue
		}
		due, err := time.Parse(time.RFC3339, t.DueAt)
		if err != nil {
			malformed = append(malformed, t.ID)
			continue
		}
		if due.Before(e.in.Now) {
			overdue = append(overdue, t.ID)
		}
	}
	if len(overdue) > 0 {
		e.add(Warning{
			Code: "due_date_past", Severity: SeverityCritical, Category: CategoryTiming,
			Title:           "Due dates in the past",
			Message:         fmt.Sprintf("%d tasks are already overdue", len(overdue)),
			AffectedTasks:   overdue,
			SuggestedAction: "Move the due dates or drop the tasks",
		})
	}
	if len(malformed) > 0 {
		e.add(Warning{
			Code: "due_date_invalid", Severity: SeverityWarning, Category: CategoryTiming,
			Title:           "Unreadable due dates",
			Message:         "due dates must be RFC 3339 timestamps",
			AffectedTasks:   malformed,
			SuggestedAction: "Fix the due date format",
		})
	}
	if target := e.in.Plan.TargetMinutes; target > 0 && e.estimate > target {
		e.add(Warning{
			Code: "estimate_over_target", Severity: SeverityWarning, Category: CategoryTiming,
			Title:           "Estimate exceeds target",
			Message:         fmt.Sprintf("estimated %d minutes against a %d minute target", e.estimate, target),
			SuggestedAction: "Add staff for the uncovered roles or shorten tasks",
		})
	}
	if k := e.in.Plan.Kickoff; k != nil {
		if _, err := time.Parse(time.RFC3339, k.Start); err != nil {
			e.add(Warning{
				Code: "kickoff_invalid", Severity: SeverityWarning, Category: CategoryTiming,
				Title:           "Unreadable kickoff time",
				Message:         fmt.Sprintf("kickoff start %q is not an RFC 3339 timestamp", k.Start),
				SuggestedAction: "Fix the kickoff start time",
			})
		}
	}
}

func (e *evaluation) checkBudgets() {
	var unapproved, nonPositive []string
	for _, b := range e.in.Plan.Budgets {
		if !b.PreApproved {
			unapproved = append(unapproved, b.Name)
		}
		if b.Amount <= 0 {
			nonPositive = append(nonPositive, b.Name)
		}
	}
	if len(unapproved) > 0 {
		sort.Strings(unapproved)
		e.add(Warning{
			Code: "budget_not_preapproved", Severity: SeverityWarning, Category: CategoryCompliance,
			Title:           "Budgets need approval",
			Message:         "not pre-approved, will stay locked: " + strings.Join(unapproved, ", "),
			SuggestedAction: "Get the budgets pre-approved",
		})
	}
	if len(nonPositive) > 0 {
		sort.Strings(nonPositive)
		e.add(Warning{
			Code: "budget_non_positive", Severity: SeverityWarning, Category: CategoryCompliance,
			Title:           "Empty budgets",
			Message:         "budgets with no amount: " + strings.Join(nonPositive, ", "),
			SuggestedAction: "Set a positive amount",
		})
	}
}

func (e *evaluation) checkOrgChart() {
	chart := e.in.Plan.OrgChart
	if err := chart.Check(); err != nil {
		e.add(Warning{
			Code: "org_chart_invalid", Severity: SeverityWarning, Category: CategoryDependencies,
			Title:           "Org chart broken",
			Message:         err.Error(),
			SuggestedAction: "Fix the parent references in the org chart",
		})
	}
	for _, s := range e.in.Plan.Stakeholders {
		if s.Unit != nil && (*s.Unit < 0 || *s.Unit >= len(chart)) {
			e.add(Warning{
				Code: "stakeholder_unit_unknown", Severity: SeverityWarning, Category: CategoryDependencies,
				Title:           "Unknown business unit",
				Message:         fmt.Sprintf("%s belongs to unit %d, which is not in the org chart", s.Name, *s.Unit),
				SuggestedAction: "Fix the stakeholder's unit",
			})
		}
	}
}

func (e *evaluation) checkDocuments() {
	for _, d := range e.in.Plan.Documents {
		if strings.TrimSpace(d.Template) == "" {
			e.add(Warning{
				Code: "document_without_template", Severity: SeverityWarning, Category: CategoryCompliance,
				Title:           "Document without template",
				Message:         fmt.Sprintf("document %q has no template and will be skipped", d.Title),
				SuggestedAction: "Provide a template body",
			})
			continue
		}
		if err := documents.Check(d); err != nil {
			e.add(Warning{
				Code: "document_template_invalid", Severity: SeverityCritical, Category: CategoryCompliance,
				Title:           "Document template invalid",
				Message:         err.Error(),
				SuggestedAction: "Fix the template syntax",
			})
		}
	}
}
