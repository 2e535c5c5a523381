package domain

// Connection statuses.
const (
	ConnectionPending  = "pending"
	ConnectionActive   = "active"
	ConnectionError    = "error"
	ConnectionInactive = "inactive"
)

// Integration types.
const (
	IntegrationChat      = "chat"
	IntegrationTicketing = "ticketing"
	IntegrationCalendar  = "calendar"
	IntegrationDirectory = "directory"
)

// Execution statuses.
const (
	ExecutionPending   = "pending"
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
)

// Plan statuses.
const (
	PlanDraft    = "draft"
	PlanApproved = "approved"
	PlanArchived = "archived"
)

type IntegrationConnection struct {
	ID              string         `json:"id"`
	OrganizationID  string         `json:"organization_id"`
	Name            string         `json:"name"`
	Vendor          string         `json:"vendor"`
	IntegrationType string         `json:"integration_type" enum:"chat,ticketing,calendar,directory"`
	Status          string         `json:"status" enum:"pending,active,error,inactive"`
	CredentialBlob  string         `json:"-"`
	Config          map[string]any `json:"config,omitempty"`
	LastTestedAt    *string        `json:"last_tested_at,omitempty" format:"date-time"`
	LastError       string         `json:"last_error,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
}

// ConfigString reads a string entry from the connection config.
func (c IntegrationConnection) ConfigString(key string) string {
	if c.Config == nil {
		return ""
	}
	s, _ := c.Config[key].(string)
	return s
}

type Plan struct {
	ID             string              `json:"id" yaml:"id"`
	OrganizationID string              `json:"organization_id" yaml:"organization_id"`
	Title          string              `json:"title" yaml:"title"`
	Summary        string              `json:"summary,omitempty" yaml:"summary"`
	Status         string              `json:"status" yaml:"status" enum:"draft,approved,archived"`
	TargetMinutes  int                 `json:"target_minutes,omitempty" yaml:"target_minutes"`
	Stakeholders   []Stakeholder       `json:"stakeholders" yaml:"stakeholders"`
	Tasks          []PlanTask          `json:"tasks" yaml:"tasks"`
	Budgets        []Budget            `json:"budgets,omitempty" yaml:"budgets"`
	Documents      []DocumentSpec      `json:"documents,omitempty" yaml:"documents"`
	Integrations   IntegrationBindings `json:"integrations" yaml:"integrations"`
	Kickoff        *KickoffSlot        `json:"kickoff,omitempty" yaml:"kickoff"`
	OrgChart       OrgChart            `json:"org_chart,omitempty" yaml:"org_chart"`
	CreatedAt      string              `json:"created_at,omitempty" yaml:"-" format:"date-time"`
	UpdatedAt      string              `json:"updated_at,omitempty" yaml:"-" format:"date-time"`
}

type Stakeholder struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Role        string `json:"role,omitempty" yaml:"role"`
	Email       string `json:"email,omitempty" yaml:"email"`
	ChatUserID  string `json:"chat_user_id,omitempty" yaml:"chat_user_id"`
	// TicketUserID is the ticketing vendor's user id (Jira accountId, GitHub
	// login). Tickets stay unassigned without it.
	TicketUserID string `json:"ticket_user_id,omitempty" yaml:"ticket_user_id"`
	Unit         *int   `json:"unit,omitempty" yaml:"unit"`
	Unavailable  bool   `json:"unavailable,omitempty" yaml:"unavailable"`
}

type PlanTask struct {
	ID              string   `json:"id" yaml:"id"`
	Title           string   `json:"title" yaml:"title"`
	Description     string   `json:"description,omitempty" yaml:"description"`
	Role            string   `json:"role,omitempty" yaml:"role"`
	Priority        string   `json:"priority,omitempty" yaml:"priority"`
	DurationMinutes int      `json:"duration_minutes,omitempty" yaml:"duration_minutes"`
	DependsOn       []string `json:"depends_on,omitempty" yaml:"depends_on"`
	DueAt           string   `json:"due_at,omitempty" yaml:"due_at" format:"date-time"`
}

type Budget struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name"`
	Amount      float64 `json:"amount" yaml:"amount"`
	Currency    string  `json:"currency,omitempty" yaml:"currency"`
	PreApproved bool    `json:"pre_approved" yaml:"pre_approved"`
}

type DocumentSpec struct {
	Kind     string `json:"kind" yaml:"kind"`
	Title    string `json:"title" yaml:"title"`
	Template string `json:"template" yaml:"template"`
}

// IntegrationBindings names the connections a plan fans out to. Empty ids mean
// the corresponding phase is skipped.
type IntegrationBindings struct {
	ChatConnectionID      string `json:"chat_connection_id,omitempty" yaml:"chat_connection_id"`
	TicketingConnectionID string `json:"ticketing_connection_id,omitempty" yaml:"ticketing_connection_id"`
	CalendarConnectionID  string `json:"calendar_connection_id,omitempty" yaml:"calendar_connection_id"`
	ChannelName           string `json:"channel_name,omitempty" yaml:"channel_name"`
	PrivateChannel        bool   `json:"private_channel,omitempty" yaml:"private_channel"`
	TicketProject         string `json:"ticket_project,omitempty" yaml:"ticket_project"`
}

type KickoffSlot struct {
	Summary         string `json:"summary" yaml:"summary"`
	Start           string `json:"start" yaml:"start" format:"date-time"`
	DurationMinutes int    `json:"duration_minutes" yaml:"duration_minutes"`
	Location        string `json:"location,omitempty" yaml:"location"`
}

// BusinessUnit is one node of an org chart stored as an arena: Parent is the
// index of the parent unit in the same slice, or -1 for a root.
type BusinessUnit struct {
	Name   string `json:"name" yaml:"name"`
	Parent int    `json:"parent" yaml:"parent"`
}

type ExecutionInstance struct {
	ID           string   `json:"id"`
	PlanID       string   `json:"plan_id"`
	Status       string   `json:"status" enum:"pending,running,completed,failed,cancelled"`
	CurrentPhase string   `json:"current_phase"`
	StartedAt    string   `json:"started_at" format:"date-time"`
	DeadlineAt   string   `json:"deadline_at" format:"date-time"`
	CompletedAt  *string  `json:"completed_at,omitempty" format:"date-time"`
	Errors       []string `json:"errors,omitempty"`
}

// Terminal reports whether the instance can no longer change state.
func (i ExecutionInstance) Terminal() bool {
	return IsTerminal(i.Status)
}

func IsTerminal(status string) bool {
	switch status {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

type ExecutionEvent struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	Success    bool           `json:"success"`
	DurationMs int64          `json:"duration_ms"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type GeneratedDocument struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	PlanID     string `json:"plan_id"`
	Kind       string `json:"kind"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Acknowledgment statuses.
const (
	AckNotified     = "notified"
	AckFailed       = "failed"
	AckAcknowledged = "acknowledged"
)

type StakeholderAcknowledgment struct {
	ID             string  `json:"id"`
	InstanceID     string  `json:"instance_id"`
	StakeholderID  string  `json:"stakeholder_id"`
	Name           string  `json:"name"`
	Channel        string  `json:"channel"`
	Status         string  `json:"status" enum:"notified,failed,acknowledged"`
	MessageRef     string  `json:"message_ref,omitempty"`
	Error          string  `json:"error,omitempty"`
	NotifiedAt     string  `json:"notified_at" format:"date-time"`
	AcknowledgedAt *string `json:"acknowledged_at,omitempty" format:"date-time"`
}

type BudgetUnlockRecord struct {
	ID         string  `json:"id"`
	InstanceID string  `json:"instance_id"`
	BudgetID   string  `json:"budget_id"`
	Name       string  `json:"name"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency,omitempty"`
	UnlockedAt string  `json:"unlocked_at" format:"date-time"`
}

// Project sync statuses.
const (
	SyncComplete = "synced"
	SyncPartial  = "partial"
	SyncFailed   = "failed"
)

type ProjectSyncRecord struct {
	ID                    string   `json:"id"`
	InstanceID            string   `json:"instance_id"`
	ChatConnectionID      string   `json:"chat_connection_id,omitempty"`
	TicketingConnectionID string   `json:"ticketing_connection_id,omitempty"`
	ChannelID             string   `json:"channel_id,omitempty"`
	MessageRef            string   `json:"message_ref,omitempty"`
	TicketKeys            []string `json:"ticket_keys"`
	TicketErrors          []string `json:"ticket_errors,omitempty"`
	Status                string   `json:"status" enum:"synced,partial,failed"`
	CreatedAt             string   `json:"created_at" format:"date-time"`
}
