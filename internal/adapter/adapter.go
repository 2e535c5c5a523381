// Package adapter defines the contract every external collaboration system
// implements and the catalog that maps a connection's vendor string to its
// implementation.
package adapter

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"rallypoint/internal/fault"
	"rallypoint/internal/vault"
)

// Operation names, used in errors, metrics and logs.
const (
	OpProbe              = "probe"
	OpCreateChannel      = "create_channel"
	OpPostMessage        = "post_message"
	OpCreateTickets      = "create_tickets"
	OpUpdateTicketStatus = "update_ticket_status"
	OpScheduleEvent      = "schedule_event"
	OpQueryDirectory     = "query_directory"
	OpQueryChannels      = "query_channels"
	OpQueryProjects      = "query_projects"
)

// Session carries everything one call needs. Credentials are a decrypted copy
// owned by the caller, who wipes them when the call returns.
type Session struct {
	ConnectionID string
	Credentials  vault.Credentials
	Config       map[string]any
	BaseURL      string
	HTTP         *http.Client
}

// ConfigString reads a string from the connection config.
func (s Session) ConfigString(key string) string {
	if s.Config == nil {
		return ""
	}
	v, _ := s.Config[key].(string)
	return v
}

// ConfigStrings reads a string list from the connection config.
func (s Session) ConfigStrings(key string) []string {
	if s.Config == nil {
		return nil
	}
	switch v := s.Config[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func (s Session) httpClient() *http.Client {
	if s.HTTP != nil {
		return s.HTTP
	}
	return http.DefaultClient
}

type ChannelRequest struct {
	Name    string   `json:"name" validate:"required,max=80"`
	Private bool     `json:"private,omitempty"`
	Members []string `json:"members,omitempty"`
	Topic   string   `json:"topic,omitempty"`
}

type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Message struct {
	ChannelID string `json:"channel_id" validate:"required"`
	Text      string `json:"text" validate:"required"`
	ThreadRef string `json:"thread_ref,omitempty"`
}

// Ticket is one work item. Assignee is a vendor user id, never an email.
type Ticket struct {
	Ref         string   `json:"ref,omitempty"`
	Project     string   `json:"project" validate:"required"`
	Summary     string   `json:"summary" validate:"required,max=255"`
	Description string   `json:"description,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// TicketOutcome is the per-item result of a batch creation. Exactly one of Key
// or Error is set.
type TicketOutcome struct {
	Ref     string `json:"ref,omitempty"`
	Summary string `json:"summary"`
	Key     string `json:"key,omitempty"`
	URL     string `json:"url,omitempty"`
	Error   string `json:"error,omitempty"`
}

type TicketBatch struct {
	Created []TicketOutcome `json:"created"`
	Errors  []TicketOutcome `json:"errors"`
}

// Keys returns the keys of created tickets in input order.
func (b TicketBatch) Keys() []string {
	keys := make([]string, 0, len(b.Created))
	for _, c := range b.Created {
		keys = append(keys, c.Key)
	}
	return keys
}

type EventRequest struct {
	Summary     string    `json:"summary" validate:"required"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start" validate:"required"`
	End         time.Time `json:"end" validate:"required,gtfield=Start"`
	Attendees   []string  `json:"attendees,omitempty" validate:"dive,email"`
	Location    string    `json:"location,omitempty"`
}

type DirectoryFilter struct {
	Query string `json:"query,omitempty"`
	Scope string `json:"scope,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type Person struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Title string `json:"title,omitempty"`
}

type ChannelInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Private bool   `json:"private"`
	Members int    `json:"members,omitempty"`
}

type Project struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Vendor is implemented once per external system. Implementations embed
// Unsupported and override the operations they support.
type Vendor interface {
	Name() string
	Capabilities() []string
	Probe(ctx context.Context, s Session) error
	CreateChannel(ctx context.Context, s Session, req ChannelRequest) (Channel, error)
	PostMessage(ctx context.Context, s Session, msg Message) (string, error)
	CreateTickets(ctx context.Context, s Session, tickets []Ticket) (TicketBatch, error)
	UpdateTicketStatus(ctx context.Context, s Session, key, target string) error
	ScheduleEvent(ctx context.Context, s Session, req EventRequest) (string, error)
	QueryDirectory(ctx context.Context, s Session, f DirectoryFilter) ([]Person, error)
	QueryChannels(ctx context.Context, s Session) ([]ChannelInfo, error)
	QueryProjects(ctx context.Context, s Session) ([]Project, error)
}

// Unsupported answers every operation with a ValidationError.
type Unsupported struct {
	Vendor string
}

func (u Unsupported) err(op string) error {
	return fault.ValidationError{Field: "operation", Reason: fmt.Sprintf("%s does not support %s", u.Vendor, op)}
}

func (u Unsupported) CreateChannel(context.Context, Session, ChannelRequest) (Channel, error) {
	return Channel{}, u.err(OpCreateChannel)
}

func (u Unsupported) PostMessage(context.Context, Session, Message) (string, error) {
	return "", u.err(OpPostMessage)
}

func (u Unsupported) CreateTickets(context.Context, Session, []Ticket) (TicketBatch, error) {
	return TicketBatch{}, u.err(OpCreateTickets)
}

func (u Unsupported) UpdateTicketStatus(context.Context, Session, string, string) error {
	return u.err(OpUpdateTicketStatus)
}

func (u Unsupported) ScheduleEvent(context.Context, Session, EventRequest) (string, error) {
	return "", u.err(OpScheduleEvent)
}

func (u Unsupported) QueryDirectory(context.Context, Session, DirectoryFilter) ([]Person, error) {
	return nil, u.err(OpQueryDirectory)
}

func (u Unsupported) QueryChannels(context.Context, Session) ([]ChannelInfo, error) {
	return nil, u.err(OpQueryChannels)
}

func (u Unsupported) QueryProjects(context.Context, Session) ([]Project, error) {
	return nil, u.err(OpQueryProjects)
}

// Supports reports whether v declares the integration type.
func Supports(v Vendor, integrationType string) bool {
	for _, c := range v.Capabilities() {
		if c == integrationType {
			return true
		}
	}
	return false
}
