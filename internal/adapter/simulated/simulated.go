// Package simulated is an in-memory vendor for demos and local runs. It is
// registered only when demo mode is enabled, and it behaves like a real
// backend: it validates input, keeps state, and can be told to fail.
//
// Connection config knobs:
//
//	fail_ops:      list of operation names that return a vendor error
//	reject_titles: ticket summaries the backend refuses
//	delay:         duration added to every call (honours cancellation)
package simulated

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"rallypoint/internal/adapter"
	"rallypoint/internal/domain"
	"rallypoint/internal/fault"
)

const Name = "simulated"

var ticketStatuses = []string{"todo", "in_progress", "done"}

type Vendor struct {
	adapter.Unsupported

	mu       sync.Mutex
	seq      int
	channels map[string]adapter.ChannelInfo
	messages map[string][]string
	tickets  map[string]string
	events   map[string]adapter.EventRequest
}

func New() *Vendor {
	return &Vendor{
		Unsupported: adapter.Unsupported{Vendor: Name},
		channels:    make(map[string]adapter.ChannelInfo),
		messages:    make(map[string][]string),
		tickets:     make(map[string]string),
		events:      make(map[string]adapter.EventRequest),
	}
}

func (*Vendor) Name() string { return Name }

func (*Vendor) Capabilities() []string {
	return []string{domain.IntegrationChat, domain.IntegrationTicketing, domain.IntegrationCalendar, domain.IntegrationDirectory}
}

// enter applies the configured delay and failure injection for op.
func enter(ctx context.Context, s adapter.Session, op string) error {
	if d, err := time.ParseDuration(s.ConfigString("delay")); err == nil && d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if s.Credentials.FirstField("token", "access_token", "api_token") == "" {
		return fault.AuthenticationError{Vendor: Name, Reason: "credentials missing token"}
	}
	for _, failing := range s.ConfigStrings("fail_ops") {
		if failing == op {
			return fault.VendorAPIError{Vendor: Name, Op: op, Status: 503, Message: "injected failure"}
		}
	}
	return ctx.Err()
}

func (v *Vendor) next(prefix string) string {
	v.seq++
	return fmt.Sprintf("%s-%d", prefix, v.seq)
}

func (v *Vendor) Probe(ctx context.Context, s adapter.Session) error {
	return enter(ctx, s, adapter.OpProbe)
}

func (v *Vendor) CreateChannel(ctx context.Context, s adapter.Session, req adapter.ChannelRequest) (adapter.Channel, error) {
	if err := fault.Validate(req); err != nil {
		return adapter.Channel{}, err
	}
	if err := enter(ctx, s, adapter.OpCreateChannel); err != nil {
		return adapter.Channel{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.next("C")
	v.channels[id] = adapter.ChannelInfo{ID: id, Name: req.Name, Private: req.Private, Members: len(req.Members)}
	return adapter.Channel{ID: id, Name: req.Name}, nil
}

func (v *Vendor) PostMessage(ctx context.Context, s adapter.Session, msg adapter.Message) (string, error) {
	if err := fault.Validate(msg); err != nil {
		return "", err
	}
	if err := enter(ctx, s, adapter.OpPostMessage); err != nil {
		return "", err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.channels[msg.ChannelID]; !ok && !strings.HasPrefix(msg.ChannelID, "U") {
		return "", fault.VendorAPIError{Vendor: Name, Op: adapter.OpPostMessage, Status: 404, Message: "channel_not_found"}
	}
	v.messages[msg.ChannelID] = append(v.messages[msg.ChannelID], msg.Text)
	return v.next("M"), nil
}

func (v *Vendor) CreateTickets(ctx context.Context, s adapter.Session, tickets []adapter.Ticket) (adapter.TicketBatch, error) {
	if err := enter(ctx, s, adapter.OpCreateTickets); err != nil {
		return adapter.TicketBatch{}, err
	}
	rejected := s.ConfigStrings("reject_titles")
	return adapter.CreateEach(ctx, tickets, func(ctx context.Context, t adapter.Ticket) (adapter.TicketOutcome, error) {
		for _, r := range rejected {
			if strings.EqualFold(r, t.Summary) {
				return adapter.TicketOutcome{}, fault.VendorAPIError{Vendor: Name, Op: adapter.OpCreateTickets, Status: 400, Message: "summary rejected"}
			}
		}
		v.mu.Lock()
		defer v.mu.Unlock()
		v.seq++
		key := fmt.Sprintf("%s-%d", strings.ToUpper(t.Project), v.seq)
		v.tickets[key] = ticketStatuses[0]
		return adapter.TicketOutcome{Key: key, URL: "sim://tickets/" + key}, nil
	})
}

func (v *Vendor) UpdateTicketStatus(ctx context.Context, s adapter.Session, key, target string) error {
	if err := enter(ctx, s, adapter.OpUpdateTicketStatus); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.tickets[key]; !ok {
		return fault.VendorAPIError{Vendor: Name, Op: adapter.OpUpdateTicketStatus, Status: 404, Message: "ticket not found"}
	}
	status := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(target), " ", "_"))
	for _, allowed := range ticketStatuses {
		if status == allowed {
			v.tickets[key] = status
			return nil
		}
	}
	return fault.ValidationError{Field: "status", Reason: fmt.Sprintf("no transition to %q for %s (available: %s)", target, key, strings.Join(ticketStatuses, ", "))}
}

func (v *Vendor) ScheduleEvent(ctx context.Context, s adapter.Session, req adapter.EventRequest) (string, error) {
	if err := fault.Validate(req); err != nil {
		return "", err
	}
	if err := enter(ctx, s, adapter.OpScheduleEvent); err != nil {
		return "", err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.next("E")
	v.events[id] = req
	return id, nil
}

func (v *Vendor) QueryDirectory(ctx context.Context, s adapter.Session, f adapter.DirectoryFilter) ([]adapter.Person, error) {
	if err := enter(ctx, s, adapter.OpQueryDirectory); err != nil {
		return nil, err
	}
	people := []adapter.Person{
		{ID: "U-ops", Name: "Operations Lead", Email: "ops@example.com", Title: "Incident Commander"},
		{ID: "U-legal", Name: "Legal Counsel", Email: "legal@example.com", Title: "Counsel"},
		{ID: "U-comms", Name: "Comms Manager", Email: "comms@example.com", Title: "Communications"},
	}
	needle := strings.ToLower(f.Query)
	out := []adapter.Person{}
	for _, p := range people {
		if needle != "" && !strings.Contains(strings.ToLower(p.Name+" "+p.Title), needle) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (v *Vendor) QueryChannels(ctx context.Context, s adapter.Session) ([]adapter.ChannelInfo, error) {
	if err := enter(ctx, s, adapter.OpQueryChannels); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]adapter.ChannelInfo, 0, len(v.channels))
	for _, ch := range v.channels {
		out = append(out, ch)
	}
	return out, nil
}

func (v *Vendor) QueryProjects(ctx context.Context, s adapter.Session) ([]adapter.Project, error) {
	if err := enter(ctx, s, adapter.OpQueryProjects); err != nil {
		return nil, err
	}
	return []adapter.Project{{ID: "1", Key: "OPS", Name: "Operations"}, {ID: "2", Key: "SEC", Name: "Security"}}, nil
}

// Messages returns the texts posted to a channel.
func (v *Vendor) Messages(channelID string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.messages[channelID]...)
}

// TicketStatus returns the current status of a ticket, or "".
func (v *Vendor) TicketStatus(key string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tickets[key]
}
