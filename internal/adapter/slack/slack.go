// Package slack talks to the Slack Web API for channels, messages and the
// workspace member directory.
package slack

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"rallypoint/internal/adapter"
	"rallypoint/internal/domain"
	"rallypoint/internal/fault"
)

const (
	Name           = "slack"
	DefaultBaseURL = "https://slack.com/api"
)

var tokenKeys = []string{"access_token", "bot_token", "token"}

type Vendor struct {
	adapter.Unsupported
}

func New() Vendor {
	return Vendor{Unsupported: adapter.Unsupported{Vendor: Name}}
}

func (Vendor) Name() string { return Name }

func (Vendor) Capabilities() []string {
	return []string{domain.IntegrationChat, domain.IntegrationDirectory}
}

// envelope is the common part of every Slack response. Slack reports most
// failures as HTTP 200 with ok=false.
type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (e envelope) err(op string) error {
	if e.OK {
		return nil
	}
	switch e.Error {
	case "invalid_auth", "not_authed", "token_revoked", "token_expired", "account_inactive":
		return fault.AuthenticationError{Vendor: Name, Reason: e.Error}
	}
	return fault.VendorAPIError{Vendor: Name, Op: op, Message: e.Error}
}

type call struct {
	client *http.Client
	base   string
}

func open(ctx context.Context, s adapter.Session) (call, error) {
	tok, err := adapter.RequireToken(Name, s, tokenKeys...)
	if err != nil {
		return call{}, err
	}
	return call{client: adapter.BearerClient(ctx, s, tok), base: adapter.BaseURL(s, DefaultBaseURL)}, nil
}

func (c call) post(ctx context.Context, op, method string, body any, out interface{ check(string) error }) error {
	if err := adapter.DoJSON(ctx, c.client, adapter.Request{Vendor: Name, Op: op, Method: http.MethodPost, URL: c.base + "/" + method, Body: body}, out); err != nil {
		return err
	}
	return out.check(op)
}

func (c call) get(ctx context.Context, op, method string, q url.Values, out interface{ check(string) error }) error {
	u := c.base + "/" + method
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	if err := adapter.DoJSON(ctx, c.client, adapter.Request{Vendor: Name, Op: op, URL: u}, out); err != nil {
		return err
	}
	return out.check(op)
}

func (e *envelope) check(op string) error { return e.err(op) }

func (Vendor) Probe(ctx context.Context, s adapter.Session) error {
	c, err := open(ctx, s)
	if err != nil {
		return err
	}
	var res envelope
	return c.post(ctx, adapter.OpProbe, "auth.test", struct{}{}, &res)
}

var invalidChannelChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// ChannelName lowercases and replaces characters Slack rejects in channel names.
func ChannelName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = invalidChannelChars.ReplaceAllString(n, "-")
	n = strings.Trim(n, "-")
	if len(n) > 80 {
		n = n[:80]
	}
	return n
}

func (Vendor) CreateChannel(ctx context.Context, s adapter.Session, req adapter.ChannelRequest) (adapter.Channel, error) {
	if err := fault.Validate(req); err != nil {
		return adapter.Channel{}, err
	}
	name := ChannelName(req.Name)
	if name == "" {
		return adapter.Channel{}, fault.ValidationError{Field: "name", Reason: "channel name has no usable characters"}
	}
	c, err := open(ctx, s)
	if err != nil {
		return adapter.Channel{}, err
	}
	var created struct {
		envelope
		Channel struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"channel"`
	}
	if err := c.post(ctx, adapter.OpCreateChannel, "conversations.create", map[string]any{"name": name, "is_private": req.Private}, &created); err != nil {
		return adapter.Channel{}, err
	}
	ch := adapter.Channel{ID: created.Channel.ID, Name: created.Channel.Name}
	if len(req.Members) > 0 {
		var res envelope
		if err := c.post(ctx, adapter.OpCreateChannel, "conversations.invite", map[string]any{"channel": ch.ID, "users": strings.Join(req.Members, ",")}, &res); err != nil {
			return ch, err
		}
	}
	if req.Topic != "" {
		var res envelope
		if err := c.post(ctx, adapter.OpCreateChannel, "conversations.setTopic", map[string]any{"channel": ch.ID, "topic": req.Topic}, &res); err != nil {
			return ch, err
		}
	}
	return ch, nil
}

func (Vendor) PostMessage(ctx context.Context, s adapter.Session, msg adapter.Message) (string, error) {
	if err := fault.Validate(msg); err != nil {
		return "", err
	}
	c, err := open(ctx, s)
	if err != nil {
		return "", err
	}
	body := map[string]any{"channel": msg.ChannelID, "text": msg.Text}
	if msg.ThreadRef != "" {
		body["thread_ts"] = msg.ThreadRef
	}
	var res struct {
		envelope
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	}
	if err := c.post(ctx, adapter.OpPostMessage, "chat.postMessage", body, &res); err != nil {
		return "", err
	}
	return res.TS, nil
}

func (Vendor) QueryDirectory(ctx context.Context, s adapter.Session, f adapter.DirectoryFilter) ([]adapter.Person, error) {
	c, err := open(ctx, s)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("limit", "200")
	var res struct {
		envelope
		Members []struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			RealName string `json:"real_name"`
			Deleted  bool   `json:"deleted"`
			IsBot    bool   `json:"is_bot"`
			Profile  struct {
				Email string `json:"email"`
				Title string `json:"title"`
			} `json:"profile"`
		} `json:"members"`
	}
	if err := c.get(ctx, adapter.OpQueryDirectory, "users.list", q, &res); err != nil {
		return nil, err
	}
	needle := strings.ToLower(f.Query)
	people := []adapter.Person{}
	for _, m := range res.Members {
		if m.Deleted || m.IsBot {
			continue
		}
		name := m.RealName
		if name == "" {
			name = m.Name
		}
		p := adapter.Person{ID: m.ID, Name: name, Email: m.Profile.Email, Title: m.Profile.Title}
		if needle != "" && !strings.Contains(strings.ToLower(p.Name+" "+p.Email), needle) {
			continue
		}
		people = append(people, p)
		if f.Limit > 0 && len(people) == f.Limit {
			break
		}
	}
	return people, nil
}

func (Vendor) QueryChannels(ctx context.Context, s adapter.Session) ([]adapter.ChannelInfo, error) {
	c, err := open(ctx, s)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("types", "public_channel,private_channel")
	q.Set("exclude_archived", "true")
	var res struct {
		envelope
		Channels []struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			IsPrivate  bool   `json:"is_private"`
			NumMembers int    `json:"num_members"`
		} `json:"channels"`
	}
	if err := c.get(ctx, adapter.OpQueryChannels, "conversations.list", q, &res); err != nil {
		return nil, err
	}
	out := make([]adapter.ChannelInfo, 0, len(res.Channels))
	for _, ch := range res.Channels {
		out = append(out, adapter.ChannelInfo{ID: ch.ID, Name: ch.Name, Private: ch.IsPrivate, Members: ch.NumMembers})
	}
	return out, nil
}
