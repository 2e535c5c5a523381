// Package gcal schedules kickoff meetings on Google Calendar.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"

	"rallypoint/internal/adapter"
	"rallypoint/internal/domain"
	"rallypoint/internal/fault"
	"rallypoint/internal/vault"
)

const (
	Name            = "gcal"
	DefaultBaseURL  = "https://www.googleapis.com/calendar/v3"
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	calendarScope   = "https://www.googleapis.com/auth/calendar.events"
)

type Vendor struct {
	adapter.Unsupported
}

func New() Vendor {
	return Vendor{Unsupported: adapter.Unsupported{Vendor: Name}}
}

func (Vendor) Name() string { return Name }

func (Vendor) Capabilities() []string {
	return []string{domain.IntegrationCalendar}
}

// tokenSource builds a token source from the stored credentials. OAuth tokens
// with a refresh token and client secret refresh themselves; service accounts
// use the two-legged JWT flow.
func tokenSource(ctx context.Context, s adapter.Session) (oauth2.TokenSource, error) {
	c := s.Credentials
	tokenURL := c.Field("token_uri")
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	if s.HTTP != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.HTTP)
	}
	switch c.Type {
	case vault.TypeServiceAccount:
		email, err := adapter.RequireToken(Name, s, "client_email")
		if err != nil {
			return nil, err
		}
		key, err := adapter.RequireToken(Name, s, "private_key")
		if err != nil {
			return nil, err
		}
		cfg := &jwt.Config{
			Email:      email,
			PrivateKey: []byte(key),
			Scopes:     []string{calendarScope},
			TokenURL:   tokenURL,
			Subject:    c.Field("subject"),
		}
		return cfg.TokenSource(ctx), nil
	default:
		access := c.Field("access_token")
		refresh := c.Field("refresh_token")
		if access == "" && refresh == "" {
			return nil, fault.AuthenticationError{Vendor: Name, Reason: "credentials missing access_token or refresh_token"}
		}
		tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, TokenType: "Bearer"}
		if exp := c.Field("expiry"); exp != "" {
			if t, err := time.Parse(time.RFC3339, exp); err == nil {
				tok.Expiry = t
			}
		}
		clientID, secret := c.Field("client_id"), c.Field("client_secret")
		if refresh == "" || clientID == "" {
			return oauth2.StaticTokenSource(tok), nil
		}
		cfg := &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: secret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
			Scopes:       []string{calendarScope},
		}
		return cfg.TokenSource(ctx, tok), nil
	}
}

func open(ctx context.Context, s adapter.Session) (*http.Client, string, error) {
	ts, err := tokenSource(ctx, s)
	if err != nil {
		return nil, "", err
	}
	return adapter.TokenClient(ctx, s, ts), adapter.BaseURL(s, DefaultBaseURL), nil
}

func calendarID(s adapter.Session) string {
	if id := s.ConfigString("calendar_id"); id != "" {
		return id
	}
	return "primary"
}

func (Vendor) Probe(ctx context.Context, s adapter.Session) error {
	client, base, err := open(ctx, s)
	if err != nil {
		return err
	}
	var res struct {
		ID string `json:"id"`
	}
	err = adapter.DoJSON(ctx, client, adapter.Request{Vendor: Name, Op: adapter.OpProbe, URL: base + "/calendars/" + url.PathEscape(calendarID(s))}, &res)
	return unwrapTokenErr(err)
}

type eventTime struct {
	DateTime string `json:"dateTime"`
}

type attendee struct {
	Email string `json:"email"`
}

func (Vendor) ScheduleEvent(ctx context.Context, s adapter.Session, req adapter.EventRequest) (string, error) {
	if err := fault.Validate(req); err != nil {
		return "", err
	}
	client, base, err := open(ctx, s)
	if err != nil {
		return "", err
	}
	body := map[string]any{
		"summary": req.Summary,
		"start":   eventTime{DateTime: req.Start.UTC().Format(time.RFC3339)},
		"end":     eventTime{DateTime: req.End.UTC().Format(time.RFC3339)},
	}
	if req.Description != "" {
		body["description"] = req.Description
	}
	if req.Location != "" {
		body["location"] = req.Location
	}
	if len(req.Attendees) > 0 {
		list := make([]attendee, 0, len(req.Attendees))
		for _, a := range req.Attendees {
			list = append(list, attendee{Email: a})
		}
		body["attendees"] = list
	}
	var created struct {
		ID       string `json:"id"`
		HTMLLink string `json:"htmlLink"`
	}
	u := fmt.Sprintf("%s/calendars/%s/events?sendUpdates=all", base, url.PathEscape(calendarID(s)))
	if err := adapter.DoJSON(ctx, client, adapter.Request{Vendor: Name, Op: adapter.OpScheduleEvent, Method: http.MethodPost, URL: u, Body: body}, &created); err != nil {
		return "", unwrapTokenErr(err)
	}
	return created.ID, nil
}

// unwrapTokenErr reports a failed token refresh as an authentication problem
// instead of a transport error.
func unwrapTokenErr(err error) error {
	if err == nil {
		return nil
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return fault.AuthenticationError{Vendor: Name, Reason: err.Error()}
	}
	return err
}
