package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"rallypoint/internal/fault"
)

const maxErrorBody = 4096

// Request describes one JSON call against a vendor REST API.
type Request struct {
	Vendor string
	Op     string
	Method string
	URL    string
	Header http.Header
	Body   any
}

// DoJSON sends req and decodes a 2xx response body into out (when non-nil).
// 401/403 become AuthenticationError, other non-2xx become VendorAPIError.
func DoJSON(ctx context.Context, client *http.Client, req Request, out any) error {
	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("marshal %s %s body: %w", req.Vendor, req.Op, err)
		}
		body = bytes.NewReader(data)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Vendor, req.Op, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		msg := strings.TrimSpace(string(bodyBytes))
		if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
			return fault.AuthenticationError{Vendor: req.Vendor, Reason: fmt.Sprintf("status %d: %s", res.StatusCode, msg)}
		}
		return fault.VendorAPIError{Vendor: req.Vendor, Op: req.Op, Status: res.StatusCode, Message: msg}
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil && err != io.EOF {
		return fault.VendorAPIError{Vendor: req.Vendor, Op: req.Op, Status: res.StatusCode, Message: "malformed response: " + err.Error()}
	}
	return nil
}

// TokenClient returns an HTTP client that attaches tokens from ts, layered
// over the session's base client.
func TokenClient(ctx context.Context, s Session, ts oauth2.TokenSource) *http.Client {
	if s.HTTP != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.HTTP)
	}
	return oauth2.NewClient(ctx, ts)
}

// BearerClient returns a client sending a static bearer token.
func BearerClient(ctx context.Context, s Session, token string) *http.Client {
	return TokenClient(ctx, s, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
}

// RequireToken returns the first non-empty credential field among keys, or an
// AuthenticationError naming the vendor.
func RequireToken(vendor string, s Session, keys ...string) (string, error) {
	tok := s.Credentials.FirstField(keys...)
	if tok == "" {
		return "", fault.AuthenticationError{Vendor: vendor, Reason: fmt.Sprintf("credentials missing %s", strings.Join(keys, " or "))}
	}
	return tok, nil
}

// BaseURL picks the session override or the vendor default, without trailing slash.
func BaseURL(s Session, fallback string) string {
	base := s.BaseURL
	if base == "" {
		base = fallback
	}
	return strings.TrimRight(base, "/")
}
