package vault

import (
	"encoding/json"
	"fmt"

	"rallypoint/internal/fault"
)

const redacted = "[REDACTED]"

// Credentials is the decrypted form of a stored blob. It redacts itself when
// formatted or marshalled so it cannot leak through logs or API responses.
type Credentials struct {
	Type string
	Data map[string]any
}

type wireCredentials struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Validate checks the credential type and that data is present.
func (c Credentials) Validate() error {
	switch c.Type {
	case TypeOAuth, TypeAPIKey, TypeServiceAccount:
	case "":
		return fault.AuthenticationError{Reason: "credential type is required"}
	default:
		return fault.ValidationError{Field: "credentials.type", Reason: fmt.Sprintf("unsupported credential type %q", c.Type)}
	}
	if len(c.Data) == 0 {
		return fault.AuthenticationError{Reason: "credential data is empty"}
	}
	return nil
}

// Field returns a string value from Data, or "" when absent or not a string.
func (c Credentials) Field(key string) string {
	if c.Data == nil {
		return ""
	}
	s, _ := c.Data[key].(string)
	return s
}

// FirstField returns the first non-empty string among keys.
func (c Credentials) FirstField(keys ...string) string {
	for _, k := range keys {
		if v := c.Field(k); v != "" {
			return v
		}
	}
	return ""
}

// Wipe drops every data entry. Callers defer it once a call no longer needs
// the decrypted copy.
func (c *Credentials) Wipe() {
	for k := range c.Data {
		delete(c.Data, k)
	}
	c.Data = nil
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{type=%s, data=%s}", c.Type, redacted)
}

func (c Credentials) GoString() string {
	return c.String()
}

func (c Credentials) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"type": c.Type, "data": redacted})
}
