// Package protocol defines the request and response messages exchanged with
// the session service over NATS. All messages are JSON objects carrying a
// "type" discriminator, parsed in two steps through Envelope.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Request types. Each one is also the last element of its NATS subject.
const (
	TypeLookup     = "lookup"
	TypeBind       = "bind"
	TypeUnbind     = "unbind"
	TypeTouch      = "touch"
	TypeList       = "list"
	TypeRevokeUser = "revoke_user"
	TypeCount      = "count"
)

// Response and event types.
const (
	TypeLookupResult = "lookup_result"
	TypeOK           = "ok"
	TypeListResult   = "list_result"
	TypeRevokeResult = "revoke_result"
	TypeCountResult  = "count_result"
	TypeRevoked      = "revoked"
	TypeError        = "error"
)

// Error codes carried by ErrorMsg.
const (
	CodeBadRequest      = "bad_request"
	CodeInvalidUserID   = "invalid_user_id"
	CodeDataIntegrity   = "data_integrity"
	CodeUnexpectedReply = "unexpected_reply"
	CodeRateLimited     = "rate_limited"
	CodeTransport       = "transport"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the full payload and extracts only "type".
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// LookupMsg asks which user a token is bound to.
type LookupMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// BindMsg binds a fresh token to a user.
type BindMsg struct {
	Type   string `json:"type"`
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
}

// UnbindMsg removes a token's binding. UserID is the user the caller
// believes the token belongs to.
type UnbindMsg struct {
	Type   string `json:"type"`
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
}

// TouchMsg refreshes a token's recency.
type TouchMsg struct {
	Type   string `json:"type"`
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
}

// ListMsg lists a user's sessions.
type ListMsg struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

// RevokeUserMsg unbinds all of a user's sessions.
type RevokeUserMsg struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

// CountMsg asks for the number of live sessions.
type CountMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Responses and events
// ---------------------------------------------------------------------------

// LookupResultMsg answers a LookupMsg. UserID is zero when Found is false.
type LookupResultMsg struct {
	Type   string `json:"type"`
	Found  bool   `json:"found"`
	UserID int64  `json:"user_id,omitempty"`
}

// OKMsg acknowledges bind, unbind and touch.
type OKMsg struct {
	Type string `json:"type"`
}

// SessionEntry is one item of a ListResultMsg.
type SessionEntry struct {
	Token    string  `json:"token"`
	LastSeen float64 `json:"last_seen"`
}

// ListResultMsg answers a ListMsg, most recent session first.
type ListResultMsg struct {
	Type     string         `json:"type"`
	UserID   int64          `json:"user_id"`
	Sessions []SessionEntry `json:"sessions"`
}

// RevokeResultMsg answers a RevokeUserMsg.
type RevokeResultMsg struct {
	Type    string `json:"type"`
	UserID  int64  `json:"user_id"`
	Removed int    `json:"removed"`
}

// CountResultMsg answers a CountMsg.
type CountResultMsg struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// RevokedEvent is published after tokens stop being bound to a user.
type RevokedEvent struct {
	Type   string   `json:"type"`
	UserID int64    `json:"user_id"`
	Tokens []string `json:"tokens,omitempty"` // empty means every session of the user
}

// ErrorMsg reports a failed request.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	// RetryAfterMs is set on rate_limited errors: milliseconds until the
	// caller's window resets.
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseRequest parses raw request bytes into a typed request message. An
// error is returned for unknown or response-only message types, and for
// token requests without a token.
func ParseRequest(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg        interface{}
		token      string
		needsToken bool
		err        error
	)

	switch env.Type {
	case TypeLookup:
		var m LookupMsg
		err = json.Unmarshal(env.Raw, &m)
		msg, token, needsToken = m, m.Token, true
	case TypeBind:
		var m BindMsg
		err = json.Unmarshal(env.Raw, &m)
		msg, token, needsToken = m, m.Token, true
	case TypeUnbind:
		var m UnbindMsg
		err = json.Unmarshal(env.Raw, &m)
		msg, token, needsToken = m, m.Token, true
	case TypeTouch:
		var m TouchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg, token, needsToken = m, m.Token, true
	case TypeList:
		var m ListMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRevokeUser:
		var m RevokeUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCount:
		var m CountMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown request type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	if needsToken && token == "" {
		return env.Type, nil, fmt.Errorf("protocol: %q request is missing \"token\"", env.Type)
	}
	return env.Type, msg, nil
}

// NewMessage marshals payload with its "type" field forced to msgType.
func NewMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	// UseNumber keeps int64 user ids exact.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}

// NewError builds an encoded ErrorMsg. It cannot fail.
func NewError(code, message string) []byte {
	out, _ := json.Marshal(ErrorMsg{Type: TypeError, Code: code, Message: message})
	return out
}

// NewRateLimited builds an encoded rate_limited ErrorMsg telling the caller
// when to retry. A non-positive retryAfter omits the hint.
func NewRateLimited(message string, retryAfter time.Duration) []byte {
	msg := ErrorMsg{Type: TypeError, Code: CodeRateLimited, Message: message}
	if retryAfter > 0 {
		msg.RetryAfterMs = retryAfter.Milliseconds()
	}
	out, _ := json.Marshal(msg)
	return out
}
