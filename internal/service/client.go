package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/whisper/session-index/internal/protocol"
)

// Requester sends one request and returns the raw reply.
// *messaging.NATSClient satisfies it.
type Requester interface {
	Request(msgType string, data []byte, timeout time.Duration) ([]byte, error)
}

// RemoteError is an ErrorMsg returned by the service.
type RemoteError struct {
	Code    string
	Message string
	// RetryAfter is set for rate_limited errors.
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("service: %s: %s", e.Code, e.Message)
}

// Client calls a remote Server.
type Client struct {
	r       Requester
	timeout time.Duration
}

// NewClient creates a Client. A zero timeout uses the requester's default.
func NewClient(r Requester, timeout time.Duration) *Client {
	return &Client{r: r, timeout: timeout}
}

// Lookup returns the user bound to token.
func (c *Client) Lookup(token string) (int64, bool, error) {
	var res protocol.LookupResultMsg
	if err := c.call(protocol.TypeLookup, protocol.LookupMsg{Token: token}, protocol.TypeLookupResult, &res); err != nil {
		return 0, false, err
	}
	return res.UserID, res.Found, nil
}

// Bind binds token to userID.
func (c *Client) Bind(token string, userID int64) error {
	return c.call(protocol.TypeBind, protocol.BindMsg{Token: token, UserID: userID}, protocol.TypeOK, nil)
}

// Unbind removes token's binding to userID.
func (c *Client) Unbind(token string, userID int64) error {
	return c.call(protocol.TypeUnbind, protocol.UnbindMsg{Token: token, UserID: userID}, protocol.TypeOK, nil)
}

// Touch refreshes token's recency.
func (c *Client) Touch(token string, userID int64) error {
	return c.call(protocol.TypeTouch, protocol.TouchMsg{Token: token, UserID: userID}, protocol.TypeOK, nil)
}

// List returns the user's sessions, most recent first.
func (c *Client) List(userID int64) ([]protocol.SessionEntry, error) {
	var res protocol.ListResultMsg
	if err := c.call(protocol.TypeList, protocol.ListMsg{UserID: userID}, protocol.TypeListResult, &res); err != nil {
		return nil, err
	}
	return res.Sessions, nil
}

// RevokeUser unbinds all of the user's sessions.
func (c *Client) RevokeUser(userID int64) (int, error) {
	var res protocol.RevokeResultMsg
	if err := c.call(protocol.TypeRevokeUser, protocol.RevokeUserMsg{UserID: userID}, protocol.TypeRevokeResult, &res); err != nil {
		return 0, err
	}
	return res.Removed, nil
}

// Count returns the number of live sessions.
func (c *Client) Count() (int64, error) {
	var res protocol.CountResultMsg
	if err := c.call(protocol.TypeCount, protocol.CountMsg{}, protocol.TypeCountResult, &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (c *Client) call(msgType string, req interface{}, wantType string, out interface{}) error {
	data, err := protocol.NewMessage(msgType, req)
	if err != nil {
		return err
	}
	reply, err := c.r.Request(msgType, data, c.timeout)
	if err != nil {
		return err
	}

	var env protocol.Envelope
	if err := json.Unmarshal(reply, &env); err != nil {
		return fmt.Errorf("service: decode %s reply: %w", msgType, err)
	}
	switch env.Type {
	case protocol.TypeError:
		var e protocol.ErrorMsg
		if err := json.Unmarshal(env.Raw, &e); err != nil {
			return fmt.Errorf("service: decode error reply: %w", err)
		}
		return &RemoteError{
			Code:       e.Code,
			Message:    e.Message,
			RetryAfter: time.Duration(e.RetryAfterMs) * time.Millisecond,
		}
	case wantType:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(env.Raw, out); err != nil {
			return fmt.Errorf("service: decode %s reply: %w", msgType, err)
		}
		return nil
	default:
		return fmt.Errorf("service: %s: unexpected reply type %q", msgType, env.Type)
	}
}
