package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDataIntegrity is matched by every *DataIntegrityError.
	ErrDataIntegrity = errors.New("session: stored user id is not a positive integer")

	// ErrInvalidUserID is returned before any command is sent when a caller
	// passes a user id <= 0.
	ErrInvalidUserID = errors.New("session: user id must be positive")

	// ErrRevokeContended is returned when the user's sessions kept changing
	// while RevokeUser ran.
	ErrRevokeContended = errors.New("session: user sessions changed on every revoke attempt")

	// ErrUnexpectedReply is matched by every *UnexpectedReplyError.
	ErrUnexpectedReply = errors.New("session: unexpected reply")
)

// DataIntegrityError reports a token -> user entry whose value does not
// parse as a user id.
type DataIntegrityError struct {
	Value string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("session: invalid user id %q", e.Value)
}

// Is lets errors.Is(err, ErrDataIntegrity) match.
func (e *DataIntegrityError) Is(target error) bool {
	return target == ErrDataIntegrity
}

// UnexpectedReplyError reports a transaction whose replies do not describe
// the mutation the caller asked for. The transaction has already been
// applied when this is returned.
type UnexpectedReplyError struct {
	Op      string
	Replies []Reply
}

func (e *UnexpectedReplyError) Error() string {
	return fmt.Sprintf("session: %s: unexpected reply: %s", e.Op, formatReplies(e.Replies))
}

// Is lets errors.Is(err, ErrUnexpectedReply) match.
func (e *UnexpectedReplyError) Is(target error) bool {
	return target == ErrUnexpectedReply
}

func formatReplies(replies []Reply) string {
	parts := make([]string, len(replies))
	for i, r := range replies {
		parts[i] = r.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}
