package session

import "strconv"

const (
	// GlobalKey is the sorted set holding every live token.
	GlobalKey = "sessions"

	// TokensKey is the hash mapping token -> user id.
	TokensKey = "sessions:user"

	userKeyPrefix = "users:"
	userKeySuffix = ":sessions"
)

// Keys resolves the Redis key names used by a Store.
type Keys struct {
	prefix string
}

// NewKeys returns the key layout with prefix prepended to every key.
func NewKeys(prefix string) Keys {
	return Keys{prefix: prefix}
}

// Global returns the global recency set key.
func (k Keys) Global() string {
	return k.prefix + GlobalKey
}

// Tokens returns the token -> user hash key.
func (k Keys) Tokens() string {
	return k.prefix + TokensKey
}

// User returns the recency set key for userID.
func (k Keys) User(userID int64) string {
	return k.prefix + userKeyPrefix + strconv.FormatInt(userID, 10) + userKeySuffix
}
