package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store binds session tokens to user ids in Redis. It holds no mutable state
// of its own; concurrency control is MULTI/EXEC on the server, plus WATCH
// for RevokeUser.
type Store struct {
	client     redis.UniversalClient
	keys       Keys
	log        func(string)
	now        func() time.Time
	resolution time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the function that receives race diagnostics from Unbind
// and RevokeUser. The default discards them.
func WithLogger(log func(msg string)) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source used for recency scores.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithResolution sets the unit of recency scores. The default is one
// second, so scores are Unix timestamps.
func WithResolution(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.resolution = d
		}
	}
}

// WithKeyPrefix prepends prefix to every key the Store touches.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.keys = NewKeys(prefix)
	}
}

// NewStore creates a Store on top of an existing Redis client. Connection
// management stays with the client.
func NewStore(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:     client,
		keys:       NewKeys(""),
		log:        func(string) {},
		now:        time.Now,
		resolution: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Keys returns the key layout used by the Store.
func (s *Store) Keys() Keys {
	return s.keys
}

func (s *Store) score() float64 {
	return float64(s.now().UnixNano() / int64(s.resolution))
}

// Lookup returns the user bound to token. found is false when the token is
// not bound. A stored value that is not a canonical positive integer yields
// a *DataIntegrityError.
func (s *Store) Lookup(ctx context.Context, token string) (userID int64, found bool, err error) {
	val, err := s.client.HGet(ctx, s.keys.Tokens(), token).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	userID, err = ParseUserID(val)
	if err != nil {
		return 0, false, &DataIntegrityError{Value: val}
	}
	return userID, true, nil
}

// Bind writes the token's entries in all three structures in one
// transaction. The token -> user entry is created with HSETNX; if it already
// existed, Bind returns an *UnexpectedReplyError. The recency sets have
// been written by then and are not rolled back.
func (s *Store) Bind(ctx context.Context, token string, userID int64) error {
	if userID <= 0 {
		return ErrInvalidUserID
	}

	z := redis.Z{Score: s.score(), Member: token}
	userKey := s.keys.User(userID)

	var (
		globalAdd *redis.IntCmd
		create    *redis.BoolCmd
		userAdd   *redis.IntCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		globalAdd = pipe.ZAdd(ctx, s.keys.Global(), z)
		create = pipe.HSetNX(ctx, s.keys.Tokens(), token, FormatUserID(userID))
		userAdd = pipe.ZAdd(ctx, userKey, z)
		return nil
	})
	if err != nil {
		return err
	}

	replies := []Reply{
		{Command: "ZADD", Key: s.keys.Global(), Outcome: zaddOutcome(globalAdd.Val())},
		{Command: "HSETNX", Key: s.keys.Tokens(), Outcome: hsetnxOutcome(create.Val())},
		{Command: "ZADD", Key: userKey, Outcome: zaddOutcome(userAdd.Val())},
	}
	for _, r := range replies {
		if !bindAccepted(r) {
			return &UnexpectedReplyError{Op: "bind", Replies: replies}
		}
	}
	return nil
}

// Unbind removes the token's entries from all three structures in one
// transaction. userID must be the user the caller believes the token is
// bound to. Removals that find nothing are logged and otherwise ignored:
// the session may have been revoked or unbound since the caller read it.
func (s *Store) Unbind(ctx context.Context, token string, userID int64) error {
	if userID <= 0 {
		return ErrInvalidUserID
	}

	userKey := s.keys.User(userID)

	var globalRem, del, userRem *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		globalRem = pipe.ZRem(ctx, s.keys.Global(), token)
		del = pipe.HDel(ctx, s.keys.Tokens(), token)
		userRem = pipe.ZRem(ctx, userKey, token)
		return nil
	})
	if err != nil {
		return err
	}

	replies := []Reply{
		{Command: "ZREM", Key: s.keys.Global(), Outcome: removeOutcome(globalRem.Val())},
		{Command: "HDEL", Key: s.keys.Tokens(), Outcome: removeOutcome(del.Val())},
		{Command: "ZREM", Key: userKey, Outcome: removeOutcome(userRem.Val())},
	}
	if !allRemoved(replies) {
		s.log("session was deleted between request start and end: " + formatReplies(replies))
	}
	return nil
}

// Touch refreshes the token's recency scores. Entries are only updated,
// never created, so touching an unbound token does nothing.
func (s *Store) Touch(ctx context.Context, token string, userID int64) error {
	if userID <= 0 {
		return ErrInvalidUserID
	}

	z := redis.Z{Score: s.score(), Member: token}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddXX(ctx, s.keys.Global(), z)
		pipe.ZAddXX(ctx, s.keys.User(userID), z)
		return nil
	})
	return err
}

// Entry is one of a user's sessions.
type Entry struct {
	Token    string
	LastSeen float64 // recency score, in units of the Store's resolution
}

// UserSessions lists the user's tokens, most recently touched first.
func (s *Store) UserSessions(ctx context.Context, userID int64) ([]Entry, error) {
	if userID <= 0 {
		return nil, ErrInvalidUserID
	}

	zs, err := s.client.ZRevRangeWithScores(ctx, s.keys.User(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		token, ok := z.Member.(string)
		if !ok {
			return nil, fmt.Errorf("session: unexpected member type %T", z.Member)
		}
		entries = append(entries, Entry{Token: token, LastSeen: z.Score})
	}
	return entries, nil
}

// revokeAttempts bounds how often RevokeUser retries after a concurrent
// write to the user's recency set aborted its transaction.
const revokeAttempts = 10

// RevokeUser unbinds every session in the user's recency set and returns
// the number of bindings removed. The set is read and trimmed under WATCH,
// so a concurrent unbind or rebind of one of its tokens restarts the revoke.
// Only tokens the map still binds to userID lose their map and global
// entries; a stale recency entry for another user's token is only dropped
// from this user's set.
func (s *Store) RevokeUser(ctx context.Context, userID int64) (int, error) {
	if userID <= 0 {
		return 0, ErrInvalidUserID
	}

	userKey := s.keys.User(userID)
	for attempt := 0; attempt < revokeAttempts; attempt++ {
		var removed int
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := s.revokeWatched(ctx, tx, userKey, userID)
			removed = n
			return err
		}, userKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return removed, nil
	}
	return 0, ErrRevokeContended
}

func (s *Store) revokeWatched(ctx context.Context, tx *redis.Tx, userKey string, userID int64) (int, error) {
	tokens, err := tx.ZRange(ctx, userKey, 0, -1).Result()
	if err != nil || len(tokens) == 0 {
		return 0, err
	}
	owners, err := tx.HMGet(ctx, s.keys.Tokens(), tokens...).Result()
	if err != nil {
		return 0, err
	}

	want := FormatUserID(userID)
	var owned, stale []string
	for i, token := range tokens {
		if v, ok := owners[i].(string); ok && v == want {
			owned = append(owned, token)
		} else {
			stale = append(stale, token)
		}
	}

	var globalRem, del *redis.IntCmd
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(owned) > 0 {
			globalRem = pipe.ZRem(ctx, s.keys.Global(), members(owned)...)
			del = pipe.HDel(ctx, s.keys.Tokens(), owned...)
		}
		pipe.ZRem(ctx, userKey, members(tokens)...)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(stale) > 0 {
		s.log(fmt.Sprintf("sessions of user %d changed during revoke: not bound to user: %v", userID, stale))
	}
	if len(owned) == 0 {
		return 0, nil
	}
	n := int64(len(owned))
	if globalRem.Val() != n || del.Val() != n {
		s.log(fmt.Sprintf("sessions of user %d changed during revoke: owned=%d zrem=%d hdel=%d",
			userID, n, globalRem.Val(), del.Val()))
	}
	return int(del.Val()), nil
}

func members(tokens []string) []interface{} {
	out := make([]interface{}, len(tokens))
	for i, t := range tokens {
		out[i] = t
	}
	return out
}

// Count returns the number of live sessions.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.keys.Global()).Result()
}
