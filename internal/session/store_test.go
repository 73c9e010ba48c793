package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// logRecorder collects race diagnostics emitted by the store.
type logRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (l *logRecorder) log(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *logRecorder) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.msgs...)
}

// newTestStore starts an in-process Redis and returns a store bound to it.
func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, opts...), mr, client
}

func zcard(t *testing.T, client *redis.Client, key string) int64 {
	t.Helper()
	n, err := client.ZCard(context.Background(), key).Result()
	require.NoError(t, err)
	return n
}

func hlen(t *testing.T, client *redis.Client, key string) int64 {
	t.Helper()
	n, err := client.HLen(context.Background(), key).Result()
	require.NoError(t, err)
	return n
}

// ---------------------------------------------------------------------------
// Lookup / Bind / Unbind
// ---------------------------------------------------------------------------

func TestLookup_Missing(t *testing.T) {
	store, mr, _ := newTestStore(t)

	id, found, err := store.Lookup(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, id)
	assert.Empty(t, mr.Keys(), "lookup must not write")
}

func TestBindLookup_RoundTrip(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	for _, userID := range []int64{1, 42, 9007199254740993} {
		token := uuid.NewString()
		require.NoError(t, store.Bind(ctx, token, userID))

		got, found, err := store.Lookup(ctx, token)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, userID, got)
	}
}

func TestBind_WritesAllThreeStructures(t *testing.T) {
	now := time.Unix(1700000000, 500_000_000)
	store, mr, client := newTestStore(t, WithClock(func() time.Time { return now }))

	require.NoError(t, store.Bind(context.Background(), "tok1", 1))

	assert.Equal(t, []string{"sessions", "sessions:user", "users:1:sessions"}, mr.Keys())
	assert.Equal(t, int64(1), zcard(t, client, "sessions"))
	assert.Equal(t, int64(1), hlen(t, client, "sessions:user"))
	assert.Equal(t, int64(1), zcard(t, client, "users:1:sessions"))
	assert.Equal(t, "1", mr.HGet("sessions:user", "tok1"))

	score, err := mr.ZScore("sessions", "tok1")
	require.NoError(t, err)
	assert.Equal(t, float64(1700000000), score)
	score, err = mr.ZScore("users:1:sessions", "tok1")
	require.NoError(t, err)
	assert.Equal(t, float64(1700000000), score)
}

func TestBind_ConflictingCreateIsUnexpectedReply(t *testing.T) {
	store, mr, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Bind(ctx, "tok", 7))

	err := store.Bind(ctx, "tok", 9)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedReply))

	var replyErr *UnexpectedReplyError
	require.True(t, errors.As(err, &replyErr))
	assert.Equal(t, "bind", replyErr.Op)
	require.Len(t, replyErr.Replies, 3)
	assert.Equal(t, "HSETNX", replyErr.Replies[1].Command)
	assert.Equal(t, OutcomeNoop, replyErr.Replies[1].Outcome)

	// The existing binding is never overwritten.
	assert.Equal(t, "7", mr.HGet("sessions:user", "tok"))
	id, found, err := store.Lookup(ctx, "tok")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(7), id)
}

func TestBind_StaleHashEntryIsUnexpectedReply(t *testing.T) {
	store, mr, _ := newTestStore(t)

	mr.HSet("sessions:user", "stale", "3")

	err := store.Bind(context.Background(), "stale", 3)
	assert.True(t, errors.Is(err, ErrUnexpectedReply), "got %v", err)
}

func TestBind_RefreshedRecencyEntryIsAccepted(t *testing.T) {
	store, mr, _ := newTestStore(t)

	// A leftover recency entry is overwritten with the new score; only the
	// conditional create decides success.
	_, err := mr.ZAdd("sessions", 1, "tok")
	require.NoError(t, err)

	require.NoError(t, store.Bind(context.Background(), "tok", 5))
	assert.Equal(t, "5", mr.HGet("sessions:user", "tok"))
}

func TestBind_InvalidUserID(t *testing.T) {
	store, mr, _ := newTestStore(t)

	for _, id := range []int64{0, -1} {
		err := store.Bind(context.Background(), "tok", id)
		assert.ErrorIs(t, err, ErrInvalidUserID)
	}
	assert.Empty(t, mr.Keys())
}

func TestUnbind_RemovesAllThree(t *testing.T) {
	logs := &logRecorder{}
	store, _, client := newTestStore(t, WithLogger(logs.log))
	ctx := context.Background()

	require.NoError(t, store.Bind(ctx, "tok", 4))
	require.NoError(t, store.Unbind(ctx, "tok", 4))

	_, found, err := store.Lookup(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, zcard(t, client, "sessions"))
	assert.Zero(t, zcard(t, client, "users:4:sessions"))
	assert.Empty(t, logs.messages(), "clean unbind must not log")
}

func TestUnbind_TwiceSucceedsAndLogs(t *testing.T) {
	logs := &logRecorder{}
	store, _, _ := newTestStore(t, WithLogger(logs.log))
	ctx := context.Background()

	require.NoError(t, store.Bind(ctx, "tok", 4))
	require.NoError(t, store.Unbind(ctx, "tok", 4))
	require.NoError(t, store.Unbind(ctx, "tok", 4))

	msgs := logs.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "deleted between request start and end")
	assert.Contains(t, msgs[0], "HDEL sessions:user=noop")
}

func TestUnbind_WrongUserRemovesWhatItCan(t *testing.T) {
	logs := &logRecorder{}
	store, _, client := newTestStore(t, WithLogger(logs.log))
	ctx := context.Background()

	require.NoError(t, store.Bind(ctx, "tok", 1))
	require.NoError(t, store.Unbind(ctx, "tok", 2))

	require.Len(t, logs.messages(), 1)
	assert.True(t, strings.Contains(logs.messages()[0], "ZREM users:2:sessions=noop"))
	assert.Zero(t, zcard(t, client, "sessions"))
}

func TestUnbind_DefaultLoggerIsSilent(t *testing.T) {
	store, _, _ := newTestStore(t)
	require.NoError(t, store.Unbind(context.Background(), "never-bound", 1))
}

func TestLookup_CorruptedValue(t *testing.T) {
	store, mr, _ := newTestStore(t)

	for _, bad := range []string{"01", "-3", "abc", "", "+5", "1.0", " 1", "0", "99999999999999999999"} {
		mr.HSet("sessions:user", "tok", bad)

		id, found, err := store.Lookup(context.Background(), "tok")
		require.Error(t, err, "value %q", bad)
		assert.ErrorIs(t, err, ErrDataIntegrity)
		assert.False(t, found)
		assert.Zero(t, id)

		var integrity *DataIntegrityError
		require.True(t, errors.As(err, &integrity))
		assert.Equal(t, bad, integrity.Value)
	}
}

func TestTransportErrorsSurfaceUnchanged(t *testing.T) {
	store, mr, _ := newTestStore(t)
	ctx := context.Background()
	mr.SetError("ERR injected failure")

	_, _, err := store.Lookup(ctx, "tok")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDataIntegrity))
	assert.Contains(t, err.Error(), "injected failure")

	err = store.Bind(ctx, "tok", 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnexpectedReply))

	require.Error(t, store.Unbind(ctx, "tok", 1))
}

// ---------------------------------------------------------------------------
// Scenario: rebind a token to a different user
// ---------------------------------------------------------------------------

func TestScenario_RebindToAnotherUser(t *testing.T) {
	store, _, client := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Bind(ctx, "tok1", 1))
	assert.Equal(t, int64(1), zcard(t, client, "sessions"))
	assert.Equal(t, int64(1), hlen(t, client, "sessions:user"))
	assert.Equal(t, int64(1), zcard(t, client, "users:1:sessions"))

	require.NoError(t, store.Unbind(ctx, "tok1", 1))
	require.NoError(t, store.Bind(ctx, "tok1", 2))

	id, found, err := store.Lookup(ctx, "tok1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), id)
	assert.Zero(t, zcard(t, client, "users:1:sessions"))
	assert.Equal(t, int64(1), zcard(t, client, "users:2:sessions"))
	assert.Equal(t, int64(1), zcard(t, client, "sessions"))
}

func TestExclusivity_TriadInLockStep(t *testing.T) {
	store, mr, _ := newTestStore(t)
	ctx := context.Background()

	bound := map[string]int64{}
	for i := int64(1); i <= 20; i++ {
		token := uuid.NewString()
		user := i%3 + 1
		require.NoError(t, store.Bind(ctx, token, user))
		bound[token] = user
	}
	n := 0
	for token, user := range bound {
		if n%2 == 0 {
			require.NoError(t, store.Unbind(ctx, token, user))
			delete(bound, token)
		}
		n++
	}

	global, err := mr.ZMembers("sessions")
	require.NoError(t, err)
	assert.Len(t, global, len(bound))
	fields, err := mr.HKeys("sessions:user")
	require.NoError(t, err)
	assert.Len(t, fields, len(bound))

	for token, user := range bound {
		assert.Equal(t, FormatUserID(user), mr.HGet("sessions:user", token))
		for other := int64(1); other <= 3; other++ {
			_, err := mr.ZScore(NewKeys("").User(other), token)
			if other == user {
				assert.NoError(t, err, "token missing from its user set")
			} else {
				assert.Error(t, err, "token present in foreign user set")
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

func TestWithKeyPrefix(t *testing.T) {
	store, mr, _ := newTestStore(t, WithKeyPrefix("app:"))

	require.NoError(t, store.Bind(context.Background(), "tok", 3))
	assert.Equal(t, []string{"app:sessions", "app:sessions:user", "app:users:3:sessions"}, mr.Keys())
}

func TestWithResolution(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	store, mr, _ := newTestStore(t,
		WithClock(func() time.Time { return now }),
		WithResolution(time.Millisecond),
	)

	require.NoError(t, store.Bind(context.Background(), "tok", 3))
	score, err := mr.ZScore("sessions", "tok")
	require.NoError(t, err)
	assert.Equal(t, float64(1700000000123), score)
}

// ---------------------------------------------------------------------------
// Touch / UserSessions / RevokeUser / Count
// ---------------------------------------------------------------------------

func TestTouch_RefreshesScores(t *testing.T) {
	now := time.Unix(100, 0)
	store, mr, _ := newTestStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, store.Bind(ctx, "tok", 8))
	now = time.Unix(250, 0)
	require.NoError(t, store.Touch(ctx, "tok", 8))

	for _, key := range []string{"sessions", "users:8:sessions"} {
		score, err := mr.ZScore(key, "tok")
		require.NoError(t, err)
		assert.Equal(t, float64(250), score, key)
	}
}

func TestTouch_NeverCreates(t *testing.T) {
	store, mr, _ := newTestStore(t)

	require.NoError(t, store.Touch(context.Background(), "ghost", 8))
	assert.Empty(t, mr.Keys())
}

func TestUserSessions_MostRecentFirst(t *testing.T) {
	now := time.Unix(10, 0)
	store, _, _ := newTestStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, store.Bind(ctx, "old", 5))
	now = time.Unix(20, 0)
	require.NoError(t, store.Bind(ctx, "new", 5))
	require.NoError(t, store.Bind(ctx, "other-user", 6))

	entries, err := store.UserSessions(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Token: "new", LastSeen: 20}, {Token: "old", LastSeen: 10}}, entries)

	entries, err = store.UserSessions(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRevokeUser(t *testing.T) {
	logs := &logRecorder{}
	store, _, client := newTestStore(t, WithLogger(logs.log))
	ctx := context.Background()

	for _, tok := range []string{"a", "b", "c"} {
		require.NoError(t, store.Bind(ctx, tok, 1))
	}
	require.NoError(t, store.Bind(ctx, "keep", 2))

	removed, err := store.RevokeUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Empty(t, logs.messages())

	assert.Zero(t, zcard(t, client, "users:1:sessions"))
	assert.Equal(t, int64(1), zcard(t, client, "sessions"))
	id, found, err := store.Lookup(ctx, "keep")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), id)

	removed, err = store.RevokeUser(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRevokeUser_PartialTriadIsLogged(t *testing.T) {
	logs := &logRecorder{}
	store, mr, client := newTestStore(t, WithLogger(logs.log))

	_, err := mr.ZAdd("users:1:sessions", 1, "orphan")
	require.NoError(t, err)

	removed, err := store.RevokeUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Zero(t, zcard(t, client, "users:1:sessions"))
	require.Len(t, logs.messages(), 1)
	assert.Contains(t, logs.messages()[0], "changed during revoke")
}

func TestRevokeUser_KeepsOtherUsersBinding(t *testing.T) {
	logs := &logRecorder{}
	store, mr, client := newTestStore(t, WithLogger(logs.log))
	ctx := context.Background()

	require.NoError(t, store.Bind(ctx, "mine", 1))
	require.NoError(t, store.Bind(ctx, "theirs", 2))
	// Leftover recency entry: the map binds "theirs" to user 2.
	_, err := mr.ZAdd("users:1:sessions", 1, "theirs")
	require.NoError(t, err)

	removed, err := store.RevokeUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	require.Len(t, logs.messages(), 1)

	id, found, err := store.Lookup(ctx, "theirs")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), id)
	assert.Equal(t, int64(1), zcard(t, client, "sessions"))
	assert.Equal(t, int64(1), zcard(t, client, "users:2:sessions"))
	assert.Zero(t, zcard(t, client, "users:1:sessions"))
}

// afterCommand runs fn once, right after the first command called name
// has been answered.
type afterCommand struct {
	name string
	once sync.Once
	fn   func()
}

func (h *afterCommand) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *afterCommand) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if cmd.Name() == h.name {
			h.once.Do(h.fn)
		}
		return err
	}
}

func (h *afterCommand) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRevokeUser_RebindDuringRevoke(t *testing.T) {
	store, mr, client := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Bind(ctx, "tok1", 1))

	otherClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { otherClient.Close() })
	other := NewStore(otherClient)

	// Between the revoke's read and its transaction, another caller moves
	// tok1 from user 1 to user 2.
	client.AddHook(&afterCommand{name: "zrange", fn: func() {
		require.NoError(t, other.Unbind(ctx, "tok1", 1))
		require.NoError(t, other.Bind(ctx, "tok1", 2))
	}})

	removed, err := store.RevokeUser(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, removed)

	id, found, err := store.Lookup(ctx, "tok1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), id)
	assert.Equal(t, int64(1), zcard(t, client, "sessions"))
	assert.Equal(t, int64(1), zcard(t, client, "users:2:sessions"))
	assert.Zero(t, zcard(t, client, "users:1:sessions"))
}

func TestCount(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, store.Bind(ctx, "x", 1))
	require.NoError(t, store.Bind(ctx, "y", 2))
	n, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
