// Package service exposes the session store to remote callers. Requests
// arrive as protocol messages (over NATS in production), are dispatched to
// the store, and every outcome is mapped onto a protocol response.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/whisper/session-index/internal/metrics"
	"github.com/whisper/session-index/internal/protocol"
	"github.com/whisper/session-index/internal/ratelimit"
	"github.com/whisper/session-index/internal/session"
)

// Store is the subset of *session.Store the service needs.
type Store interface {
	Lookup(ctx context.Context, token string) (int64, bool, error)
	Bind(ctx context.Context, token string, userID int64) error
	Unbind(ctx context.Context, token string, userID int64) error
	Touch(ctx context.Context, token string, userID int64) error
	UserSessions(ctx context.Context, userID int64) ([]session.Entry, error)
	RevokeUser(ctx context.Context, userID int64) (int, error)
	Count(ctx context.Context) (int64, error)
}

// Limiter throttles binds.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}

// Publisher announces revoked sessions.
type Publisher interface {
	PublishRevoked(userID int64, data []byte) error
}

// Server is a transport-neutral handler: raw request in, raw response out.
type Server struct {
	store     Store
	limiter   Limiter
	bindRule  ratelimit.Rule
	publisher Publisher
	timeout   time.Duration
}

// Config holds the optional collaborators of a Server.
type Config struct {
	Limiter   Limiter        // nil disables bind throttling
	BindRule  ratelimit.Rule // defaults to ratelimit.RuleBind
	Publisher Publisher      // nil disables revocation events
	Timeout   time.Duration  // per-request deadline, default 2s
}

// NewServer creates a Server over store.
func NewServer(store Store, cfg Config) *Server {
	if cfg.BindRule.Limit == 0 {
		cfg.BindRule = ratelimit.RuleBind
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Server{
		store:     store,
		limiter:   cfg.Limiter,
		bindRule:  cfg.BindRule,
		publisher: cfg.Publisher,
		timeout:   cfg.Timeout,
	}
}

// Handler returns a request handler that only accepts requests of msgType,
// for transports that route by subject.
func (s *Server) Handler(msgType string) func(data []byte) []byte {
	return func(data []byte) []byte {
		return s.handle(data, msgType)
	}
}

// Handle decodes one request, runs it, and returns the encoded response.
func (s *Server) Handle(data []byte) []byte {
	return s.handle(data, "")
}

func (s *Server) handle(data []byte, only string) []byte {
	msgType, msg, err := protocol.ParseRequest(data)
	if err != nil {
		return protocol.NewError(protocol.CodeBadRequest, err.Error())
	}
	if only != "" && msgType != only {
		return protocol.NewError(protocol.CodeBadRequest, "request type "+strconv.Quote(msgType)+" sent to "+only)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	switch m := msg.(type) {
	case protocol.LookupMsg:
		return s.lookup(ctx, m)
	case protocol.BindMsg:
		return s.bind(ctx, m)
	case protocol.UnbindMsg:
		return s.unbind(ctx, m)
	case protocol.TouchMsg:
		return s.touch(ctx, m)
	case protocol.ListMsg:
		return s.list(ctx, m)
	case protocol.RevokeUserMsg:
		return s.revokeUser(ctx, m)
	case protocol.CountMsg:
		return s.count(ctx)
	default:
		return protocol.NewError(protocol.CodeBadRequest, "unsupported request "+strconv.Quote(msgType))
	}
}

func (s *Server) lookup(ctx context.Context, m protocol.LookupMsg) []byte {
	started := time.Now()
	userID, found, err := s.store.Lookup(ctx, m.Token)
	if err != nil {
		return s.fail(protocol.TypeLookup, started, err)
	}
	result := metrics.ResultOK
	if !found {
		result = metrics.ResultNotFound
	}
	metrics.Observe(protocol.TypeLookup, result, started)
	return encode(protocol.TypeLookupResult, protocol.LookupResultMsg{Found: found, UserID: userID})
}

func (s *Server) bind(ctx context.Context, m protocol.BindMsg) []byte {
	started := time.Now()
	if s.limiter != nil && m.UserID > 0 {
		identifier := strconv.FormatInt(m.UserID, 10)
		allowed, err := s.limiter.Allow(ctx, identifier, s.bindRule)
		if err != nil {
			log.Printf("[service] bind rate limit check user=%d: %v", m.UserID, err)
		}
		if !allowed {
			metrics.Observe(protocol.TypeBind, metrics.ResultRateLimited, started)
			retryAfter, err := s.limiter.RetryAfter(ctx, identifier, s.bindRule)
			if err != nil {
				log.Printf("[service] bind retry-after user=%d: %v", m.UserID, err)
			}
			return protocol.NewRateLimited("too many sessions created for user", retryAfter)
		}
	}

	if err := s.store.Bind(ctx, m.Token, m.UserID); err != nil {
		if errors.Is(err, session.ErrUnexpectedReply) {
			metrics.BindConflicts.Inc()
		}
		return s.fail(protocol.TypeBind, started, err)
	}
	metrics.Observe(protocol.TypeBind, metrics.ResultOK, started)
	return encode(protocol.TypeOK, protocol.OKMsg{})
}

func (s *Server) unbind(ctx context.Context, m protocol.UnbindMsg) []byte {
	started := time.Now()
	if err := s.store.Unbind(ctx, m.Token, m.UserID); err != nil {
		return s.fail(protocol.TypeUnbind, started, err)
	}
	metrics.Observe(protocol.TypeUnbind, metrics.ResultOK, started)
	s.publishRevoked(m.UserID, []string{m.Token})
	return encode(protocol.TypeOK, protocol.OKMsg{})
}

func (s *Server) touch(ctx context.Context, m protocol.TouchMsg) []byte {
	started := time.Now()
	if err := s.store.Touch(ctx, m.Token, m.UserID); err != nil {
		return s.fail(protocol.TypeTouch, started, err)
	}
	metrics.Observe(protocol.TypeTouch, metrics.ResultOK, started)
	return encode(protocol.TypeOK, protocol.OKMsg{})
}

func (s *Server) list(ctx context.Context, m protocol.ListMsg) []byte {
	started := time.Now()
	entries, err := s.store.UserSessions(ctx, m.UserID)
	if err != nil {
		return s.fail(protocol.TypeList, started, err)
	}
	metrics.Observe(protocol.TypeList, metrics.ResultOK, started)

	sessions := make([]protocol.SessionEntry, len(entries))
	for i, e := range entries {
		sessions[i] = protocol.SessionEntry{Token: e.Token, LastSeen: e.LastSeen}
	}
	return encode(protocol.TypeListResult, protocol.ListResultMsg{UserID: m.UserID, Sessions: sessions})
}

func (s *Server) revokeUser(ctx context.Context, m protocol.RevokeUserMsg) []byte {
	started := time.Now()
	removed, err := s.store.RevokeUser(ctx, m.UserID)
	if err != nil {
		return s.fail(protocol.TypeRevokeUser, started, err)
	}
	metrics.Observe(protocol.TypeRevokeUser, metrics.ResultOK, started)
	if removed > 0 {
		s.publishRevoked(m.UserID, nil)
	}
	return encode(protocol.TypeRevokeResult, protocol.RevokeResultMsg{UserID: m.UserID, Removed: removed})
}

func (s *Server) count(ctx context.Context) []byte {
	started := time.Now()
	n, err := s.store.Count(ctx)
	if err != nil {
		return s.fail(protocol.TypeCount, started, err)
	}
	metrics.Observe(protocol.TypeCount, metrics.ResultOK, started)
	metrics.ActiveSessions.Set(float64(n))
	return encode(protocol.TypeCountResult, protocol.CountResultMsg{Count: n})
}

// RefreshGauge sets the active session gauge from the store.
func (s *Server) RefreshGauge(ctx context.Context) error {
	n, err := s.store.Count(ctx)
	if err != nil {
		return err
	}
	metrics.ActiveSessions.Set(float64(n))
	return nil
}

func (s *Server) fail(op string, started time.Time, err error) []byte {
	code, result := classify(err)
	metrics.Observe(op, result, started)
	if code == protocol.CodeTransport {
		log.Printf("[service] %s: %v", op, err)
	}
	return protocol.NewError(code, err.Error())
}

// classify maps a store error onto a wire code and a metrics result.
func classify(err error) (code, result string) {
	var (
		integrity *session.DataIntegrityError
		reply     *session.UnexpectedReplyError
	)
	switch {
	case errors.Is(err, session.ErrInvalidUserID):
		return protocol.CodeInvalidUserID, metrics.ResultInvalid
	case errors.As(err, &integrity):
		return protocol.CodeDataIntegrity, metrics.ResultDataIntegrity
	case errors.As(err, &reply):
		return protocol.CodeUnexpectedReply, metrics.ResultConflict
	default:
		return protocol.CodeTransport, metrics.ResultError
	}
}

func (s *Server) publishRevoked(userID int64, tokens []string) {
	if s.publisher == nil {
		return
	}
	data, err := json.Marshal(protocol.RevokedEvent{Type: protocol.TypeRevoked, UserID: userID, Tokens: tokens})
	if err != nil {
		log.Printf("[service] marshal revoked event: %v", err)
		return
	}
	if err := s.publisher.PublishRevoked(userID, data); err != nil {
		log.Printf("[service] publish revoked user=%d: %v", userID, err)
	}
}

func encode(msgType string, payload interface{}) []byte {
	out, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return protocol.NewError(protocol.CodeTransport, err.Error())
	}
	return out
}
