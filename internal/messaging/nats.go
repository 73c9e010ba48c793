// Package messaging wraps the NATS connection used by the session service:
// request/reply subjects for store operations and the revocation event
// subject that gateways listen on to drop live connections.
package messaging

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects used by the session service.
const (
	SubjectPrefix  = "session."        // + <request type>
	SubjectRevoked = "session.revoked" // + .<user_id>
	QueueGroup     = "session-service" // shared by every sessiond instance
	RequestTimeout = 2 * time.Second   // default client-side request timeout
)

// RequestSubject returns the subject that serves requests of msgType.
func RequestSubject(msgType string) string {
	return SubjectPrefix + msgType
}

// RevokedSubject returns the revocation event subject for a user.
func RevokedSubject(userID int64) string {
	return SubjectRevoked + "." + strconv.FormatInt(userID, 10)
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "sessiond",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishRevoked announces that sessions of userID are no longer bound.
func (c *NATSClient) PublishRevoked(userID int64, data []byte) error {
	return c.Publish(RevokedSubject(userID), data)
}

// Serve registers handler for requests of msgType. Instances share the
// queue group so each request is answered once. The handler's return value
// is sent as the reply.
func (c *NATSClient) Serve(msgType string, handler func(data []byte) []byte) error {
	subject := RequestSubject(msgType)
	sub, err := c.conn.QueueSubscribe(subject, QueueGroup, func(msg *nats.Msg) {
		reply := handler(msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			log.Printf("[nats] respond on %s: %v", subject, err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Request sends a request of msgType and waits for the reply.
func (c *NATSClient) Request(msgType string, data []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = RequestTimeout
	}
	msg, err := c.conn.Request(RequestSubject(msgType), data, timeout)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", msgType, err)
	}
	return msg.Data, nil
}

// SubscribeRevoked subscribes to revocation events for every user.
func (c *NATSClient) SubscribeRevoked(handler func(data []byte)) error {
	subject := SubjectRevoked + ".*"
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Connected reports whether the underlying connection is usable.
func (c *NATSClient) Connected() bool {
	return c.conn.IsConnected()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
