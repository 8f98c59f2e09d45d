// Package osbus implements the bus connection: one authenticated session to
// one broker endpoint, owning a consumer group over its own inbound stream
// (see the transport specification, Bus Connection).
//
// The broker is a Redis-compatible stream store, reached through
// github.com/redis/go-redis/v9 — the same client used by the bus
// implementation this package is grounded on
// (other_examples/592c358b_PavelRadostev-toolkit__pkg-bus-bus.go.go).
package osbus

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/berick/opensrf-go/osaddr"
	"github.com/berick/opensrf-go/oserr"
	"github.com/berick/opensrf-go/oslog"
)

// DefaultMaxQueue is the soft upper bound on a connection's inbound stream
// length (spec: "max_queue, default 1000").
const DefaultMaxQueue = 1000

type connState int

const (
	stateNew connState = iota
	stateAddressed
	stateConnected
	stateClosed
)

// Connection is one authenticated session to one broker domain, per the
// Bus Connection (C) component of the transport specification.
type Connection struct {
	mu sync.Mutex

	domain   string
	address  string
	maxQueue int64
	state    connState

	rdb     *redis.Client
	limiter *rate.Limiter
	log     *oslog.Sink
}

// Option configures optional, non-default behavior of a Connection.
type Option func(*Connection)

// WithMaxQueue overrides the default soft stream-length cap.
func WithMaxQueue(n int64) Option {
	return func(c *Connection) { c.maxQueue = n }
}

// WithSendRate attaches a token-bucket rate limiter (requests/sec, burst)
// ahead of Send, providing backpressure in front of the broker's own
// approximate MAXLEN trim. Grounded on the teacher's
// middleware/rate_limit_middleware.go, relocated from request middleware to
// the bus connection itself since this core has no middleware chain.
func WithSendRate(perSecond float64, burst int) Option {
	return func(c *Connection) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithLogSink attaches a log sink used for the ack-failure diagnostic of
// RecvOnce (ack-or-drop). Malformed envelopes are logged by ostransport, not
// here.
func WithLogSink(s *oslog.Sink) Option {
	return func(c *Connection) { c.log = s }
}

// New allocates a Connection for domain without touching the wire.
func New(domain string, opts ...Option) *Connection {
	c := &Connection{
		domain:   domain,
		maxQueue: DefaultMaxQueue,
		state:    stateNew,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Domain returns the broker domain this connection speaks to.
func (c *Connection) Domain() string { return c.domain }

// Address returns the connection's inbound stream address. Empty until
// SetAddress has run.
func (c *Connection) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// SetAddress composes the inbound address (anonymous client, service client,
// or — via SetServiceInboxAddress — the well-known service inbox) and stores
// it on the connection. Must precede Connect.
func (c *Connection) SetAddress(service string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateNew {
		return oserr.New(oserr.KindNotReady, "SetAddress requires state New", nil)
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	c.address = osaddr.NewClientAddress(c.domain, host, service, os.Getpid())
	c.state = stateAddressed
	return nil
}

// SetServiceInboxAddress stores the well-known service inbox address
// directly, for the case where several workers share one stream/group
// (spec §6: "multiple workers of the same service share the same stream").
func (c *Connection) SetServiceInboxAddress(service string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateNew {
		return oserr.New(oserr.KindNotReady, "SetServiceInboxAddress requires state New", nil)
	}
	c.address = osaddr.ServiceAddress(service)
	c.state = stateAddressed
	return nil
}

// Connect opens a broker session, authenticates, and declares a consumer
// group over the connection's own inbound stream (creating the stream if
// missing). Re-declaration of an already-existing group is a non-fatal
// no-op, per the spec.
func (c *Connection) Connect(ctx context.Context, port int, username, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateAddressed {
		return oserr.New(oserr.KindNotReady, "Connect requires state Addressed", nil)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", c.domain, port),
		Username: username,
		Password: password,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return oserr.New(oserr.KindBrokerUnreachable, "ping failed", err)
	}

	err := rdb.XGroupCreateMkStream(ctx, c.address, c.address, "$").Err()
	if err != nil && !isBusyGroup(err) {
		rdb.Close()
		return oserr.New(oserr.KindBrokerUnreachable, "XGROUP CREATE failed", err)
	}

	c.rdb = rdb
	c.state = stateConnected
	return nil
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return len(s) >= 9 && s[:9] == "BUSYGROUP"
}

// Send appends one "message" entry carrying bodyJSON to recipientStream,
// subject to the connection's approximate max-queue trim. NOMKSTREAM is set
// so sending to a stream whose peer is gone fails fast rather than
// resurrecting the inbox.
func (c *Connection) Send(ctx context.Context, bodyJSON []byte, recipientStream string) error {
	c.mu.Lock()
	rdb := c.rdb
	state := c.state
	limiter := c.limiter
	maxQueue := c.maxQueue
	c.mu.Unlock()

	if state != stateConnected {
		return oserr.New(oserr.KindNotReady, "Send requires state Connected", nil)
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return oserr.New(oserr.KindBrokerUnreachable, "send rate limiter", err)
		}
	}

	err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream:     recipientStream,
		NoMkStream: true,
		MaxLen:     maxQueue,
		Approx:     true,
		Values:     map[string]any{"body_json": string(bodyJSON)},
	}).Err()
	if err != nil {
		return oserr.New(oserr.KindBrokerReplyError, fmt.Sprintf("XADD to %s", recipientStream), err)
	}
	return nil
}

// Message is the raw (msg_id, body_json) pair extracted from a delivered
// stream entry, before envelope decoding.
type Message struct {
	ID       string
	BodyJSON string
}

// decodeXReadGroup is the total function from an XREADGROUP reply to
// "message or none" described in the spec's decoder-robustness note: every
// level of the nested broker reply may be empty or of unexpected shape, and
// all such cases collapse to "no message" rather than a decode error.
func decodeXReadGroup(streams []redis.XStream) *Message {
	if len(streams) == 0 {
		return nil
	}
	messages := streams[0].Messages
	if len(messages) == 0 {
		return nil
	}
	msg := messages[0]
	raw, ok := msg.Values["body_json"]
	if !ok {
		return nil
	}
	body, ok := raw.(string)
	if !ok {
		return nil
	}
	return &Message{ID: msg.ID, BodyJSON: body}
}

// RecvOnce reads at most one entry from stream (the connection's own
// address when empty) via the consumer group. timeout==0 is non-blocking;
// timeout<0 blocks indefinitely; timeout>0 blocks up to that many seconds.
// Returns (nil, nil) on timeout or any structurally-malformed reply — both
// are indistinguishable at this layer, per the spec.
func (c *Connection) RecvOnce(ctx context.Context, timeout time.Duration, stream string) (*Message, error) {
	c.mu.Lock()
	rdb := c.rdb
	address := c.address
	state := c.state
	log := c.log
	c.mu.Unlock()

	if state != stateConnected {
		return nil, oserr.New(oserr.KindNotReady, "RecvOnce requires state Connected", nil)
	}
	if stream == "" {
		stream = address
	}

	var block time.Duration
	switch {
	case timeout == 0:
		block = -1 * time.Millisecond // non-blocking: immediate return if nothing pending
	case timeout < 0:
		block = 0 // go-redis: Block: 0 means block indefinitely
	default:
		block = timeout
		if block < time.Millisecond {
			// go-redis truncates Block to whole milliseconds, and 0 would
			// mean "block indefinitely".
			block = time.Millisecond
		}
	}

	reply, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    stream,
		Consumer: address,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, oserr.New(oserr.KindBrokerReplyError, "XREADGROUP", err)
	}

	res := decodeXReadGroup(reply)
	if res == nil {
		return nil, nil
	}

	if ackErr := rdb.XAck(ctx, stream, stream, res.ID).Err(); ackErr != nil && log != nil {
		log.Error("failed to ack message", "stream", stream, "msg_id", res.ID, "err", ackErr)
	}

	return res, nil
}

// Recv is the retry-loop wrapper around RecvOnce that honours an absolute
// deadline: it retries on spurious empty returns until either a message
// arrives or the per-call seconds budget is exhausted. A negative timeout
// loops until a message arrives.
func (c *Connection) Recv(ctx context.Context, timeout time.Duration, stream string) (*Message, error) {
	if timeout == 0 {
		return c.RecvOnce(ctx, 0, stream)
	}
	if timeout < 0 {
		for {
			res, err := c.RecvOnce(ctx, -1, stream)
			if err != nil {
				return nil, err
			}
			if res != nil {
				return res, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		res, err := c.RecvOnce(ctx, remaining, stream)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

// Disconnect deletes the connection's own inbound stream (which also
// discards its consumer groups) and closes the broker handle. This is the
// sole durable-resource-release path ("close" in the fork-safety sense).
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return nil
	}
	var delErr error
	if c.rdb != nil {
		delErr = c.rdb.Del(ctx, c.address).Err()
		if closeErr := c.rdb.Close(); closeErr != nil && delErr == nil {
			delErr = closeErr
		}
	}
	c.state = stateClosed
	c.rdb = nil
	if delErr != nil {
		return oserr.New(oserr.KindBrokerReplyError, "disconnect", delErr)
	}
	return nil
}

// DiscardLocal releases local heap only, without touching the broker —
// the fork-child-safe close_local() from the spec's concurrency model. A
// forked child that inherited a parent's connection must call this, never
// Disconnect, because Disconnect would tear down the shared broker-side
// stream the parent is still using.
func (c *Connection) DiscardLocal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rdb = nil
	c.state = stateClosed
}

// Connected reports whether the connection has completed Connect and has
// not since been closed.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}
