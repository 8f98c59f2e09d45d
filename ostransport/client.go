// Package ostransport implements the transport client: the per-process
// handle that owns one primary broker connection plus lazily-opened
// connections to any other domain a message needs to cross (see the
// transport specification, Transport Client).
package ostransport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/berick/opensrf-go/osaddr"
	"github.com/berick/opensrf-go/osbus"
	"github.com/berick/opensrf-go/oserr"
	"github.com/berick/opensrf-go/oslog"
	"github.com/berick/opensrf-go/osmsg"
)

// Credentials authenticates a connection against one broker domain.
type Credentials struct {
	Port     int
	Username string
	Password string
}

// Client is the process-wide handle onto the bus: one primary connection,
// plus whatever other-domain connections traffic actually requires.
type Client struct {
	mu sync.Mutex

	primaryDomain  string
	creds          Credentials
	service        string // non-empty when this client speaks for a service, not a bare client
	serviceAddress string // set by ConnectAsService: osaddr.ServiceAddress(service)

	conns   map[string]*osbus.Connection
	primary *osbus.Connection // alias into conns[primaryDomain]; never closed twice

	log  *oslog.Sink
	opts []osbus.Option
}

// New allocates a Client for primaryDomain without opening any connection.
// service, when non-empty, makes every opened connection bind the
// well-known service inbox instead of an anonymous client address.
func New(primaryDomain string, creds Credentials, service string, log *oslog.Sink, opts ...osbus.Option) *Client {
	return &Client{
		primaryDomain: primaryDomain,
		creds:         creds,
		service:       service,
		conns:         make(map[string]*osbus.Connection),
		log:           log,
		opts:          opts,
	}
}

// Connect opens the primary connection, per spec bootstrap step 5.
func (tc *Client) Connect(ctx context.Context) error {
	_, err := tc.getOrConnect(ctx, tc.primaryDomain)
	return err
}

// ConnectAsService is Connect for a client constructed with a non-empty
// service name — present as a distinct name because bootstrap branches on
// whether it is standing up a service worker or a bare client, even though
// the service identity is already fixed at New time. It additionally
// records the well-known service inbox address so RecvStream can default
// to it and so callers can read it back via ServiceAddress.
func (tc *Client) ConnectAsService(ctx context.Context) error {
	if err := tc.Connect(ctx); err != nil {
		return err
	}
	tc.mu.Lock()
	tc.serviceAddress = osaddr.ServiceAddress(tc.service)
	tc.mu.Unlock()
	return nil
}

// ServiceAddress returns the well-known service inbox address this client
// is reading from, or "" if it was not constructed with a service name or
// has not yet completed ConnectAsService.
func (tc *Client) ServiceAddress() string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.serviceAddress
}

// getOrConnect returns the already-open connection for domain, opening and
// registering a new one if this is the first time this process has needed
// to talk to it. Remote domains are connected lazily, on the first Send
// addressed to them; Recv and RecvStream only read from the primary
// connection and never open one.
func (tc *Client) getOrConnect(ctx context.Context, domain string) (*osbus.Connection, error) {
	tc.mu.Lock()
	if c, ok := tc.conns[domain]; ok {
		tc.mu.Unlock()
		return c, nil
	}
	tc.mu.Unlock()

	c := osbus.New(domain, tc.opts...)
	var err error
	if tc.service != "" {
		err = c.SetServiceInboxAddress(tc.service)
	} else {
		err = c.SetAddress(tc.service)
	}
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx, tc.creds.Port, tc.creds.Username, tc.creds.Password); err != nil {
		return nil, err
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	// Another goroutine may have raced us to the same domain; keep the
	// winner and discard our own duplicate rather than leaking a stream. A
	// service-bound duplicate shares the winner's service inbox, so it is
	// only dropped locally.
	if existing, ok := tc.conns[domain]; ok {
		if tc.service == "" {
			_ = c.Disconnect(ctx)
		} else {
			c.DiscardLocal()
		}
		return existing, nil
	}
	tc.conns[domain] = c
	if domain == tc.primaryDomain {
		tc.primary = c
	}
	return c, nil
}

// Primary returns the primary-domain connection, which must already be open.
func (tc *Client) Primary() (*osbus.Connection, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.primary == nil {
		return nil, oserr.New(oserr.KindNotReady, "primary connection not open", nil)
	}
	return tc.primary, nil
}

// Send addresses an envelope to recipient, stamping the sender address of
// whichever connection actually owns the conversation (the primary
// connection's address, since one client has exactly one identity
// regardless of how many domains it has had to reach). The recipient's
// domain is resolved from its address and connected to lazily if this is
// the first message crossing to it (spec, scenario: "lazy remote domain").
func (tc *Client) Send(ctx context.Context, recipient, thread string, body []byte) error {
	domain, err := tc.recipientDomain(recipient)
	if err != nil {
		return err
	}

	conn, err := tc.getOrConnect(ctx, domain)
	if err != nil {
		return err
	}
	primary, err := tc.Primary()
	if err != nil {
		return err
	}

	env := &osmsg.Envelope{
		Recipient: recipient,
		Thread:    thread,
		Body:      body,
	}
	if err := env.SetSender(primary.Address()); err != nil {
		return err
	}

	wire, err := osmsg.Encode(env)
	if err != nil {
		return err
	}
	return conn.Send(ctx, wire, recipient)
}

// recipientDomain resolves which broker domain owns recipient's inbox.
// A client-form address (opensrf:client:<domain>:...) names its domain
// directly. A service-form address (opensrf:service:<service>) has no
// domain segment by design — the well-known inbox is shared by every
// worker of that service on whichever domain hosts it — so for that form
// the only sensible broker to resolve to is this client's own primary
// domain, matching the common case of sending to a service colocated on
// the same bus this client already talks to (spec §6, scenario S2).
func (tc *Client) recipientDomain(recipient string) (string, error) {
	role, err := osaddr.ParseRole(recipient)
	if err != nil {
		return "", err
	}
	if role == osaddr.RoleService {
		return tc.primaryDomain, nil
	}
	return osaddr.ParseDomain(recipient)
}

// Recv reads and decodes at most one envelope from the primary connection's
// own inbound stream.
func (tc *Client) Recv(ctx context.Context, timeout time.Duration) (*osmsg.Envelope, error) {
	primary, err := tc.Primary()
	if err != nil {
		return nil, err
	}
	return tc.recvFrom(ctx, primary, timeout, "")
}

// RecvStream is Recv against an explicit stream address rather than the
// primary connection's own inbox — used by a service worker sharing the
// service inbox across several processes. An empty stream defaults to this
// client's own service inbox (ServiceAddress), when it has one.
func (tc *Client) RecvStream(ctx context.Context, timeout time.Duration, stream string) (*osmsg.Envelope, error) {
	primary, err := tc.Primary()
	if err != nil {
		return nil, err
	}
	if stream == "" {
		stream = tc.ServiceAddress()
	}
	return tc.recvFrom(ctx, primary, timeout, stream)
}

func (tc *Client) recvFrom(ctx context.Context, conn *osbus.Connection, timeout time.Duration, stream string) (*osmsg.Envelope, error) {
	raw, err := conn.Recv(ctx, timeout, stream)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	env, err := osmsg.Decode([]byte(raw.BodyJSON))
	if err != nil {
		if tc.log != nil {
			tc.log.Warn("dropping malformed envelope", "msg_id", raw.ID, "err", err)
		}
		return nil, nil
	}
	return env, nil
}

// Connected reports whether the primary connection is open.
func (tc *Client) Connected() bool {
	tc.mu.Lock()
	primary := tc.primary
	tc.mu.Unlock()
	return primary != nil && primary.Connected()
}

// Disconnect tears down every connection this client opened, aggregating
// any broker-side errors with multierr rather than stopping at the first
// failure — every domain's stream deserves a teardown attempt regardless of
// whether an earlier one failed.
func (tc *Client) Disconnect(ctx context.Context) error {
	tc.mu.Lock()
	conns := tc.conns
	tc.conns = make(map[string]*osbus.Connection)
	tc.primary = nil
	tc.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Disconnect(ctx))
	}
	return err
}

// CloseLocal releases every owned connection's local resources only,
// without touching the broker. This is the path a forked child must take
// on a transport client it inherited from its parent (spec concurrency
// model: "a child that inherited a parent's connections must discard them
// locally, never disconnect them").
func (tc *Client) CloseLocal() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for _, c := range tc.conns {
		c.DiscardLocal()
	}
	tc.conns = make(map[string]*osbus.Connection)
	tc.primary = nil
}
