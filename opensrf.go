// Package opensrf is the thin upward-facing surface applications call
// against: send an envelope, receive one, check connectivity. It adds no
// dispatch or routing logic of its own — it composes ostransport the same
// way the teacher's top-level client package composed registry, loadbalance,
// and transport into client.Client.Call.
package opensrf

import (
	"context"
	"time"

	"github.com/berick/opensrf-go/osmsg"
	"github.com/berick/opensrf-go/ostransport"
)

// ClientSendMessage addresses body to recipient over tc, on the given
// thread.
func ClientSendMessage(ctx context.Context, tc *ostransport.Client, recipient, thread string, body []byte) error {
	return tc.Send(ctx, recipient, thread, body)
}

// ClientRecv reads and decodes at most one envelope from tc's own inbound
// stream, waiting up to timeout (0 non-blocking, negative indefinite).
func ClientRecv(ctx context.Context, tc *ostransport.Client, timeout time.Duration) (*osmsg.Envelope, error) {
	return tc.Recv(ctx, timeout)
}

// ClientRecvStream is ClientRecv against an explicit stream address, for a
// service worker sharing its service's well-known inbox.
func ClientRecvStream(ctx context.Context, tc *ostransport.Client, timeout time.Duration, stream string) (*osmsg.Envelope, error) {
	return tc.RecvStream(ctx, timeout, stream)
}

// ClientConnected reports whether tc's primary connection is open.
func ClientConnected(tc *ostransport.Client) bool {
	return tc.Connected()
}
