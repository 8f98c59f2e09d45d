package ostransport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/berick/opensrf-go/osaddr"
)

func newTestBroker(t *testing.T) (*miniredis.Miniredis, int) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(m.Close)
	_, portStr, err := net.SplitHostPort(m.Addr())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}
	return m, port
}

func TestSendRecvRoundTrip(t *testing.T) {
	_, port := newTestBroker(t)
	ctx := context.Background()
	creds := Credentials{Port: port}

	client := New("localhost", creds, "", nil)
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect(ctx)

	server := New("localhost", creds, "echo", nil)
	if err := server.ConnectAsService(ctx); err != nil {
		t.Fatalf("server ConnectAsService: %v", err)
	}
	defer server.Disconnect(ctx)
	if server.ServiceAddress() != osaddr.ServiceAddress("echo") {
		t.Fatalf("unexpected service address: %q", server.ServiceAddress())
	}

	primary, err := client.Primary()
	if err != nil {
		t.Fatalf("Primary: %v", err)
	}

	if err := client.Send(ctx, osaddr.ServiceAddress("echo"), "thread-1", []byte(`"hello"`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Empty stream defaults to the server's own service inbox.
	env, err := server.RecvStream(ctx, time.Second, "")
	if err != nil {
		t.Fatalf("server RecvStream: %v", err)
	}
	if env == nil {
		t.Fatal("expected an envelope")
	}
	if env.Thread != "thread-1" {
		t.Fatalf("unexpected thread: %q", env.Thread)
	}
	if env.Sender != primary.Address() {
		t.Fatalf("sender not stamped to primary address: got %q, want %q", env.Sender, primary.Address())
	}
	if string(env.Body) != `"hello"` {
		t.Fatalf("unexpected body: %s", env.Body)
	}
}

// TestLazyRemoteDomainConnection mirrors spec scenario S5: a TC with
// primary_domain "localhost" sends to a client-form address naming a second
// domain ("127.0.0.1" — a second name that happens to reach the same test
// broker, since a real second broker host isn't available here) it has
// never talked to before. The second domain's connection must appear in the
// client's connection map only after that first cross-domain send, never
// before, and both domains must be connected afterward.
func TestLazyRemoteDomainConnection(t *testing.T) {
	_, port := newTestBroker(t)
	ctx := context.Background()
	creds := Credentials{Port: port}

	client := New("localhost", creds, "", nil)
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect(ctx)

	if _, ok := client.conns["localhost"]; !ok {
		t.Fatal("expected localhost connection to exist after Connect")
	}
	if _, ok := client.conns["127.0.0.1"]; ok {
		t.Fatal("expected no remote-domain connection before any send crosses to it")
	}

	peer := New("127.0.0.1", creds, "", nil)
	if err := peer.Connect(ctx); err != nil {
		t.Fatalf("peer Connect: %v", err)
	}
	defer peer.Disconnect(ctx)
	peerPrimary, err := peer.Primary()
	if err != nil {
		t.Fatalf("peer Primary: %v", err)
	}

	if err := client.Send(ctx, peerPrimary.Address(), "thread-2", []byte(`"cross-domain"`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	remote, ok := client.conns["127.0.0.1"]
	if !ok {
		t.Fatal("expected the 127.0.0.1 domain connection to be opened lazily by the cross-domain send")
	}
	if !remote.Connected() || !client.conns["localhost"].Connected() {
		t.Fatal("expected both domain connections to be connected after the cross-domain send")
	}

	env, err := peer.Recv(ctx, time.Second)
	if err != nil {
		t.Fatalf("peer Recv: %v", err)
	}
	if env == nil || env.Thread != "thread-2" {
		t.Fatalf("expected the cross-domain message to be delivered, got %+v", env)
	}
}

func TestCloseLocalDoesNotTouchBroker(t *testing.T) {
	m, port := newTestBroker(t)
	ctx := context.Background()
	creds := Credentials{Port: port}

	client := New("localhost", creds, "", nil)
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	primary, err := client.Primary()
	if err != nil {
		t.Fatalf("Primary: %v", err)
	}
	addr := primary.Address()

	client.CloseLocal()

	if !m.Exists(addr) {
		t.Fatal("expected broker-side stream to survive CloseLocal")
	}
	if client.Connected() {
		t.Fatal("expected client to report disconnected after CloseLocal")
	}
}
