package osbus

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestBroker(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func brokerPort(t *testing.T, m *miniredis.Miniredis) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(m.Addr())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}
	return port
}

func TestSendRecvFidelity(t *testing.T) {
	m := newTestBroker(t)
	ctx := context.Background()
	port := brokerPort(t, m)

	a := New("localhost")
	if err := a.SetAddress("a"); err != nil {
		t.Fatalf("a.SetAddress: %v", err)
	}
	if err := a.Connect(ctx, port, "", ""); err != nil {
		t.Fatalf("a.Connect: %v", err)
	}
	defer a.Disconnect(ctx)

	b := New("localhost")
	if err := b.SetAddress("b"); err != nil {
		t.Fatalf("b.SetAddress: %v", err)
	}
	if err := b.Connect(ctx, port, "", ""); err != nil {
		t.Fatalf("b.Connect: %v", err)
	}
	defer b.Disconnect(ctx)

	if err := a.Send(ctx, []byte(`"ping"`), b.Address()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg, err := b.RecvOnce(ctx, -1*time.Second, "")
	if err != nil {
		t.Fatalf("RecvOnce: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.BodyJSON != `"ping"` {
		t.Fatalf("unexpected body: %s", msg.BodyJSON)
	}

	// Second read must be empty: the entry was ack'd on first receipt.
	msg2, err := b.RecvOnce(ctx, 0, "")
	if err != nil {
		t.Fatalf("RecvOnce #2: %v", err)
	}
	if msg2 != nil {
		t.Fatalf("expected no second message, got %+v", msg2)
	}
}

func TestRecvTimeoutOnEmptyStream(t *testing.T) {
	m := newTestBroker(t)
	ctx := context.Background()
	port := brokerPort(t, m)

	c := New("localhost")
	if err := c.SetAddress("idle"); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(ctx, port, "", ""); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect(ctx)

	start := time.Now()
	msg, err := c.Recv(ctx, time.Second, "")
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil message on idle stream, got %+v", msg)
	}
	if elapsed < 900*time.Millisecond {
		t.Fatalf("expected Recv to take approximately 1s, took %s", elapsed)
	}
}

func TestDiscardLocalKeepsBrokerStream(t *testing.T) {
	m := newTestBroker(t)
	ctx := context.Background()
	port := brokerPort(t, m)

	c := New("localhost")
	if err := c.SetAddress("svc"); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(ctx, port, "", ""); err != nil {
		t.Fatal(err)
	}
	addr := c.Address()

	c.DiscardLocal()

	if !m.Exists(addr) {
		t.Fatal("expected broker-side stream to survive DiscardLocal")
	}
}

// TestSharedServiceStreamAtMostOnceDelivery exercises testable property #4
// ("at-most-once delivery under two readers sharing a consumer group") and
// scenario S2: two workers of the same service join the same well-known
// inbox/consumer group. Every message sent to that inbox must be delivered
// to exactly one of the two readers, never to both and never dropped.
func TestSharedServiceStreamAtMostOnceDelivery(t *testing.T) {
	m := newTestBroker(t)
	ctx := context.Background()
	port := brokerPort(t, m)

	worker1 := New("localhost")
	if err := worker1.SetServiceInboxAddress("math"); err != nil {
		t.Fatalf("worker1.SetServiceInboxAddress: %v", err)
	}
	if err := worker1.Connect(ctx, port, "", ""); err != nil {
		t.Fatalf("worker1.Connect: %v", err)
	}
	defer worker1.Disconnect(ctx)

	worker2 := New("localhost")
	if err := worker2.SetServiceInboxAddress("math"); err != nil {
		t.Fatalf("worker2.SetServiceInboxAddress: %v", err)
	}
	// The group already exists from worker1's Connect; re-declaring it is a
	// tolerated BUSYGROUP no-op, which is exactly how two workers of one
	// service end up sharing a single consumer group.
	if err := worker2.Connect(ctx, port, "", ""); err != nil {
		t.Fatalf("worker2.Connect: %v", err)
	}
	defer worker2.Disconnect(ctx)

	if worker1.Address() != worker2.Address() {
		t.Fatalf("expected both workers to share one inbox address, got %q and %q", worker1.Address(), worker2.Address())
	}

	sender := New("localhost")
	if err := sender.SetAddress(""); err != nil {
		t.Fatalf("sender.SetAddress: %v", err)
	}
	if err := sender.Connect(ctx, port, "", ""); err != nil {
		t.Fatalf("sender.Connect: %v", err)
	}
	defer sender.Disconnect(ctx)

	const total = 10
	for i := 0; i < total; i++ {
		body := []byte(fmt.Sprintf(`"job-%d"`, i))
		if err := sender.Send(ctx, body, worker1.Address()); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}

	seen := make(map[string]int)
	for got := 0; got < total; {
		msg, err := worker1.RecvOnce(ctx, 0, "")
		if err != nil {
			t.Fatalf("worker1.RecvOnce: %v", err)
		}
		if msg != nil {
			seen[msg.BodyJSON]++
			got++
			continue
		}
		msg, err = worker2.RecvOnce(ctx, 0, "")
		if err != nil {
			t.Fatalf("worker2.RecvOnce: %v", err)
		}
		if msg != nil {
			seen[msg.BodyJSON]++
			got++
			continue
		}
		t.Fatal("neither worker has a pending message but not all jobs were delivered")
	}

	if len(seen) != total {
		t.Fatalf("expected %d distinct jobs delivered exactly once, got %d distinct: %v", total, len(seen), seen)
	}
	for body, count := range seen {
		if count != 1 {
			t.Fatalf("job %s delivered %d times, expected exactly once", body, count)
		}
	}
}

func TestDisconnectRemovesBrokerStream(t *testing.T) {
	m := newTestBroker(t)
	ctx := context.Background()
	port := brokerPort(t, m)

	c := New("localhost")
	if err := c.SetAddress("svc2"); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(ctx, port, "", ""); err != nil {
		t.Fatal(err)
	}
	addr := c.Address()

	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	if m.Exists(addr) {
		t.Fatal("expected broker-side stream to be removed after Disconnect")
	}
}
