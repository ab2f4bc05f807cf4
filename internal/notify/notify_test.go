package notify

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
)

func expectWake(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("no notification received")
	}
}

func expectQuiet(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected notification")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInMemoryPublishSubscribe(t *testing.T) {
	n := NewInMemory()
	ctx := context.Background()

	a, cancelA, _ := n.Subscribe(ctx, "a")
	b, cancelB, _ := n.Subscribe(ctx, "b")
	defer cancelB()

	if err := n.Publish(ctx, "a"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectWake(t, a)
	expectQuiet(t, b)

	// duplicates coalesce into one pending wake-up
	_ = n.Publish(ctx, "a")
	_ = n.Publish(ctx, "a")
	expectWake(t, a)
	expectQuiet(t, a)

	if got := n.Subscribers("a"); got != 1 {
		t.Fatalf("subscribers=%d", got)
	}
	cancelA()
	cancelA()
	if got := n.Subscribers("a"); got != 0 {
		t.Fatalf("subscribers after cancel=%d", got)
	}
	if _, open := <-a; open {
		t.Fatalf("channel should be closed after cancel")
	}
	if err := n.Publish(ctx, "a"); err != nil {
		t.Fatalf("publish without subscribers: %v", err)
	}
}

func TestNopNeverWakes(t *testing.T) {
	var n Notifier = Nop{}
	ch, cancel, err := n.Subscribe(context.Background(), "a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	_ = n.Publish(context.Background(), "a")
	expectQuiet(t, ch)
}

func TestRedisFanOut(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()

	ctx := context.Background()
	// two notifiers stand in for two processes sharing one Redis
	waiterClient := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer waiterClient.Close()
	waiter := NewRedis(RedisOptions{Client: waiterClient})
	defer waiter.Close()

	releaser, err := NewRedisURL(ctx, "redis://"+srv.Addr())
	if err != nil {
		t.Fatalf("redis url: %v", err)
	}
	defer releaser.Close()

	ch, cancel, err := waiter.Subscribe(ctx, "orders/42")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	other, cancelOther, _ := waiter.Subscribe(ctx, "orders/43")
	defer cancelOther()

	if err := releaser.Publish(ctx, "orders/42"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectWake(t, ch)
	expectQuiet(t, other)
}

func TestRedisURLRejectsGarbage(t *testing.T) {
	if _, err := NewRedisURL(context.Background(), "::not a url"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestNATSFanOut(t *testing.T) {
	s := natsserver.RunRandClientPortServer()
	defer s.Shutdown()

	conn, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	waiter := NewNATS(conn, "")
	releaser, err := NewNATSURL(s.ClientURL())
	if err != nil {
		t.Fatalf("nats url: %v", err)
	}
	defer releaser.Close()

	// resource names with spaces and dots are payloads, not subject tokens
	ch, cancel, err := waiter.Subscribe(ctx, "reports.daily run")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := releaser.Publish(ctx, "reports.daily run"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectWake(t, ch)

	if err := waiter.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if conn.IsClosed() {
		t.Fatalf("a borrowed connection must stay open after Close")
	}
}
