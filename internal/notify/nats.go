package notify

import (
	"context"
	"fmt"
	"sync"

	nats "github.com/nats-io/nats.go"
)

const DefaultNATSSubject = "dblock.notify"

// NATS fans out wake-ups across processes on one subject. Resource names are
// carried in the payload since they are not valid subject tokens in general.
type NATS struct {
	conn    *nats.Conn
	subject string
	local   *InMemory
	owned   bool

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewNATS(conn *nats.Conn, subject string) *NATS {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATS{conn: conn, subject: subject, local: NewInMemory()}
}

// NewNATSURL connects to url and returns a notifier owning the connection.
func NewNATSURL(url string) (*NATS, error) {
	conn, err := nats.Connect(url, nats.Name("dblock-notify"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	n := NewNATS(conn, "")
	n.owned = true
	return n, nil
}

func (n *NATS) ensureSubscribed() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sub != nil {
		return nil
	}
	sub, err := n.conn.Subscribe(n.subject, func(m *nats.Msg) {
		_ = n.local.Publish(context.Background(), string(m.Data))
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", n.subject, err)
	}
	// make sure the server knows about the interest before anyone relies on it
	if err := n.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats flush: %w", err)
	}
	n.sub = sub
	return nil
}

func (n *NATS) Publish(_ context.Context, resource string) error {
	return n.conn.Publish(n.subject, []byte(resource))
}

func (n *NATS) Subscribe(ctx context.Context, resource string) (<-chan struct{}, func(), error) {
	if err := n.ensureSubscribed(); err != nil {
		return nil, nil, err
	}
	return n.local.Subscribe(ctx, resource)
}

// Close drops the subscription. The connection is closed only when the
// notifier opened it.
func (n *NATS) Close() error {
	n.mu.Lock()
	sub := n.sub
	n.sub = nil
	n.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if n.owned {
		n.conn.Close()
	}
	return nil
}
