package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	DefaultRedisChannel = "dblock:notify"
	redisNotifyTimeout  = 2 * time.Second
)

// Redis fans out wake-ups across processes through a single Redis pub/sub
// channel. The payload is the resource name; delivery to local waiters goes
// through an InMemory notifier.
type Redis struct {
	client  *redis.Client
	channel string
	local   *InMemory
	owned   bool

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

type RedisOptions struct {
	Client  *redis.Client
	Channel string
}

func NewRedis(opts RedisOptions) *Redis {
	if opts.Channel == "" {
		opts.Channel = DefaultRedisChannel
	}
	return &Redis{client: opts.Client, channel: opts.Channel, local: NewInMemory()}
}

// NewRedisURL parses url and pings the server before returning the notifier.
func NewRedisURL(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, redisNotifyTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	n := NewRedis(RedisOptions{Client: client})
	n.owned = true
	return n, nil
}

func (n *Redis) ensureSubscribed(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pubsub != nil {
		return nil
	}
	ps := n.client.Subscribe(context.Background(), n.channel)
	rctx, cancel := context.WithTimeout(ctx, redisNotifyTimeout)
	defer cancel()
	if _, err := ps.Receive(rctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis subscribe %s: %w", n.channel, err)
	}
	n.pubsub = ps
	n.done = make(chan struct{})
	go n.dispatch(ps.Channel(), n.done)
	return nil
}

func (n *Redis) dispatch(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		_ = n.local.Publish(context.Background(), msg.Payload)
	}
}

func (n *Redis) Publish(ctx context.Context, resource string) error {
	return n.client.Publish(ctx, n.channel, resource).Err()
}

func (n *Redis) Subscribe(ctx context.Context, resource string) (<-chan struct{}, func(), error) {
	if err := n.ensureSubscribed(ctx); err != nil {
		return nil, nil, err
	}
	return n.local.Subscribe(ctx, resource)
}

// Close stops the shared subscription. The client is closed only when the
// notifier opened it.
func (n *Redis) Close() error {
	n.mu.Lock()
	ps, done := n.pubsub, n.done
	n.pubsub = nil
	n.mu.Unlock()
	var err error
	if ps != nil {
		err = ps.Close()
		<-done
	}
	if n.owned {
		if cerr := n.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
