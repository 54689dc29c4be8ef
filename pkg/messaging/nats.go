package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the broadcast surface the core components depend on.
// The NATS client implements it; tests use MemoryBus.
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Config holds NATS configuration.
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// Client wraps a NATS connection for domain event broadcast.
type Client struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewClient connects to NATS.
func NewClient(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &Client{conn: conn, subs: make(map[string]*nats.Subscription)}, nil
}

// Publish marshals data as JSON and publishes it on subject.
func (c *Client) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// Subscribe registers a handler for a subject.
func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[subject]; exists {
		return fmt.Errorf("already subscribed to %s", subject)
	}
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs[subject] = sub
	return nil
}

// Drain flushes pending messages before Close.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

// Close releases all subscriptions and the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		_ = sub.Unsubscribe()
		delete(c.subs, subject)
	}
	c.conn.Close()
}
