package bus

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// ErrNotConnected is returned by transport publishes while the underlying
// connection is down.
var ErrNotConnected = errors.New("bus: transport not connected")

// Transport moves raw envelope bytes between nodes. The Bus owns the
// connection state machine; a transport only connects, publishes and
// receives.
type Transport interface {
	// Connect establishes the connection and the inbound subscription.
	Connect(ctx context.Context) error
	// Publish sends data on the topic's channel.
	Publish(ctx context.Context, topic string, data []byte) error
	// Receive blocks until the next inbound message or a connection error.
	Receive(ctx context.Context) (topic string, data []byte, err error)
	// Close tears the connection down.
	Close() error
}

// Channel namespace on the shared pub/sub system.
const channelPrefix = "relay.bus."

// redisTransport replicates envelopes over redis pub/sub. All topics ride a
// single pattern subscription.
type redisTransport struct {
	client *redis.Client
	sub    *redis.PubSub
}

// NewRedisTransport creates a transport on an existing redis client.
func NewRedisTransport(client *redis.Client) Transport {
	return &redisTransport{client: client}
}

func (t *redisTransport) Connect(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return err
	}
	t.sub = t.client.PSubscribe(ctx, channelPrefix+"*")
	// Force the subscription on the wire before reporting connected.
	if _, err := t.sub.Receive(ctx); err != nil {
		t.sub.Close()
		t.sub = nil
		return err
	}
	return nil
}

func (t *redisTransport) Publish(ctx context.Context, topic string, data []byte) error {
	return t.client.Publish(ctx, channelPrefix+topic, data).Err()
}

func (t *redisTransport) Receive(ctx context.Context) (string, []byte, error) {
	if t.sub == nil {
		return "", nil, ErrNotConnected
	}
	msg, err := t.sub.ReceiveMessage(ctx)
	if err != nil {
		return "", nil, err
	}
	topic := msg.Channel
	if len(topic) > len(channelPrefix) {
		topic = topic[len(channelPrefix):]
	}
	return topic, []byte(msg.Payload), nil
}

func (t *redisTransport) Close() error {
	if t.sub != nil {
		t.sub.Close()
		t.sub = nil
	}
	return nil
}
