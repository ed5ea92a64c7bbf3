package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/eventide/eventide/backend/go-services/pkg/logger"
)

// Publisher delivers an envelope to a group, on this instance or on all of them.
type Publisher interface {
	Publish(ctx context.Context, group string, env Envelope) error
}

// LocalPublisher broadcasts straight into the in-process hub.
type LocalPublisher struct {
	hub *Hub
}

func NewLocalPublisher(hub *Hub) *LocalPublisher { return &LocalPublisher{hub: hub} }

func (p *LocalPublisher) Publish(ctx context.Context, group string, env Envelope) error {
	p.hub.Broadcast(group, env)
	return nil
}

// relayed is the wire format on the Redis channel.
type relayed struct {
	Group   string          `json:"group"`
	Message json.RawMessage `json:"message"`
}

// RedisPublisher fans out across instances: Publish writes to one pub/sub
// channel and every instance's Relay re-broadcasts into its local hub. There
// is no persistence; instances that are down miss the message.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	hub     *Hub
}

func NewRedisPublisher(client *redis.Client, channel string, hub *Hub) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, hub: hub}
}

func (p *RedisPublisher) Publish(ctx context.Context, group string, env Envelope) error {
	msg, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(relayed{Group: group, Message: msg})
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("realtime: publish to %s: %w", p.channel, err)
	}
	return nil
}

// Relay subscribes to the channel and forwards messages to the local hub until
// the returned stop function is called. It returns once the subscription is
// confirmed.
func (p *RedisPublisher) Relay(ctx context.Context) (stop func(), err error) {
	sub := p.client.Subscribe(ctx, p.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("realtime: subscribe %s: %w", p.channel, err)
	}
	done := make(chan struct{})
	ch := sub.Channel()
	go func() {
		defer close(done)
		for m := range ch {
			var r relayed
			if err := json.Unmarshal([]byte(m.Payload), &r); err != nil || r.Group == "" || len(r.Message) == 0 || string(r.Message) == "null" {
				logger.Warnf("realtime: ignoring malformed relay message on %s", p.channel)
				continue
			}
			p.hub.broadcastRaw(r.Group, string(r.Message))
		}
	}()
	logger.Infof("realtime: relaying %s into local hub", p.channel)
	return func() {
		_ = sub.Close()
		<-done
	}, nil
}
