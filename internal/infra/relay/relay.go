// Package relay bridges the local event bus to a redis channel so that
// several processes observe one stream of events.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/discobox/internal/app/events"
)

// Bus is the part of the broadcaster the relay needs.
type Bus interface {
	Origin() string
	Publish(evt events.Event)
	Subscribe() *events.Subscription
	Unsubscribe(sub *events.Subscription)
}

// PubSub is a message transport keyed by channel name.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Receive blocks, calling fn for each message, until ctx ends or the
	// subscription fails.
	Receive(ctx context.Context, channel string, fn func(payload []byte)) error
}

// Relay forwards local events out and remote events in.
type Relay struct {
	bus     Bus
	ps      PubSub
	channel string
	retry   time.Duration
	doneCh  chan struct{}
}

// New creates a relay on channel.
func New(bus Bus, ps PubSub, channel string) *Relay {
	if channel == "" {
		channel = "discobox:events"
	}
	return &Relay{
		bus:     bus,
		ps:      ps,
		channel: channel,
		retry:   2 * time.Second,
		doneCh:  make(chan struct{}),
	}
}

// Done returns a channel that is closed when Run exits.
func (r *Relay) Done() <-chan struct{} { return r.doneCh }

// Run relays until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	defer close(r.doneCh)

	sub := r.bus.Subscribe()
	defer r.bus.Unsubscribe(sub)

	inDone := make(chan struct{})
	go func() {
		defer close(inDone)
		r.receiveLoop(ctx)
	}()

	zlog.Info().Msgf("relay: started channel=%s origin=%s", r.channel, r.bus.Origin())
	for {
		select {
		case <-ctx.Done():
			<-inDone
			return
		case evt, ok := <-sub.C():
			if !ok {
				<-inDone
				return
			}
			r.forward(ctx, evt)
		}
	}
}

// forward publishes events raised on this node.
func (r *Relay) forward(ctx context.Context, evt events.Event) {
	if evt.Origin != r.bus.Origin() {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		zlog.Warn().Err(err).Msgf("relay: failed to encode event type=%s", evt.Type)
		return
	}
	if err := r.ps.Publish(ctx, r.channel, data); err != nil {
		zlog.Warn().Err(err).Msgf("relay: failed to publish event type=%s", evt.Type)
	}
}

// receiveLoop subscribes to the channel and reconnects on receive errors.
func (r *Relay) receiveLoop(ctx context.Context) {
	for {
		err := r.ps.Receive(ctx, r.channel, r.handle)
		if ctx.Err() != nil {
			return
		}
		zlog.Warn().Err(err).Msgf("relay: subscription error, reconnecting in %s", r.retry)
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.retry):
		}
	}
}

// handle republishes a remote event locally. Events carrying our own
// origin are echoes and are dropped.
func (r *Relay) handle(payload []byte) {
	var evt events.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		zlog.Warn().Err(err).Msg("relay: invalid payload")
		return
	}
	if evt.Type == "" || evt.Origin == "" || evt.Origin == r.bus.Origin() {
		return
	}
	r.bus.Publish(evt)
}

// RedisPubSub implements PubSub on a go-redis client.
type RedisPubSub struct {
	client *redis.Client
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisPubSub connects to redis and verifies the connection.
func NewRedisPubSub(ctx context.Context, cfg RedisConfig) (*RedisPubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "failed to connect to redis at %s", cfg.Addr)
	}
	return &RedisPubSub{client: client}, nil
}

// Publish sends payload to channel.
func (p *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, string(payload)).Err()
}

// Receive subscribes to channel and calls fn for each message.
func (p *RedisPubSub) Receive(ctx context.Context, channel string, fn func(payload []byte)) error {
	pubsub := p.client.Subscribe(ctx, channel)
	defer pubsub.Close()

	// wait for the subscription to be active
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			fn([]byte(msg.Payload))
		}
	}
}

// Close closes the redis client.
func (p *RedisPubSub) Close() error {
	return p.client.Close()
}
