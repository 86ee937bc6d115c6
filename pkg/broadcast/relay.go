package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/runwatch/pkg/metrics"
	"github.com/ethpandaops/runwatch/pkg/status"
)

// Event says that an execution changed. Receivers treat it only as a hint
// to re-read the store.
type Event struct {
	ExecutionID string        `json:"executionId"`
	Status      status.Status `json:"status"`
	Timestamp   int64         `json:"timestamp"`
}

// ErrRelayClosed is returned by a relay after Close.
var ErrRelayClosed = errors.New("relay closed")

// Relay is the shared channel every instance publishes change events to
// and consumes them from.
type Relay interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns a stream of events that ends when ctx is done or
	// the relay closes.
	Subscribe(ctx context.Context) (<-chan Event, error)
	Close() error
}

// LocalRelay is an in-process relay. Hubs sharing one LocalRelay behave
// like instances sharing a redis channel.
type LocalRelay struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

var _ Relay = (*LocalRelay)(nil)

// NewLocalRelay creates an in-process relay.
func NewLocalRelay() *LocalRelay {
	return &LocalRelay{subs: make(map[chan Event]struct{})}
}

// Publish delivers ev to every subscriber. A subscriber with a full
// buffer misses the event.
func (r *LocalRelay) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRelayClosed
	}

	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}

	return nil
}

// Subscribe registers a new consumer.
func (r *LocalRelay) Subscribe(ctx context.Context) (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRelayClosed
	}

	ch := make(chan Event, 64)
	r.subs[ch] = struct{}{}

	context.AfterFunc(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
	})

	return ch, nil
}

// Close ends every subscription.
func (r *LocalRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	for ch := range r.subs {
		delete(r.subs, ch)
		close(ch)
	}

	return nil
}

// RedisRelay publishes events on a redis pub/sub channel.
type RedisRelay struct {
	log     logrus.FieldLogger
	client  *redis.Client
	channel string
}

var _ Relay = (*RedisRelay)(nil)

// NewRedisRelay connects to the redis server at url and checks it answers.
func NewRedisRelay(
	ctx context.Context, log logrus.FieldLogger, url, channel string,
) (*RedisRelay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisRelay{
		log:     log.WithField("component", "redis-relay"),
		client:  client,
		channel: channel,
	}, nil
}

// Publish sends ev as JSON on the shared channel.
func (r *RedisRelay) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}

	return nil
}

// Subscribe joins the shared channel. It returns once redis confirmed the
// subscription.
func (r *RedisRelay) Subscribe(ctx context.Context) (<-chan Event, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()

		return nil, fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}

	out := make(chan Event, 64)

	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.log.WithError(err).Warn("Dropping malformed relay event")

					continue
				}

				if ev.ExecutionID == "" {
					continue
				}

				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close closes the redis client.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}

// RelayNotifier publishes change events without a local hub, for writers
// that serve no subscribers of their own.
type RelayNotifier struct {
	log   logrus.FieldLogger
	relay Relay
}

// NewRelayNotifier wraps relay. Publish failures are logged and dropped.
func NewRelayNotifier(log logrus.FieldLogger, relay Relay) *RelayNotifier {
	return &RelayNotifier{
		log:   log.WithField("component", "relay-notifier"),
		relay: relay,
	}
}

// Notify publishes ev.
func (n *RelayNotifier) Notify(ctx context.Context, ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	if err := n.relay.Publish(ctx, ev); err != nil {
		n.log.WithError(err).
			WithField("execution_id", ev.ExecutionID).
			Warn("Failed to publish change event")

		return
	}

	metrics.RelayEvents.WithLabelValues("published").Inc()
}
