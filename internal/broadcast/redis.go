package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis fans linking events out across instances with Redis pub/sub.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedis(client *redis.Client, logger *zap.Logger) *Redis {
	return &Redis{client: client, logger: logger}
}

func (r *Redis) Publish(ctx context.Context, event LinkEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal link event: %w", err)
	}
	if err := r.client.Publish(ctx, Channel(event.LinkCode), data).Err(); err != nil {
		return fmt.Errorf("publish link event: %w", err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed so that events published
// after it returns are not lost.
func (r *Redis) Subscribe(ctx context.Context, linkCode string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, Channel(linkCode))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel(linkCode), err)
	}

	sub := &redisSub{pubsub: pubsub, out: make(chan LinkEvent, 16), done: make(chan struct{})}
	go sub.pump(r.logger)
	return sub, nil
}

type redisSub struct {
	pubsub *redis.PubSub
	out    chan LinkEvent
	done   chan struct{}
	once   sync.Once
}

func (s *redisSub) pump(logger *zap.Logger) {
	defer close(s.out)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event LinkEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn("dropping undecodable link event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			select {
			case s.out <- event:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSub) Events() <-chan LinkEvent { return s.out }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
