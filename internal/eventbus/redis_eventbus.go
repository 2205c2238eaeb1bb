package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const consumerGroup = "payment-integrity-workers"

type RedisEventBus struct {
	client      *redis.Client
	logger      *zap.Logger
	subscribers map[string][]*redisSubscription
	mutex       sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type redisSubscription struct {
	id      string
	topic   string
	handler EventHandler
	bus     *RedisEventBus
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewRedisEventBus(addr, password string, db int, logger *zap.Logger) (*RedisEventBus, error) {
	ctx, cancel := context.WithCancel(context.Background())
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisEventBus{
		client:      client,
		logger:      logger,
		subscribers: make(map[string][]*redisSubscription),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func (r *RedisEventBus) Publish(ctx context.Context, topic string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{"payload": data},
	}).Err()
}

// Subscribe consumes the topic through a consumer group so each message is
// delivered to exactly one worker and unacked messages stay pending.
func (r *RedisEventBus) Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
		bus:     r,
		ctx:     subCtx,
		cancel:  cancel,
	}

	r.mutex.Lock()
	r.subscribers[topic] = append(r.subscribers[topic], sub)
	r.mutex.Unlock()

	go r.consumeStream(sub)

	return sub, nil
}

func (r *RedisEventBus) consumeStream(sub *redisSubscription) {
	consumerName := "worker-" + sub.id

	// Idempotent; BUSYGROUP just means the group already exists.
	_ = r.client.XGroupCreateMkStream(sub.ctx, sub.topic, consumerGroup, "0").Err()

	r.logger.Info("Started stream consumer",
		zap.String("topic", sub.topic),
		zap.String("group", consumerGroup))

	for {
		select {
		case <-sub.ctx.Done():
			return
		default:
			streams, err := r.client.XReadGroup(sub.ctx, &redis.XReadGroupArgs{
				Group:    consumerGroup,
				Consumer: consumerName,
				Streams:  []string{sub.topic, ">"},
				Count:    10,
				Block:    2 * time.Second,
			}).Result()

			if err != nil {
				if err != redis.Nil && sub.ctx.Err() == nil {
					r.logger.Error("Failed to read stream", zap.Error(err))
				}
				time.Sleep(100 * time.Millisecond)
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					if err := r.handleMessage(sub, msg); err != nil {
						// Not acked: stays in the pending entries list
						// until a worker reclaims it.
						r.logger.Error("Failed to process message",
							zap.String("msg_id", msg.ID),
							zap.Error(err))
					} else {
						r.client.XAck(sub.ctx, sub.topic, consumerGroup, msg.ID)
					}
				}
			}
		}
	}
}

func (r *RedisEventBus) handleMessage(sub *redisSubscription, msg redis.XMessage) error {
	payloadStr, ok := msg.Values["payload"].(string)
	if !ok {
		return fmt.Errorf("invalid payload format")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(payloadStr), &event); err != nil {
		event = map[string]interface{}{"data": payloadStr}
	}
	event["_msg_id"] = msg.ID

	return sub.handler(sub.ctx, event)
}

func (r *RedisEventBus) Close() error {
	r.cancel()
	return r.client.Close()
}

func (s *redisSubscription) ID() string    { return s.id }
func (s *redisSubscription) Topic() string { return s.topic }
func (s *redisSubscription) Unsubscribe() error {
	s.cancel()
	return nil
}
