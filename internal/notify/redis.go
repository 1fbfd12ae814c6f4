package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelNamespace = "skechum:credits"

type pubSubClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Close() error
}

// RedisBroker fans balance changes out across instances over Redis pub/sub.
type RedisBroker struct {
	client pubSubClient
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// DialRedis parses a redis:// URL and verifies connectivity.
func DialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	trimmed := strings.TrimSpace(redisURL)
	if trimmed == "" {
		return nil, errors.New("redis url is required")
	}
	options, err := redis.ParseURL(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedisBroker wraps an established client. The broker owns the client and closes it.
func NewRedisBroker(client *redis.Client, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{client: client, logger: logger}
}

// ChannelFor returns the pub/sub channel carrying a user's balance changes.
func ChannelFor(userID string) string {
	return channelNamespace + ":" + strings.TrimSpace(userID)
}

func (broker *RedisBroker) Publish(ctx context.Context, change ledger.BalanceChange) error {
	if broker.isClosed() {
		return ErrBrokerClosed
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode balance change: %w", err)
	}
	if err := broker.client.Publish(ctx, ChannelFor(change.UserID), payload).Err(); err != nil {
		return fmt.Errorf("publish balance change: %w", err)
	}
	return nil
}

// Subscribe confirms the subscription with Redis before returning.
func (broker *RedisBroker) Subscribe(ctx context.Context, userID string) (<-chan ledger.BalanceChange, func(), error) {
	if broker.isClosed() {
		return nil, nil, ErrBrokerClosed
	}
	pubSub := broker.client.Subscribe(ctx, ChannelFor(userID))
	if _, err := pubSub.Receive(ctx); err != nil {
		_ = pubSub.Close()
		return nil, nil, fmt.Errorf("subscribe balance changes: %w", err)
	}

	changes := make(chan ledger.BalanceChange, subscriberBuffer)
	done := make(chan struct{})
	var cancelOnce sync.Once
	cancel := func() {
		cancelOnce.Do(func() {
			close(done)
			_ = pubSub.Close()
		})
	}

	go func() {
		defer close(changes)
		messages := pubSub.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				var change ledger.BalanceChange
				if err := json.Unmarshal([]byte(message.Payload), &change); err != nil {
					broker.logger.Warn("discarding malformed balance change", zap.String("channel", message.Channel), zap.Error(err))
					continue
				}
				select {
				case changes <- change:
				default:
				}
			}
		}
	}()
	return changes, cancel, nil
}

func (broker *RedisBroker) Close() error {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	if broker.closed {
		return nil
	}
	broker.closed = true
	return broker.client.Close()
}

func (broker *RedisBroker) isClosed() bool {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	return broker.closed
}
