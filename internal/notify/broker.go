// Package notify fans committed balance changes out to subscribed clients.
package notify

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
	"go.uber.org/zap"
)

const subscriberBuffer = 16

var ErrBrokerClosed = errors.New("notify: broker closed")

// Broker delivers balance changes per user. Slow subscribers drop changes rather
// than block publishers; every change carries the absolute balance, so the next
// one a subscriber receives is still accurate.
type Broker interface {
	Publish(ctx context.Context, change ledger.BalanceChange) error
	Subscribe(ctx context.Context, userID string) (<-chan ledger.BalanceChange, func(), error)
	Close() error
}

// Observer adapts a Broker to ledger.BalanceObserver.
type Observer struct {
	broker Broker
	logger *zap.Logger
}

// NewObserver returns an Observer publishing to broker.
func NewObserver(broker Broker, logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{broker: broker, logger: logger}
}

// BalanceChanged publishes the change; failures are logged because the mutation has already committed.
func (observer *Observer) BalanceChanged(ctx context.Context, change ledger.BalanceChange) {
	if err := observer.broker.Publish(context.WithoutCancel(ctx), change); err != nil {
		observer.logger.Warn("balance notification failed", zap.String("user_id", change.UserID), zap.Error(err))
	}
}
